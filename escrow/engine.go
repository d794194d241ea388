package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	agentpay "github.com/x402-foundation/agentpay"
)

// LockRequest asks the engine to take Amount from Funder into custody for
// Provider until Deadline.
type LockRequest struct {
	Funder      string
	Provider    string
	Amount      *big.Int
	Deadline    time.Time
	Description string
	AutoRefund  bool
}

// Engine runs the escrow state machine. Funds are held by the custodian
// account; every status change is a compare-and-swap on the expected
// current status, made before any funds move.
type Engine struct {
	cfg       agentpay.Config
	custodian agentpay.Ledger
	funders   agentpay.LedgerRegistry
	store     Store

	arbiter string
	sink    agentpay.EventSink
	clock   agentpay.Clock
	logger  *slog.Logger
	retry   agentpay.RetryPolicy
	locks   agentpay.KeyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithArbiter sets the only address allowed to resolve disputes.
func WithArbiter(addr string) Option {
	return func(e *Engine) { e.arbiter = addr }
}

// WithClock sets the trusted time source.
func WithClock(clock agentpay.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEventSink sets where transitions are recorded.
func WithEventSink(s agentpay.EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithRetryPolicy sets the retry policy for ledger calls.
func WithRetryPolicy(p agentpay.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// NewEngine creates an escrow engine. custodian signs payouts and pulls
// locked funds; funders resolves a funder's own ledger when the engine
// must approve the custodian on the funder's behalf, and may be nil.
func NewEngine(cfg agentpay.Config, custodian agentpay.Ledger, funders agentpay.LedgerRegistry, store Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		custodian: custodian,
		funders:   funders,
		store:     store,
		sink:      agentpay.DiscardSink(),
		clock:     agentpay.SystemClock(),
		logger:    slog.New(slog.DiscardHandler),
		retry:     agentpay.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Custodian returns the address funders must approve.
func (e *Engine) Custodian() string {
	return e.custodian.Address()
}

// LockFunds moves the amount from the funder into custody and returns the
// active task. The task is recorded as locking before the transfer is
// sent. A transfer that definitely failed leaves it abandoned; one whose
// outcome is unknown leaves it locking for ReconcileLocks.
func (e *Engine) LockFunds(ctx context.Context, req LockRequest) (*Task, error) {
	now := e.clock.Now()
	funder, err := agentpay.NormalizeAddress(req.Funder)
	if err != nil {
		return nil, err
	}
	provider, err := agentpay.NormalizeAddress(req.Provider)
	if err != nil {
		return nil, err
	}
	if agentpay.SameAddress(funder, provider) {
		return nil, agentpay.NewError(agentpay.CodeInvalidAddress, "funder and provider must differ", map[string]interface{}{
			"address": funder,
		})
	}
	if !agentpay.Positive(req.Amount) {
		return nil, agentpay.NewError(agentpay.CodeInvalidAmount, "escrow amount must be positive", nil)
	}
	if !req.Deadline.After(now) {
		return nil, agentpay.NewError(agentpay.CodeInvalidDeadline, "deadline must be in the future", map[string]interface{}{
			"deadline": req.Deadline.UTC().Format(time.RFC3339),
		})
	}

	task := &Task{
		Funder:      funder,
		Provider:    provider,
		Amount:      new(big.Int).Set(req.Amount),
		Deadline:    req.Deadline.UTC(),
		Status:      StatusLocking,
		Description: req.Description,
		AutoRefund:  req.AutoRefund,
		CreatedAt:   now.UTC(),
	}
	task.ID = TaskID(funder, provider, task.Amount, task.CreatedAt, task.Description)

	unlock := e.locks.Lock(task.ID)
	defer unlock()

	var balance *big.Int
	err = agentpay.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		balance, err = e.custodian.BalanceOf(ctx, funder)
		return err
	})
	if err != nil {
		return nil, agentpay.OperationFailed("read funder balance", err, map[string]interface{}{"funder": funder})
	}
	if balance.Cmp(task.Amount) < 0 {
		return nil, agentpay.InsufficientBalance(funder, balance, task.Amount)
	}
	if err := e.ensureAllowance(ctx, funder, task.Amount); err != nil {
		return nil, err
	}

	if err := e.store.Create(ctx, task); err != nil {
		return nil, agentpay.OperationFailed("persist escrow task", err, map[string]interface{}{"taskId": task.ID})
	}
	e.emit(ctx, task, "locking")

	lockTx, err := agentpay.SubmitOnce(ctx, e.retry, func(ctx context.Context) (string, error) {
		return e.custodian.TransferFrom(ctx, funder, e.custodian.Address(), task.Amount)
	})
	if err != nil && lockTx == "" {
		if !errors.Is(err, agentpay.ErrOutcomeUnknown) {
			e.abandon(ctx, task)
			return nil, agentpay.OperationFailed("lock funds", err, map[string]interface{}{
				"funder": funder,
				"taskId": task.ID,
				"status": string(task.Status),
			})
		}
		e.logger.Error("CRITICAL: escrow lock outcome unknown and no transaction recorded",
			"task_id", task.ID, "funder", funder, "amount", task.Amount.String(), "error", err)
		return nil, agentpay.OperationFailed("lock funds", err, map[string]interface{}{
			"funder": funder,
			"taskId": task.ID,
			"status": string(StatusLocking),
		})
	}
	task.LockTx = lockTx
	_ = e.record(ctx, task, "lock_submitted")
	return e.confirmLock(ctx, task)
}

// confirmLock waits on a locking task's transfer. A mined transfer makes
// the task active, a reverted one abandons it, and a missing receipt
// leaves it locking.
func (e *Engine) confirmLock(ctx context.Context, task *Task) (*Task, error) {
	receipt, err := e.waitReceipt(ctx, task.LockTx)
	if err != nil {
		e.logger.Warn("escrow lock unconfirmed", "task_id", task.ID, "tx", task.LockTx, "error", err)
		return nil, agentpay.OperationFailed("confirm lock", err, map[string]interface{}{
			"taskId": task.ID,
			"lockTx": task.LockTx,
			"status": string(StatusLocking),
		})
	}
	if !receipt.Succeeded() {
		e.abandon(ctx, task)
		return nil, agentpay.OperationFailed("lock funds", fmt.Errorf("transaction %s reverted", task.LockTx), map[string]interface{}{
			"funder": task.Funder,
			"taskId": task.ID,
			"lockTx": task.LockTx,
			"status": string(task.Status),
		})
	}

	task.Status = StatusActive
	if err := e.transition(ctx, StatusLocking, task, "locked"); err != nil {
		return nil, err
	}
	e.logger.Info("escrow locked", "task_id", task.ID, "funder", task.Funder, "provider", task.Provider,
		"amount", task.Amount.String(), "deadline", task.Deadline)
	return task, nil
}

func (e *Engine) abandon(ctx context.Context, task *Task) {
	now := e.clock.Now()
	task.Status = StatusAbandoned
	task.ResolvedAt = &now
	if err := e.transition(ctx, StatusLocking, task, "abandoned"); err != nil {
		e.logger.Error("failed to abandon escrow task", "task_id", task.ID, "lock_tx", task.LockTx, "error", err)
		return
	}
	e.logger.Warn("escrow lock abandoned", "task_id", task.ID, "funder", task.Funder, "lock_tx", task.LockTx)
}

// ReconcileLocks resolves up to limit locking tasks against their lock
// transactions. It returns how many became active or abandoned.
func (e *Engine) ReconcileLocks(ctx context.Context, limit int) (int, error) {
	tasks, err := e.store.ListLocking(ctx, limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	var errs []error
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		ok, err := e.reconcileLock(ctx, t.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		if ok {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

func (e *Engine) reconcileLock(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	task, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if task.Status != StatusLocking {
		return false, nil
	}
	if task.LockTx == "" {
		return false, agentpay.OperationFailed("confirm lock", errors.New("no lock transaction recorded; reconcile manually"), map[string]interface{}{
			"taskId": task.ID,
			"status": string(task.Status),
		})
	}
	if _, err := e.confirmLock(ctx, task); err != nil && task.Status != StatusAbandoned {
		return false, err
	}
	return true, nil
}

// ensureAllowance checks the custodian may pull amount from the funder,
// approving it with the funder's own ledger when one is bound.
func (e *Engine) ensureAllowance(ctx context.Context, funder string, amount *big.Int) error {
	custodian := e.custodian.Address()
	var allowance *big.Int
	err := agentpay.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		allowance, err = e.custodian.Allowance(ctx, funder, custodian)
		return err
	})
	if err != nil {
		return agentpay.OperationFailed("read funder allowance", err, map[string]interface{}{"funder": funder})
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	var ledger agentpay.Ledger
	if e.funders != nil {
		ledger, _ = e.funders.LedgerFor(funder)
	}
	if ledger == nil {
		return agentpay.NewError(agentpay.CodeNotAuthorized, "funder has not approved the escrow custodian", map[string]interface{}{
			"caller":    funder,
			"custodian": custodian,
			"allowance": allowance.String(),
			"required":  amount.String(),
		})
	}

	var tx string
	err = agentpay.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		tx, err = ledger.Approve(ctx, custodian, amount)
		return err
	})
	if err == nil {
		var receipt *agentpay.TxReceipt
		if receipt, err = e.waitReceipt(ctx, tx); err == nil && !receipt.Succeeded() {
			err = fmt.Errorf("transaction %s reverted", tx)
		}
	}
	if err != nil {
		return agentpay.OperationFailed("approve escrow custodian", err, map[string]interface{}{"funder": funder})
	}
	return nil
}

// ReleaseWithProof completes an active task whose attestation verifies
// for the provider, then pays the provider.
func (e *Engine) ReleaseWithProof(ctx context.Context, taskID string, att agentpay.Attestation) (*Task, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusActive {
		return nil, agentpay.TaskNotActive(task.ID, string(task.Status))
	}
	now := e.clock.Now()
	if now.After(task.Deadline) {
		return nil, agentpay.DeadlinePassed(task.ID, task.Deadline)
	}
	if err := e.cfg.AttestationVerifier.Verify(ctx, task.ID, task.Provider, att); err != nil {
		if _, ok := agentpay.AsError(err); ok {
			return nil, err
		}
		return nil, agentpay.OperationFailed("verify attestation", err, map[string]interface{}{"taskId": task.ID})
	}

	task.Status = StatusCompleted
	task.AttestationRef = att.ID
	task.PayoutTo = task.Provider
	task.ResolvedAt = &now
	if err := e.transition(ctx, StatusActive, task, "completed"); err != nil {
		return nil, err
	}
	return e.settle(ctx, task)
}

// Refund returns an active task's funds to the funder once the deadline
// has passed. Callers other than the funder may refund only auto-refund
// tasks.
func (e *Engine) Refund(ctx context.Context, taskID, caller string) (*Task, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusActive {
		return nil, agentpay.TaskNotActive(task.ID, string(task.Status))
	}
	now := e.clock.Now()
	if !now.After(task.Deadline) {
		return nil, agentpay.DeadlineNotPassed(task.ID, task.Deadline)
	}
	if !agentpay.SameAddress(caller, task.Funder) && !task.AutoRefund {
		return nil, agentpay.NotAuthorized(caller, "only the funder may refund this task")
	}

	task.Status = StatusRefunded
	task.PayoutTo = task.Funder
	task.ResolvedAt = &now
	if err := e.transition(ctx, StatusActive, task, "refunded"); err != nil {
		return nil, err
	}
	return e.settle(ctx, task)
}

// Dispute freezes an active task until the arbiter resolves it.
func (e *Engine) Dispute(ctx context.Context, taskID, caller, reason string) (*Task, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusActive {
		return nil, agentpay.TaskNotActive(task.ID, string(task.Status))
	}
	if !agentpay.SameAddress(caller, task.Funder) && !agentpay.SameAddress(caller, task.Provider) {
		return nil, agentpay.NotAuthorized(caller, "only the funder or provider may dispute this task")
	}

	task.Status = StatusDisputed
	task.DisputedBy = caller
	task.DisputeReason = reason
	if err := e.transition(ctx, StatusActive, task, "disputed"); err != nil {
		return nil, err
	}
	e.logger.Info("escrow disputed", "task_id", task.ID, "by", caller)
	return task, nil
}

// ResolveDispute pays a disputed task to the provider or back to the
// funder. Only the arbiter may call it.
func (e *Engine) ResolveDispute(ctx context.Context, taskID, caller string, releaseToProvider bool) (*Task, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if e.arbiter == "" || !agentpay.SameAddress(caller, e.arbiter) {
		return nil, agentpay.NotAuthorized(caller, "only the arbiter may resolve disputes")
	}
	if task.Status != StatusDisputed {
		return nil, agentpay.TaskNotActive(task.ID, string(task.Status))
	}

	now := e.clock.Now()
	task.Status = StatusRefunded
	task.PayoutTo = task.Funder
	if releaseToProvider {
		task.Status = StatusCompleted
		task.PayoutTo = task.Provider
	}
	task.ResolvedAt = &now
	if err := e.transition(ctx, StatusDisputed, task, "resolved"); err != nil {
		return nil, err
	}
	return e.settle(ctx, task)
}

// transition swaps the task out of from. Losing the swap reports the
// status the winner left.
func (e *Engine) transition(ctx context.Context, from Status, task *Task, eventType string) error {
	ok, err := e.store.Transition(ctx, from, task)
	if err != nil {
		return agentpay.OperationFailed("update escrow task", err, map[string]interface{}{
			"taskId": task.ID,
			"status": string(from),
		})
	}
	if !ok {
		current, err := e.store.Get(ctx, task.ID)
		if err != nil {
			return err
		}
		return agentpay.TaskNotActive(task.ID, string(current.Status))
	}
	e.emit(ctx, task, eventType)
	return nil
}

// settle pays a terminal task's PayoutTo. The task is marked in flight
// before the transfer is sent, so a payout whose handle is lost is never
// sent twice. A reverted payout is resubmitted up to the retry policy's
// attempts; an unconfirmed one stays recorded for SettlePending.
func (e *Engine) settle(ctx context.Context, task *Task) (*Task, error) {
	attempts := max(e.retry.Attempts, 1)
	var lastErr error
	for range attempts {
		if task.PayoutInFlight {
			lastErr = errors.New("payout sent without a recorded transaction; reconcile manually")
			break
		}
		if task.PayoutTx == "" {
			task.PayoutInFlight = true
			if err := e.record(ctx, task, "payout_sending"); err != nil {
				task.PayoutInFlight = false
				lastErr = err
				break
			}
			tx, err := agentpay.SubmitOnce(ctx, e.retry, func(ctx context.Context) (string, error) {
				return e.custodian.Transfer(ctx, task.PayoutTo, task.Amount)
			})
			if err != nil && tx == "" {
				if !errors.Is(err, agentpay.ErrOutcomeUnknown) {
					task.PayoutInFlight = false
					_ = e.record(ctx, task, "payout_failed")
				}
				lastErr = err
				break
			}
			task.PayoutInFlight = false
			task.PayoutTx = tx
			_ = e.record(ctx, task, "payout_submitted")
		}

		receipt, err := e.waitReceipt(ctx, task.PayoutTx)
		if err != nil {
			lastErr = err
			break
		}
		if receipt.Succeeded() {
			task.Settled = true
			_ = e.record(ctx, task, "settled")
			e.logger.Info("escrow settled", "task_id", task.ID, "status", string(task.Status),
				"to", task.PayoutTo, "amount", task.Amount.String(), "tx", task.PayoutTx)
			return task, nil
		}
		lastErr = fmt.Errorf("payout transaction %s reverted", task.PayoutTx)
		task.PayoutTx = ""
		_ = e.record(ctx, task, "payout_reverted")
	}

	e.logger.Error("CRITICAL: escrow payout not settled", "task_id", task.ID, "status", string(task.Status),
		"to", task.PayoutTo, "amount", task.Amount.String(), "tx", task.PayoutTx,
		"in_flight", task.PayoutInFlight, "error", lastErr)
	return nil, agentpay.OperationFailed("escrow payout", lastErr, map[string]interface{}{
		"taskId":         task.ID,
		"status":         string(task.Status),
		"payoutTo":       task.PayoutTo,
		"payoutTx":       task.PayoutTx,
		"payoutInFlight": task.PayoutInFlight,
		"settled":        false,
	})
}

// record writes progress on a task without changing its status.
func (e *Engine) record(ctx context.Context, task *Task, eventType string) error {
	ok, err := e.store.Transition(ctx, task.Status, task)
	if err == nil && !ok {
		err = fmt.Errorf("task %s is no longer %s", task.ID, task.Status)
	}
	if err != nil {
		e.logger.Error("CRITICAL: failed to record escrow task progress",
			"task_id", task.ID, "status", string(task.Status), "event", eventType,
			"lock_tx", task.LockTx, "payout_tx", task.PayoutTx, "settled", task.Settled, "error", err)
		return err
	}
	e.emit(ctx, task, eventType)
	return nil
}

func (e *Engine) waitReceipt(ctx context.Context, tx string) (*agentpay.TxReceipt, error) {
	var receipt *agentpay.TxReceipt
	err := agentpay.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		receipt, err = e.custodian.WaitForReceipt(ctx, tx)
		return err
	})
	return receipt, err
}

// SettlePending re-drives payouts of terminal tasks that are not settled.
// A recorded payout is awaited and resubmitted only if it reverted; a
// payout in flight without a handle is left for manual reconciliation. It
// returns how many tasks settled.
func (e *Engine) SettlePending(ctx context.Context, limit int) (int, error) {
	tasks, err := e.store.ListUnsettled(ctx, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	var errs []error
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if err := e.settleOne(ctx, t.ID); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

func (e *Engine) settleOne(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	task, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() || task.Settled {
		return nil
	}
	_, err = e.settle(ctx, task)
	return err
}

// SweepExpired refunds up to limit active auto-refund tasks past their
// deadline. Tasks another caller already moved are skipped.
func (e *Engine) SweepExpired(ctx context.Context, limit int) (int, error) {
	tasks, err := e.store.ListExpired(ctx, e.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	refunded := 0
	var errs []error
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		_, err := e.Refund(ctx, t.ID, "")
		switch {
		case err == nil:
			refunded++
		case errors.Is(err, agentpay.ErrTaskNotActive):
		default:
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}
	if refunded > 0 {
		e.logger.Info("expired escrows refunded", "count", refunded)
	}
	return refunded, errors.Join(errs...)
}

// Get returns a task.
func (e *Engine) Get(ctx context.Context, id string) (*Task, error) {
	return e.store.Get(ctx, id)
}

// ListByParty returns tasks funded by or assigned to addr.
func (e *Engine) ListByParty(ctx context.Context, addr string, limit int) ([]*Task, error) {
	return e.store.ListByParty(ctx, addr, limit)
}

func (e *Engine) emit(ctx context.Context, t *Task, eventType string) {
	event, err := agentpay.NewEvent(agentpay.EntityEscrowTask, t.ID, eventType, t, e.clock.Now())
	if err == nil {
		err = e.sink.Append(ctx, event)
	}
	if err != nil {
		e.logger.Error("failed to record escrow event", "task_id", t.ID, "event", eventType, "error", err)
	}
}

// Replay rebuilds a task from its recorded events.
func Replay(ctx context.Context, sink agentpay.EventSink, id string) (*Task, error) {
	events, err := sink.List(ctx, agentpay.EntityEscrowTask, id)
	if err != nil {
		return nil, err
	}
	var t Task
	found, err := agentpay.LatestSnapshot(events, &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, agentpay.TaskNotFound(id)
	}
	return &t, nil
}
