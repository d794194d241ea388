package sponsor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	agentpay "github.com/x402-foundation/agentpay"
	agentevm "github.com/x402-foundation/agentpay/mechanisms/evm"
	"github.com/x402-foundation/agentpay/session"
)

// Authority is the part of the session authority the coordinator uses.
// The coordinator never writes session key fields directly.
type Authority interface {
	Lookup(ctx context.Context, id string) (*session.SessionKey, error)
	Debit(ctx context.Context, id string, amount *big.Int) error
	Credit(ctx context.Context, id string, amount *big.Int) error
	Sign(ctx context.Context, id string, digest []byte) (string, error)
}

// TransferRequest asks for a sponsored transfer of Amount from the session
// owner to Recipient, paying at most MaxFee in token units.
type TransferRequest struct {
	SessionKeyID   string
	Recipient      string
	Amount         *big.Int
	MaxFee         *big.Int
	IdempotencyKey string
}

// Coordinator runs sponsored transfers.
type Coordinator struct {
	cfg       agentpay.Config
	authority Authority
	ledger    agentpay.Ledger
	relay     agentpay.Relay
	gasPrice  agentpay.GasPriceOracle
	store     Store

	gasUnits   uint64
	staleAfter time.Duration
	sink       agentpay.EventSink
	clock      agentpay.Clock
	logger     *slog.Logger
	retry      agentpay.RetryPolicy
	hooks      Hooks
	cache      *agentpay.SubmissionCache[string]
	locks      agentpay.KeyedMutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGasUnits sets the gas budget assumed per sponsored transfer.
func WithGasUnits(units uint64) Option {
	return func(c *Coordinator) {
		if units > 0 {
			c.gasUnits = units
		}
	}
}

// WithStaleAfter sets how long a payment may stay pending without a relay
// handle, and unknown to the relay, before Confirm fails it.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) { c.staleAfter = d }
}

// WithClock sets the trusted time source.
func WithClock(clock agentpay.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEventSink sets where transitions are recorded.
func WithEventSink(s agentpay.EventSink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithRetryPolicy sets the retry policy for relay and ledger calls.
func WithRetryPolicy(p agentpay.RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithHooks registers lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(c *Coordinator) {
		c.hooks.BeforeSubmit = append(c.hooks.BeforeSubmit, h.BeforeSubmit...)
		c.hooks.AfterSubmit = append(c.hooks.AfterSubmit, h.AfterSubmit...)
		c.hooks.OnSubmitFailure = append(c.hooks.OnSubmitFailure, h.OnSubmitFailure...)
	}
}

// WithIdempotencyTTL sets how long completed idempotent submissions are
// remembered in memory. The store remains the durable record.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.cache = agentpay.NewSubmissionCache[string](ttl) }
}

// NewCoordinator creates a coordinator. ledger is used for balance reads
// only; gasPrice supplies the native gas price.
func NewCoordinator(cfg agentpay.Config, authority Authority, ledger agentpay.Ledger, relay agentpay.Relay, gasPrice agentpay.GasPriceOracle, store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		authority:  authority,
		ledger:     ledger,
		relay:      relay,
		gasPrice:   gasPrice,
		store:      store,
		gasUnits:   agentevm.DefaultTransferFromGas,
		staleAfter: 15 * time.Minute,
		sink:       agentpay.DiscardSink(),
		clock:      agentpay.SystemClock(),
		logger:     slog.New(slog.DiscardHandler),
		retry:      agentpay.DefaultRetryPolicy,
		cache:      agentpay.NewSubmissionCache[string](10 * time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EstimateFee quotes the relay fee for one transfer in token units. The
// conversion truncates.
func (c *Coordinator) EstimateFee(ctx context.Context) (agentpay.FeeQuote, error) {
	var gasPrice *big.Int
	err := agentpay.Retry(ctx, c.retry, func(ctx context.Context) error {
		var err error
		gasPrice, err = c.gasPrice.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return agentpay.FeeQuote{}, agentpay.OperationFailed("read gas price", err, nil)
	}
	native := new(big.Int).Mul(new(big.Int).SetUint64(c.gasUnits), gasPrice)
	fee, err := c.cfg.FeeConversionRate.NativeToToken(ctx, native)
	if err != nil {
		return agentpay.FeeQuote{}, agentpay.OperationFailed("convert fee", err, map[string]interface{}{
			"nativeFeeWei": native.String(),
		})
	}
	return agentpay.FeeQuote{
		GasUnits:     c.gasUnits,
		GasPriceWei:  gasPrice,
		NativeFeeWei: native,
		TokenFee:     fee,
	}, nil
}

// SponsoredTransfer validates the transfer against the session key, debits
// the principal and submits the operation through the relay. It returns a
// pending payment carrying the relay handle.
func (c *Coordinator) SponsoredTransfer(ctx context.Context, req TransferRequest) (*Payment, error) {
	if req.IdempotencyKey == "" {
		return c.transfer(ctx, req)
	}

	if existing, err := c.store.FindByIdempotencyKey(ctx, req.SessionKeyID, req.IdempotencyKey); err != nil {
		return nil, agentpay.OperationFailed("lookup idempotency key", err, nil)
	} else if existing != nil {
		return existing, nil
	}

	key := agentpay.SubmissionKey(req.SessionKeyID, req.IdempotencyKey)
	for {
		status, paymentID, done := c.cache.CheckAndMark(key)
		switch status {
		case agentpay.SubmissionCached:
			return c.store.Get(ctx, paymentID)
		case agentpay.SubmissionInFlight:
			paymentID, ok, err := c.cache.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, err
			}
			if ok {
				return c.store.Get(ctx, paymentID)
			}
			// the in-flight attempt failed; try again ourselves
			continue
		}

		payment, err := c.transfer(ctx, req)
		if err != nil {
			c.cache.Fail(key, done)
			return nil, err
		}
		c.cache.Complete(key, payment.ID, done)
		return payment, nil
	}
}

func (c *Coordinator) transfer(ctx context.Context, req TransferRequest) (*Payment, error) {
	start := c.clock.Now()
	if !agentpay.Positive(req.Amount) {
		return nil, agentpay.NewError(agentpay.CodeInvalidAmount, "transfer amount must be positive", nil)
	}
	if req.MaxFee == nil || req.MaxFee.Sign() < 0 {
		return nil, agentpay.NewError(agentpay.CodeInvalidAmount, "max fee must not be negative", nil)
	}
	recipient, err := agentpay.NormalizeAddress(req.Recipient)
	if err != nil {
		return nil, err
	}

	key, err := c.authority.Lookup(ctx, req.SessionKeyID)
	if err != nil {
		return nil, err
	}
	if !key.IsActive() {
		return nil, agentpay.SessionRevoked(key.ID, string(key.Status))
	}
	if key.Expired(start) {
		return nil, agentpay.SessionExpired(key.ID, key.ExpiresAt)
	}

	quote, err := c.EstimateFee(ctx)
	if err != nil {
		return nil, err
	}
	if quote.TokenFee.Cmp(req.MaxFee) > 0 {
		return nil, agentpay.FeeExceedsMax(quote.TokenFee, req.MaxFee)
	}

	total := new(big.Int).Add(req.Amount, quote.TokenFee)
	var balance *big.Int
	err = agentpay.Retry(ctx, c.retry, func(ctx context.Context) error {
		var err error
		balance, err = c.ledger.BalanceOf(ctx, key.Owner)
		return err
	})
	if err != nil {
		return nil, agentpay.OperationFailed("read owner balance", err, map[string]interface{}{"owner": key.Owner})
	}
	if balance.Cmp(total) < 0 {
		return nil, agentpay.InsufficientBalance(key.Owner, balance, total)
	}
	if total.Cmp(key.RemainingLimit) > 0 {
		return nil, agentpay.LimitExceeded(total, key.RemainingLimit)
	}

	hookCtx := SubmitContext{
		Ctx:          ctx,
		Request:      req,
		Owner:        key.Owner,
		EstimatedFee: quote.TokenFee,
		Timestamp:    start,
	}
	for _, hook := range c.hooks.BeforeSubmit {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, agentpay.NewError(agentpay.CodeNotAuthorized, result.Reason, map[string]interface{}{
				"sessionKeyId": key.ID,
			})
		}
	}

	if err := c.authority.Debit(ctx, key.ID, req.Amount); err != nil {
		return nil, err
	}

	payment := &Payment{
		ID:              uuid.NewString(),
		SessionKeyID:    key.ID,
		Owner:           key.Owner,
		Recipient:       recipient,
		PrincipalAmount: new(big.Int).Set(req.Amount),
		EstimatedFee:    quote.TokenFee,
		MaxFee:          new(big.Int).Set(req.MaxFee),
		NativeFeeWei:    quote.NativeFeeWei,
		GasUnits:        quote.GasUnits,
		Status:          StatusPending,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       start,
		UpdatedAt:       start,
	}
	if err := c.store.Create(ctx, payment); err != nil {
		c.restore(ctx, payment, "persist payment failed")
		return nil, c.submitFailed(hookCtx, nil, agentpay.OperationFailed("persist payment", err, map[string]interface{}{
			"sessionKeyId": key.ID,
		}))
	}
	c.emit(ctx, payment, "created")

	op, err := agentevm.BuildTransferFromOperation(key.Address, c.cfg.TokenAddress, key.Owner, recipient, req.Amount, quote.TokenFee, payment.ID, quote.GasUnits)
	if err == nil {
		op.Signature, err = c.authority.Sign(ctx, key.ID, agentevm.OperationDigest(op))
	}
	if err != nil {
		return nil, c.submitFailed(hookCtx, payment, c.fail(ctx, payment, "sign operation", err))
	}

	handle, err := agentpay.SubmitOnce(ctx, c.retry, func(ctx context.Context) (string, error) {
		return c.relay.Submit(ctx, op)
	})
	if err != nil && handle == "" {
		if !errors.Is(err, agentpay.ErrOutcomeUnknown) {
			return nil, c.submitFailed(hookCtx, payment, c.fail(ctx, payment, "relay submission", err))
		}
		// The relay may hold the operation. The debit stands and Confirm
		// looks the operation up by nonce.
		c.logger.Warn("relay submission outcome unknown; payment left pending",
			"payment_id", payment.ID, "session_key", key.ID, "error", err)
		return nil, c.submitFailed(hookCtx, payment, agentpay.OperationFailed("relay submission", err, map[string]interface{}{
			"paymentId":    payment.ID,
			"sessionKeyId": payment.SessionKeyID,
			"status":       string(StatusPending),
		}))
	}

	payment.Handle = handle
	payment.UpdatedAt = c.clock.Now()
	if _, err := c.store.Transition(ctx, StatusPending, payment); err != nil {
		// The operation is with the relay; the debit stands until the
		// payment is reconciled.
		c.logger.Error("CRITICAL: relay accepted operation but handle was not recorded",
			"payment_id", payment.ID, "session_key", key.ID, "handle", handle, "error", err)
		return nil, agentpay.OperationFailed("record relay handle", err, map[string]interface{}{
			"paymentId": payment.ID,
			"handle":    handle,
			"status":    string(StatusPending),
		})
	}

	c.logger.Info("sponsored transfer submitted",
		"payment_id", payment.ID, "session_key", key.ID, "recipient", recipient,
		"amount", req.Amount.String(), "fee", quote.TokenFee.String(), "handle", handle)
	c.emit(ctx, payment, "submitted")

	for _, hook := range c.hooks.AfterSubmit {
		if err := hook(SubmitResultContext{SubmitContext: hookCtx, Payment: payment.Clone(), Duration: time.Since(start)}); err != nil {
			c.logger.Warn("after-submit hook failed", "payment_id", payment.ID, "error", err)
		}
	}
	return payment, nil
}

// fail marks a pending payment failed, restores its debit and returns the
// OperationFailed error for the caller. The debit is only restored by the
// caller that wins the pending → failed transition.
func (c *Coordinator) fail(ctx context.Context, payment *Payment, op string, cause error) error {
	payment.Status = StatusFailed
	payment.FailureReason = fmt.Sprintf("%s: %v", op, cause)
	payment.UpdatedAt = c.clock.Now()

	ok, err := c.store.Transition(ctx, StatusPending, payment)
	switch {
	case err != nil:
		c.logger.Error("failed to mark payment failed; left pending for reconciliation",
			"payment_id", payment.ID, "session_key", payment.SessionKeyID, "error", err)
	case ok:
		c.restore(ctx, payment, op+" failed")
		c.emit(ctx, payment, "failed")
	}

	return agentpay.OperationFailed(op, cause, map[string]interface{}{
		"paymentId":    payment.ID,
		"sessionKeyId": payment.SessionKeyID,
		"handle":       payment.Handle,
		"status":       string(StatusFailed),
	})
}

func (c *Coordinator) restore(ctx context.Context, payment *Payment, reason string) {
	if err := c.authority.Credit(ctx, payment.SessionKeyID, payment.PrincipalAmount); err != nil {
		c.logger.Error("CRITICAL: failed to restore provisional debit",
			"payment_id", payment.ID, "session_key", payment.SessionKeyID,
			"amount", payment.PrincipalAmount.String(), "reason", reason, "error", err)
		return
	}
	c.logger.Info("provisional debit restored",
		"payment_id", payment.ID, "session_key", payment.SessionKeyID, "amount", payment.PrincipalAmount.String(), "reason", reason)
}

func (c *Coordinator) submitFailed(hookCtx SubmitContext, payment *Payment, err error) error {
	for _, hook := range c.hooks.OnSubmitFailure {
		if hookErr := hook(SubmitFailureContext{SubmitContext: hookCtx, Payment: payment.Clone(), Error: err, Duration: time.Since(hookCtx.Timestamp)}); hookErr != nil {
			c.logger.Warn("submit-failure hook failed", "error", hookErr)
		}
	}
	return err
}

// Get returns a payment.
func (c *Coordinator) Get(ctx context.Context, id string) (*Payment, error) {
	return c.store.Get(ctx, id)
}

// Confirm polls the relay for a pending payment. Included operations
// become confirmed; failed operations become failed and their debit is
// restored. A payment without a handle is looked up by nonce, and fails
// only once the relay has no record of it after staleAfter. Terminal
// payments are returned unchanged.
func (c *Coordinator) Confirm(ctx context.Context, id string) (*Payment, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	payment, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status.Terminal() {
		return payment, nil
	}

	var receipt agentpay.RelayReceipt
	if payment.Handle == "" {
		var found bool
		receipt, found, err = c.locate(ctx, payment)
		if err != nil {
			return nil, err
		}
		if !found {
			if c.clock.Now().Sub(payment.CreatedAt) < c.staleAfter {
				return payment, nil
			}
			_ = c.fail(ctx, payment, "relay submission", errors.New("relay has no record of the operation"))
			return c.store.Get(ctx, id)
		}
	} else {
		err = agentpay.Retry(ctx, c.retry, func(ctx context.Context) error {
			var err error
			receipt, err = c.relay.Status(ctx, payment.Handle)
			return err
		})
		if err != nil {
			return nil, agentpay.OperationFailed("poll relay", err, map[string]interface{}{
				"paymentId": id,
				"handle":    payment.Handle,
				"status":    string(payment.Status),
			})
		}
	}

	switch receipt.Status {
	case agentpay.RelayIncluded:
		payment.Status = StatusConfirmed
		payment.TxHash = receipt.TxHash
		payment.UpdatedAt = c.clock.Now()
		ok, err := c.store.Transition(ctx, StatusPending, payment)
		if err != nil {
			return nil, agentpay.OperationFailed("confirm payment", err, map[string]interface{}{"paymentId": id, "handle": payment.Handle})
		}
		if !ok {
			return c.store.Get(ctx, id)
		}
		c.logger.Info("sponsored transfer confirmed", "payment_id", id, "tx", receipt.TxHash)
		c.emit(ctx, payment, "confirmed")
	case agentpay.RelayFailed:
		reason := receipt.Reason
		if reason == "" {
			reason = "relay reported failure"
		}
		payment.TxHash = receipt.TxHash
		_ = c.fail(ctx, payment, "relay execution", errors.New(reason))
		return c.store.Get(ctx, id)
	}
	return payment, nil
}

// locate asks the relay for a payment's operation by sender and nonce and
// records the handle it finds. found is false when the relay has none.
func (c *Coordinator) locate(ctx context.Context, payment *Payment) (agentpay.RelayReceipt, bool, error) {
	key, err := c.authority.Lookup(ctx, payment.SessionKeyID)
	if err != nil {
		return agentpay.RelayReceipt{}, false, err
	}

	var receipt agentpay.RelayReceipt
	err = agentpay.Retry(ctx, c.retry, func(ctx context.Context) error {
		var err error
		receipt, err = c.relay.Lookup(ctx, key.Address, payment.ID)
		if errors.Is(err, agentpay.ErrUnknownOperation) {
			return agentpay.Permanent(err)
		}
		return err
	})
	if errors.Is(err, agentpay.ErrUnknownOperation) {
		return agentpay.RelayReceipt{}, false, nil
	}
	if err != nil {
		return agentpay.RelayReceipt{}, false, agentpay.OperationFailed("look up relay operation", err, map[string]interface{}{
			"paymentId": payment.ID,
			"status":    string(payment.Status),
		})
	}
	if receipt.Handle == "" {
		return receipt, true, nil
	}

	payment.Handle = receipt.Handle
	payment.UpdatedAt = c.clock.Now()
	if _, err := c.store.Transition(ctx, StatusPending, payment); err != nil {
		c.logger.Error("failed to record located relay handle",
			"payment_id", payment.ID, "handle", receipt.Handle, "error", err)
	} else {
		c.logger.Info("relay operation located", "payment_id", payment.ID, "handle", receipt.Handle)
		c.emit(ctx, payment, "submitted")
	}
	return receipt, true, nil
}

// ReconcilePending confirms up to limit pending payments. It returns how
// many reached a terminal state.
func (c *Coordinator) ReconcilePending(ctx context.Context, limit int) (int, error) {
	pending, err := c.store.ListByStatus(ctx, StatusPending, limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	var errs []error
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		got, err := c.Confirm(ctx, p.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
			continue
		}
		if got.Status.Terminal() {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

func (c *Coordinator) emit(ctx context.Context, p *Payment, eventType string) {
	event, err := agentpay.NewEvent(agentpay.EntityPayment, p.ID, eventType, p, c.clock.Now())
	if err == nil {
		err = c.sink.Append(ctx, event)
	}
	if err != nil {
		c.logger.Error("failed to record payment event", "payment_id", p.ID, "event", eventType, "error", err)
	}
}

// Replay rebuilds a payment from its recorded events.
func Replay(ctx context.Context, sink agentpay.EventSink, id string) (*Payment, error) {
	events, err := sink.List(ctx, agentpay.EntityPayment, id)
	if err != nil {
		return nil, err
	}
	var p Payment
	found, err := agentpay.LatestSnapshot(events, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, agentpay.PaymentNotFound(id)
	}
	return &p, nil
}
