package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/escrow"
)

// TaskRepo persists escrow tasks.
type TaskRepo struct {
	db *sql.DB
}

var _ escrow.Store = (*TaskRepo)(nil)

// NewTaskRepo creates a repository on db.
func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{db: db}
}

const taskColumns = `id, funder, provider, amount, deadline, status, description, auto_refund, attestation_ref, disputed_by, dispute_reason, lock_tx, payout_tx, payout_to, settled, payout_in_flight, created_at, resolved_at`

// Create inserts a new task.
func (r *TaskRepo) Create(ctx context.Context, t *escrow.Task) error {
	const q = `INSERT INTO escrow_tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q,
		t.ID,
		t.Funder,
		t.Provider,
		amountString(t.Amount),
		nanos(t.Deadline),
		string(t.Status),
		t.Description,
		t.AutoRefund,
		t.AttestationRef,
		t.DisputedBy,
		t.DisputeReason,
		t.LockTx,
		t.PayoutTx,
		t.PayoutTo,
		t.Settled,
		t.PayoutInFlight,
		nanos(t.CreatedAt),
		nullableNanos(t.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("create escrow task: %w", err)
	}
	return nil
}

// Get retrieves a task by id.
func (r *TaskRepo) Get(ctx context.Context, id string) (*escrow.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM escrow_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agentpay.TaskNotFound(id)
	}
	return t, err
}

// Transition implements escrow.Store. The WHERE clause on status is the
// compare-and-swap that makes terminal transitions exclusive.
func (r *TaskRepo) Transition(ctx context.Context, from escrow.Status, t *escrow.Task) (bool, error) {
	const q = `UPDATE escrow_tasks SET
		status = ?,
		attestation_ref = ?,
		disputed_by = ?,
		dispute_reason = ?,
		lock_tx = ?,
		payout_tx = ?,
		payout_to = ?,
		settled = ?,
		payout_in_flight = ?,
		resolved_at = ?
	WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, q,
		string(t.Status),
		t.AttestationRef,
		t.DisputedBy,
		t.DisputeReason,
		t.LockTx,
		t.PayoutTx,
		t.PayoutTo,
		t.Settled,
		t.PayoutInFlight,
		nullableNanos(t.ResolvedAt),
		t.ID,
		string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update escrow task: %w", err)
	}
	ok, err := rowsAffected(res)
	if err != nil || ok {
		return ok, err
	}
	if _, err := r.Get(ctx, t.ID); err != nil {
		return false, err
	}
	return false, nil
}

// ListByParty returns tasks funded by or assigned to addr, newest first.
func (r *TaskRepo) ListByParty(ctx context.Context, addr string, limit int) ([]*escrow.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM escrow_tasks
	WHERE funder = ? OR provider = ?
	ORDER BY created_at DESC LIMIT ?`
	return r.query(ctx, q, addr, addr, limitClause(limit))
}

// ListExpired returns active auto-refund tasks past their deadline.
func (r *TaskRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*escrow.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM escrow_tasks
	WHERE status = ? AND auto_refund = 1 AND deadline < ?
	ORDER BY deadline ASC LIMIT ?`
	return r.query(ctx, q, string(escrow.StatusActive), nanos(now), limitClause(limit))
}

// ListUnsettled returns terminal tasks whose payout is not mined.
func (r *TaskRepo) ListUnsettled(ctx context.Context, limit int) ([]*escrow.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM escrow_tasks
	WHERE status IN (?, ?) AND settled = 0
	ORDER BY created_at ASC LIMIT ?`
	return r.query(ctx, q, string(escrow.StatusCompleted), string(escrow.StatusRefunded), limitClause(limit))
}

// ListLocking returns tasks whose lock transfer is unconfirmed.
func (r *TaskRepo) ListLocking(ctx context.Context, limit int) ([]*escrow.Task, error) {
	const q = `SELECT ` + taskColumns + ` FROM escrow_tasks
	WHERE status = ?
	ORDER BY created_at ASC LIMIT ?`
	return r.query(ctx, q, string(escrow.StatusLocking), limitClause(limit))
}

func (r *TaskRepo) query(ctx context.Context, q string, args ...any) ([]*escrow.Task, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list escrow tasks: %w", err)
	}
	defer rows.Close()

	var out []*escrow.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(s scanner) (*escrow.Task, error) {
	var (
		t                   escrow.Task
		amount, status      string
		deadline, createdAt int64
		resolvedAt          sql.NullInt64
	)
	err := s.Scan(&t.ID, &t.Funder, &t.Provider, &amount, &deadline, &status, &t.Description, &t.AutoRefund,
		&t.AttestationRef, &t.DisputedBy, &t.DisputeReason, &t.LockTx, &t.PayoutTx, &t.PayoutTo, &t.Settled,
		&t.PayoutInFlight, &createdAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan escrow task: %w", err)
	}
	if t.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	t.Status = escrow.Status(status)
	t.Deadline = fromNanos(deadline)
	t.CreatedAt = fromNanos(createdAt)
	t.ResolvedAt = fromNullable(resolvedAt)
	return &t, nil
}
