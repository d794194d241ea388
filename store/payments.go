package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/sponsor"
)

// PaymentRepo persists sponsored payments.
type PaymentRepo struct {
	db *sql.DB
}

var _ sponsor.Store = (*PaymentRepo)(nil)

// NewPaymentRepo creates a repository on db.
func NewPaymentRepo(db *sql.DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

const paymentColumns = `id, session_key_id, owner, recipient, principal_amount, estimated_fee, max_fee, native_fee_wei, gas_units, status, handle, tx_hash, failure_reason, idempotency_key, created_at, updated_at`

// Create inserts a new payment.
func (r *PaymentRepo) Create(ctx context.Context, p *sponsor.Payment) error {
	const q = `INSERT INTO sponsored_payments (` + paymentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q,
		p.ID,
		p.SessionKeyID,
		p.Owner,
		p.Recipient,
		amountString(p.PrincipalAmount),
		amountString(p.EstimatedFee),
		amountString(p.MaxFee),
		amountString(p.NativeFeeWei),
		int64(p.GasUnits),
		string(p.Status),
		p.Handle,
		p.TxHash,
		p.FailureReason,
		p.IdempotencyKey,
		nanos(p.CreatedAt),
		nanos(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// Get retrieves a payment by id.
func (r *PaymentRepo) Get(ctx context.Context, id string) (*sponsor.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM sponsored_payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agentpay.PaymentNotFound(id)
	}
	return p, err
}

// Transition implements sponsor.Store.
func (r *PaymentRepo) Transition(ctx context.Context, from sponsor.Status, p *sponsor.Payment) (bool, error) {
	const q = `UPDATE sponsored_payments SET
		status = ?,
		handle = ?,
		tx_hash = ?,
		failure_reason = ?,
		updated_at = ?
	WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, q,
		string(p.Status),
		p.Handle,
		p.TxHash,
		p.FailureReason,
		nanos(p.UpdatedAt),
		p.ID,
		string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update payment: %w", err)
	}
	ok, err := rowsAffected(res)
	if err != nil || ok {
		return ok, err
	}
	if _, err := r.Get(ctx, p.ID); err != nil {
		return false, err
	}
	return false, nil
}

// ListByStatus returns payments in status, oldest first.
func (r *PaymentRepo) ListByStatus(ctx context.Context, status sponsor.Status, limit int) ([]*sponsor.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM sponsored_payments WHERE status = ? ORDER BY created_at ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, string(status), limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []*sponsor.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindByIdempotencyKey implements sponsor.Store.
func (r *PaymentRepo) FindByIdempotencyKey(ctx context.Context, sessionKeyID, key string) (*sponsor.Payment, error) {
	const q = `SELECT ` + paymentColumns + ` FROM sponsored_payments
	WHERE session_key_id = ? AND idempotency_key = ? AND status != ?
	ORDER BY created_at DESC LIMIT 1`
	row := r.db.QueryRowContext(ctx, q, sessionKeyID, key, string(sponsor.StatusFailed))
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanPayment(s scanner) (*sponsor.Payment, error) {
	var (
		p                              sponsor.Payment
		principal, fee, maxFee, native string
		gasUnits                       int64
		status                         string
		createdAt, updatedAt           int64
	)
	err := s.Scan(&p.ID, &p.SessionKeyID, &p.Owner, &p.Recipient, &principal, &fee, &maxFee, &native,
		&gasUnits, &status, &p.Handle, &p.TxHash, &p.FailureReason, &p.IdempotencyKey, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&p.PrincipalAmount, principal},
		{&p.EstimatedFee, fee},
		{&p.MaxFee, maxFee},
		{&p.NativeFeeWei, native},
	} {
		if *f.dst, err = parseAmount(f.src); err != nil {
			return nil, err
		}
	}
	p.GasUnits = uint64(gasUnits)
	p.Status = sponsor.Status(status)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}
