package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/session"
)

// SessionRepo persists session keys. The remaining limit and status are
// only changed by conditional updates, so several processes may share the
// database.
type SessionRepo struct {
	db *sql.DB
}

var _ session.Repository = (*SessionRepo)(nil)

// NewSessionRepo creates a repository on db.
func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `id, owner, address, label, spend_limit, remaining_limit, expires_at, created_at, revoked_at, status, approval_tx, revocation_tx`

// Create inserts a new session key.
func (r *SessionRepo) Create(ctx context.Context, k *session.SessionKey) error {
	const q = `INSERT INTO session_keys (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q,
		k.ID,
		k.Owner,
		k.Address,
		k.Label,
		amountString(k.SpendLimit),
		amountString(k.RemainingLimit),
		nanos(k.ExpiresAt),
		nanos(k.CreatedAt),
		nullableNanos(k.RevokedAt),
		string(k.Status),
		k.ApprovalTx,
		k.RevocationTx,
	)
	if err != nil {
		return fmt.Errorf("create session key: %w", err)
	}
	return nil
}

// Get retrieves a session key by id.
func (r *SessionRepo) Get(ctx context.Context, id string) (*session.SessionKey, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM session_keys WHERE id = ?`, id)
	k, err := scanSessionKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, agentpay.SessionNotFound(id)
	}
	return k, err
}

// CompareAndSwapRemainingLimit implements session.Repository.
func (r *SessionRepo) CompareAndSwapRemainingLimit(ctx context.Context, id string, prev, next *big.Int) (bool, error) {
	const q = `UPDATE session_keys SET remaining_limit = ? WHERE id = ? AND remaining_limit = ?`
	res, err := r.db.ExecContext(ctx, q, amountString(next), id, amountString(prev))
	if err != nil {
		return false, fmt.Errorf("update remaining limit: %w", err)
	}
	ok, err := rowsAffected(res)
	if err != nil || ok {
		return ok, err
	}
	return false, r.exists(ctx, id)
}

// TransitionStatus implements session.Repository.
func (r *SessionRepo) TransitionStatus(ctx context.Context, id string, change session.StatusChange) (bool, error) {
	var revokedAt sql.NullInt64
	if change.To == session.StatusRevoked {
		revokedAt = sql.NullInt64{Int64: nanos(change.At), Valid: true}
	}
	const q = `UPDATE session_keys SET
		status = ?,
		revoked_at = COALESCE(revoked_at, ?),
		approval_tx = CASE WHEN ? = '' THEN approval_tx ELSE ? END,
		revocation_tx = CASE WHEN ? = '' THEN revocation_tx ELSE ? END
	WHERE id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, q,
		string(change.To),
		revokedAt,
		change.ApprovalTx, change.ApprovalTx,
		change.RevocationTx, change.RevocationTx,
		id,
		string(change.From),
	)
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	ok, err := rowsAffected(res)
	if err != nil || ok {
		return ok, err
	}
	return false, r.exists(ctx, id)
}

// ListByOwner returns the owner's keys, oldest first.
func (r *SessionRepo) ListByOwner(ctx context.Context, owner string) ([]*session.SessionKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM session_keys WHERE owner = ? ORDER BY created_at ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list session keys: %w", err)
	}
	defer rows.Close()

	var keys []*session.SessionKey
	for rows.Next() {
		k, err := scanSessionKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *SessionRepo) exists(ctx context.Context, id string) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM session_keys WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return agentpay.SessionNotFound(id)
	}
	return err
}

func scanSessionKey(s scanner) (*session.SessionKey, error) {
	var (
		k                    session.SessionKey
		spend, remaining     string
		expiresAt, createdAt int64
		revokedAt            sql.NullInt64
		status               string
	)
	err := s.Scan(&k.ID, &k.Owner, &k.Address, &k.Label, &spend, &remaining,
		&expiresAt, &createdAt, &revokedAt, &status, &k.ApprovalTx, &k.RevocationTx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session key: %w", err)
	}
	if k.SpendLimit, err = parseAmount(spend); err != nil {
		return nil, err
	}
	if k.RemainingLimit, err = parseAmount(remaining); err != nil {
		return nil, err
	}
	k.ExpiresAt = fromNanos(expiresAt)
	k.CreatedAt = fromNanos(createdAt)
	k.RevokedAt = fromNullable(revokedAt)
	k.Status = session.Status(status)
	return &k, nil
}
