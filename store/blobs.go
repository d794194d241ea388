package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/x402-foundation/agentpay/session"
)

// BlobRepo stores age-sealed session private keys.
type BlobRepo struct {
	db *sql.DB
}

var _ session.BlobStore = (*BlobRepo)(nil)

// NewBlobRepo creates a blob repository on db.
func NewBlobRepo(db *sql.DB) *BlobRepo {
	return &BlobRepo{db: db}
}

// PutBlob implements session.BlobStore.
func (r *BlobRepo) PutBlob(ctx context.Context, id string, blob []byte) error {
	const q = `INSERT INTO sealed_keys (id, ciphertext) VALUES (?, ?)
	ON CONFLICT(id) DO UPDATE SET ciphertext = excluded.ciphertext`
	if _, err := r.db.ExecContext(ctx, q, id, blob); err != nil {
		return fmt.Errorf("put sealed key: %w", err)
	}
	return nil
}

// GetBlob implements session.BlobStore.
func (r *BlobRepo) GetBlob(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx, `SELECT ciphertext FROM sealed_keys WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", session.ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get sealed key: %w", err)
	}
	return blob, nil
}

// DeleteBlob implements session.BlobStore.
func (r *BlobRepo) DeleteBlob(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sealed_keys WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete sealed key: %w", err)
	}
	return nil
}
