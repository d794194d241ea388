// Package store provides SQLite-backed persistence for session keys,
// sponsored payments, escrow tasks, the event log and sealed key blobs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema. Amounts are decimal
// strings in token minor units; times are unix nanoseconds.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS session_keys (
	id              TEXT PRIMARY KEY,
	owner           TEXT NOT NULL COLLATE NOCASE,
	address         TEXT NOT NULL,
	label           TEXT NOT NULL DEFAULT '',
	spend_limit     TEXT NOT NULL,
	remaining_limit TEXT NOT NULL,
	expires_at      INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	revoked_at      INTEGER,
	status          TEXT NOT NULL,
	approval_tx     TEXT NOT NULL DEFAULT '',
	revocation_tx   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_session_keys_owner ON session_keys(owner, created_at);

CREATE TABLE IF NOT EXISTS sponsored_payments (
	id               TEXT PRIMARY KEY,
	session_key_id   TEXT NOT NULL COLLATE NOCASE,
	owner            TEXT NOT NULL,
	recipient        TEXT NOT NULL,
	principal_amount TEXT NOT NULL,
	estimated_fee    TEXT NOT NULL,
	max_fee          TEXT NOT NULL,
	native_fee_wei   TEXT NOT NULL,
	gas_units        INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	handle           TEXT NOT NULL DEFAULT '',
	tx_hash          TEXT NOT NULL DEFAULT '',
	failure_reason   TEXT NOT NULL DEFAULT '',
	idempotency_key  TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payments_status ON sponsored_payments(status, created_at);
CREATE INDEX IF NOT EXISTS idx_payments_idem ON sponsored_payments(session_key_id, idempotency_key);

CREATE TABLE IF NOT EXISTS escrow_tasks (
	id              TEXT PRIMARY KEY,
	funder          TEXT NOT NULL COLLATE NOCASE,
	provider        TEXT NOT NULL COLLATE NOCASE,
	amount          TEXT NOT NULL,
	deadline        INTEGER NOT NULL,
	status          TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	auto_refund     INTEGER NOT NULL DEFAULT 0,
	attestation_ref TEXT NOT NULL DEFAULT '',
	disputed_by     TEXT NOT NULL DEFAULT '',
	dispute_reason  TEXT NOT NULL DEFAULT '',
	lock_tx         TEXT NOT NULL DEFAULT '',
	payout_tx       TEXT NOT NULL DEFAULT '',
	payout_to       TEXT NOT NULL DEFAULT '',
	settled         INTEGER NOT NULL DEFAULT 0,
	payout_in_flight INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	resolved_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_funder ON escrow_tasks(funder);
CREATE INDEX IF NOT EXISTS idx_tasks_provider ON escrow_tasks(provider);
CREATE INDEX IF NOT EXISTS idx_tasks_status_deadline ON escrow_tasks(status, deadline);

CREATE TABLE IF NOT EXISTS events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	entity    TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	type      TEXT NOT NULL,
	snapshot  TEXT NOT NULL DEFAULT '{}',
	at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity, entity_id, seq);

CREATE TABLE IF NOT EXISTS sealed_keys (
	id         TEXT PRIMARY KEY,
	ciphertext BLOB NOT NULL
);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent readers but a single writer.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// Stores bundles every repository over one database.
type Stores struct {
	DB       *sql.DB
	Sessions *SessionRepo
	Payments *PaymentRepo
	Tasks    *TaskRepo
	Events   *EventSink
	Blobs    *BlobRepo
}

// Open opens the database at path and builds every repository on it.
func Open(path string) (*Stores, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return &Stores{
		DB:       db,
		Sessions: NewSessionRepo(db),
		Payments: NewPaymentRepo(db),
		Tasks:    NewTaskRepo(db),
		Events:   NewEventSink(db),
		Blobs:    NewBlobRepo(db),
	}, nil
}

// Close closes the underlying database.
func (s *Stores) Close() error {
	return s.DB.Close()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q", s)
	}
	return v, nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullable(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

func limitClause(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
