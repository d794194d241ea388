package store

import (
	"context"
	"database/sql"
	"fmt"

	agentpay "github.com/x402-foundation/agentpay"
)

// EventSink is the durable, append-only event log.
type EventSink struct {
	db *sql.DB
}

var _ agentpay.EventSink = (*EventSink)(nil)

// NewEventSink creates a sink on db.
func NewEventSink(db *sql.DB) *EventSink {
	return &EventSink{db: db}
}

// Append implements agentpay.EventSink.
func (s *EventSink) Append(ctx context.Context, e agentpay.Event) error {
	const q = `INSERT INTO events (id, entity, entity_id, type, snapshot, at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, e.ID, string(e.Entity), e.EntityID, e.Type, string(e.Snapshot), nanos(e.At))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// List implements agentpay.EventSink. Events are returned in append order.
func (s *EventSink) List(ctx context.Context, entity agentpay.EntityKind, entityID string) ([]agentpay.Event, error) {
	const q = `SELECT id, entity, entity_id, type, snapshot, at FROM events
	WHERE entity = ? AND entity_id = ?
	ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, q, string(entity), entityID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []agentpay.Event
	for rows.Next() {
		var (
			e        agentpay.Event
			kind     string
			snapshot string
			at       int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.EntityID, &e.Type, &snapshot, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Entity = agentpay.EntityKind(kind)
		e.Snapshot = []byte(snapshot)
		e.At = fromNanos(at)
		events = append(events, e)
	}
	return events, rows.Err()
}
