package agentpay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewEvent builds an event carrying a JSON snapshot of the entity state.
func NewEvent(entity EntityKind, entityID, eventType string, snapshot interface{}, at time.Time) (Event, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s snapshot: %w", entity, err)
	}
	return Event{
		ID:       uuid.NewString(),
		Entity:   entity,
		EntityID: entityID,
		Type:     eventType,
		Snapshot: raw,
		At:       at.UTC(),
	}, nil
}

// LatestSnapshot decodes the snapshot of the last event in events into v.
// It returns false when events is empty.
func LatestSnapshot(events []Event, v interface{}) (bool, error) {
	if len(events) == 0 {
		return false, nil
	}
	last := events[len(events)-1]
	if err := json.Unmarshal(last.Snapshot, v); err != nil {
		return false, fmt.Errorf("failed to decode %s snapshot %s: %w", last.Entity, last.ID, err)
	}
	return true, nil
}

// MemorySink is an in-process EventSink. Events are kept in append order.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements EventSink.
func (s *MemorySink) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List implements EventSink.
func (s *MemorySink) List(_ context.Context, entity EntityKind, entityID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.Entity == entity && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns a copy of every recorded event.
func (s *MemorySink) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

type discardSink struct{}

func (discardSink) Append(context.Context, Event) error { return nil }

func (discardSink) List(context.Context, EntityKind, string) ([]Event, error) { return nil, nil }

// DiscardSink drops every event.
func DiscardSink() EventSink { return discardSink{} }
