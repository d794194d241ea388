package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	agentpay "github.com/x402-foundation/agentpay"
)

// Store persists escrow tasks. Transition must be atomic with respect to
// concurrent writers sharing the store.
type Store interface {
	Create(ctx context.Context, t *Task) error
	// Get returns a TaskNotFound *agentpay.Error for unknown ids.
	Get(ctx context.Context, id string) (*Task, error)
	// Transition writes the mutable fields of t (Status, AttestationRef,
	// DisputedBy, DisputeReason, LockTx, PayoutTx, PayoutTo, Settled,
	// PayoutInFlight, ResolvedAt) only if the stored status is from.
	Transition(ctx context.Context, from Status, t *Task) (ok bool, err error)
	// ListByParty returns tasks where addr is funder or provider, newest
	// first. A limit of zero or less means no limit.
	ListByParty(ctx context.Context, addr string, limit int) ([]*Task, error)
	// ListExpired returns active auto-refund tasks whose deadline is
	// before now, oldest deadline first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// ListUnsettled returns terminal tasks whose payout is not mined.
	ListUnsettled(ctx context.Context, limit int) ([]*Task, error)
	// ListLocking returns tasks whose lock transfer is unconfirmed,
	// oldest first.
	ListLocking(ctx context.Context, limit int) ([]*Task, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return agentpay.NewError(agentpay.CodeOperationFailed, "escrow task already exists", map[string]interface{}{
			"taskId": t.ID,
		})
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, agentpay.TaskNotFound(id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, from Status, t *Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return false, agentpay.TaskNotFound(t.ID)
	}
	if cur.Status != from {
		return false, nil
	}
	next := t.Clone()
	cur.Status = next.Status
	cur.AttestationRef = next.AttestationRef
	cur.DisputedBy = next.DisputedBy
	cur.DisputeReason = next.DisputeReason
	cur.LockTx = next.LockTx
	cur.PayoutTx = next.PayoutTx
	cur.PayoutTo = next.PayoutTo
	cur.Settled = next.Settled
	cur.PayoutInFlight = next.PayoutInFlight
	cur.ResolvedAt = next.ResolvedAt
	return true, nil
}

func (s *MemoryStore) ListByParty(_ context.Context, addr string, limit int) ([]*Task, error) {
	return s.list(limit, func(a, b *Task) bool { return a.CreatedAt.After(b.CreatedAt) }, func(t *Task) bool {
		return strings.EqualFold(t.Funder, addr) || strings.EqualFold(t.Provider, addr)
	}), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	return s.list(limit, func(a, b *Task) bool { return a.Deadline.Before(b.Deadline) }, func(t *Task) bool {
		return t.Status == StatusActive && t.AutoRefund && t.Deadline.Before(now)
	}), nil
}

func (s *MemoryStore) ListUnsettled(_ context.Context, limit int) ([]*Task, error) {
	return s.list(limit, func(a, b *Task) bool { return a.CreatedAt.Before(b.CreatedAt) }, func(t *Task) bool {
		return t.Status.Terminal() && !t.Settled
	}), nil
}

func (s *MemoryStore) ListLocking(_ context.Context, limit int) ([]*Task, error) {
	return s.list(limit, func(a, b *Task) bool { return a.CreatedAt.Before(b.CreatedAt) }, func(t *Task) bool {
		return t.Status == StatusLocking
	}), nil
}

func (s *MemoryStore) list(limit int, less func(a, b *Task) bool, keep func(*Task) bool) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
