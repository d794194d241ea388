// Package sponsor runs gasless token transfers: the fee for a sponsored
// relay operation is quoted in the delegated token and checked against the
// session key before submission.
package sponsor

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	agentpay "github.com/x402-foundation/agentpay"
)

// Status is the lifecycle state of a sponsored payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Payment is one sponsored transfer. The principal debit against the
// session key is provisional until the payment is confirmed.
type Payment struct {
	ID           string `json:"id"`
	SessionKeyID string `json:"sessionKeyId"`
	Owner        string `json:"owner"`
	Recipient    string `json:"recipient"`

	PrincipalAmount *big.Int `json:"principalAmount"`
	EstimatedFee    *big.Int `json:"estimatedFee"`
	MaxFee          *big.Int `json:"maxFee"`
	NativeFeeWei    *big.Int `json:"nativeFeeWei"`
	GasUnits        uint64   `json:"gasUnits"`

	Status         Status    `json:"status"`
	Handle         string    `json:"handle,omitempty"`
	TxHash         string    `json:"txHash,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	for _, v := range []**big.Int{&cp.PrincipalAmount, &cp.EstimatedFee, &cp.MaxFee, &cp.NativeFeeWei} {
		if *v != nil {
			*v = new(big.Int).Set(*v)
		}
	}
	return &cp
}

// Store persists sponsored payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	// Get returns a PaymentNotFound *agentpay.Error for unknown ids.
	Get(ctx context.Context, id string) (*Payment, error)
	// Transition writes the mutable fields of p (Status, Handle, TxHash,
	// FailureReason, UpdatedAt) only if the stored status is from.
	Transition(ctx context.Context, from Status, p *Payment) (ok bool, err error)
	// ListByStatus returns up to limit payments, oldest first. A limit of
	// zero or less means no limit.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error)
	// FindByIdempotencyKey returns the newest payment for the session key
	// and idempotency key that has not failed, or nil.
	FindByIdempotencyKey(ctx context.Context, sessionKeyID, key string) (*Payment, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func (s *MemoryStore) Create(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, agentpay.PaymentNotFound(id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, from Status, p *Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[p.ID]
	if !ok {
		return false, agentpay.PaymentNotFound(p.ID)
	}
	if cur.Status != from {
		return false, nil
	}
	cur.Status = p.Status
	cur.Handle = p.Handle
	cur.TxHash = p.TxHash
	cur.FailureReason = p.FailureReason
	cur.UpdatedAt = p.UpdatedAt
	return true, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, sessionKeyID, key string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Payment
	for _, p := range s.payments {
		if p.IdempotencyKey != key || !strings.EqualFold(p.SessionKeyID, sessionKeyID) || p.Status == StatusFailed {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			found = p
		}
	}
	return found.Clone(), nil
}
