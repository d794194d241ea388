package session

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	agentpay "github.com/x402-foundation/agentpay"
)

// StatusChange describes a conditional status write. Empty tx fields leave
// the stored value unchanged.
type StatusChange struct {
	From         Status
	To           Status
	At           time.Time
	ApprovalTx   string
	RevocationTx string
}

// Repository stores session keys. Implementations must make both
// conditional writes atomic with respect to each other and to concurrent
// processes sharing the store.
type Repository interface {
	Create(ctx context.Context, key *SessionKey) error
	// Get returns a SessionNotFound *agentpay.Error for unknown ids.
	Get(ctx context.Context, id string) (*SessionKey, error)
	// CompareAndSwapRemainingLimit sets the remaining limit to next only
	// if it currently equals prev. ok is false when the value changed.
	CompareAndSwapRemainingLimit(ctx context.Context, id string, prev, next *big.Int) (ok bool, err error)
	// TransitionStatus applies change only if the current status is
	// change.From. ok is false when the status differed.
	TransitionStatus(ctx context.Context, id string, change StatusChange) (ok bool, err error)
	ListByOwner(ctx context.Context, owner string) ([]*SessionKey, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu   sync.Mutex
	keys map[string]*SessionKey
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{keys: make(map[string]*SessionKey)}
}

func (r *MemoryRepository) Create(_ context.Context, key *SessionKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[key.ID]; exists {
		return agentpay.NewError(agentpay.CodeOperationFailed, "session key already exists", map[string]interface{}{
			"sessionKeyId": key.ID,
		})
	}
	r.keys[key.ID] = key.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*SessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return nil, agentpay.SessionNotFound(id)
	}
	return k.Clone(), nil
}

func (r *MemoryRepository) CompareAndSwapRemainingLimit(_ context.Context, id string, prev, next *big.Int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return false, agentpay.SessionNotFound(id)
	}
	if k.RemainingLimit.Cmp(prev) != 0 {
		return false, nil
	}
	k.RemainingLimit = new(big.Int).Set(next)
	return true, nil
}

func (r *MemoryRepository) TransitionStatus(_ context.Context, id string, change StatusChange) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return false, agentpay.SessionNotFound(id)
	}
	if k.Status != change.From {
		return false, nil
	}
	k.Status = change.To
	if change.To == StatusRevoked && k.RevokedAt == nil {
		at := change.At
		k.RevokedAt = &at
	}
	if change.ApprovalTx != "" {
		k.ApprovalTx = change.ApprovalTx
	}
	if change.RevocationTx != "" {
		k.RevocationTx = change.RevocationTx
	}
	return true, nil
}

func (r *MemoryRepository) ListByOwner(_ context.Context, owner string) ([]*SessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*SessionKey
	for _, k := range r.keys {
		if strings.EqualFold(k.Owner, owner) {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
