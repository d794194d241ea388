// Package session issues and enforces delegated session keys: bounded,
// time-limited spending authority an owner grants to an agent.
package session

import (
	"math/big"
	"time"
)

// Status is the lifecycle state of a session key.
type Status string

const (
	// StatusPending means the record exists but the on-chain allowance
	// grant has not been confirmed. Pending keys cannot be debited.
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	// StatusFailed means the allowance grant failed. The key is never usable.
	StatusFailed Status = "failed"
)

// SessionKey is a delegated spender. Its Address is the on-chain spender
// the owner approved; the private key stays in the authority's keystore.
type SessionKey struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`

	SpendLimit     *big.Int `json:"spendLimit"`
	RemainingLimit *big.Int `json:"remainingLimit"`

	ExpiresAt time.Time  `json:"expiresAt"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`

	Status       Status `json:"status"`
	ApprovalTx   string `json:"approvalTx,omitempty"`
	RevocationTx string `json:"revocationTx,omitempty"`
}

// IsActive reports whether the key may be debited, ignoring expiry.
func (k *SessionKey) IsActive() bool {
	return k.Status == StatusActive
}

// Expired reports whether now is at or past the expiry.
func (k *SessionKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}

// Clone returns a deep copy.
func (k *SessionKey) Clone() *SessionKey {
	if k == nil {
		return nil
	}
	cp := *k
	if k.SpendLimit != nil {
		cp.SpendLimit = new(big.Int).Set(k.SpendLimit)
	}
	if k.RemainingLimit != nil {
		cp.RemainingLimit = new(big.Int).Set(k.RemainingLimit)
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
