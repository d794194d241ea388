// Package escrow holds funds in custody against a task and releases them
// to the provider on a verified attestation, or back to the funder after
// the deadline.
package escrow

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Status is the state of an escrow task.
type Status string

const (
	// StatusLocking is recorded before the lock transfer is sent. The task
	// becomes active once the transfer's receipt is seen.
	StatusLocking   Status = "locking"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
	// StatusAbandoned marks a lock transfer that never took effect.
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether funds have been assigned to a party.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// Task is an escrowed amount locked for a provider. Once terminal, PayoutTo
// names the party the custodian pays; Settled turns true when that
// transfer is mined. PayoutInFlight is set while a payout has been handed
// to the ledger and no transaction handle is recorded for it.
type Task struct {
	ID          string    `json:"id"`
	Funder      string    `json:"funder"`
	Provider    string    `json:"provider"`
	Amount      *big.Int  `json:"amount"`
	Deadline    time.Time `json:"deadline"`
	Status      Status    `json:"status"`
	Description string    `json:"description,omitempty"`
	AutoRefund  bool      `json:"autoRefund"`

	AttestationRef string `json:"attestationRef,omitempty"`
	DisputedBy     string `json:"disputedBy,omitempty"`
	DisputeReason  string `json:"disputeReason,omitempty"`

	LockTx   string `json:"lockTx,omitempty"`
	PayoutTx string `json:"payoutTx,omitempty"`
	PayoutTo string `json:"payoutTo,omitempty"`
	Settled  bool   `json:"settled"`

	PayoutInFlight bool `json:"payoutInFlight,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Amount != nil {
		cp.Amount = new(big.Int).Set(t.Amount)
	}
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

// TaskID derives the task id as keccak256(funder ‖ provider ‖ amount ‖
// createdAt unix nanos ‖ description).
func TaskID(funder, provider string, amount *big.Int, createdAt time.Time, description string) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.UnixNano()))
	return crypto.Keccak256Hash(
		common.HexToAddress(funder).Bytes(),
		common.HexToAddress(provider).Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		ts[:],
		[]byte(description),
	).Hex()
}
