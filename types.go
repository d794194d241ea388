package agentpay

import (
	"encoding/json"
	"math/big"
	"time"
)

// EntityKind names the record type an event belongs to.
type EntityKind string

const (
	EntitySessionKey EntityKind = "session_key"
	EntityPayment    EntityKind = "sponsored_payment"
	EntityEscrowTask EntityKind = "escrow_task"
)

// Event is one durable record of an entity creation or state transition.
// Snapshot holds the full entity state after the transition, so current
// state can be rebuilt by reading the latest event for an entity.
type Event struct {
	ID       string          `json:"id"`
	Entity   EntityKind      `json:"entity"`
	EntityID string          `json:"entityId"`
	Type     string          `json:"type"`
	Snapshot json.RawMessage `json:"snapshot"`
	At       time.Time       `json:"at"`
}

// TxStatus mirrors an EVM receipt status.
type TxStatus uint64

const (
	TxStatusFailed  TxStatus = 0
	TxStatusSuccess TxStatus = 1
)

// TxReceipt represents the receipt of a mined transaction
type TxReceipt struct {
	Status      TxStatus `json:"status"`
	BlockNumber uint64   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *TxReceipt) Succeeded() bool {
	return r != nil && r.Status == TxStatusSuccess
}

// UserOperation is the bundled call handed to a fee-sponsoring relay.
// The relay fronts native gas and is reimbursed FeeAmount of FeeToken
// out-of-band.
type UserOperation struct {
	Sender    string `json:"sender"`
	Target    string `json:"target"`
	CallData  string `json:"callData"`
	Nonce     string `json:"nonce"`
	FeeToken  string `json:"feeToken"`
	FeeAmount string `json:"feeAmount"`
	MaxGas    uint64 `json:"maxGas"`
	Signature string `json:"signature,omitempty"`
}

// RelayStatus is the inclusion state of a submitted operation.
type RelayStatus string

const (
	RelayPending  RelayStatus = "pending"
	RelayIncluded RelayStatus = "included"
	RelayFailed   RelayStatus = "failed"
)

// RelayReceipt is the relay's answer to a status poll.
type RelayReceipt struct {
	Handle string      `json:"handle"`
	Status RelayStatus `json:"status"`
	TxHash string      `json:"transactionHash,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Attestation is a release proof presented by (or on behalf of) a provider.
type Attestation struct {
	// ID references the attestation, as 0x-prefixed 32-byte hex.
	ID string `json:"id"`
	// Signature is the attester's signature, encoding chosen by the verifier.
	Signature string `json:"signature,omitempty"`
}

// FeeQuote is the result of converting a native gas estimate to token units.
type FeeQuote struct {
	GasUnits     uint64   `json:"gasUnits"`
	GasPriceWei  *big.Int `json:"gasPriceWei"`
	NativeFeeWei *big.Int `json:"nativeFeeWei"`
	TokenFee     *big.Int `json:"tokenFee"`
}
