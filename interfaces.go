package agentpay

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Ledger is the consumed fungible-token capability. A Ledger is bound to
// one signing account (Address); writes are sent from that account.
// Amounts are integer minor units.
type Ledger interface {
	// Address returns the signing account of this ledger
	Address() string

	BalanceOf(ctx context.Context, account string) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender string) (*big.Int, error)

	// Approve, Transfer and TransferFrom return a transaction handle as
	// soon as the transaction is submitted. Use WaitForReceipt to learn
	// whether it executed.
	Approve(ctx context.Context, spender string, amount *big.Int) (string, error)
	Transfer(ctx context.Context, to string, amount *big.Int) (string, error)
	TransferFrom(ctx context.Context, from, to string, amount *big.Int) (string, error)

	// WaitForReceipt blocks until the transaction is mined or ctx is done
	WaitForReceipt(ctx context.Context, txHash string) (*TxReceipt, error)
}

// LedgerRegistry resolves the signing ledger bound to a principal.
// ok is false when no signing capability is bound to the address.
type LedgerRegistry interface {
	LedgerFor(account string) (Ledger, bool)
}

// GasPriceOracle supplies the current native gas price in wei.
type GasPriceOracle interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// ConversionRate converts a native-currency amount (wei) to token minor
// units. Implementations must truncate, never round up.
type ConversionRate interface {
	NativeToToken(ctx context.Context, wei *big.Int) (*big.Int, error)
}

// ErrUnknownOperation is returned by Relay.Lookup when the relay never
// accepted an operation with that sender and nonce.
var ErrUnknownOperation = errors.New("relay has no such operation")

// Relay is the fee-sponsoring bundler/paymaster.
type Relay interface {
	// Submit hands the operation to the relay and returns its handle
	Submit(ctx context.Context, op UserOperation) (string, error)
	// Status polls the inclusion state of a submitted operation
	Status(ctx context.Context, handle string) (RelayReceipt, error)
	// Lookup finds a submitted operation by sender and nonce, for
	// submissions whose handle was never received
	Lookup(ctx context.Context, sender, nonce string) (RelayReceipt, error)
}

// EventSink is the durable log every component writes its transitions to.
type EventSink interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, entity EntityKind, entityID string) ([]Event, error)
}

// AttestationVerifier decides whether an attestation releases a task to
// its provider. Rejections return an InvalidAttestation *Error.
type AttestationVerifier interface {
	Verify(ctx context.Context, taskID, provider string, attestation Attestation) error
}

// Clock is the trusted time source. Components never accept time from
// callers.
type Clock interface {
	Now() time.Time
}
