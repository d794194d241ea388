// Package relay provides an in-memory fee-sponsoring relay for tests.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	agentpay "github.com/x402-foundation/agentpay"
	agentevm "github.com/x402-foundation/agentpay/mechanisms/evm"
)

// Executor performs a submitted operation on chain and returns its tx hash.
type Executor func(ctx context.Context, op agentpay.UserOperation) (string, error)

// Relay records submissions and reports configurable outcomes.
type Relay struct {
	mu        sync.Mutex
	ops       map[string]agentpay.UserOperation
	receipts  map[string]agentpay.RelayReceipt
	order     []string
	byNonce   map[string]string
	failures  []error
	lost      []error
	dropped   []error
	submits   int
	execute   Executor
	autoFinal bool
}

// New creates a relay that leaves operations pending until SetOutcome.
func New() *Relay {
	return &Relay{
		ops:      make(map[string]agentpay.UserOperation),
		receipts: make(map[string]agentpay.RelayReceipt),
		byNonce:  make(map[string]string),
	}
}

// WithExecutor makes the relay run each operation at submission and report
// it included (or failed) immediately.
func (r *Relay) WithExecutor(exec Executor) *Relay {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execute = exec
	r.autoFinal = true
	return r
}

// FailSubmit queues errors returned by the next Submit calls, in order.
// The relay answers them as rejections, without accepting the operation.
func (r *Relay) FailSubmit(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range errs {
		r.failures = append(r.failures, agentpay.NotSubmitted(err))
	}
}

// LoseRequests queues errors for the next Submit calls whose request never
// reaches the relay. The caller cannot tell them from a lost reply.
func (r *Relay) LoseRequests(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, errs...)
}

// DropReplies queues errors for the next Submit calls: the operation is
// accepted and run, then err is returned in place of the handle.
func (r *Relay) DropReplies(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, errs...)
}

// SetOutcome fixes the status reported for handle.
func (r *Relay) SetOutcome(handle string, status agentpay.RelayStatus, txHash, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts[handle] = agentpay.RelayReceipt{Handle: handle, Status: status, TxHash: txHash, Reason: reason}
}

// Submits counts Submit calls, failures included.
func (r *Relay) Submits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submits
}

// Operations returns accepted operations in submission order.
func (r *Relay) Operations() []agentpay.UserOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agentpay.UserOperation, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.ops[h])
	}
	return out
}

// Submit implements agentpay.Relay.
func (r *Relay) Submit(ctx context.Context, op agentpay.UserOperation) (string, error) {
	r.mu.Lock()
	r.submits++
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		r.mu.Unlock()
		return "", err
	}
	if len(r.lost) > 0 {
		err := r.lost[0]
		r.lost = r.lost[1:]
		r.mu.Unlock()
		return "", err
	}
	handle := fmt.Sprintf("op_%d", len(r.order)+1)
	r.ops[handle] = op
	r.order = append(r.order, handle)
	r.byNonce[nonceKey(op.Sender, op.Nonce)] = handle
	r.receipts[handle] = agentpay.RelayReceipt{Handle: handle, Status: agentpay.RelayPending}
	exec := r.execute
	var dropErr error
	if len(r.dropped) > 0 {
		dropErr = r.dropped[0]
		r.dropped = r.dropped[1:]
	}
	r.mu.Unlock()

	if exec != nil {
		txHash, err := exec(ctx, op)
		if err != nil {
			r.SetOutcome(handle, agentpay.RelayFailed, txHash, err.Error())
		} else {
			r.SetOutcome(handle, agentpay.RelayIncluded, txHash, "")
		}
	}
	if dropErr != nil {
		return "", dropErr
	}
	return handle, nil
}

// Lookup implements agentpay.Relay.
func (r *Relay) Lookup(_ context.Context, sender, nonce string) (agentpay.RelayReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.byNonce[nonceKey(sender, nonce)]
	if !ok {
		return agentpay.RelayReceipt{}, fmt.Errorf("%w: sender %s nonce %s", agentpay.ErrUnknownOperation, sender, nonce)
	}
	return r.receipts[handle], nil
}

func nonceKey(sender, nonce string) string {
	return strings.ToLower(sender) + "/" + strings.ToLower(nonce)
}

// Status implements agentpay.Relay.
func (r *Relay) Status(_ context.Context, handle string) (agentpay.RelayReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.receipts[handle]
	if !ok {
		return agentpay.RelayReceipt{}, fmt.Errorf("unknown relay handle %q", handle)
	}
	return rec, nil
}

// ExecuteTransferFrom returns an Executor that runs a transferFrom
// operation with the sender's ledger and waits for its receipt.
func ExecuteTransferFrom(ledgers agentpay.LedgerRegistry) Executor {
	return func(ctx context.Context, op agentpay.UserOperation) (string, error) {
		call, err := agentevm.DecodeTransferFrom(common.FromHex(op.CallData))
		if err != nil {
			return "", err
		}
		sender, ok := ledgers.LedgerFor(op.Sender)
		if !ok {
			return "", fmt.Errorf("no ledger for sender %s", op.Sender)
		}
		txHash, err := sender.TransferFrom(ctx, call.From, call.To, call.Amount)
		if err != nil {
			return "", err
		}
		receipt, err := sender.WaitForReceipt(ctx, txHash)
		if err != nil {
			return txHash, err
		}
		if !receipt.Succeeded() {
			return txHash, fmt.Errorf("transaction %s reverted", txHash)
		}
		return txHash, nil
	}
}
