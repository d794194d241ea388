// Package ledger provides an in-memory ERC-20 token for tests. Each
// account gets its own signing Ledger handle over the shared balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	agentpay "github.com/x402-foundation/agentpay"
)

// Op names a ledger operation for failure injection and call counting.
type Op string

const (
	OpApprove      Op = "approve"
	OpTransfer     Op = "transfer"
	OpTransferFrom Op = "transferFrom"
	OpBalanceOf    Op = "balanceOf"
	OpAllowance    Op = "allowance"
	OpWaitReceipt  Op = "waitForReceipt"
)

// ErrUnknownTx is returned by WaitForReceipt for hashes never submitted.
var ErrUnknownTx = errors.New("unknown transaction")

// Token holds balances, allowances and receipts shared by every handle.
type Token struct {
	mu         sync.Mutex
	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int
	receipts   map[string]*agentpay.TxReceipt
	failures   map[Op][]error
	dropped    map[Op][]error
	reverts    map[Op]int
	calls      map[Op]int
	nonce      uint64
}

// NewToken creates an empty token.
func NewToken() *Token {
	return &Token{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
		receipts:   make(map[string]*agentpay.TxReceipt),
		failures:   make(map[Op][]error),
		dropped:    make(map[Op][]error),
		reverts:    make(map[Op]int),
		calls:      make(map[Op]int),
	}
}

func norm(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Mint credits amount to account.
func (t *Token) Mint(account string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balanceLocked(account).Add(t.balanceLocked(account), amount)
}

// Balance returns the current balance of account.
func (t *Token) Balance(account string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balanceLocked(account))
}

// AllowanceOf returns the current allowance owner → spender.
func (t *Token) AllowanceOf(owner, spender string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.allowanceLocked(owner, spender))
}

// FailNext makes the next call of op return err without any effect.
// Repeated calls queue further failures. Write failures are marked as
// never submitted.
func (t *Token) FailNext(op Op, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch op {
	case OpApprove, OpTransfer, OpTransferFrom:
		err = agentpay.NotSubmitted(err)
	}
	t.failures[op] = append(t.failures[op], err)
}

// DropReplyNext makes the next write of op take effect and then return err
// with no transaction handle, as when the reply to a broadcast is lost.
func (t *Token) DropReplyNext(op Op, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropped[op] = append(t.dropped[op], err)
}

// RevertNext makes the next write of op mine with a failed receipt and no
// state change.
func (t *Token) RevertNext(op Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reverts[op]++
}

// Calls returns how many times op was invoked, failures included.
func (t *Token) Calls(op Op) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// LedgerFor implements agentpay.LedgerRegistry by handing out a signing
// ledger for any account.
func (t *Token) LedgerFor(account string) (agentpay.Ledger, bool) {
	return t.Account(account), true
}

// Account returns a signing ledger bound to address.
func (t *Token) Account(address string) *Ledger {
	return &Ledger{token: t, address: address}
}

func (t *Token) balanceLocked(account string) *big.Int {
	b, ok := t.balances[norm(account)]
	if !ok {
		b = new(big.Int)
		t.balances[norm(account)] = b
	}
	return b
}

func (t *Token) allowanceLocked(owner, spender string) *big.Int {
	m, ok := t.allowances[norm(owner)]
	if !ok {
		m = make(map[string]*big.Int)
		t.allowances[norm(owner)] = m
	}
	a, ok := m[norm(spender)]
	if !ok {
		a = new(big.Int)
		m[norm(spender)] = a
	}
	return a
}

// enterLocked counts the call and pops an injected failure, if any.
func (t *Token) enterLocked(op Op) error {
	t.calls[op]++
	if q := t.failures[op]; len(q) > 0 {
		t.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// replyLocked returns the handle of a completed write, or the queued
// dropped-reply error for op.
func (t *Token) replyLocked(op Op, hash string) (string, error) {
	if q := t.dropped[op]; len(q) > 0 {
		t.dropped[op] = q[1:]
		return "", q[0]
	}
	return hash, nil
}

func (t *Token) revertLocked(op Op) bool {
	if t.reverts[op] > 0 {
		t.reverts[op]--
		return true
	}
	return false
}

func (t *Token) mineLocked(ok bool) string {
	t.nonce++
	hash := fmt.Sprintf("0x%064x", t.nonce)
	status := agentpay.TxStatusFailed
	if ok {
		status = agentpay.TxStatusSuccess
	}
	t.receipts[hash] = &agentpay.TxReceipt{Status: status, BlockNumber: t.nonce, TxHash: hash}
	return hash
}

func (t *Token) moveLocked(from, to string, amount *big.Int) bool {
	fb := t.balanceLocked(from)
	if fb.Cmp(amount) < 0 {
		return false
	}
	fb.Sub(fb, amount)
	tb := t.balanceLocked(to)
	tb.Add(tb, amount)
	return true
}

// Ledger is one account's signing handle on a Token.
type Ledger struct {
	token   *Token
	address string
}

var _ agentpay.Ledger = (*Ledger)(nil)

// Address implements agentpay.Ledger.
func (l *Ledger) Address() string { return l.address }

// BalanceOf implements agentpay.Ledger.
func (l *Ledger) BalanceOf(_ context.Context, account string) (*big.Int, error) {
	t := l.token
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enterLocked(OpBalanceOf); err != nil {
		return nil, err
	}
	return new(big.Int).Set(t.balanceLocked(account)), nil
}

// Allowance implements agentpay.Ledger.
func (l *Ledger) Allowance(_ context.Context, owner, spender string) (*big.Int, error) {
	t := l.token
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enterLocked(OpAllowance); err != nil {
		return nil, err
	}
	return new(big.Int).Set(t.allowanceLocked(owner, spender)), nil
}

// Approve implements agentpay.Ledger.
func (l *Ledger) Approve(_ context.Context, spender string, amount *big.Int) (string, error) {
	t := l.token
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enterLocked(OpApprove); err != nil {
		return "", err
	}
	if t.revertLocked(OpApprove) {
		return t.replyLocked(OpApprove, t.mineLocked(false))
	}
	t.allowanceLocked(l.address, spender).Set(amount)
	return t.replyLocked(OpApprove, t.mineLocked(true))
}

// Transfer implements agentpay.Ledger.
func (l *Ledger) Transfer(_ context.Context, to string, amount *big.Int) (string, error) {
	t := l.token
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enterLocked(OpTransfer); err != nil {
		return "", err
	}
	if t.revertLocked(OpTransfer) {
		return t.replyLocked(OpTransfer, t.mineLocked(false))
	}
	return t.replyLocked(OpTransfer, t.mineLocked(t.moveLocked(l.address, to, amount)))
}

// TransferFrom implements agentpay.Ledger. The ledger's own address is the
// spender whose allowance is consumed.
func (l *Ledger) TransferFrom(_ context.Context, from, to string, amount *big.Int) (string, error) {
	t := l.token
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enterLocked(OpTransferFrom); err != nil {
		return "", err
	}
	if t.revertLocked(OpTransferFrom) {
		return t.replyLocked(OpTransferFrom, t.mineLocked(false))
	}
	allowance := t.allowanceLocked(from, l.address)
	if allowance.Cmp(amount) < 0 || !t.moveLocked(from, to, amount) {
		return t.replyLocked(OpTransferFrom, t.mineLocked(false))
	}
	allowance.Sub(allowance, amount)
	return t.replyLocked(OpTransferFrom, t.mineLocked(true))
}

// WaitForReceipt implements agentpay.Ledger.
func (l *Ledger) WaitForReceipt(ctx context.Context, txHash string) (*agentpay.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := l.token
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enterLocked(OpWaitReceipt); err != nil {
		return nil, err
	}
	r, ok := t.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTx, txHash)
	}
	cp := *r
	return &cp, nil
}
