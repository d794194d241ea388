package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	agentpay "github.com/x402-foundation/agentpay"
)

// maxSwapAttempts bounds optimistic retries when another process keeps
// changing the same key's remaining limit.
const maxSwapAttempts = 8

// Authority issues, tracks and enforces session keys.
type Authority struct {
	repo   Repository
	keys   Keystore
	owners agentpay.LedgerRegistry
	sink   agentpay.EventSink
	clock  agentpay.Clock
	logger *slog.Logger
	retry  agentpay.RetryPolicy
	locks  agentpay.KeyedMutex
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock sets the trusted time source.
func WithClock(c agentpay.Clock) Option {
	return func(a *Authority) { a.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithEventSink sets where transitions are recorded.
func WithEventSink(s agentpay.EventSink) Option {
	return func(a *Authority) { a.sink = s }
}

// WithRetryPolicy sets the retry policy for ledger calls.
func WithRetryPolicy(p agentpay.RetryPolicy) Option {
	return func(a *Authority) { a.retry = p }
}

// NewAuthority creates an authority. owners resolves the signing ledger of
// each principal that may authorize keys.
func NewAuthority(repo Repository, keys Keystore, owners agentpay.LedgerRegistry, opts ...Option) *Authority {
	a := &Authority{
		repo:   repo,
		keys:   keys,
		owners: owners,
		sink:   agentpay.DiscardSink(),
		clock:  agentpay.SystemClock(),
		logger: slog.New(slog.DiscardHandler),
		retry:  agentpay.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize creates a session key for owner and grants it an on-chain
// allowance of spendLimit. The key is persisted as pending first and only
// becomes active once the approval is mined; a failed approval leaves it
// failed.
func (a *Authority) Authorize(ctx context.Context, owner string, spendLimit *big.Int, duration time.Duration, label string) (*SessionKey, error) {
	owner, err := agentpay.NormalizeAddress(owner)
	if err != nil {
		return nil, err
	}
	if !agentpay.Positive(spendLimit) {
		return nil, agentpay.NewError(agentpay.CodeInvalidAmount, "spend limit must be positive", nil)
	}
	if duration <= 0 {
		return nil, agentpay.NewError(agentpay.CodeInvalidDeadline, "duration must be positive", map[string]interface{}{
			"duration": duration.String(),
		})
	}
	ownerLedger, ok := a.owners.LedgerFor(owner)
	if !ok {
		return nil, agentpay.OwnerNotAuthenticated(owner)
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	now := a.clock.Now()
	key := &SessionKey{
		ID:             "sk_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Owner:          owner,
		Address:        crypto.PubkeyToAddress(privateKey.PublicKey).Hex(),
		Label:          label,
		SpendLimit:     new(big.Int).Set(spendLimit),
		RemainingLimit: new(big.Int).Set(spendLimit),
		ExpiresAt:      now.Add(duration),
		CreatedAt:      now,
		Status:         StatusPending,
	}

	unlock := a.locks.Lock(key.ID)
	defer unlock()

	if err := a.keys.Put(ctx, key.ID, privateKey); err != nil {
		return nil, agentpay.OperationFailed("store session key", err, nil)
	}
	if err := a.repo.Create(ctx, key); err != nil {
		_ = a.keys.Delete(ctx, key.ID)
		return nil, agentpay.OperationFailed("persist session key", err, nil)
	}
	a.emit(ctx, key, "created")

	var txHash string
	err = agentpay.Retry(ctx, a.retry, func(ctx context.Context) error {
		var err error
		txHash, err = ownerLedger.Approve(ctx, key.Address, key.SpendLimit)
		return err
	})
	if err != nil {
		return nil, a.failAuthorization(ctx, key, "", err)
	}

	receipt, err := a.waitForReceipt(ctx, ownerLedger, txHash)
	if err != nil {
		return nil, a.failAuthorization(ctx, key, txHash, err)
	}
	if !receipt.Succeeded() {
		return nil, a.failAuthorization(ctx, key, txHash, fmt.Errorf("approval transaction %s reverted", txHash))
	}

	ok, err = a.repo.TransitionStatus(ctx, key.ID, StatusChange{From: StatusPending, To: StatusActive, At: a.clock.Now(), ApprovalTx: txHash})
	if err != nil {
		return nil, agentpay.OperationFailed("activate session key", err, map[string]interface{}{
			"sessionKeyId": key.ID,
			"approvalTx":   txHash,
		})
	}
	current, getErr := a.repo.Get(ctx, key.ID)
	if getErr != nil {
		return nil, getErr
	}
	if !ok {
		return nil, agentpay.SessionRevoked(key.ID, string(current.Status))
	}

	a.logger.Info("session key authorized",
		"session_key", key.ID, "owner", owner, "spender", key.Address,
		"spend_limit", spendLimit.String(), "expires_at", key.ExpiresAt, "approval_tx", txHash)
	a.emit(ctx, current, "activated")
	return current, nil
}

func (a *Authority) failAuthorization(ctx context.Context, key *SessionKey, txHash string, cause error) error {
	if _, err := a.repo.TransitionStatus(ctx, key.ID, StatusChange{From: StatusPending, To: StatusFailed, At: a.clock.Now(), ApprovalTx: txHash}); err != nil {
		a.logger.Error("failed to mark session key failed", "session_key", key.ID, "error", err)
	}
	if err := a.keys.Delete(ctx, key.ID); err != nil {
		a.logger.Warn("failed to delete session private key", "session_key", key.ID, "error", err)
	}
	a.logger.Warn("session key approval failed", "session_key", key.ID, "owner", key.Owner, "approval_tx", txHash, "error", cause)

	if failed, err := a.repo.Get(ctx, key.ID); err == nil {
		a.emit(ctx, failed, "approval_failed")
	}

	var typed *agentpay.Error
	if errors.As(cause, &typed) && typed.Category() != agentpay.CategoryTransient {
		return typed
	}
	return agentpay.OperationFailed("approve session spender", cause, map[string]interface{}{
		"sessionKeyId": key.ID,
		"approvalTx":   txHash,
		"status":       string(StatusFailed),
	})
}

// Debit decrements the remaining limit by amount. Expiry is evaluated once
// at entry.
func (a *Authority) Debit(ctx context.Context, id string, amount *big.Int) error {
	if !agentpay.Positive(amount) {
		return agentpay.NewError(agentpay.CodeInvalidAmount, "debit amount must be positive", nil)
	}
	now := a.clock.Now()

	unlock := a.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		key, err := a.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !key.IsActive() {
			return agentpay.SessionRevoked(id, string(key.Status))
		}
		if key.Expired(now) {
			return agentpay.SessionExpired(id, key.ExpiresAt)
		}
		if amount.Cmp(key.RemainingLimit) > 0 {
			return agentpay.LimitExceeded(amount, key.RemainingLimit)
		}

		next := new(big.Int).Sub(key.RemainingLimit, amount)
		ok, err := a.repo.CompareAndSwapRemainingLimit(ctx, id, key.RemainingLimit, next)
		if err != nil {
			return agentpay.OperationFailed("debit session key", err, map[string]interface{}{"sessionKeyId": id})
		}
		if !ok {
			continue
		}

		key.RemainingLimit = next
		a.logger.Debug("session key debited", "session_key", id, "amount", amount.String(), "remaining", next.String())
		a.emit(ctx, key, "debited")
		return nil
	}
	return agentpay.OperationFailed("debit session key", fmt.Errorf("remaining limit kept changing"), map[string]interface{}{"sessionKeyId": id})
}

// Credit restores a provisional debit. The remaining limit never rises
// above the spend limit. Credit is allowed on inactive or expired keys
// since it only restores accounting.
func (a *Authority) Credit(ctx context.Context, id string, amount *big.Int) error {
	if !agentpay.Positive(amount) {
		return agentpay.NewError(agentpay.CodeInvalidAmount, "credit amount must be positive", nil)
	}

	unlock := a.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		key, err := a.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		next := new(big.Int).Add(key.RemainingLimit, amount)
		if next.Cmp(key.SpendLimit) > 0 {
			next.Set(key.SpendLimit)
		}
		ok, err := a.repo.CompareAndSwapRemainingLimit(ctx, id, key.RemainingLimit, next)
		if err != nil {
			return agentpay.OperationFailed("credit session key", err, map[string]interface{}{"sessionKeyId": id})
		}
		if !ok {
			continue
		}

		key.RemainingLimit = next
		a.logger.Info("session key debit restored", "session_key", id, "amount", amount.String(), "remaining", next.String())
		a.emit(ctx, key, "credited")
		return nil
	}
	return agentpay.OperationFailed("credit session key", fmt.Errorf("remaining limit kept changing"), map[string]interface{}{"sessionKeyId": id})
}

// Revoke deactivates the key and zeroes its on-chain allowance. The key
// stops being debitable even when the allowance cannot be zeroed; calling
// Revoke again retries the zeroing. Revoking a key whose allowance was
// already zeroed is a no-op.
func (a *Authority) Revoke(ctx context.Context, id string) error {
	unlock := a.locks.Lock(id)
	defer unlock()

	key, err := a.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if key.Status == StatusRevoked && key.RevocationTx != "" {
		return nil
	}

	if key.Status != StatusRevoked {
		ok, err := a.repo.TransitionStatus(ctx, id, StatusChange{From: key.Status, To: StatusRevoked, At: a.clock.Now()})
		if err != nil {
			return agentpay.OperationFailed("revoke session key", err, map[string]interface{}{"sessionKeyId": id})
		}
		if !ok {
			current, err := a.repo.Get(ctx, id)
			if err != nil {
				return err
			}
			if current.Status != StatusRevoked {
				return agentpay.SessionRevoked(id, string(current.Status))
			}
		}
		if key, err = a.repo.Get(ctx, id); err != nil {
			return err
		}
		a.emit(ctx, key, "revoked")
	}

	ownerLedger, ok := a.owners.LedgerFor(key.Owner)
	if !ok {
		a.logger.Error("session key revoked but owner has no signer to zero its allowance",
			"session_key", id, "owner", key.Owner)
		e := agentpay.OwnerNotAuthenticated(key.Owner)
		e.Details["sessionKeyId"] = id
		e.Details["status"] = string(StatusRevoked)
		return e
	}

	var txHash string
	err = agentpay.Retry(ctx, a.retry, func(ctx context.Context) error {
		var err error
		txHash, err = ownerLedger.Approve(ctx, key.Address, new(big.Int))
		return err
	})
	if err == nil {
		var receipt *agentpay.TxReceipt
		receipt, err = a.waitForReceipt(ctx, ownerLedger, txHash)
		if err == nil && !receipt.Succeeded() {
			err = fmt.Errorf("allowance reset %s reverted", txHash)
		}
	}
	if err != nil {
		a.logger.Error("session key revoked but allowance not zeroed",
			"session_key", id, "owner", key.Owner, "tx", txHash, "error", err)
		return agentpay.OperationFailed("zero session allowance", err, map[string]interface{}{
			"sessionKeyId": id,
			"status":       string(StatusRevoked),
			"tx":           txHash,
		})
	}

	if _, err := a.repo.TransitionStatus(ctx, id, StatusChange{From: StatusRevoked, To: StatusRevoked, RevocationTx: txHash}); err != nil {
		return agentpay.OperationFailed("record revocation", err, map[string]interface{}{"sessionKeyId": id, "tx": txHash})
	}
	if err := a.keys.Delete(ctx, id); err != nil {
		a.logger.Warn("failed to delete session private key", "session_key", id, "error", err)
	}

	key.RevocationTx = txHash
	a.logger.Info("session key revoked", "session_key", id, "owner", key.Owner, "tx", txHash)
	a.emit(ctx, key, "allowance_zeroed")
	return nil
}

// Lookup returns the current record.
func (a *Authority) Lookup(ctx context.Context, id string) (*SessionKey, error) {
	return a.repo.Get(ctx, id)
}

// ListByOwner returns every key an owner created, oldest first.
func (a *Authority) ListByOwner(ctx context.Context, owner string) ([]*SessionKey, error) {
	return a.repo.ListByOwner(ctx, owner)
}

// FindByLabel returns the newest active key of owner carrying label.
func (a *Authority) FindByLabel(ctx context.Context, owner, label string) (*SessionKey, error) {
	keys, err := a.repo.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if keys[i].Label == label && keys[i].IsActive() {
			return keys[i], nil
		}
	}
	return nil, agentpay.NewError(agentpay.CodeSessionNotFound, "no active session key with label", map[string]interface{}{
		"owner": owner,
		"label": label,
	})
}

// Sign signs a 32-byte digest with the session private key and returns the
// 65-byte signature (v = 27/28) as hex.
func (a *Authority) Sign(ctx context.Context, id string, digest []byte) (string, error) {
	if len(digest) != 32 {
		return "", fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	key, err := a.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !key.IsActive() {
		return "", agentpay.SessionRevoked(id, string(key.Status))
	}
	privateKey, err := a.keys.Get(ctx, id)
	if err != nil {
		return "", agentpay.OperationFailed("load session key", err, map[string]interface{}{"sessionKeyId": id})
	}
	sig, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

func (a *Authority) waitForReceipt(ctx context.Context, ledger agentpay.Ledger, txHash string) (*agentpay.TxReceipt, error) {
	var receipt *agentpay.TxReceipt
	err := agentpay.Retry(ctx, a.retry, func(ctx context.Context) error {
		var err error
		receipt, err = ledger.WaitForReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (a *Authority) emit(ctx context.Context, key *SessionKey, eventType string) {
	event, err := agentpay.NewEvent(agentpay.EntitySessionKey, key.ID, eventType, key, a.clock.Now())
	if err == nil {
		err = a.sink.Append(ctx, event)
	}
	if err != nil {
		a.logger.Error("failed to record session key event", "session_key", key.ID, "event", eventType, "error", err)
	}
}
