package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/attest"
	"github.com/x402-foundation/agentpay/escrow"
	"github.com/x402-foundation/agentpay/session"
	"github.com/x402-foundation/agentpay/sponsor"
	"github.com/x402-foundation/agentpay/test/mocks/clock"
	"github.com/x402-foundation/agentpay/test/mocks/ledger"
	"github.com/x402-foundation/agentpay/test/mocks/relay"
)

const (
	owner     = "0x1111111111111111111111111111111111111111"
	recipient = "0x2222222222222222222222222222222222222222"
	provider  = "0x3333333333333333333333333333333333333333"
	arbiter   = "0x4444444444444444444444444444444444444444"
	stranger  = "0x5555555555555555555555555555555555555555"
	custodian = "0x9999999999999999999999999999999999999999"
	usdc      = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	attID     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

type fixture struct {
	token   *ledger.Token
	clock   *clock.Fake
	relay   *relay.Relay
	auth    *session.Authority
	engine  *escrow.Engine
	handler http.Handler
	signer  func(t *testing.T, taskID string) agentpay.Attestation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	attester, err := crypto.GenerateKey()
	require.NoError(t, err)
	verifier, err := attest.NewEVMSignatureVerifier(crypto.PubkeyToAddress(attester.PublicKey).Hex())
	require.NoError(t, err)

	fastRetry := agentpay.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}
	f := &fixture{
		token: ledger.NewToken(),
		clock: clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.relay = relay.New().WithExecutor(relay.ExecuteTransferFrom(f.token))
	f.token.Mint(owner, units(1000))

	cfg := agentpay.Config{
		TokenAddress:        usdc,
		TokenDecimals:       6,
		FeeConversionRate:   agentpay.FixedRate{TokenPerNative: units(1000)},
		AttestationVerifier: verifier,
	}
	require.NoError(t, cfg.Validate())

	f.auth = session.NewAuthority(session.NewMemoryRepository(), session.NewMemoryKeystore(), f.token,
		session.WithClock(f.clock), session.WithRetryPolicy(fastRetry))
	coord := sponsor.NewCoordinator(cfg, f.auth, f.token.Account(owner), f.relay,
		agentpay.FixedGasPrice{Wei: big.NewInt(1_000_000_000)}, sponsor.NewMemoryStore(),
		sponsor.WithGasUnits(100_000), sponsor.WithClock(f.clock), sponsor.WithRetryPolicy(fastRetry))
	f.engine = escrow.NewEngine(cfg, f.token.Account(custodian), f.token, escrow.NewMemoryStore(),
		escrow.WithArbiter(arbiter), escrow.WithClock(f.clock), escrow.WithRetryPolicy(fastRetry))

	f.handler = NewServer(f.auth, coord, f.engine, 6).Handler()
	f.signer = func(t *testing.T, taskID string) agentpay.Attestation {
		att, err := attest.SignEVM(attester, taskID, attID, provider)
		require.NoError(t, err)
		return att
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, caller string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func (f *fixture) createSession(t *testing.T, limit string) string {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/v1/sessions", owner, map[string]interface{}{
		"spendLimit":      limit,
		"durationSeconds": 3600,
		"label":           "agent",
	})
	require.Equal(t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func TestHealthAndCallerRequired(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = f.do(t, http.MethodGet, "/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthenticated", body["code"])

	code, _ = f.do(t, http.MethodGet, "/v1/sessions", "not-an-address", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestSessions_Lifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "100.5")

	code, body := f.do(t, http.MethodGet, "/v1/sessions/"+id, owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "100.5", body["spendLimit"])
	assert.Equal(t, "100.5", body["remainingLimit"])
	assert.Equal(t, "active", body["status"])

	code, body = f.do(t, http.MethodGet, "/v1/sessions/"+id, stranger, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, string(agentpay.CodeNotAuthorized), body["code"])

	code, body = f.do(t, http.MethodGet, "/v1/sessions", owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["sessions"], 1)

	code, _ = f.do(t, http.MethodGet, "/v1/sessions?owner="+owner, stranger, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = f.do(t, http.MethodPost, "/v1/sessions/"+id+"/revoke", owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "revoked", body["status"])

	code, body = f.do(t, http.MethodGet, "/v1/sessions/missing", owner, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(agentpay.CodeSessionNotFound), body["code"])
}

func TestSessions_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body interface{}
	}{
		{"missing limit", map[string]interface{}{"durationSeconds": 60}},
		{"bad limit", map[string]interface{}{"spendLimit": "ten", "durationSeconds": 60}},
		{"negative duration", map[string]interface{}{"spendLimit": "1", "durationSeconds": -5}},
		{"overflowing duration", map[string]interface{}{"spendLimit": "1", "durationSeconds": int64(math.MaxInt64)}},
		{"duration just past limit", map[string]interface{}{"spendLimit": "1", "durationSeconds": maxDurationSeconds + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/v1/sessions", owner, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "bad_request", body["code"])
		})
	}
}

func TestPayments_TransferAndConfirm(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "100")

	code, body := f.do(t, http.MethodGet, "/v1/fees/estimate", owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0.1", body["tokenFee"])

	request := map[string]interface{}{
		"sessionKeyId": id,
		"recipient":    recipient,
		"amount":       "10",
		"maxFee":       "1",
	}
	code, body = f.do(t, http.MethodPost, "/v1/payments", owner, request, IdempotencyHeader, "order-1")
	require.Equal(t, http.StatusAccepted, code, body)
	paymentID := body["id"].(string)
	assert.Equal(t, "10", body["amount"])
	assert.Equal(t, "pending", body["status"])

	code, body = f.do(t, http.MethodPost, "/v1/payments", owner, request, IdempotencyHeader, "order-1")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, paymentID, body["id"])

	code, _ = f.do(t, http.MethodGet, "/v1/payments/"+paymentID, stranger, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodPost, "/v1/payments/"+paymentID+"/confirm", owner, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "confirmed", body["status"])
	assert.NotEmpty(t, body["txHash"])
	assert.Equal(t, units(10).String(), f.token.Balance(recipient).String())

	code, body = f.do(t, http.MethodGet, "/v1/sessions/"+id, owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "90", body["remainingLimit"])
}

func TestPayments_Rejections(t *testing.T) {
	f := newFixture(t)
	id := f.createSession(t, "5")

	code, body := f.do(t, http.MethodPost, "/v1/payments", owner, map[string]interface{}{
		"sessionKeyId": id, "recipient": recipient, "amount": "10", "maxFee": "1",
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, string(agentpay.CodeLimitExceeded), body["code"])
	assert.NotNil(t, body["details"])

	code, body = f.do(t, http.MethodPost, "/v1/payments", owner, map[string]interface{}{
		"sessionKeyId": id, "recipient": recipient, "amount": "1", "maxFee": "0.01",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(agentpay.CodeFeeExceedsMax), body["code"])

	code, _ = f.do(t, http.MethodPost, "/v1/payments", stranger, map[string]interface{}{
		"sessionKeyId": id, "recipient": recipient, "amount": "1", "maxFee": "1",
	})
	assert.Equal(t, http.StatusForbidden, code)
}

func (f *fixture) lock(t *testing.T, amount string, deadline time.Duration, autoRefund bool) string {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/v1/escrows", owner, map[string]interface{}{
		"provider":    provider,
		"amount":      amount,
		"deadline":    f.clock.Now().Add(deadline).Format(time.RFC3339),
		"description": "task " + amount,
		"autoRefund":  autoRefund,
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, custodian, body["custodian"])
	task := body["task"].(map[string]interface{})
	return task["id"].(string)
}

func TestEscrow_LockAndRelease(t *testing.T) {
	f := newFixture(t)
	id := f.lock(t, "50", time.Hour, false)
	assert.Equal(t, units(950).String(), f.token.Balance(owner).String())

	code, body := f.do(t, http.MethodPost, "/v1/escrows/"+id+"/refund", owner, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(agentpay.CodeDeadlineNotPassed), body["code"])

	code, body = f.do(t, http.MethodPost, "/v1/escrows/"+id+"/release", provider, map[string]interface{}{
		"attestationId": attID,
		"signature":     "0x" + "00",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(agentpay.CodeInvalidAttestation), body["code"])

	att := f.signer(t, id)
	release := map[string]interface{}{"attestationId": att.ID, "signature": att.Signature}
	code, body = f.do(t, http.MethodPost, "/v1/escrows/"+id+"/release", provider, release)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, true, body["settled"])
	assert.Equal(t, units(50).String(), f.token.Balance(provider).String())

	code, body = f.do(t, http.MethodPost, "/v1/escrows/"+id+"/release", provider, release)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(agentpay.CodeTaskNotActive), body["code"])

	code, body = f.do(t, http.MethodGet, "/v1/escrows?party="+provider, owner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["tasks"], 1)

	code, _ = f.do(t, http.MethodGet, "/v1/escrows/0xdead", owner, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEscrow_DisputeAndResolve(t *testing.T) {
	f := newFixture(t)
	id := f.lock(t, "20", time.Hour, false)

	code, _ := f.do(t, http.MethodPost, "/v1/escrows/"+id+"/dispute", stranger, map[string]interface{}{"reason": "spam"})
	assert.Equal(t, http.StatusForbidden, code)

	code, body := f.do(t, http.MethodPost, "/v1/escrows/"+id+"/dispute", provider, map[string]interface{}{"reason": "scope changed"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "disputed", body["status"])

	code, _ = f.do(t, http.MethodPost, "/v1/escrows/"+id+"/resolve", owner, map[string]interface{}{"releaseToProvider": true})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(t, http.MethodPost, "/v1/escrows/"+id+"/resolve", arbiter, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPost, "/v1/escrows/"+id+"/resolve", arbiter, map[string]interface{}{"releaseToProvider": false})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "refunded", body["status"])
	assert.Equal(t, units(1000).String(), f.token.Balance(owner).String())
}

func TestEscrow_RefundAfterDeadline(t *testing.T) {
	f := newFixture(t)
	id := f.lock(t, "30", time.Minute, false)
	f.clock.Advance(2 * time.Minute)

	code, _ := f.do(t, http.MethodPost, "/v1/escrows/"+id+"/refund", stranger, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body := f.do(t, http.MethodPost, "/v1/escrows/"+id+"/refund", owner, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "refunded", body["status"])
	assert.Equal(t, owner, body["payoutTo"])
}

func TestEscrow_LockRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/escrows", owner, map[string]interface{}{
		"provider": provider,
		"amount":   "10",
		"deadline": f.clock.Now().Add(-time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(agentpay.CodeInvalidDeadline), body["code"])

	code, _ = f.do(t, http.MethodPost, "/v1/escrows", owner, map[string]interface{}{
		"provider": provider,
		"amount":   "10",
		"deadline": "tomorrow",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPost, "/v1/escrows", owner, map[string]interface{}{
		"provider": provider,
		"amount":   "5000",
		"deadline": f.clock.Now().Add(time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(agentpay.CodeInsufficientBalance), body["code"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{agentpay.TaskNotFound("x"), http.StatusNotFound},
		{agentpay.PaymentNotFound("x"), http.StatusNotFound},
		{agentpay.TaskNotActive("x", "completed"), http.StatusConflict},
		{agentpay.ErrSessionExpired, http.StatusForbidden},
		{agentpay.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{agentpay.OperationFailed("op", errors.New("boom"), nil), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
