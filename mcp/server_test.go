package mcp

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
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
	custodian = "0x9999999999999999999999999999999999999999"
	usdc      = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	attID     = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

type fixture struct {
	token   *ledger.Token
	clock   *clock.Fake
	auth    *session.Authority
	session *mcpsdk.ClientSession
	sign    func(taskID string) agentpay.Attestation
}

func newFixture(t *testing.T, caller string) *fixture {
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
	f.token.Mint(owner, units(500))
	cfg := agentpay.Config{
		TokenAddress:        usdc,
		TokenDecimals:       6,
		FeeConversionRate:   agentpay.FixedRate{TokenPerNative: units(1000)},
		AttestationVerifier: verifier,
	}

	f.auth = session.NewAuthority(session.NewMemoryRepository(), session.NewMemoryKeystore(), f.token,
		session.WithClock(f.clock), session.WithRetryPolicy(fastRetry))
	coord := sponsor.NewCoordinator(cfg, f.auth, f.token.Account(owner),
		relay.New().WithExecutor(relay.ExecuteTransferFrom(f.token)),
		agentpay.FixedGasPrice{Wei: big.NewInt(1_000_000_000)}, sponsor.NewMemoryStore(),
		sponsor.WithGasUnits(100_000), sponsor.WithClock(f.clock), sponsor.WithRetryPolicy(fastRetry))
	engine := escrow.NewEngine(cfg, f.token.Account(custodian), f.token, escrow.NewMemoryStore(),
		escrow.WithClock(f.clock), escrow.WithRetryPolicy(fastRetry))

	server := NewServer(f.auth, coord, engine, 6, WithCaller(caller))

	ctx := context.Background()
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-agent", Version: "1.0.0"}, nil)
	f.session, err = client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.session.Close() })

	f.sign = func(taskID string) agentpay.Attestation {
		att, err := attest.SignEVM(attester, taskID, attID, provider)
		require.NoError(t, err)
		return att
	}
	return f
}

// call invokes a tool and decodes its text content.
func (f *fixture) call(t *testing.T, name string, args map[string]interface{}) (bool, map[string]interface{}) {
	t.Helper()
	result, err := f.session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out), text.Text)
	return result.IsError, out
}

func errorCode(t *testing.T, out map[string]interface{}) string {
	t.Helper()
	e, ok := out["error"].(map[string]interface{})
	require.True(t, ok, out)
	return e["code"].(string)
}

func TestListTools(t *testing.T) {
	f := newFixture(t, owner)
	result, err := f.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"session_status", "fee_estimate", "sponsored_transfer", "payment_status",
		"lock_funds", "release_with_proof", "refund_escrow", "dispute_escrow", "escrow_status",
	}, names)
}

func TestSponsoredTransferTool(t *testing.T) {
	f := newFixture(t, owner)
	key, err := f.auth.Authorize(context.Background(), owner, units(20), time.Hour, "agent")
	require.NoError(t, err)

	isErr, out := f.call(t, "fee_estimate", nil)
	require.False(t, isErr)
	assert.Equal(t, "0.1", out["tokenFee"])

	isErr, out = f.call(t, "sponsored_transfer", map[string]interface{}{
		"sessionKeyId": key.ID, "recipient": recipient, "amount": "5", "maxFee": "0.5",
	})
	require.False(t, isErr, out)
	paymentID := out["id"].(string)

	isErr, out = f.call(t, "payment_status", map[string]interface{}{"paymentId": paymentID, "refresh": true})
	require.False(t, isErr, out)
	assert.Equal(t, "confirmed", out["status"])
	assert.Equal(t, units(5).String(), f.token.Balance(recipient).String())

	isErr, out = f.call(t, "session_status", map[string]interface{}{"sessionKeyId": key.ID})
	require.False(t, isErr)
	assert.Equal(t, "15", out["remainingLimit"])

	isErr, out = f.call(t, "sponsored_transfer", map[string]interface{}{
		"sessionKeyId": key.ID, "recipient": recipient, "amount": "50", "maxFee": "0.5",
	})
	require.True(t, isErr)
	assert.Equal(t, string(agentpay.CodeLimitExceeded), errorCode(t, out))
	assert.Equal(t, string(agentpay.CategoryAuthorization), out["category"])
}

func TestToolErrors(t *testing.T) {
	f := newFixture(t, owner)

	isErr, out := f.call(t, "sponsored_transfer", map[string]interface{}{
		"sessionKeyId": "x", "recipient": recipient, "amount": "lots", "maxFee": "1",
	})
	require.True(t, isErr)
	assert.Equal(t, string(CodeInvalidArguments), errorCode(t, out))

	isErr, out = f.call(t, "escrow_status", map[string]interface{}{"taskId": "0x01"})
	require.True(t, isErr)
	assert.Equal(t, string(agentpay.CodeTaskNotFound), errorCode(t, out))

	isErr, out = f.call(t, "session_status", map[string]interface{}{"sessionKeyId": "missing"})
	require.True(t, isErr)
	assert.Equal(t, string(agentpay.CodeSessionNotFound), errorCode(t, out))
}

func TestSessionStatus_HidesOtherPrincipals(t *testing.T) {
	f := newFixture(t, provider)
	key, err := f.auth.Authorize(context.Background(), owner, units(20), time.Hour, "")
	require.NoError(t, err)

	isErr, out := f.call(t, "session_status", map[string]interface{}{"sessionKeyId": key.ID})
	require.True(t, isErr)
	assert.Equal(t, string(agentpay.CodeSessionNotFound), errorCode(t, out))
}

func TestEscrowTools(t *testing.T) {
	f := newFixture(t, owner)

	isErr, out := f.call(t, "lock_funds", map[string]interface{}{
		"provider":    provider,
		"amount":      "40",
		"deadline":    f.clock.Now().Add(time.Hour).Format(time.RFC3339),
		"description": "summarise the quarterly report",
	})
	require.False(t, isErr, out)
	taskID := out["id"].(string)
	assert.Equal(t, "active", out["status"])
	assert.Equal(t, units(460).String(), f.token.Balance(owner).String())

	isErr, out = f.call(t, "refund_escrow", map[string]interface{}{"taskId": taskID})
	require.True(t, isErr)
	assert.Equal(t, string(agentpay.CodeDeadlineNotPassed), errorCode(t, out))

	att := f.sign(taskID)
	isErr, out = f.call(t, "release_with_proof", map[string]interface{}{
		"taskId": taskID, "attestationId": att.ID, "signature": att.Signature,
	})
	require.False(t, isErr, out)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, units(40).String(), f.token.Balance(provider).String())

	isErr, out = f.call(t, "dispute_escrow", map[string]interface{}{"taskId": taskID, "reason": "late"})
	require.True(t, isErr)
	assert.Equal(t, string(agentpay.CodeTaskNotActive), errorCode(t, out))

	isErr, out = f.call(t, "escrow_status", map[string]interface{}{"taskId": taskID})
	require.False(t, isErr)
	assert.Equal(t, true, out["settled"])
}

func TestLockFunds_RequiresPrincipal(t *testing.T) {
	f := newFixture(t, "")

	isErr, out := f.call(t, "lock_funds", map[string]interface{}{
		"provider": provider,
		"amount":   "1",
		"deadline": f.clock.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.True(t, isErr)
	assert.Equal(t, string(agentpay.CodeNotAuthorized), errorCode(t, out))
}
