package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/attest"
	"github.com/x402-foundation/agentpay/escrow"
	relayhttp "github.com/x402-foundation/agentpay/http"
	"github.com/x402-foundation/agentpay/pkg/api"
	"github.com/x402-foundation/agentpay/session"
	"github.com/x402-foundation/agentpay/sponsor"
	"github.com/x402-foundation/agentpay/store"
	"github.com/x402-foundation/agentpay/test/mocks/clock"
	"github.com/x402-foundation/agentpay/test/mocks/ledger"
	"github.com/x402-foundation/agentpay/test/mocks/relay"
)

const (
	owner     = "0x1111111111111111111111111111111111111111"
	merchant  = "0x2222222222222222222222222222222222222222"
	provider  = "0x3333333333333333333333333333333333333333"
	arbiter   = "0x4444444444444444444444444444444444444444"
	custodian = "0x9999999999999999999999999999999999999999"
	usdc      = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	apiKey    = "relay-secret"
)

var bigComparer = cmp.Comparer(func(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
})

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

// relayServer serves the relay HTTP protocol in front of the in-memory
// relay, rejecting requests without the API key.
func relayServer(t *testing.T, backend *relay.Relay) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /operations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var op agentpay.UserOperation
		if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handle, err := backend.Submit(r.Context(), op)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"handle": handle})
	})
	mux.HandleFunc("GET /operations", func(w http.ResponseWriter, r *http.Request) {
		receipt, err := backend.Lookup(r.Context(), r.URL.Query().Get("sender"), r.URL.Query().Get("nonce"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(receipt)
	})
	mux.HandleFunc("GET /operations/{handle}", func(w http.ResponseWriter, r *http.Request) {
		receipt, err := backend.Status(r.Context(), r.PathValue("handle"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(receipt)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type deployment struct {
	stores    *store.Stores
	authority *session.Authority
	engine    *escrow.Engine
	api       *httptest.Server
}

// deploy wires the daemon's components over the database at path, the
// way agentpayd does, with in-memory chain and relay backends.
func deploy(t *testing.T, path, identity string, token *ledger.Token, relayURL string, verifier agentpay.AttestationVerifier, clk agentpay.Clock) *deployment {
	t.Helper()
	stores, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = stores.Close() })

	keys, err := session.NewSealedKeystore(stores.Blobs, identity)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	relayClient, err := relayhttp.NewRelayClient(relayhttp.RelayConfig{
		URL:          relayURL,
		AuthProvider: relayhttp.StaticAuth{Header: "X-Api-Key", Value: apiKey},
	})
	if err != nil {
		t.Fatalf("relay client: %v", err)
	}

	cfg := agentpay.Config{
		TokenAddress:        usdc,
		TokenDecimals:       6,
		FeeConversionRate:   agentpay.FixedRate{TokenPerNative: units(2000)},
		AttestationVerifier: verifier,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	retry := agentpay.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}

	d := &deployment{stores: stores}
	d.authority = session.NewAuthority(stores.Sessions, keys, token,
		session.WithClock(clk), session.WithEventSink(stores.Events), session.WithRetryPolicy(retry))
	coordinator := sponsor.NewCoordinator(cfg, d.authority, token.Account(custodian), relayClient,
		agentpay.FixedGasPrice{Wei: big.NewInt(2_000_000_000)}, stores.Payments,
		sponsor.WithGasUnits(65_000), sponsor.WithClock(clk),
		sponsor.WithEventSink(stores.Events), sponsor.WithRetryPolicy(retry))
	d.engine = escrow.NewEngine(cfg, token.Account(custodian), token, stores.Tasks,
		escrow.WithArbiter(arbiter), escrow.WithClock(clk),
		escrow.WithEventSink(stores.Events), escrow.WithRetryPolicy(retry))

	d.api = httptest.NewServer(api.NewServer(d.authority, coordinator, d.engine, 6).Handler())
	t.Cleanup(d.api.Close)
	return d
}

func (d *deployment) call(t *testing.T, method, path, caller string, body interface{}, want int) map[string]interface{} {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, d.api.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.CallerHeader, caller)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %v", method, path, resp.StatusCode, want, out)
	}
	return out
}

func TestAgentPayEndToEnd(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "agentpay.db")
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	attesterKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := attest.NewEVMSignatureVerifier(crypto.PubkeyToAddress(attesterKey.PublicKey).Hex())
	if err != nil {
		t.Fatal(err)
	}

	token := ledger.NewToken()
	token.Mint(owner, units(1000))
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	relaySrv := relayServer(t, relay.New().WithExecutor(relay.ExecuteTransferFrom(token)))

	d := deploy(t, dbPath, identity.String(), token, relaySrv.URL, verifier, clk)

	var sessionID, paymentID, taskID string

	t.Run("Sponsored transfer through a session key", func(t *testing.T) {
		created := d.call(t, http.MethodPost, "/v1/sessions", owner, map[string]interface{}{
			"spendLimit": "50", "durationSeconds": 86400, "label": "shopping-agent",
		}, http.StatusCreated)
		sessionID = created["id"].(string)
		agent := created["address"].(string)

		fee := d.call(t, http.MethodGet, "/v1/fees/estimate", agent, nil, http.StatusOK)
		if fee["tokenFee"] != "0.26" {
			t.Fatalf("fee = %v, want 0.26", fee["tokenFee"])
		}

		payment := d.call(t, http.MethodPost, "/v1/payments", agent, map[string]interface{}{
			"sessionKeyId": sessionID, "recipient": merchant, "amount": "12.5", "maxFee": "0.5",
			"idempotencyKey": "order-7",
		}, http.StatusAccepted)
		paymentID = payment["id"].(string)

		confirmed := d.call(t, http.MethodPost, "/v1/payments/"+paymentID+"/confirm", owner, nil, http.StatusOK)
		if confirmed["status"] != "confirmed" {
			t.Fatalf("payment status = %v", confirmed["status"])
		}
		if got := token.Balance(merchant); got.Cmp(big.NewInt(12_500_000)) != 0 {
			t.Fatalf("merchant balance = %s", got)
		}

		over := d.call(t, http.MethodPost, "/v1/payments", agent, map[string]interface{}{
			"sessionKeyId": sessionID, "recipient": merchant, "amount": "40", "maxFee": "0.5",
		}, http.StatusForbidden)
		if over["code"] != string(agentpay.CodeLimitExceeded) {
			t.Fatalf("code = %v", over["code"])
		}
	})

	t.Run("Escrow released with a signed attestation", func(t *testing.T) {
		locked := d.call(t, http.MethodPost, "/v1/escrows", owner, map[string]interface{}{
			"provider":    provider,
			"amount":      "100",
			"deadline":    clk.Now().Add(2 * time.Hour).Format(time.RFC3339),
			"description": "label 10k images",
		}, http.StatusCreated)
		taskID = locked["task"].(map[string]interface{})["id"].(string)

		att, err := attest.SignEVM(attesterKey, taskID, "0x"+strings.Repeat("ab", 32), provider)
		if err != nil {
			t.Fatal(err)
		}
		released := d.call(t, http.MethodPost, "/v1/escrows/"+taskID+"/release", provider, map[string]interface{}{
			"attestationId": att.ID, "signature": att.Signature,
		}, http.StatusOK)
		if released["status"] != "completed" || released["settled"] != true {
			t.Fatalf("released = %v", released)
		}
		if got := token.Balance(provider); got.Cmp(units(100)) != 0 {
			t.Fatalf("provider balance = %s", got)
		}
		if got := token.Balance(custodian); got.Sign() != 0 {
			t.Fatalf("custodian still holds %s", got)
		}
	})

	t.Run("Disputed escrow resolved by the arbiter", func(t *testing.T) {
		locked := d.call(t, http.MethodPost, "/v1/escrows", owner, map[string]interface{}{
			"provider": provider, "amount": "30",
			"deadline":    clk.Now().Add(time.Hour).Format(time.RFC3339),
			"description": "translate the manual",
		}, http.StatusCreated)
		id := locked["task"].(map[string]interface{})["id"].(string)

		d.call(t, http.MethodPost, "/v1/escrows/"+id+"/dispute", owner, map[string]interface{}{"reason": "wrong language"}, http.StatusOK)
		d.call(t, http.MethodPost, "/v1/escrows/"+id+"/refund", owner, nil, http.StatusConflict)
		resolved := d.call(t, http.MethodPost, "/v1/escrows/"+id+"/resolve", arbiter, map[string]interface{}{"releaseToProvider": false}, http.StatusOK)
		if resolved["status"] != "refunded" || resolved["payoutTo"] != owner {
			t.Fatalf("resolved = %v", resolved)
		}
	})

	t.Run("Auto-refund sweep after the deadline", func(t *testing.T) {
		d.call(t, http.MethodPost, "/v1/escrows", owner, map[string]interface{}{
			"provider": provider, "amount": "20",
			"deadline":    clk.Now().Add(time.Minute).Format(time.RFC3339),
			"description": "never delivered",
			"autoRefund":  true,
		}, http.StatusCreated)
		before := token.Balance(owner)

		clk.Advance(2 * time.Minute)
		n, err := d.engine.SweepExpired(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("swept %d tasks, want 1", n)
		}
		if got := new(big.Int).Sub(token.Balance(owner), before); got.Cmp(units(20)) != 0 {
			t.Fatalf("refund credited %s", got)
		}
	})

	t.Run("State survives a restart and matches the event log", func(t *testing.T) {
		restarted := deploy(t, dbPath, identity.String(), token, relaySrv.URL, verifier, clk)

		key, err := restarted.authority.Lookup(ctx, sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if key.RemainingLimit.Cmp(big.NewInt(37_500_000)) != 0 {
			t.Fatalf("remaining = %s", key.RemainingLimit)
		}
		replayed, err := session.Replay(ctx, restarted.stores.Events, sessionID)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(key, replayed, bigComparer, cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
			t.Errorf("session replay mismatch (-stored +replayed):\n%s", diff)
		}

		task, err := restarted.engine.Get(ctx, taskID)
		if err != nil {
			t.Fatal(err)
		}
		replayedTask, err := escrow.Replay(ctx, restarted.stores.Events, taskID)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(task, replayedTask, bigComparer, cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
			t.Errorf("task replay mismatch (-stored +replayed):\n%s", diff)
		}

		payment, err := sponsor.Replay(ctx, restarted.stores.Events, paymentID)
		if err != nil {
			t.Fatal(err)
		}
		if payment.Status != sponsor.StatusConfirmed {
			t.Fatalf("replayed payment status = %s", payment.Status)
		}

		// The sealed session key is still usable after reopening.
		if _, err := restarted.authority.Sign(ctx, sessionID, crypto.Keccak256([]byte("ping"))); err != nil {
			t.Fatalf("sign after restart: %v", err)
		}
		restarted.call(t, http.MethodPost, "/v1/sessions/"+sessionID+"/revoke", owner, nil, http.StatusOK)
	})
}
