package session

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/test/mocks/clock"
	"github.com/x402-foundation/agentpay/test/mocks/ledger"
)

const owner = "0x1111111111111111111111111111111111111111"

var fastRetry = agentpay.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}

type fixture struct {
	token *ledger.Token
	clock *clock.Fake
	repo  *MemoryRepository
	keys  *MemoryKeystore
	sink  *agentpay.MemorySink
	auth  *Authority
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		token: ledger.NewToken(),
		clock: clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		repo:  NewMemoryRepository(),
		keys:  NewMemoryKeystore(),
		sink:  agentpay.NewMemorySink(),
	}
	f.auth = f.authority()
	return f
}

func (f *fixture) authority() *Authority {
	return NewAuthority(f.repo, f.keys, agentpay.NewStaticLedgers(f.token.Account(owner)),
		WithClock(f.clock), WithEventSink(f.sink), WithRetryPolicy(fastRetry))
}

func (f *fixture) authorize(t *testing.T, limit int64) *SessionKey {
	t.Helper()
	key, err := f.auth.Authorize(context.Background(), owner, big.NewInt(limit), time.Hour, "agent")
	require.NoError(t, err)
	return key
}

func codeOf(err error) agentpay.Code {
	if e, ok := agentpay.AsError(err); ok {
		return e.Code
	}
	return ""
}

func TestAuthorize_ActivatesAfterApproval(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 1000)

	assert.Equal(t, StatusActive, key.Status)
	assert.True(t, key.IsActive())
	assert.NotEmpty(t, key.ApprovalTx)
	assert.Equal(t, "1000", key.RemainingLimit.String())
	assert.Equal(t, f.clock.Now().Add(time.Hour), key.ExpiresAt)
	assert.Equal(t, "1000", f.token.AllowanceOf(owner, key.Address).String())

	var types []string
	for _, e := range f.sink.All() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"created", "activated"}, types)
}

func TestAuthorize_OwnerNotAuthenticated(t *testing.T) {
	f := newFixture(t)
	_, err := f.auth.Authorize(context.Background(), "0x9999999999999999999999999999999999999999", big.NewInt(10), time.Hour, "")
	assert.ErrorIs(t, err, agentpay.ErrOwnerNotAuthenticated)
	assert.Equal(t, 0, f.token.Calls(ledger.OpApprove))
}

func TestAuthorize_InvalidInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Authorize(ctx, "nope", big.NewInt(10), time.Hour, "")
	assert.ErrorIs(t, err, agentpay.ErrInvalidAddress)

	_, err = f.auth.Authorize(ctx, owner, big.NewInt(0), time.Hour, "")
	assert.ErrorIs(t, err, agentpay.ErrInvalidAmount)

	_, err = f.auth.Authorize(ctx, owner, big.NewInt(10), 0, "")
	assert.ErrorIs(t, err, agentpay.ErrInvalidDeadline)
}

func TestAuthorize_RevertedApprovalLeavesKeyFailed(t *testing.T) {
	f := newFixture(t)
	f.token.RevertNext(ledger.OpApprove)

	_, err := f.auth.Authorize(context.Background(), owner, big.NewInt(100), time.Hour, "agent")
	require.ErrorIs(t, err, agentpay.ErrOperationFailed)

	keys, err := f.auth.ListByOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, StatusFailed, keys[0].Status)

	err = f.auth.Debit(context.Background(), keys[0].ID, big.NewInt(1))
	assert.ErrorIs(t, err, agentpay.ErrSessionRevoked)
}

func TestAuthorize_RetriesTransientApproveFailure(t *testing.T) {
	f := newFixture(t)
	f.token.FailNext(ledger.OpApprove, errors.New("rpc timeout"))

	key := f.authorize(t, 100)
	assert.Equal(t, StatusActive, key.Status)
	assert.Equal(t, 2, f.token.Calls(ledger.OpApprove))
}

func TestDebit_ScenarioA(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 1000)
	ctx := context.Background()

	require.NoError(t, f.auth.Debit(ctx, key.ID, big.NewInt(400)))
	got, err := f.auth.Lookup(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "600", got.RemainingLimit.String())

	err = f.auth.Debit(ctx, key.ID, big.NewInt(700))
	require.ErrorIs(t, err, agentpay.ErrLimitExceeded)
	e, _ := agentpay.AsError(err)
	assert.Equal(t, "600", e.Details["remaining"])
	assert.Equal(t, agentpay.CategoryAuthorization, e.Category())
}

func TestDebit_Boundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := f.authorize(t, 250)
	require.NoError(t, f.auth.Debit(ctx, key.ID, big.NewInt(250)))

	other := f.authorize(t, 250)
	err := f.auth.Debit(ctx, other.ID, big.NewInt(251))
	assert.ErrorIs(t, err, agentpay.ErrLimitExceeded)
}

func TestDebit_SpendBound(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 10_000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	spent := int64(0)
	for i := 0; i < 200; i++ {
		amount := rng.Int63n(400) + 1
		if err := f.auth.Debit(ctx, key.ID, big.NewInt(amount)); err == nil {
			spent += amount
		} else {
			require.ErrorIs(t, err, agentpay.ErrLimitExceeded)
		}

		got, err := f.auth.Lookup(ctx, key.ID)
		require.NoError(t, err)
		require.LessOrEqual(t, spent, int64(10_000))
		require.Equal(t, 10_000-spent, got.RemainingLimit.Int64())
	}
}

func TestDebit_ConcurrentDoubleSpend(t *testing.T) {
	for round := 0; round < 25; round++ {
		f := newFixture(t)
		key := f.authorize(t, 100)

		var successes, limited atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := f.auth.Debit(context.Background(), key.ID, big.NewInt(80))
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, agentpay.ErrLimitExceeded):
					limited.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), successes.Load(), "round %d", round)
		require.Equal(t, int32(1), limited.Load(), "round %d", round)
	}
}

func TestDebit_CompareAndSwapAcrossAuthorities(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 1000)

	// Two authorities share a repository but not a lock table, as two
	// processes would.
	a, b := f.auth, f.authority()

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		auth := a
		if i%2 == 1 {
			auth = b
		}
		go func() {
			defer wg.Done()
			if auth.Debit(context.Background(), key.ID, big.NewInt(30)) == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	got, err := f.auth.Lookup(context.Background(), key.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, successes.Load(), int32(33))
	assert.Equal(t, int64(1000)-int64(successes.Load())*30, got.RemainingLimit.Int64())
	assert.GreaterOrEqual(t, got.RemainingLimit.Sign(), 0)
}

func TestDebit_Expiry(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 100)
	ctx := context.Background()

	f.clock.Set(key.ExpiresAt.Add(-time.Nanosecond))
	require.NoError(t, f.auth.Debit(ctx, key.ID, big.NewInt(1)))

	f.clock.Set(key.ExpiresAt)
	err := f.auth.Debit(ctx, key.ID, big.NewInt(1))
	assert.ErrorIs(t, err, agentpay.ErrSessionExpired)
}

func TestDebit_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.auth.Debit(ctx, "sk_missing", big.NewInt(1)), agentpay.ErrSessionNotFound)

	key := f.authorize(t, 100)
	assert.Equal(t, agentpay.CodeInvalidAmount, codeOf(f.auth.Debit(ctx, key.ID, big.NewInt(0))))
}

func TestCredit_RestoresUpToSpendLimit(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 100)
	ctx := context.Background()

	require.NoError(t, f.auth.Debit(ctx, key.ID, big.NewInt(60)))
	require.NoError(t, f.auth.Credit(ctx, key.ID, big.NewInt(60)))
	got, _ := f.auth.Lookup(ctx, key.ID)
	assert.Equal(t, "100", got.RemainingLimit.String())

	require.NoError(t, f.auth.Credit(ctx, key.ID, big.NewInt(5)))
	got, _ = f.auth.Lookup(ctx, key.ID)
	assert.Equal(t, "100", got.RemainingLimit.String())
}

func TestRevoke_Idempotent(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 100)
	ctx := context.Background()

	require.NoError(t, f.auth.Revoke(ctx, key.ID))
	assert.Equal(t, 2, f.token.Calls(ledger.OpApprove))
	assert.Equal(t, "0", f.token.AllowanceOf(owner, key.Address).String())

	require.NoError(t, f.auth.Revoke(ctx, key.ID))
	assert.Equal(t, 2, f.token.Calls(ledger.OpApprove), "second revoke must not send a transaction")

	got, err := f.auth.Lookup(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)
	require.NotNil(t, got.RevokedAt)
	assert.NotEmpty(t, got.RevocationTx)

	assert.ErrorIs(t, f.auth.Debit(ctx, key.ID, big.NewInt(1)), agentpay.ErrSessionRevoked)
	_, err = f.auth.Sign(ctx, key.ID, make([]byte, 32))
	assert.ErrorIs(t, err, agentpay.ErrSessionRevoked)
}

func TestRevoke_RetriesZeroingOnNextCall(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 100)
	ctx := context.Background()

	for i := 0; i < fastRetry.Attempts; i++ {
		f.token.FailNext(ledger.OpApprove, errors.New("rpc down"))
	}
	err := f.auth.Revoke(ctx, key.ID)
	require.ErrorIs(t, err, agentpay.ErrOperationFailed)

	got, _ := f.auth.Lookup(ctx, key.ID)
	assert.Equal(t, StatusRevoked, got.Status)
	assert.Empty(t, got.RevocationTx)
	assert.ErrorIs(t, f.auth.Debit(ctx, key.ID, big.NewInt(1)), agentpay.ErrSessionRevoked)

	require.NoError(t, f.auth.Revoke(ctx, key.ID))
	assert.Equal(t, "0", f.token.AllowanceOf(owner, key.Address).String())
}

func TestRevoke_DeactivatesWithoutOwnerSigner(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 100)
	ctx := context.Background()

	// the owner's key was rotated out of this process's configuration
	unbound := NewAuthority(f.repo, f.keys, agentpay.NewStaticLedgers(),
		WithClock(f.clock), WithEventSink(f.sink), WithRetryPolicy(fastRetry))

	err := unbound.Revoke(ctx, key.ID)
	require.ErrorIs(t, err, agentpay.ErrOwnerNotAuthenticated)
	e, _ := agentpay.AsError(err)
	assert.Equal(t, string(StatusRevoked), e.Details["status"])

	got, err := f.auth.Lookup(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)
	assert.Empty(t, got.RevocationTx)
	assert.ErrorIs(t, unbound.Debit(ctx, key.ID, big.NewInt(1)), agentpay.ErrSessionRevoked)
	assert.Equal(t, "100", f.token.AllowanceOf(owner, key.Address).String())

	require.NoError(t, f.auth.Revoke(ctx, key.ID))
	assert.Equal(t, "0", f.token.AllowanceOf(owner, key.Address).String())
}

func TestSign_RecoversSessionAddress(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 100)

	digest := crypto.Keccak256([]byte("operation"))
	sigHex, err := f.auth.Sign(context.Background(), key.ID, digest)
	require.NoError(t, err)

	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, key.Address, crypto.PubkeyToAddress(*pub).Hex())
}

func TestFindByLabel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.authorize(t, 100)
	f.clock.Advance(time.Second)
	second := f.authorize(t, 200)

	got, err := f.auth.FindByLabel(ctx, owner, "agent")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	require.NoError(t, f.auth.Revoke(ctx, second.ID))
	got, err = f.auth.FindByLabel(ctx, owner, "agent")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = f.auth.FindByLabel(ctx, owner, "other")
	assert.ErrorIs(t, err, agentpay.ErrSessionNotFound)
}

func TestReplay_MatchesRepository(t *testing.T) {
	f := newFixture(t)
	key := f.authorize(t, 500)
	ctx := context.Background()

	require.NoError(t, f.auth.Debit(ctx, key.ID, big.NewInt(120)))
	require.NoError(t, f.auth.Revoke(ctx, key.ID))

	want, err := f.auth.Lookup(ctx, key.ID)
	require.NoError(t, err)
	got, err := Replay(ctx, f.sink, key.ID)
	require.NoError(t, err)

	bigEq := cmp.Comparer(func(a, b *big.Int) bool { return a.Cmp(b) == 0 })
	if diff := cmp.Diff(want, got, bigEq); diff != "" {
		t.Errorf("Replay mismatch (-want +got):\n%s", diff)
	}

	_, err = Replay(ctx, f.sink, "sk_missing")
	assert.ErrorIs(t, err, agentpay.ErrSessionNotFound)
}

func TestSealedKeystore(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	blobs := NewMemoryBlobStore()
	ks, err := NewSealedKeystore(blobs, identity.String())
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, ks.Put(ctx, "sk_1", key))

	blob, err := blobs.GetBlob(ctx, "sk_1")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), string(crypto.FromECDSA(key)))

	got, err := ks.Get(ctx, "sk_1")
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSA(key), crypto.FromECDSA(got))

	require.NoError(t, ks.Delete(ctx, "sk_1"))
	_, err = ks.Get(ctx, "sk_1")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = NewSealedKeystore(blobs, "not-an-identity")
	assert.Error(t, err)
}
