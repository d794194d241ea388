package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/attest"
)

const minimal = `
rpc_url: https://sepolia.base.org
fees:
  token_per_native: "3000"
relay:
  url: https://relay.example
attestation:
  attesters: ["0x4444444444444444444444444444444444444444"]
`

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

var secrets = env(map[string]string{
	EnvCustodianKey: "0xabc",
	EnvAgeIdentity:  "AGE-SECRET-KEY-1TEST",
})

func TestParse_Defaults(t *testing.T) {
	f, err := Parse([]byte(minimal), secrets)
	require.NoError(t, err)

	assert.Equal(t, "eip155:84532", f.Network)
	assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", f.Token.Address)
	assert.Equal(t, 6, f.Decimals())
	assert.Equal(t, uint64(65_000), f.Fees.GasUnits)
	assert.Equal(t, 15*time.Minute, f.Fees.StaleAfter)
	assert.Equal(t, 30*time.Second, f.Relay.Timeout)
	assert.Equal(t, time.Minute, f.Escrow.SweepInterval)
	assert.Equal(t, attest.KindEVM, f.Attestation.Kind)
	assert.Equal(t, "agentpay.db", f.Database.Path)
	assert.Equal(t, ":8080", f.HTTP.Listen)
	assert.Equal(t, "0xabc", f.Keys.CustodianKey)

	rate, err := f.FeeRate()
	require.NoError(t, err)
	assert.Equal(t, "3000000000", rate.TokenPerNative.String())

	gas, err := f.FixedGasPrice()
	require.NoError(t, err)
	assert.Nil(t, gas)
}

func TestParse_FullFile(t *testing.T) {
	data := `
network: eip155:8453
rpc_url: https://mainnet.base.org
log_level: debug
token:
  decimals: 6
fees:
  gas_units: 100000
  token_per_native: "2500.5"
  gas_price_gwei: "0.05"
  stale_after: 5m
relay:
  url: https://relay.example
  api_key: from-file
  timeout: 10s
escrow:
  arbiter: "0x4444444444444444444444444444444444444444"
  sweep_interval: 30s
attestation:
  kind: ed25519
  attesters: ["5ZWj7a1f8tWkjBESHKgrLmXshuXxqeY9SYcfbshpAqPG"]
database:
  path: /var/lib/agentpay/agentpay.db
http:
  listen: 127.0.0.1:9000
keys:
  custodian_key: "0xfile"
  age_identity: AGE-SECRET-KEY-1FILE
  principal_keys: ["0x01"]
`
	f, err := Parse([]byte(data), env(map[string]string{
		EnvCustodianKey:  "0xenv",
		EnvPrincipalKeys: "0x02, 0x03",
		EnvRelayAPIKey:   "from-env",
	}))
	require.NoError(t, err)

	assert.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", f.Token.Address)
	assert.Equal(t, "0xenv", f.Keys.CustodianKey)
	assert.Equal(t, "AGE-SECRET-KEY-1FILE", f.Keys.AgeIdentity)
	assert.Equal(t, []string{"0x02", "0x03"}, f.Keys.PrincipalKeys)
	assert.Equal(t, "from-env", f.Relay.APIKey)
	assert.Equal(t, 5*time.Minute, f.Fees.StaleAfter)
	assert.Equal(t, 30*time.Second, f.Escrow.SweepInterval)
	assert.Equal(t, "DEBUG", f.SlogLevel().String())

	gas, err := f.FixedGasPrice()
	require.NoError(t, err)
	assert.Equal(t, "50000000", gas.String())

	rate, err := f.FeeRate()
	require.NoError(t, err)
	assert.Equal(t, "2500500000", rate.TokenPerNative.String())
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		env  func(string) (string, bool)
		want string
	}{
		{
			name: "missing relay",
			data: "rpc_url: x\nfees:\n  token_per_native: \"1\"\n",
			env:  secrets,
			want: "relay",
		},
		{
			name: "unknown field",
			data: minimal + "surprise: true\n",
			env:  secrets,
			want: "surprise",
		},
		{
			name: "unquoted rate",
			data: "rpc_url: x\nfees:\n  token_per_native: 3000\nrelay:\n  url: https://r\n",
			env:  secrets,
			want: "token_per_native",
		},
		{
			name: "missing secrets",
			data: minimal,
			env:  env(nil),
			want: EnvCustodianKey,
		},
		{
			name: "placeholder without opt-in",
			data: "rpc_url: x\nfees:\n  token_per_native: \"1\"\nrelay:\n  url: https://r\nattestation:\n  kind: placeholder\n",
			env:  secrets,
			want: "allow_placeholder_attestations",
		},
		{
			name: "no attesters",
			data: "rpc_url: x\nfees:\n  token_per_native: \"1\"\nrelay:\n  url: https://r\n",
			env:  secrets,
			want: "attester",
		},
		{
			name: "negative stale_after",
			data: "rpc_url: x\nfees:\n  token_per_native: \"1\"\n  stale_after: -1m\nrelay:\n  url: https://r\nattestation:\n  attesters: [\"0x4444444444444444444444444444444444444444\"]\n",
			env:  secrets,
			want: "stale_after",
		},
		{
			name: "negative sweep_interval",
			data: minimal + "escrow:\n  sweep_interval: -30s\n",
			env:  secrets,
			want: "sweep_interval",
		},
		{
			name: "unsupported network",
			data: minimal + "network: eip155:1\n",
			env:  secrets,
			want: "eip155:1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlaceholderVerifierOptIn(t *testing.T) {
	data := "rpc_url: x\nfees:\n  token_per_native: \"1\"\nrelay:\n  url: https://r\nattestation:\n  kind: placeholder\n  allow_placeholder_attestations: true\n"
	f, err := Parse([]byte(data), secrets)
	require.NoError(t, err)

	cfg, err := f.Core(nil)
	require.NoError(t, err)

	taskID := "0x6a1c2bb0a3e2c1a0f7d6a95e4b1f0c3d2e1a0b9c8d7e6f5a4b3c2d1e0f9a8b7c"
	att := agentpay.Attestation{ID: "0x00000000000000000000000000000000000000000000000000000000000000aa"}
	assert.NoError(t, cfg.AttestationVerifier.Verify(context.Background(), taskID, "0x2222222222222222222222222222222222222222", att))

	err = cfg.AttestationVerifier.Verify(context.Background(), taskID, "0x2222222222222222222222222222222222222222", agentpay.Attestation{})
	assert.True(t, errors.Is(err, agentpay.ErrInvalidAttestation))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentpay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))
	t.Setenv(EnvCustodianKey, "0xabc")
	t.Setenv(EnvAgeIdentity, "AGE-SECRET-KEY-1TEST")

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example", f.Relay.URL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
