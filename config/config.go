// Package config loads the daemon configuration from YAML, validates it
// against an embedded JSON Schema and applies environment overrides for
// secrets.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/attest"
	agentevm "github.com/x402-foundation/agentpay/mechanisms/evm"
)

//go:embed schema.json
var schemaJSON []byte

// Environment variables that override secrets in the file.
const (
	EnvCustodianKey  = "AGENTPAY_CUSTODIAN_KEY"
	EnvAgeIdentity   = "AGENTPAY_AGE_IDENTITY"
	EnvPrincipalKeys = "AGENTPAY_PRINCIPAL_KEYS"
	EnvRelayAPIKey   = "AGENTPAY_RELAY_API_KEY"
)

// File is the on-disk configuration.
type File struct {
	Network  string `yaml:"network"`
	RPCURL   string `yaml:"rpc_url"`
	LogLevel string `yaml:"log_level"`

	Token struct {
		Address  string `yaml:"address"`
		Decimals *int   `yaml:"decimals"`
	} `yaml:"token"`

	Fees struct {
		GasUnits       uint64        `yaml:"gas_units"`
		TokenPerNative string        `yaml:"token_per_native"`
		GasPriceGwei   string        `yaml:"gas_price_gwei"`
		StaleAfter     time.Duration `yaml:"stale_after"`
	} `yaml:"fees"`

	Relay struct {
		URL          string        `yaml:"url"`
		APIKeyHeader string        `yaml:"api_key_header"`
		APIKey       string        `yaml:"api_key"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"relay"`

	Escrow struct {
		Arbiter       string        `yaml:"arbiter"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"escrow"`

	Attestation struct {
		Kind                         attest.Kind `yaml:"kind"`
		Attesters                    []string    `yaml:"attesters"`
		AllowPlaceholderAttestations bool        `yaml:"allow_placeholder_attestations"`
	} `yaml:"attestation"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`

	Keys struct {
		CustodianKey  string   `yaml:"custodian_key"`
		AgeIdentity   string   `yaml:"age_identity"`
		PrincipalKeys []string `yaml:"principal_keys"`
	} `yaml:"keys"`
}

// Load reads and validates the file at path, using the process
// environment for overrides.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse validates data against the schema, decodes it, applies defaults
// and environment overrides, and checks cross-field rules.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (*File, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	f.applyDefaults()
	f.applyEnv(lookupEnv)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func validateSchema(doc interface{}) error {
	// Round-trip through JSON so YAML scalars get JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

func (f *File) applyDefaults() {
	if f.Network == "" {
		f.Network = "eip155:84532"
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	if network, err := agentevm.GetNetworkConfig(f.Network); err == nil {
		if f.Token.Address == "" {
			f.Token.Address = network.DefaultAsset.Address
		}
		if f.Token.Decimals == nil {
			d := network.DefaultAsset.Decimals
			f.Token.Decimals = &d
		}
	}
	if f.Token.Decimals == nil {
		d := agentevm.DefaultDecimals
		f.Token.Decimals = &d
	}
	if f.Fees.GasUnits == 0 {
		f.Fees.GasUnits = agentevm.DefaultTransferFromGas
	}
	if f.Fees.StaleAfter == 0 {
		f.Fees.StaleAfter = 15 * time.Minute
	}
	if f.Relay.Timeout == 0 {
		f.Relay.Timeout = 30 * time.Second
	}
	if f.Relay.APIKeyHeader == "" {
		f.Relay.APIKeyHeader = "X-Api-Key"
	}
	if f.Escrow.SweepInterval == 0 {
		f.Escrow.SweepInterval = time.Minute
	}
	if f.Attestation.Kind == "" {
		f.Attestation.Kind = attest.KindEVM
	}
	if f.Database.Path == "" {
		f.Database.Path = "agentpay.db"
	}
	if f.HTTP.Listen == "" {
		f.HTTP.Listen = ":8080"
	}
}

func (f *File) applyEnv(lookupEnv func(string) (string, bool)) {
	if lookupEnv == nil {
		return
	}
	if v, ok := lookupEnv(EnvCustodianKey); ok && v != "" {
		f.Keys.CustodianKey = v
	}
	if v, ok := lookupEnv(EnvAgeIdentity); ok && v != "" {
		f.Keys.AgeIdentity = v
	}
	if v, ok := lookupEnv(EnvRelayAPIKey); ok && v != "" {
		f.Relay.APIKey = v
	}
	if v, ok := lookupEnv(EnvPrincipalKeys); ok && v != "" {
		f.Keys.PrincipalKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Keys.PrincipalKeys = append(f.Keys.PrincipalKeys, k)
			}
		}
	}
}

// Validate checks rules the schema cannot express.
func (f *File) Validate() error {
	var problems []string
	if _, err := agentevm.GetNetworkConfig(f.Network); err != nil {
		problems = append(problems, err.Error())
	}
	if f.Keys.CustodianKey == "" {
		problems = append(problems, "custodian key is required (set "+EnvCustodianKey+")")
	}
	if f.Keys.AgeIdentity == "" {
		problems = append(problems, "age identity is required (set "+EnvAgeIdentity+")")
	}
	if _, err := f.FeeRate(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := f.FixedGasPrice(); err != nil {
		problems = append(problems, err.Error())
	}
	if f.Fees.StaleAfter <= 0 {
		problems = append(problems, "fees.stale_after must be positive")
	}
	if f.Escrow.SweepInterval <= 0 {
		problems = append(problems, "escrow.sweep_interval must be positive")
	}
	switch f.Attestation.Kind {
	case attest.KindPlaceholder:
		if !f.Attestation.AllowPlaceholderAttestations {
			problems = append(problems, "placeholder attestations prove nothing; set allow_placeholder_attestations to use them")
		}
	case attest.KindEVM, attest.KindEd25519:
		if len(f.Attestation.Attesters) == 0 {
			problems = append(problems, "at least one trusted attester is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown attestation kind %q", f.Attestation.Kind))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Decimals returns the token precision.
func (f *File) Decimals() int {
	if f.Token.Decimals == nil {
		return agentevm.DefaultDecimals
	}
	return *f.Token.Decimals
}

// FeeRate returns the fixed native-to-token conversion.
func (f *File) FeeRate() (agentpay.FixedRate, error) {
	rate, err := agentpay.ParseAmount(f.Fees.TokenPerNative, f.Decimals())
	if err != nil {
		return agentpay.FixedRate{}, fmt.Errorf("fees.token_per_native: %w", err)
	}
	if rate.Sign() <= 0 {
		return agentpay.FixedRate{}, fmt.Errorf("fees.token_per_native must be positive")
	}
	return agentpay.FixedRate{TokenPerNative: rate}, nil
}

// FixedGasPrice returns the configured gas price in wei, or nil when the
// chain's suggestion should be used.
func (f *File) FixedGasPrice() (*big.Int, error) {
	if f.Fees.GasPriceGwei == "" {
		return nil, nil
	}
	wei, err := agentpay.ParseAmount(f.Fees.GasPriceGwei, 9)
	if err != nil {
		return nil, fmt.Errorf("fees.gas_price_gwei: %w", err)
	}
	return wei, nil
}

// Verifier builds the configured attestation verifier.
func (f *File) Verifier(logger *slog.Logger) (agentpay.AttestationVerifier, error) {
	switch f.Attestation.Kind {
	case attest.KindEVM:
		return attest.NewEVMSignatureVerifier(f.Attestation.Attesters...)
	case attest.KindEd25519:
		return attest.NewEd25519Verifier(f.Attestation.Attesters...)
	case attest.KindPlaceholder:
		if !f.Attestation.AllowPlaceholderAttestations {
			return nil, fmt.Errorf("placeholder attestations are not allowed")
		}
		return attest.NewPlaceholderVerifier(logger), nil
	}
	return nil, fmt.Errorf("unknown attestation kind %q", f.Attestation.Kind)
}

// Core builds the process-level configuration shared by every component.
func (f *File) Core(logger *slog.Logger) (agentpay.Config, error) {
	rate, err := f.FeeRate()
	if err != nil {
		return agentpay.Config{}, err
	}
	verifier, err := f.Verifier(logger)
	if err != nil {
		return agentpay.Config{}, err
	}
	cfg := agentpay.Config{
		TokenAddress:        f.Token.Address,
		TokenDecimals:       f.Decimals(),
		FeeConversionRate:   rate,
		AttestationVerifier: verifier,
	}
	return cfg, cfg.Validate()
}

// SlogLevel maps the configured log level.
func (f *File) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
