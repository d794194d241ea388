package agentpay

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Config is the process-level configuration injected into each component
// at construction. There is no global token state.
type Config struct {
	// TokenAddress is the ERC-20 contract of the delegated token
	TokenAddress string
	// TokenDecimals is the token precision, commonly 6
	TokenDecimals int
	// FeeConversionRate converts native gas cost into token units
	FeeConversionRate ConversionRate
	// AttestationVerifier checks escrow release proofs
	AttestationVerifier AttestationVerifier
}

// Validate checks that every field a component may depend on is set.
func (c Config) Validate() error {
	var problems []string
	if _, err := NormalizeAddress(c.TokenAddress); err != nil {
		problems = append(problems, "token address is invalid")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		problems = append(problems, "token decimals out of range")
	}
	if c.FeeConversionRate == nil {
		problems = append(problems, "fee conversion rate is required")
	}
	if c.AttestationVerifier == nil {
		problems = append(problems, "attestation verifier is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// weiPerNative is 10^18, the number of wei in one unit of native currency.
var weiPerNative = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// FixedRate converts wei to token units at a constant price: TokenPerNative
// minor token units per whole native coin. It stands in for a price
// oracle; the result is truncated.
type FixedRate struct {
	TokenPerNative *big.Int
}

// NativeToToken implements ConversionRate.
func (r FixedRate) NativeToToken(_ context.Context, wei *big.Int) (*big.Int, error) {
	if r.TokenPerNative == nil || r.TokenPerNative.Sign() <= 0 {
		return nil, fmt.Errorf("fixed rate is not configured")
	}
	if wei == nil || wei.Sign() < 0 {
		return nil, fmt.Errorf("invalid native amount")
	}
	out := new(big.Int).Mul(wei, r.TokenPerNative)
	return out.Quo(out, weiPerNative), nil
}

// FixedGasPrice is a GasPriceOracle that always reports the same price.
type FixedGasPrice struct {
	Wei *big.Int
}

// SuggestGasPrice implements GasPriceOracle.
func (p FixedGasPrice) SuggestGasPrice(context.Context) (*big.Int, error) {
	if p.Wei == nil {
		return nil, fmt.Errorf("fixed gas price is not configured")
	}
	return new(big.Int).Set(p.Wei), nil
}

// StaticLedgers is a LedgerRegistry over a fixed set of signing ledgers,
// keyed by their address.
type StaticLedgers struct {
	mu      sync.RWMutex
	ledgers map[string]Ledger
}

// NewStaticLedgers registers each ledger under its own address.
func NewStaticLedgers(ledgers ...Ledger) *StaticLedgers {
	s := &StaticLedgers{ledgers: make(map[string]Ledger)}
	for _, l := range ledgers {
		s.Add(l)
	}
	return s
}

// Add binds a ledger to its address, replacing any previous binding.
func (s *StaticLedgers) Add(l Ledger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[strings.ToLower(l.Address())] = l
}

// LedgerFor implements LedgerRegistry.
func (s *StaticLedgers) LedgerFor(account string) (Ledger, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.ledgers[strings.ToLower(strings.TrimSpace(account))]
	return l, ok
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}
