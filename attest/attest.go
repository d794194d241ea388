// Package attest provides the pluggable verifiers that decide whether an
// attestation releases an escrow task to its provider.
package attest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	agentpay "github.com/x402-foundation/agentpay"
)

// Kind names a verifier implementation in configuration.
type Kind string

const (
	KindEVM         Kind = "evm_signature"
	KindEd25519     Kind = "ed25519"
	KindPlaceholder Kind = "placeholder"
)

// ParseBytes32 decodes a 0x-prefixed 32-byte hex string.
func ParseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// parseClaim validates the fields every verifier signs over.
func parseClaim(taskID, provider string, att agentpay.Attestation) (task, id [32]byte, prov common.Address, err error) {
	if task, err = ParseBytes32(taskID); err != nil {
		return task, id, prov, agentpay.InvalidAttestation(taskID, "malformed task id: "+err.Error())
	}
	if id, err = ParseBytes32(att.ID); err != nil {
		return task, id, prov, agentpay.InvalidAttestation(taskID, "malformed attestation id: "+err.Error())
	}
	if !common.IsHexAddress(provider) {
		return task, id, prov, agentpay.InvalidAttestation(taskID, "malformed provider address")
	}
	return task, id, common.HexToAddress(provider), nil
}

// PlaceholderVerifier accepts any well-formed 32-byte attestation id. It
// proves nothing about delivery and logs a warning on every use.
type PlaceholderVerifier struct {
	logger *slog.Logger
}

var _ agentpay.AttestationVerifier = (*PlaceholderVerifier)(nil)

// NewPlaceholderVerifier creates the non-production verifier.
func NewPlaceholderVerifier(logger *slog.Logger) *PlaceholderVerifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PlaceholderVerifier{logger: logger}
}

// Verify accepts any attestation whose fields are well formed.
func (v *PlaceholderVerifier) Verify(_ context.Context, taskID, provider string, att agentpay.Attestation) error {
	if _, _, _, err := parseClaim(taskID, provider, att); err != nil {
		return err
	}
	v.logger.Warn("placeholder attestation verifier accepted proof without checking delivery",
		"task_id", taskID, "provider", provider, "attestation_id", att.ID)
	return nil
}
