package attest

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	agentpay "github.com/x402-foundation/agentpay"
)

const ed25519Domain = "agentpay.attestation.v1"

// ed25519Claim is the borsh-encoded message an ed25519 attester signs.
type ed25519Claim struct {
	Domain        string
	TaskID        [32]byte
	AttestationID [32]byte
	Provider      [20]byte
}

// Ed25519Message encodes the signed message for a claim.
func Ed25519Message(taskID, attestationID [32]byte, provider [20]byte) ([]byte, error) {
	var buf bytes.Buffer
	claim := ed25519Claim{
		Domain:        ed25519Domain,
		TaskID:        taskID,
		AttestationID: attestationID,
		Provider:      provider,
	}
	if err := bin.NewBorshEncoder(&buf).Encode(claim); err != nil {
		return nil, fmt.Errorf("failed to encode attestation claim: %w", err)
	}
	return buf.Bytes(), nil
}

// SignEd25519 produces an attestation signed by an ed25519 attester key.
// The signature is base58, as Solana tooling renders it.
func SignEd25519(key solana.PrivateKey, taskID, attestationID, provider string) (agentpay.Attestation, error) {
	task, id, prov, err := parseClaim(taskID, provider, agentpay.Attestation{ID: attestationID})
	if err != nil {
		return agentpay.Attestation{}, err
	}
	msg, err := Ed25519Message(task, id, prov)
	if err != nil {
		return agentpay.Attestation{}, err
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return agentpay.Attestation{}, fmt.Errorf("failed to sign attestation: %w", err)
	}
	return agentpay.Attestation{ID: attestationID, Signature: sig.String()}, nil
}

// Ed25519Verifier accepts attestations signed by a trusted ed25519 key.
type Ed25519Verifier struct {
	attesters []solana.PublicKey
}

var _ agentpay.AttestationVerifier = (*Ed25519Verifier)(nil)

// NewEd25519Verifier trusts the given base58 public keys.
func NewEd25519Verifier(attesters ...string) (*Ed25519Verifier, error) {
	if len(attesters) == 0 {
		return nil, fmt.Errorf("at least one attester key is required")
	}
	v := &Ed25519Verifier{}
	for _, a := range attesters {
		pub, err := solana.PublicKeyFromBase58(strings.TrimSpace(a))
		if err != nil {
			return nil, fmt.Errorf("invalid attester key %q: %w", a, err)
		}
		v.attesters = append(v.attesters, pub)
	}
	return v, nil
}

// Verify checks the signature against every trusted key.
func (v *Ed25519Verifier) Verify(_ context.Context, taskID, provider string, att agentpay.Attestation) error {
	task, id, prov, err := parseClaim(taskID, provider, att)
	if err != nil {
		return err
	}
	sig, err := solana.SignatureFromBase58(strings.TrimSpace(att.Signature))
	if err != nil {
		return agentpay.InvalidAttestation(taskID, "malformed signature")
	}
	msg, err := Ed25519Message(task, id, prov)
	if err != nil {
		return err
	}
	for _, pub := range v.attesters {
		if sig.Verify(pub, msg) {
			return nil
		}
	}
	return agentpay.InvalidAttestation(taskID, "signature is not from a trusted attester")
}
