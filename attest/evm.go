package attest

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	agentpay "github.com/x402-foundation/agentpay"
)

// EVMDigest is keccak256(taskId ‖ attestationId ‖ provider).
func EVMDigest(taskID, attestationID [32]byte, provider common.Address) []byte {
	return crypto.Keccak256(taskID[:], attestationID[:], provider.Bytes())
}

// SignEVM produces an EIP-191 attestation signed by an attester key.
func SignEVM(key *ecdsa.PrivateKey, taskID, attestationID, provider string) (agentpay.Attestation, error) {
	task, id, prov, err := parseClaim(taskID, provider, agentpay.Attestation{ID: attestationID})
	if err != nil {
		return agentpay.Attestation{}, err
	}
	sig, err := crypto.Sign(accounts.TextHash(EVMDigest(task, id, prov)), key)
	if err != nil {
		return agentpay.Attestation{}, fmt.Errorf("failed to sign attestation: %w", err)
	}
	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	sig[64] += 27
	return agentpay.Attestation{ID: attestationID, Signature: hexutil.Encode(sig)}, nil
}

// EVMSignatureVerifier accepts attestations carrying an EIP-191 signature
// from one of the trusted attester addresses.
type EVMSignatureVerifier struct {
	attesters map[common.Address]struct{}
}

var _ agentpay.AttestationVerifier = (*EVMSignatureVerifier)(nil)

// NewEVMSignatureVerifier trusts the given attester addresses.
func NewEVMSignatureVerifier(attesters ...string) (*EVMSignatureVerifier, error) {
	if len(attesters) == 0 {
		return nil, fmt.Errorf("at least one attester address is required")
	}
	v := &EVMSignatureVerifier{attesters: make(map[common.Address]struct{}, len(attesters))}
	for _, a := range attesters {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid attester address: %q", a)
		}
		v.attesters[common.HexToAddress(a)] = struct{}{}
	}
	return v, nil
}

// Verify recovers the signer and checks it is trusted.
func (v *EVMSignatureVerifier) Verify(_ context.Context, taskID, provider string, att agentpay.Attestation) error {
	task, id, prov, err := parseClaim(taskID, provider, att)
	if err != nil {
		return err
	}

	sig, err := hexutil.Decode(strings.TrimSpace(att.Signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return agentpay.InvalidAttestation(taskID, "malformed signature")
	}
	sig = append([]byte(nil), sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(EVMDigest(task, id, prov)), sig)
	if err != nil {
		return agentpay.InvalidAttestation(taskID, "signature recovery failed")
	}
	signer := crypto.PubkeyToAddress(*pub)
	if _, ok := v.attesters[signer]; !ok {
		return agentpay.InvalidAttestation(taskID, "signer "+signer.Hex()+" is not a trusted attester")
	}
	return nil
}
