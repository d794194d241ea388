package svm

import (
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/attest"
)

// Attester signs escrow release attestations with an ed25519 key.
type Attester struct {
	privateKey solana.PrivateKey
}

// NewAttesterFromPrivateKey creates an attester from a base58-encoded
// Solana private key.
//
// Example:
//
//	attester, err := svm.NewAttesterFromPrivateKey("5J7W...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	att, err := attester.Attest(taskID, deliveryID, provider)
func NewAttesterFromPrivateKey(privateKeyBase58 string) (*Attester, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Attester{privateKey: privateKey}, nil
}

// Address returns the base58 public key verifiers must trust.
func (a *Attester) Address() string {
	return a.privateKey.PublicKey().String()
}

// Attest signs a release claim for provider on taskID.
func (a *Attester) Attest(taskID, attestationID, provider string) (agentpay.Attestation, error) {
	return attest.SignEd25519(a.privateKey, taskID, attestationID, provider)
}
