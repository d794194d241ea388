package evm

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/attest"
)

// Attester signs escrow release attestations with an ECDSA key.
type Attester struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewAttesterFromPrivateKey creates an attester from a hex-encoded private key.
func NewAttesterFromPrivateKey(privateKeyHex string) (*Attester, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Attester{privateKey: privateKey, address: crypto.PubkeyToAddress(privateKey.PublicKey)}, nil
}

// Address returns the attester address verifiers must trust.
func (a *Attester) Address() string {
	return a.address.Hex()
}

// Attest signs a release claim for provider on taskID.
func (a *Attester) Attest(taskID, attestationID, provider string) (agentpay.Attestation, error) {
	return attest.SignEVM(a.privateKey, taskID, attestationID, provider)
}
