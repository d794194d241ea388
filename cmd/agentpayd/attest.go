package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	agentpay "github.com/x402-foundation/agentpay"
	"github.com/x402-foundation/agentpay/attest"
	"github.com/x402-foundation/agentpay/signers/evm"
	"github.com/x402-foundation/agentpay/signers/svm"
)

type attester interface {
	Address() string
	Attest(taskID, attestationID, provider string) (agentpay.Attestation, error)
}

// runAttest signs a release attestation and prints it as JSON. It lets an
// operator act as the trusted attester without running a separate
// service.
func runAttest(args []string, out io.Writer) error {
	var key, kind, taskID, attestationID, provider string

	flagSet := pflag.NewFlagSet("agentpayd attest", pflag.ContinueOnError)
	flagSet.StringVar(&key, "key", "", "attester private key (hex for evm_signature, base58 for ed25519)")
	flagSet.StringVar(&kind, "kind", string(attest.KindEVM), "attestation kind: evm_signature or ed25519")
	flagSet.StringVar(&taskID, "task", "", "escrow task id")
	flagSet.StringVar(&attestationID, "attestation", "", "attestation id, 32-byte hex")
	flagSet.StringVar(&provider, "provider", "", "provider address the release pays")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if key == "" || taskID == "" || attestationID == "" || provider == "" {
		return fmt.Errorf("--key, --task, --attestation and --provider are required")
	}

	var signer attester
	var err error
	switch attest.Kind(kind) {
	case attest.KindEVM:
		signer, err = evm.NewAttesterFromPrivateKey(key)
	case attest.KindEd25519:
		signer, err = svm.NewAttesterFromPrivateKey(key)
	default:
		return fmt.Errorf("unknown attestation kind %q", kind)
	}
	if err != nil {
		return err
	}

	att, err := signer.Attest(taskID, attestationID, provider)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]string{
		"attester":      signer.Address(),
		"attestationId": att.ID,
		"signature":     att.Signature,
	})
}
