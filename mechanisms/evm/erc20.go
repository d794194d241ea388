package evm

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	agentpay "github.com/x402-foundation/agentpay"
)

var erc20 = mustParseABI(ERC20ABI)

func mustParseABI(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid built-in ABI: %v", err))
	}
	return parsed
}

// ERC20 returns the parsed token ABI.
func ERC20() abi.ABI {
	return erc20
}

// GetNetworkConfig looks up a network by CAIP-2 id or bare chain id.
func GetNetworkConfig(network string) (NetworkConfig, error) {
	if cfg, ok := NetworkConfigs[network]; ok {
		return cfg, nil
	}
	if cfg, ok := NetworkConfigs["eip155:"+network]; ok {
		return cfg, nil
	}
	return NetworkConfig{}, fmt.Errorf("unsupported network: %s", network)
}

// PackBalanceOf encodes balanceOf(account).
func PackBalanceOf(account string) ([]byte, error) {
	return erc20.Pack(FunctionBalanceOf, common.HexToAddress(account))
}

// PackAllowance encodes allowance(owner, spender).
func PackAllowance(owner, spender string) ([]byte, error) {
	return erc20.Pack(FunctionAllowance, common.HexToAddress(owner), common.HexToAddress(spender))
}

// PackApprove encodes approve(spender, amount).
func PackApprove(spender string, amount *big.Int) ([]byte, error) {
	return erc20.Pack(FunctionApprove, common.HexToAddress(spender), amount)
}

// PackTransfer encodes transfer(to, amount).
func PackTransfer(to string, amount *big.Int) ([]byte, error) {
	return erc20.Pack(FunctionTransfer, common.HexToAddress(to), amount)
}

// PackTransferFrom encodes transferFrom(from, to, amount).
func PackTransferFrom(from, to string, amount *big.Int) ([]byte, error) {
	return erc20.Pack(FunctionTransferFrom, common.HexToAddress(from), common.HexToAddress(to), amount)
}

// UnpackUint256 decodes the single uint256 returned by a view method.
func UnpackUint256(method string, data []byte) (*big.Int, error) {
	outputs, err := erc20.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s output count: %d", method, len(outputs))
	}
	v, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type %T", method, outputs[0])
	}
	return v, nil
}

// TransferFromCall is a decoded transferFrom invocation.
type TransferFromCall struct {
	From   string
	To     string
	Amount *big.Int
}

// DecodeTransferFrom parses transferFrom calldata.
func DecodeTransferFrom(data []byte) (*TransferFromCall, error) {
	method, ok := erc20.Methods[FunctionTransferFrom]
	if !ok {
		return nil, fmt.Errorf("transferFrom missing from ABI")
	}
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, fmt.Errorf("calldata is not a transferFrom call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack transferFrom: %w", err)
	}
	if len(args) != 3 {
		return nil, fmt.Errorf("unexpected transferFrom argument count: %d", len(args))
	}
	from, ok1 := args[0].(common.Address)
	to, ok2 := args[1].(common.Address)
	amount, ok3 := args[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected transferFrom argument types")
	}
	return &TransferFromCall{From: from.Hex(), To: to.Hex(), Amount: amount}, nil
}

// BuildTransferFromOperation assembles an unsigned relay operation in
// which sender moves amount from owner to recipient on token, paying the
// relay feeAmount of the same token.
func BuildTransferFromOperation(sender, token, owner, recipient string, amount, feeAmount *big.Int, nonce string, maxGas uint64) (agentpay.UserOperation, error) {
	data, err := PackTransferFrom(owner, recipient, amount)
	if err != nil {
		return agentpay.UserOperation{}, fmt.Errorf("failed to pack transferFrom: %w", err)
	}
	return agentpay.UserOperation{
		Sender:    common.HexToAddress(sender).Hex(),
		Target:    common.HexToAddress(token).Hex(),
		CallData:  "0x" + common.Bytes2Hex(data),
		Nonce:     nonce,
		FeeToken:  common.HexToAddress(token).Hex(),
		FeeAmount: feeAmount.String(),
		MaxGas:    maxGas,
	}, nil
}

// OperationDigest is the keccak256 hash the session key signs for a relay
// operation. The signature field is excluded.
func OperationDigest(op agentpay.UserOperation) []byte {
	callData := common.FromHex(op.CallData)
	fee, _ := new(big.Int).SetString(op.FeeAmount, 10)
	if fee == nil {
		fee = new(big.Int)
	}
	return crypto.Keccak256(
		common.HexToAddress(op.Sender).Bytes(),
		common.HexToAddress(op.Target).Bytes(),
		crypto.Keccak256(callData),
		[]byte(strings.ToLower(op.Nonce)),
		common.HexToAddress(op.FeeToken).Bytes(),
		common.LeftPadBytes(fee.Bytes(), 32),
		new(big.Int).SetUint64(op.MaxGas).FillBytes(make([]byte, 8)),
	)
}
