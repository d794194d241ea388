package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	agentpay "github.com/x402-foundation/agentpay"
	agentevm "github.com/x402-foundation/agentpay/mechanisms/evm"
)

// Backend is the subset of *ethclient.Client the ledger needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Ledger implements agentpay.Ledger against an ERC-20 contract using an
// ECDSA private key. Writes are legacy transactions signed locally and
// sent through the backend.
type Ledger struct {
	backend      Backend
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	token        common.Address
	chainID      *big.Int
	pollInterval time.Duration

	// mu serializes nonce assignment for this account
	mu sync.Mutex

	// inFlight holds signed transactions whose broadcast ended without an
	// answer from the node. WaitForReceipt rebroadcasts them unchanged.
	inFlightMu sync.Mutex
	inFlight   map[common.Hash]*types.Transaction
}

var (
	_ agentpay.Ledger         = (*Ledger)(nil)
	_ agentpay.GasPriceOracle = (*Ledger)(nil)
)

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithPollInterval sets how often WaitForReceipt polls for a receipt.
func WithPollInterval(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// Dial connects to an RPC endpoint and returns a ledger for the key.
//
// Example:
//
//	ledger, err := evm.Dial(ctx, "https://sepolia.base.org", os.Getenv("KEY"), usdc)
//	if err != nil {
//	    log.Fatal(err)
//	}
func Dial(ctx context.Context, rpcURL, privateKeyHex, tokenAddress string, opts ...LedgerOption) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return NewLedger(ctx, client, privateKeyHex, tokenAddress, opts...)
}

// NewLedger creates a ledger from a hex-encoded private key (with or
// without "0x" prefix). The chain id is read from the backend once.
func NewLedger(ctx context.Context, backend Backend, privateKeyHex, tokenAddress string, opts ...LedgerOption) (*Ledger, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("invalid token address: %q", tokenAddress)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	l := &Ledger{
		backend:      backend,
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		token:        common.HexToAddress(tokenAddress),
		chainID:      chainID,
		pollInterval: 2 * time.Second,
		inFlight:     make(map[common.Hash]*types.Transaction),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Address returns the Ethereum address of the signer.
func (l *Ledger) Address() string {
	return l.address.Hex()
}

// BalanceOf reads the token balance of account.
func (l *Ledger) BalanceOf(ctx context.Context, account string) (*big.Int, error) {
	data, err := agentevm.PackBalanceOf(account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	return l.readUint(ctx, agentevm.FunctionBalanceOf, data)
}

// Allowance reads the token allowance owner → spender.
func (l *Ledger) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	data, err := agentevm.PackAllowance(owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance: %w", err)
	}
	return l.readUint(ctx, agentevm.FunctionAllowance, data)
}

// Approve sets the allowance of spender over this account's tokens.
func (l *Ledger) Approve(ctx context.Context, spender string, amount *big.Int) (string, error) {
	data, err := agentevm.PackApprove(spender, amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack approve: %w", err)
	}
	return l.send(ctx, data)
}

// Transfer moves tokens from this account to to.
func (l *Ledger) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	data, err := agentevm.PackTransfer(to, amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer: %w", err)
	}
	return l.send(ctx, data)
}

// TransferFrom moves tokens from from to to, spending this account's
// allowance.
func (l *Ledger) TransferFrom(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	data, err := agentevm.PackTransferFrom(from, to, amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack transferFrom: %w", err)
	}
	return l.send(ctx, data)
}

// WaitForReceipt polls until the transaction is mined or ctx is done. A
// transaction whose broadcast went unanswered is sent again, byte for
// byte, while it has no receipt.
func (l *Ledger) WaitForReceipt(ctx context.Context, txHash string) (*agentpay.TxReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			l.forget(hash)
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			return &agentpay.TxReceipt{
				Status:      agentpay.TxStatus(receipt.Status),
				BlockNumber: block,
				TxHash:      hash.Hex(),
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt for %s: %w", txHash, err)
		}
		l.rebroadcast(ctx, hash)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SuggestGasPrice returns the backend's current gas price, so a ledger can
// serve as the fee coordinator's gas oracle.
func (l *Ledger) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return l.backend.SuggestGasPrice(ctx)
}

func (l *Ledger) readUint(ctx context.Context, method string, data []byte) (*big.Int, error) {
	msg := ethereum.CallMsg{
		To:   &l.token,
		Data: data,
	}
	result, err := l.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call %s failed: %w", method, err)
	}
	return agentevm.UnpackUint256(method, result)
}

// send signs and broadcasts a call to the token. Failures before the
// broadcast, and rejections answered by the node, are marked
// NotSubmitted. Any other broadcast failure returns the signed hash with
// the error; the transaction is kept for rebroadcast.
func (l *Ledger) send(ctx context.Context, data []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.backend.PendingNonceAt(ctx, l.address)
	if err != nil {
		return "", agentpay.NotSubmitted(fmt.Errorf("failed to get nonce: %w", err))
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", agentpay.NotSubmitted(fmt.Errorf("failed to get gas price: %w", err))
	}
	gas, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: l.address,
		To:   &l.token,
		Data: data,
	})
	if err != nil {
		return "", agentpay.NotSubmitted(fmt.Errorf("failed to estimate gas: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.token,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.privateKey)
	if err != nil {
		return "", agentpay.NotSubmitted(fmt.Errorf("failed to sign transaction: %w", err))
	}
	hash := signedTx.Hash()
	if err := l.backend.SendTransaction(ctx, signedTx); err != nil {
		if alreadyKnown(err) {
			return hash.Hex(), nil
		}
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return "", agentpay.NotSubmitted(fmt.Errorf("transaction rejected: %w", err))
		}
		l.inFlightMu.Lock()
		l.inFlight[hash] = signedTx
		l.inFlightMu.Unlock()
		return hash.Hex(), fmt.Errorf("failed to send transaction %s: %w", hash.Hex(), err)
	}
	return hash.Hex(), nil
}

func (l *Ledger) rebroadcast(ctx context.Context, hash common.Hash) {
	l.inFlightMu.Lock()
	tx, ok := l.inFlight[hash]
	l.inFlightMu.Unlock()
	if !ok {
		return
	}
	if err := l.backend.SendTransaction(ctx, tx); err == nil || alreadyKnown(err) {
		l.forget(hash)
	}
}

func (l *Ledger) forget(hash common.Hash) {
	l.inFlightMu.Lock()
	delete(l.inFlight, hash)
	l.inFlightMu.Unlock()
}

func alreadyKnown(err error) bool {
	return strings.Contains(err.Error(), "already known")
}
