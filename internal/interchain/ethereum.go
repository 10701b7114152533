package interchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// ethGasLimit covers a zero-value transfer carrying a 32-byte payload.
const ethGasLimit = 60000

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Ethereum checkpoints through an Ethereum-family node whose wallet holds
// the funding account.
type Ethereum struct {
	client  *rpcclient.Client
	params  config.CheckpointNetwork
	account string
	fees    feeRetry
}

// NewEthereum creates an adapter for an Ethereum-family network.
func NewEthereum(cfg config.InterchainConfig, params config.CheckpointNetwork) *Ethereum {
	return &Ethereum{
		client:  rpcclient.New(cfg.RPCURL),
		params:  params,
		account: cfg.Wallet,
		fees:    newFeeRetry(cfg.FeeRetries),
	}
}

// Network returns the network name.
func (e *Ethereum) Network() string { return e.params.Name }

// Submit sends a zero-value transaction to the zero address with hash as
// its data.
func (e *Ethereum) Submit(ctx context.Context, hash types.Hash) (string, error) {
	gasPrice, err := e.gasPrice(ctx)
	if err != nil {
		return "", err
	}

	tx := map[string]string{
		"from":     e.account,
		"to":       zeroAddress,
		"value":    "0x0",
		"gas":      toQuantity(big.NewInt(ethGasLimit)),
		"gasPrice": toQuantity(gasPrice),
		"data":     "0x" + hex.EncodeToString(hash[:]),
	}
	var txHash string
	if err := e.client.Call(ctx, "eth_sendTransaction", []interface{}{tx}, &txHash); err != nil {
		return "", fmt.Errorf("eth_sendTransaction: %w", err)
	}
	log.Interchain.Info().Str("network", e.params.Name).Str("tx", txHash).Str("hash", hash.Short()).Msg("Checkpoint submitted")
	return txHash, nil
}

// IsConfirmed reports whether txID is mined at least the network's
// confirmation count deep.
func (e *Ethereum) IsConfirmed(ctx context.Context, txID string) (bool, error) {
	var txn *struct {
		BlockNumber *string `json:"blockNumber"`
	}
	if err := e.client.Call(ctx, "eth_getTransactionByHash", []interface{}{txID}, &txn); err != nil {
		return false, fmt.Errorf("eth_getTransactionByHash: %w", err)
	}
	if txn == nil {
		return false, fmt.Errorf("%w: %s", ErrTxNotFound, txID)
	}
	if txn.BlockNumber == nil {
		return false, nil
	}

	var receipt *struct {
		BlockNumber string `json:"blockNumber"`
	}
	if err := e.client.Call(ctx, "eth_getTransactionReceipt", []interface{}{txID}, &receipt); err != nil {
		return false, fmt.Errorf("eth_getTransactionReceipt: %w", err)
	}
	if receipt == nil {
		return false, nil
	}
	mined, err := parseUintQuantity(receipt.BlockNumber)
	if err != nil {
		return false, err
	}
	current, err := e.CurrentBlock(ctx)
	if err != nil {
		return false, err
	}
	return current >= mined && current-mined >= e.params.Confirmations, nil
}

// CurrentBlock returns eth_blockNumber.
func (e *Ethereum) CurrentBlock(ctx context.Context) (uint64, error) {
	var q string
	if err := e.client.Call(ctx, "eth_blockNumber", nil, &q); err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return parseUintQuantity(q)
}

// ShouldRebroadcast reports whether the rebroadcast threshold has passed.
func (e *Ethereum) ShouldRebroadcast(ctx context.Context, sentAt uint64) (bool, error) {
	current, err := e.CurrentBlock(ctx)
	if err != nil {
		return false, err
	}
	return rebroadcastDue(current, sentAt, e.params.RebroadcastAge), nil
}

// Balance returns the funding account's balance in wei.
func (e *Ethereum) Balance(ctx context.Context) (*big.Int, error) {
	var q string
	if err := e.client.Call(ctx, "eth_getBalance", []interface{}{e.account, "latest"}, &q); err != nil {
		return nil, fmt.Errorf("eth_getBalance: %w", err)
	}
	return parseQuantity(q)
}

// FeeEstimate returns gas price times the checkpoint gas limit, in wei.
func (e *Ethereum) FeeEstimate(ctx context.Context) (*big.Int, error) {
	price, err := e.gasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(price, big.NewInt(ethGasLimit)), nil
}

func (e *Ethereum) gasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := e.fees.do(ctx, e.params.Name, func() error {
		var q string
		if err := e.client.Call(ctx, "eth_gasPrice", nil, &q); err != nil {
			return err
		}
		p, err := parseQuantity(q)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	return price, err
}

// parseQuantity decodes a hex-encoded JSON-RPC quantity.
func parseQuantity(q string) (*big.Int, error) {
	digits, ok := strings.CutPrefix(q, "0x")
	if !ok || digits == "" {
		return nil, fmt.Errorf("invalid quantity %q", q)
	}
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", q)
	}
	return v, nil
}

func parseUintQuantity(q string) (uint64, error) {
	digits, ok := strings.CutPrefix(q, "0x")
	if !ok {
		return 0, fmt.Errorf("invalid quantity %q", q)
	}
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q: %w", q, err)
	}
	return v, nil
}

func toQuantity(v *big.Int) string {
	return "0x" + v.Text(16)
}
