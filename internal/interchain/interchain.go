// Package interchain publishes L5 checkpoints to public blockchains and
// tracks their confirmation.
package interchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Adapter errors.
var (
	// ErrTxNotFound means the network no longer knows a submitted
	// transaction, usually because it was dropped from the mempool.
	ErrTxNotFound = errors.New("interchain: transaction not found")

	ErrFeeEstimate = &types.Category{Kind: types.ErrTransient, Err: errors.New("interchain: fee estimation failed")}
	ErrUnavailable = &types.Category{Kind: types.ErrTransient, Err: errors.New("interchain: network unavailable")}
)

// Adapter publishes a hash to a public chain.
type Adapter interface {
	// Network returns the configured checkpoint network name.
	Network() string
	// Submit publishes hash and returns the external transaction id.
	Submit(ctx context.Context, hash types.Hash) (string, error)
	// IsConfirmed reports whether txID has enough confirmations to be
	// final. It returns ErrTxNotFound for transactions the network dropped.
	IsConfirmed(ctx context.Context, txID string) (bool, error)
	// CurrentBlock returns the network's latest block height.
	CurrentBlock(ctx context.Context) (uint64, error)
	// ShouldRebroadcast reports whether a transaction sent at sentAt has
	// waited long enough unconfirmed to be sent again.
	ShouldRebroadcast(ctx context.Context, sentAt uint64) (bool, error)
	// Balance returns the funding wallet balance in the network's base unit.
	Balance(ctx context.Context) (*big.Int, error)
	// FeeEstimate returns the expected cost of one checkpoint in the
	// network's base unit.
	FeeEstimate(ctx context.Context) (*big.Int, error)
}

// New creates the adapter for cfg.Network.
func New(cfg config.InterchainConfig) (Adapter, error) {
	params, err := config.CheckpointNetworkFor(cfg.Network)
	if err != nil {
		return nil, err
	}
	switch params.Family {
	case "eth":
		return NewEthereum(cfg, params), nil
	case "btc":
		return NewBitcoin(cfg, params)
	default:
		return nil, fmt.Errorf("interchain: no adapter for %s networks", params.Family)
	}
}

// feeRetry retries fee estimation with exponential backoff.
type feeRetry struct {
	attempts int
	delay    time.Duration
}

func newFeeRetry(attempts int) feeRetry {
	if attempts <= 0 {
		attempts = 5
	}
	return feeRetry{attempts: attempts, delay: time.Second}
}

func (r feeRetry) do(ctx context.Context, network string, fn func() error) error {
	delay := r.delay
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == r.attempts {
			break
		}
		log.Interchain.Warn().Err(err).Str("network", network).Int("attempt", attempt).Msg("Fee estimate failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %s: %v", ErrFeeEstimate, network, err)
}

// rebroadcastDue compares the blocks elapsed since sentAt with the
// network's threshold. A zero threshold never rebroadcasts.
func rebroadcastDue(current, sentAt, threshold uint64) bool {
	if threshold == 0 || current < sentAt {
		return false
	}
	return current-sentAt > threshold
}
