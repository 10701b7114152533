package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/interchain"
	"github.com/Klingon-tech/dragonnet-node/internal/queue"
	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/internal/verify"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openQueue selects the Redis queue when a URL is configured and the
// node database otherwise.
func openQueue(ctx context.Context, cfg config.QueueConfig, db storage.DB) (queue.Queue, error) {
	if cfg.RedisURL != "" {
		q, err := queue.NewRedis(ctx, cfg.RedisURL, queue.DefaultRedisNamespace)
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		return q, nil
	}
	q, err := queue.NewStore(ctx, storage.NewPrefixDB(db, prefixQueue))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

// contractValidator returns the L2 business-rule validator. Without a
// contract runner every transaction is valid.
func contractValidator(cfg config.ContractConfig) verify.ContractValidator {
	if cfg.URL == "" {
		return verify.AcceptAll{}
	}
	return verify.NewHTTPValidator(cfg.URL, cfg.Timeout)
}

// openAdapter creates the interchain adapter for an L5 node.
func openAdapter(cfg config.InterchainConfig) (interchain.Adapter, error) {
	if cfg.Network == "" {
		return nil, fmt.Errorf("level 5 requires interchain.network")
	}
	adapter, err := interchain.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create interchain adapter: %w", err)
	}
	return adapter, nil
}

// checkpointNetwork is the network an L5 node advertises in the directory.
func checkpointNetwork(cfg *config.Config, level types.Level) string {
	if level != types.L5 {
		return ""
	}
	return cfg.Interchain.Network
}
