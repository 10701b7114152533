package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.Node.Level < 1 || cfg.Node.Level > 5 {
		return fmt.Errorf("level must be in range [1, 5], got %d", cfg.Node.Level)
	}
	if cfg.Node.BlockItemCap < 1 || cfg.Node.BlockItemCap > MaxBlockItems {
		return fmt.Errorf("block_item_cap must be in range [1, %d]", MaxBlockItems)
	}
	if cfg.Node.BlockInterval <= 0 {
		return fmt.Errorf("node.block_interval must be positive")
	}

	b := cfg.Broadcast
	if b.Interval <= 0 {
		return fmt.Errorf("broadcast_interval_seconds must be positive")
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if b.RequestDeadline <= 0 || b.RetryBackoff <= 0 {
		return fmt.Errorf("broadcast.request_deadline and broadcast.retry_backoff must be positive")
	}
	if b.MaxLevel < 2 || b.MaxLevel > 5 {
		return fmt.Errorf("broadcast.max_level must be in range [2, 5]")
	}
	for lvl := 2; lvl <= b.MaxLevel; lvl++ {
		if b.Required[lvl] < 1 {
			return fmt.Errorf("required_verification_count_per_level: l%d must be at least 1", lvl)
		}
	}

	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.Notify.MaxAttempts < 1 {
		return fmt.Errorf("notify.max_attempts must be at least 1")
	}
	for key := range cfg.Notify.VerificationURLs {
		if key != "all" && !(len(key) == 2 && key[0] == 'l' && key[1] >= '2' && key[1] <= '5') {
			return fmt.Errorf("notify.verification_urls: unknown level %q", key)
		}
	}

	if err := validateURL("matchmaking.url", cfg.Matchmaking.URL, true); err != nil {
		return err
	}
	if err := validateURL("contract.url", cfg.Contract.URL, false); err != nil {
		return err
	}
	if cfg.Node.Level == 5 {
		if cfg.Interchain.Network == "" || cfg.Interchain.RPCURL == "" {
			return fmt.Errorf("level 5 requires interchain.network and interchain.rpc_url")
		}
		if _, err := CheckpointNetworkFor(cfg.Interchain.Network); err != nil {
			return err
		}
	}
	if cfg.Queue.RedisURL != "" && !strings.HasPrefix(cfg.Queue.RedisURL, "redis") {
		return fmt.Errorf("queue.redis_url must be a redis:// or rediss:// URL")
	}
	return nil
}

func validateURL(field, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	return nil
}
