// Package config handles node configuration.
//
// Configuration is split into two categories:
//   - Protocol limits: fixed in protocol.go, must match across Dragon Net peers
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType selects which Dragon Net (production or development) the node
// joins.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	Node        NodeConfig
	Broadcast   BroadcastConfig
	Matchmaking MatchmakingConfig
	Contract    ContractConfig
	RPC         RPCConfig
	P2P         P2PConfig
	Queue       QueueConfig
	Interchain  InterchainConfig
	Notify      NotifyConfig
	Metrics     MetricsConfig
	Log         LogConfig
}

// NodeConfig holds the chain's identity and block production settings.
type NodeConfig struct {
	Level         int           `conf:"level"`
	KeyFile       string        `conf:"node.keyfile"`  // Encrypted chain key
	Endpoint      string        `conf:"node.endpoint"` // Public URL peers use to reach this node
	BlockInterval time.Duration `conf:"node.block_interval"`
	BlockItemCap  int           `conf:"block_item_cap"`
	Region        string        `conf:"node.region"`
	Cloud         string        `conf:"node.cloud"`
	DDSS          uint64        `conf:"node.ddss"` // Declared security score reported in L2 blocks
}

// BroadcastConfig holds broadcast scheduler settings.
type BroadcastConfig struct {
	Interval        time.Duration `conf:"broadcast_interval_seconds"`
	MaxRetries      int           `conf:"max_retries"`
	RequestDeadline time.Duration `conf:"broadcast.request_deadline"`
	RetryBackoff    time.Duration `conf:"broadcast.retry_backoff"`
	MaxLevel        int           `conf:"broadcast.max_level"`
	L5Network       string        `conf:"broadcast.l5_network"`  // Network L5 verifiers checkpoint to
	L5Interval      time.Duration `conf:"broadcast.l5_interval"` // L5 verifiers' block interval
	// Required is indexed by level; only entries 2..5 are used.
	Required [6]int `conf:"required_verification_count_per_level"`
}

// Backoff returns how long the scheduler waits for verifications at level
// before retrying. L5 waits for checkpoint confirmation.
func (b BroadcastConfig) Backoff(level int) time.Duration {
	if level == 5 {
		return L5BroadcastWait(b.L5Network, b.L5Interval)
	}
	return b.RetryBackoff
}

// RequiredFor returns the verification count required at level.
func (b BroadcastConfig) RequiredFor(level int) int {
	if level < 0 || level >= len(b.Required) {
		return 0
	}
	return b.Required[level]
}

// MatchmakingConfig holds peer directory settings.
type MatchmakingConfig struct {
	URL                  string        `conf:"matchmaking.url"`
	Token                string        `conf:"matchmaking.token"`
	RegistrationInterval time.Duration `conf:"matchmaking.registration_interval"`
	RequestTimeout       time.Duration `conf:"matchmaking.timeout"`
}

// ContractConfig holds the business-rule validator used at L2.
type ContractConfig struct {
	URL     string        `conf:"contract.url"` // Empty accepts every transaction
	Timeout time.Duration `conf:"contract.timeout"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled    bool     `conf:"rpc.enabled"`
	Addr       string   `conf:"rpc.addr"`
	Port       int      `conf:"rpc.port"`
	AllowedIPs []string `conf:"rpc.allowed"`
	RateLimit  float64  `conf:"rpc.ratelimit"` // Requests per second per IP (0 = unlimited)
	RateBurst  int      `conf:"rpc.burst"`
}

// P2PConfig holds the libp2p verification transport settings.
type P2PConfig struct {
	Enabled    bool   `conf:"p2p.enabled"`
	ListenAddr string `conf:"p2p.listen"`
	Port       int    `conf:"p2p.port"`
}

// QueueConfig selects the transaction queue backend.
type QueueConfig struct {
	RedisURL string `conf:"queue.redis_url"` // Empty uses the node database
}

// InterchainConfig holds the L5 checkpoint network settings.
type InterchainConfig struct {
	Network    string        `conf:"interchain.network"`
	RPCURL     string        `conf:"interchain.rpc_url"`
	Wallet     string        `conf:"interchain.wallet"`
	FeeRetries int           `conf:"interchain.fee_retries"`
	PollEvery  time.Duration `conf:"interchain.poll_interval"`
}

// NotifyConfig holds receipt notifier settings.
type NotifyConfig struct {
	MaxAttempts int `conf:"notify.max_attempts"`
	// VerificationURLs maps "all" or "l2".."l5" to URLs notified when this
	// chain's blocks receive a verification at that level.
	VerificationURLs map[string][]string `conf:"notify.verification_urls"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `conf:"metrics.enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.dragonnet
//	macOS:   ~/Library/Application Support/Dragonnet
//	Windows: %APPDATA%\Dragonnet
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dragonnet"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Dragonnet")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Dragonnet")
		}
		return filepath.Join(home, "AppData", "Roaming", "Dragonnet")
	default:
		return filepath.Join(home, ".dragonnet")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DBDir returns the node database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.ChainDataDir(), "db")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// KeyPath returns the chain key file path.
func (c *Config) KeyPath() string {
	if c.Node.KeyFile != "" {
		return c.Node.KeyFile
	}
	return filepath.Join(c.KeystoreDir(), "chain.key")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "dragonnet.conf")
}
