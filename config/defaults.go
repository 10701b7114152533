package config

import "time"

// Matchmaking endpoints per network.
const (
	MainnetMatchmakingURL = "https://matchmaking.api.dragonchain.com"
	TestnetMatchmakingURL = "https://matchmaking-dev.api.dragonchain.com"
)

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Node: NodeConfig{
			Level:         1,
			BlockInterval: 5 * time.Second,
			BlockItemCap:  MaxBlockItems,
		},
		Broadcast: BroadcastConfig{
			Interval:        time.Second,
			MaxRetries:      5,
			RequestDeadline: 30 * time.Second,
			RetryBackoff:    35 * time.Second,
			MaxLevel:        5,
			L5Network:       "bitcoin",
			L5Interval:      5 * time.Minute,
			Required:        [6]int{0, 0, 3, 2, 2, 1},
		},
		Matchmaking: MatchmakingConfig{
			URL:                  MainnetMatchmakingURL,
			RegistrationInterval: 25 * time.Minute,
			RequestTimeout:       30 * time.Second,
		},
		Contract: ContractConfig{
			Timeout: 10 * time.Second,
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "0.0.0.0",
			Port:       8080,
			AllowedIPs: []string{},
			RateLimit:  50,
			RateBurst:  100,
		},
		P2P: P2PConfig{
			Enabled:    false,
			ListenAddr: "0.0.0.0",
			Port:       30333,
		},
		Interchain: InterchainConfig{
			FeeRetries: 5,
			PollEvery:  time.Minute,
		},
		Notify: NotifyConfig{
			MaxAttempts: 5,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Matchmaking.URL = TestnetMatchmakingURL
	cfg.RPC.Port = 8180
	cfg.P2P.Port = 30334
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	if network == Testnet {
		return DefaultTestnet()
	}
	return DefaultMainnet()
}
