package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	for _, network := range []NetworkType{Mainnet, Testnet} {
		cfg := Default(network)
		if err := Validate(cfg); err != nil {
			t.Errorf("Default(%s) invalid: %v", network, err)
		}
	}
	if Default(Testnet).Matchmaking.URL != TestnetMatchmakingURL {
		t.Error("testnet should use the development matchmaking URL")
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"level zero", func(c *Config) { c.Node.Level = 0 }},
		{"level six", func(c *Config) { c.Node.Level = 6 }},
		{"item cap zero", func(c *Config) { c.Node.BlockItemCap = 0 }},
		{"item cap over ceiling", func(c *Config) { c.Node.BlockItemCap = MaxBlockItems + 1 }},
		{"zero interval", func(c *Config) { c.Broadcast.Interval = 0 }},
		{"negative retries", func(c *Config) { c.Broadcast.MaxRetries = -1 }},
		{"missing l3 count", func(c *Config) { c.Broadcast.Required[3] = 0 }},
		{"max level one", func(c *Config) { c.Broadcast.MaxLevel = 1 }},
		{"bad matchmaking url", func(c *Config) { c.Matchmaking.URL = "ftp://x" }},
		{"bad network", func(c *Config) { c.Network = "devnet" }},
		{"l5 without interchain", func(c *Config) { c.Node.Level = 5 }},
		{"unknown notify level", func(c *Config) {
			c.Notify.VerificationURLs = map[string][]string{"l9": {"http://x"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMainnet()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_MaxLevelIgnoresHigherCounts(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.Broadcast.MaxLevel = 3
	cfg.Broadcast.Required[4] = 0
	cfg.Broadcast.Required[5] = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRequired(t *testing.T) {
	base := [6]int{0, 0, 3, 2, 2, 1}

	got, err := parseRequired(base, "l2=5, L4=1")
	if err != nil {
		t.Fatalf("parseRequired: %v", err)
	}
	if want := [6]int{0, 0, 5, 2, 1, 1}; got != want {
		t.Errorf("keyed: got %v, want %v", got, want)
	}

	got, err = parseRequired(base, "1,1,1,1")
	if err != nil {
		t.Fatalf("parseRequired: %v", err)
	}
	if want := [6]int{0, 0, 1, 1, 1, 1}; got != want {
		t.Errorf("positional: got %v, want %v", got, want)
	}

	for _, bad := range []string{"l1=2", "l6=1", "l2=x", "1,1,1,1,1", "lx=1"} {
		if _, err := parseRequired(base, bad); err == nil {
			t.Errorf("parseRequired(%q): expected error", bad)
		}
	}
}

func TestApplyFileConfig(t *testing.T) {
	cfg := DefaultMainnet()
	err := ApplyFileConfig(cfg, map[string]string{
		"level":                                 "2",
		"broadcast_interval_seconds":            "3",
		"max_retries":                           "9",
		"block_item_cap":                        "250",
		"required_verification_count_per_level": "l2=4",
		"matchmaking.registration_interval":     "10m",
		"queue.redis_url":                       "redis://localhost:6379/1",
		"notify.verification_urls.l5":           "http://a, http://b",
		"unknown.key":                           "ignored",
	})
	if err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.Node.Level != 2 {
		t.Errorf("level = %d, want 2", cfg.Node.Level)
	}
	if cfg.Broadcast.Interval != 3*time.Second {
		t.Errorf("interval = %v, want 3s", cfg.Broadcast.Interval)
	}
	if cfg.Broadcast.MaxRetries != 9 {
		t.Errorf("max retries = %d, want 9", cfg.Broadcast.MaxRetries)
	}
	if cfg.Node.BlockItemCap != 250 {
		t.Errorf("block item cap = %d, want 250", cfg.Node.BlockItemCap)
	}
	if cfg.Broadcast.RequiredFor(2) != 4 || cfg.Broadcast.RequiredFor(3) != 2 {
		t.Errorf("required = %v", cfg.Broadcast.Required)
	}
	if cfg.Matchmaking.RegistrationInterval != 10*time.Minute {
		t.Errorf("registration interval = %v", cfg.Matchmaking.RegistrationInterval)
	}
	if cfg.Queue.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("redis url = %q", cfg.Queue.RedisURL)
	}
	if urls := cfg.Notify.VerificationURLs["l5"]; len(urls) != 2 || urls[1] != "http://b" {
		t.Errorf("verification urls = %v", cfg.Notify.VerificationURLs)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyFileConfig_BadValue(t *testing.T) {
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, map[string]string{"max_retries": "many"}); err == nil {
		t.Error("expected error for non-numeric max_retries")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dragonnet.conf")
	content := "# comment\n\nlevel = 3\nlog.level = \"debug\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if values["level"] != "3" || values["log.level"] != "debug" {
		t.Errorf("values = %v", values)
	}

	if err := os.WriteFile(path, []byte("no equals sign\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected format error")
	}

	values, err = LoadFile(filepath.Join(t.TempDir(), "missing.conf"))
	if err != nil || len(values) != 0 {
		t.Errorf("missing file: values=%v err=%v", values, err)
	}
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{
		"--level=4", "--max-retries=0", "--required=l4=1",
		"--broadcast-interval=2", "--rpc=false",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	cfg := DefaultMainnet()
	if err := ApplyFlags(cfg, f); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if cfg.Node.Level != 4 {
		t.Errorf("level = %d, want 4", cfg.Node.Level)
	}
	if cfg.Broadcast.MaxRetries != 0 {
		t.Errorf("explicit --max-retries=0 not applied: %d", cfg.Broadcast.MaxRetries)
	}
	if cfg.Broadcast.RequiredFor(4) != 1 {
		t.Errorf("required l4 = %d, want 1", cfg.Broadcast.RequiredFor(4))
	}
	if cfg.Broadcast.Interval != 2*time.Second {
		t.Errorf("interval = %v", cfg.Broadcast.Interval)
	}
	if cfg.RPC.Enabled {
		t.Error("rpc should be disabled")
	}
}

func TestParseFlags_PositionalStopsParsing(t *testing.T) {
	if _, err := ParseFlags([]string{"extra", "--level=2"}); err == nil {
		t.Error("expected error for flag after positional argument")
	}
}

func TestEnsureDataDirs(t *testing.T) {
	cfg := DefaultTestnet()
	cfg.DataDir = t.TempDir()
	if err := EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}
	for _, dir := range []string{cfg.DBDir(), cfg.KeystoreDir(), cfg.LogsDir()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("missing %s: %v", dir, err)
		}
	}

	// The generated file must round-trip through the loader.
	values, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	loaded := DefaultTestnet()
	loaded.DataDir = cfg.DataDir
	if err := ApplyFileConfig(loaded, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if err := Validate(loaded); err != nil {
		t.Fatalf("generated config invalid: %v", err)
	}
	if loaded.Network != Testnet || loaded.RPC.Port != 8180 {
		t.Errorf("network=%s rpc port=%d", loaded.Network, loaded.RPC.Port)
	}
}

func TestBroadcastBackoff(t *testing.T) {
	b := DefaultMainnet().Broadcast
	if b.Backoff(2) != b.RetryBackoff {
		t.Errorf("Backoff(2) = %v", b.Backoff(2))
	}
	want := L5BroadcastWait(b.L5Network, b.L5Interval)
	if b.Backoff(5) != want {
		t.Errorf("Backoff(5) = %v, want %v", b.Backoff(5), want)
	}
}
