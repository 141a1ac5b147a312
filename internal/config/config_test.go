package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/pkg/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Chain.ChainID != 137 {
		t.Errorf("expected chain id 137, got %d", cfg.Chain.ChainID)
	}
	if cfg.Chain.Retry.BaseDelay().Milliseconds() != 500 || cfg.Chain.Retry.MaxRetries != 4 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Chain.Retry)
	}
	if cfg.Inventory.StrategyTimeout().Seconds() != 8 {
		t.Errorf("expected 8s strategy timeout, got %v", cfg.Inventory.StrategyTimeout())
	}
	if cfg.Inventory.RefreshInterval().Seconds() != 60 {
		t.Errorf("expected 60s inventory refresh, got %v", cfg.Inventory.RefreshInterval())
	}
	if cfg.State.RefreshInterval().Seconds() != 30 || cfg.State.Debounce().Milliseconds() != 500 {
		t.Errorf("unexpected state defaults: %+v", cfg.State)
	}
	if !cfg.Dashboard.HideBlacklisted {
		t.Error("blacklisted ids should be hidden by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"zero chain id", func(c *Config) { c.Chain.ChainID = 0 }, "chain_id"},
		{"no rpc", func(c *Config) { c.Chain.RPCURL = ""; c.Chain.RPCURLs = nil }, "rpc_url"},
		{"missing staking", func(c *Config) { c.Contracts.Staking = "" }, "contracts.staking"},
		{"zero token", func(c *Config) { c.Contracts.RewardToken = "0x" + strings.Repeat("0", 40) }, "zero address"},
		{"short referral", func(c *Config) { c.Contracts.ReferralManager = "0x1234" }, "42 characters"},
		{"bad wallet address", func(c *Config) { c.Wallet.Address = "0xZZ" + strings.Repeat("1", 38) }, "invalid hex"},
		{"jitter out of range", func(c *Config) { c.Chain.Retry.Jitter = 1.5 }, "jitter"},
		{"no workers", func(c *Config) { c.Dashboard.BlacklistWorkers = 0 }, "blacklist_workers"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResolveTiers(t *testing.T) {
	cfg := DefaultConfig()
	plan := uint8(2)
	lo, hi := uint32(7_000_001), uint32(8_000_000)
	cfg.Tiers = map[string]TierOverride{
		"Starter": {Collection: "0x00000000000000000000000000000000000000aa", DefaultPlan: &plan},
		"legend":  {Name: "Legend", Collection: "0x00000000000000000000000000000000000000bb", IDMin: &lo, IDMax: &hi},
	}

	tiers, err := cfg.ResolveTiers()
	if err != nil {
		t.Fatalf("ResolveTiers: %v", err)
	}
	if len(tiers) != 7 {
		t.Fatalf("expected 7 tiers, got %d", len(tiers))
	}
	starter, _ := types.FindTier(tiers, "starter")
	if starter.Collection != common.HexToAddress("0xaa") || starter.DefaultPlan != types.Plan12Months {
		t.Errorf("override not applied: %+v", starter)
	}
	if starter.IDMin != 1 || starter.IDMax != 1_000_000 {
		t.Errorf("range should be untouched: %+v", starter)
	}
	legend, ok := types.FindTier(tiers, "legend")
	if !ok || legend.Name != "Legend" || legend.IDMin != lo {
		t.Errorf("extra tier not defined: %+v", legend)
	}
}

func TestResolveTiersRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	lo, hi := uint32(10), uint32(5)
	cfg.Tiers = map[string]TierOverride{"vip": {IDMin: &lo, IDMax: &hi}}
	if _, err := cfg.ResolveTiers(); !errors.Is(err, types.ErrInvalidTier) {
		t.Errorf("expected ErrInvalidTier, got %v", err)
	}

	cfg.Tiers = map[string]TierOverride{"new": {Collection: "0x00000000000000000000000000000000000000aa"}}
	if _, err := cfg.ResolveTiers(); !errors.Is(err, types.ErrInvalidTier) {
		t.Errorf("incomplete new tier should fail, got %v", err)
	}
}

func TestResolvedRPCURLs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chain.RPCURL = "https://a"
	cfg.Chain.RPCURLs = []string{"https://b", "https://a", "", "https://c"}
	got := cfg.ResolvedRPCURLs()
	want := []string{"https://a", "https://b", "https://c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.ChainID != 137 {
		t.Errorf("expected defaults, got chain %d", cfg.Chain.ChainID)
	}
}

func TestLoadAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Chain.ChainID = 80002
	cfg.Dashboard.HideBlacklisted = false
	cfg.Log.Format = "text"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Chain.ChainID != 80002 || loaded.Dashboard.HideBlacklisted || loaded.Log.Format != "text" {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("chain: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}

	if err := os.WriteFile(path, []byte("chain:\n  chain_id: -1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	t.Setenv(EnvIndexerAPIKey, "env-key")
	t.Setenv(EnvRPCURL, "https://env-rpc")
	t.Setenv(EnvSigner, "http://127.0.0.1:8550")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Indexer.APIKey != "env-key" || !cfg.Indexer.Active() {
		t.Errorf("indexer key not applied: %+v", cfg.Indexer)
	}
	if cfg.Chain.RPCURL != "https://env-rpc" {
		t.Errorf("rpc url not applied: %s", cfg.Chain.RPCURL)
	}
	if cfg.Wallet.Signer != "http://127.0.0.1:8550" {
		t.Errorf("signer not applied: %s", cfg.Wallet.Signer)
	}
}

func TestIndexerInactiveWithoutKey(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Indexer.Active() {
		t.Error("indexer should be inactive without an api key")
	}
}
