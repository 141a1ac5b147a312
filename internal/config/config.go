package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/moltbunker/stakedash/pkg/types"
)

// Environment overrides for values that should not live in the file.
const (
	EnvIndexerAPIKey = "STAKEDASH_INDEXER_API_KEY"
	EnvSigner        = "STAKEDASH_SIGNER"
	EnvRPCURL        = "STAKEDASH_RPC_URL"
)

// Config represents the complete dashboard configuration
type Config struct {
	Chain     ChainConfig             `yaml:"chain"`
	Wallet    WalletConfig            `yaml:"wallet"`
	Contracts ContractsConfig         `yaml:"contracts"`
	Tiers     map[string]TierOverride `yaml:"tiers,omitempty"`
	Indexer   IndexerConfig           `yaml:"indexer"`
	Inventory InventoryConfig         `yaml:"inventory"`
	State     StateConfig             `yaml:"state"`
	Dashboard DashboardConfig         `yaml:"dashboard"`
	API       APIConfig               `yaml:"api"`
	Log       LogConfig               `yaml:"log"`
}

// ChainConfig contains RPC and retry settings
type ChainConfig struct {
	ChainID              int64    `yaml:"chain_id"`
	RPCURL               string   `yaml:"rpc_url"`  // Primary RPC endpoint
	RPCURLs              []string `yaml:"rpc_urls"` // Additional RPC endpoints for read failover
	BlockConfirmations   int      `yaml:"block_confirmations"`
	ViewTimeoutSecs      int      `yaml:"view_timeout_secs"`
	EndpointRecoverySecs int      `yaml:"endpoint_recovery_secs"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig is the view-call retry policy
type RetryConfig struct {
	BaseDelayMs int     `yaml:"base_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxRetries  int     `yaml:"max_retries"`
	Jitter      float64 `yaml:"jitter"`
}

// WalletConfig selects how the connected account is obtained. Signer is a
// clef endpoint (IPC path or http URL); Address alone gives a read-only session.
type WalletConfig struct {
	Signer           string `yaml:"signer"`
	Address          string `yaml:"address"`
	PollIntervalSecs int    `yaml:"poll_interval_secs"`
}

// ContractsConfig holds the external contract addresses
type ContractsConfig struct {
	Staking         string `yaml:"staking"`
	RewardToken     string `yaml:"reward_token"`
	ReferralManager string `yaml:"referral_manager"`
}

// TierOverride replaces fields of a built-in tier, or defines a new one when
// all of collection, id_min and id_max are set.
type TierOverride struct {
	Name        string  `yaml:"name,omitempty"`
	Collection  string  `yaml:"collection,omitempty"`
	IDMin       *uint32 `yaml:"id_min,omitempty"`
	IDMax       *uint32 `yaml:"id_max,omitempty"`
	DefaultPlan *uint8  `yaml:"default_plan,omitempty"`
}

// IndexerConfig configures the optional NFT index provider
type IndexerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	BaseURL      string  `yaml:"base_url"`
	APIKey       string  `yaml:"api_key"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	PageSize     int     `yaml:"page_size"`
}

// Active reports whether indexer queries should be attempted.
func (ic IndexerConfig) Active() bool {
	return ic.Enabled && ic.APIKey != "" && ic.BaseURL != ""
}

// InventoryConfig contains wallet scan settings
type InventoryConfig struct {
	StrategyTimeoutSecs int `yaml:"strategy_timeout_secs"`
	RefreshIntervalSecs int `yaml:"refresh_interval_secs"`
}

// StateConfig contains snapshot polling settings
type StateConfig struct {
	RefreshIntervalSecs int `yaml:"refresh_interval_secs"`
	DebounceMs          int `yaml:"debounce_ms"`
}

// DashboardConfig contains view composition settings
type DashboardConfig struct {
	HideBlacklisted  bool `yaml:"hide_blacklisted"`
	ToastTTLSecs     int  `yaml:"toast_ttl_secs"`
	BlacklistWorkers int  `yaml:"blacklist_workers"`
	TickIntervalMs   int  `yaml:"tick_interval_ms"`
}

// APIConfig contains HTTP server settings
type APIConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// Rate limiting
	RateLimitRequests   int `yaml:"rate_limit_requests"`    // Max requests per window
	RateLimitWindowSecs int `yaml:"rate_limit_window_secs"` // Window duration in seconds
	RateLimitBurst      int `yaml:"rate_limit_burst"`

	MaxRequestSize int `yaml:"max_request_size"` // Max request body size in bytes

	// Timeouts
	ReadTimeoutSecs  int `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int `yaml:"write_timeout_secs"`
	IdleTimeoutSecs  int `yaml:"idle_timeout_secs"`

	// Origins allowed to open the websocket stream (empty = same host only)
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Proxy trust (only enable behind a trusted reverse proxy)
	TrustProxy bool `yaml:"trust_proxy"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// DefaultAPIConfig returns the default API configuration
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		HTTPAddr:            "127.0.0.1:8080",
		RateLimitRequests:   120,
		RateLimitWindowSecs: 60,
		RateLimitBurst:      20,
		MaxRequestSize:      64 * 1024,
		ReadTimeoutSecs:     30,
		WriteTimeoutSecs:    30,
		IdleTimeoutSecs:     120,
	}
}

// DefaultConfig returns the default configuration (Polygon mainnet deployment)
func DefaultConfig() *Config {
	return &Config{
		Chain: ChainConfig{
			ChainID:              137,
			RPCURL:               "https://polygon-rpc.com",
			BlockConfirmations:   1,
			ViewTimeoutSecs:      30,
			EndpointRecoverySecs: 30,
			Retry: RetryConfig{
				BaseDelayMs: 500,
				Multiplier:  2.0,
				MaxRetries:  4,
				Jitter:      0.25,
			},
		},
		Wallet: WalletConfig{
			PollIntervalSecs: 2,
		},
		Contracts: ContractsConfig{
			Staking:         "0x8157481610c639D210d74FA8419308DAAaAD566a",
			RewardToken:     "0x64487539aa9d61Bdc652A5755bbe30Ee96cFcEb2",
			ReferralManager: "0xF6EeC70971B7769Db3a7F3daffCF8F00AfeF47b9",
		},
		Indexer: IndexerConfig{
			Enabled:      true,
			BaseURL:      "https://polygon-mainnet.g.alchemy.com/nft/v2",
			RateLimitRPS: 5,
			PageSize:     100,
		},
		Inventory: InventoryConfig{
			StrategyTimeoutSecs: 8,
			RefreshIntervalSecs: 60,
		},
		State: StateConfig{
			RefreshIntervalSecs: 30,
			DebounceMs:          500,
		},
		Dashboard: DashboardConfig{
			HideBlacklisted:  true,
			ToastTTLSecs:     6,
			BlacklistWorkers: 4,
			TickIntervalMs:   1000,
		},
		API: DefaultAPIConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	cfg.Wallet.Signer = expandPath(cfg.Wallet.Signer)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays the STAKEDASH_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvIndexerAPIKey); v != "" {
		c.Indexer.APIKey = v
	}
	if v := os.Getenv(EnvSigner); v != "" {
		c.Wallet.Signer = v
	}
	if v := os.Getenv(EnvRPCURL); v != "" {
		c.Chain.RPCURL = v
	}
}

// Save writes the configuration to a YAML file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// May hold the indexer key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("invalid chain_id: %d", c.Chain.ChainID)
	}
	if len(c.ResolvedRPCURLs()) == 0 {
		return fmt.Errorf("at least one rpc_url is required")
	}
	if c.Chain.BlockConfirmations < 0 {
		return fmt.Errorf("block_confirmations must not be negative")
	}
	if c.Chain.ViewTimeoutSecs < 1 {
		return fmt.Errorf("view_timeout_secs must be at least 1")
	}
	r := c.Chain.Retry
	if r.BaseDelayMs < 1 || r.Multiplier < 1 || r.MaxRetries < 0 {
		return fmt.Errorf("invalid retry policy: base_delay_ms=%d multiplier=%v max_retries=%d", r.BaseDelayMs, r.Multiplier, r.MaxRetries)
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return fmt.Errorf("retry jitter must be in [0, 1), got %v", r.Jitter)
	}

	addrs := []struct{ name, addr string }{
		{"contracts.staking", c.Contracts.Staking},
		{"contracts.reward_token", c.Contracts.RewardToken},
		{"contracts.referral_manager", c.Contracts.ReferralManager},
	}
	for _, a := range addrs {
		if err := validateEthAddress(a.name, a.addr); err != nil {
			return err
		}
	}
	if c.Wallet.Address != "" {
		if err := validateEthAddress("wallet.address", c.Wallet.Address); err != nil {
			return err
		}
	}

	if _, err := c.ResolveTiers(); err != nil {
		return err
	}

	if c.Indexer.Enabled && c.Indexer.PageSize < 1 {
		return fmt.Errorf("indexer.page_size must be at least 1")
	}
	if c.Inventory.StrategyTimeoutSecs < 1 || c.Inventory.RefreshIntervalSecs < 1 {
		return fmt.Errorf("inventory intervals must be at least 1s")
	}
	if c.State.RefreshIntervalSecs < 1 || c.State.DebounceMs < 0 {
		return fmt.Errorf("invalid state refresh settings")
	}
	if c.Dashboard.BlacklistWorkers < 1 {
		return fmt.Errorf("dashboard.blacklist_workers must be at least 1")
	}
	if c.Dashboard.TickIntervalMs < 100 {
		return fmt.Errorf("dashboard.tick_interval_ms must be at least 100")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// ResolveTiers applies the tiers section to the built-in table. Overrides
// for unknown slugs define additional tiers.
func (c *Config) ResolveTiers() ([]types.TierDescriptor, error) {
	tiers := types.BuiltinTiers()
	index := make(map[string]int, len(tiers))
	for i, t := range tiers {
		index[t.Slug] = i
	}

	// Stable order for extra tiers.
	var extra []string
	for slug := range c.Tiers {
		if _, ok := index[strings.ToLower(slug)]; !ok {
			extra = append(extra, slug)
		}
	}
	slices.Sort(extra)

	apply := func(t *types.TierDescriptor, o TierOverride) error {
		if o.Name != "" {
			t.Name = o.Name
		}
		if o.Collection != "" {
			if err := validateEthAddress("tiers."+t.Slug+".collection", o.Collection); err != nil {
				return err
			}
			t.Collection = common.HexToAddress(o.Collection)
		}
		if o.IDMin != nil {
			t.IDMin = *o.IDMin
		}
		if o.IDMax != nil {
			t.IDMax = *o.IDMax
		}
		if o.DefaultPlan != nil {
			t.DefaultPlan = types.Plan(*o.DefaultPlan)
		}
		return t.Validate()
	}

	for slug, o := range c.Tiers {
		i, ok := index[strings.ToLower(slug)]
		if !ok {
			continue
		}
		if err := apply(&tiers[i], o); err != nil {
			return nil, err
		}
	}
	for _, slug := range extra {
		o := c.Tiers[slug]
		if o.Collection == "" || o.IDMin == nil || o.IDMax == nil {
			return nil, fmt.Errorf("%w: new tier %q needs collection, id_min and id_max", types.ErrInvalidTier, slug)
		}
		t := types.TierDescriptor{Name: slug, Slug: strings.ToLower(slug)}
		if err := apply(&t, o); err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, nil
}

// ResolvedRPCURLs merges the single RPCURL with the RPCURLs list, deduplicating.
// The single URL is placed first as the primary.
func (c *Config) ResolvedRPCURLs() []string {
	return mergeURLs(c.Chain.RPCURL, c.Chain.RPCURLs)
}

// mergeURLs combines a primary URL with a list, deduplicating and preserving order.
func mergeURLs(primary string, extras []string) []string {
	seen := make(map[string]bool)
	var result []string

	if primary != "" {
		result = append(result, primary)
		seen[primary] = true
	}
	for _, u := range extras {
		if u != "" && !seen[u] {
			result = append(result, u)
			seen[u] = true
		}
	}
	return result
}

// Duration helpers

func (c ChainConfig) ViewTimeout() time.Duration {
	return time.Duration(c.ViewTimeoutSecs) * time.Second
}

func (c ChainConfig) EndpointRecovery() time.Duration {
	return time.Duration(c.EndpointRecoverySecs) * time.Second
}

func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

func (w WalletConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSecs) * time.Second
}

func (i InventoryConfig) StrategyTimeout() time.Duration {
	return time.Duration(i.StrategyTimeoutSecs) * time.Second
}

func (i InventoryConfig) RefreshInterval() time.Duration {
	return time.Duration(i.RefreshIntervalSecs) * time.Second
}

func (s StateConfig) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSecs) * time.Second
}

func (s StateConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

func (d DashboardConfig) ToastTTL() time.Duration {
	return time.Duration(d.ToastTTLSecs) * time.Second
}

func (d DashboardConfig) TickInterval() time.Duration {
	return time.Duration(d.TickIntervalMs) * time.Millisecond
}

// validateEthAddress checks that an Ethereum address is 0x-prefixed, 40 hex chars, and non-zero.
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if strings.Trim(hexPart, "0") == "" {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default configuration file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".stakedash", "config.yaml")
}
