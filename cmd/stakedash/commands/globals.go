package commands

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/moltbunker/stakedash/internal/config"
	"github.com/moltbunker/stakedash/internal/logging"
)

// Global CLI flags
var (
	// ConfigPath overrides the default config file location
	ConfigPath string

	// LogLevel overrides log.level from the config file
	LogLevel string

	// SignerEndpoint is a clef IPC path or URL; overrides wallet.signer
	SignerEndpoint string

	// WatchAddress selects a read-only session for this address
	WatchAddress string

	// OutputFormat controls output format: "" (auto), "json", "plain"
	OutputFormat string
)

// AddGlobalFlags registers the persistent flags shared by every command.
func AddGlobalFlags(root *cobra.Command) {
	pf := root.PersistentFlags()
	pf.StringVar(&ConfigPath, "config", "", "Config file (default ~/.stakedash/config.yaml)")
	pf.StringVar(&LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&SignerEndpoint, "signer", "", "External signer endpoint (clef IPC path or http URL)")
	pf.StringVar(&WatchAddress, "address", "", "Watch this address read-only")
	pf.StringVarP(&OutputFormat, "output", "o", "", "Output format: json, plain")
}

// configPath returns the flag value or the default location.
func configPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file and overlays the global flags. An
// --address without --signer drops any configured signer.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	switch {
	case SignerEndpoint != "":
		cfg.Wallet.Signer = SignerEndpoint
	case WatchAddress != "":
		cfg.Wallet.Signer = ""
	}
	if WatchAddress != "" {
		cfg.Wallet.Address = WatchAddress
	}
	if LogLevel != "" {
		cfg.Log.Level = LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := configureLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogging sends logs to stderr so stdout stays clean for output.
func configureLogging(cfg *config.Config) error {
	format := cfg.Log.Format
	if isTTY() && format == "json" {
		format = "text"
	}
	return logging.Configure(cfg.Log.Level, format, os.Stderr)
}

func jsonOutput() bool {
	return OutputFormat == "json"
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
