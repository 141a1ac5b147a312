package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moltbunker/stakedash/internal/config"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var nonInteractive, force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file",
		Long:  "Create a config file with the RPC endpoint, wallet and indexer settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			if !nonInteractive && isTTY() {
				if err := configForm(cfg); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			Success("Config written to " + path)
			fmt.Println(Hint("Next: stakedash status starter"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Write defaults without prompting")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

// configForm prompts for the settings most installs change.
func configForm(cfg *config.Config) error {
	chainID := strconv.FormatInt(cfg.Chain.ChainID, 10)
	confirmWrite := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("RPC URL").
				Description("Primary JSON-RPC endpoint; writes go through it").
				Value(&cfg.Chain.RPCURL).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Chain ID").
				Value(&chainID).
				Validate(func(s string) error {
					if n, err := strconv.ParseInt(s, 10, 64); err != nil || n <= 0 {
						return fmt.Errorf("must be a positive integer")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Signer").
				Description("clef IPC path or http URL; leave empty for read-only").
				Value(&cfg.Wallet.Signer),
			huh.NewInput().
				Title("Watch address").
				Description("Used when no signer is set").
				Value(&cfg.Wallet.Address).
				Validate(func(s string) error {
					if s != "" && !common.IsHexAddress(s) {
						return fmt.Errorf("not an address")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Indexer API key").
				Description("Optional; without it the wallet is scanned on-chain").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Indexer.APIKey),
			huh.NewConfirm().
				Title("Hide blacklisted NFTs?").
				Value(&cfg.Dashboard.HideBlacklisted),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Write config?").
				Affirmative("Write").
				Negative("Cancel").
				Value(&confirmWrite),
		),
	).WithTheme(huh.ThemeBase())

	if err := form.Run(); err != nil {
		return err
	}
	if !confirmWrite {
		return errCancelled
	}
	cfg.Chain.ChainID, _ = strconv.ParseInt(chainID, 10, 64)
	cfg.Indexer.Enabled = cfg.Indexer.APIKey != ""
	return nil
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Indexer.APIKey != "" {
				shown.Indexer.APIKey = "[REDACTED]"
			}
			if jsonOutput() {
				return printJSON(shown)
			}
			data, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tiers, err := cfg.ResolveTiers()
			if err != nil {
				return err
			}
			Success(fmt.Sprintf("%s is valid (%d tiers)", configPath(), len(tiers)))
			return nil
		},
	}
}
