package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/config"
	"github.com/moltbunker/stakedash/internal/doctor"
	"github.com/moltbunker/stakedash/internal/indexer"
	"github.com/moltbunker/stakedash/internal/inventory"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

func NewDoctorCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, RPC, contracts, wallet and indexer",
		Long: `Run preflight checks before serving the dashboard: the config file loads,
every RPC endpoint answers on the configured chain, the contracts are deployed,
the signer exposes an account and the indexer key works.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := doctor.Options{JSON: jsonOutput(), Category: doctor.Category(category)}
			report, err := runDoctor(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if !report.Summary.IsHealthy() {
				return fmt.Errorf("%d checks failed", report.Summary.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only run one category: config, chain, contracts, wallet, indexer")
	return cmd
}

func runDoctor(ctx context.Context, opts doctor.Options) (*doctor.Report, error) {
	path := configPath()
	cfg, err := loadConfig()
	if err == nil {
		opts.Network = fmt.Sprintf("chain %d", cfg.Chain.ChainID)
	}
	d := doctor.New(opts, os.Stdout, isTTY(), doctor.NewConfigChecker(path, cfg, err))
	if err != nil {
		return d.Run(ctx)
	}

	for _, url := range cfg.ResolvedRPCURLs() {
		d.AddChecker(doctor.NewRPCChecker(url, cfg.Chain.ChainID, dialOne))
	}

	// Contract checks share one connection to the primary endpoint.
	var code doctor.CodeReader
	eps, closeEndpoints, derr := chain.Dial(ctx, cfg.ResolvedRPCURLs()[:1])
	if derr == nil {
		defer closeEndpoints()
		code = eps[0].Backend
	}
	contracts := []struct{ label, addr string }{
		{"Staking pool", cfg.Contracts.Staking},
		{"Reward token", cfg.Contracts.RewardToken},
		{"Referral manager", cfg.Contracts.ReferralManager},
	}
	for _, c := range contracts {
		d.AddChecker(doctor.NewContractChecker(c.label, common.HexToAddress(c.addr), code))
	}

	d.AddChecker(doctor.NewSignerChecker(cfg.Wallet, dialSigner))

	var lister inventory.NFTLister
	if cfg.Indexer.Active() {
		lister = indexer.New(indexer.Config{
			BaseURL:      cfg.Indexer.BaseURL,
			APIKey:       cfg.Indexer.APIKey,
			RateLimitRPS: cfg.Indexer.RateLimitRPS,
			PageSize:     cfg.Indexer.PageSize,
		})
	}
	d.AddChecker(doctor.NewIndexerChecker(cfg.Indexer, lister, indexerProbeCollection(cfg)))

	return d.Run(ctx)
}

func dialOne(ctx context.Context, url string) (doctor.ChainIDReader, func(), error) {
	eps, closeFn, err := chain.Dial(ctx, []string{url})
	if err != nil {
		return nil, nil, err
	}
	return eps[0].Backend, closeFn, nil
}

func dialSigner(endpoint string) (wallet.Provider, error) {
	return wallet.DialExternal(endpoint)
}

// indexerProbeCollection picks the first tier's collection for the indexer query.
func indexerProbeCollection(cfg *config.Config) common.Address {
	tiers, err := cfg.ResolveTiers()
	if err != nil || len(tiers) == 0 {
		return types.DefaultCollection
	}
	return tiers[0].Collection
}
