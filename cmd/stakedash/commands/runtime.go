package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/config"
	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/indexer"
	"github.com/moltbunker/stakedash/internal/inventory"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/internal/state"
	"github.com/moltbunker/stakedash/internal/util"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

// dialTimeout bounds connecting to the RPC endpoints and the signer.
const dialTimeout = 15 * time.Second

// runtimeEnv is a connected dashboard and everything it holds open.
type runtimeEnv struct {
	cfg     *config.Config
	app     *dashboard.App
	client  *chain.Client
	metrics *metrics.Collector
	closers []func()
}

// openRuntime dials the RPC endpoints, selects the wallet provider and
// builds the dashboard. Close releases all of it.
func openRuntime(ctx context.Context, cfg *config.Config, m *metrics.Collector) (*runtimeEnv, error) {
	tiers, err := cfg.ResolveTiers()
	if err != nil {
		return nil, err
	}

	env := &runtimeEnv{cfg: cfg, metrics: m}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	eps, closeEndpoints, err := chain.Dial(dctx, cfg.ResolvedRPCURLs())
	if err != nil {
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	env.closers = append(env.closers, closeEndpoints)

	provider, err := walletProvider(cfg.Wallet)
	if err != nil {
		env.Close()
		return nil, err
	}
	session := wallet.NewSession(provider, eps[0].Backend)
	if _, err := session.Refresh(dctx); err != nil {
		// Not fatal: the view shows the connect-wallet banner.
		logging.Warn("wallet unavailable", logging.Component("cli"), logging.Err(err))
	}

	client, err := chain.NewClient(chainConfig(cfg.Chain), eps, session, m)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.client = client

	// A typed nil would count as a configured indexer.
	var lister inventory.NFTLister
	if cfg.Indexer.Active() {
		lister = indexer.New(indexer.Config{
			BaseURL:      cfg.Indexer.BaseURL,
			APIKey:       cfg.Indexer.APIKey,
			RateLimitRPS: cfg.Indexer.RateLimitRPS,
			PageSize:     cfg.Indexer.PageSize,
			Timeout:      cfg.Inventory.StrategyTimeout(),
		})
	}

	app, err := dashboard.New(client, lister, dashboardConfig(cfg, tiers), m)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.app = app
	env.closers = append(env.closers, app.Close)
	return env, nil
}

// Close releases resources in reverse order of acquisition.
func (e *runtimeEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// walletProvider picks the external signer when configured, otherwise a
// read-only view of the configured address, which may be empty.
func walletProvider(wc config.WalletConfig) (wallet.Provider, error) {
	if wc.Signer != "" {
		signer, err := wallet.DialExternal(wc.Signer)
		if err != nil {
			return nil, fmt.Errorf("connect signer: %w", err)
		}
		return signer, nil
	}
	if wc.Address != "" {
		return wallet.ReadOnly{Address: common.HexToAddress(wc.Address)}, nil
	}
	return wallet.ReadOnly{}, nil
}

func chainConfig(cc config.ChainConfig) chain.Config {
	return chain.Config{
		ChainID:       cc.ChainID,
		Confirmations: cc.BlockConfirmations,
		ViewTimeout:   cc.ViewTimeout(),
		Retry: &util.RetryConfig{
			MaxRetries: cc.Retry.MaxRetries,
			BaseDelay:  cc.Retry.BaseDelay(),
			Multiplier: cc.Retry.Multiplier,
			Jitter:     cc.Retry.Jitter,
		},
		EndpointRecovery: cc.EndpointRecovery(),
	}
}

func dashboardConfig(cfg *config.Config, tiers []types.TierDescriptor) dashboard.Config {
	return dashboard.Config{
		ChainID:     uint64(cfg.Chain.ChainID),
		Tiers:       tiers,
		Pool:        common.HexToAddress(cfg.Contracts.Staking),
		RewardToken: common.HexToAddress(cfg.Contracts.RewardToken),
		Referral:    common.HexToAddress(cfg.Contracts.ReferralManager),

		HideBlacklisted:   cfg.Dashboard.HideBlacklisted,
		BlacklistWorkers:  cfg.Dashboard.BlacklistWorkers,
		ToastTTL:          cfg.Dashboard.ToastTTL(),
		TickInterval:      cfg.Dashboard.TickInterval(),
		StrategyTimeout:   cfg.Inventory.StrategyTimeout(),
		InventoryInterval: cfg.Inventory.RefreshInterval(),
		BalanceInterval:   cfg.State.RefreshInterval(),
		WalletPoll:        walletPoll(cfg.Wallet),
		State: state.Config{
			RefreshInterval: cfg.State.RefreshInterval(),
			Debounce:        cfg.State.Debounce(),
		},
	}
}

// walletPoll is zero for read-only sessions; their account never changes.
func walletPoll(wc config.WalletConfig) time.Duration {
	if wc.Signer == "" {
		return 0
	}
	return wc.PollInterval()
}
