// Package dashboard composes the staking components into tier pages. One App
// serves every tier for the session's account; each Page renders immutable
// View values for one tier.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/accrual"
	"github.com/moltbunker/stakedash/internal/action"
	"github.com/moltbunker/stakedash/internal/blacklist"
	"github.com/moltbunker/stakedash/internal/contracts"
	"github.com/moltbunker/stakedash/internal/inventory"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/internal/state"
	"github.com/moltbunker/stakedash/internal/util"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

// ErrUnknownTier is returned for a slug with no configured tier.
var ErrUnknownTier = errors.New("unknown tier")

// Config wires an App.
type Config struct {
	ChainID     uint64
	Tiers       []types.TierDescriptor
	Pool        common.Address
	RewardToken common.Address
	Referral    common.Address

	HideBlacklisted   bool
	BlacklistWorkers  int
	ToastTTL          time.Duration
	TickInterval      time.Duration
	StrategyTimeout   time.Duration
	InventoryInterval time.Duration
	BalanceInterval   time.Duration
	// WalletPoll enables polling the signer for account and chain changes.
	WalletPoll time.Duration
	State      state.Config

	// Clock overrides wall time for the accrual ticker.
	Clock accrual.Clock
}

// App owns the per-address pieces shared by every tier page.
type App struct {
	cfg     Config
	chain   action.Chain
	session *wallet.Session
	metrics *metrics.Collector

	presence  *wallet.Presence
	store     *state.Store
	balance   *BalancePoller
	blacklist *blacklist.Cache
	orch      *action.Orchestrator
	ticker    *accrual.Ticker
	locks     *accrual.LockWatch
	scanner   *inventory.Scanner

	pages map[string]*Page
	order []*Page
	hide  atomic.Bool

	closeOnce sync.Once
}

// New builds an App over c. idx may be nil when no indexer is configured;
// m may be nil.
func New(c action.Chain, idx inventory.NFTLister, cfg Config, m *metrics.Collector) (*App, error) {
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers configured", types.ErrInvalidTier)
	}
	pool := contracts.NewStakingPool(c, cfg.Pool)
	session := c.Session()
	presence := wallet.NewPresence()
	store := state.NewStore(pool, session, presence, m, cfg.State)
	ticker := accrual.NewTicker(cfg.TickInterval, cfg.Clock)

	a := &App{
		cfg:       cfg,
		chain:     c,
		session:   session,
		metrics:   m,
		presence:  presence,
		store:     store,
		balance:   NewBalancePoller(contracts.NewRewardToken(c, cfg.RewardToken), session, presence, cfg.BalanceInterval),
		blacklist: blacklist.NewCache(pool, cfg.BlacklistWorkers, m),
		ticker:    ticker,
		locks:     accrual.NewLockWatch(),
		pages:     make(map[string]*Page, len(cfg.Tiers)),
	}
	a.hide.Store(cfg.HideBlacklisted)
	a.orch = action.New(c, store, action.Config{
		Pool:     cfg.Pool,
		Referral: cfg.Referral,
		ToastTTL: cfg.ToastTTL,
		Clock:    ticker.Now,
	}, m)
	a.orch.AddInvalidator(action.ScopeState, store)
	a.orch.AddInvalidator(action.ScopeState, a.balance)

	strategies := []inventory.Strategy{
		inventory.EnumerableStrategy{Reader: c},
		inventory.ProbeStrategy{Reader: c},
	}
	if idx != nil {
		strategies = append([]inventory.Strategy{inventory.IndexerStrategy{Indexer: idx}}, strategies...)
	}
	a.scanner = inventory.NewScanner(cfg.StrategyTimeout, m, strategies...)

	for _, tier := range cfg.Tiers {
		if err := tier.Validate(); err != nil {
			a.Close()
			return nil, err
		}
		if _, dup := a.pages[tier.Slug]; dup {
			a.Close()
			return nil, fmt.Errorf("%w: duplicate slug %q", types.ErrInvalidTier, tier.Slug)
		}
		p := newPage(a, tier)
		a.orch.AddInvalidator(action.ScopeInventory, p.tracker)
		a.pages[tier.Slug] = p
		a.order = append(a.order, p)
	}
	return a, nil
}

// Tiers returns the configured tiers in route order.
func (a *App) Tiers() []types.TierDescriptor {
	out := make([]types.TierDescriptor, 0, len(a.order))
	for _, p := range a.order {
		out = append(out, p.tier)
	}
	return out
}

func (a *App) Page(slug string) (*Page, error) {
	p, ok := a.pages[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, slug)
	}
	return p, nil
}

func (a *App) Pages() []*Page {
	return append([]*Page(nil), a.order...)
}

func (a *App) Session() *wallet.Session           { return a.session }
func (a *App) Store() *state.Store                { return a.store }
func (a *App) Balance() *BalancePoller            { return a.balance }
func (a *App) Orchestrator() *action.Orchestrator { return a.orch }
func (a *App) Ticker() *accrual.Ticker            { return a.ticker }

// SetHideBlacklisted switches between hiding blacklisted ids and showing
// them with a badge. Open pages re-render.
func (a *App) SetHideBlacklisted(hide bool) {
	if a.hide.Swap(hide) == hide {
		return
	}
	for _, p := range a.order {
		p.notify()
	}
}

func (a *App) HideBlacklisted() bool {
	return a.hide.Load()
}

// ClaimAll claims every stake of the account, across tiers.
func (a *App) ClaimAll() (*action.Run, error) {
	return a.orch.ClaimAll()
}

func (a *App) RegisterReferral(ref contracts.Referrer) (*action.Run, error) {
	return a.orch.RegisterReferral(ref)
}

func (a *App) Retry(slot string) (*action.Run, error) {
	return a.orch.Retry(slot)
}

func (a *App) Dismiss(slot string) {
	a.orch.Dismiss(slot)
}

// observeLocks logs each stake the first time it is seen unlocked.
func (a *App) observeLocks(now uint64) {
	snap := a.store.Current()
	if snap == nil {
		return
	}
	for _, s := range a.locks.Observe(snap.Stakes(), now) {
		logging.Info("stake unlocked",
			logging.Component("dashboard"),
			logging.Address(s.Collection.Hex()),
			logging.TokenID(s.TokenID))
	}
}

// Run drives every poller, the ticker and the page renderers until ctx is
// done.
func (a *App) Run(ctx context.Context) {
	var wg sync.WaitGroup
	unsubLocks := a.ticker.Subscribe(a.observeLocks)
	defer unsubLocks()

	if a.cfg.WalletPoll > 0 {
		util.GoTracked(&wg, "wallet-watch", func() { a.session.Watch(ctx, a.cfg.WalletPoll) })
	}
	util.GoTracked(&wg, "state-store", func() { a.store.Run(ctx) })
	util.GoTracked(&wg, "reward-balance", func() { a.balance.Run(ctx) })
	util.GoTracked(&wg, "accrual-ticker", func() { a.ticker.Run(ctx) })
	for _, p := range a.order {
		util.GoTracked(&wg, "inventory-"+p.tier.Slug, func() { p.tracker.Run(ctx) })
		util.GoTracked(&wg, "page-"+p.tier.Slug, func() { p.run(ctx) })
	}

	logging.Info("dashboard running", logging.Component("dashboard"), "tiers", len(a.order))
	wg.Wait()
}

// Close abandons in-flight writes and stops background lookups. Call it
// after Run has returned.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.orch != nil {
			a.orch.Close()
		}
		a.blacklist.Close()
	})
}
