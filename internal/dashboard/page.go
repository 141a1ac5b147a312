package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/moltbunker/stakedash/internal/action"
	"github.com/moltbunker/stakedash/internal/blacklist"
	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/inventory"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

// ErrBlacklisted rejects staking a token the pool refuses.
var ErrBlacklisted = errors.New("token is blacklisted")

// Page is one tier's dashboard.
type Page struct {
	app      *App
	tier     types.TierDescriptor
	tracker  *inventory.Tracker
	presence *wallet.Presence

	mu      sync.Mutex
	version uint64
	subs    map[int]func(View)
	nextSub int

	changed chan struct{}
}

func newPage(a *App, tier types.TierDescriptor) *Page {
	presence := wallet.NewPresence()
	return &Page{
		app:      a,
		tier:     tier,
		tracker:  inventory.NewTracker(tier, a.scanner, a.session, presence, a.cfg.InventoryInterval),
		presence: presence,
		subs:     make(map[int]func(View)),
		changed:  make(chan struct{}, 1),
	}
}

func (p *Page) Tier() types.TierDescriptor { return p.tier }

func (p *Page) Tracker() *inventory.Tracker { return p.tracker }

// Open marks the page as viewed. Pollers behind it run only while at least
// one view is open. The returned release is idempotent.
func (p *Page) Open() (release func()) {
	releasePage := p.presence.Acquire()
	releaseApp := p.app.presence.Acquire()
	p.app.metrics.AddViewers(p.tier.Slug, 1)

	var once sync.Once
	return func() {
		once.Do(func() {
			releasePage()
			releaseApp()
			p.app.metrics.AddViewers(p.tier.Slug, -1)
		})
	}
}

// View renders the page from the current inputs.
func (p *Page) View() View {
	a := p.app
	acct := a.session.Current()
	inv := p.tracker.Current()
	snap := a.store.Current()

	v := buildView(viewInput{
		tier:            p.tier,
		chainID:         a.cfg.ChainID,
		account:         acct,
		inventory:       inv,
		probes:          p.tracker.Probes(),
		snapshot:        snap,
		balance:         a.balance.Current(),
		status:          a.orch.Status(),
		blacklist:       a.blacklist.Peek,
		hideBlacklisted: a.hide.Load(),
		now:             a.ticker.Now(),
	})
	if acct.Connected && inv.Owner == acct.Address {
		p.prefetch(inv.Items, snap)
	}

	p.mu.Lock()
	p.version++
	v.Version = p.version
	p.mu.Unlock()
	return v
}

// prefetch resolves blacklist status for unstaked items in the background
// and re-renders as answers arrive.
func (p *Page) prefetch(items []types.WalletItem, snap *types.UserSnapshot) {
	var staked map[types.StakeKey]struct{}
	if snap != nil {
		staked = snap.StakedKeys()
	}
	pending := make([]types.WalletItem, 0, len(items))
	for _, it := range items {
		if _, ok := staked[it.Key()]; ok {
			continue
		}
		if p.app.blacklist.Peek(it.Collection, it.TokenID) == blacklist.Unknown {
			pending = append(pending, it)
		}
	}
	if len(pending) > 0 {
		p.app.blacklist.Prefetch(pending, func(types.StakeKey, bool) { p.notify() })
	}
}

// Subscribe registers fn for every render. A first render follows shortly.
func (p *Page) Subscribe(fn func(View)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	p.notify()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

func (p *Page) notify() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

func (p *Page) subscribers() []func(View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := make([]func(View), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	return subs
}

// run re-renders on every input change and tick while someone is
// subscribed.
func (p *Page) run(ctx context.Context) {
	a := p.app
	unsubs := []func(){
		a.store.Subscribe(func(*types.UserSnapshot) { p.notify() }),
		p.tracker.Subscribe(func(inventory.Snapshot) { p.notify() }),
		a.balance.Subscribe(func(Balance) { p.notify() }),
		a.orch.Subscribe(func(action.Status) { p.notify() }),
		a.session.Subscribe(func(wallet.Account) { p.notify() }),
		a.ticker.Subscribe(func(uint64) { p.notify() }),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.changed:
			subs := p.subscribers()
			if len(subs) == 0 {
				continue
			}
			v := p.View()
			for _, fn := range subs {
				fn(v)
			}
		}
	}
}

// Load fetches the snapshot, inventory and balance once and renders. It is
// the one-shot path used outside Run. A missing wallet is not an error; the
// view carries the banner.
func (p *Page) Load(ctx context.Context) (View, error) {
	a := p.app
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := a.store.Revalidate(gctx)
		if errors.Is(err, chain.ErrNoWallet) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		_, err := p.tracker.Refresh(gctx)
		return err
	})
	g.Go(func() error {
		_, err := a.balance.Refresh(gctx)
		return err
	})
	err := g.Wait()
	return p.View(), err
}

// Stake stakes id from this tier. A nil plan selects the tier default.
func (p *Page) Stake(id *big.Int, plan *types.Plan) (*action.Run, error) {
	if id == nil || !p.tier.Contains(id) {
		return nil, fmt.Errorf("%w: %v", inventory.ErrOutOfRange, id)
	}
	chosen := p.tier.DefaultPlan
	if plan != nil {
		chosen = *plan
	}
	if p.app.blacklist.Peek(p.tier.Collection, id) == blacklist.Blacklisted {
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, id)
	}
	return p.app.orch.Stake(p.tier.Collection, id, chosen)
}

// Unstake withdraws id and claims its reward.
func (p *Page) Unstake(id *big.Int) (*action.Run, error) {
	if id == nil || !p.tier.Contains(id) {
		return nil, fmt.Errorf("%w: %v", inventory.ErrOutOfRange, id)
	}
	return p.app.orch.Unstake(p.tier.Collection, id)
}

// AddProbe enters a token id manually for probe-mode scanning.
func (p *Page) AddProbe(id *big.Int) error {
	return p.tracker.AddProbe(id)
}
