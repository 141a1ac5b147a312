package inventory

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

// DefaultRefreshInterval is the poll period while a view is open.
const DefaultRefreshInterval = 60 * time.Second

var (
	// ErrOutOfRange rejects probe ids outside the tier.
	ErrOutOfRange = errors.New("token id outside tier range")
	// ErrSuperseded is returned when a scan finished after the account
	// changed or a newer scan was applied.
	ErrSuperseded = errors.New("inventory result superseded")
)

// Snapshot is the published wallet grid for one tier and account.
type Snapshot struct {
	Owner     common.Address     `json:"owner"`
	Epoch     uint64             `json:"-"`
	Loaded    bool               `json:"loaded"`
	Items     []types.WalletItem `json:"items"`
	Degraded  bool               `json:"scanDegraded"`
	Strategy  string             `json:"strategy,omitempty"`
	FetchedAt time.Time          `json:"fetchedAt"`
}

func (s Snapshot) clone() Snapshot {
	cp := s
	cp.Items = make([]types.WalletItem, len(s.Items))
	copy(cp.Items, s.Items)
	return cp
}

// Tracker keeps one tier's wallet grid fresh for the session's account.
type Tracker struct {
	tier     types.TierDescriptor
	scanner  *Scanner
	session  *wallet.Session
	presence *wallet.Presence
	interval time.Duration

	mu         sync.RWMutex
	current    Snapshot
	appliedAt  time.Time // start time of the scan behind current
	hiddenAt   time.Time
	probes     map[string]*big.Int
	cancelScan context.CancelFunc
	subs       map[int]func(Snapshot)
	nextSub    int

	kick chan struct{}
}

// NewTracker creates a tracker. presence may be nil (always visible).
func NewTracker(tier types.TierDescriptor, scanner *Scanner, session *wallet.Session, presence *wallet.Presence, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	acct := session.Current()
	return &Tracker{
		tier:     tier,
		scanner:  scanner,
		session:  session,
		presence: presence,
		interval: interval,
		current:  Snapshot{Owner: acct.Address, Epoch: acct.Epoch, Items: []types.WalletItem{}},
		probes:   make(map[string]*big.Int),
		subs:     make(map[int]func(Snapshot)),
		kick:     make(chan struct{}, 1),
	}
}

func (t *Tracker) Tier() types.TierDescriptor {
	return t.tier
}

// Current returns a copy of the latest snapshot.
func (t *Tracker) Current() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current.clone()
}

// Invalidate schedules a refresh on the Run loop.
func (t *Tracker) Invalidate() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// AddProbe records a user-entered id for probe mode and rescans.
func (t *Tracker) AddProbe(id *big.Int) error {
	if id == nil || !t.tier.Contains(id) {
		return fmt.Errorf("%w: %v not in [%d, %d]", ErrOutOfRange, id, t.tier.IDMin, t.tier.IDMax)
	}
	t.mu.Lock()
	t.probes[id.String()] = new(big.Int).Set(id)
	t.mu.Unlock()
	t.Invalidate()
	return nil
}

// Probes returns the entered ids in ascending order.
func (t *Tracker) Probes() []*big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*big.Int, 0, len(t.probes))
	for _, id := range t.probes {
		out = append(out, new(big.Int).Set(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Subscribe registers fn for every applied snapshot.
func (t *Tracker) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Refresh scans now for the current account. A degraded scan is a valid
// result; ErrSuperseded means the result was dropped.
func (t *Tracker) Refresh(ctx context.Context) (Snapshot, error) {
	acct := t.session.Current()
	start := time.Now()
	if !acct.Connected {
		snap := Snapshot{Owner: acct.Address, Epoch: acct.Epoch, Loaded: true, Items: []types.WalletItem{}, FetchedAt: start}
		if !t.apply(snap, start) {
			return t.Current(), ErrSuperseded
		}
		return snap, nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.mu.Lock()
	t.cancelScan = cancel
	probes := make([]*big.Int, 0, len(t.probes))
	for _, id := range t.probes {
		probes = append(probes, id)
	}
	t.mu.Unlock()

	res, err := t.scanner.Scan(scanCtx, Request{Tier: t.tier, Owner: acct.Address, ProbeIDs: probes})
	if err != nil && !errors.Is(err, ErrScanDegraded) {
		if ctx.Err() == nil && scanCtx.Err() != nil {
			// abandoned by an account change or hide
			return t.Current(), ErrSuperseded
		}
		return t.Current(), err
	}

	snap := Snapshot{
		Owner:     acct.Address,
		Epoch:     acct.Epoch,
		Loaded:    true,
		Items:     res.Items,
		Degraded:  res.Degraded,
		Strategy:  res.Strategy,
		FetchedAt: res.FetchedAt,
	}
	if !t.apply(snap, start) {
		logging.Debug("dropping superseded inventory scan",
			logging.Component("inventory"), logging.Tier(t.tier.Slug), "epoch", acct.Epoch)
		return t.Current(), ErrSuperseded
	}
	return snap.clone(), nil
}

func (t *Tracker) apply(snap Snapshot, start time.Time) bool {
	t.mu.Lock()
	if t.session.Current().Epoch != snap.Epoch || start.Before(t.appliedAt) || start.Before(t.hiddenAt) {
		t.mu.Unlock()
		return false
	}
	t.current = snap
	t.appliedAt = start
	subs := t.subscribers()
	t.mu.Unlock()

	for _, fn := range subs {
		fn(snap.clone())
	}
	return true
}

func (t *Tracker) subscribers() []func(Snapshot) {
	subs := make([]func(Snapshot), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	return subs
}

// resetFor abandons the in-flight scan and, for a different address, clears
// the grid and the entered probe ids.
func (t *Tracker) resetFor(acct wallet.Account) {
	t.mu.Lock()
	if t.cancelScan != nil {
		t.cancelScan()
	}
	var subs []func(Snapshot)
	if acct.Address != t.current.Owner {
		t.current = Snapshot{Owner: acct.Address, Epoch: acct.Epoch, Items: []types.WalletItem{}}
		t.appliedAt = time.Time{}
		t.probes = make(map[string]*big.Int)
		subs = t.subscribers()
	} else {
		t.current.Epoch = acct.Epoch
	}
	snap := t.current.clone()
	t.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// suspend abandons the in-flight scan when the last view closes. The grid
// and probe ids are kept.
func (t *Tracker) suspend() {
	t.mu.Lock()
	if t.cancelScan != nil {
		t.cancelScan()
	}
	t.hiddenAt = time.Now()
	t.mu.Unlock()
}

// Run refreshes immediately, on Invalidate, on account change and every
// interval while visible, until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	unsubAccount := t.session.Subscribe(func(acct wallet.Account) {
		t.resetFor(acct)
		t.Invalidate()
	})
	defer unsubAccount()
	unsubPresence := t.presence.Subscribe(func(visible bool) {
		if visible {
			t.Invalidate()
			return
		}
		t.suspend()
	})
	defer unsubPresence()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	pending := true
	for {
		if pending && t.presence.Visible() {
			pending = false
			if _, err := t.Refresh(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrSuperseded) {
				logging.Warn("inventory refresh failed",
					logging.Component("inventory"), logging.Tier(t.tier.Slug), logging.Err(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending = true
		case <-t.kick:
			pending = true
		}
	}
}
