// Package state holds the authoritative staking snapshot for the connected
// address.
package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/moltbunker/stakedash/internal/chain"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/internal/util"
	"github.com/moltbunker/stakedash/internal/wallet"
	"github.com/moltbunker/stakedash/pkg/types"
)

// ErrStaleSnapshot is returned when a fetched snapshot was older than the
// current one or belonged to a previous account. It is never shown to users.
var ErrStaleSnapshot = errors.New("stale snapshot dropped")

const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultDebounce        = 500 * time.Millisecond
)

// Snapshot outcomes recorded in metrics.
const (
	outcomeApplied = "applied"
	outcomeStale   = "stale"
)

// Fetcher reads the user's full staking state in one view call.
type Fetcher interface {
	UserFullState(ctx context.Context, user common.Address) ([]types.Stake, *big.Int, error)
}

// Config controls refresh cadence.
type Config struct {
	RefreshInterval time.Duration
	Debounce        time.Duration
}

// Store keeps one UserSnapshot per session. Snapshots are immutable and
// replaced atomically; readers share them by pointer.
type Store struct {
	pool     Fetcher
	session  *wallet.Session
	presence *wallet.Presence
	metrics  *metrics.Collector
	cfg      Config
	group    singleflight.Group

	mu           sync.RWMutex
	current      *types.UserSnapshot
	appliedStart time.Time
	hiddenAt     time.Time
	epochCtx     context.Context
	cancelEpoch  context.CancelFunc
	subs         map[int]func(*types.UserSnapshot)
	nextSub      int

	kick        chan struct{}
	invalidated chan struct{}
}

// NewStore creates a store. presence and m may be nil.
func NewStore(pool Fetcher, session *wallet.Session, presence *wallet.Presence, m *metrics.Collector, cfg Config) *Store {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	epochCtx, cancel := context.WithCancel(context.Background())
	return &Store{
		pool:        pool,
		session:     session,
		presence:    presence,
		metrics:     m,
		cfg:         cfg,
		epochCtx:    epochCtx,
		cancelEpoch: cancel,
		subs:        make(map[int]func(*types.UserSnapshot)),
		kick:        make(chan struct{}, 1),
		invalidated: make(chan struct{}, 1),
	}
}

// Current returns the latest snapshot, or nil before the first fetch for
// the connected address.
func (s *Store) Current() *types.UserSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn for every applied snapshot. fn receives nil when the
// snapshot is cleared after an address change.
func (s *Store) Subscribe(fn func(*types.UserSnapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func flightKey(acct wallet.Account) string {
	return fmt.Sprintf("%s/%d", acct.Address.Hex(), acct.Epoch)
}

// Revalidate fetches a fresh snapshot. Concurrent calls for the same
// account and epoch share one view call. ctx bounds only the wait; the
// fetch itself is abandoned on account change.
func (s *Store) Revalidate(ctx context.Context) (*types.UserSnapshot, error) {
	acct := s.session.Current()
	if !acct.Connected {
		return nil, &chain.Error{Kind: chain.KindNoWallet, Op: "getUserFullState"}
	}

	ch := s.group.DoChan(flightKey(acct), func() (any, error) {
		return s.fetch(acct)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*types.UserSnapshot), nil
	}
}

func (s *Store) fetch(acct wallet.Account) (*types.UserSnapshot, error) {
	s.mu.RLock()
	ctx := s.epochCtx
	s.mu.RUnlock()

	start := time.Now()
	stakes, total, err := s.pool.UserFullState(ctx, acct.Address)
	if err != nil {
		if ctx.Err() != nil {
			s.metrics.RecordSnapshot(outcomeStale)
			return nil, fmt.Errorf("%w: %w", ErrStaleSnapshot, err)
		}
		s.metrics.RecordSnapshot(metrics.OutcomeError)
		return nil, err
	}

	snap := types.NewUserSnapshot(acct.Address, stakes, total, uint64(start.UnixMilli()), acct.Epoch)
	if !s.apply(snap, start) {
		s.metrics.RecordSnapshot(outcomeStale)
		logging.Debug("dropping stale snapshot",
			logging.Component("state"), logging.Address(acct.Address.Hex()), "epoch", acct.Epoch)
		return nil, ErrStaleSnapshot
	}
	s.metrics.RecordSnapshot(outcomeApplied)
	return snap, nil
}

// apply installs snap if its account is still current and its request
// started after the one behind the current snapshot and after the last hide.
func (s *Store) apply(snap *types.UserSnapshot, start time.Time) bool {
	s.mu.Lock()
	acct := s.session.Current()
	if acct.Epoch != snap.Epoch() || acct.Address != snap.Address() ||
		start.Before(s.appliedStart) || start.Before(s.hiddenAt) {
		s.mu.Unlock()
		return false
	}
	s.current = snap
	s.appliedStart = start
	subs := s.subscribers()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return true
}

func (s *Store) subscribers() []func(*types.UserSnapshot) {
	subs := make([]func(*types.UserSnapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

// Invalidate asks Run for a fresh fetch after the debounce window. The
// in-flight fetch, if any, is forgotten so the next call starts a new one.
func (s *Store) Invalidate() {
	s.group.Forget(flightKey(s.session.Current()))
	select {
	case s.invalidated <- struct{}{}:
	default:
	}
}

// resetFor abandons in-flight fetches and clears the snapshot when the
// address changed.
func (s *Store) resetFor(acct wallet.Account) {
	s.mu.Lock()
	s.cancelEpoch()
	s.epochCtx, s.cancelEpoch = context.WithCancel(context.Background())
	var subs []func(*types.UserSnapshot)
	if s.current != nil && s.current.Address() != acct.Address {
		s.current = nil
		s.appliedStart = time.Time{}
		subs = s.subscribers()
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(nil)
	}
}

// suspend abandons in-flight fetches when the last view closes. The
// snapshot is kept so the next view renders immediately.
func (s *Store) suspend() {
	s.group.Forget(flightKey(s.session.Current()))
	s.mu.Lock()
	s.cancelEpoch()
	s.epochCtx, s.cancelEpoch = context.WithCancel(context.Background())
	s.hiddenAt = time.Now()
	s.mu.Unlock()
}

func (s *Store) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run fetches on start, on account change, when a view becomes visible,
// every RefreshInterval while visible and after Invalidate, until ctx is
// done.
func (s *Store) Run(ctx context.Context) {
	unsubAccount := s.session.Subscribe(func(acct wallet.Account) {
		s.resetFor(acct)
		s.wake()
	})
	unsubPresence := s.presence.Subscribe(func(visible bool) {
		if visible {
			s.wake()
			return
		}
		s.suspend()
	})

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	debounce := time.NewTimer(s.cfg.Debounce)
	debounce.Stop()

	var wg sync.WaitGroup
	defer func() {
		unsubAccount()
		unsubPresence()
		ticker.Stop()
		debounce.Stop()
		s.mu.Lock()
		s.cancelEpoch()
		s.mu.Unlock()
		wg.Wait()
	}()

	pending := true
	for {
		if pending && s.presence.Visible() && s.session.Current().Connected {
			pending = false
			util.GoTracked(&wg, "state-revalidate", func() {
				if _, err := s.Revalidate(ctx); err != nil && ctx.Err() == nil &&
					!errors.Is(err, ErrStaleSnapshot) && !errors.Is(err, context.Canceled) {
					logging.Warn("snapshot refresh failed", logging.Component("state"), logging.Err(err))
				}
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending = true
		case <-s.kick:
			pending = true
		case <-s.invalidated:
			debounce.Reset(s.cfg.Debounce)
		case <-debounce.C:
			pending = true
		}
	}
}
