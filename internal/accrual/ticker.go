package accrual

import (
	"context"
	"sync"
	"time"

	"github.com/moltbunker/stakedash/pkg/types"
)

// DefaultTickInterval drives live reward and countdown cells.
const DefaultTickInterval = time.Second

// Clock returns the current wall time.
type Clock func() time.Time

// Ticker is the single shared tick. It never touches the network.
type Ticker struct {
	interval time.Duration
	clock    Clock

	mu      sync.Mutex
	subs    map[int]func(uint64)
	nextSub int
}

// NewTicker creates a ticker. A nil clock uses time.Now.
func NewTicker(interval time.Duration, clock Clock) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if clock == nil {
		clock = time.Now
	}
	return &Ticker{interval: interval, clock: clock, subs: make(map[int]func(uint64))}
}

// Now returns the current time in unix seconds.
func (t *Ticker) Now() uint64 {
	now := t.clock().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

// Subscribe registers fn for every tick.
func (t *Ticker) Subscribe(fn func(nowSec uint64)) (unsubscribe func()) {
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

// Tick notifies subscribers with the current time.
func (t *Ticker) Tick() {
	now := t.Now()
	t.mu.Lock()
	subs := make([]func(uint64), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(now)
	}
}

// Run ticks every interval until ctx is done.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

type lockKey struct {
	stake   types.StakeKey
	lockEnd uint64
}

// LockWatch reports each lock's locked→READY transition once.
type LockWatch struct {
	mu     sync.Mutex
	locked map[lockKey]bool
}

func NewLockWatch() *LockWatch {
	return &LockWatch{locked: make(map[lockKey]bool)}
}

// Observe records stakes at nowSec and returns those that were seen locked
// before and are unlocked now. Stakes no longer present are forgotten.
func (w *LockWatch) Observe(stakes []types.Stake, nowSec uint64) []types.Stake {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ready []types.Stake
	seen := make(map[lockKey]bool, len(stakes))
	for _, s := range stakes {
		k := lockKey{stake: s.Key(), lockEnd: s.LockEndTime}
		seen[k] = true
		wasLocked, known := w.locked[k]
		isLocked := !Unlocked(s, nowSec)
		if known && wasLocked && !isLocked {
			ready = append(ready, s)
		}
		w.locked[k] = isLocked
	}
	for k := range w.locked {
		if !seen[k] {
			delete(w.locked, k)
		}
	}
	return ready
}
