package accrual

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moltbunker/stakedash/pkg/types"
)

func TestTickerFansOutClockTime(t *testing.T) {
	var now atomic.Int64
	now.Store(1_700_000_000)
	tk := NewTicker(time.Hour, func() time.Time { return time.Unix(now.Load(), 0) })

	var a, b []uint64
	unsubA := tk.Subscribe(func(n uint64) { a = append(a, n) })
	tk.Subscribe(func(n uint64) { b = append(b, n) })

	tk.Tick()
	now.Add(1)
	unsubA()
	unsubA()
	tk.Tick()

	if len(a) != 1 || a[0] != 1_700_000_000 {
		t.Errorf("unexpected ticks for a: %v", a)
	}
	if len(b) != 2 || b[1] != 1_700_000_001 {
		t.Errorf("unexpected ticks for b: %v", b)
	}
}

func TestTickerRun(t *testing.T) {
	tk := NewTicker(5*time.Millisecond, nil)
	var ticks atomic.Int32
	tk.Subscribe(func(uint64) { ticks.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tk.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if ticks.Load() < 3 {
		t.Errorf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestLockWatchReportsReadyOnce(t *testing.T) {
	lockEnd := uint64(1000)
	s := types.Stake{Collection: types.DefaultCollection, TokenID: big.NewInt(101), LockEndTime: lockEnd}
	already := types.Stake{Collection: types.DefaultCollection, TokenID: big.NewInt(7), LockEndTime: 10}
	w := NewLockWatch()

	if got := w.Observe([]types.Stake{s, already}, lockEnd-1); len(got) != 0 {
		t.Fatalf("nothing is ready yet, got %v", got)
	}
	got := w.Observe([]types.Stake{s, already}, lockEnd)
	if len(got) != 1 || got[0].TokenID.Int64() != 101 {
		t.Fatalf("expected 101 to turn ready, got %v", got)
	}
	for _, now := range []uint64{lockEnd, lockEnd + 1, lockEnd + 100} {
		if got := w.Observe([]types.Stake{s, already}, now); len(got) != 0 {
			t.Errorf("transition reported twice at %d", now)
		}
	}

	// restaked with a new lock: a fresh transition
	restaked := s
	restaked.LockEndTime = 5000
	w.Observe([]types.Stake{restaked}, 4999)
	if got := w.Observe([]types.Stake{restaked}, 5000); len(got) != 1 {
		t.Errorf("new lock should report its own transition, got %v", got)
	}
}
