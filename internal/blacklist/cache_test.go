package blacklist

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/stakedash/internal/chain/chainmock"
	"github.com/moltbunker/stakedash/internal/contracts"
	"github.com/moltbunker/stakedash/pkg/types"
)

type fakeChecker struct {
	mu     sync.Mutex
	listed map[int64]bool
	fail   map[int64]error
	calls  atomic.Int32
	gate   chan struct{}
}

func (f *fakeChecker) IsBlacklisted(ctx context.Context, collection common.Address, id *big.Int) (bool, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id.Int64()]; err != nil {
		delete(f.fail, id.Int64())
		return false, err
	}
	return f.listed[id.Int64()], nil
}

func item(id int64) types.WalletItem {
	return types.WalletItem{Collection: types.DefaultCollection, TokenID: big.NewInt(id)}
}

func TestLookupCachesForSession(t *testing.T) {
	d := chainmock.Deploy(true)
	client, _, err := d.Connect(chainmock.NewWallet(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	d.Pool.Blacklist(types.DefaultCollection, 7)
	c := NewCache(contracts.NewStakingPool(client, chainmock.PoolAddress), 2, nil)
	defer c.Close()

	if c.Peek(types.DefaultCollection, big.NewInt(7)) != Unknown {
		t.Error("fresh cache should report Unknown")
	}
	for i := 0; i < 3; i++ {
		listed, err := c.Lookup(context.Background(), types.DefaultCollection, big.NewInt(7))
		if err != nil || !listed {
			t.Fatalf("Lookup(7) = %v, %v", listed, err)
		}
	}
	listed, err := c.Lookup(context.Background(), types.DefaultCollection, big.NewInt(8))
	if err != nil || listed {
		t.Fatalf("Lookup(8) = %v, %v", listed, err)
	}
	if n := len(d.Chain.CallsTo("isBlacklisted")); n != 2 {
		t.Errorf("expected one view call per key, got %d", n)
	}
	if c.Peek(types.DefaultCollection, big.NewInt(7)) != Blacklisted || c.Peek(types.DefaultCollection, big.NewInt(8)) != Clear {
		t.Error("Peek does not reflect cached answers")
	}
}

func TestLookupCoalesces(t *testing.T) {
	f := &fakeChecker{listed: map[int64]bool{5: true}, gate: make(chan struct{})}
	c := NewCache(f, 1, nil)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if listed, err := c.Lookup(context.Background(), types.DefaultCollection, big.NewInt(5)); err != nil || !listed {
				t.Errorf("Lookup = %v, %v", listed, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	if n := f.calls.Load(); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestLookupErrorsAreNotCached(t *testing.T) {
	f := &fakeChecker{fail: map[int64]error{3: errors.New("transport: connection refused")}}
	c := NewCache(f, 1, nil)
	defer c.Close()

	if _, err := c.Lookup(context.Background(), types.DefaultCollection, big.NewInt(3)); err == nil {
		t.Fatal("expected error")
	}
	if c.Peek(types.DefaultCollection, big.NewInt(3)) != Unknown {
		t.Error("failed lookup must stay Unknown")
	}
	if listed, err := c.Lookup(context.Background(), types.DefaultCollection, big.NewInt(3)); err != nil || listed {
		t.Errorf("retry = %v, %v", listed, err)
	}
	if f.calls.Load() != 2 {
		t.Errorf("expected the failed key to be asked again, got %d calls", f.calls.Load())
	}
}

func TestPrefetchResolvesUnknown(t *testing.T) {
	f := &fakeChecker{listed: map[int64]bool{2: true}}
	c := NewCache(f, 2, nil)
	defer c.Close()

	if _, err := c.Lookup(context.Background(), types.DefaultCollection, big.NewInt(1)); err != nil {
		t.Fatal(err)
	}

	var (
		mu       sync.Mutex
		resolved = map[string]bool{}
	)
	done := make(chan struct{}, 3)
	c.Prefetch([]types.WalletItem{item(1), item(2), item(3), item(2)}, func(key types.StakeKey, listed bool) {
		mu.Lock()
		resolved[key.TokenID] = listed
		mu.Unlock()
		done <- struct{}{}
	})
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("prefetch did not resolve")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(resolved) != 2 || !resolved["2"] || resolved["3"] {
		t.Errorf("unexpected resolutions %v", resolved)
	}
	if f.calls.Load() != 3 {
		t.Errorf("cached and duplicate items must not be looked up again, got %d calls", f.calls.Load())
	}
	if c.Len() != 3 {
		t.Errorf("expected 3 cached entries, got %d", c.Len())
	}
}

func TestCloseAbandonsPending(t *testing.T) {
	f := &fakeChecker{gate: make(chan struct{})}
	c := NewCache(f, 1, nil)

	c.Prefetch([]types.WalletItem{item(1), item(2)}, nil)
	time.Sleep(10 * time.Millisecond)
	c.Close()
	c.Close()
	c.Prefetch([]types.WalletItem{item(9)}, nil)
	if c.Peek(types.DefaultCollection, big.NewInt(1)) != Unknown {
		t.Error("abandoned lookup must not be cached")
	}
}
