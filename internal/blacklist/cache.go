// Package blacklist caches isBlacklisted answers for the session.
package blacklist

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/workerpool"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
	"github.com/moltbunker/stakedash/pkg/types"
)

// DefaultWorkers bounds background resolution.
const DefaultWorkers = 4

// Status is what the grid knows about a token.
type Status int

const (
	// Unknown renders as "not blacklisted, check pending".
	Unknown Status = iota
	Clear
	Blacklisted
)

func (s Status) String() string {
	switch s {
	case Clear:
		return "clear"
	case Blacklisted:
		return "blacklisted"
	}
	return "pending"
}

// Checker is the contract view.
type Checker interface {
	IsBlacklisted(ctx context.Context, collection common.Address, tokenID *big.Int) (bool, error)
}

// Cache coalesces lookups per (collection, tokenId). Answers never expire;
// errors are not cached.
type Cache struct {
	checker Checker
	entries *cache.Cache
	group   singleflight.Group
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queued  map[string]bool
	workers *workerpool.WorkerPool
	closed  bool
}

// NewCache creates a cache resolving in the background on up to workers
// goroutines. Close releases them.
func NewCache(checker Checker, workers int, m *metrics.Collector) *Cache {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		checker: checker,
		entries: cache.New(cache.NoExpiration, 0),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		queued:  make(map[string]bool),
		workers: workerpool.New(workers),
	}
}

func cacheKey(collection common.Address, id *big.Int) string {
	return collection.Hex() + ":" + id.String()
}

// Peek returns the cached status without a network call.
func (c *Cache) Peek(collection common.Address, id *big.Int) Status {
	v, ok := c.entries.Get(cacheKey(collection, id))
	if !ok {
		return Unknown
	}
	if v.(bool) {
		return Blacklisted
	}
	return Clear
}

// Lookup returns the cached answer or asks the contract. Concurrent lookups
// of one key share a view call.
func (c *Cache) Lookup(ctx context.Context, collection common.Address, id *big.Int) (bool, error) {
	key := cacheKey(collection, id)
	if v, ok := c.entries.Get(key); ok {
		c.metrics.RecordBlacklistLookup("hit")
		return v.(bool), nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		listed, err := c.checker.IsBlacklisted(c.ctx, collection, id)
		if err != nil {
			c.metrics.RecordBlacklistLookup(metrics.OutcomeError)
			return false, err
		}
		c.entries.Set(key, listed, cache.NoExpiration)
		c.metrics.RecordBlacklistLookup("miss")
		return listed, nil
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return false, r.Err
		}
		return r.Val.(bool), nil
	}
}

// Prefetch resolves unknown items on the worker pool and calls onResolved
// for each answer. Items already cached or queued are skipped.
func (c *Cache) Prefetch(items []types.WalletItem, onResolved func(key types.StakeKey, blacklisted bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, it := range items {
		if it.TokenID == nil || c.Peek(it.Collection, it.TokenID) != Unknown {
			continue
		}
		key := cacheKey(it.Collection, it.TokenID)
		if c.queued[key] {
			continue
		}
		c.queued[key] = true

		collection, id := it.Collection, new(big.Int).Set(it.TokenID)
		c.workers.Submit(func() {
			listed, err := c.Lookup(c.ctx, collection, id)
			c.mu.Lock()
			delete(c.queued, key)
			c.mu.Unlock()
			if err != nil {
				if c.ctx.Err() == nil {
					logging.Debug("blacklist lookup failed",
						logging.Component("blacklist"), logging.TokenID(id), logging.Err(err))
				}
				return
			}
			if onResolved != nil {
				onResolved(types.KeyOf(collection, id), listed)
			}
		})
	}
}

// Len is the number of cached answers.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

// Close abandons queued lookups and waits for the workers.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.workers.Stop()
}
