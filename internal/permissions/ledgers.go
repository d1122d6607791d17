// internal/permissions/ledgers.go
//
// Bounded, coalescing cache of per-user position ledgers.
//
// Context
// -------
// Every permission decision wants the user's ledger.  Loading it is one
// query, but a busy guild asks for the same user many times a second, so
// ledgers sit in an LRU with a TTL and concurrent misses for one user share
// a single load through singleflight.
//
// Change notifications on user_position call Invalidate, so a grant or a
// revocation is visible on the next decision rather than after the TTL.
//
// Notes
// -----
// • A failed load is not cached; the next caller retries.
// • A load that Invalidate or Purge overtakes still answers its callers but
//   is not cached.
package permissions

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yanizio/rankbot/internal/cache"
	"github.com/yanizio/rankbot/internal/metrics"
	"github.com/yanizio/rankbot/internal/position"
)

// Static defaults.  Override via the cache section of the config.
const (
	LedgerCapacity = 4096
	LedgerTTL      = 10 * time.Minute
)

// LedgerSource loads one user's ledger.  *position.Repository implements
// it.
type LedgerSource interface {
	Ledger(ctx context.Context, userID string) (*position.Ledger, error)
}

// LedgerCache is safe for concurrent use.
type LedgerCache struct {
	source LedgerSource
	sfg    singleflight.Group
	lru    *cache.LRU[string, *position.Ledger]

	mu       sync.Mutex
	inflight map[string]uint64 // generation per loading user
}

// NewLedgerCache wraps source.  Non-positive capacity or ttl fall back to
// the defaults.
func NewLedgerCache(source LedgerSource, capacity int, ttl time.Duration) *LedgerCache {
	if capacity <= 0 {
		capacity = LedgerCapacity
	}
	if ttl <= 0 {
		ttl = LedgerTTL
	}
	return &LedgerCache{
		source:   source,
		lru:      cache.NewLRU[string, *position.Ledger](capacity, ttl),
		inflight: make(map[string]uint64),
	}
}

// SetClock swaps the clock used for TTL checks.  Tests only.
func (c *LedgerCache) SetClock(now func() time.Time) { c.lru.SetClock(now) }

// Ledger returns userID's ledger, loading it on demand.
func (c *LedgerCache) Ledger(ctx context.Context, userID string) (*position.Ledger, error) {
	if l, ok := c.lru.Get(userID); ok {
		return l, nil
	}

	v, err, _ := c.sfg.Do(userID, func() (interface{}, error) {
		// Double-check after singleflight barrier.
		if l, ok := c.lru.Get(userID); ok {
			return l, nil
		}
		c.mu.Lock()
		c.inflight[userID] = 0
		c.mu.Unlock()

		l, err := c.source.Ledger(ctx, userID)

		c.mu.Lock()
		stale := c.inflight[userID] != 0
		delete(c.inflight, userID)
		if err == nil && !stale {
			c.lru.Add(userID, l)
		}
		c.mu.Unlock()

		if err != nil {
			metrics.LedgerLoadErrorsTotal.Inc()
			return nil, err
		}
		metrics.LedgerLoadTotal.Inc()
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*position.Ledger), nil
}

// Cached returns userID's ledger only if it is already loaded.
func (c *LedgerCache) Cached(userID string) (*position.Ledger, bool) {
	return c.lru.Get(userID)
}

// Invalidate drops userID's ledger so the next call reloads it.
func (c *LedgerCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen, ok := c.inflight[userID]; ok {
		c.inflight[userID] = gen + 1
	}
	c.lru.Remove(userID)
}

// Purge drops every ledger.
func (c *LedgerCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, gen := range c.inflight {
		c.inflight[id] = gen + 1
	}
	c.lru.Purge()
}

func (c *LedgerCache) Len() int { return c.lru.Len() }
