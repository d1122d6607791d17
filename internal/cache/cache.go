// internal/cache/cache.go
//
// Per-table, TTL-based row cache.
//
// Context
// -------
// A Cache owns the rows of one table, keyed by row.ID.  Each entry is
// either present and fresh, present and expired (waiting for the next
// sweep), or absent.  Pushing a row whose ID already exists merges into
// the existing entry instead of duplicating it, and an update that changes
// a row's ID re-keys the entry so no two keys ever share state.
//
// Reads hand out live rows for synchronous use within one logical
// operation.  Events hand out clones.
//
// Workflow
// --------
//  1. store.Table fetches rows and calls SetAll or Push.
//  2. IPC notifications call Push, Update, or FilterOut.
//  3. Start runs the sweep loop (see sweep.go) until ctx is cancelled.
//
// Notes
// -----
// • Default lifetime is one hour, default sweep interval two minutes.
// • Rows without an ID are never stored.
package cache

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/yanizio/rankbot/internal/metrics"
	"github.com/yanizio/rankbot/internal/row"
)

// Static defaults.  Override via Options or the cache config section.
const (
	DefaultLifetime      = time.Hour
	DefaultSweepInterval = 2 * time.Minute
)

// Option configures a Cache.
type Option func(*Cache)

// WithLifetime sets how long a pushed row stays fresh.  Zero disables the
// timer so only table expiry hooks apply.
func WithLifetime(d time.Duration) Option { return func(c *Cache) { c.lifetime = d } }

// WithSweepInterval sets the sweep cadence used by Start.
func WithSweepInterval(d time.Duration) Option { return func(c *Cache) { c.sweepEvery = d } }

// WithClock replaces time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// Cache is safe for concurrent use.
type Cache struct {
	table      string
	lifetime   time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	data     map[string]*row.Row
	pending  []Event
	draining bool

	subMu   sync.RWMutex
	subs    map[uint64]subscription
	nextSub uint64
}

// New constructs an empty cache for table.
func New(table string, opts ...Option) *Cache {
	c := &Cache{
		table:      table,
		lifetime:   DefaultLifetime,
		sweepEvery: DefaultSweepInterval,
		now:        time.Now,
		data:       make(map[string]*row.Row),
		subs:       make(map[uint64]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Table returns the table name the cache serves.
func (c *Cache) Table() string { return c.table }

// unlock releases the write lock, refreshes the size gauge, and delivers
// queued events.
func (c *Cache) unlock() {
	n := len(c.data)
	c.mu.Unlock()
	metrics.CacheEntries.WithLabelValues(c.table).Set(float64(n))
	c.flush()
}

//
// Reads
//

// All returns every row ordered by ID.
func (c *Cache) All() []*row.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valuesLocked()
}

func (c *Cache) valuesLocked() []*row.Row {
	out := make([]*row.Row, 0, len(c.data))
	for _, id := range slices.Sorted(maps.Keys(c.data)) {
		out = append(out, c.data[id])
	}
	return out
}

// Keys returns every ID, sorted.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.data))
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Resolve looks up the row whose ID is the given key parts joined.
func (c *Cache) Resolve(parts ...any) *row.Row {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = row.IDPart(p)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[joinID(strs)]
}

// Get returns every row matched by sel.
func (c *Cache) Get(sel Selector) []*row.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getLocked(sel)
}

func (c *Cache) getLocked(sel Selector) []*row.Row {
	switch {
	case sel.ids != nil:
		out := make([]*row.Row, 0, len(sel.ids))
		for _, id := range sel.ids {
			if r, ok := c.data[id]; ok {
				out = append(out, r)
			}
		}
		return out
	case sel.fields != nil:
		return c.filterLocked(func(r *row.Row) bool { return r.Equals(sel.fields) })
	default:
		return c.valuesLocked()
	}
}

// Find returns the first row matched by sel, or nil.  The zero Selector
// finds nothing.
func (c *Cache) Find(sel Selector) *row.Row {
	if sel.ids == nil && sel.fields == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sel.ids != nil {
		if len(sel.ids) == 0 {
			return nil
		}
		return c.data[sel.ids[0]]
	}
	for _, r := range c.valuesLocked() {
		if r.Equals(sel.fields) {
			return r
		}
	}
	return nil
}

// FindFunc returns the first row, in ID order, for which pred is true.
func (c *Cache) FindFunc(pred func(*row.Row) bool) *row.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.valuesLocked() {
		if pred(r) {
			return r
		}
	}
	return nil
}

// Filter returns every row for which pred is true.
func (c *Cache) Filter(pred func(*row.Row) bool) []*row.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filterLocked(pred)
}

func (c *Cache) filterLocked(pred func(*row.Row) bool) []*row.Row {
	var out []*row.Row
	for _, r := range c.valuesLocked() {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// Index maps the value of col to its row.  Later IDs win on duplicates.
func (c *Cache) Index(col string) map[string]*row.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*row.Row, len(c.data))
	for _, r := range c.valuesLocked() {
		out[r.String(col)] = r
	}
	return out
}

// Group maps the value of col to every row carrying it.
func (c *Cache) Group(col string) map[string][]*row.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]*row.Row)
	for _, r := range c.valuesLocked() {
		k := r.String(col)
		out[k] = append(out[k], r)
	}
	return out
}

//
// Mutations
//

// Push inserts r, or merges it into existing (or the entry sharing its ID)
// when there is one.  Returns the canonical entry.
func (c *Cache) Push(r *row.Row, existing *row.Row) *row.Row {
	if r == nil {
		return nil
	}
	c.mu.Lock()
	defer c.unlock()
	return c.pushLocked(r, existing)
}

func (c *Cache) pushLocked(r, existing *row.Row) *row.Row {
	id := r.ID()
	if existing == nil && id != "" {
		existing = c.data[id]
	}
	if existing != nil {
		c.updateWithLocked(r.Fields(), existing)
		return existing
	}
	if id == "" {
		return r
	}
	c.data[id] = r
	c.setExpiration(r)
	c.emit(EventPush, r)
	return r
}

// SetAll replaces the whole table.  New IDs are announced with push,
// vanished IDs are removed (destroy + remove event), then timers are reset
// and anything already expired is swept.
func (c *Cache) SetAll(rows []*row.Row) {
	c.mu.Lock()
	defer c.unlock()

	fresh := make(map[string]*row.Row, len(rows))
	for _, r := range rows {
		id := r.ID()
		if id == "" || r.IsCacheExpired(0) {
			continue
		}
		if _, known := c.data[id]; !known {
			if _, dup := fresh[id]; !dup {
				c.emit(EventPush, r)
			}
		}
		fresh[id] = r
	}
	for _, id := range slices.Sorted(maps.Keys(c.data)) {
		if _, keep := fresh[id]; !keep {
			c.removeLocked(id)
		}
	}
	c.data = fresh
	for _, r := range fresh {
		c.setExpiration(r)
	}
	c.removeExpiredLocked(c.nowUnix())
}

// Update applies data to every row matched by sel and returns how many
// actually changed.
func (c *Cache) Update(sel Selector, data row.Fields) int {
	c.mu.Lock()
	defer c.unlock()
	n := 0
	for _, r := range c.getLocked(sel) {
		if c.updateWithLocked(data, r) {
			n++
		}
	}
	return n
}

// updateWithLocked merges data into existing.  A changed ID re-keys the
// entry: the old key is removed and the row pushed again under the new
// one, merging with any entry already living there.
func (c *Cache) updateWithLocked(data row.Fields, existing *row.Row) bool {
	if existing.ExactlyEquals(data) {
		return false
	}
	oldID := existing.ID()
	existing.Update(data)
	if existing.ID() != oldID {
		if oldID != "" && c.data[oldID] == existing {
			c.removeLocked(oldID)
		}
		c.pushLocked(existing, nil)
		return true
	}
	if oldID != "" && c.data[oldID] == existing {
		c.setExpiration(existing)
		c.emit(EventUpdate, existing)
	}
	return true
}

// Remove evicts id, runs the row's destroy hook, and emits remove.
// Removing an absent ID is a no-op returning nil.
func (c *Cache) Remove(id string) *row.Row {
	c.mu.Lock()
	defer c.unlock()
	return c.removeLocked(id)
}

func (c *Cache) removeLocked(id string) *row.Row {
	r, ok := c.data[id]
	if !ok {
		return nil
	}
	r.Destroy()
	delete(c.data, id)
	c.emit(EventRemove, r)
	return r
}

// FilterOut removes every row matched by sel and returns them.
func (c *Cache) FilterOut(sel Selector) []*row.Row {
	c.mu.Lock()
	defer c.unlock()
	matched := c.getLocked(sel)
	for _, r := range matched {
		c.removeLocked(r.ID())
	}
	return matched
}

// RemoveExpired sweeps every entry whose IsCacheExpired(now) is true and
// returns how many left.
func (c *Cache) RemoveExpired() int {
	c.mu.Lock()
	defer c.unlock()
	return c.removeExpiredLocked(c.nowUnix())
}

func (c *Cache) removeExpiredLocked(now int64) int {
	n := 0
	for _, id := range slices.Sorted(maps.Keys(c.data)) {
		if c.data[id].IsCacheExpired(now) {
			c.removeLocked(id)
			n++
		}
	}
	return n
}

func (c *Cache) setExpiration(r *row.Row) {
	if c.lifetime > 0 {
		r.SetCacheExpiration(c.now().Add(c.lifetime).Unix())
	}
}

func (c *Cache) nowUnix() int64 { return c.now().Unix() }
