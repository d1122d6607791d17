// internal/cache/events.go
//
// Change notification for the row cache.
//
// Context
// -------
// Every mutation queues a typed Event carrying a detached Clone of the
// affected row.  Events are queued while the cache lock is held, so queue
// order is mutation order, and delivered after the lock is released so
// listeners may read from (or write to) the cache without deadlocking.
//
// Exactly one goroutine drains the queue at a time.  A listener that
// mutates the cache re-enters flush, finds a drain in progress, and
// returns; its events are delivered by the outer drain right after the
// current listener returns.  In single-goroutine use every mutation method
// returns only after its events have been delivered.
//
// Subscribing without kinds receives every event (the "change" stream).
//
// Notes
// -----
// • Listener panics are recovered and logged; one bad subscriber never
//   stops delivery to the others.
package cache

import (
	"slices"

	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/metrics"
	"github.com/yanizio/rankbot/internal/row"
)

// EventKind names a mutation.
type EventKind int

const (
	EventPush EventKind = iota + 1
	EventUpdate
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventPush:
		return "push"
	case EventUpdate:
		return "update"
	case EventRemove:
		return "remove"
	}
	return "unknown"
}

// Event describes one mutation.  Row is a clone owned by the receiver.
type Event struct {
	Kind  EventKind
	Table string
	Row   *row.Row
}

// Listener receives events synchronously, in mutation order.
type Listener func(Event)

type subscription struct {
	fn    Listener
	kinds []EventKind
}

// Subscribe registers fn for the given kinds, or for every kind when none
// are given.  The returned func removes the subscription.
func (c *Cache) Subscribe(fn Listener, kinds ...EventKind) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = subscription{fn: fn, kinds: kinds}
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// emit queues an event.  Caller holds c.mu.
func (c *Cache) emit(kind EventKind, r *row.Row) {
	c.pending = append(c.pending, Event{Kind: kind, Table: c.table, Row: r.Clone()})
	metrics.CacheEventsTotal.WithLabelValues(c.table, kind.String()).Inc()
}

// flush delivers queued events unless another drain is running.
func (c *Cache) flush() {
	for {
		c.mu.Lock()
		if c.draining || len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		c.draining = true
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, ev := range batch {
			c.deliver(ev)
		}

		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}
}

func (c *Cache) deliver(ev Event) {
	c.subMu.RLock()
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, c.subs[id])
	}
	c.subMu.RUnlock()

	for _, s := range subs {
		if len(s.kinds) > 0 && !slices.Contains(s.kinds, ev.Kind) {
			continue
		}
		c.call(s.fn, Event{Kind: ev.Kind, Table: ev.Table, Row: ev.Row.Clone()})
	}
}

func (c *Cache) call(fn Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("cache listener panic",
				zap.String("table", c.table),
				zap.Stringer("event", ev.Kind),
				zap.Any("panic", rec))
		}
	}()
	fn(ev)
}
