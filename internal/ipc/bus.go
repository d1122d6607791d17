// internal/ipc/bus.go
//
// In-process fan-out of change notifications.
//
// Context
// -------
// A Bus maps channel names to subscriber callbacks.  Postgres deployments
// feed it from LISTEN/NOTIFY (see listener.go); MySQL deployments and tests
// use a bare Bus and call Dispatch directly.  Subscribers run synchronously
// on the dispatching goroutine, in subscription order.
//
// Notes
// -----
// • A panicking subscriber is logged and skipped.
package ipc

import (
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/metrics"
)

// Bus is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]func([]byte)
	next     uint64

	// onNewChannel is called outside the lock the first time a channel
	// gains a subscriber.
	onNewChannel func(channel string)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[uint64]func([]byte))}
}

// Subscribe registers fn for channel.  The returned func removes it.
func (b *Bus) Subscribe(channel string, fn func(payload []byte)) (unsubscribe func()) {
	b.mu.Lock()
	subs, known := b.handlers[channel]
	if !known {
		subs = make(map[uint64]func([]byte))
		b.handlers[channel] = subs
	}
	b.next++
	id := b.next
	subs[id] = fn
	hook := b.onNewChannel
	b.mu.Unlock()

	if !known && hook != nil {
		hook(channel)
	}
	return func() {
		b.mu.Lock()
		delete(b.handlers[channel], id)
		b.mu.Unlock()
	}
}

// Channels lists every channel with at least one subscriber ever, sorted.
func (b *Bus) Channels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.handlers))
}

// Dispatch delivers payload to every subscriber of channel.
func (b *Bus) Dispatch(channel string, payload []byte) {
	b.mu.RLock()
	subs := b.handlers[channel]
	ids := slices.Sorted(maps.Keys(subs))
	fns := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, subs[id])
	}
	b.mu.RUnlock()

	metrics.IPCNotificationsTotal.WithLabelValues(channel).Inc()
	for _, fn := range fns {
		call(channel, fn, payload)
	}
}

func call(channel string, fn func([]byte), payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("ipc subscriber panic",
				zap.String("channel", channel),
				zap.Any("panic", rec))
		}
	}()
	fn(payload)
}
