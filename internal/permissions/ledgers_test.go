package permissions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanizio/rankbot/internal/position"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	ledgers map[string]*position.Ledger
	err     error
	gate    chan struct{} // when set, loads block until closed
	entered chan struct{} // when set, receives once per load before gate
}

func (f *fakeSource) Ledger(ctx context.Context, userID string) (*position.Ledger, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if l, ok := f.ledgers[userID]; ok {
		return l, nil
	}
	return position.NewLedger(userID), nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestLedgerCacheHitsAndInvalidate(t *testing.T) {
	src := &fakeSource{}
	c := NewLedgerCache(src, 8, time.Minute)
	ctx := context.Background()

	a, err := c.Ledger(ctx, "u")
	require.NoError(t, err)
	b, err := c.Ledger(ctx, "u")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, src.count())

	c.Invalidate("u")
	_, ok := c.Cached("u")
	assert.False(t, ok)
	_, err = c.Ledger(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count())

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestLedgerCacheTTL(t *testing.T) {
	src := &fakeSource{}
	c := NewLedgerCache(src, 8, time.Minute)
	now := time.Unix(0, 0)
	c.SetClock(func() time.Time { return now })

	_, err := c.Ledger(context.Background(), "u")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = c.Ledger(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count())
}

func TestLedgerCacheCoalescesConcurrentMisses(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	c := NewLedgerCache(src, 8, time.Minute)

	var wg sync.WaitGroup
	results := make([]*position.Ledger, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := c.Ledger(context.Background(), "u")
			assert.NoError(t, err)
			results[i] = l
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.LessOrEqual(t, src.count(), 2, "concurrent misses share a load")
	for _, l := range results {
		assert.Equal(t, "u", l.UserID())
	}
}

func TestLedgerCacheDropsLoadOvertakenByInvalidate(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := NewLedgerCache(src, 8, time.Minute)

	done := make(chan *position.Ledger)
	go func() {
		l, err := c.Ledger(context.Background(), "u")
		assert.NoError(t, err)
		done <- l
	}()
	<-src.entered
	c.Invalidate("u")
	close(src.gate)

	l := <-done
	require.NotNil(t, l, "the overtaken load still answers its caller")
	_, ok := c.Cached("u")
	assert.False(t, ok, "an overtaken load must not be cached")

	src.entered = nil
	_, err := c.Ledger(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count())
	_, ok = c.Cached("u")
	assert.True(t, ok)
}

func TestLedgerCacheDoesNotCacheErrors(t *testing.T) {
	boom := errors.New("boom")
	src := &fakeSource{err: boom}
	c := NewLedgerCache(src, 0, 0)

	_, err := c.Ledger(context.Background(), "u")
	assert.ErrorIs(t, err, boom)

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	l, err := c.Ledger(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "u", l.UserID())
	assert.Equal(t, 2, src.count())
}
