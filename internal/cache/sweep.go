// sweep.go houses the expiry loop for Cache.  Every sweep interval it
// removes entries whose IsCacheExpired(now) is true:
//
//   - rows whose lifetime timer elapsed
//   - rows a table expiry hook declares dead (ended sessions, old games)
//
// Each sweep is logged when it removes something and is counted in
// Prometheus.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/metrics"
)

// Start runs the sweep loop in a new goroutine until ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	go c.sweepLoop(ctx)
}

func (c *Cache) sweepLoop(ctx context.Context) {
	if c.sweepEvery <= 0 {
		return
	}
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := c.RemoveExpired()
			metrics.CacheSweepsTotal.WithLabelValues(c.table).Inc()
			if n > 0 {
				zap.L().Debug("cache sweep",
					zap.String("table", c.table),
					zap.Int("expired", n))
			}
		}
	}
}
