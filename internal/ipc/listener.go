// internal/ipc/listener.go
//
// Postgres LISTEN/NOTIFY feed for the Bus.
//
// Context
// -------
// Listener owns one lib/pq Listener connection.  Every channel that gains
// a subscriber is LISTENed on, before or after Run starts.  Run pumps
// notifications into the embedded Bus until ctx is cancelled.
//
// lib/pq reconnects on its own and signals a reconnect with a nil
// notification.  Messages sent while disconnected are lost, so OnReconnect
// lets callers resync their caches.
//
// Notes
// -----
// • The connection is pinged every PingInterval so a silently dropped
//   socket is detected.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Reconnect back-off and liveness ping defaults.
const (
	MinReconnect = 5 * time.Second
	MaxReconnect = time.Minute
	PingInterval = 90 * time.Second
)

// Listener is a Bus fed by Postgres notifications.
type Listener struct {
	*Bus
	pq *pq.Listener

	// OnReconnect runs after lib/pq re-established the connection.
	OnReconnect func()
}

// Listen dials dsn and returns a Listener.  Nothing is received until Run.
func Listen(dsn string) *Listener {
	l := &Listener{Bus: NewBus()}
	l.pq = pq.NewListener(dsn, MinReconnect, MaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			zap.L().Warn("ipc listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	l.Bus.onNewChannel = l.listen
	return l
}

func (l *Listener) listen(channel string) {
	err := l.pq.Listen(channel)
	if err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		zap.L().Error("ipc listen failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Run dispatches notifications until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ping := time.NewTicker(PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-l.pq.Notify:
			if !ok {
				return errors.New("ipc: listener closed")
			}
			if n == nil {
				zap.L().Info("ipc listener reconnected")
				if l.OnReconnect != nil {
					l.OnReconnect()
				}
				continue
			}
			l.Dispatch(n.Channel, []byte(n.Extra))
		case <-ping.C:
			if err := l.pq.Ping(); err != nil {
				zap.L().Warn("ipc ping failed", zap.Error(err))
			}
		}
	}
}

// Close releases the connection.
func (l *Listener) Close() error { return l.pq.Close() }

// Notify publishes v as JSON on channel through db.
func Notify(ctx context.Context, db *sqlx.DB, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: encode %s: %w", channel, err)
	}
	if _, err := db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("ipc: notify %s: %w", channel, err)
	}
	return nil
}
