// internal/bot/bot.go
//
// Process context.
//
// Context
// -------
// Bot owns everything a running process shares: the database pool, the
// schema registry, one store.Table per table, the change-notification
// bus, the permission engine with its ledger cache, the host guild
// manager, the role synchroniser, and the command registry.  Nothing is
// global; New builds the graph explicitly and Close tears it down.
//
// Construction order matters in one place.  Store tables subscribe to the
// bus before the host manager does, so by the time the host manager reacts
// to a ledger or binding notification the caches already hold the change.
//
// Start runs the background loops (notification feed, cache sweeps, role
// sync, holding expiry, and the operations listener) until ctx ends.
//
// Notes
// -----
// • On Postgres the bus is fed by LISTEN/NOTIFY; on MySQL it is local to
//   the process and only sees what this process publishes.
// • Only a process with serves_host set reacts to host guild events and
//   runs the expiry job.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanizio/rankbot/internal/cache"
	"github.com/yanizio/rankbot/internal/command"
	"github.com/yanizio/rankbot/internal/config"
	"github.com/yanizio/rankbot/internal/database"
	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/host"
	"github.com/yanizio/rankbot/internal/ipc"
	"github.com/yanizio/rankbot/internal/permissions"
	"github.com/yanizio/rankbot/internal/position"
	"github.com/yanizio/rankbot/internal/rolesync"
	"github.com/yanizio/rankbot/internal/row"
	"github.com/yanizio/rankbot/internal/server"
	"github.com/yanizio/rankbot/internal/session"
	"github.com/yanizio/rankbot/internal/statement"
	"github.com/yanizio/rankbot/internal/store"
)

// ExpireInterval is how often lapsed holdings are removed.
const ExpireInterval = time.Minute

// Deps are the pieces New does not build itself.
type Deps struct {
	// DB replaces the pool described by cfg.Database.
	DB *sqlx.DB
	// Bus replaces the notification feed.
	Bus *ipc.Bus
	// State and Roles come from the gateway adapter.
	State *guild.State
	Roles guild.RoleApplier
	// Checks are added to /healthz.
	Checks []server.Check
}

// Bot is the running process.
type Bot struct {
	cfg *config.Config

	DB         *sqlx.DB
	Schemas    *row.Registry
	Positions  *position.Repository
	Sessions   *session.Repository
	Bus        *ipc.Bus
	State      *guild.State
	Ledgers    *permissions.LedgerCache
	Perms      *permissions.Manager
	Host       *host.Manager // nil unless this process serves the host guild
	Sync       *rolesync.Syncer
	Commands   *command.Registry
	Dispatcher *command.Dispatcher

	listener *ipc.Listener
	caches   []*cache.Cache
	checks   []server.Check
	stops    []func()
	now      func() time.Time
}

// New builds the process graph and warms the position caches.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Bot, error) {
	if deps.State == nil || deps.Roles == nil {
		return nil, errors.New("bot: gateway state and role applier are required")
	}
	b, err := Open(ctx, cfg, deps.DB)
	if err != nil {
		return nil, err
	}
	b.State = deps.State
	b.checks = append(b.checks, deps.Checks...)

	b.Bus = deps.Bus
	if b.Bus == nil {
		b.Bus = ipc.NewBus()
		if cfg.Database.Driver == database.Postgres {
			b.listener = ipc.Listen(database.DSN(cfg.Database.DSN, cfg.Database.Password))
			b.listener.OnReconnect = func() { b.resync(ctx) }
			b.Bus = b.listener.Bus
		}
	}

	if err := b.Positions.Load(ctx); err != nil {
		b.Close()
		return nil, err
	}

	b.Ledgers = permissions.NewLedgerCache(b.Positions, cfg.Cache.LedgerCapacity, cfg.Cache.LedgerTTL)
	b.Perms = permissions.New(b.Positions.Catalog(), b.State, b.Ledgers, permissions.Config{
		HostGuildID: cfg.Bot.HostGuildID,
		OwnerID:     cfg.Bot.OwnerID,
		MinMembers:  cfg.Bot.MinMembers,
	})

	b.stops = append(b.stops, b.Positions.Listen(b.Bus), b.Sessions.Listen(b.Bus))
	if cfg.Bot.HostGuildID != "" && cfg.Bot.ServesHost {
		b.Host = host.New(b.Perms, deps.Roles)
		b.stops = append(b.stops, b.Host.Attach(ctx, b.Bus))
	}

	b.Sync = rolesync.New(b.Perms, deps.Roles, rolesync.Options{Parallel: cfg.Bot.SyncParallel})
	b.stops = append(b.stops, b.Sync.Attach())

	b.Commands = command.NewRegistry()
	err = b.Commands.RegisterAll(command.Builtins(b.Perms, b.Positions, nil)...)
	if err == nil {
		err = b.Commands.RegisterAll(command.Sessions(b.Sessions,
			permissions.Requirement{RequiredPermissions: []string{"ManageEvents"}})...)
	}
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Dispatcher = command.NewDispatcher(b.Commands, b.Perms)

	zap.L().Info("bot ready",
		zap.String("driver", cfg.Database.Driver),
		zap.String("host_guild", cfg.Bot.HostGuildID),
		zap.Bool("serves_host", b.Host != nil),
		zap.Int("positions", len(b.Perms.Catalog().Positions())))
	return b, nil
}

// Open connects to the database and builds the store tables without a
// gateway.  db replaces the pool described by cfg.Database when non-nil.
// The CLI uses the result directly; New completes it into a running bot.
func Open(ctx context.Context, cfg *config.Config, db *sqlx.DB) (*Bot, error) {
	b := &Bot{cfg: cfg, DB: db, now: time.Now}
	if b.DB == nil {
		opened, err := database.OpenWithOptions(ctx, database.Options{
			Driver:       cfg.Database.Driver,
			DSN:          cfg.Database.DSN,
			Password:     cfg.Database.Password,
			QueryTimeout: cfg.Database.QueryTimeout,
		})
		if err != nil {
			return nil, err
		}
		b.DB = opened
	}
	b.checks = []server.Check{{Name: "database", Fn: b.DB.PingContext}}

	if err := b.loadSchemas(ctx); err != nil {
		b.DB.Close()
		return nil, err
	}
	b.buildStores()
	return b, nil
}

// loadSchemas refreshes every known table schema from the database.
func (b *Bot) loadSchemas(ctx context.Context) error {
	b.Schemas = row.NewRegistry(append(position.Schemas(), session.Schemas()...)...)
	dialect := statement.DialectFor(b.DB.DriverName())
	if err := b.Schemas.Load(ctx, b.DB.DB, dialect.CurrentSchema); err != nil {
		return fmt.Errorf("bot: load schemas: %w", err)
	}
	return nil
}

// buildStores wires one table per schema.  position and position_role are
// loaded in full and follow notifications, so their rows never time out.
func (b *Bot) buildStores() {
	table := func(s *row.Schema, timed bool) *store.Table {
		opts := []cache.Option{cache.WithLifetime(0)}
		if timed {
			opts = []cache.Option{}
			if d := b.cfg.Cache.Lifetime; d > 0 {
				opts = append(opts, cache.WithLifetime(d))
			}
		}
		if d := b.cfg.Cache.SweepInterval; d > 0 {
			opts = append(opts, cache.WithSweepInterval(d))
		}
		c := cache.New(s.Table, opts...)
		b.caches = append(b.caches, c)

		var topts []store.Option
		if d := b.cfg.Database.QueryTimeout; d > 0 {
			topts = append(topts, store.WithQueryTimeout(d))
		}
		return store.NewTable(b.DB, s, c, topts...)
	}
	b.Positions = &position.Repository{
		Positions: table(position.PositionSchema, false),
		Bindings:  table(position.PositionRoleSchema, false),
		Holdings:  table(position.UserPositionSchema, true),
	}
	b.Sessions = session.NewRepository(
		table(session.SessionSchema, true),
		table(session.GameSchema, true))
}

// Start runs the background loops until ctx ends.
func (b *Bot) Start(ctx context.Context) error {
	for _, c := range b.caches {
		c.Start(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)
	if b.listener != nil {
		g.Go(func() error { return b.listener.Run(ctx) })
	}
	g.Go(func() error { return b.Sync.Run(ctx) })
	if b.Host != nil {
		g.Go(func() error { b.expireLoop(ctx); return nil })
	}
	if addr := b.cfg.HTTP.ListenAddr; addr != "" {
		srv := server.New(addr, server.Router(b.checks...))
		g.Go(func() error {
			zap.L().Info("ops listener online", zap.String("addr", addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases subscriptions, the notification feed, and the pool.
func (b *Bot) Close() error {
	for _, stop := range b.stops {
		stop()
	}
	b.stops = nil
	var errs []error
	if b.listener != nil {
		errs = append(errs, b.listener.Close())
	}
	errs = append(errs, b.DB.Close())
	return errors.Join(errs...)
}

// OnGuildReady re-evaluates every host member once the gateway delivered
// the host guild.
func (b *Bot) OnGuildReady(ctx context.Context, guildID string) {
	if b.Host != nil && guildID == b.Host.GuildID() {
		b.Host.Refresh(ctx, permissions.ReasonResync)
	}
}

// resync runs after the notification feed reconnected.  Anything published
// meanwhile was lost, so every cache that follows notifications reloads.
func (b *Bot) resync(ctx context.Context) {
	b.Ledgers.Purge()
	if err := b.Positions.Load(ctx); err != nil {
		zap.L().Error("resync failed", zap.Error(err))
		return
	}
	if b.Host != nil {
		b.Host.Refresh(ctx, permissions.ReasonResync)
	}
}

//
// holding expiry
//

func (b *Bot) expireLoop(ctx context.Context) {
	t := time.NewTicker(ExpireInterval)
	defer t.Stop()
	for {
		if _, err := b.ExpireHoldings(ctx); err != nil && ctx.Err() == nil {
			zap.L().Error("holding expiry failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// ExpireHoldings removes lapsed holdings and announces each on
// user_position_expire.
func (b *Bot) ExpireHoldings(ctx context.Context) (int, error) {
	lapsed, err := b.Positions.Expire(ctx, b.now())
	for _, up := range lapsed {
		if perr := b.publish(ctx, store.Channel(position.UserPositionTable, host.ExpireOp), up.Fields()); perr != nil {
			err = errors.Join(err, perr)
		}
	}
	if len(lapsed) > 0 {
		zap.L().Info("holdings expired", zap.Int("count", len(lapsed)))
	}
	return len(lapsed), err
}

// publish announces v on channel.  Through LISTEN/NOTIFY the message comes
// back to this process as well; a local bus gets it directly.
func (b *Bot) publish(ctx context.Context, channel string, v any) error {
	if b.listener != nil {
		return ipc.Notify(ctx, b.DB, channel, v)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bot: encode %s: %w", channel, err)
	}
	b.Bus.Dispatch(channel, payload)
	return nil
}
