// internal/rolesync/rolesync.go
//
// Applies and retracts position roles after permission updates.
//
// Context
// -------
// Syncer subscribes to the permission engine.  Every Update queues its
// user; Run drains the queue on one goroutine and, for each guild the user
// is a cached member of, adds the missing roles and removes the wrong ones
// (see permissions.Reconcile).  Role calls for one user run concurrently,
// bounded by Options.Parallel.
//
// A user queued again before their sync runs is synced once, with the
// newest Update.  Member state is re-read from guild.State at sync time, so
// a late sync never acts on an old role list.
//
// Notes
// -----
// • Roles the bot cannot manage never reach the platform; Reconcile has
//   already filtered them out.
// • Each role call has its own timeout; one slow call does not hold up the
//   queue past Options.CallTimeout.
// • Every call is recorded just before it is made.  The gateway echoes it
//   back as a member update, and Caused lets the adapter recognise the
//   echo instead of treating it as a new role change.
package rolesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/metrics"
	"github.com/yanizio/rankbot/internal/permissions"
)

// Static defaults.
const (
	Parallel    = 4
	CallTimeout = 10 * time.Second

	// EchoWindow is how long a role call is remembered for Caused.
	EchoWindow = 30 * time.Second
)

// Options tune a Syncer.  Zero values fall back to the defaults.
type Options struct {
	Parallel    int
	CallTimeout time.Duration
}

// Change is one role call.
type Change struct {
	GuildID string
	RoleID  string
	Err     error
}

// Result reports what Sync did for one user.
type Result struct {
	Added   []Change
	Removed []Change
}

// Syncer is safe for concurrent use.
type Syncer struct {
	perms *permissions.Manager
	roles guild.RoleApplier
	opts  Options

	mu      sync.Mutex
	pending map[string]*permissions.Permissible
	order   []string
	wake    chan struct{}

	echoMu sync.Mutex
	echoes map[echo]time.Time
	now    func() time.Time
}

// echo is one role call as the gateway will report it back.
type echo struct {
	guildID, userID, roleID string
	added                   bool
}

// New returns a Syncer.  Call Attach and Run to start it.
func New(perms *permissions.Manager, roles guild.RoleApplier, opts Options) *Syncer {
	if opts.Parallel <= 0 {
		opts.Parallel = Parallel
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = CallTimeout
	}
	return &Syncer{
		perms:   perms,
		roles:   roles,
		opts:    opts,
		pending: make(map[string]*permissions.Permissible),
		wake:    make(chan struct{}, 1),
		echoes:  make(map[echo]time.Time),
		now:     time.Now,
	}
}

// Attach subscribes s to perms' updates.
func (s *Syncer) Attach() (stop func()) {
	return s.perms.Subscribe(func(u permissions.Update) { s.Enqueue(u.User) })
}

// Enqueue schedules user for a sync.
func (s *Syncer) Enqueue(user *permissions.Permissible) {
	if user == nil || user.UserID == s.perms.State().BotUserID() {
		return
	}
	s.mu.Lock()
	if _, queued := s.pending[user.UserID]; !queued {
		s.order = append(s.order, user.UserID)
	}
	s.pending[user.UserID] = user
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued users.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Run drains the queue until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.drain(ctx)
		}
	}
}

func (s *Syncer) drain(ctx context.Context) {
	for ctx.Err() == nil {
		user, ok := s.next()
		if !ok {
			return
		}
		if _, err := s.Sync(ctx, user); err != nil {
			zap.L().Warn("role sync incomplete",
				zap.String("user", user.UserID),
				zap.Error(err))
		}
	}
}

func (s *Syncer) next() (*permissions.Permissible, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil, false
	}
	id := s.order[0]
	s.order = s.order[1:]
	user := s.pending[id]
	delete(s.pending, id)
	return user, true
}

// Sync reconciles user in every guild they are a cached member of.  The
// returned error is the first failed role call; Result lists all of them.
func (s *Syncer) Sync(ctx context.Context, user *permissions.Permissible) (Result, error) {
	var (
		res Result
		mu  sync.Mutex
		g   errgroup.Group
	)
	g.SetLimit(s.opts.Parallel)

	state := s.perms.State()
	for _, guildID := range state.MemberGuilds(user.UserID) {
		member, ok := state.Member(guildID, user.UserID)
		if !ok {
			continue
		}
		rec := s.perms.Reconcile(member, user.Ledger)
		for _, b := range rec.Missing {
			g.Go(func() error {
				err := s.call(ctx, "add", s.roles.AddRole, echo{guildID, user.UserID, b.RoleID, true})
				mu.Lock()
				res.Added = append(res.Added, Change{GuildID: guildID, RoleID: b.RoleID, Err: err})
				mu.Unlock()
				return err
			})
		}
		for _, b := range rec.Wrong {
			g.Go(func() error {
				err := s.call(ctx, "remove", s.roles.RemoveRole, echo{guildID, user.UserID, b.RoleID, false})
				mu.Lock()
				res.Removed = append(res.Removed, Change{GuildID: guildID, RoleID: b.RoleID, Err: err})
				mu.Unlock()
				return err
			})
		}
	}
	err := g.Wait()
	return res, err
}

func (s *Syncer) call(ctx context.Context, action string,
	fn func(ctx context.Context, guildID, userID, roleID string) error, e echo) error {

	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	// The gateway event can arrive before the call returns.
	s.remember(e)
	if err := fn(ctx, e.guildID, e.userID, e.roleID); err != nil {
		s.forget(e)
		metrics.RoleSyncTotal.WithLabelValues(action, "error").Inc()
		return fmt.Errorf("rolesync: %s role %s for %s in %s: %w", action, e.roleID, e.userID, e.guildID, err)
	}
	metrics.RoleSyncTotal.WithLabelValues(action, "ok").Inc()
	zap.L().Info("role synced",
		zap.String("action", action),
		zap.String("guild", e.guildID),
		zap.String("user", e.userID),
		zap.String("role", e.roleID))
	return nil
}

//
// echoes
//

func (s *Syncer) remember(e echo) {
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	now := s.now()
	for k, at := range s.echoes {
		if now.Sub(at) > EchoWindow {
			delete(s.echoes, k)
		}
	}
	s.echoes[e] = now
}

func (s *Syncer) forget(e echo) {
	s.echoMu.Lock()
	delete(s.echoes, e)
	s.echoMu.Unlock()
}

// Caused reports whether every role difference between old and cur is a
// call s made within EchoWindow.  A match consumes the recorded calls, so
// the same change made again by someone else is not mistaken for an echo.
func (s *Syncer) Caused(old, cur guild.Member) bool {
	var diff []echo
	for _, r := range cur.Roles {
		if !old.HasRole(r) {
			diff = append(diff, echo{cur.GuildID, cur.UserID, r, true})
		}
	}
	for _, r := range old.Roles {
		if !cur.HasRole(r) {
			diff = append(diff, echo{cur.GuildID, cur.UserID, r, false})
		}
	}
	if len(diff) == 0 {
		return false
	}

	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	now := s.now()
	for _, e := range diff {
		at, ok := s.echoes[e]
		if !ok || now.Sub(at) > EchoWindow {
			return false
		}
	}
	for _, e := range diff {
		delete(s.echoes, e)
	}
	return true
}
