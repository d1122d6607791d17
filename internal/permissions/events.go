// internal/permissions/events.go
//
// Permission update fan-out.
//
// Context
// -------
// Anything that can change what a user holds ends in an Update: a member's
// roles changing in a guild, a ledger row being written, a binding being
// added, a ban, or a member leaving.  Role sync and audit logging subscribe
// here; producers are OnRoleChange below and the host guild manager.
//
// Subscribers run synchronously, in subscription order, on the producer's
// goroutine.  A subscriber that needs I/O starts its own goroutine.  A
// panicking subscriber is logged and skipped.
//
// Notes
// -----
// • Changes made by the bot itself are ignored, or role sync would react
//   to its own corrections.
package permissions

import (
	"context"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/position"
)

// Reason says what triggered an Update.
type Reason string

const (
	ReasonRoles    Reason = "roles"    // member roles changed in a guild
	ReasonLedger   Reason = "ledger"   // user_position written or expired
	ReasonBindings Reason = "bindings" // position_role changed in the host guild
	ReasonBan      Reason = "ban"      // host guild ban added or removed
	ReasonLeave    Reason = "leave"    // member left the host guild
	ReasonResync   Reason = "resync"   // start-up or notification feed reconnect
)

// Update reports that User's positions may have changed.
type Update struct {
	User       *Permissible
	Reason     Reason
	ExecutorID string              // who caused it, "" if unknown
	Gained     []position.Position // positions derived from roles, if known
	Lost       []position.Position
	Expiration time.Time // set when a ledger grant carries one
}

// Subscribe registers fn for every Update.
func (m *Manager) Subscribe(fn func(Update)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Emit delivers u to every subscriber.
func (m *Manager) Emit(u Update) {
	m.subMu.RLock()
	ids := slices.Sorted(maps.Keys(m.subs))
	fns := make([]func(Update), len(ids))
	for i, id := range ids {
		fns[i] = m.subs[id]
	}
	m.subMu.RUnlock()

	for _, fn := range fns {
		m.call(fn, u)
	}
}

func (m *Manager) call(fn func(Update), u Update) {
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("permission subscriber panic",
				zap.String("user", u.User.UserID),
				zap.String("reason", string(u.Reason)),
				zap.Any("panic", rec))
		}
	}()
	fn(u)
}

// OnRoleChange reacts to a member's roles changing from old to cur.  If
// the positions those roles imply differ, the user's ledger is loaded and
// an Update carrying the gained and lost positions is emitted.
func (m *Manager) OnRoleChange(ctx context.Context, old, cur guild.Member, executorID string) error {
	if bot := m.state.BotUserID(); bot != "" && executorID == bot {
		return nil
	}
	before := m.MemberPositions(old)
	after := m.MemberPositions(cur)
	gained := positionsMissing(after, before)
	lost := positionsMissing(before, after)
	if len(gained) == 0 && len(lost) == 0 {
		return nil
	}

	u, err := m.Load(ctx, cur.UserID, &cur)
	if err != nil {
		return err
	}
	m.Emit(Update{User: u, Reason: ReasonRoles, ExecutorID: executorID, Gained: gained, Lost: lost})
	return nil
}

// AffectsPositions reports whether moving from old to cur changes the
// positions the member's roles imply.
func (m *Manager) AffectsPositions(old, cur guild.Member) bool {
	before := m.MemberPositions(old)
	after := m.MemberPositions(cur)
	return len(positionsMissing(after, before)) > 0 || len(positionsMissing(before, after)) > 0
}

// positionsMissing returns the positions in a that are not in b.
func positionsMissing(a, b []position.Position) []position.Position {
	var out []position.Position
	for _, p := range a {
		if !slices.ContainsFunc(b, func(o position.Position) bool { return o.ID == p.ID }) {
			out = append(out, p)
		}
	}
	return out
}
