// internal/host/host.go
//
// The host guild: the community whose roles back every derived position.
//
// Context
// -------
// Manager wraps the permission engine for one guild.  It answers position
// questions from that guild's roles, grants and retracts the roles bound
// to a position, and turns everything that can change a user's positions
// (ledger writes, binding changes, bans, and departures) into permission
// Updates.
//
// Ledger and binding changes arrive as database notifications; see
// notify.go.  Gateway events arrive through the On* methods, called by the
// gateway adapter after it has written the event into guild.State.
//
// Notes
// -----
// • A position with no roles bound in the host guild can be neither given
//   nor removed through roles.
package host

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/permissions"
	"github.com/yanizio/rankbot/internal/position"
)

// Manager is safe for concurrent use.
type Manager struct {
	perms   *permissions.Manager
	roles   guild.RoleApplier
	guildID string
}

// New returns a Manager for perms' host guild.  roles applies role
// changes on the platform.
func New(perms *permissions.Manager, roles guild.RoleApplier) *Manager {
	return &Manager{perms: perms, roles: roles, guildID: perms.HostGuildID()}
}

func (h *Manager) GuildID() string { return h.guildID }

// HasPosition derives p from userID's roles in the host guild only.
func (h *Manager) HasPosition(userID string, ref position.Ref) permissions.Verdict {
	p, ok := h.perms.Catalog().Resolve(ref)
	if !ok {
		return permissions.Indeterminate
	}
	return h.perms.HasGuildPosition(h.guildID, userID, p)
}

// IsRoleConfigured reports whether ref has a role bound in the host guild.
func (h *Manager) IsRoleConfigured(ref position.Ref) bool {
	p, ok := h.perms.Catalog().Resolve(ref)
	return ok && h.perms.Catalog().IsRoleConfigured(h.guildID, p)
}

// MemberPositions returns the positions userID's host roles imply.
func (h *Manager) MemberPositions(userID string) []position.Position {
	m, ok := h.perms.State().Member(h.guildID, userID)
	if !ok {
		return nil
	}
	return h.perms.MemberPositions(m)
}

// GivePosition adds every host role bound to ref.  ok is true only if at
// least one role is bound and every add succeeded.
func (h *Manager) GivePosition(ctx context.Context, userID string, ref position.Ref) (ok bool, err error) {
	return h.apply(ctx, userID, ref, h.roles.AddRole, "give", false)
}

// RemovePosition retracts every host role bound to ref.  ok is true only
// if every retraction succeeded, which is trivially so with none bound.
func (h *Manager) RemovePosition(ctx context.Context, userID string, ref position.Ref) (ok bool, err error) {
	return h.apply(ctx, userID, ref, h.roles.RemoveRole, "remove", true)
}

func (h *Manager) apply(ctx context.Context, userID string, ref position.Ref,
	fn func(ctx context.Context, guildID, userID, roleID string) error, action string, noneOK bool) (bool, error) {

	roles := h.perms.RequiredRoles(h.guildID, ref)
	if len(roles) == 0 {
		return noneOK, nil
	}
	var errs []error
	for _, r := range roles {
		if err := fn(ctx, h.guildID, userID, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("host: %s %s role %s: %w", action, ref, r.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		zap.L().Warn("host position roles",
			zap.String("action", action),
			zap.String("user", userID),
			zap.Stringer("position", ref),
			zap.Error(err))
		return false, err
	}
	return true, nil
}

//
// Gateway reactions
//

// OnBan reacts to a ban being added or lifted in guildID.
func (h *Manager) OnBan(ctx context.Context, guildID, userID, executorID string) {
	if guildID != h.guildID {
		return
	}
	h.emit(ctx, userID, permissions.Update{Reason: permissions.ReasonBan, ExecutorID: executorID})
}

// OnMemberRemove reacts to userID leaving guildID.
func (h *Manager) OnMemberRemove(ctx context.Context, guildID, userID string) {
	if guildID != h.guildID {
		return
	}
	h.emit(ctx, userID, permissions.Update{Reason: permissions.ReasonLeave})
}

// Refresh emits an Update for every cached host member, after the
// bindings changed or the notification feed reconnected.
func (h *Manager) Refresh(ctx context.Context, reason permissions.Reason) {
	for _, m := range h.perms.State().Members(h.guildID) {
		if m.UserID == h.perms.State().BotUserID() {
			continue
		}
		h.emit(ctx, m.UserID, permissions.Update{Reason: reason})
	}
}

// emit loads userID's ledger and publishes u for them.
func (h *Manager) emit(ctx context.Context, userID string, u permissions.Update) {
	var member *guild.Member
	if m, ok := h.perms.State().Member(h.guildID, userID); ok {
		member = &m
	}
	user, err := h.perms.Load(ctx, userID, member)
	if err != nil {
		zap.L().Error("host permissions update dropped",
			zap.String("user", userID),
			zap.String("reason", string(u.Reason)),
			zap.Error(err))
		return
	}
	u.User = user
	h.perms.Emit(u)
}
