// internal/permissions/manager.go
//
// Position and permission decisions.
//
// Context
// -------
// A decision combines three sources:
//
//  1. The ban list.  A user who holds "banned" holds nothing else.
//  2. The user's ledger (explicit holdings in user_position).  When it has
//     an opinion on a position, that opinion wins.
//  3. The host guild.  Otherwise a position is held if the user holds any
//     role bound to it there.
//
// Any source may be unable to answer (position unknown, guild not cached,
// member cache too thin, no roles bound).  That surfaces as Indeterminate,
// which position checks pass through untouched and HasPermission treats as
// "not granted".
//
// HasPermission evaluates a Requirement: every Required* list must hold,
// and of the remaining fields at least one non-empty field must pass.  If
// all of them are empty the group is satisfied.
//
// Notes
// -----
// • The bot owner bypasses HasPermission.
// • The banned check is guarded against re-entry, so a catalog that
//   aliases "banned" cannot recurse.
package permissions

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/metrics"
	"github.com/yanizio/rankbot/internal/position"
)

// DefaultMinMembers is the smallest member cache a guild needs before its
// role state is trusted.
const DefaultMinMembers = 3

// Config carries the identities the engine treats specially.
type Config struct {
	HostGuildID string // guild whose roles back the fallback, "" = none
	OwnerID     string // bypasses every requirement, "" = nobody
	MinMembers  int    // defaults to DefaultMinMembers
}

// Manager is safe for concurrent use.
type Manager struct {
	catalog *position.Catalog
	state   *guild.State
	ledgers *LedgerCache

	hostGuildID string
	ownerID     string
	minMembers  int
	now         func() time.Time

	subMu   sync.RWMutex
	subs    map[uint64]func(Update)
	nextSub uint64
}

// New wires a Manager.  ledgers may be nil when the caller always passes
// ledgers explicitly.
func New(catalog *position.Catalog, state *guild.State, ledgers *LedgerCache, cfg Config) *Manager {
	if cfg.MinMembers <= 0 {
		cfg.MinMembers = DefaultMinMembers
	}
	return &Manager{
		catalog:     catalog,
		state:       state,
		ledgers:     ledgers,
		hostGuildID: cfg.HostGuildID,
		ownerID:     cfg.OwnerID,
		minMembers:  cfg.MinMembers,
		now:         time.Now,
		subs:        make(map[uint64]func(Update)),
	}
}

// SetClock replaces time.Now, for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) Catalog() *position.Catalog { return m.catalog }

func (m *Manager) State() *guild.State { return m.state }

func (m *Manager) Ledgers() *LedgerCache { return m.ledgers }

func (m *Manager) HostGuildID() string { return m.hostGuildID }

// IsOwner reports whether userID is the configured bot owner.
func (m *Manager) IsOwner(userID string) bool { return m.ownerID != "" && userID == m.ownerID }

// PositionResult is the answer to "does this user hold that position".
// Position is set whenever the reference resolved.
type PositionResult struct {
	Verdict    Verdict
	Position   position.Position
	Holding    position.UserPosition // set when the ledger granted it
	FromLedger bool
}

//
// Permission requirements
//

// HasPermission reports whether userID satisfies req.  member is the
// user's membership in the guild the request came from, or nil outside a
// guild.  ledger may be nil.  An invalid req is logged and denied, owner
// included.
func (m *Manager) HasPermission(userID string, ledger *position.Ledger, member *guild.Member, req Requirement) bool {
	if err := req.Validate(); err != nil {
		zap.L().Error("permission check refused", zap.String("user", userID), zap.Error(err))
		metrics.PermissionVerdictsTotal.WithLabelValues("permission", Denied.String()).Inc()
		return false
	}
	ok := m.hasPermission(userID, ledger, member, req)
	metrics.PermissionVerdictsTotal.WithLabelValues("permission", VerdictOf(ok).String()).Inc()
	return ok
}

func (m *Manager) hasPermission(userID string, ledger *position.Ledger, member *guild.Member, req Requirement) bool {
	if userID == "" && ledger == nil {
		return false
	}
	if m.IsOwner(userID) {
		return true
	}

	if !m.hasRequiredRoles(member, req.RequiredRoles) ||
		!m.hasRequiredPermissions(member, req.RequiredPermissions) ||
		!m.hasRequiredPositions(userID, ledger, req.RequiredPositions) {
		return false
	}

	// Indeterminate here means "field not specified".
	group := []Verdict{
		m.HasPositionLevel(userID, ledger, req.PositionLevel),
		m.hasAllowedPositions(userID, ledger, req.AllowedPositions),
		m.hasAllowedPermissions(member, req.AllowedPermissions),
		m.hasAllowedRoles(member, req.AllowedRoles),
		hasAllowedUsers(userID, req.AllowedUsers),
	}
	applicable := false
	for _, v := range group {
		if v == Granted {
			return true
		}
		if v != Indeterminate {
			applicable = true
		}
	}
	return !applicable
}

func (m *Manager) hasRequiredRoles(member *guild.Member, refs []string) bool {
	if member == nil {
		return len(refs) == 0
	}
	for _, ref := range refs {
		id := m.state.ResolveRole(member.GuildID, ref)
		if id == "" || !member.HasRole(id) {
			return false
		}
	}
	return true
}

func (m *Manager) hasRequiredPermissions(member *guild.Member, names []string) bool {
	if len(names) == 0 {
		return true
	}
	if member == nil {
		return false
	}
	bits, ok := permissionBits(names)
	if !ok {
		return false
	}
	return m.state.MemberPermissions(member.GuildID, member.UserID).Has(bits, true)
}

func (m *Manager) hasRequiredPositions(userID string, ledger *position.Ledger, refs []position.Ref) bool {
	for _, ref := range refs {
		if m.hasPosition(userID, ledger, ref, nil).Verdict != Granted {
			return false
		}
	}
	return true
}

func (m *Manager) hasAllowedPositions(userID string, ledger *position.Ledger, refs []position.Ref) Verdict {
	if len(refs) == 0 {
		return Indeterminate
	}
	for _, ref := range refs {
		if m.hasPosition(userID, ledger, ref, nil).Verdict == Granted {
			return Granted
		}
	}
	return Denied
}

func (m *Manager) hasAllowedPermissions(member *guild.Member, names []string) Verdict {
	if len(names) == 0 {
		return Indeterminate
	}
	if member == nil {
		return Denied
	}
	perms := m.state.MemberPermissions(member.GuildID, member.UserID)
	for _, name := range names {
		if bit, ok := permissionBits([]string{name}); ok && perms.Has(bit, true) {
			return Granted
		}
	}
	return Denied
}

func (m *Manager) hasAllowedRoles(member *guild.Member, refs []string) Verdict {
	if len(refs) == 0 {
		return Indeterminate
	}
	if member == nil {
		return Denied
	}
	for _, ref := range refs {
		if id := m.state.ResolveRole(member.GuildID, ref); id != "" && member.HasRole(id) {
			return Granted
		}
	}
	return Denied
}

func hasAllowedUsers(userID string, users []string) Verdict {
	if len(users) == 0 {
		return Indeterminate
	}
	return VerdictOf(slices.Contains(users, userID))
}

// HasPositionLevel reports whether userID holds ref or anything more
// senior.  An unresolvable ref yields Indeterminate.
func (m *Manager) HasPositionLevel(userID string, ledger *position.Ledger, ref position.Ref) Verdict {
	p, ok := m.catalog.Resolve(ref)
	if !ok {
		return Indeterminate
	}
	levels := m.catalog.LevelPositions(p)
	refs := make([]position.Ref, len(levels))
	for i, lp := range levels {
		refs[i] = position.Of(lp)
	}
	return m.hasAllowedPositions(userID, ledger, refs)
}

//
// Positions
//

// HasPosition decides whether userID holds ref.  ledger may be nil.
func (m *Manager) HasPosition(userID string, ledger *position.Ledger, ref position.Ref) PositionResult {
	res := m.hasPosition(userID, ledger, ref, nil)
	metrics.PermissionVerdictsTotal.WithLabelValues("position", res.Verdict.String()).Inc()
	return res
}

// hasPosition carries the positions already being evaluated up the stack.
func (m *Manager) hasPosition(userID string, ledger *position.Ledger, ref position.Ref, visiting []int64) PositionResult {
	p, ok := m.catalog.Resolve(ref)
	if !ok || slices.Contains(visiting, p.ID) {
		return PositionResult{}
	}
	res := PositionResult{Position: p}
	banned := p.Name == position.Banned

	if !banned {
		ban := m.hasPosition(userID, ledger, position.ByName(position.Banned), append(visiting, p.ID))
		if ban.Verdict == Granted {
			res.Verdict = Denied
			return res
		}
	}

	// A ban recorded in either the ledger or the host guild counts, so
	// the ledger can only add one.
	if ledger != nil {
		if up, held, known := ledger.Lookup(p, m.now()); known && (held || !banned) {
			res.Verdict = VerdictOf(held)
			res.Holding = up
			res.FromLedger = true
			return res
		}
	}

	if m.hostGuildID == "" || userID == "" {
		return res
	}
	res.Verdict = m.HasGuildPosition(m.hostGuildID, userID, p)
	return res
}

// HasGuildPosition derives p from userID's roles in guildID.  "banned" is
// read from the guild's ban list instead.
func (m *Manager) HasGuildPosition(guildID, userID string, p position.Position) Verdict {
	if p.Name == position.Banned {
		return m.IsBanned(guildID, userID)
	}
	roles := m.RequiredRoles(guildID, position.Of(p))
	if len(roles) == 0 {
		return Indeterminate
	}
	unknown := false
	for _, r := range roles {
		switch m.HasRole(guildID, userID, r.ID) {
		case Granted:
			return Granted
		case Indeterminate:
			unknown = true
		}
	}
	if unknown {
		return Indeterminate
	}
	return Denied
}

// HasRole reports whether userID holds roleID in guildID.  Guilds that are
// not cached, or whose member cache is below the configured minimum, are
// Indeterminate.  A user who is not a member is Denied.
func (m *Manager) HasRole(guildID, userID, roleID string) Verdict {
	n, ok := m.state.MemberCount(guildID)
	if !ok || n < m.minMembers {
		return Indeterminate
	}
	member, ok := m.state.Member(guildID, userID)
	if !ok {
		return Denied
	}
	return VerdictOf(member.HasRole(roleID))
}

// IsBanned reads guildID's ban list.  An unloaded list is Indeterminate.
func (m *Manager) IsBanned(guildID, userID string) Verdict {
	banned, known := m.state.IsBanned(guildID, userID)
	if !known {
		return Indeterminate
	}
	return VerdictOf(banned)
}

// PermittedPositions returns every position userID holds, most senior
// first.
func (m *Manager) PermittedPositions(userID string, ledger *position.Ledger) []PositionResult {
	var out []PositionResult
	for _, p := range m.catalog.Positions() {
		if res := m.hasPosition(userID, ledger, position.Of(p), nil); res.Verdict == Granted {
			out = append(out, res)
		}
	}
	return out
}

// MemberPositions returns the positions member's current roles imply in
// their guild, ignoring the ledger and bans.
func (m *Manager) MemberPositions(member guild.Member) []position.Position {
	return m.catalog.RolePositions(member.GuildID, member.Roles)
}

// RequiredRoles returns the roles bound to ref in guildID that exist
// there.
func (m *Manager) RequiredRoles(guildID string, ref position.Ref) []guild.Role {
	p, ok := m.catalog.Resolve(ref)
	if !ok {
		return nil
	}
	var out []guild.Role
	for _, id := range m.catalog.ConnectedRoles(guildID, p) {
		if r, ok := m.state.Role(guildID, id); ok {
			out = append(out, r)
		}
	}
	return out
}

// PermissionRoles lists every role ID in guildID that req refers to,
// directly or through a position, without duplicates.
func (m *Manager) PermissionRoles(guildID string, req Requirement) []string {
	var out []string
	add := func(id string) {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	for _, ref := range slices.Concat(req.RequiredRoles, req.AllowedRoles) {
		add(m.state.ResolveRole(guildID, ref))
	}

	refs := slices.Concat(req.RequiredPositions, req.AllowedPositions)
	if p, ok := m.catalog.Resolve(req.PositionLevel); ok {
		for _, lp := range m.catalog.LevelPositions(p) {
			refs = append(refs, position.Of(lp))
		}
	}
	for _, ref := range refs {
		if p, ok := m.catalog.Resolve(ref); ok {
			for _, id := range m.catalog.ConnectedRoles(guildID, p) {
				add(id)
			}
		}
	}
	return out
}
