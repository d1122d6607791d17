// internal/guild/state.go
//
// Snapshot of the gateway's guild, role, member, and ban state.
//
// Context
// -------
// The permission engine never talks to the gateway.  The gateway adapter
// writes what it sees into a State, and the engine reads plain values back
// out.  Every read returns a copy, so callers may keep results across
// later gateway events.
//
// A guild whose ban list was never loaded reports bans as unknown, which
// the engine turns into an indeterminate verdict rather than "not banned".
//
// Notes
// -----
// • The @everyone role shares the guild's ID.
package guild

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Role is one platform role.
type Role struct {
	ID          string
	Name        string
	Position    int
	Permissions Permission
	Managed     bool // owned by an integration, cannot be assigned
}

// Member is one user's membership of one guild.
type Member struct {
	GuildID string
	UserID  string
	Roles   []string
}

// HasRole reports whether m holds roleID.
func (m Member) HasRole(roleID string) bool { return slices.Contains(m.Roles, roleID) }

func (m Member) clone() Member {
	m.Roles = slices.Clone(m.Roles)
	return m
}

// RoleApplier grants and retracts platform roles.  The gateway adapter
// implements it.
type RoleApplier interface {
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

type guildState struct {
	ownerID   string
	roles     map[string]Role
	members   map[string]Member
	bans      map[string]bool
	bansKnown bool
}

// State is safe for concurrent use.
type State struct {
	mu        sync.RWMutex
	botUserID string
	guilds    map[string]*guildState
}

// NewState returns an empty snapshot for the bot user botUserID.
func NewState(botUserID string) *State {
	return &State{botUserID: botUserID, guilds: make(map[string]*guildState)}
}

// SetBotUser records the bot's own user ID once the gateway reports it.
func (s *State) SetBotUser(id string) {
	s.mu.Lock()
	s.botUserID = id
	s.mu.Unlock()
}

func (s *State) BotUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botUserID
}

//
// Writes
//

// UpsertGuild creates guildID or updates its owner.
func (s *State) UpsertGuild(guildID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guildLocked(guildID)
	g.ownerID = ownerID
}

func (s *State) guildLocked(guildID string) *guildState {
	g, ok := s.guilds[guildID]
	if !ok {
		g = &guildState{
			roles:   make(map[string]Role),
			members: make(map[string]Member),
			bans:    make(map[string]bool),
		}
		s.guilds[guildID] = g
	}
	return g
}

// RemoveGuild forgets everything about guildID.
func (s *State) RemoveGuild(guildID string) {
	s.mu.Lock()
	delete(s.guilds, guildID)
	s.mu.Unlock()
}

func (s *State) UpsertRole(guildID string, r Role) {
	s.mu.Lock()
	s.guildLocked(guildID).roles[r.ID] = r
	s.mu.Unlock()
}

func (s *State) RemoveRole(guildID, roleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.guilds[guildID]; ok {
		delete(g.roles, roleID)
	}
}

// UpsertMember stores m and returns the previous membership, if any.
func (s *State) UpsertMember(m Member) (old Member, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guildLocked(m.GuildID)
	old, existed = g.members[m.UserID]
	g.members[m.UserID] = m.clone()
	return old, existed
}

// RemoveMember drops a membership and returns it.
func (s *State) RemoveMember(guildID, userID string) (Member, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return Member{}, false
	}
	m, ok := g.members[userID]
	delete(g.members, userID)
	return m, ok
}

// SetBans replaces the ban list and marks it known.
func (s *State) SetBans(guildID string, userIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guildLocked(guildID)
	g.bans = make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		g.bans[id] = true
	}
	g.bansKnown = true
}

func (s *State) AddBan(guildID, userID string) {
	s.mu.Lock()
	s.guildLocked(guildID).bans[userID] = true
	s.mu.Unlock()
}

func (s *State) RemoveBan(guildID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.guilds[guildID]; ok {
		delete(g.bans, userID)
	}
}

//
// Reads
//

// HasGuild reports whether guildID is cached.
func (s *State) HasGuild(guildID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.guilds[guildID]
	return ok
}

// MemberCount returns the number of cached members.  ok is false for an
// unknown guild.
func (s *State) MemberCount(guildID string) (n int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return 0, false
	}
	return len(g.members), true
}

func (s *State) Member(guildID, userID string) (Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return Member{}, false
	}
	m, ok := g.members[userID]
	return m.clone(), ok
}

// Members returns every cached member of guildID ordered by user ID.
func (s *State) Members(guildID string) []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(g.members))
	for _, id := range slices.Sorted(maps.Keys(g.members)) {
		out = append(out, g.members[id].clone())
	}
	return out
}

// MemberGuilds lists the guilds userID is a cached member of, sorted.
func (s *State) MemberGuilds(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, g := range s.guilds {
		if _, ok := g.members[userID]; ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (s *State) Role(guildID, roleID string) (Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return Role{}, false
	}
	r, ok := g.roles[roleID]
	return r, ok
}

// ResolveRole accepts a role ID or an exact role name and returns the ID,
// or "" when nothing matches.
func (s *State) ResolveRole(guildID, ref string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return ""
	}
	if _, ok := g.roles[ref]; ok {
		return ref
	}
	for _, id := range slices.Sorted(maps.Keys(g.roles)) {
		if g.roles[id].Name == ref {
			return id
		}
	}
	return ""
}

// IsBanned reports whether userID is banned from guildID.  known is false
// when the guild or its ban list is not cached.
func (s *State) IsBanned(guildID, userID string) (banned, known bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok || !g.bansKnown {
		return false, false
	}
	return g.bans[userID], true
}

// MemberPermissions folds @everyone and every held role into one bit set.
// The guild owner and Administrator holders get everything.
func (s *State) MemberPermissions(guildID, userID string) Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memberPermissionsLocked(guildID, userID)
}

func (s *State) memberPermissionsLocked(guildID, userID string) Permission {
	g, ok := s.guilds[guildID]
	if !ok {
		return 0
	}
	m, ok := g.members[userID]
	if !ok {
		return 0
	}
	if g.ownerID != "" && g.ownerID == userID {
		return AllPermissions
	}
	perms := g.roles[guildID].Permissions
	for _, id := range m.Roles {
		perms |= g.roles[id].Permissions
	}
	if perms&Administrator != 0 {
		return AllPermissions
	}
	return perms
}

// CanManageRole reports whether the bot may assign roleID in guildID.  The
// role must be neither managed nor @everyone, the bot needs ManageRoles
// (owner and Administrator imply it), and the bot's highest role must sit
// above the role.
func (s *State) CanManageRole(guildID, roleID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return false
	}
	role, ok := g.roles[roleID]
	if !ok || role.Managed || role.ID == guildID {
		return false
	}
	bot, ok := g.members[s.botUserID]
	if !ok {
		return false
	}
	if !s.memberPermissionsLocked(guildID, bot.UserID).Has(ManageRoles, true) {
		return false
	}
	top := g.roles[guildID].Position
	for _, id := range bot.Roles {
		if r, ok := g.roles[id]; ok && r.Position > top {
			top = r.Position
		}
	}
	return top > role.Position
}
