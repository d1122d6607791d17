package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanizio/rankbot/internal/cache"
	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/position"
	"github.com/yanizio/rankbot/internal/row"
)

var clock = time.Unix(1_700_000_000, 0)

// Positions: admin(1, L1), mod(2, L2), member(3, L5), banned(4), event(5,
// unbound), veteran(6, sticky).  Host guild H binds admin, mod, member,
// and veteran.  Guild G binds mod, member, admin (above the bot), and
// event.
func newCatalog(t *testing.T) *position.Catalog {
	t.Helper()
	positions := cache.New(position.PositionTable)
	for _, p := range []position.Position{
		{ID: 1, Name: "admin", Level: 1, Ranked: true},
		{ID: 2, Name: "mod", Level: 2, Ranked: true},
		{ID: 3, Name: "member", Level: 5, Ranked: true},
		{ID: 4, Name: position.Banned},
		{ID: 5, Name: "event"},
		{ID: 6, Name: "veteran", Sticky: true},
	} {
		positions.Push(row.New(position.PositionSchema, p.Fields()), nil)
	}
	bindings := cache.New(position.PositionRoleTable)
	for _, b := range []position.PositionRole{
		{GuildID: "H", PositionID: 1, RoleID: "RA"},
		{GuildID: "H", PositionID: 2, RoleID: "RM"},
		{GuildID: "H", PositionID: 3, RoleID: "RB"},
		{GuildID: "H", PositionID: 6, RoleID: "RV"},
		{GuildID: "G", PositionID: 2, RoleID: "GM"},
		{GuildID: "G", PositionID: 3, RoleID: "GB"},
		{GuildID: "G", PositionID: 1, RoleID: "GTOP"},
		{GuildID: "G", PositionID: 5, RoleID: "GE"},
	} {
		bindings.Push(row.New(position.PositionRoleSchema, b.Fields()), nil)
	}
	require.Equal(t, 6, positions.Len())
	return position.NewCatalog(positions, bindings)
}

func newState() *guild.State {
	s := guild.NewState("bot")
	s.UpsertGuild("H", "hostowner")
	s.UpsertRole("H", guild.Role{ID: "H", Name: "@everyone", Permissions: guild.SendMessages})
	s.UpsertRole("H", guild.Role{ID: "RB", Name: "Member", Position: 10})
	s.UpsertRole("H", guild.Role{ID: "RV", Name: "Veteran", Position: 12})
	s.UpsertRole("H", guild.Role{ID: "RM", Name: "Moderator", Position: 20, Permissions: guild.KickMembers})
	s.UpsertRole("H", guild.Role{ID: "RBOT", Name: "Bot", Position: 25, Permissions: guild.ManageRoles})
	s.UpsertRole("H", guild.Role{ID: "RA", Name: "Admin", Position: 30, Permissions: guild.Administrator})
	for _, m := range []guild.Member{
		{GuildID: "H", UserID: "bot", Roles: []string{"RBOT"}},
		{GuildID: "H", UserID: "alice", Roles: []string{"RM"}},
		{GuildID: "H", UserID: "bob", Roles: []string{"RB"}},
		{GuildID: "H", UserID: "carol", Roles: []string{"RV"}},
		{GuildID: "H", UserID: "erin", Roles: []string{"RA", "RB"}},
		{GuildID: "H", UserID: "mallory", Roles: []string{"RM"}},
	} {
		s.UpsertMember(m)
	}
	s.SetBans("H", []string{"mallory"})

	s.UpsertGuild("G", "gowner")
	s.UpsertRole("G", guild.Role{ID: "G", Name: "@everyone"})
	s.UpsertRole("G", guild.Role{ID: "GB", Position: 5})
	s.UpsertRole("G", guild.Role{ID: "GE", Position: 6})
	s.UpsertRole("G", guild.Role{ID: "GM", Position: 10})
	s.UpsertRole("G", guild.Role{ID: "GBOT", Position: 20, Permissions: guild.ManageRoles})
	s.UpsertRole("G", guild.Role{ID: "GTOP", Position: 30})
	s.UpsertMember(guild.Member{GuildID: "G", UserID: "bot", Roles: []string{"GBOT"}})
	return s
}

func newManager(t *testing.T, src LedgerSource) *Manager {
	t.Helper()
	var lc *LedgerCache
	if src != nil {
		lc = NewLedgerCache(src, 16, time.Minute)
	}
	m := New(newCatalog(t), newState(), lc, Config{HostGuildID: "H", OwnerID: "owner"})
	m.SetClock(func() time.Time { return clock })
	return m
}

func holds(userID string, ids ...int64) *position.Ledger {
	l := position.NewLedger(userID)
	for _, id := range ids {
		l.Add(position.UserPosition{UserID: userID, PositionID: id, GivenAt: clock.Add(-time.Hour)})
	}
	return l
}

func TestHasPositionGuildFallback(t *testing.T) {
	m := newManager(t, nil)

	res := m.HasPosition("alice", nil, position.ByName("mod"))
	assert.Equal(t, Granted, res.Verdict)
	assert.Equal(t, "mod", res.Position.Name)
	assert.False(t, res.FromLedger)

	assert.Equal(t, Denied, m.HasPosition("bob", nil, position.ByName("mod")).Verdict)
	assert.Equal(t, Denied, m.HasPosition("stranger", nil, position.ByName("mod")).Verdict,
		"a non-member is explicitly denied")
}

func TestHasPositionIndeterminate(t *testing.T) {
	m := newManager(t, nil)

	res := m.HasPosition("alice", nil, position.ByName("nope"))
	assert.Equal(t, Indeterminate, res.Verdict)
	assert.Zero(t, res.Position)

	assert.Equal(t, Indeterminate, m.HasPosition("alice", nil, position.ByName("event")).Verdict,
		"no roles bound")

	noHost := New(m.Catalog(), m.State(), nil, Config{})
	assert.Equal(t, Indeterminate, noHost.HasPosition("alice", nil, position.ByName("mod")).Verdict)
}

func TestHasRoleBelowMemberThreshold(t *testing.T) {
	m := newManager(t, nil)
	s := m.State()
	for _, id := range []string{"bob", "carol", "erin", "mallory"} {
		s.RemoveMember("H", id)
	}
	n, _ := s.MemberCount("H")
	require.Equal(t, 2, n)

	assert.Equal(t, Indeterminate, m.HasRole("H", "alice", "RM"))
	mod, _ := m.Catalog().Resolve(position.ByName("mod"))
	assert.Equal(t, Indeterminate, m.HasGuildPosition("H", "alice", mod))
	assert.Equal(t, Indeterminate, m.HasPosition("alice", nil, position.ByName("mod")).Verdict)
}

func TestLedgerWins(t *testing.T) {
	m := newManager(t, nil)

	res := m.HasPosition("bob", holds("bob", 2), position.ByName("mod"))
	assert.Equal(t, Granted, res.Verdict)
	assert.True(t, res.FromLedger)
	assert.Equal(t, int64(2), res.Holding.PositionID)

	// veteran is sticky: the ledger's silence is a denial even though carol
	// holds the bound role.
	assert.Equal(t, Granted, m.HasPosition("carol", nil, position.ByName("veteran")).Verdict)
	assert.Equal(t, Denied, m.HasPosition("carol", holds("carol"), position.ByName("veteran")).Verdict)

	// Non-sticky positions fall through to the guild.
	assert.Equal(t, Granted, m.HasPosition("alice", holds("alice"), position.ByName("mod")).Verdict)
}

func TestExpiredHoldingFallsThrough(t *testing.T) {
	m := newManager(t, nil)
	l := position.NewLedger("bob")
	l.Add(position.UserPosition{UserID: "bob", PositionID: 2, ExpiresAt: clock.Add(-time.Second)})

	assert.Equal(t, Denied, m.HasPosition("bob", l, position.ByName("mod")).Verdict)
}

func TestBannedOverridesEverything(t *testing.T) {
	m := newManager(t, nil)

	// mallory holds the mod role and a ledger grant, but is banned in H.
	res := m.HasPosition("mallory", holds("mallory", 2), position.ByName("mod"))
	assert.Equal(t, Denied, res.Verdict)
	assert.Equal(t, "mod", res.Position.Name)

	// A ban recorded in the ledger counts too.
	assert.Equal(t, Denied, m.HasPosition("alice", holds("alice", 4), position.ByName("mod")).Verdict)

	// Holding banned is not self-defeating.
	assert.Equal(t, Granted, m.HasPosition("mallory", nil, position.ByName(position.Banned)).Verdict)
	assert.Equal(t, Granted, m.HasPosition("mallory", holds("mallory"), position.ByName(position.Banned)).Verdict,
		"an empty ledger does not clear a guild ban")
}

func TestUnknownBansDoNotBlock(t *testing.T) {
	s := guild.NewState("bot")
	m2 := New(newCatalog(t), s, nil, Config{HostGuildID: "H"})
	s.UpsertGuild("H", "")
	for _, id := range []string{"a", "b", "alice"} {
		s.UpsertMember(guild.Member{GuildID: "H", UserID: id})
	}
	s.UpsertRole("H", guild.Role{ID: "RM"})
	s.UpsertMember(guild.Member{GuildID: "H", UserID: "alice", Roles: []string{"RM"}})

	assert.Equal(t, Indeterminate, m2.IsBanned("H", "alice"))
	assert.Equal(t, Granted, m2.HasPosition("alice", nil, position.ByName("mod")).Verdict)
}

func TestHasPermission(t *testing.T) {
	m := newManager(t, nil)
	s := m.State()
	member := func(id string) *guild.Member {
		mem, ok := s.Member("H", id)
		require.True(t, ok)
		return &mem
	}

	cases := []struct {
		name   string
		userID string
		member *guild.Member
		req    Requirement
		want   bool
	}{
		{"empty requirement", "bob", nil, Requirement{}, true},
		{"no identity", "", nil, Requirement{}, false},
		{"owner bypass", "owner", nil, Requirement{AllowedUsers: []string{"x"}}, true},
		{"allowed position held", "alice", nil, Requirement{AllowedPositions: []position.Ref{position.ByName("mod")}}, true},
		{"allowed position not held", "bob", nil, Requirement{AllowedPositions: []position.Ref{position.ByName("mod")}}, false},
		{"allowed position indeterminate", "alice", nil, Requirement{AllowedPositions: []position.Ref{position.ByName("event")}}, false},
		{"position level senior", "erin", nil, Requirement{PositionLevel: position.ByName("mod")}, true},
		{"position level junior", "bob", nil, Requirement{PositionLevel: position.ByName("mod")}, false},
		{"position level unknown is not applicable", "bob", nil, Requirement{PositionLevel: position.ByName("nope")}, true},
		{"required permission", "alice", member("alice"), Requirement{RequiredPermissions: []string{"KickMembers"}}, true},
		{"required permission via administrator", "erin", member("erin"), Requirement{RequiredPermissions: []string{"BanMembers"}}, true},
		{"required permission missing", "bob", member("bob"), Requirement{RequiredPermissions: []string{"KickMembers"}}, false},
		{"required permission without member", "alice", nil, Requirement{RequiredPermissions: []string{"KickMembers"}}, false},
		{"required role by name", "alice", member("alice"), Requirement{RequiredRoles: []string{"Moderator"}}, true},
		{"required role missing", "bob", member("bob"), Requirement{RequiredRoles: []string{"RM"}}, false},
		{"allowed role without member", "alice", nil, Requirement{AllowedRoles: []string{"RM"}}, false},
		{"allowed users", "bob", nil, Requirement{AllowedUsers: []string{"bob"}}, true},
		{"any allowed field suffices", "bob", member("bob"), Requirement{
			AllowedPositions: []position.Ref{position.ByName("admin")},
			AllowedRoles:     []string{"Member"},
		}, true},
		{"required gate before allowed group", "bob", nil, Requirement{
			RequiredPositions: []position.Ref{position.ByName("mod")},
			AllowedUsers:      []string{"bob"},
		}, false},
		{"banned user loses positions", "mallory", nil, Requirement{RequiredPositions: []position.Ref{position.ByName("mod")}}, false},
		{"misspelled allowed permission", "bob", member("bob"), Requirement{AllowedPermissions: []string{"ManageRole"}}, false},
		{"misspelled required permission", "bob", member("bob"), Requirement{RequiredPermissions: []string{"Bogus"}}, false},
		{"misspelled permission beside a valid one", "alice", member("alice"), Requirement{AllowedPermissions: []string{"KickMembers", "Kick"}}, false},
		{"invalid requirement denies the owner", "owner", nil, Requirement{AllowedPermissions: []string{"Bogus"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, m.HasPermission(tc.userID, nil, tc.member, tc.req))
		})
	}
}

func TestPermissionBitsRejectsUnknownNames(t *testing.T) {
	bits, ok := permissionBits([]string{"KickMembers", "BanMembers"})
	require.True(t, ok)
	assert.Equal(t, guild.KickMembers|guild.BanMembers, bits)

	_, ok = permissionBits([]string{"KickMembers", "ManageRole"})
	assert.False(t, ok)
}

func TestHasPermissionWithLedgerOnly(t *testing.T) {
	m := newManager(t, nil)
	req := Requirement{AllowedPositions: []position.Ref{position.ByName("mod")}}
	assert.True(t, m.HasPermission("", holds("ghost", 2), nil, req))
}

func TestPermittedPositionsOrdered(t *testing.T) {
	m := newManager(t, nil)

	got := m.PermittedPositions("erin", holds("erin", 5))
	var names []string
	for _, r := range got {
		names = append(names, r.Position.Name)
	}
	assert.Equal(t, []string{"admin", "member", "event"}, names)

	p, ok := m.Permissify("erin", nil, nil).Primary()
	assert.True(t, ok)
	assert.Equal(t, "admin", p.Name)

	_, ok = m.Permissify("stranger", nil, nil).Primary()
	assert.False(t, ok)
}

func TestMemberPositions(t *testing.T) {
	m := newManager(t, nil)
	got := m.MemberPositions(guild.Member{GuildID: "H", UserID: "erin", Roles: []string{"RB", "RA", "unbound"}})
	require.Len(t, got, 2)
	assert.Equal(t, "admin", got[0].Name)
	assert.Equal(t, "member", got[1].Name)
}

func TestRequiredAndPermissionRoles(t *testing.T) {
	m := newManager(t, nil)

	roles := m.RequiredRoles("G", position.ByName("admin"))
	require.Len(t, roles, 1)
	assert.Equal(t, "GTOP", roles[0].ID)
	assert.Empty(t, m.RequiredRoles("G", position.ByName("nope")))

	got := m.PermissionRoles("H", Requirement{
		RequiredRoles:    []string{"Moderator", "Ghost"},
		AllowedRoles:     []string{"RM"},
		PositionLevel:    position.ByName("mod"),
		AllowedPositions: []position.Ref{position.ByName("member")},
	})
	assert.Equal(t, []string{"RM", "RB", "RA"}, got)
}

func TestReconcile(t *testing.T) {
	m := newManager(t, nil)
	s := m.State()

	// alice is mod in H, so she should carry GM in G and not GB.  GE is
	// bound to event, which nobody can decide, so it is left alone.
	alice := guild.Member{GuildID: "G", UserID: "alice", Roles: []string{"GB", "GE"}}
	s.UpsertMember(alice)
	s.UpsertMember(guild.Member{GuildID: "G", UserID: "x1"})

	rec := m.Reconcile(alice, nil)
	assert.Equal(t, []string{"GM"}, roleIDs(rec.Permitted))
	assert.Equal(t, []string{"GM"}, roleIDs(rec.Missing))
	assert.ElementsMatch(t, []string{"GTOP", "GB"}, roleIDs(rec.Forbidden))
	assert.Equal(t, []string{"GB"}, roleIDs(rec.Wrong))
	assert.False(t, rec.InSync())

	// erin is admin but GTOP sits above the bot, so it is never missing.
	erin := guild.Member{GuildID: "G", UserID: "erin", Roles: []string{"GB"}}
	rec = m.Reconcile(erin, nil)
	assert.ElementsMatch(t, []string{"GTOP", "GB"}, roleIDs(rec.Permitted))
	assert.Empty(t, rec.Missing)
	assert.True(t, rec.InSync())

	assert.Equal(t, roleIDs(rec.Permitted), roleIDs(m.PermittedPositionRoles(erin, nil)))
	assert.Empty(t, m.WrongPositionRoles(erin, nil))
	assert.Equal(t, []string{"GM"}, roleIDs(m.MissingPositionRoles(alice, nil)))
	assert.Len(t, m.ForbiddenPositionRoles(alice, nil), 2)
}

func roleIDs(bs []position.PositionRole) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.RoleID)
	}
	return out
}

func TestOnRoleChange(t *testing.T) {
	src := &fakeSource{ledgers: map[string]*position.Ledger{"alice": holds("alice")}}
	m := newManager(t, src)

	var got []Update
	stop := m.Subscribe(func(u Update) { got = append(got, u) })

	old := guild.Member{GuildID: "H", UserID: "alice", Roles: []string{"RM"}}
	cur := guild.Member{GuildID: "H", UserID: "alice", Roles: []string{"RA", "RX"}}
	ctx := context.Background()

	require.NoError(t, m.OnRoleChange(ctx, old, cur, "bot"))
	assert.Empty(t, got, "the bot's own changes are ignored")

	require.NoError(t, m.OnRoleChange(ctx, old, old, "mod1"))
	assert.Empty(t, got, "no position change, no update")

	require.NoError(t, m.OnRoleChange(ctx, old, cur, "mod1"))
	require.Len(t, got, 1)
	u := got[0]
	assert.Equal(t, ReasonRoles, u.Reason)
	assert.Equal(t, "mod1", u.ExecutorID)
	assert.Equal(t, "alice", u.User.UserID)
	assert.NotNil(t, u.User.Ledger)
	require.Len(t, u.Gained, 1)
	assert.Equal(t, "admin", u.Gained[0].Name)
	require.Len(t, u.Lost, 1)
	assert.Equal(t, "mod", u.Lost[0].Name)

	stop()
	require.NoError(t, m.OnRoleChange(ctx, cur, old, "mod1"))
	assert.Len(t, got, 1)
}

func TestOnRoleChangeLedgerError(t *testing.T) {
	src := &fakeSource{err: assert.AnError}
	m := newManager(t, src)
	m.Subscribe(func(Update) { t.Fatal("unexpected update") })

	old := guild.Member{GuildID: "H", UserID: "bob"}
	cur := guild.Member{GuildID: "H", UserID: "bob", Roles: []string{"RB"}}
	assert.ErrorIs(t, m.OnRoleChange(context.Background(), old, cur, ""), assert.AnError)
}

func TestSubscriberPanicIsContained(t *testing.T) {
	m := newManager(t, nil)
	calls := 0
	m.Subscribe(func(Update) { panic("boom") })
	m.Subscribe(func(Update) { calls++ })

	m.Emit(Update{User: m.Permissify("bob", nil, nil), Reason: ReasonBan})
	assert.Equal(t, 1, calls)
}

func TestPermissible(t *testing.T) {
	src := &fakeSource{ledgers: map[string]*position.Ledger{"bob": holds("bob", 2)}}
	m := newManager(t, src)

	u, err := m.Load(context.Background(), "bob", nil)
	require.NoError(t, err)
	assert.True(t, u.HasPosition(position.ByName("mod")).Verdict.Granted())
	assert.True(t, u.HasPermission(Requirement{PositionLevel: position.ByName("mod")}))
	assert.Len(t, u.Positions(), 2)
}
