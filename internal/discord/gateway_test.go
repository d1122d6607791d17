package discord

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanizio/rankbot/internal/cache"
	"github.com/yanizio/rankbot/internal/command"
	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/permissions"
	"github.com/yanizio/rankbot/internal/position"
	"github.com/yanizio/rankbot/internal/row"
)

func newGateway(t *testing.T) (*Gateway, *permissions.Manager) {
	t.Helper()
	positions := cache.New(position.PositionTable)
	positions.Push(row.New(position.PositionSchema, position.Position{ID: 2, Name: "mod", Level: 2, Ranked: true}.Fields()), nil)
	bindings := cache.New(position.PositionRoleTable)
	bindings.Push(row.New(position.PositionRoleSchema, position.PositionRole{GuildID: "G", PositionID: 2, RoleID: "RM"}.Fields()), nil)

	state := guild.NewState("")
	perms := permissions.New(position.NewCatalog(positions, bindings), state, nil, permissions.Config{HostGuildID: "G"})
	g := &Gateway{state: state, ctx: context.Background()}
	g.Bind(Hooks{Perms: perms})
	return g, perms
}

func TestGuildEventsFeedState(t *testing.T) {
	g, _ := newGateway(t)

	g.onReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "bot"}})
	assert.NoError(t, g.Check(context.Background()))
	assert.Equal(t, "bot", g.State().BotUserID())

	g.onGuildCreate(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{
		ID:      "G",
		OwnerID: "owner",
		Roles: []*discordgo.Role{
			{ID: "G", Name: "@everyone"},
			{ID: "RM", Name: "Mod", Position: 3, Permissions: int64(guild.ManageRoles)},
		},
		Members: []*discordgo.Member{
			{User: &discordgo.User{ID: "alice"}, Roles: []string{"RM"}},
		},
	}})

	m, ok := g.State().Member("G", "alice")
	require.True(t, ok)
	assert.Equal(t, []string{"RM"}, m.Roles)
	role, ok := g.State().Role("G", "RM")
	require.True(t, ok)
	assert.Equal(t, guild.ManageRoles, role.Permissions)

	g.onRoleDelete(nil, &discordgo.GuildRoleDelete{GuildID: "G", RoleID: "RM"})
	_, ok = g.State().Role("G", "RM")
	assert.False(t, ok)

	g.onMemberRemove(nil, &discordgo.GuildMemberRemove{Member: &discordgo.Member{GuildID: "G", User: &discordgo.User{ID: "alice"}}})
	_, ok = g.State().Member("G", "alice")
	assert.False(t, ok)

	g.State().SetBans("G", nil)
	g.onBanAdd(nil, &discordgo.GuildBanAdd{GuildID: "G", User: &discordgo.User{ID: "mallory"}})
	banned, _ := g.State().IsBanned("G", "mallory")
	assert.True(t, banned)

	g.onDisconnect(nil, &discordgo.Disconnect{})
	assert.ErrorIs(t, g.Check(context.Background()), ErrNotReady)
}

func TestMemberUpdateEmitsRoleChange(t *testing.T) {
	g, perms := newGateway(t)
	var updates []permissions.Update
	perms.Subscribe(func(u permissions.Update) { updates = append(updates, u) })

	g.onMemberAdd(nil, &discordgo.GuildMemberAdd{Member: &discordgo.Member{
		GuildID: "G", User: &discordgo.User{ID: "bob"},
	}})
	assert.Empty(t, updates, "no roles, no positions")

	g.onMemberUpdate(nil, &discordgo.GuildMemberUpdate{Member: &discordgo.Member{
		GuildID: "G", User: &discordgo.User{ID: "bob"}, Roles: []string{"RM"},
	}})
	require.Len(t, updates, 1)
	assert.Equal(t, permissions.ReasonRoles, updates[0].Reason)
	require.Len(t, updates[0].Gained, 1)
	assert.Equal(t, "mod", updates[0].Gained[0].Name)
}

type echoes bool

func (e echoes) Caused(old, cur guild.Member) bool { return bool(e) }

// auditAt fakes an audit log holding one entry by executor against target,
// stamped at when.
func auditAt(target, executor string, when time.Time) func(context.Context, string, discordgo.AuditLogAction) ([]*discordgo.AuditLogEntry, error) {
	id := strconv.FormatInt((when.UnixMilli()-1420070400000)<<22, 10)
	return func(context.Context, string, discordgo.AuditLogAction) ([]*discordgo.AuditLogEntry, error) {
		return []*discordgo.AuditLogEntry{{ID: id, TargetID: target, UserID: executor}}, nil
	}
}

func TestRoleChangeExecutor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bob := &discordgo.Member{GuildID: "G", User: &discordgo.User{ID: "bob"}, Roles: []string{"RM"}}

	cases := []struct {
		name     string
		sync     EchoFilter
		audit    func(context.Context, string, discordgo.AuditLogAction) ([]*discordgo.AuditLogEntry, error)
		emitted  bool
		executor string
	}{
		{name: "synchroniser echo", sync: echoes(true), audit: auditAt("bob", "mod7", now), emitted: false},
		{name: "bot in audit log", sync: echoes(false), audit: auditAt("bob", "bot", now), emitted: false},
		{name: "moderator in audit log", sync: echoes(false), audit: auditAt("bob", "mod7", now), emitted: true, executor: "mod7"},
		{name: "stale audit entry", audit: auditAt("bob", "mod7", now.Add(-time.Minute)), emitted: true},
		{name: "other target", audit: auditAt("carol", "mod7", now), emitted: true},
		{name: "audit log unreadable", audit: func(context.Context, string, discordgo.AuditLogAction) ([]*discordgo.AuditLogEntry, error) {
			return nil, errors.New("missing access")
		}, emitted: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, perms := newGateway(t)
			g.State().SetBotUser("bot")
			g.now = func() time.Time { return now }
			g.auditLog = tc.audit
			h := g.hooked()
			h.Sync = tc.sync
			g.Bind(h)

			var updates []permissions.Update
			perms.Subscribe(func(u permissions.Update) { updates = append(updates, u) })
			g.onMemberAdd(nil, &discordgo.GuildMemberAdd{Member: &discordgo.Member{GuildID: "G", User: &discordgo.User{ID: "bob"}}})
			g.onMemberUpdate(nil, &discordgo.GuildMemberUpdate{Member: bob})

			if !tc.emitted {
				assert.Empty(t, updates)
				return
			}
			require.Len(t, updates, 1)
			assert.Equal(t, tc.executor, updates[0].ExecutorID)
		})
	}
}

func TestToInteraction(t *testing.T) {
	e := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionApplicationCommand,
		GuildID: "G",
		Member:  &discordgo.Member{User: &discordgo.User{ID: "alice"}, Roles: []string{"RM"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "grant",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{
				{Name: "user", Type: discordgo.ApplicationCommandOptionString, Value: "bob"},
				{Name: "position", Type: discordgo.ApplicationCommandOptionString, Value: "mod"},
			},
		},
	}}

	in, ok := toInteraction(e)
	require.True(t, ok)
	assert.Equal(t, "grant", in.Name)
	assert.Equal(t, "alice", in.UserID)
	require.NotNil(t, in.Member)
	assert.Equal(t, "G", in.Member.GuildID)
	assert.Equal(t, map[string]string{"user": "bob", "position": "mod"}, in.Options)

	_, ok = toInteraction(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing}})
	assert.False(t, ok)
}

func TestToApplicationCommands(t *testing.T) {
	reg := command.NewRegistry()
	h := func(context.Context, *command.Interaction, *permissions.Permissible) (command.Reply, error) {
		return command.Reply{}, nil
	}
	require.NoError(t, reg.Register(command.Command{
		Name: "grant", Description: "d", Handler: h,
		Options: []command.Option{{Name: "user", Description: "u", Required: true}},
	}))

	cmds := toApplicationCommands(reg)
	require.Len(t, cmds, 1)
	require.Len(t, cmds[0].Options, 1)
	assert.True(t, cmds[0].Options[0].Required)
	assert.Equal(t, discordgo.ApplicationCommandOptionString, cmds[0].Options[0].Type)

	resp := toResponse(command.Reply{Content: "hi", Ephemeral: true})
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}
