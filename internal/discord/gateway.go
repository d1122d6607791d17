// internal/discord/gateway.go
//
// discordgo adapter.
//
// Context
// -------
// Gateway is the only package that imports the platform SDK.  It keeps
// guild.State current from gateway events, applies and retracts roles for
// the synchroniser, turns slash-command interactions into
// command.Interaction values, and forwards membership, role, and ban
// changes to the permission engine and the host guild manager.
//
// State updates happen as soon as the session is open; the permission
// hooks only after Bind, so events that arrive during start-up still land
// in the cache.
//
// Notes
// -----
// • The member list of a large guild arrives in chunks.  A guild counts as
//   ready once its last chunk and its ban list are in.
// • Role changes and bans carry an executor read from the audit log.  Role
//   changes the synchroniser just made are attributed to the bot without
//   asking the audit log, so the bot does not react to its own calls.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/command"
	"github.com/yanizio/rankbot/internal/guild"
	"github.com/yanizio/rankbot/internal/host"
	"github.com/yanizio/rankbot/internal/permissions"
)

// Intents the adapter needs.
const Intents = discordgo.IntentGuilds | discordgo.IntentGuildMembers | discordgo.IntentGuildModeration

const (
	// banPage is the largest ban page the API returns.
	banPage = 1000

	// auditPage is how many audit entries are read per lookup, and
	// auditWindow how old a matching entry may be.
	auditPage   = 10
	auditWindow = 15 * time.Second
)

// ErrNotReady is reported by Check until the first Ready event.
var ErrNotReady = errors.New("discord: gateway not ready")

// EchoFilter recognises member updates the bot caused itself.
// *rolesync.Syncer implements it.
type EchoFilter interface {
	Caused(old, cur guild.Member) bool
}

// Hooks are the engine parts events are forwarded to.  Nil members are
// skipped.
type Hooks struct {
	Perms        *permissions.Manager
	Sync         EchoFilter
	Host         *host.Manager
	Dispatcher   *command.Dispatcher
	Commands     *command.Registry
	OnGuildReady func(ctx context.Context, guildID string)
}

// Gateway is safe for concurrent use.
type Gateway struct {
	session *discordgo.Session
	state   *guild.State

	ctx   context.Context
	ready atomic.Bool

	mu    sync.RWMutex
	hooks Hooks

	auditLog func(ctx context.Context, guildID string, action discordgo.AuditLogAction) ([]*discordgo.AuditLogEntry, error)
	now      func() time.Time
}

// New prepares a session for token.  Nothing connects until Open.
func New(token string, state *guild.State) (*Gateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	s.Identify.Intents = Intents
	s.StateEnabled = false

	g := &Gateway{session: s, state: state, ctx: context.Background(), now: time.Now}
	g.auditLog = func(ctx context.Context, guildID string, action discordgo.AuditLogAction) ([]*discordgo.AuditLogEntry, error) {
		log, err := s.GuildAuditLog(guildID, "", "", int(action), auditPage, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		return log.AuditLogEntries, nil
	}
	s.AddHandler(g.onReady)
	s.AddHandler(g.onDisconnect)
	s.AddHandler(g.onGuildCreate)
	s.AddHandler(g.onGuildDelete)
	s.AddHandler(g.onRoleCreate)
	s.AddHandler(g.onRoleUpdate)
	s.AddHandler(g.onRoleDelete)
	s.AddHandler(g.onMemberAdd)
	s.AddHandler(g.onMemberUpdate)
	s.AddHandler(g.onMemberRemove)
	s.AddHandler(g.onMembersChunk)
	s.AddHandler(g.onBanAdd)
	s.AddHandler(g.onBanRemove)
	s.AddHandler(g.onInteraction)
	return g, nil
}

// State returns the cache the gateway feeds.
func (g *Gateway) State() *guild.State { return g.state }

// Bind installs the engine hooks.
func (g *Gateway) Bind(h Hooks) {
	g.mu.Lock()
	g.hooks = h
	g.mu.Unlock()
}

func (g *Gateway) hooked() Hooks {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hooks
}

// Open connects.  ctx is handed to every hook the events trigger.
func (g *Gateway) Open(ctx context.Context) error {
	g.ctx = ctx
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("discord: open: %w", err)
	}
	return nil
}

// Close disconnects.
func (g *Gateway) Close() error { return g.session.Close() }

// Check reports whether the gateway is connected.
func (g *Gateway) Check(context.Context) error {
	if !g.ready.Load() {
		return ErrNotReady
	}
	return nil
}

//
// guild.RoleApplier
//

func (g *Gateway) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return g.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

func (g *Gateway) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return g.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
}

//
// connection
//

func (g *Gateway) onReady(s *discordgo.Session, e *discordgo.Ready) {
	g.state.SetBotUser(e.User.ID)
	g.ready.Store(true)
	zap.L().Info("gateway ready", zap.String("user", e.User.ID), zap.Int("guilds", len(e.Guilds)))

	if h := g.hooked(); h.Commands != nil && s != nil {
		if err := registerCommands(s, e.User.ID, h.Commands); err != nil {
			zap.L().Error("command registration failed", zap.Error(err))
		}
	}
}

func (g *Gateway) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	g.ready.Store(false)
	zap.L().Warn("gateway disconnected")
}

//
// guilds and roles
//

func (g *Gateway) onGuildCreate(s *discordgo.Session, e *discordgo.GuildCreate) {
	g.state.UpsertGuild(e.ID, e.OwnerID)
	for _, r := range e.Roles {
		g.state.UpsertRole(e.ID, toRole(r))
	}
	for _, m := range e.Members {
		g.state.UpsertMember(toMember(e.ID, m))
	}
	if s == nil {
		return
	}
	go func() {
		if err := g.loadBans(s, e.ID); err != nil {
			zap.L().Warn("ban list unavailable", zap.String("guild", e.ID), zap.Error(err))
		}
		if e.MemberCount > len(e.Members) {
			if err := s.RequestGuildMembers(e.ID, "", 0, "", false); err != nil {
				zap.L().Warn("member request failed", zap.String("guild", e.ID), zap.Error(err))
			}
			return
		}
		g.guildReady(e.ID)
	}()
}

// loadBans pages through the ban list and replaces the cached one.
func (g *Gateway) loadBans(s *discordgo.Session, guildID string) error {
	var ids []string
	after := ""
	for {
		page, err := s.GuildBans(guildID, banPage, "", after, discordgo.WithContext(g.ctx))
		if err != nil {
			return err
		}
		for _, b := range page {
			ids = append(ids, b.User.ID)
		}
		if len(page) < banPage {
			break
		}
		after = page[len(page)-1].User.ID
	}
	g.state.SetBans(guildID, ids)
	return nil
}

func (g *Gateway) onMembersChunk(_ *discordgo.Session, e *discordgo.GuildMembersChunk) {
	for _, m := range e.Members {
		g.state.UpsertMember(toMember(e.GuildID, m))
	}
	if e.ChunkIndex == e.ChunkCount-1 {
		g.guildReady(e.GuildID)
	}
}

func (g *Gateway) guildReady(guildID string) {
	n, _ := g.state.MemberCount(guildID)
	zap.L().Info("guild cached", zap.String("guild", guildID), zap.Int("members", n))
	if h := g.hooked(); h.OnGuildReady != nil {
		h.OnGuildReady(g.ctx, guildID)
	}
}

func (g *Gateway) onGuildDelete(_ *discordgo.Session, e *discordgo.GuildDelete) {
	if e.Unavailable {
		return
	}
	g.state.RemoveGuild(e.ID)
}

func (g *Gateway) onRoleCreate(_ *discordgo.Session, e *discordgo.GuildRoleCreate) {
	g.state.UpsertRole(e.GuildID, toRole(e.Role))
}

func (g *Gateway) onRoleUpdate(_ *discordgo.Session, e *discordgo.GuildRoleUpdate) {
	g.state.UpsertRole(e.GuildID, toRole(e.Role))
}

func (g *Gateway) onRoleDelete(_ *discordgo.Session, e *discordgo.GuildRoleDelete) {
	g.state.RemoveRole(e.GuildID, e.RoleID)
}

//
// members and bans
//

func (g *Gateway) onMemberAdd(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
	cur := toMember(e.GuildID, e.Member)
	g.state.UpsertMember(cur)
	g.roleChange(guild.Member{GuildID: cur.GuildID, UserID: cur.UserID}, cur, false)
}

func (g *Gateway) onMemberUpdate(_ *discordgo.Session, e *discordgo.GuildMemberUpdate) {
	cur := toMember(e.GuildID, e.Member)
	old, existed := g.state.UpsertMember(cur)
	if !existed {
		return
	}
	g.roleChange(old, cur, true)
}

// roleChange forwards a role change that moves positions.  audited asks the
// audit log for the executor when the synchroniser did not cause it.
func (g *Gateway) roleChange(old, cur guild.Member, audited bool) {
	h := g.hooked()
	if h.Perms == nil || !h.Perms.AffectsPositions(old, cur) {
		return
	}
	executor := ""
	switch {
	case h.Sync != nil && h.Sync.Caused(old, cur):
		executor = g.state.BotUserID()
	case audited:
		executor = g.executor(cur.GuildID, cur.UserID, discordgo.AuditLogActionMemberRoleUpdate)
	}
	if err := h.Perms.OnRoleChange(g.ctx, old, cur, executor); err != nil {
		zap.L().Error("role change dropped",
			zap.String("guild", cur.GuildID),
			zap.String("user", cur.UserID),
			zap.Error(err))
	}
}

func (g *Gateway) onMemberRemove(_ *discordgo.Session, e *discordgo.GuildMemberRemove) {
	if e.Member == nil || e.User == nil {
		return
	}
	g.state.RemoveMember(e.GuildID, e.User.ID)
	if h := g.hooked(); h.Host != nil {
		h.Host.OnMemberRemove(g.ctx, e.GuildID, e.User.ID)
	}
}

func (g *Gateway) onBanAdd(_ *discordgo.Session, e *discordgo.GuildBanAdd) {
	g.state.AddBan(e.GuildID, e.User.ID)
	if h := g.hooked(); h.Host != nil {
		h.Host.OnBan(g.ctx, e.GuildID, e.User.ID, g.executor(e.GuildID, e.User.ID, discordgo.AuditLogActionMemberBanAdd))
	}
}

func (g *Gateway) onBanRemove(_ *discordgo.Session, e *discordgo.GuildBanRemove) {
	g.state.RemoveBan(e.GuildID, e.User.ID)
	if h := g.hooked(); h.Host != nil {
		h.Host.OnBan(g.ctx, e.GuildID, e.User.ID, g.executor(e.GuildID, e.User.ID, discordgo.AuditLogActionMemberBanRemove))
	}
}

// executor returns who performed action on targetID moments ago, or ""
// when the audit log is unreadable or has no recent match.
func (g *Gateway) executor(guildID, targetID string, action discordgo.AuditLogAction) string {
	if g.auditLog == nil {
		return ""
	}
	entries, err := g.auditLog(g.ctx, guildID, action)
	if err != nil {
		zap.L().Debug("audit log unavailable", zap.String("guild", guildID), zap.Error(err))
		return ""
	}
	now := g.now()
	for _, e := range entries {
		if e.TargetID != targetID {
			continue
		}
		if at, err := discordgo.SnowflakeTimestamp(e.ID); err != nil || now.Sub(at) > auditWindow {
			continue
		}
		return e.UserID
	}
	return ""
}

//
// conversions
//

func toRole(r *discordgo.Role) guild.Role {
	return guild.Role{
		ID:          r.ID,
		Name:        r.Name,
		Position:    r.Position,
		Permissions: guild.Permission(r.Permissions),
		Managed:     r.Managed,
	}
}

func toMember(guildID string, m *discordgo.Member) guild.Member {
	id := ""
	if m.User != nil {
		id = m.User.ID
	}
	if m.GuildID != "" {
		guildID = m.GuildID
	}
	return guild.Member{GuildID: guildID, UserID: id, Roles: append([]string(nil), m.Roles...)}
}
