package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yanizio/rankbot/internal/permissions"
	"github.com/yanizio/rankbot/internal/position"
)

// ErrUsage marks a caller mistake; its message is shown as is.
var ErrUsage = errors.New("usage")

func usage(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// LedgerWriter records and removes explicit holdings.
// *position.Repository implements it.
type LedgerWriter interface {
	Give(ctx context.Context, userID string, p position.Position, expires time.Time, executorID string) (position.UserPosition, error)
	Revoke(ctx context.Context, userID string, p position.Position) error
}

// Builtins returns ping, positions, grant, and revoke.  Granting and
// revoking need ManageRoles, and the caller must outrank the position.
func Builtins(perms *permissions.Manager, ledger LedgerWriter, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	b := builtins{perms: perms, ledger: ledger, now: now}
	manage := permissions.Requirement{RequiredPermissions: []string{"ManageRoles"}}
	return []Command{
		{
			Name:        "ping",
			Description: "Check that the bot is alive.",
			Handler:     b.ping,
		},
		{
			Name:        "positions",
			Description: "List the positions you, or another user, hold.",
			Options:     []Option{{Name: "user", Description: "User ID to inspect"}},
			Handler:     b.positions,
		},
		{
			Name:        "grant",
			Description: "Record that a user holds a position.",
			Options: []Option{
				{Name: "user", Description: "User ID", Required: true},
				{Name: "position", Description: "Position name or ID", Required: true},
				{Name: "duration", Description: "How long, e.g. 72h; empty is permanent"},
			},
			Requirement: manage,
			Handler:     b.grant,
		},
		{
			Name:        "revoke",
			Description: "Remove a recorded position from a user.",
			Options: []Option{
				{Name: "user", Description: "User ID", Required: true},
				{Name: "position", Description: "Position name or ID", Required: true},
			},
			Requirement: manage,
			Handler:     b.revoke,
		},
	}
}

type builtins struct {
	perms  *permissions.Manager
	ledger LedgerWriter
	now    func() time.Time
}

func (b builtins) ping(_ context.Context, _ *Interaction, _ *permissions.Permissible) (Reply, error) {
	return Reply{Content: "pong", Ephemeral: true}, nil
}

func (b builtins) positions(ctx context.Context, in *Interaction, caller *permissions.Permissible) (Reply, error) {
	target := caller
	if id := strings.TrimSpace(in.Option("user")); id != "" && id != caller.UserID {
		var err error
		if target, err = b.perms.Load(ctx, id, nil); err != nil {
			return Reply{}, err
		}
	}

	held := target.Positions()
	if len(held) == 0 {
		return Reply{Content: fmt.Sprintf("<@%s> holds no positions.", target.UserID), Ephemeral: true}, nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Positions of <@%s>:\n", target.UserID)
	for _, res := range held {
		fmt.Fprintf(&sb, "• %s", res.Position.Name)
		switch {
		case !res.FromLedger:
			sb.WriteString(" (from roles)")
		case !res.Holding.Permanent():
			fmt.Fprintf(&sb, " (until <t:%d:f>)", res.Holding.ExpiresAt.Unix())
		}
		sb.WriteByte('\n')
	}
	if target.Ledger != nil {
		if next, ok := target.Ledger.NextExpiry(b.now()); ok {
			fmt.Fprintf(&sb, "Next expiry <t:%d:R>.\n", next.Unix())
		}
	}
	return Reply{Content: strings.TrimRight(sb.String(), "\n"), Ephemeral: true}, nil
}

// target resolves the user and position options and checks that caller
// outranks the position.
func (b builtins) target(in *Interaction, caller *permissions.Permissible) (string, position.Position, error) {
	userID := strings.TrimSpace(in.Option("user"))
	if userID == "" {
		return "", position.Position{}, usage("a user is required")
	}
	p, ok := b.perms.Catalog().Resolve(position.ParseRef(in.Option("position")))
	if !ok {
		return "", position.Position{}, usage("unknown position %q", in.Option("position"))
	}
	if caller.IsOwner() {
		return userID, p, nil
	}
	primary, ok := caller.Primary()
	if !ok || !primary.Outranks(p) {
		return "", position.Position{}, fmt.Errorf("%w: %s", ErrMissingPermissions, p.Name)
	}
	return userID, p, nil
}

func (b builtins) grant(ctx context.Context, in *Interaction, caller *permissions.Permissible) (Reply, error) {
	userID, p, err := b.target(in, caller)
	if err != nil {
		return Reply{}, err
	}
	var expires time.Time
	if s := strings.TrimSpace(in.Option("duration")); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return Reply{}, usage("bad duration %q", s)
		}
		expires = b.now().Add(d).UTC().Truncate(time.Second)
	}
	up, err := b.ledger.Give(ctx, userID, p, expires, caller.UserID)
	if err != nil {
		return Reply{}, err
	}
	msg := fmt.Sprintf("<@%s> now holds %s.", userID, p.Name)
	if !up.Permanent() {
		msg = fmt.Sprintf("<@%s> now holds %s until <t:%d:f>.", userID, p.Name, up.ExpiresAt.Unix())
	}
	return Reply{Content: msg}, nil
}

func (b builtins) revoke(ctx context.Context, in *Interaction, caller *permissions.Permissible) (Reply, error) {
	userID, p, err := b.target(in, caller)
	if err != nil {
		return Reply{}, err
	}
	if err := b.ledger.Revoke(ctx, userID, p); err != nil {
		return Reply{}, err
	}
	return Reply{Content: fmt.Sprintf("<@%s> no longer holds %s.", userID, p.Name)}, nil
}
