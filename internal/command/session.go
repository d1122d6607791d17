package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/yanizio/rankbot/internal/permissions"
	"github.com/yanizio/rankbot/internal/session"
)

// SessionStore opens and closes activity sessions.
// *session.Repository implements it.
type SessionStore interface {
	Start(ctx context.Context, kind, creatorID string) (session.Session, error)
	End(ctx context.Context, id string) (session.Session, error)
	Open(ctx context.Context, kind string) ([]session.Session, error)
}

// Sessions returns the session command.  Starting and ending need the
// given requirement, listing needs nothing.
func Sessions(store SessionStore, req permissions.Requirement) []Command {
	s := sessions{store: store, req: req}
	return []Command{{
		Name:        "session",
		Description: "Start, end, or list activity sessions.",
		Options: []Option{
			{Name: "action", Description: "start, end, or list", Required: true},
			{Name: "type", Description: "Session type, e.g. duel"},
			{Name: "id", Description: "Session ID to end"},
		},
		Handler: s.handle,
	}}
}

type sessions struct {
	store SessionStore
	req   permissions.Requirement
}

func (s sessions) handle(ctx context.Context, in *Interaction, caller *permissions.Permissible) (Reply, error) {
	action := strings.ToLower(strings.TrimSpace(in.Option("action")))
	if action != "list" && !caller.HasPermission(s.req) {
		return Reply{}, fmt.Errorf("%w: session %s", ErrMissingPermissions, action)
	}
	switch action {
	case "start":
		kind := strings.TrimSpace(in.Option("type"))
		if kind == "" {
			return Reply{}, usage("a session type is required")
		}
		ss, err := s.store.Start(ctx, kind, caller.UserID)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Content: fmt.Sprintf("Started %s session `%s` <t:%d:R>.", ss.Type, ss.ID, ss.StartedAt.Unix())}, nil
	case "end":
		id := strings.TrimSpace(in.Option("id"))
		if id == "" {
			return Reply{}, usage("a session ID is required")
		}
		ss, err := s.store.End(ctx, id)
		if err != nil {
			return Reply{}, err
		}
		msg := fmt.Sprintf("Ended %s session `%s`.", ss.Type, ss.ID)
		if d, ok := ss.Duration(); ok {
			msg = fmt.Sprintf("Ended %s session `%s` after %s.", ss.Type, ss.ID, d)
		}
		return Reply{Content: msg}, nil
	case "list":
		open, err := s.store.Open(ctx, strings.TrimSpace(in.Option("type")))
		if err != nil {
			return Reply{}, err
		}
		if len(open) == 0 {
			return Reply{Content: "No sessions are running.", Ephemeral: true}, nil
		}
		var sb strings.Builder
		for _, ss := range open {
			fmt.Fprintf(&sb, "• %s `%s` by <@%s> since <t:%d:R>\n", ss.Type, ss.ID, ss.CreatorID, ss.StartedAt.Unix())
		}
		return Reply{Content: strings.TrimRight(sb.String(), "\n"), Ephemeral: true}, nil
	}
	return Reply{}, usage("unknown action %q", action)
}
