package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/yanizio/rankbot/internal/row"
	"github.com/yanizio/rankbot/internal/store"
)

// Repository is safe for concurrent use.
type Repository struct {
	Sessions *store.Table
	Games    *store.Table

	now func() time.Time
}

// NewRepository wraps the two tables.
func NewRepository(sessions, games *store.Table) *Repository {
	return &Repository{Sessions: sessions, Games: games, now: time.Now}
}

// SetClock replaces the time source.
func (r *Repository) SetClock(now func() time.Time) { r.now = now }

// Start opens a session of kind for creatorID.
func (r *Repository) Start(ctx context.Context, kind, creatorID string) (Session, error) {
	s := NewSession(kind, creatorID, r.now())
	created, err := r.Sessions.Create(ctx, row.New(SessionSchema, s.Fields()))
	if err != nil {
		return Session{}, fmt.Errorf("session: start %s: %w", kind, err)
	}
	return FromRow(created), nil
}

// End closes the session with id.  Ending a closed session returns it
// unchanged.
func (r *Repository) End(ctx context.Context, id string) (Session, error) {
	cur, err := r.Sessions.Find(ctx, row.Fields{"id_session": id})
	if err != nil {
		return Session{}, fmt.Errorf("session: end %s: %w", id, err)
	}
	s := FromRow(cur)
	if !s.Open() {
		return s, nil
	}
	s = s.End(r.now())
	if _, err := r.Sessions.Update(ctx, row.Fields{"id_session": id}, row.Fields{"ended_at": s.EndedAt.Unix()}); err != nil {
		return Session{}, fmt.Errorf("session: end %s: %w", id, err)
	}
	return s, nil
}

// Open returns the open sessions of kind, oldest first.  An empty kind
// matches every type.
func (r *Repository) Open(ctx context.Context, kind string) ([]Session, error) {
	filter := row.Fields{"ended_at": nil}
	if kind != "" {
		filter["type"] = kind
	}
	rows, err := r.Sessions.Fetch(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", kind, err)
	}
	out := make([]Session, 0, len(rows))
	for _, rw := range rows {
		out = append(out, FromRow(rw))
	}
	slices.SortFunc(out, func(a, b Session) int { return a.StartedAt.Compare(b.StartedAt) })
	return out, nil
}

// RecordGame stores a game of kind started now.
func (r *Repository) RecordGame(ctx context.Context, kind string) (Game, error) {
	g := NewGame(kind, r.now())
	created, err := r.Games.Create(ctx, row.New(GameSchema, g.Fields()))
	if err != nil {
		return Game{}, fmt.Errorf("session: record game %s: %w", kind, err)
	}
	return GameFromRow(created), nil
}

// Listen subscribes both tables to their change notifications.
func (r *Repository) Listen(s store.Subscriber) (stop func()) {
	a, b := r.Sessions.Listen(s), r.Games.Listen(s)
	return func() { a(); b() }
}
