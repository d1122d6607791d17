// internal/session/session.go
//
// Activity sessions and games.
//
// Context
// -------
// A session is a stretch of organised activity (a vouch duel night, say)
// opened by one user and closed later.  A game is a single match inside
// that activity; its id is the millisecond it started, so games sort by
// id without a separate timestamp column.
//
//	session  (id_session PK uuid, type, creator_id, started_at, ended_at)
//	game     (id_game PK unix-ms, type)
//
// Both tables keep rows in the cache longer than the default timer would:
// an open session never leaves, and a game stays until it is 30 days old.
//
// Notes
// -----
// • started_at and ended_at are unix seconds.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/yanizio/rankbot/internal/row"
)

// Table names.
const (
	SessionTable = "session"
	GameTable    = "game"
)

// GameRetention is how long a game stays cached after it started.
const GameRetention = 30 * 24 * time.Hour

var SessionSchema = &row.Schema{
	Table:      SessionTable,
	Columns:    []string{"id_session", "type", "creator_id", "started_at", "ended_at"},
	UniqueKeys: []string{"id_session"},
	Expiry:     sessionExpired,
}

var GameSchema = &row.Schema{
	Table:      GameTable,
	Columns:    []string{"id_game", "type"},
	UniqueKeys: []string{"id_game"},
	Expiry:     gameExpired,
}

// Schemas returns every schema this package owns.
func Schemas() []*row.Schema { return []*row.Schema{SessionSchema, GameSchema} }

// sessionExpired keeps open sessions cached regardless of the timer.
func sessionExpired(r *row.Row, _ int64, timer bool) bool {
	_, ended := r.Time("ended_at")
	return ended && timer
}

func gameExpired(r *row.Row, now int64, timer bool) bool {
	if now <= 0 {
		return false
	}
	started, ok := GameFromRow(r).StartedAt()
	return ok && started.Add(GameRetention).Unix() < now && timer
}

//
// Session
//

type Session struct {
	ID        string
	Type      string
	CreatorID string
	StartedAt time.Time
	EndedAt   time.Time
}

// NewSession returns an open session with a fresh id started at now.
func NewSession(kind, creatorID string, now time.Time) Session {
	return Session{
		ID:        uuid.NewString(),
		Type:      kind,
		CreatorID: creatorID,
		StartedAt: now.UTC().Truncate(time.Second),
	}
}

// FromRow reads a session row.
func FromRow(r *row.Row) Session {
	s := Session{ID: r.String("id_session"), Type: r.String("type"), CreatorID: r.String("creator_id")}
	s.StartedAt, _ = r.Time("started_at")
	s.EndedAt, _ = r.Time("ended_at")
	return s
}

func (s Session) Fields() row.Fields {
	f := row.Fields{
		"id_session": s.ID,
		"type":       s.Type,
		"creator_id": nil,
		"started_at": nil,
		"ended_at":   nil,
	}
	if s.CreatorID != "" {
		f["creator_id"] = s.CreatorID
	}
	if !s.StartedAt.IsZero() {
		f["started_at"] = s.StartedAt.Unix()
	}
	if !s.EndedAt.IsZero() {
		f["ended_at"] = s.EndedAt.Unix()
	}
	return f
}

// Open reports whether the session has not ended.
func (s Session) Open() bool { return s.EndedAt.IsZero() }

// End closes the session at now.  Ending twice keeps the first end.
func (s Session) End(now time.Time) Session {
	if s.Open() {
		s.EndedAt = now.UTC().Truncate(time.Second)
	}
	return s
}

// Duration returns how long the session ran, or false when either end is
// unknown.
func (s Session) Duration() (time.Duration, bool) {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0, false
	}
	return s.EndedAt.Sub(s.StartedAt), true
}

//
// Game
//

type Game struct {
	ID   int64 // unix milliseconds at start
	Type string
}

// NewGame returns a game started at now.
func NewGame(kind string, now time.Time) Game {
	return Game{ID: now.UnixMilli(), Type: kind}
}

func GameFromRow(r *row.Row) Game {
	g := Game{Type: r.String("type")}
	g.ID, _ = r.Int64("id_game")
	return g
}

func (g Game) Fields() row.Fields {
	return row.Fields{"id_game": g.ID, "type": g.Type}
}

// StartedAt derives the start from the id.
func (g Game) StartedAt() (time.Time, bool) {
	if g.ID <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(g.ID).UTC(), true
}
