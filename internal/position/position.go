package position

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/yanizio/rankbot/internal/row"
)

// Position is a named rank.
type Position struct {
	ID     int64
	Name   string
	Sticky bool
	Level  int64
	Ranked bool // Level is meaningful
}

// FromRow reads a position row.
func FromRow(r *row.Row) Position {
	p := Position{Name: r.String("name"), Sticky: r.Bool("sticky")}
	p.ID, _ = r.Int64("id_position")
	p.Level, p.Ranked = r.Int64("level")
	return p
}

// Fields renders p as row fields.
func (p Position) Fields() row.Fields {
	f := row.Fields{"id_position": p.ID, "name": p.Name, "sticky": p.Sticky, "level": nil}
	if p.Ranked {
		f["level"] = p.Level
	}
	return f
}

func (p Position) String() string { return p.Name }

// Outranks reports whether p is strictly more senior than o.  Unranked
// positions outrank nothing and are outranked by nothing.
func (p Position) Outranks(o Position) bool {
	return p.Ranked && o.Ranked && p.Level < o.Level
}

// CompareByLevel orders ranked positions by ascending level, then unranked
// ones, with ID as the tie-break.
func CompareByLevel(a, b Position) int {
	switch {
	case a.Ranked && !b.Ranked:
		return -1
	case !a.Ranked && b.Ranked:
		return 1
	case a.Ranked && a.Level != b.Level:
		return cmp.Compare(a.Level, b.Level)
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortByLevel sorts ps in place with CompareByLevel.
func SortByLevel(ps []Position) { slices.SortStableFunc(ps, CompareByLevel) }

// PositionRole binds a position to a platform role in one guild.
type PositionRole struct {
	GuildID    string
	PositionID int64
	RoleID     string
}

// RoleFromRow reads a position_role row.
func RoleFromRow(r *row.Row) PositionRole {
	pr := PositionRole{GuildID: r.String("guild_id"), RoleID: r.String("role_id")}
	pr.PositionID, _ = r.Int64("id_position")
	return pr
}

func (pr PositionRole) Fields() row.Fields {
	return row.Fields{"guild_id": pr.GuildID, "id_position": pr.PositionID, "role_id": pr.RoleID}
}

// UserPosition is a user's holding of a position.  A zero ExpiresAt means
// the holding is permanent.
type UserPosition struct {
	UserID     string
	PositionID int64
	GivenAt    time.Time
	ExpiresAt  time.Time
	ExecutorID string
}

// HoldingFromRow reads a user_position row.
func HoldingFromRow(r *row.Row) UserPosition {
	up := UserPosition{UserID: r.String("user_id"), ExecutorID: r.String("executor_id")}
	up.PositionID, _ = r.Int64("id_position")
	up.GivenAt, _ = r.Time("given_at")
	up.ExpiresAt, _ = r.Time("expires_at")
	return up
}

func (up UserPosition) Fields() row.Fields {
	f := row.Fields{
		"user_id":     up.UserID,
		"id_position": up.PositionID,
		"given_at":    up.GivenAt,
		"expires_at":  nil,
		"executor_id": nil,
	}
	if !up.ExpiresAt.IsZero() {
		f["expires_at"] = up.ExpiresAt
	}
	if up.ExecutorID != "" {
		f["executor_id"] = up.ExecutorID
	}
	return f
}

// Permanent reports whether the holding never expires.
func (up UserPosition) Permanent() bool { return up.ExpiresAt.IsZero() }

// Expired reports whether the holding has lapsed at now.
func (up UserPosition) Expired(now time.Time) bool {
	return !up.ExpiresAt.IsZero() && !now.Before(up.ExpiresAt)
}

// Ref names a position by ID or by name.
type Ref struct {
	id   int64
	name string
}

func ByID(id int64) Ref { return Ref{id: id} }

func ByName(name string) Ref { return Ref{name: name} }

func Of(p Position) Ref { return Ref{id: p.ID} }

// ParseRef treats an all-digit string as an ID and anything else as a
// name.
func ParseRef(s string) Ref {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ByID(id)
	}
	return ByName(s)
}

// IsZero reports whether r names nothing.
func (r Ref) IsZero() bool { return r.id == 0 && r.name == "" }

// Selector returns the cache filter for r.
func (r Ref) Selector() row.Fields {
	if r.id != 0 {
		return row.Fields{"id_position": r.id}
	}
	return row.Fields{"name": r.name}
}

func (r Ref) String() string {
	if r.id != 0 {
		return strconv.FormatInt(r.id, 10)
	}
	return r.name
}
