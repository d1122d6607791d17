// internal/position/schema.go
//
// Table schemas for the position model.
//
// Context
// -------
// Three tables describe who holds which rank:
//
//	position       (id_position PK, name UNIQUE, sticky, level)
//	position_role  (guild_id, id_position, role_id)        all three PK
//	user_position  (user_id, id_position PK, given_at, expires_at, executor_id)
//
// The schemas below are the compiled-in defaults.  row.Registry.Load may
// refresh their column lists from information_schema; the expiry hook on
// user_position survives that refresh.
//
// Notes
// -----
// • A lower level is more senior.  Positions without a level are outside
//   the hierarchy.
// • A sticky position is decided by the ledger whenever the user has one:
//   not holding it there means not holding it, whatever the guild says.
package position

import (
	"github.com/yanizio/rankbot/internal/row"
)

// Table names.
const (
	PositionTable     = "position"
	PositionRoleTable = "position_role"
	UserPositionTable = "user_position"
)

// Banned is the reserved name of the position that overrides all others.
const Banned = "banned"

var PositionSchema = &row.Schema{
	Table:      PositionTable,
	Columns:    []string{"id_position", "name", "sticky", "level"},
	UniqueKeys: []string{"id_position"},
}

var PositionRoleSchema = &row.Schema{
	Table:      PositionRoleTable,
	Columns:    []string{"guild_id", "id_position", "role_id"},
	UniqueKeys: []string{"guild_id", "id_position", "role_id"},
}

var UserPositionSchema = &row.Schema{
	Table:      UserPositionTable,
	Columns:    []string{"user_id", "id_position", "given_at", "expires_at", "executor_id"},
	UniqueKeys: []string{"user_id", "id_position"},
	Expiry:     holdingExpired,
}

// holdingExpired drops a cached holding once its own expiry has passed,
// in addition to the cache timer.
func holdingExpired(r *row.Row, now int64, timer bool) bool {
	if timer {
		return true
	}
	if now <= 0 {
		return false
	}
	exp, ok := r.Time("expires_at")
	return ok && exp.Unix() <= now
}

// Schemas returns every schema this package owns.
func Schemas() []*row.Schema {
	return []*row.Schema{PositionSchema, PositionRoleSchema, UserPositionSchema}
}
