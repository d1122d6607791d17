// internal/position/catalog.go
//
// Read model over the position and position_role caches.
//
// Context
// -------
// The permission engine asks a handful of questions many times per
// decision: what does this reference resolve to, which roles does a
// position bind in guild G, and which positions does a set of roles imply.
// Catalog answers them straight from the two caches, so a decision never
// touches the database.
//
// Notes
// -----
// • Every list is returned in a deterministic order: positions by level,
//   bindings by (position, role).
package position

import (
	"cmp"
	"slices"

	"github.com/yanizio/rankbot/internal/cache"
	"github.com/yanizio/rankbot/internal/row"
)

// Catalog is safe for concurrent use; it holds no state of its own.
type Catalog struct {
	positions *cache.Cache
	bindings  *cache.Cache
}

// NewCatalog reads positions and position_role rows from the given caches.
func NewCatalog(positions, bindings *cache.Cache) *Catalog {
	return &Catalog{positions: positions, bindings: bindings}
}

// PositionCache and BindingCache expose the backing caches for wiring.
func (c *Catalog) PositionCache() *cache.Cache { return c.positions }

func (c *Catalog) BindingCache() *cache.Cache { return c.bindings }

// Resolve looks a position up by ID or name.
func (c *Catalog) Resolve(ref Ref) (Position, bool) {
	if ref.IsZero() {
		return Position{}, false
	}
	r := c.positions.Find(cache.Match(ref.Selector()))
	if r == nil {
		return Position{}, false
	}
	return FromRow(r), true
}

// Positions returns every position sorted by level.
func (c *Catalog) Positions() []Position {
	rows := c.positions.All()
	out := make([]Position, len(rows))
	for i, r := range rows {
		out[i] = FromRow(r)
	}
	SortByLevel(out)
	return out
}

// LevelPositions returns p and every position more senior than p, sorted.
// An unranked p yields only itself.
func (c *Catalog) LevelPositions(p Position) []Position {
	if !p.Ranked {
		return []Position{p}
	}
	var out []Position
	for _, o := range c.Positions() {
		if o.Ranked && o.Level <= p.Level {
			out = append(out, o)
		}
	}
	return out
}

// Bindings returns every binding in guildID.
func (c *Catalog) Bindings(guildID string) []PositionRole {
	return c.bindingsWhere(row.Fields{"guild_id": guildID})
}

// PositionBindings returns the bindings of p in guildID.
func (c *Catalog) PositionBindings(guildID string, p Position) []PositionRole {
	return c.bindingsWhere(row.Fields{"guild_id": guildID, "id_position": p.ID})
}

func (c *Catalog) bindingsWhere(f row.Fields) []PositionRole {
	rows := c.bindings.Get(cache.Match(f))
	out := make([]PositionRole, len(rows))
	for i, r := range rows {
		out[i] = RoleFromRow(r)
	}
	slices.SortFunc(out, func(a, b PositionRole) int {
		if n := cmp.Compare(a.PositionID, b.PositionID); n != 0 {
			return n
		}
		return cmp.Compare(a.RoleID, b.RoleID)
	})
	return out
}

// ConnectedRoles returns the role IDs p binds in guildID.
func (c *Catalog) ConnectedRoles(guildID string, p Position) []string {
	bs := c.PositionBindings(guildID, p)
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.RoleID
	}
	return out
}

// IsRoleConfigured reports whether p has at least one binding in guildID.
func (c *Catalog) IsRoleConfigured(guildID string, p Position) bool {
	return len(c.PositionBindings(guildID, p)) > 0
}

// RolePositions returns the positions implied by holding roleIDs in
// guildID, de-duplicated and sorted by level.  Bindings to unknown
// positions are skipped.
func (c *Catalog) RolePositions(guildID string, roleIDs []string) []Position {
	seen := make(map[int64]bool)
	var out []Position
	for _, b := range c.Bindings(guildID) {
		if seen[b.PositionID] || !slices.Contains(roleIDs, b.RoleID) {
			continue
		}
		p, ok := c.Resolve(ByID(b.PositionID))
		if !ok {
			continue
		}
		seen[b.PositionID] = true
		out = append(out, p)
	}
	SortByLevel(out)
	return out
}
