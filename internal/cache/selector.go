package cache

import (
	"strings"

	"github.com/yanizio/rankbot/internal/row"
)

// Selector picks cache entries.  The zero value selects everything for Get
// and nothing for Find.
type Selector struct {
	ids    []string
	fields row.Fields
}

// All selects every entry.
func All() Selector { return Selector{} }

// ByID selects exact IDs (fast path, no scan).
func ByID(ids ...string) Selector {
	if ids == nil {
		ids = []string{}
	}
	return Selector{ids: ids}
}

// ByKey selects the single entry whose ID is parts joined.
func ByKey(parts ...any) Selector {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = row.IDPart(p)
	}
	return ByID(joinID(strs))
}

// Match selects entries equal to a partial-field filter (linear scan).
func Match(f row.Fields) Selector {
	if f == nil {
		f = row.Fields{}
	}
	return Selector{fields: f}
}

// Like selects entries equal to r's fields.
func Like(r *row.Row) Selector { return Match(r.Fields()) }

func joinID(parts []string) string { return strings.Join(parts, row.IDSeparator) }
