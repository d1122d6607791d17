// internal/statement/composer.go
//
// Parameterised SQL fragment builder.
//
// Context
// -------
// Callers describe conditions as nested maps keyed by column name:
//
//	statement.And(
//	    row.Fields{"guild_id": gid, statement.Not("role_id"): nil},
//	    statement.Or(row.Fields{"level": 1}, row.Fields{"level": 2}),
//	)
//
// Keys may be negated with Not(), nested maps qualify their children
// ("position"."name"), keys shaped like "(…)" are passed through as
// sub-query expressions, and Raw values are trusted fragments.  Every
// other value becomes a positional parameter.
//
// WHERE semantics:
//
//   - Unset    → FALSE (an unknown value never matches anything)
//   - nil      → col IS NULL
//   - Raw      → col = fragment
//   - anything → col = $n
//
// SET, INSERT, and function-call projections merge every group into one
// flat map (later groups win) and skip Unset values, so "omit this field"
// stays distinct from "set it to NULL".
//
// Notes
// -----
// • Keys are emitted in sorted order so SQL text and placeholder numbering
//   are deterministic.
// • An unsupported group or operator is recorded, not rendered; check Err
//   before running the SQL.
package statement

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/yanizio/rankbot/internal/row"
)

// Unset re-exports row.Unset so callers only need one import.
var Unset = row.Unset

// Raw marks a value as already-safe SQL.
type Raw string

const notPrefix = "!"

// ErrBadFilter reports a group or operator the composer cannot render.
var ErrBadFilter = errors.New("statement: unsupported filter")

// Not negates a column key.
func Not(col string) string { return notPrefix + col }

// Composer is a tree of condition groups joined by one separator.
type Composer struct {
	operator  string
	separator string
	parent    string
	groups    []any // map[string]any or *Composer
	err       error
}

// New combines groups with AND using "=" comparisons.
func New(groups ...any) *Composer { return compose("=", "AND", groups) }

// And combines groups with AND.
func And(groups ...any) *Composer { return compose("=", "AND", groups) }

// Or combines groups with OR.
func Or(groups ...any) *Composer { return compose("=", "OR", groups) }

// Like compares with LIKE.
func Like(groups ...any) *Composer { return compose("LIKE", "AND", groups) }

// ILike compares with case-insensitive ILIKE (Postgres only).
func ILike(groups ...any) *Composer { return compose("ILIKE", "AND", groups) }

// Compare combines groups with AND using op, one of <, <=, >, >=, or <>.
// Any other op leaves the composer failed with ErrBadFilter.
func Compare(op string, groups ...any) *Composer {
	switch op {
	case "<", "<=", ">", ">=", "<>":
		return compose(op, "AND", groups)
	}
	c := compose("=", "AND", groups)
	c.fail(fmt.Errorf("%w: operator %q", ErrBadFilter, op))
	return c
}

func compose(op, sep string, groups []any) *Composer {
	c := &Composer{operator: op, separator: sep}
	return c.Add(groups...)
}

// Add appends more groups.  Accepts row.Fields, map[string]any, *row.Row,
// *Composer, and slices of those.  Anything else is dropped and recorded
// as ErrBadFilter.
func (c *Composer) Add(groups ...any) *Composer {
	for _, g := range groups {
		switch t := g.(type) {
		case nil:
		case *Composer:
			if c.parent != "" && t.parent == "" {
				t.WithParent(c.parent)
			}
			c.groups = append(c.groups, t)
		case *row.Row:
			c.groups = append(c.groups, map[string]any(t.Fields()))
		case row.Fields:
			c.groups = append(c.groups, map[string]any(t))
		case map[string]any:
			c.groups = append(c.groups, t)
		case []any:
			c.Add(t...)
		case []row.Fields:
			for _, f := range t {
				c.Add(f)
			}
		default:
			c.fail(fmt.Errorf("%w: group type %T", ErrBadFilter, g))
		}
	}
	return c
}

func (c *Composer) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Err returns the first ErrBadFilter recorded in c or a nested composer.
func (c *Composer) Err() error {
	if c.err != nil {
		return c.err
	}
	for _, g := range c.groups {
		if sub, ok := g.(*Composer); ok {
			if err := sub.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithParent qualifies top-level columns with a table name or alias and
// propagates it to nested composers.
func (c *Composer) WithParent(parent string) *Composer {
	c.parent = strings.ReplaceAll(parent, `"`, "")
	for _, g := range c.groups {
		if sub, ok := g.(*Composer); ok {
			sub.WithParent(c.parent)
		}
	}
	return c
}

// Empty reports whether the composer holds no conditions.
func (c *Composer) Empty() bool { return len(c.Merge()) == 0 }

// Merge flattens all groups into one map; later groups override earlier
// keys.
func (c *Composer) Merge() map[string]any {
	out := make(map[string]any)
	for _, g := range c.groups {
		switch t := g.(type) {
		case *Composer:
			maps.Copy(out, t.Merge())
		case map[string]any:
			maps.Copy(out, t)
		}
	}
	return out
}

//
// WHERE
//

// Where renders the condition tree.  Returns "" when there is nothing to
// filter on.
func (c *Composer) Where(p *Params) string {
	var sql string
	for _, g := range c.groups {
		var next string
		switch t := g.(type) {
		case *Composer:
			next = t.Where(p)
		case map[string]any:
			next = c.whereGroup(t, p)
		}
		if next == "" || sql == "" {
			if sql == "" {
				sql = next
			}
			continue
		}
		sql = "(" + sql + ") " + c.separator + " (" + next + ")"
	}
	return sql
}

type leaf struct {
	key   string
	value any
}

func (c *Composer) whereGroup(group map[string]any, p *Params) string {
	leaves := c.flatten(group, p.dialect, "", false, nil)
	parts := make([]string, 0, len(leaves))
	for _, l := range leaves {
		switch v := l.value.(type) {
		case Raw:
			parts = append(parts, l.key+" "+c.operator+" "+string(v))
		case nil:
			parts = append(parts, l.key+" IS NULL")
		default:
			if row.IsUnset(v) {
				parts = append(parts, "FALSE")
				continue
			}
			parts = append(parts, l.key+" "+c.operator+" "+p.Add(v))
		}
	}
	return strings.Join(parts, " AND ")
}

// flatten walks nested maps into qualified leaves in sorted key order.
func (c *Composer) flatten(group map[string]any, d Dialect, prev string, negate bool, out []leaf) []leaf {
	for _, key := range slices.Sorted(maps.Keys(group)) {
		val := group[key]
		if isSubQuery(key) {
			out = append(out, leaf{key: key, value: val})
			continue
		}

		neg := negate
		if strings.HasPrefix(key, notPrefix) {
			neg = !neg
			key = strings.TrimPrefix(key, notPrefix)
		}
		qualified := d.Quote(key)
		if prev != "" {
			qualified = prev + "." + qualified
		}

		if nested, ok := asMap(val); ok {
			out = c.flatten(nested, d, qualified, neg, out)
			continue
		}
		if prev == "" && c.parent != "" {
			qualified = d.Quote(c.parent) + "." + qualified
		}
		if neg {
			qualified = "NOT " + qualified
		}
		out = append(out, leaf{key: qualified, value: val})
	}
	return out
}

func isSubQuery(key string) bool {
	return len(key) >= 2 && key[0] == '(' && key[len(key)-1] == ')'
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case row.Fields:
		return t, true
	case map[string]any:
		return t, true
	}
	return nil, false
}

//
// Projections
//

// projected renders every set field as (quoted column, value fragment).
func (c *Composer) projected(p *Params, quote bool) (cols, vals []string) {
	merged := c.Merge()
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		v := merged[k]
		if row.IsUnset(v) {
			continue
		}
		col := k
		if quote {
			col = p.dialect.Quote(k)
		}
		cols = append(cols, col)
		vals = append(vals, valueFragment(v, p))
	}
	return cols, vals
}

func valueFragment(v any, p *Params) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case Raw:
		return string(t)
	default:
		return p.Add(v)
	}
}

// Set renders `"a" = $1, "b" = NULL`.
func (c *Composer) Set(p *Params) string {
	cols, vals := c.projected(p, true)
	parts := make([]string, len(cols))
	for i := range cols {
		parts[i] = cols[i] + " = " + vals[i]
	}
	return strings.Join(parts, ", ")
}

// Insert renders `("a", "b") VALUES ($1, NULL)`, or "" when empty.
func (c *Composer) Insert(p *Params) string {
	cols, vals := c.projected(p, true)
	if len(cols) == 0 {
		return ""
	}
	return "(" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(vals, ", ") + ")"
}

// FuncParams renders named-notation arguments `a => $1, b => NULL`.
func (c *Composer) FuncParams(p *Params) string {
	cols, vals := c.projected(p, false)
	parts := make([]string, len(cols))
	for i := range cols {
		parts[i] = cols[i] + " => " + vals[i]
	}
	return strings.Join(parts, ", ")
}

// FuncArgs renders positional arguments in sorted key order.
func (c *Composer) FuncArgs(p *Params) string {
	_, vals := c.projected(p, false)
	return strings.Join(vals, ", ")
}

// Args renders positional function arguments in the given order.  Unset
// values are skipped.
func Args(p *Params, values ...any) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if row.IsUnset(v) {
			continue
		}
		parts = append(parts, valueFragment(v, p))
	}
	return strings.Join(parts, ", ")
}
