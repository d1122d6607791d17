// internal/statement/dialect.go
//
// SQL dialects and the shared parameter list.
//
// Context
// -------
// The composer never concatenates a value into SQL text.  Every literal is
// appended to a Params list and replaced by the dialect's placeholder.  One
// Params must travel through a whole statement build (WHERE, SET, and
// RETURNING parts alike) so Postgres numbering stays correct.
//
// Notes
// -----
// • Postgres: `$1` placeholders, "double-quoted" identifiers, RETURNING.
// • MySQL: `?` placeholders, `back-ticked` identifiers, no RETURNING.
package statement

import (
	"strconv"
	"strings"
)

// Dialect captures the few syntax differences the composer cares about.
type Dialect struct {
	Name      string
	Returning bool

	// CurrentSchema is the SQL expression naming the connected schema.
	CurrentSchema string

	placeholder func(n int) string
	quote       byte
}

var (
	Postgres = Dialect{
		Name:          "postgres",
		Returning:     true,
		CurrentSchema: "current_schema()",
		placeholder:   func(n int) string { return "$" + strconv.Itoa(n) },
		quote:         '"',
	}
	MySQL = Dialect{
		Name:          "mysql",
		CurrentSchema: "DATABASE()",
		placeholder:   func(int) string { return "?" },
		quote:         '`',
	}
)

// DialectFor maps a driver name to its dialect.  Unknown drivers get
// Postgres.
func DialectFor(driver string) Dialect {
	if driver == "mysql" {
		return MySQL
	}
	return Postgres
}

// Quote wraps an identifier, doubling any embedded quote character.
func (d Dialect) Quote(ident string) string {
	q := string(d.quote)
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

// Params is the ordered positional parameter list for one statement.
type Params struct {
	dialect Dialect
	values  []any
}

// NewParams returns an empty list for d.
func NewParams(d Dialect) *Params {
	return &Params{dialect: d}
}

// Add appends v and returns its placeholder.
func (p *Params) Add(v any) string {
	p.values = append(p.values, v)
	return p.dialect.placeholder(len(p.values))
}

// Values returns the bound values in placeholder order.
func (p *Params) Values() []any { return p.values }

// Len reports how many values are bound.
func (p *Params) Len() int { return len(p.values) }

// Dialect returns the dialect the list numbers for.
func (p *Params) Dialect() Dialect { return p.dialect }
