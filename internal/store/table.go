// internal/store/table.go
//
// Read-through table store.
//
// Context
// -------
// A Table pairs one row.Schema with its cache.Cache and a *sqlx.DB.  Every
// statement is built with the statement composer, so no value is ever
// concatenated into SQL text.  Results are pushed into the cache and the
// canonical cached rows are returned, which keeps the cache the single
// in-process view of the table.
//
//	FetchAll  SELECT * FROM t                 -> cache.SetAll
//	Fetch     SELECT * FROM t WHERE …         -> cache.Push per row
//	Find      cache first, then Fetch
//	Create    INSERT … RETURNING *            -> cache.Push
//	Update    UPDATE … SET … WHERE … RETURNING * -> cache.Update + Push
//	Remove    DELETE … WHERE … RETURNING *    -> cache.Remove
//	Call      SELECT * FROM fn(a => $1)       (CALL fn(?) on MySQL)
//
// Errors from the driver are returned wrapped, never swallowed.  A query
// that hits its deadline surfaces as ErrTimeout and leaves the cache as it
// was.
//
// Notes
// -----
// • MySQL has no RETURNING, so writes there update the cache from the
//   input instead of from the database echo.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/yanizio/rankbot/internal/cache"
	"github.com/yanizio/rankbot/internal/database"
	"github.com/yanizio/rankbot/internal/metrics"
	"github.com/yanizio/rankbot/internal/row"
	"github.com/yanizio/rankbot/internal/statement"
)

var (
	ErrNotFound      = errors.New("store: row not found")
	ErrTimeout       = errors.New("store: query timed out")
	ErrEmptySelector = errors.New("store: empty selector would touch every row")
	ErrBadFilter     = statement.ErrBadFilter
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTimeout reports whether err wraps ErrTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// DefaultQueryTimeout bounds every statement unless overridden.
const DefaultQueryTimeout = 10 * time.Second

// Option configures a Table.
type Option func(*Table)

// WithQueryTimeout overrides DefaultQueryTimeout.  Zero disables it.
func WithQueryTimeout(d time.Duration) Option { return func(t *Table) { t.timeout = d } }

// Table is safe for concurrent use.
type Table struct {
	db      *sqlx.DB
	schema  *row.Schema
	cache   *cache.Cache
	dialect statement.Dialect
	timeout time.Duration
}

// NewTable wires schema s to db and c.
func NewTable(db *sqlx.DB, s *row.Schema, c *cache.Cache, opts ...Option) *Table {
	t := &Table{
		db:      db,
		schema:  s,
		cache:   c,
		dialect: statement.DialectFor(db.DriverName()),
		timeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) Name() string { return t.schema.Table }

func (t *Table) Schema() *row.Schema { return t.schema }

func (t *Table) Cache() *cache.Cache { return t.cache }

func (t *Table) Dialect() statement.Dialect { return t.dialect }

//
// Reads
//

// FetchAll loads the whole table and replaces the cache contents.
func (t *Table) FetchAll(ctx context.Context) ([]*row.Row, error) {
	rows, err := t.query(ctx, "fetch_all", "SELECT * FROM "+t.quoted(), nil)
	if err != nil {
		return nil, err
	}
	t.cache.SetAll(rows)
	return t.cache.All(), nil
}

// Fetch selects every row matching filter (row.Fields, *row.Row, or
// *statement.Composer) and pushes them into the cache.
func (t *Table) Fetch(ctx context.Context, filter any) ([]*row.Row, error) {
	p := statement.NewParams(t.dialect)
	cond, err := where(filter, p)
	if err != nil {
		return nil, err
	}
	q := "SELECT * FROM " + t.quoted() + cond
	rows, err := t.query(ctx, "fetch", q, p.Values())
	if err != nil {
		return nil, err
	}
	return t.pushAll(rows), nil
}

// FetchMap is Fetch keyed by the value of col.
func (t *Table) FetchMap(ctx context.Context, filter any, col string) (map[string]*row.Row, error) {
	rows, err := t.Fetch(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*row.Row, len(rows))
	for _, r := range rows {
		out[r.String(col)] = r
	}
	return out, nil
}

// Find returns the cached row matching filter, fetching it on a miss.
func (t *Table) Find(ctx context.Context, filter row.Fields) (*row.Row, error) {
	if r := t.cache.Find(cache.Match(filter)); r != nil && !r.IsCacheExpired(time.Now().Unix()) {
		return r, nil
	}
	rows, err := t.Fetch(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s %v", ErrNotFound, t.Name(), filter)
	}
	return rows[0], nil
}

//
// Writes
//

// Create inserts r and returns the canonical cached row.
func (t *Table) Create(ctx context.Context, r *row.Row) (*row.Row, error) {
	p := statement.NewParams(t.dialect)
	q := "INSERT INTO " + t.quoted() + " " + statement.New(r).Insert(p)
	if !t.dialect.Returning {
		if err := t.exec(ctx, "create", q, p.Values()); err != nil {
			return nil, err
		}
		return t.cache.Push(r, nil), nil
	}

	rows, err := t.query(ctx, "create", q+" RETURNING *", p.Values())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return t.cache.Push(r, nil), nil
	}
	return t.cache.Push(rows[0], nil), nil
}

// Update applies data to every row matching filter and returns the rows
// as the database reports them (the cached rows on MySQL).
func (t *Table) Update(ctx context.Context, filter any, data row.Fields) ([]*row.Row, error) {
	p := statement.NewParams(t.dialect)
	set := statement.New(data).Set(p)
	cond, err := where(filter, p)
	if err != nil {
		return nil, err
	}
	if cond == "" {
		return nil, ErrEmptySelector
	}
	q := "UPDATE " + t.quoted() + " SET " + set + cond

	sel, exact := cacheSelector(filter)
	if !t.dialect.Returning {
		if err := t.exec(ctx, "update", q, p.Values()); err != nil {
			return nil, err
		}
		if !exact {
			return nil, nil
		}
		before := t.cache.Get(sel)
		t.cache.Update(sel, data)
		return before, nil
	}

	rows, err := t.query(ctx, "update", q+" RETURNING *", p.Values())
	if err != nil {
		return nil, err
	}
	if exact {
		t.cache.Update(sel, data)
	}
	return t.pushAll(rows), nil
}

// Remove deletes every row matching filter and evicts them from the cache.
func (t *Table) Remove(ctx context.Context, filter any) ([]*row.Row, error) {
	p := statement.NewParams(t.dialect)
	cond, err := where(filter, p)
	if err != nil {
		return nil, err
	}
	if cond == "" {
		return nil, ErrEmptySelector
	}
	q := "DELETE FROM " + t.quoted() + cond

	sel, exact := cacheSelector(filter)
	if !t.dialect.Returning {
		if err := t.exec(ctx, "remove", q, p.Values()); err != nil {
			return nil, err
		}
		if !exact {
			return nil, nil
		}
		return t.cache.FilterOut(sel), nil
	}

	rows, err := t.query(ctx, "remove", q+" RETURNING *", p.Values())
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		t.cache.Remove(r.ID())
	}
	return rows, nil
}

// Call invokes a stored function and returns its raw result rows.  On
// Postgres arguments use named notation, on MySQL they are positional in
// sorted key order.
func (t *Table) Call(ctx context.Context, fn string, args row.Fields) ([]row.Fields, error) {
	p := statement.NewParams(t.dialect)
	c := statement.New(args)
	var q string
	if t.dialect.Returning {
		q = "SELECT * FROM " + t.dialect.Quote(fn) + "(" + c.FuncParams(p) + ")"
	} else {
		q = "CALL " + t.dialect.Quote(fn) + "(" + c.FuncArgs(p) + ")"
	}
	return t.queryFields(ctx, "call", q, p.Values())
}

//
// helpers
//

func (t *Table) quoted() string { return t.dialect.Quote(t.schema.Table) }

func (t *Table) pushAll(rows []*row.Row) []*row.Row {
	out := make([]*row.Row, 0, len(rows))
	for _, r := range rows {
		if c := t.cache.Push(r, nil); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (t *Table) query(ctx context.Context, op, q string, args []any) ([]*row.Row, error) {
	raw, err := t.queryFields(ctx, op, q, args)
	if err != nil {
		return nil, err
	}
	rows := make([]*row.Row, len(raw))
	for i, f := range raw {
		rows[i] = row.New(t.schema, f)
	}
	return rows, nil
}

func (t *Table) queryFields(ctx context.Context, op, q string, args []any) ([]row.Fields, error) {
	ctx, cancel := database.WithTimeout(ctx, t.timeout)
	defer cancel()
	defer t.observe(op, time.Now())

	rs, err := t.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, t.fail(ctx, op, err)
	}
	defer rs.Close()

	var out []row.Fields
	for rs.Next() {
		m := make(map[string]any)
		if err := rs.MapScan(m); err != nil {
			return nil, t.fail(ctx, op, err)
		}
		out = append(out, normalize(m))
	}
	if err := rs.Err(); err != nil {
		return nil, t.fail(ctx, op, err)
	}
	return out, nil
}

func (t *Table) exec(ctx context.Context, op, q string, args []any) error {
	ctx, cancel := database.WithTimeout(ctx, t.timeout)
	defer cancel()
	defer t.observe(op, time.Now())

	if _, err := t.db.ExecContext(ctx, q, args...); err != nil {
		return t.fail(ctx, op, err)
	}
	return nil
}

func (t *Table) observe(op string, start time.Time) {
	metrics.StoreQueryDuration.WithLabelValues(t.Name(), op).Observe(time.Since(start).Seconds())
}

func (t *Table) fail(ctx context.Context, op string, err error) error {
	metrics.StoreErrorsTotal.WithLabelValues(t.Name(), op).Inc()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s: %v", ErrTimeout, t.Name(), op, err)
	}
	return fmt.Errorf("store: %s %s: %w", t.Name(), op, err)
}

// where renders " WHERE …" or "" for an empty filter.  A filter the
// composer cannot render fails with ErrBadFilter.
func where(filter any, p *statement.Params) (string, error) {
	var c *statement.Composer
	switch f := filter.(type) {
	case *statement.Composer:
		c = f
	case *row.Row:
		c = statement.New(f.ToSelector())
	default:
		c = statement.New(filter)
	}
	if err := c.Err(); err != nil {
		return "", err
	}
	if s := c.Where(p); s != "" {
		return " WHERE " + s, nil
	}
	return "", nil
}

// cacheSelector mirrors a plain field filter onto the cache.  Composer
// filters cannot be evaluated in memory.
func cacheSelector(filter any) (cache.Selector, bool) {
	switch f := filter.(type) {
	case row.Fields:
		return cache.Match(f), true
	case *row.Row:
		return cache.Match(f.ToSelector()), true
	}
	return cache.Selector{}, false
}

// normalize turns driver byte slices into strings so IDs and comparisons
// behave the same across drivers.
func normalize(m map[string]any) row.Fields {
	out := make(row.Fields, len(m))
	for k, v := range m {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[k] = v
	}
	return out
}
