// internal/row/row.go
//
// Self-describing mutable record bound to a table Schema.
//
// Context
// -------
// A Row holds only the columns its Schema declares.  Values are kept in a
// Fields map where a present nil means SQL NULL and an absent key means the
// value is unknown.  A row missing any identifying value is "partial" and
// has no ID, which the cache treats as unindexable.
//
// Rows are not safe for concurrent mutation.  The cache serialises access
// to the rows it owns; everything handed out in events is a Clone.
//
// Notes
// -----
//   - IDs join key values with "#", e.g. "123#mod".
package row

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// IDSeparator joins unique-key values into a row ID.
const IDSeparator = "#"

// Fields is a column -> value map.
type Fields map[string]any

type unset struct{}

// Unset marks a field as explicitly unknown.  Update removes the column,
// SET and INSERT skip it, and WHERE compiles it to FALSE.
var Unset any = unset{}

// IsUnset reports whether v is the Unset marker.
func IsUnset(v any) bool {
	_, ok := v.(unset)
	return ok
}

// Row is one record of a table.
type Row struct {
	schema     *Schema
	values     Fields
	expiration int64 // unix seconds, 0 = no timer
}

// New builds a row on s from raw data.  Unknown keys are ignored.
func New(s *Schema, data Fields) *Row {
	r := &Row{schema: s, values: make(Fields, len(s.Columns))}
	if data != nil {
		r.Update(data)
	}
	return r
}

// Schema returns the table schema.
func (r *Row) Schema() *Schema { return r.schema }

// Table returns the table name.
func (r *Row) Table() string { return r.schema.Table }

// ID returns the unique-key values joined by IDSeparator when they are all
// known, else every column joined, else "".
func (r *Row) ID() string {
	if id, ok := r.joinKeys(r.schema.UniqueKeys); ok {
		return id
	}
	if id, ok := r.joinKeys(r.schema.Columns); ok {
		return id
	}
	return ""
}

func (r *Row) joinKeys(keys []string) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, ok := r.values[k]
		if !ok {
			return "", false
		}
		parts[i] = IDPart(v)
	}
	return strings.Join(parts, IDSeparator), true
}

// IDPart renders one key value the way it appears inside a row ID.
func IDPart(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return strconv.FormatInt(t.Unix(), 10)
	default:
		return fmt.Sprint(t)
	}
}

// Partial reports whether any declared column is unknown.
func (r *Row) Partial() bool {
	for _, c := range r.schema.Columns {
		if _, ok := r.values[c]; !ok {
			return true
		}
	}
	return false
}

// Get returns the raw value of col and whether it is known.
func (r *Row) Get(col string) (any, bool) {
	v, ok := r.values[col]
	return v, ok
}

// String returns col as a string, "" when unknown or NULL.
func (r *Row) String(col string) string {
	v, ok := r.values[col]
	if !ok || v == nil {
		return ""
	}
	return IDPart(v)
}

// Int64 returns col as an integer.  ok is false when the value is unknown,
// NULL, or not numeric.
func (r *Row) Int64(col string) (int64, bool) {
	v, ok := r.values[col]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// Bool returns col as a boolean, false when unknown or NULL.
func (r *Row) Bool(col string) bool {
	switch t := r.values[col].(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case []byte:
		b, _ := strconv.ParseBool(string(t))
		return b
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

// Time returns col as a timestamp.  Drivers and JSON payloads deliver
// time.Time, Unix seconds, or RFC 3339 and "2006-01-02 15:04:05" strings;
// ok is false for anything else, NULL, or the zero time.
func (r *Row) Time(col string) (time.Time, bool) {
	switch t := r.values[col].(type) {
	case time.Time:
		return t, !t.IsZero()
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	}
	if sec, ok := toInt64(r.values[col]); ok {
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}

func parseTime(s string) (time.Time, bool) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, true
	}
	if ts, err := time.Parse(time.DateTime, s); err == nil {
		return ts, true
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}

// Update assigns every declared column found in data and returns r.  Keys
// outside the schema are ignored.  The ID may change as a side effect.
func (r *Row) Update(data Fields) *Row {
	for k, v := range data {
		if !r.schema.HasColumn(k) {
			continue
		}
		if IsUnset(v) {
			delete(r.values, k)
			continue
		}
		r.values[k] = v
	}
	return r
}

// Equals compares unique keys when both sides know all of them, else falls
// back to ExactlyEquals.
func (r *Row) Equals(other Fields) bool {
	keys := r.schema.UniqueKeys
	if len(keys) > 0 && r.knowsAll(keys) && knowsAll(other, keys) {
		for _, k := range keys {
			if !valuesEqual(r.values[k], other[k]) {
				return false
			}
		}
		return true
	}
	return r.ExactlyEquals(other)
}

// ExactlyEquals reports whether every public field of other matches the
// row.  Keys starting with "_" are ignored.  Used to detect no-op updates
// and to evaluate partial-field filters.
func (r *Row) ExactlyEquals(other Fields) bool {
	if other == nil {
		return false
	}
	for k, want := range other {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if !valuesEqual(want, r.values[k]) {
			return false
		}
	}
	return true
}

func (r *Row) knowsAll(keys []string) bool { return knowsAll(r.values, keys) }

func knowsAll(f Fields, keys []string) bool {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || IsUnset(v) {
			return false
		}
	}
	return true
}

// ToSelector returns the unique keys when fully known, else all fields.
func (r *Row) ToSelector() Fields {
	keys := r.schema.UniqueKeys
	if len(keys) > 0 && r.knowsAll(keys) {
		sel := make(Fields, len(keys))
		for _, k := range keys {
			sel[k] = r.values[k]
		}
		return sel
	}
	return r.Fields()
}

// Fields returns a copy of the known column values.
func (r *Row) Fields() Fields {
	return maps.Clone(r.values)
}

// Clone rebuilds the row from its own fields.  The expiration is kept so
// listeners can reason about it.
func (r *Row) Clone() *Row {
	c := New(r.schema, r.values)
	c.expiration = r.expiration
	return c
}

// Destroy runs the table cleanup hook, if any.
func (r *Row) Destroy() {
	if r.schema.OnDestroy != nil {
		r.schema.OnDestroy(r)
	}
}

// IsCacheExpired reports whether the row should leave the cache at now
// (unix seconds).  Without a table hook the row expires once its timer is
// set and elapsed.
func (r *Row) IsCacheExpired(now int64) bool {
	timer := now > 0 && r.expiration > 0 && r.expiration <= now
	if r.schema.Expiry != nil {
		return r.schema.Expiry(r, now, timer)
	}
	return timer
}

// SetCacheExpiration sets the cache timer (unix seconds, 0 clears it).
func (r *Row) SetCacheExpiration(exp int64) { r.expiration = exp }

// CacheExpiration returns the cache timer.
func (r *Row) CacheExpiration() int64 { return r.expiration }

// GoString keeps %#v output readable in test failures.
func (r *Row) GoString() string {
	return fmt.Sprintf("row.Row{%s %v}", r.schema.Table, r.values)
}
