// internal/row/schema.go
//
// Table schema metadata.
//
// Context
// -------
// Every cached row is bound to one Schema: the table name, the ordered
// column list, and the subset of columns that identifies a row (primary
// key).  The column list is the only field list a Row may ever hold, and
// it doubles as the comparator used by Equals and ExactlyEquals, so no
// reflection is needed to compare two rows.
//
// Domain packages declare a static Schema for their table.  At connect
// time `Registry.Load` refreshes columns and keys from information_schema
// so the in-process view follows the real database.
//
// Notes
// -----
//   - Schemas are treated as immutable once rows have been built on them.
package row

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownTable is returned when no schema is registered for a table.
var ErrUnknownTable = errors.New("row: unknown table")

// ExpiryFunc adds domain-specific expiry on top of the cache timer.  now is
// zero when the caller only wants the domain rule (bulk replace), and
// timerExpired reports whether the cache lifetime has elapsed.
type ExpiryFunc func(r *Row, now int64, timerExpired bool) bool

// Schema describes one table.
type Schema struct {
	Table      string
	Columns    []string
	UniqueKeys []string

	// Expiry overrides the default "timer elapsed" rule when set.
	Expiry ExpiryFunc

	// OnDestroy runs when a row leaves the cache.
	OnDestroy func(*Row)
}

// HasColumn reports whether col is declared on the table.
func (s *Schema) HasColumn(col string) bool {
	return slices.Contains(s.Columns, col)
}

// Validate rejects schemas whose unique keys are not columns.
func (s *Schema) Validate() error {
	if s.Table == "" {
		return errors.New("row: schema without table name")
	}
	for _, k := range s.UniqueKeys {
		if !s.HasColumn(k) {
			return fmt.Errorf("row: %s unique key %q is not a column", s.Table, k)
		}
	}
	return nil
}

//
// Registry
//

// Registry maps table names to schemas.  Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns a registry pre-populated with the given schemas.
func NewRegistry(schemas ...*Schema) *Registry {
	r := &Registry{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		r.schemas[s.Table] = s
	}
	return r
}

// Register adds or replaces a schema.
func (r *Registry) Register(s *Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.schemas[s.Table] = s
	r.mu.Unlock()
	return nil
}

// Lookup returns the schema for table or ErrUnknownTable.
func (r *Registry) Lookup(table string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.schemas[table]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
}

// Tables returns every registered table name, sorted.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
