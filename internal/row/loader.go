// internal/row/loader.go
//
// Schema metadata loader.
//
// Context
// -------
// Column lists and primary keys are owned by the database, not by the Go
// code.  `Load` reads both from information_schema in two queries and
// refreshes the registry in place.  Hooks (Expiry, OnDestroy) declared by
// domain packages survive the refresh.
//
// The helpers accept a *sql.DB and a SQL expression naming the current
// schema, `current_schema()` on Postgres and `DATABASE()` on MySQL.
//
// Notes
// -----
// • Call Load before any cache is filled; rows keep a pointer to their
//   Schema and are not re-validated afterwards.
package row

import (
	"context"
	"database/sql"
)

// Load refreshes columns and unique keys for every table visible in the
// current schema.  Tables the registry does not know yet are added without
// hooks.
func (r *Registry) Load(ctx context.Context, db *sql.DB, currentSchema string) error {
	columns, err := queryPairs(ctx, db, `SELECT table_name, column_name
                 FROM information_schema.columns
                WHERE table_schema = `+currentSchema+`
                ORDER BY table_name, ordinal_position`)
	if err != nil {
		return err
	}

	keys, err := queryPairs(ctx, db, `SELECT tc.table_name, kcu.column_name
                 FROM information_schema.table_constraints tc
                 JOIN information_schema.key_column_usage kcu
                   ON kcu.constraint_name = tc.constraint_name
                  AND kcu.table_schema = tc.table_schema
                  AND kcu.table_name = tc.table_name
                WHERE tc.table_schema = `+currentSchema+`
                  AND tc.constraint_type = 'PRIMARY KEY'
                ORDER BY tc.table_name, kcu.ordinal_position`)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for table, cols := range columns {
		s, ok := r.schemas[table]
		if !ok {
			s = &Schema{Table: table}
			r.schemas[table] = s
		}
		s.Columns = cols
		s.UniqueKeys = keys[table]
	}
	return nil
}

// queryPairs folds (table, column) rows into table -> ordered columns.
func queryPairs(ctx context.Context, db *sql.DB, q string) (map[string][]string, error) {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string, 16)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, err
		}
		out[table] = append(out[table], column)
	}
	return out, rows.Err()
}
