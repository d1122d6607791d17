// Package database centralises sqlx connection helpers.  Two drivers are
// registered: jackc/pgx (through its database/sql shim) for PostgreSQL, and
// go-sql-driver/mysql for MySQL and MariaDB.  The driver name on the
// returned *sqlx.DB is what statement.DialectFor keys on.
//
// Public entry points:
//
//	Open(driver, dsn)            – quick helper with conservative pool sizes.
//	OpenWithOptions(ctx, opts)   – fine-grained control.
//
// Both helpers Ping the database before returning so callers can fail fast
// during bootstrap.  Callers should Close() the returned *sqlx.DB when no
// longer needed.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Supported values for Options.Driver.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
)

// ErrUnknownDriver is returned for a driver outside Postgres and MySQL.
var ErrUnknownDriver = errors.New("database: unknown driver")

// Options tunes a connection pool.  Zero values fall back to the defaults
// used by Open.
type Options struct {
	Driver       string
	DSN          string
	Password     string // substituted into a DSN carrying one %s verb
	MaxOpen      int
	MaxIdle      int
	MaxLifetime  time.Duration
	QueryTimeout time.Duration
}

// Open returns a *sqlx.DB with sane defaults: 15 max open, 5 idle, and a
// 30-minute connection lifetime.
func Open(driver, dsn string) (*sqlx.DB, error) {
	return OpenWithOptions(context.Background(), Options{Driver: driver, DSN: dsn})
}

// OpenWithOptions opens and pings a pool described by opts.
func OpenWithOptions(ctx context.Context, opts Options) (*sqlx.DB, error) {
	name, err := DriverName(opts.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(name, DSN(opts.DSN, opts.Password))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(orDefault(opts.MaxOpen, 15))
	db.SetMaxIdleConns(orDefault(opts.MaxIdle, 5))
	lifetime := opts.MaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := WithTimeout(ctx, opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping %s: %w", opts.Driver, err)
	}
	return db, nil
}

// DriverName maps a configured driver onto the registered database/sql
// driver name.  An empty driver means Postgres.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "", Postgres, "pgx":
		return "pgx", nil
	case MySQL:
		return "mysql", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}

// DSN injects password into a template holding exactly one %s verb.  Any
// other template is returned unchanged.
func DSN(template, password string) string {
	if password == "" || strings.Count(template, "%s") != 1 {
		return template
	}
	return fmt.Sprintf(template, password)
}

// WithTimeout bounds ctx by d, or only makes it cancellable when d <= 0.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
