// Package store is the minimal execute-query interface the alarm skill
// persists its deadlines through.
//
// Queries are written with "?" placeholders; drivers that use another
// placeholder style rebind them. Every driver creates the alarms table on
// open:
//
//	alarms(id, created_at, alarm_ts)   -- alarm_ts in unix seconds
package store

import (
	"context"
	"fmt"
)

// Row is one result row. Integer columns are returned as int64.
type Row []any

// Store executes single SQL statements.
type Store interface {
	// Execute runs query with args and returns all result rows. Statements
	// without a result set return no rows. When commit is true the statement
	// runs in its own transaction that is committed before Execute returns.
	Execute(ctx context.Context, query string, commit bool, args ...any) ([]Row, error)

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// Open connects to the database selected by driver ("sqlite" or
// "postgres") and migrates the schema.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(ctx, dsn)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

// Int64 converts a column value returned by a driver to int64.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
