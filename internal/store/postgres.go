package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema is the DDL applied by [Postgres.Migrate].
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS alarms (
    id         BIGSERIAL PRIMARY KEY,
    created_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM now())::BIGINT,
    alarm_ts   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alarms_ts ON alarms(alarm_ts);
`

// DB is the subset of *pgxpool.Pool used by [Postgres].
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Postgres is a [Store] backed by a PostgreSQL database.
type Postgres struct {
	db    DB
	close func()
}

var _ Store = (*Postgres)(nil)

// OpenPostgres creates a connection pool for dsn, pings it and migrates the
// schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Postgres{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing pool or connection. The caller owns db and
// is responsible for running [Postgres.Migrate].
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies [PostgresSchema].
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

// Execute implements [Store]. "?" placeholders are rewritten to $1, $2, ...
func (s *Postgres) Execute(ctx context.Context, query string, commit bool, args ...any) ([]Row, error) {
	query = Rebind(query)
	if !commit {
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("store: query: %w", err)
		}
		return collectPgx(rows)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	out, err := collectPgx(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements [Store]. A store built with [NewPostgres] leaves the
// caller's pool open.
func (s *Postgres) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func collectPgx(rows pgx.Rows) ([]Row, error) {
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Row, error) {
		v, err := r.Values()
		return Row(v), err
	})
	if err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return out, nil
}

// Rebind rewrites "?" placeholders outside single-quoted literals to the
// numbered $n form.
func Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	quoted := false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
