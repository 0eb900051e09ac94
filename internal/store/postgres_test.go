package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers, mock DB types
// ---------------------------------------------------------------------------

type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Scan(dest ...any) error                       { return errors.New("scan unsupported") }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Values() ([]any, error) { return r.data[r.idx-1], nil }

type call struct {
	sql  string
	args []any
}

type mockDB struct {
	rows     *mockRows
	queryErr error
	execErr  error
	tx       *mockTx

	queries []call
	execs   []string
}

func (m *mockDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.queries = append(m.queries, call{sql, args})
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	if m.rows == nil {
		return &mockRows{}, nil
	}
	return m.rows, nil
}

func (m *mockDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, sql)
	return pgconn.CommandTag{}, m.execErr
}

func (m *mockDB) Begin(context.Context) (pgx.Tx, error) {
	if m.tx == nil {
		return nil, errors.New("no tx")
	}
	return m.tx, nil
}

func (m *mockDB) Ping(context.Context) error { return nil }

// mockTx overrides the methods Execute uses; the rest panic via the nil
// embedded interface.
type mockTx struct {
	pgx.Tx
	rows      *mockRows
	commitErr error

	queries    []call
	committed  bool
	rolledBack bool
}

func (t *mockTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.queries = append(t.queries, call{sql, args})
	if t.rows == nil {
		return &mockRows{}, nil
	}
	return t.rows, nil
}

func (t *mockTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *mockTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRebind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"DELETE FROM alarms WHERE id = ?", "DELETE FROM alarms WHERE id = $1"},
		{"SELECT id FROM alarms WHERE alarm_ts < ? AND id > ?", "SELECT id FROM alarms WHERE alarm_ts < $1 AND id > $2"},
		{"SELECT '?' , ?", "SELECT '?' , $1"},
	}
	for _, tc := range tests {
		if got := Rebind(tc.in); got != tc.want {
			t.Errorf("Rebind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPostgres_ExecuteQuery(t *testing.T) {
	t.Parallel()
	rows := &mockRows{data: [][]any{{int64(3)}, {int64(5)}}}
	db := &mockDB{rows: rows}
	s := NewPostgres(db)

	got, err := s.Execute(context.Background(), "SELECT id FROM alarms WHERE alarm_ts < ?", false, int64(100))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 2 || got[1][0] != int64(5) {
		t.Errorf("rows = %v", got)
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}
	if len(db.queries) != 1 || db.queries[0].sql != "SELECT id FROM alarms WHERE alarm_ts < $1" {
		t.Errorf("queries = %+v", db.queries)
	}
}

func TestPostgres_ExecuteCommit(t *testing.T) {
	t.Parallel()
	tx := &mockTx{}
	db := &mockDB{tx: tx}
	s := NewPostgres(db)

	if _, err := s.Execute(context.Background(), "INSERT INTO alarms (alarm_ts) VALUES (?)", true, int64(9)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !tx.committed {
		t.Error("transaction not committed")
	}
	if tx.rolledBack {
		t.Error("committed transaction was rolled back")
	}
	if len(db.queries) != 0 {
		t.Error("commit path must query through the transaction")
	}
	if len(tx.queries) != 1 || tx.queries[0].args[0] != int64(9) {
		t.Errorf("tx queries = %+v", tx.queries)
	}
}

func TestPostgres_ExecuteErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("query", func(t *testing.T) {
		t.Parallel()
		s := NewPostgres(&mockDB{queryErr: errors.New("conn refused")})
		if _, err := s.Execute(ctx, "SELECT 1", false); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("rows", func(t *testing.T) {
		t.Parallel()
		s := NewPostgres(&mockDB{rows: &mockRows{err: errors.New("broken")}})
		if _, err := s.Execute(ctx, "SELECT 1", false); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("begin", func(t *testing.T) {
		t.Parallel()
		s := NewPostgres(&mockDB{})
		if _, err := s.Execute(ctx, "DELETE FROM alarms", true); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("commit", func(t *testing.T) {
		t.Parallel()
		tx := &mockTx{commitErr: errors.New("serialization failure")}
		s := NewPostgres(&mockDB{tx: tx})
		if _, err := s.Execute(ctx, "DELETE FROM alarms", true); err == nil {
			t.Fatal("expected error")
		}
		if !tx.rolledBack {
			t.Error("failed commit must roll back")
		}
	})
}

func TestPostgres_Migrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if err := NewPostgres(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0] != PostgresSchema {
		t.Errorf("execs = %v", db.execs)
	}

	db = &mockDB{execErr: errors.New("denied")}
	if err := NewPostgres(db).Migrate(context.Background()); err == nil {
		t.Fatal("expected migrate error")
	}
}

func TestPostgres_CloseBorrowedPool(t *testing.T) {
	t.Parallel()
	if err := NewPostgres(&mockDB{}).Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
