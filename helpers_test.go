package dbmigrate

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// openSQLite opens a file backed SQLite database. A file is used rather
// than :memory: so every pooled connection sees the same database.
func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbmigrate.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustExec(t *testing.T, db Execer, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
}

func countRows(t *testing.T, db Execer, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

func tableExists(t *testing.T, db Execer, table string) bool {
	t.Helper()
	return countRows(t, db, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table) > 0
}

// --- Recording driver ---

// recorder counts the statements and transaction outcomes seen by the
// "recdrv" driver. Tests using it must not run in parallel.
type recorder struct {
	mu        sync.Mutex
	queries   []string
	begins    int
	commits   int
	rollbacks int
}

var rec = &recorder{}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries, r.begins, r.commits, r.rollbacks = nil, 0, 0, 0
}

func (r *recorder) add(q string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
}

func (r *recorder) snapshot() (queries []string, begins, commits, rollbacks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...), r.begins, r.commits, r.rollbacks
}

type recDrv struct{}
type recConn struct{}
type recTx struct{}
type recResult struct{}
type recRows struct{}

func (recDrv) Open(string) (driver.Conn, error) { return recConn{}, nil }

func (recConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (recConn) Close() error                         { return nil }
func (c recConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (recConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	rec.mu.Lock()
	rec.begins++
	rec.mu.Unlock()
	return recTx{}, nil
}

func (recTx) Commit() error {
	rec.mu.Lock()
	rec.commits++
	rec.mu.Unlock()
	return nil
}

func (recTx) Rollback() error {
	rec.mu.Lock()
	rec.rollbacks++
	rec.mu.Unlock()
	return nil
}

// ExecContext fails any statement containing FAIL.
func (recConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	rec.add(query)
	if strings.Contains(query, "FAIL") {
		return nil, errors.New("forced exec failure")
	}
	return recResult{}, nil
}

// QueryContext returns an empty result for every query.
func (recConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	rec.add(query)
	return recRows{}, nil
}

func (recConn) CheckNamedValue(*driver.NamedValue) error { return nil }

func (recResult) LastInsertId() (int64, error) { return 0, nil }
func (recResult) RowsAffected() (int64, error) { return 1, nil }

func (recRows) Columns() []string         { return []string{"value"} }
func (recRows) Close() error              { return nil }
func (recRows) Next([]driver.Value) error { return io.EOF }

var (
	_ driver.Driver            = recDrv{}
	_ driver.Conn              = recConn{}
	_ driver.ExecerContext     = recConn{}
	_ driver.QueryerContext    = recConn{}
	_ driver.ConnBeginTx       = recConn{}
	_ driver.NamedValueChecker = recConn{}
)

func init() {
	sql.Register("recdrv", recDrv{})
}

func openRecording(t *testing.T) *sql.DB {
	t.Helper()
	rec.reset()
	db, err := sql.Open("recdrv", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeLedger keeps the ledger in memory.
type fakeLedger struct {
	mu       sync.Mutex
	ensured  bool
	recorded []string
	applied  map[string]bool
	// recordErr, when set, is returned by RecordApplied.
	recordErr error
}

func (f *fakeLedger) EnsureSchema(context.Context, Execer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = true
	return nil
}

func (f *fakeLedger) IsApplied(_ context.Context, _ Execer, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[id], nil
}

func (f *fakeLedger) RecordApplied(_ context.Context, _ Execer, mig Migration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	if f.applied == nil {
		f.applied = map[string]bool{}
	}
	f.applied[mig.ID] = true
	f.recorded = append(f.recorded, mig.ID)
	return nil
}

func (f *fakeLedger) ListApplied(context.Context, Execer) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.applied))
	for k, v := range f.applied {
		out[k] = v
	}
	return out, nil
}

func (f *fakeLedger) Entries(context.Context, Execer) ([]LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]LedgerEntry, 0, len(f.recorded))
	for _, id := range f.recorded {
		entries = append(entries, LedgerEntry{MigrationID: id})
	}
	return entries, nil
}
