package dbmigrate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectFor(t *testing.T) {
	for _, name := range []string{"postgres", "PostgreSQL", "pgx"} {
		d, err := DialectFor(name)
		require.NoError(t, err)
		assert.Equal(t, "postgres", d.Name())
	}
	for _, name := range []string{"sqlite", "sqlite3"} {
		d, err := DialectFor(name)
		require.NoError(t, err)
		assert.Equal(t, "sqlite", d.Name())
	}
	_, err := DialectFor("mysql")
	assert.ErrorContains(t, err, `unsupported database driver "mysql"`)
}

func TestDialect_QuoteIdent(t *testing.T) {
	assert.Equal(t, `"expenses"`, Postgres.QuoteIdent("expenses"))
	assert.Equal(t, `"ops"."expenses"`, Postgres.QuoteIdent("ops.expenses"))
	assert.Equal(t, `"odd""name"`, Postgres.QuoteIdent(`odd"name`))
	assert.Equal(t, `"odd""name"`, SQLite.QuoteIdent(`odd"name`))
}

func TestPostgres_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		unique   bool
		conflict bool
	}{
		{"pgx unique", &pgconn.PgError{Code: "23505"}, true, false},
		{"pq unique", &pq.Error{Code: "23505"}, true, false},
		{"wrapped pgx unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true, false},
		{"duplicate column", &pgconn.PgError{Code: "42701"}, false, true},
		{"duplicate table", &pq.Error{Code: "42P07"}, false, true},
		{"datatype mismatch", &pgconn.PgError{Code: "42804"}, false, true},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false, false},
		{"plain error", errors.New("boom"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.unique, Postgres.IsUniqueViolation(tt.err))
			assert.Equal(t, tt.conflict, Postgres.IsSchemaConflict(tt.err))
		})
	}
}

func TestSQLite_ErrorClassification(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	mustExec(t, db, `CREATE TABLE trucks (id INTEGER PRIMARY KEY, vin TEXT UNIQUE)`)
	mustExec(t, db, `INSERT INTO trucks (id, vin) VALUES (1, 'VIN1')`)

	_, err := db.ExecContext(ctx, `INSERT INTO trucks (id, vin) VALUES (1, 'VIN2')`)
	require.Error(t, err)
	assert.True(t, SQLite.IsUniqueViolation(err), err.Error())

	_, err = db.ExecContext(ctx, `INSERT INTO trucks (id, vin) VALUES (2, 'VIN1')`)
	require.Error(t, err)
	assert.True(t, SQLite.IsUniqueViolation(err), err.Error())

	_, err = db.ExecContext(ctx, `CREATE TABLE trucks (id INTEGER)`)
	require.Error(t, err)
	assert.True(t, SQLite.IsSchemaConflict(err), err.Error())
	assert.False(t, SQLite.IsUniqueViolation(err))

	_, err = db.ExecContext(ctx, `SELECT * FROM missing`)
	require.Error(t, err)
	assert.False(t, SQLite.IsSchemaConflict(err))
	assert.False(t, SQLite.IsUniqueViolation(errors.New("UNIQUE constraint failed")))
}

func TestLockKey(t *testing.T) {
	a := lockKey("dbmigrate")
	assert.Equal(t, a, lockKey("dbmigrate"))
	assert.NotEqual(t, a, lockKey("ledger:schema_migrations"))
	for _, k := range []string{"", "a", "dbmigrate", "ledger:schema_migrations"} {
		assert.GreaterOrEqual(t, lockKey(k), int64(0), k)
	}
}

func TestCanonicalType(t *testing.T) {
	tests := []struct {
		existing, definition string
		same                 bool
	}{
		{"numeric", "NUMERIC(12,2) NOT NULL DEFAULT 0", true},
		{"int4", "INTEGER", true},
		{"int8", "BIGINT NOT NULL", true},
		{"varchar", "character varying(64)", true},
		{"timestamptz", "timestamp with time zone", true},
		{"float8", "DOUBLE PRECISION", true},
		{"TEXT", "text NOT NULL DEFAULT ''", true},
		{"text", "NUMERIC", false},
		{"int4", "BIGINT", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.same, sameColumnType(tt.existing, tt.definition), "%s vs %s", tt.existing, tt.definition)
	}
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(ctx, "k")
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should succeed after release")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Acquire(cancelled, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalLocker_CancelWhileWaiting(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
