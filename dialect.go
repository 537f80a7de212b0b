package dbmigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Execer is the minimal interface needed to run migration statements.
// Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner is implemented by handles that can open a transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Dialect captures the backend-specific parts of the engine.
type Dialect interface {
	// Name returns the dialect name, e.g. "postgres".
	Name() string
	// Placeholder returns the bind parameter format for squirrel builders.
	Placeholder() sq.PlaceholderFormat
	// QuoteIdent quotes a table or column name.
	QuoteIdent(name string) string
	// LedgerDDL returns the CREATE TABLE IF NOT EXISTS statement for the
	// ledger table.
	LedgerDDL(table string) string
	// LockSchema serializes schema creation across processes for the
	// lifetime of the transaction exec belongs to.
	LockSchema(ctx context.Context, exec Execer, key string) error
	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation(err error) bool
	// IsSchemaConflict reports whether err was raised because DDL collided
	// with existing schema.
	IsSchemaConflict(err error) bool
}

// Postgres is the PostgreSQL dialect. It understands errors raised by both
// pgx and lib/pq.
var Postgres Dialect = postgresDialect{}

// SQLite is the SQLite dialect for modernc.org/sqlite.
var SQLite Dialect = sqliteDialect{}

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

func (postgresDialect) QuoteIdent(name string) string {
	return quoteQualified(name, pq.QuoteIdentifier)
}

func (d postgresDialect) LedgerDDL(table string) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		namespace TEXT NOT NULL,
		migration_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, migration_id))`,
		d.QuoteIdent(table),
	)
}

func (postgresDialect) LockSchema(ctx context.Context, exec Execer, key string) error {
	if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(key)); err != nil {
		return fmt.Errorf("pg_advisory_xact_lock(%q): %w", key, err)
	}
	return nil
}

// Postgres SQLSTATE codes.
const (
	pgUniqueViolation   = "23505"
	pgDuplicateColumn   = "42701"
	pgDuplicateTable    = "42P07"
	pgDuplicateObject   = "42710"
	pgDuplicateSchema   = "42P06"
	pgDatatypeMismatch  = "42804"
	pgCannotCoerce      = "42846"
	pgInvalidDefinition = "42P16"
)

func (postgresDialect) IsUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

func (postgresDialect) IsSchemaConflict(err error) bool {
	switch pgCode(err) {
	case pgDuplicateColumn, pgDuplicateTable, pgDuplicateObject, pgDuplicateSchema,
		pgDatatypeMismatch, pgCannotCoerce, pgInvalidDefinition:
		return true
	}
	return false
}

// pgCode extracts the SQLSTATE from a pgx or lib/pq error.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (sqliteDialect) QuoteIdent(name string) string {
	return quoteQualified(name, func(part string) string {
		return `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
	})
}

func (d sqliteDialect) LedgerDDL(table string) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
		namespace TEXT NOT NULL,
		migration_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, migration_id))`,
		d.QuoteIdent(table),
	)
}

// LockSchema is a no-op: SQLite serializes writers on the database file.
func (sqliteDialect) LockSchema(context.Context, Execer, string) error { return nil }

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var sErr *sqlite.Error
	if !errors.As(err, &sErr) {
		return false
	}
	switch sErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(sErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

func (sqliteDialect) IsSchemaConflict(err error) bool {
	var sErr *sqlite.Error
	if !errors.As(err, &sErr) {
		return false
	}
	msg := sErr.Error()
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "already exists")
}

// quoteQualified quotes each dot-separated part of a possibly
// schema-qualified name.
func quoteQualified(name string, quote func(string) string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quote(p)
	}
	return strings.Join(parts, ".")
}

// lockKey produces a stable int64 from a string key for Postgres advisory
// locks.
func lockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // truncation is intentional
}
