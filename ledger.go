package dbmigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// DefaultLedgerTable is the ledger table used when none is configured.
const DefaultLedgerTable = "schema_migrations"

// LedgerEntry is one applied migration as stored in the ledger.
type LedgerEntry struct {
	Namespace   string
	MigrationID string
	Description string
	AppliedAt   time.Time
}

// Ledger records which migrations have been applied to a database.
// Entries are created once per migration id and never updated or deleted by
// the engine.
type Ledger interface {
	// EnsureSchema creates the ledger table if it does not exist. Safe to
	// call concurrently from several processes.
	EnsureSchema(ctx context.Context, exec Execer) error
	// IsApplied reports whether the migration id has been recorded.
	IsApplied(ctx context.Context, exec Execer, id string) (bool, error)
	// RecordApplied inserts a record for the migration. It fails with a
	// *ConflictError if the id is already recorded.
	RecordApplied(ctx context.Context, exec Execer, mig Migration) error
	// ListApplied returns the set of recorded migration ids.
	ListApplied(ctx context.Context, exec Execer) (map[string]bool, error)
	// Entries returns the recorded migrations in application order.
	Entries(ctx context.Context, exec Execer) ([]LedgerEntry, error)
}

// SQLLedger implements Ledger with a table in the target database.
type SQLLedger struct {
	Table     string
	Namespace string
	Dialect   Dialect

	now func() time.Time
}

// NewSQLLedger returns a ledger stored in table for the given dialect.
//
// Parameters:
//   - dialect: The dialect of the target database.
//   - table: The name of the ledger table. Defaults to DefaultLedgerTable.
//   - namespace: Distinguishes migrations of several systems sharing one
//     ledger table.
//
// Returns:
//   - *SQLLedger: A new SQLLedger.
func NewSQLLedger(dialect Dialect, table string, namespace string) *SQLLedger {
	if table == "" {
		table = DefaultLedgerTable
	}
	return &SQLLedger{
		Table:     table,
		Namespace: namespace,
		Dialect:   dialect,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithNamespace returns a new SQLLedger with the given namespace.
func (l *SQLLedger) WithNamespace(namespace string) *SQLLedger {
	new := *l
	new.Namespace = namespace
	return &new
}

// EnsureSchema creates the ledger table. When exec can begin a transaction
// the creation runs inside one that first takes the dialect's schema lock,
// so racing processes cannot both attempt the CREATE.
func (l *SQLLedger) EnsureSchema(ctx context.Context, exec Execer) error {
	ddl := l.Dialect.LedgerDDL(l.Table)

	txer, ok := exec.(TxBeginner)
	if !ok {
		if err := l.Dialect.LockSchema(ctx, exec, "ledger:"+l.Table); err != nil {
			return err
		}
		if _, err := exec.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("creating ledger table %s: %w", l.Table, err)
		}
		return nil
	}

	tx, err := txer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.Dialect.LockSchema(ctx, tx, "ledger:"+l.Table); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating ledger table %s: %w", l.Table, err)
	}
	return tx.Commit()
}

// IsApplied reports whether id has been recorded for the ledger namespace.
func (l *SQLLedger) IsApplied(ctx context.Context, exec Execer, id string) (bool, error) {
	query, args, err := l.builder().
		Select("1").
		From(l.Dialect.QuoteIdent(l.Table)).
		Where(sq.Eq{"namespace": l.Namespace, "migration_id": id}).
		ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = exec.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying ledger for %s: %w", id, err)
	}
	return true, nil
}

// RecordApplied inserts the ledger entry for mig.
//
// Parameters:
//   - ctx: Context to use.
//   - exec: The executor to use, typically the migration's transaction.
//   - mig: The migration to record.
//
// Returns:
//   - error: A *ConflictError if the migration was already recorded, or the
//     underlying database error.
func (l *SQLLedger) RecordApplied(ctx context.Context, exec Execer, mig Migration) error {
	query, args, err := l.builder().
		Insert(l.Dialect.QuoteIdent(l.Table)).
		Columns("namespace", "migration_id", "description", "applied_at").
		Values(l.Namespace, mig.ID, mig.Description, l.now()).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		if l.Dialect.IsUniqueViolation(err) {
			return &ConflictError{MigrationID: mig.ID, Err: err}
		}
		return fmt.Errorf("recording migration %s: %w", mig.ID, err)
	}
	return nil
}

// ListApplied returns the ids recorded for the ledger namespace.
func (l *SQLLedger) ListApplied(ctx context.Context, exec Execer) (map[string]bool, error) {
	entries, err := l.Entries(ctx, exec)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(entries))
	for _, e := range entries {
		applied[e.MigrationID] = true
	}
	return applied, nil
}

// Entries returns the ledger rows for the namespace ordered by application
// time.
func (l *SQLLedger) Entries(ctx context.Context, exec Execer) ([]LedgerEntry, error) {
	query, args, err := l.builder().
		Select("namespace", "migration_id", "description", "applied_at").
		From(l.Dialect.QuoteIdent(l.Table)).
		Where(sq.Eq{"namespace": l.Namespace}).
		OrderBy("applied_at", "migration_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger %s: %w", l.Table, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.Namespace, &e.MigrationID, &e.Description, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *SQLLedger) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(l.Dialect.Placeholder())
}
