package dbmigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Session is what an action sees while it runs.
type Session struct {
	// Exec is the migration's transaction, or the pool for migrations that
	// run without one.
	Exec Execer
	// DB is the underlying pool. Actions must not write through it while
	// Exec is a transaction.
	DB          *sql.DB
	Dialect     Dialect
	Logger      *zap.Logger
	MigrationID string
	// Interrupt is the caller's context. The context handed to Apply is
	// never cancelled so statements are not aborted midway; long-running
	// actions check Interrupt between units of work instead.
	Interrupt context.Context
}

// Interrupted returns the caller's cancellation error, if any.
func (s Session) Interrupted() error {
	if s.Interrupt == nil {
		return nil
	}
	return s.Interrupt.Err()
}

func (s Session) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Outcome carries optional details an action reports back to the executor.
type Outcome struct {
	Detail   string
	Backfill *BackfillStats
}

// Action is the up work of a migration. Every action must be safe to
// re-invoke: DDL that cannot run inside a transaction has to check for
// existence before mutating, so a re-run after a partial failure succeeds.
type Action interface {
	Apply(ctx context.Context, s Session) (Outcome, error)
}

// Migration is a named, ordered unit of work applied at most once.
type Migration struct {
	ID          string
	Description string
	Apply       Action
	// NoTransaction runs the action directly on the pool and records it in
	// the ledger afterwards. A crash in between re-runs the action, so it
	// must be idempotent.
	NoTransaction bool
}

// NewMigration returns a new migration.
//
// Parameters:
//   - id: The unique, sortable id of the migration.
//   - description: A human readable description.
//   - apply: The action to run.
//
// Returns:
//   - *Migration: A new migration.
func NewMigration(id string, description string, apply Action) *Migration {
	return &Migration{
		ID:          id,
		Description: description,
		Apply:       apply,
	}
}

// WithDescription returns a new Migration with the given description.
func (m *Migration) WithDescription(description string) *Migration {
	new := *m
	new.Description = description
	return &new
}

// WithApply returns a new Migration with the given action.
func (m *Migration) WithApply(apply Action) *Migration {
	new := *m
	new.Apply = apply
	return &new
}

// WithNoTransaction returns a new Migration that runs outside a
// transaction.
func (m *Migration) WithNoTransaction(noTx bool) *Migration {
	new := *m
	new.NoTransaction = noTx
	return &new
}

// Validate checks that definitions have non-empty, unique ids and an action.
func Validate(defs []Migration) error {
	seen := make(map[string]struct{}, len(defs))
	for i, m := range defs {
		if strings.TrimSpace(m.ID) == "" {
			return &ConfigError{Reason: fmt.Sprintf("definition %d has an empty id", i)}
		}
		if _, dup := seen[m.ID]; dup {
			return &ConfigError{MigrationID: m.ID, Reason: "duplicate id"}
		}
		seen[m.ID] = struct{}{}
		if m.Apply == nil {
			return &ConfigError{MigrationID: m.ID, Reason: "no apply action defined"}
		}
	}
	return nil
}

// SQLAction executes plain SQL statements in order.
type SQLAction struct {
	Statements []string
}

// SQL returns an action executing the given statements in order. Each
// statement is expected to carry its own existence guard, e.g.
// CREATE TABLE IF NOT EXISTS.
func SQL(statements ...string) *SQLAction {
	return &SQLAction{Statements: statements}
}

// Apply executes the statements.
func (a *SQLAction) Apply(ctx context.Context, s Session) (Outcome, error) {
	for i, stmt := range a.Statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.Exec.ExecContext(ctx, stmt); err != nil {
			return Outcome{}, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return Outcome{Detail: fmt.Sprintf("%d statements", len(a.Statements))}, nil
}

// FuncAction runs a Go function.
type FuncAction struct {
	Fn func(ctx context.Context, s Session) error
}

// Func returns an action running fn.
func Func(fn func(ctx context.Context, s Session) error) *FuncAction {
	return &FuncAction{Fn: fn}
}

// Apply runs the function.
func (a *FuncAction) Apply(ctx context.Context, s Session) (Outcome, error) {
	if a.Fn == nil {
		return Outcome{}, errors.New("hook function is not defined")
	}
	return Outcome{}, a.Fn(ctx, s)
}

// StepsAction runs several actions in order, stopping at the first error.
type StepsAction []Action

// Steps returns an action running the given actions in order.
func Steps(actions ...Action) StepsAction {
	return StepsAction(actions)
}

// Apply runs each step. The details of all steps are joined, and the
// backfill stats of every step are summed.
func (a StepsAction) Apply(ctx context.Context, s Session) (Outcome, error) {
	var (
		details []string
		out     Outcome
	)
	for i, step := range a {
		s.log().Debug("Executing step",
			zap.String("migration_id", s.MigrationID), zap.Int("step", i+1))
		o, err := step.Apply(ctx, s)
		if err != nil {
			return Outcome{}, fmt.Errorf("step %d: %w", i+1, err)
		}
		if o.Detail != "" {
			details = append(details, o.Detail)
		}
		if o.Backfill != nil {
			if out.Backfill == nil {
				out.Backfill = &BackfillStats{}
			}
			out.Backfill.Add(o.Backfill)
		}
	}
	out.Detail = strings.Join(details, "; ")
	return out, nil
}

// ColumnType returns the declared type of table.column and whether the
// column exists. Postgres reports the udt name, e.g. "int4" or "numeric".
func ColumnType(ctx context.Context, s Session, table, column string) (string, bool, error) {
	var query string
	switch s.Dialect.Name() {
	case "sqlite":
		query = `SELECT type FROM pragma_table_info(?) WHERE name = ?`
	default:
		query = `SELECT udt_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`
	}
	var typ string
	err := s.Exec.QueryRowContext(ctx, query, table, column).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return typ, true, nil
}

// AddColumn returns an action adding column to table when it is missing.
// definition is the column type and constraints, e.g. "TEXT NOT NULL DEFAULT ''".
// An existing column of a different type is a *SchemaConflictError.
func AddColumn(table, column, definition string) *FuncAction {
	return Func(func(ctx context.Context, s Session) error {
		existing, ok, err := ColumnType(ctx, s, table, column)
		if err != nil {
			return err
		}
		if ok {
			if !sameColumnType(existing, definition) {
				return &SchemaConflictError{
					MigrationID: s.MigrationID,
					Err: fmt.Errorf("column %s.%s exists as %s, want %s",
						table, column, existing, definition),
				}
			}
			s.log().Debug("Column already present",
				zap.String("migration_id", s.MigrationID),
				zap.String("table", table), zap.String("column", column))
			return nil
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			s.Dialect.QuoteIdent(table), s.Dialect.QuoteIdent(column), definition)
		_, err = s.Exec.ExecContext(ctx, stmt)
		return err
	})
}

var typeAliases = map[string]string{
	"int":               "int4",
	"integer":           "int4",
	"int4":              "int4",
	"serial":            "int4",
	"bigint":            "int8",
	"int8":              "int8",
	"bigserial":         "int8",
	"smallint":          "int2",
	"int2":              "int2",
	"text":              "text",
	"varchar":           "varchar",
	"character varying": "varchar",
	"numeric":           "numeric",
	"decimal":           "numeric",
	"bool":              "bool",
	"boolean":           "bool",
	"real":              "float4",
	"float4":            "float4",
	"double precision":  "float8",
	"float8":            "float8",
	"date":              "date",
	"timestamp":         "timestamp",
	"datetime":          "timestamp",
	"timestamptz":       "timestamptz",
	"uuid":              "uuid",
	"jsonb":             "jsonb",
}

// sameColumnType compares an existing column type with the type at the
// start of a column definition, ignoring case, size modifiers, and the
// common alias spellings.
func sameColumnType(existing, definition string) bool {
	return canonicalType(existing) == canonicalType(definition)
}

func canonicalType(def string) string {
	def = strings.ToLower(strings.TrimSpace(def))
	if i := strings.IndexByte(def, '('); i >= 0 {
		def = def[:i]
	}
	for _, long := range []string{"character varying", "double precision"} {
		if strings.HasPrefix(def, long) {
			return typeAliases[long]
		}
	}
	if strings.HasPrefix(def, "timestamp with time zone") {
		return "timestamptz"
	}
	fields := strings.Fields(def)
	if len(fields) == 0 {
		return ""
	}
	if c, ok := typeAliases[fields[0]]; ok {
		return c
	}
	return fields[0]
}
