package dbmigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor applies pending migrations in order and records them in the
// ledger. A run is strictly sequential; it halts at the first failure.
type Executor struct {
	DB       *sql.DB
	Dialect  Dialect
	Ledger   Ledger
	Logger   *zap.Logger
	Reporter Reporter
	Locker   Locker
	LockKey  string

	newRunID func() string
}

// NewExecutor returns a new Executor. If ledger is nil, it defaults to an
// SQLLedger in DefaultLedgerTable with an empty namespace.
//
// Parameters:
//   - db: A connection pool to the target database.
//   - dialect: The dialect of the target database.
//   - ledger: Optional Ledger.
//
// Returns:
//   - *Executor: A new Executor.
func NewExecutor(db *sql.DB, dialect Dialect, ledger Ledger) *Executor {
	if ledger == nil {
		ledger = NewSQLLedger(dialect, DefaultLedgerTable, "")
	}
	return &Executor{
		DB:       db,
		Dialect:  dialect,
		Ledger:   ledger,
		Logger:   zap.NewNop(),
		LockKey:  "dbmigrate",
		newRunID: uuid.NewString,
	}
}

// WithLogger returns a new Executor with the given logger.
func (e *Executor) WithLogger(logger *zap.Logger) *Executor {
	new := *e
	new.Logger = logger
	return &new
}

// WithReporter returns a new Executor with the given reporter.
func (e *Executor) WithReporter(reporter Reporter) *Executor {
	new := *e
	new.Reporter = reporter
	return &new
}

// WithLocker returns a new Executor that holds locker for the duration of
// each run.
//
// Parameters:
//   - locker: The locker to acquire.
//   - key: The lock key. Executors sharing a key exclude each other.
//
// Returns:
//   - *Executor: A new Executor instance.
func (e *Executor) WithLocker(locker Locker, key string) *Executor {
	new := *e
	new.Locker = locker
	if key != "" {
		new.LockKey = key
	}
	return &new
}

// WithLedger returns a new Executor with the given ledger.
func (e *Executor) WithLedger(ledger Ledger) *Executor {
	new := *e
	new.Ledger = ledger
	return &new
}

// Run applies the pending migrations among defs, in the order given, and
// returns one result per migration reached. Already applied migrations are
// reported as Skipped. The returned error is the failure that halted the
// run, or nil.
func (e *Executor) Run(ctx context.Context, defs []Migration) ([]ApplyResult, error) {
	rep, err := e.RunReport(ctx, defs)
	return rep.Results, err
}

// RunReport is Run returning the results wrapped in a Report.
func (e *Executor) RunReport(ctx context.Context, defs []Migration) (Report, error) {
	rep := Report{RunID: e.runID()}
	log := e.logger().With(zap.String("run_id", rep.RunID))

	if err := Validate(defs); err != nil {
		return rep, err
	}
	if err := ctx.Err(); err != nil {
		return rep, fmt.Errorf("run interrupted before start: %w", err)
	}
	if err := e.DB.PingContext(ctx); err != nil {
		log.Error("Database unreachable", zap.Error(err))
		return rep, &ConnectionError{Err: err}
	}

	if e.Locker != nil {
		release, err := e.Locker.Acquire(ctx, e.LockKey)
		if err != nil {
			return rep, fmt.Errorf("acquiring migration lock: %w", err)
		}
		defer release()
	}

	if err := e.ensureLedger(ctx, log); err != nil {
		return rep, err
	}
	applied, err := e.Ledger.ListApplied(ctx, e.DB)
	if err != nil {
		log.Error("Error retrieving applied migrations", zap.Error(err))
		return rep, err
	}
	log.Info("Starting migration run",
		zap.Int("definitions", len(defs)), zap.Int("previously_applied", len(applied)))

	for _, mig := range defs {
		if err := ctx.Err(); err != nil {
			log.Warn("Run interrupted", zap.String("next_migration_id", mig.ID), zap.Error(err))
			return rep, fmt.Errorf("run interrupted before migration %s: %w", mig.ID, err)
		}
		if applied[mig.ID] {
			log.Debug("Skip applied migration", zap.String("migration_id", mig.ID))
			rep.Results = append(rep.Results, e.report(ApplyResult{MigrationID: mig.ID, Status: Skipped}))
			continue
		}

		res := e.apply(ctx, log, mig)
		rep.Results = append(rep.Results, e.report(res))
		if res.Status == Failed {
			return rep, res.Err
		}
	}

	c := rep.Counts()
	log.Info("Migration run complete", zap.Int("applied", c[Applied]), zap.Int("skipped", c[Skipped]))
	return rep, nil
}

// Pending returns the definitions not yet recorded in the ledger, in the
// order given. It creates the ledger table if it is missing.
func (e *Executor) Pending(ctx context.Context, defs []Migration) ([]Migration, error) {
	if err := Validate(defs); err != nil {
		return nil, err
	}
	if err := e.ensureLedger(ctx, e.logger()); err != nil {
		return nil, err
	}
	applied, err := e.Ledger.ListApplied(ctx, e.DB)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, mig := range defs {
		if !applied[mig.ID] {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// ensureLedger ensures the ledger table exists.
func (e *Executor) ensureLedger(ctx context.Context, log *zap.Logger) error {
	if err := e.Ledger.EnsureSchema(ctx, e.DB); err != nil {
		log.Error("Error ensuring ledger", zap.Error(err))
		return fmt.Errorf("ensuring ledger: %w", err)
	}
	return nil
}

// apply runs one migration and turns the outcome into a result.
func (e *Executor) apply(ctx context.Context, log *zap.Logger, mig Migration) ApplyResult {
	log = log.With(zap.String("migration_id", mig.ID))
	log.Info("Beginning migration",
		zap.String("description", mig.Description), zap.Bool("transactional", !mig.NoTransaction))

	start := time.Now()
	out, err := e.executeAndRecord(ctx, log, mig)
	res := ApplyResult{
		MigrationID: mig.ID,
		Status:      Applied,
		Detail:      out.Detail,
		Duration:    time.Since(start),
		Backfill:    out.Backfill,
	}
	if err != nil {
		res.Status = Failed
		res.Err = e.classify(mig, err)
		return res
	}
	log.Info("Migration applied successfully", zap.Duration("took", res.Duration))
	return res
}

// executeAndRecord executes a migration and records it, inside one
// transaction unless the migration opts out.
func (e *Executor) executeAndRecord(ctx context.Context, log *zap.Logger, mig Migration) (Outcome, error) {
	// Statements are never aborted midway; cancellation is honoured
	// between migrations and between backfill batches.
	stmtCtx := context.WithoutCancel(ctx)

	if mig.NoTransaction {
		out, err := mig.Apply.Apply(stmtCtx, e.session(ctx, log, e.DB, mig))
		if err != nil {
			return out, err
		}
		if err := e.Ledger.RecordApplied(stmtCtx, e.DB, mig); err != nil {
			log.Error("Error recording migration", zap.Error(err))
			return out, err
		}
		return out, nil
	}

	tx, err := e.DB.BeginTx(stmtCtx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("starting transaction: %w", err)
	}
	out, err := mig.Apply.Apply(stmtCtx, e.session(ctx, log, tx, mig))
	if err != nil {
		return Outcome{}, e.rollback(log, tx, err)
	}
	if err := e.Ledger.RecordApplied(stmtCtx, tx, mig); err != nil {
		log.Error("Error recording migration", zap.Error(err))
		return Outcome{}, e.rollback(log, tx, err)
	}
	if err := tx.Commit(); err != nil {
		log.Error("Error committing transaction", zap.Error(err))
		return Outcome{}, fmt.Errorf("committing transaction: %w", err)
	}
	return out, nil
}

// rollback rolls back tx after err and combines both failures.
func (e *Executor) rollback(log *zap.Logger, tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		log.Error("Error rolling back transaction", zap.Error(rbErr))
		return fmt.Errorf("%w (also error rolling back transaction: %v)", err, rbErr)
	}
	log.Warn("Rolled back migration", zap.Error(err))
	return err
}

// classify maps an apply failure to the error taxonomy.
func (e *Executor) classify(mig Migration, err error) error {
	var (
		conflict *ConflictError
		schema   *SchemaConflictError
	)
	switch {
	case errors.As(err, &conflict), errors.As(err, &schema):
		return err
	case e.Dialect != nil && e.Dialect.IsSchemaConflict(err):
		return &SchemaConflictError{MigrationID: mig.ID, Err: err}
	default:
		return &MigrationError{MigrationID: mig.ID, Err: err}
	}
}

func (e *Executor) session(ctx context.Context, log *zap.Logger, exec Execer, mig Migration) Session {
	return Session{
		Exec:        exec,
		DB:          e.DB,
		Dialect:     e.Dialect,
		Logger:      log,
		MigrationID: mig.ID,
		Interrupt:   ctx,
	}
}

func (e *Executor) report(res ApplyResult) ApplyResult {
	if e.Reporter != nil {
		e.Reporter.Report(res)
	}
	return res
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Executor) runID() string {
	if e.newRunID == nil {
		return uuid.NewString()
	}
	return e.newRunID()
}
