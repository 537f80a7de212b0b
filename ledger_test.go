package dbmigrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLLedger_RecordAndList(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	ledger := NewSQLLedger(SQLite, "fleet_migrations", "fleet")
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	require.NoError(t, ledger.EnsureSchema(ctx, db))
	// Creating the table again is a no-op.
	require.NoError(t, ledger.EnsureSchema(ctx, db))

	ok, err := ledger.IsApplied(ctx, db, "001")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ledger.RecordApplied(ctx, db, *NewMigration("001", "create trucks", SQL())))

	ok, err = ledger.IsApplied(ctx, db, "001")
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := ledger.Entries(ctx, db)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, LedgerEntry{
		Namespace:   "fleet",
		MigrationID: "001",
		Description: "create trucks",
		AppliedAt:   fixed,
	}, LedgerEntry{
		Namespace:   entries[0].Namespace,
		MigrationID: entries[0].MigrationID,
		Description: entries[0].Description,
		AppliedAt:   entries[0].AppliedAt.UTC(),
	})

	other, err := ledger.WithNamespace("billing").ListApplied(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLLedger_DoubleRecordIsConflict(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	ledger := NewSQLLedger(SQLite, "", "")
	require.NoError(t, ledger.EnsureSchema(ctx, db))

	mig := *NewMigration("001", "create trucks", SQL())
	require.NoError(t, ledger.RecordApplied(ctx, db, mig))

	err := ledger.RecordApplied(ctx, db, mig)
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "001", conflict.MigrationID)
	assert.Equal(t, "migration 001 already recorded in ledger", err.Error())
}

func TestSQLLedger_RecordInsideTransaction(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	ledger := NewSQLLedger(SQLite, "", "")
	require.NoError(t, ledger.EnsureSchema(ctx, db))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, ledger.RecordApplied(ctx, tx, *NewMigration("001", "rolled back", SQL())))
	require.NoError(t, tx.Rollback())

	applied, err := ledger.ListApplied(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestSQLLedger_PostgresStatements(t *testing.T) {
	ctx := context.Background()
	db := openRecording(t)
	ledger := NewSQLLedger(Postgres, "ops.schema_migrations", "fleet")

	require.NoError(t, ledger.EnsureSchema(ctx, db))
	require.NoError(t, ledger.RecordApplied(ctx, db, *NewMigration("001", "x", SQL())))

	queries, begins, commits, _ := rec.snapshot()
	require.Len(t, queries, 3)
	assert.Equal(t, `SELECT pg_advisory_xact_lock($1)`, queries[0])
	assert.Contains(t, queries[1], `CREATE TABLE IF NOT EXISTS "ops"."schema_migrations"`)
	assert.Contains(t, queries[1], `TIMESTAMPTZ`)
	assert.Contains(t, queries[2], `INSERT INTO "ops"."schema_migrations"`)
	assert.Contains(t, queries[2], `VALUES ($1,$2,$3,$4)`)
	assert.Equal(t, 1, begins)
	assert.Equal(t, 1, commits)
}
