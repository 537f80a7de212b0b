// Package dbmigrate applies ordered schema migrations to a relational
// database at most once each, tracks them in a ledger table stored in the
// target database, and reconciles derived tables through batched,
// idempotent backfills keyed by a natural key.
//
// Postgres and SQLite are supported. Callers supply the database handle
// and the ordered list of migrations; the engine never reorders them.
package dbmigrate
