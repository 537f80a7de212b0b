package dbmigrate

import (
	"errors"
	"fmt"
)

// ConnectionError reports that the target database could not be reached.
// No migration is attempted when it is returned.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database unreachable: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConfigError reports an invalid migration definition list, such as a
// duplicate or empty id.
type ConfigError struct {
	MigrationID string
	Reason      string
}

func (e *ConfigError) Error() string {
	if e.MigrationID == "" {
		return "invalid migration definitions: " + e.Reason
	}
	return fmt.Sprintf("invalid migration %q: %s", e.MigrationID, e.Reason)
}

// SchemaConflictError reports DDL that collides with existing schema the
// ledger knows nothing about, e.g. a column that already exists with a
// different type.
type SchemaConflictError struct {
	MigrationID string
	Err         error
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("migration %s: schema conflict: %v", e.MigrationID, e.Err)
}

func (e *SchemaConflictError) Unwrap() error { return e.Err }

// ConflictError reports that a migration was already recorded in the
// ledger, which happens when two executors race on the same database.
type ConflictError struct {
	MigrationID string
	Err         error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("migration %s already recorded in ledger", e.MigrationID)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// MigrationError wraps any other failure raised while applying a migration.
type MigrationError struct {
	MigrationID string
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s: %v", e.MigrationID, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// BackfillRowError reports a single source row that could not be derived or
// upserted. Row errors are logged and skipped; they never abort a backfill.
type BackfillRowError struct {
	MigrationID   string
	ReferenceType string
	ReferenceID   any
	Err           error
}

func (e *BackfillRowError) Error() string {
	return fmt.Sprintf(
		"migration %s: backfill row (%s, %v): %v",
		e.MigrationID, e.ReferenceType, e.ReferenceID, e.Err,
	)
}

func (e *BackfillRowError) Unwrap() error { return e.Err }

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsConnection reports whether err is or wraps a *ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsSchemaConflict reports whether err is or wraps a *SchemaConflictError.
func IsSchemaConflict(err error) bool {
	var se *SchemaConflictError
	return errors.As(err, &se)
}
