package dbmigrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Locker provides mutual exclusion for a whole executor run.
type Locker interface {
	// Acquire obtains the lock for key. The returned release function must
	// be called to release it.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// PostgresLocker implements Locker with a session-level Postgres advisory
// lock held on a dedicated connection. The pool must allow at least one
// more connection than the run itself uses.
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgresLocker creates a new PostgresLocker.
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// Acquire blocks until the advisory lock for key is granted or ctx is done.
func (l *PostgresLocker) Acquire(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserving lock connection: %w", err)
	}
	id := lockKey(key)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", id, err)
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, id)
		_ = conn.Close()
	}
	return release, nil
}

// LocalLocker implements Locker with an in-process lock. SQLite file
// locking covers writers in other processes.
type LocalLocker struct {
	sem chan struct{}
}

// NewLocalLocker creates a new LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is free or ctx is done.
func (l *LocalLocker) Acquire(ctx context.Context, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire local lock: %w", err)
	}
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire local lock: %w", ctx.Err())
	}
}
