// Package main provides the dbmigrate CLI, which applies the trucking
// schema history to PostgreSQL or SQLite and re-runs its backfills.
//
// Usage:
//
//	dbmigrate [flags] <command>
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	Execute(ctx)
}
