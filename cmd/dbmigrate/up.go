package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aatuh/dbmigrate"
	"github.com/aatuh/dbmigrate/internal/catalog"
	"github.com/aatuh/dbmigrate/internal/cli"
)

var upDir string

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Long: `Apply every pending migration in order and record each in the ledger.

Without --dir the built-in trucking schema history is applied. With --dir the
SQL files in the directory are applied instead, ordered by their numeric
prefix. The run halts at the first failure.`,
	Example: `  # Apply the built-in history
  dbmigrate up --db postgres://localhost/fleet

  # Apply a directory of SQL files to SQLite
  dbmigrate up --dir ./migrations`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		defs, err := loadDefinitions(e.dialect, upDir)
		if err != nil {
			return err
		}
		return runUp(ctx, cmd, e, defs)
	},
}

func init() {
	upCmd.Flags().StringVar(&upDir, "dir", "", "directory of SQL migration files")
}

// loadDefinitions returns the directory's migrations when dir is set and
// the built-in catalog otherwise.
func loadDefinitions(dialect dbmigrate.Dialect, dir string) ([]dbmigrate.Migration, error) {
	if dir == "" {
		return catalog.Migrations(dialect, cfg.Backfill.BatchSize), nil
	}
	defs, err := dbmigrate.LoadAll(dbmigrate.NewDirSource(dir).WithLogger(logger))
	if err != nil {
		return nil, cli.ConfigError("loading migrations from "+dir, err)
	}
	return defs, nil
}

func runUp(ctx context.Context, cmd *cobra.Command, e *engine, defs []dbmigrate.Migration) error {
	rep, err := e.executor.RunReport(ctx, defs)
	printf(cmd, "%s", rep.String())
	if mErr := e.writeMetrics(cmd.OutOrStdout()); mErr != nil {
		logger.Warn("Error writing metrics", zap.Error(mErr))
	}
	return err
}
