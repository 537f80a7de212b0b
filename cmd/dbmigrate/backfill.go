package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aatuh/dbmigrate"
	"github.com/aatuh/dbmigrate/internal/catalog"
	"github.com/aatuh/dbmigrate/internal/cli"
)

var backfillBatchSize int

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-run the catalog backfills",
	Long: `Reconcile every derived table from its source again, outside the ledger.

Rows are inserted or updated in place, so the command can be run any number of
times. Rows that fail are reported and skipped; the exit status is 1 when any
row failed.`,
	Example: `  # Reconcile trip spend expenses in batches of 1000
  dbmigrate backfill --batch-size 1000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		batchSize := cfg.Backfill.BatchSize
		if backfillBatchSize > 0 {
			batchSize = backfillBatchSize
		}

		var rowErrors int
		for _, b := range catalog.Backfills(batchSize) {
			s := dbmigrate.Session{
				Exec:        e.db,
				DB:          e.db,
				Dialect:     e.dialect,
				Logger:      logger,
				MigrationID: "backfill:" + b.Target.ReferenceType,
				Interrupt:   ctx,
			}
			stats, err := b.Run(ctx, s)
			if err != nil {
				return cli.GeneralError("backfilling "+b.Target.Table, err)
			}
			printf(cmd, "%s (%s): %s\n", b.Target.Table, b.Target.ReferenceType, stats)
			for _, re := range stats.RowErrors {
				printf(cmd, "  row %v: %v\n", re.ReferenceID, re.Err)
			}
			rowErrors += len(stats.RowErrors)
		}
		if rowErrors > 0 {
			return cli.GeneralError(fmt.Sprintf("%d backfill rows failed", rowErrors), nil)
		}
		return nil
	},
}

func init() {
	backfillCmd.Flags().IntVar(&backfillBatchSize, "batch-size", 0, "rows per transaction (default: backfill.batch_size)")
}
