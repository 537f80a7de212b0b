package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aatuh/dbmigrate/internal/cli"
)

var statusDir string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Long:  `Show the ledger entries for the configured namespace and the migrations still pending.`,
	Example: `  # Check status
  dbmigrate status --db postgres://localhost/fleet`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		defs, err := loadDefinitions(e.dialect, statusDir)
		if err != nil {
			return err
		}
		pending, err := e.executor.Pending(ctx, defs)
		if err != nil {
			return cli.GeneralError("checking pending migrations", err)
		}
		entries, err := e.executor.Ledger.Entries(ctx, e.db)
		if err != nil {
			return cli.GeneralError("reading ledger", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Ledger:\t%s (namespace %q)\n", cfg.Ledger.Table, cfg.Ledger.Namespace)
		fmt.Fprintf(w, "Applied:\t%d\n", len(entries))
		fmt.Fprintf(w, "Pending:\t%d\n\n", len(pending))
		for _, entry := range entries {
			fmt.Fprintf(w, "  applied\t%s\t%s\t%s\n",
				entry.MigrationID, entry.AppliedAt.UTC().Format("2006-01-02 15:04:05"), entry.Description)
		}
		for _, mig := range pending {
			fmt.Fprintf(w, "  pending\t%s\t\t%s\n", mig.ID, mig.Description)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDir, "dir", "", "directory of SQL migration files")
}
