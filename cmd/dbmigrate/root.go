package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aatuh/dbmigrate"
	"github.com/aatuh/dbmigrate/internal/cli"
)

var (
	// Global state set during PersistentPreRunE
	cfg        *cli.Config
	configPath string
	logger     *zap.Logger

	// Persistent flags
	cfgFile string
	dbURL   string
	verbose int
	quiet   bool
	metrics bool
)

var rootCmd = &cobra.Command{
	Use:   "dbmigrate",
	Short: "Ordered, idempotent schema migrations and backfills",
	Long: `dbmigrate - ordered, idempotent schema migrations and backfills

dbmigrate applies the trucking schema history to PostgreSQL or SQLite exactly
once per database, recording each step in a ledger table, and reconciles
derived tables from their sources without duplicating rows.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, configPath, err = cli.LoadConfig(cfgFile)
		if err != nil {
			return cli.ConfigError("loading configuration", err)
		}
		logger, err = cli.NewLogger(cfg.Log, verbose, quiet)
		if err != nil {
			return cli.ConfigError("building logger", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command group IDs
const (
	groupSchema  = "schema"
	groupUtility = "utility"
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: auto-discover dbmigrate.yaml)")
	pf.StringVar(&dbURL, "db", "", "database URL, overrides the configured connection")
	pf.CountVarP(&verbose, "verbose", "v", "increase verbosity (can be repeated)")
	pf.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	pf.BoolVar(&metrics, "metrics", false, "print Prometheus metrics for the run")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupSchema, Title: "Schema:"},
		&cobra.Group{ID: groupUtility, Title: "Utility:"},
	)

	upCmd.GroupID = groupSchema
	statusCmd.GroupID = groupSchema
	backfillCmd.GroupID = groupSchema
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(backfillCmd)

	configCmd.GroupID = groupUtility
	versionCmd.GroupID = groupUtility
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cli.ExitWithError(err)
	}
}

// engine bundles what the schema commands share.
type engine struct {
	db       *sql.DB
	dialect  dbmigrate.Dialect
	executor *dbmigrate.Executor
	registry *prometheus.Registry
}

// openEngine connects to the configured database and builds an executor
// reporting to the logger and, when enabled, to Prometheus metrics.
func openEngine(ctx context.Context) (*engine, error) {
	db, dialect, err := cli.OpenDatabase(ctx, cfg, dbURL)
	if err != nil {
		return nil, err
	}

	ledger := dbmigrate.NewSQLLedger(dialect, cfg.Ledger.Table, cfg.Ledger.Namespace)
	reporters := dbmigrate.MultiReporter{dbmigrate.NewLogReporter(logger)}

	e := &engine{db: db, dialect: dialect}
	if metrics || cfg.Metrics.Enabled {
		e.registry = prometheus.NewRegistry()
		mr, err := dbmigrate.NewMetricsReporter(e.registry)
		if err != nil {
			_ = db.Close()
			return nil, cli.GeneralError("registering metrics", err)
		}
		reporters = append(reporters, mr)
	}

	e.executor = dbmigrate.NewExecutor(db, dialect, ledger).
		WithLogger(logger).
		WithReporter(reporters).
		WithLocker(cfg.Locker(db, dialect), "dbmigrate:"+cfg.Ledger.Namespace)
	return e, nil
}

func (e *engine) Close() error {
	return e.db.Close()
}

// writeMetrics prints the gathered metrics in the Prometheus text format.
func (e *engine) writeMetrics(w io.Writer) error {
	if e.registry == nil {
		return nil
	}
	families, err := e.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
