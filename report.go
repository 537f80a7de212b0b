package dbmigrate

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome of a single migration within a run.
type Status int

const (
	// Applied means the migration ran and was recorded in the ledger.
	Applied Status = iota
	// Skipped means the ledger already had the migration.
	Skipped
	// Failed means the migration failed and the run halted.
	Failed
)

// String returns a string representation for a status.
func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ApplyResult is produced for every migration the executor reaches.
type ApplyResult struct {
	MigrationID string         `json:"migration_id"`
	Status      Status         `json:"status"`
	Detail      string         `json:"detail,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Backfill    *BackfillStats `json:"backfill,omitempty"`
	Err         error          `json:"-"`
}

// Reporter receives results as the executor produces them.
type Reporter interface {
	Report(res ApplyResult)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(res ApplyResult)

// Report calls f(res).
func (f ReporterFunc) Report(res ApplyResult) { f(res) }

// MultiReporter fans results out to several reporters.
type MultiReporter []Reporter

// Report forwards res to every reporter.
func (m MultiReporter) Report(res ApplyResult) {
	for _, r := range m {
		if r != nil {
			r.Report(res)
		}
	}
}

// LogReporter writes each result to a zap logger.
type LogReporter struct {
	Logger *zap.Logger
}

// NewLogReporter returns a reporter logging to logger.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{Logger: logger}
}

// Report logs res. Failures are logged at error level.
func (r *LogReporter) Report(res ApplyResult) {
	fields := []zap.Field{
		zap.String("migration_id", res.MigrationID),
		zap.Stringer("status", res.Status),
		zap.Duration("took", res.Duration),
	}
	if res.Detail != "" {
		fields = append(fields, zap.String("detail", res.Detail))
	}
	if res.Backfill != nil {
		fields = append(fields,
			zap.Int("reconciled", res.Backfill.Reconciled),
			zap.Int("excluded", res.Backfill.Excluded),
			zap.Int("row_errors", len(res.Backfill.RowErrors)))
	}
	if res.Status == Failed {
		r.Logger.Error("Migration failed", append(fields, zap.Error(res.Err))...)
		return
	}
	r.Logger.Info("Migration result", fields...)
}

// Report is the full outcome of one executor run.
type Report struct {
	RunID   string        `json:"run_id"`
	Results []ApplyResult `json:"results"`
}

// Counts returns the number of results per status.
func (r Report) Counts() map[Status]int {
	counts := make(map[Status]int, 3)
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

// Failed returns the failed result, if any. A run halts at the first
// failure so there is at most one.
func (r Report) Failed() (ApplyResult, bool) {
	for _, res := range r.Results {
		if res.Status == Failed {
			return res, true
		}
	}
	return ApplyResult{}, false
}

// RowErrors returns all backfill row errors across the run.
func (r Report) RowErrors() []*BackfillRowError {
	var errs []*BackfillRowError
	for _, res := range r.Results {
		if res.Backfill != nil {
			errs = append(errs, res.Backfill.RowErrors...)
		}
	}
	return errs
}

// ExitCode is the process exit status convention: 1 when any migration
// failed, 0 otherwise.
func (r Report) ExitCode() int {
	if _, failed := r.Failed(); failed {
		return 1
	}
	return 0
}

// String renders the report as a plain text table.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s\n", r.RunID)
	for _, res := range r.Results {
		fmt.Fprintf(&b, "  %-8s %s", res.Status, res.MigrationID)
		if res.Detail != "" {
			fmt.Fprintf(&b, " (%s)", res.Detail)
		}
		if res.Err != nil {
			fmt.Fprintf(&b, ": %v", res.Err)
		}
		b.WriteByte('\n')
		if res.Backfill != nil {
			for _, re := range res.Backfill.RowErrors {
				fmt.Fprintf(&b, "           row (%s, %v): %v\n", re.ReferenceType, re.ReferenceID, re.Err)
			}
		}
	}
	c := r.Counts()
	fmt.Fprintf(&b, "%d applied, %d skipped, %d failed\n", c[Applied], c[Skipped], c[Failed])
	return b.String()
}
