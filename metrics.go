package dbmigrate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsReporter counts results in Prometheus metrics.
type MetricsReporter struct {
	results    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	reconciled prometheus.Counter
	excluded   prometheus.Counter
	rowErrors  prometheus.Counter
}

// NewMetricsReporter creates the metrics and registers them with reg.
func NewMetricsReporter(reg prometheus.Registerer) (*MetricsReporter, error) {
	const ns = "dbmigrate"
	r := &MetricsReporter{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "migrations_total",
			Help:      "Migrations reached by the executor, by status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "migration_duration_seconds",
			Help:      "Time spent applying a migration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"status"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "backfill",
			Name:      "rows_reconciled_total",
			Help:      "Backfill rows inserted or updated.",
		}),
		excluded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "backfill",
			Name:      "rows_excluded_total",
			Help:      "Backfill source rows rejected by the row filter.",
		}),
		rowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "backfill",
			Name:      "row_errors_total",
			Help:      "Backfill rows skipped because they failed to derive or upsert.",
		}),
	}
	for _, c := range []prometheus.Collector{r.results, r.duration, r.reconciled, r.excluded, r.rowErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Report implements Reporter.
func (r *MetricsReporter) Report(res ApplyResult) {
	status := res.Status.String()
	r.results.WithLabelValues(status).Inc()
	if res.Status != Skipped {
		r.duration.WithLabelValues(status).Observe(res.Duration.Seconds())
	}
	if res.Backfill != nil {
		r.reconciled.Add(float64(res.Backfill.Reconciled))
		r.excluded.Add(float64(res.Backfill.Excluded))
		r.rowErrors.Add(float64(len(res.Backfill.RowErrors)))
	}
}
