/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package dbevolve

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for migration outcomes.
const (
	MetricsOutcomeCommitted  = "committed"
	MetricsOutcomeFailed     = "failed"
	MetricsOutcomeRolledBack = "rolledback"
)

// MetricsCollector is an interface for collecting migration execution metrics.
type MetricsCollector interface {
	// ObserveMigrationDuration observes the total duration of a migration run.
	ObserveMigrationDuration(version, outcome string, duration time.Duration)

	// IncStageExecutions increments the counter of executed stages.
	IncStageExecutions(version string)

	// IncDataBatches increments the counter of processed data migration batches.
	IncDataBatches()

	// IncRollbacks increments the counter of rollback operations.
	IncRollbacks(outcome string)
}

// PrometheusMetrics represents a Prometheus-based collector of migration metrics.
type PrometheusMetrics struct {
	MigrationDurations *prometheus.HistogramVec
	StagesTotal        *prometheus.CounterVec
	DataBatchesTotal   prometheus.Counter
	RollbacksTotal     *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new Prometheus metrics collector for migrations.
func NewPrometheusMetrics() *PrometheusMetrics {
	migrationDurations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_schema_migration_duration_seconds",
			Help:    "Total duration of schema migration runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"version", "outcome"},
	)
	stagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_schema_migration_stages_total",
			Help: "Total number of executed migration stages.",
		},
		[]string{"version"},
	)
	dataBatchesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "db_schema_migration_data_batches_total",
			Help: "Total number of processed data migration batches.",
		},
	)
	rollbacksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_schema_migration_rollbacks_total",
			Help: "Total number of rollback operations.",
		},
		[]string{"outcome"},
	)
	return &PrometheusMetrics{
		MigrationDurations: migrationDurations,
		StagesTotal:        stagesTotal,
		DataBatchesTotal:   dataBatchesTotal,
		RollbacksTotal:     rollbacksTotal,
	}
}

// MustRegister registers all metrics in Prometheus registry and panics if any error occurs.
func (m *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		m.MigrationDurations,
		m.StagesTotal,
		m.DataBatchesTotal,
		m.RollbacksTotal,
	)
}

// Unregister unregisters all metrics in Prometheus registry.
func (m *PrometheusMetrics) Unregister() {
	prometheus.Unregister(m.MigrationDurations)
	prometheus.Unregister(m.StagesTotal)
	prometheus.Unregister(m.DataBatchesTotal)
	prometheus.Unregister(m.RollbacksTotal)
}

// ObserveMigrationDuration observes the total duration of a migration run.
func (m *PrometheusMetrics) ObserveMigrationDuration(version, outcome string, duration time.Duration) {
	m.MigrationDurations.WithLabelValues(version, outcome).Observe(duration.Seconds())
}

// IncStageExecutions increments the counter of executed stages.
func (m *PrometheusMetrics) IncStageExecutions(version string) {
	m.StagesTotal.WithLabelValues(version).Inc()
}

// IncDataBatches increments the counter of processed data migration batches.
func (m *PrometheusMetrics) IncDataBatches() {
	m.DataBatchesTotal.Inc()
}

// IncRollbacks increments the counter of rollback operations.
func (m *PrometheusMetrics) IncRollbacks(outcome string) {
	m.RollbacksTotal.WithLabelValues(outcome).Inc()
}
