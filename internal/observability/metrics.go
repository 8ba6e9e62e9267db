package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MigrationsTotal tracks migration transactions by outcome and type.
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_migrations_total",
			Help: "Total number of migration transactions by outcome and type",
		},
		[]string{"outcome", "migration_type"},
	)

	// MigrationDuration tracks how long a migration transaction takes end to end.
	MigrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_migration_duration_seconds",
			Help:    "Duration of migration transactions from PREPARE to DONE/ABORT",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
		[]string{"outcome", "migration_type"},
	)

	// ActiveMigrations tracks migrations currently in flight (PREPARE..COMMIT).
	ActiveMigrations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_active_migrations",
			Help: "Number of migration transactions currently in flight",
		},
	)

	// TaskExecutionDuration tracks task wall-clock time on a single worker.
	TaskExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_task_execution_duration_seconds",
			Help:    "Duration a task spends executing on a single worker before pause, completion, or failure",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		},
		[]string{"status"},
	)

	// TasksTotal tracks task lifecycle outcomes.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_tasks_total",
			Help: "Total number of tasks by terminal status",
		},
		[]string{"status"},
	)

	// CheckpointsTotal tracks checkpoint writes to the registry by result
	// (accepted or rejected).
	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_checkpoints_total",
			Help: "Total number of checkpoint writes to the code registry by result",
		},
		[]string{"result"},
	)

	// NodesByStatus tracks the current node count per status.
	NodesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_nodes",
			Help: "Current number of nodes by status",
		},
		[]string{"status"},
	)

	// AutoMigrationTriggers counts overload-detector-initiated migrations.
	AutoMigrationTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_auto_migration_triggers_total",
			Help: "Total number of auto-migrations triggered by the overload detector",
		},
		[]string{"source_node"},
	)

	// ChecksumVerifications tracks bundle and checkpoint checksum outcomes.
	ChecksumVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_checksum_verifications_total",
			Help: "Total number of checksum verifications by resource type and result",
		},
		[]string{"resource_type", "result"},
	)

	// HeartbeatTimeouts counts nodes declared offline by the failure sweep.
	HeartbeatTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_heartbeat_timeouts_total",
			Help: "Total number of nodes declared offline due to heartbeat timeout",
		},
		[]string{"role"},
	)
)

// Metrics provides access to all application metrics.
type Metrics struct{}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMigration records a completed or aborted migration transaction.
func (m *Metrics) RecordMigration(outcome, migrationType string, seconds float64) {
	MigrationsTotal.WithLabelValues(outcome, migrationType).Inc()
	MigrationDuration.WithLabelValues(outcome, migrationType).Observe(seconds)
}

// SetActiveMigrations sets the number of migrations currently in flight.
func (m *Metrics) SetActiveMigrations(count float64) {
	ActiveMigrations.Set(count)
}

// RecordTaskExecution records the wall-clock time a task spent running before
// pausing, completing, or failing.
func (m *Metrics) RecordTaskExecution(status string, seconds float64) {
	TaskExecutionDuration.WithLabelValues(status).Observe(seconds)
}

// RecordTaskTerminal records a task reaching a terminal status.
func (m *Metrics) RecordTaskTerminal(status string) {
	TasksTotal.WithLabelValues(status).Inc()
}

// RecordCheckpoint records a checkpoint write outcome.
func (m *Metrics) RecordCheckpoint(result string) {
	CheckpointsTotal.WithLabelValues(result).Inc()
}

// SetNodeCounts sets the current node gauge per status.
func (m *Metrics) SetNodeCounts(counts map[string]int) {
	for status, n := range counts {
		NodesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordAutoMigrationTrigger records an overload-detector-initiated migration.
func (m *Metrics) RecordAutoMigrationTrigger(sourceNodeID string) {
	AutoMigrationTriggers.WithLabelValues(sourceNodeID).Inc()
}

// RecordChecksumVerification records a bundle or checkpoint checksum check.
func (m *Metrics) RecordChecksumVerification(resourceType, result string) {
	ChecksumVerifications.WithLabelValues(resourceType, result).Inc()
}

// RecordHeartbeatTimeout records a node declared offline by the failure sweep.
func (m *Metrics) RecordHeartbeatTimeout(role string) {
	HeartbeatTimeouts.WithLabelValues(role).Inc()
}
