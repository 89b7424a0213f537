package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the trading engine.
type Metrics struct {
	// --- Executor ---
	TicksProcessed prometheus.Counter
	TicksSkipped   prometheus.Counter
	StrategyEvents *prometheus.CounterVec
	ExecutionsDone *prometheus.CounterVec
	TickDuration   prometheus.Histogram

	// --- Snapshots ---
	SnapshotsTaken   prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge

	// --- Coordinator ---
	HeartbeatsSent prometheus.Counter
	ControlChecks  *prometheus.CounterVec
	StopsRequested prometheus.Counter

	// --- Pipeline ---
	TicksPublished    prometheus.Counter
	TicksPersisted    prometheus.Counter
	TickBatchSize     prometheus.Histogram
	TicksDeduped      prometheus.Counter
	LockAcquisitions  *prometheus.CounterVec
	LockRefreshFailed *prometheus.CounterVec
	RolesRescheduled  *prometheus.CounterVec

	// --- Worker ---
	TasksConsumed *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	TaskFailures  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	tickBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		// Executor
		TicksProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "floor_executor_ticks_processed_total",
			Help: "Ticks fed through the strategy",
		}),

		TicksSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "floor_executor_ticks_skipped_total",
			Help: "Ticks skipped after a classified per-tick fault",
		}),

		StrategyEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_strategy_events_total",
			Help: "Strategy events emitted",
		}, []string{"event_type"}),

		ExecutionsDone: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_executions_finished_total",
			Help: "Executions reaching a terminal status",
		}, []string{"status"}),

		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "floor_executor_tick_duration_seconds",
			Help:    "Time to process a single tick",
			Buckets: tickBuckets,
		}),

		// Snapshots
		SnapshotsTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "floor_snapshots_taken_total",
			Help: "Execution snapshots persisted",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "floor_snapshot_duration_seconds",
			Help:    "Snapshot save time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "floor_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Coordinator
		HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "floor_coordinator_heartbeats_total",
			Help: "Control record heartbeats written",
		}),

		ControlChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_coordinator_control_checks_total",
			Help: "Stop-signal checks by answering tier (cache/store/throttled)",
		}, []string{"tier"}),

		StopsRequested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "floor_coordinator_stops_requested_total",
			Help: "Stop requests applied to control records",
		}),

		// Pipeline
		TicksPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "floor_pipeline_ticks_published_total",
			Help: "Ticks published to the tick channel",
		}),

		TicksPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "floor_pipeline_ticks_persisted_total",
			Help: "Ticks upserted into the durable store",
		}),

		TickBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "floor_pipeline_tick_batch_size",
			Help:    "Ticks per flushed batch after dedup",
			Buckets: []float64{1, 10, 50, 100, 200, 500, 1000},
		}),

		TicksDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "floor_pipeline_ticks_deduped_total",
			Help: "Ticks dropped by (instrument, timestamp) dedup",
		}),

		LockAcquisitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_pipeline_lock_acquisitions_total",
			Help: "Role lock acquisition attempts",
		}, []string{"role", "outcome"}),

		LockRefreshFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_pipeline_lock_refresh_failures_total",
			Help: "Lock refreshes that found the lock lost",
		}, []string{"role"}),

		RolesRescheduled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_pipeline_roles_rescheduled_total",
			Help: "Supervisor reschedules of missing roles",
		}, []string{"role"}),

		// Worker
		TasksConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_worker_tasks_consumed_total",
			Help: "Queue tasks picked up",
		}, []string{"task"}),

		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floor_worker_task_duration_seconds",
			Help:    "Task run time",
			Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 1800, 7200},
		}, []string{"task"}),

		TaskFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "floor_worker_task_failures_total",
			Help: "Queue tasks that returned an error",
		}, []string{"task"}),
	}
}
