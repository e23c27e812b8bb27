// Package metrics declares the Prometheus instrumentation surface for the
// AntCode master: queue depth, dispatch/scheduling latency, node counts,
// HMAC auth outcomes, and checkpoint recovery.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics (C1)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "antcode_queue_depth",
			Help: "Current number of queued tasks by backend",
		},
		[]string{"backend"},
	)

	QueueOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_queue_operations_total",
			Help: "Total queue operations by backend, op and outcome",
		},
		[]string{"backend", "op", "outcome"},
	)

	// Node registry metrics (C2)
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "antcode_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	HeartbeatProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "antcode_heartbeat_probe_duration_seconds",
			Help:    "Duration of a single node heartbeat probe",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_heartbeat_failures_total",
			Help: "Total consecutive-failure heartbeat probes by node",
		},
		[]string{"node_id"},
	)

	// Load balancer metrics (C3)
	LoadScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "antcode_node_load_score",
			Help: "Last computed load score for a node (lower is better)",
		},
		[]string{"node_id"},
	)

	// Project sync metrics (C4)
	SyncSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antcode_sync_skipped_total",
			Help: "Total project syncs skipped because the node's hash already matched",
		},
	)

	SyncTransferredBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_sync_transferred_bytes_total",
			Help: "Total bytes transferred to nodes by transfer method",
		},
		[]string{"method"},
	)

	// Dispatcher metrics (C5)
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "antcode_dispatch_duration_seconds",
			Help:    "Duration of dispatch_batch calls by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	DispatchedTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_dispatched_tasks_total",
			Help: "Total tasks dispatched to nodes by outcome",
		},
		[]string{"outcome"},
	)

	// Scheduler metrics (C7)
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "antcode_scheduling_latency_seconds",
			Help:    "Time from trigger fire to execution-record creation",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_executions_total",
			Help: "Total executions by terminal state",
		},
		[]string{"state"},
	)

	RetriesScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antcode_retries_scheduled_total",
			Help: "Total retry triggers scheduled",
		},
	)

	RetriesExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antcode_retries_exhausted_total",
			Help: "Total executions that exhausted their retry budget",
		},
	)

	// Checkpoint/recovery metrics (C8)
	CheckpointsSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "antcode_checkpoints_saved_total",
			Help: "Total checkpoint writes",
		},
	)

	RecoveredExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_recovered_executions_total",
			Help: "Total executions processed by startup recovery, by outcome",
		},
		[]string{"outcome"},
	)

	// Log ingestion metrics (C9)
	LogFragmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_log_fragments_total",
			Help: "Total ingested log fragments by log_type",
		},
		[]string{"log_type"},
	)

	// HMAC auth metrics (§6.3)
	AuthRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "antcode_auth_rejections_total",
			Help: "Total rejected worker requests by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		QueueOpsTotal,
		NodesTotal,
		HeartbeatProbeDuration,
		HeartbeatFailuresTotal,
		LoadScore,
		SyncSkippedTotal,
		SyncTransferredBytesTotal,
		DispatchDuration,
		DispatchedTasksTotal,
		SchedulingLatency,
		ExecutionsTotal,
		RetriesScheduledTotal,
		RetriesExhaustedTotal,
		CheckpointsSavedTotal,
		RecoveredExecutionsTotal,
		LogFragmentsTotal,
		AuthRejectionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
