// Package observability exposes the forge-prefixed Prometheus metrics
// consumed by the Scheduler, Registry and API, registered via promauto at
// import time and served at /metrics by cmd/orchestrator.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of pending, undispatched tasks.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_queue_depth",
		Help: "Current number of tasks waiting in the FIFO queue",
	})

	// ActiveTasks tracks tasks currently assigned or running.
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_active_tasks",
		Help: "Current number of tasks in assigned or running state",
	})

	// WorkerStatusCount tracks worker counts by status label.
	WorkerStatusCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forge_worker_status_count",
		Help: "Current number of workers in each status",
	}, []string{"status"})

	// DispatchDecisions tracks scheduler dispatch outcomes.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_dispatch_decisions_total",
		Help: "Total number of scheduler dispatch decisions",
	}, []string{"decision"}) // dispatched, reverted, no_task (store lookup of a popped task failed)

	// StatusEventsTotal tracks worker status events observed by status label.
	StatusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_status_events_total",
		Help: "Total number of worker status events observed, by status",
	}, []string{"status"})

	// TaskDurationSeconds tracks task processing time (start_time to
	// completion_time) for completed tasks.
	TaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_task_duration_seconds",
		Help:    "Task processing time from processing_started to completed",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// SchedulerTickDuration tracks one tick loop iteration's wall time.
	SchedulerTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_scheduler_tick_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// StoreErrors tracks non-fatal store failures by operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_store_errors_total",
		Help: "Total number of non-fatal store errors, by operation",
	}, []string{"operation"})

	// WorkerRestarts tracks auto-restarts after worker death.
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_worker_restarts_total",
		Help: "Total number of worker auto-restarts, by device",
	}, []string{"device_id"})

	// APISubmissionsRejected tracks submissions rejected by the ingress
	// rate limiter (storm protection, not task priority — ambient
	// concern, see SPEC_FULL.md domain stack).
	APISubmissionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_api_submissions_rejected_total",
		Help: "Task submissions rejected by the admission rate limiter",
	})

	// WSClients tracks currently connected status-stream websocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_ws_clients",
		Help: "Current number of connected status-stream websocket clients",
	})
)
