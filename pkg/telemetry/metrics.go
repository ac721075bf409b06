package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests served by the API gateway, labelled by route and status code.",
	}, []string{"route", "code"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Submissions rejected by the per-client rate limiter.",
	})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherTasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "dispatcher",
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted and enqueued, labelled by handler and priority.",
	}, []string{"handler", "priority"})

	DispatcherSubmitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "dispatcher",
		Name:      "submit_errors_total",
		Help:      "Submissions that failed, labelled by error kind.",
	}, []string{"kind"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Executions finished, labelled by handler and resulting state.",
	}, []string{"handler", "state"})

	WorkerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasksubmit",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tasksubmit",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"handler"})

	WorkerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Total retry attempts scheduled.",
	}, []string{"handler"})

	WorkerDuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "worker",
		Name:      "duplicates_skipped_total",
		Help:      "Deliveries acknowledged without execution because the task was already terminal.",
	})

	WorkerDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "worker",
		Name:      "dlq_total",
		Help:      "Total failed tasks forwarded to the dead-letter topic.",
	}, []string{"handler"})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tasksubmit",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Envelopes waiting per lane.",
	}, []string{"lane"})

	QueueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasksubmit",
		Subsystem: "queue",
		Name:      "inflight",
		Help:      "Deliveries awaiting acknowledgment.",
	})

	QueueDelayed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasksubmit",
		Subsystem: "queue",
		Name:      "delayed",
		Help:      "Envelopes parked for retry backoff.",
	})

	// ─── Reconciler ──────────────────────────────────────────────────────────────

	ReconcilerRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "reconciler",
		Name:      "requeued_total",
		Help:      "Stale SUBMITTED tasks re-enqueued by the sweep.",
	})

	ReconcilerAbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksubmit",
		Subsystem: "reconciler",
		Name:      "abandoned_total",
		Help:      "Stale SUBMITTED tasks marked FAILED after the give-up window.",
	})
)
