// Package observability exposes Prometheus metrics for the ingestion fabric.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequests counts outbound marketplace calls by endpoint kind and
	// terminal outcome (ok, auth_fail, rate_limited, transient, fatal).
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_api_requests_total",
		Help: "Outbound marketplace API calls by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	// APIRequestDuration tracks the full call duration including retries.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sp_api_request_duration_seconds",
		Help:    "Outbound call duration including retries",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
	}, []string{"endpoint"})

	// LimiterWait tracks time spent waiting for the sliding window.
	LimiterWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sp_limiter_wait_seconds",
		Help:    "Time spent waiting on the distributed rate limiter",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"scope"})

	// BreakerState reports the circuit state per shop (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sp_breaker_state",
		Help: "Circuit breaker state per shop (0=closed, 1=half_open, 2=open)",
	}, []string{"shop"})

	// BreakerTrips counts CLOSED->OPEN transitions.
	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sp_breaker_trips_total",
		Help: "Circuit breaker trips into OPEN",
	})

	// ProxyQuarantines counts quarantines by reason.
	ProxyQuarantines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_proxy_quarantines_total",
		Help: "Proxy quarantines by reported outcome",
	}, []string{"reason"})

	// ProxyLeases counts leases granted, split by sticky reuse.
	ProxyLeases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_proxy_leases_total",
		Help: "Proxy leases granted (sticky vs fresh selection)",
	}, []string{"selection"})

	// TaskRuns counts task executions by task name and result.
	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_task_runs_total",
		Help: "Task executions by name and result",
	}, []string{"task", "result"})

	// TaskDuration tracks task runtime per queue.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sp_task_duration_seconds",
		Help:    "Task execution time by queue",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 500ms to ~4.5h
	}, []string{"queue"})

	// QueueDepth is the number of queued tasks per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sp_queue_depth",
		Help: "Queued tasks per queue",
	}, []string{"queue"})

	// DispatchSkipped counts dispatches suppressed by the dedup lock.
	DispatchSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_dispatch_skipped_total",
		Help: "Dispatches suppressed by the task dedup lock",
	}, []string{"task"})

	// EventsDetected counts emitted semantic events by type.
	EventsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_events_detected_total",
		Help: "Semantic change events emitted by type",
	}, []string{"event_type"})

	// LoaderRows counts rows written to OLAP by table.
	LoaderRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_loader_rows_total",
		Help: "Rows appended to the OLAP store by table",
	}, []string{"table"})

	// LoaderBatchSize tracks flushed batch sizes.
	LoaderBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sp_loader_batch_size",
		Help:    "Flushed OLAP batch sizes",
		Buckets: prometheus.ExponentialBuckets(10, 2, 10),
	}, []string{"table"})

	// BackfillSteps counts orchestrator steps by marketplace and result.
	BackfillSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sp_backfill_steps_total",
		Help: "Orchestrator backfill steps by marketplace and result",
	}, []string{"marketplace", "result"})

	// RedisLatency tracks Redis roundtrip latency for state operations.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sp_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)
