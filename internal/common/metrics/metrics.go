// Package metrics is the Prometheus façade shared by all binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool metrics

	PoolMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by dispatch pool",
		},
		[]string{"pool_code", "result"}, // result: success, error_process, error_server, error_connection, error_config
	)

	PoolProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "processing_duration_seconds",
			Help:      "Time to mediate a message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of running workers in the pool",
		},
		[]string{"pool_code"},
	)

	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of admitted messages waiting in the pool queue",
		},
		[]string{"pool_code"},
	)

	PoolRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "rate_limit_rejections_total",
			Help:      "Total admissions rejected by the rate limiter",
		},
		[]string{"pool_code"},
	)

	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Available concurrency permits in the pool",
		},
		[]string{"pool_code"},
	)

	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Number of message groups currently in flight",
		},
		[]string{"pool_code"},
	)

	// Mediator metrics

	MediatorHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by the mediator",
		},
		[]string{"status_code", "method"},
	)

	MediatorHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "http_duration_seconds",
			Help:      "Outbound HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"target"},
	)

	// 0 = closed, 1 = open, 2 = half-open
	MediatorCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	MediatorCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "mediator",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)

	// Queue metrics

	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to the queue",
		},
		[]string{"queue_type"},
	)

	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from the queue",
		},
		[]string{"queue_type"},
	)

	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total queue publish errors",
		},
		[]string{"queue_type"},
	)

	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "consumer",
			Name:      "restarts_total",
			Help:      "Total consumer restarts triggered by stall detection",
		},
	)

	ConsumerStallEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "consumer",
			Name:      "stall_events_total",
			Help:      "Total consumer stall events detected",
		},
	)

	// Pipeline metrics (in-process dedup map)

	PipelineMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "map_size",
			Help:      "Number of messages currently owned by the pipeline",
		},
	)

	PipelineTotalCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "pipeline",
			Name:      "total_capacity",
			Help:      "Total capacity across all pools",
		},
	)

	// Outbox processor metrics

	OutboxItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "items_processed_total",
			Help:      "Total outbox rows processed",
		},
		[]string{"type", "status"}, // status: completed, failed, retried, released
	)

	OutboxBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "buffer_size",
			Help:      "Current size of the poller buffer",
		},
	)

	OutboxActiveProcessors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "active_processors",
			Help:      "Number of active message group processors",
		},
	)

	OutboxPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "poll_duration_seconds",
			Help:      "Time to claim one outbox batch",
			Buckets:   prometheus.DefBuckets,
		},
	)

	OutboxAPIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "api_duration_seconds",
			Help:      "Time to deliver outbox rows to the core API",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)

	OutboxRecoveredItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "recovered_items_total",
			Help:      "Total rows recovered from stuck PROCESSING state",
		},
		[]string{"trigger"}, // startup, periodic
	)

	// 0 = follower, 1 = leader
	OutboxLeaderElectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "leader_election_state",
			Help:      "Leader election state (0=follower, 1=leader)",
		},
	)

	OutboxInFlightItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowcatalyst",
			Subsystem: "outbox",
			Name:      "in_flight_items",
			Help:      "Rows claimed but not yet reconciled",
		},
	)

	// Dispatch / scheduler metrics

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Total webhook delivery attempts",
		},
		[]string{"status"}, // success, client_error, server_error, timeout, connection_error
	)

	SchedulerJobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "scheduler",
			Name:      "jobs_enqueued_total",
			Help:      "Total due jobs enqueued by the scheduler",
		},
	)

	SchedulerJobsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "scheduler",
			Name:      "jobs_expired_total",
			Help:      "Total jobs expired past their expiresAt",
		},
	)

	// HTTP API metrics

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowcatalyst",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Circuit breaker gauge values
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
