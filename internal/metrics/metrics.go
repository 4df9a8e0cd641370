package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsSaved tracks pending operations persisted per operation id
	OperationsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrier_operations_saved_total",
			Help: "Total number of pending operations saved",
		},
		[]string{"operation"},
	)

	// AttemptsTotal tracks callback attempts by result (success, failure)
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrier_attempts_total",
			Help: "Total number of retry callback attempts",
		},
		[]string{"operation", "result"},
	)

	// OutcomesTotal tracks how retry sessions ended
	// (succeeded, recovered, exhausted, interrupted)
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrier_outcomes_total",
			Help: "Total number of finished retry sessions by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// SessionDuration tracks the wall time of a retry session
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrier_session_duration_seconds",
			Help:    "Retry session duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// QueueDepth tracks operations waiting in the in-memory queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retrier_queue_depth",
			Help: "Pending operations waiting in the in-memory queue",
		},
		[]string{"operation"},
	)

	// StoreErrorsTotal tracks failed store calls
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrier_store_errors_total",
			Help: "Total number of pending store errors",
		},
		[]string{"operation", "call"},
	)

	// DeliveryRequests tracks webhook requests by status code
	DeliveryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrier_delivery_requests_total",
			Help: "Total number of webhook delivery requests",
		},
		[]string{"operation", "code"},
	)

	// DeliveryLatency tracks webhook round trip latency
	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrier_delivery_latency_seconds",
			Help:    "Webhook delivery latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// DBConnectionPoolUsage tracks the percentage of open database connections
var DBConnectionPoolUsage = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "retrier_db_connection_pool_usage_percent",
		Help: "Percentage of the database connection pool in use",
	},
)

// PendingOperations tracks operations in the store per operation id
var PendingOperations = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "retrier_pending_operations",
		Help: "Pending operations in the store",
	},
	[]string{"operation"},
)
