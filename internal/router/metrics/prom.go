// Package metrics carries the router's observability state: Prometheus
// collectors for scraping plus in-memory snapshot services backing the
// monitoring endpoints and the health verdict.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool collectors.

	PoolMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmill",
			Subsystem: "pool",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by process pool",
		},
		[]string{"pool_code", "result"}, // result: success, failed, transient, rate_limited
	)

	PoolProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowmill",
			Subsystem: "pool",
			Name:      "processing_duration_seconds",
			Help:      "Time to mediate a message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowmill",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Workers currently mediating a message",
		},
		[]string{"pool_code"},
	)

	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowmill",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Messages waiting in the pool queue",
		},
		[]string{"pool_code"},
	)

	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowmill",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Unused concurrency permits in the pool",
		},
		[]string{"pool_code"},
	)

	PoolRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmill",
			Subsystem: "pool",
			Name:      "rate_limit_rejections_total",
			Help:      "Messages deferred by the pool rate limiter",
		},
		[]string{"pool_code"},
	)

	// Breaker collectors.

	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmill",
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls rejected by an open circuit breaker",
		},
		[]string{"pool_code"},
	)

	// Queue collectors.

	QueueMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmill",
			Subsystem: "queue",
			Name:      "messages_received_total",
			Help:      "Messages received from the broker",
		},
		[]string{"queue"},
	)

	QueueMessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmill",
			Subsystem: "queue",
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged to the broker",
		},
		[]string{"queue"},
	)

	QueueMessagesNacked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmill",
			Subsystem: "queue",
			Name:      "messages_nacked_total",
			Help:      "Messages returned to the broker for redelivery",
		},
		[]string{"queue"},
	)

	QueueDecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowmill",
			Subsystem: "queue",
			Name:      "decode_failures_total",
			Help:      "Broker deliveries that could not be decoded",
		},
		[]string{"queue"},
	)
)
