// Package observability provides Prometheus metrics, health checks, logging
// and the admin HTTP surface shared by the dispatcher and worker binaries.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the delivery pipeline.
// Metrics are automatically registered via promauto.
//
// Key metrics for monitoring:
//   - events_consumed_total: Inbound event rate from Kafka
//   - deliveries_succeeded_total: Successful delivery rate
//   - deliveries_failed_total: Terminal failures (alerts)
//   - delivery_duration_seconds: Destination latency distribution
//   - circuit_breaker_trips_total: Destination health
type Metrics struct {
	EventsConsumed         prometheus.Counter
	EventsInvalid          prometheus.Counter
	DeliveriesCreated      prometheus.Counter
	DeliveriesDeduplicated prometheus.Counter

	DeliveryAttempts    prometheus.Counter
	DeliveryDuration    prometheus.Histogram
	DeliveriesSucceeded prometheus.Counter
	DeliveriesRetried   prometheus.Counter
	DeliveriesFailed    prometheus.Counter
	DeliveriesDeferred  prometheus.Counter
	DeliveriesCancelled prometheus.Counter
	ClaimedBatchSize    prometheus.Histogram

	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
// The namespace prefixes all metric names (e.g., "geohook_events_consumed_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsConsumed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Total number of geofence events consumed from Kafka",
		}),
		EventsInvalid: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_invalid_total",
			Help:      "Total number of malformed events skipped during ingestion",
		}),
		DeliveriesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_created_total",
			Help:      "Total number of delivery records created",
		}),
		DeliveriesDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_deduplicated_total",
			Help:      "Total number of delivery records dropped as duplicates of an existing (webhook, event) pair",
		}),
		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of delivery attempts made",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DeliveriesSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_succeeded_total",
			Help:      "Total number of deliveries that reached their destination",
		}),
		DeliveriesRetried: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_retried_total",
			Help:      "Total number of deliveries scheduled for retry",
		}),
		DeliveriesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Total number of deliveries that failed after all attempts",
		}),
		DeliveriesDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_deferred_total",
			Help:      "Total number of deliveries deferred without an attempt (open circuit or backpressure)",
		}),
		DeliveriesCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_cancelled_total",
			Help:      "Total number of deliveries cancelled because the webhook was deleted or disabled",
		}),
		ClaimedBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claimed_batch_size",
			Help:      "Number of due deliveries claimed per worker poll",
			Buckets:   []float64{1, 5, 10, 25, 50, 100},
		}),

		CircuitBreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times a webhook's circuit opened",
		}, []string{"webhook_id"}),
		RateLimiterRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of attempts rejected by the per-webhook rate limiter",
		}, []string{"webhook_id"}),

		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of admin HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
