package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "foam"

var (
	// Retry queue metrics
	RetryQueueEnqueuedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_queue_enqueued_total",
			Help:      "Total number of writes enqueued for server-side retry",
		},
		[]string{"table"},
	)
	RetryQueueOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_queue_outcome_total",
			Help:      "Replay outcomes of retry queue entries",
		},
		[]string{"table", "outcome"},
	)
	RetryQueueBatchHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retry_queue_batch_duration_seconds",
		Help:      "Duration of one retry queue batch",
		Buckets:   prometheus.DefBuckets,
	})
	RetryQueuePurgedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_queue_purged_total",
			Help:      "Retry queue entries removed by cleanup",
		},
		[]string{"status"},
	)

	// Reconciliation metrics
	ReconcileCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Job reconciliations by result",
		},
		[]string{"result"},
	)

	// Realtime metrics
	RealtimeSubscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_subscribers",
		Help:      "Number of connected realtime subscribers",
	})
	RealtimeEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime events by kind and delivery path",
		},
		[]string{"kind", "path"},
	)
	RealtimeDroppedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_dropped_total",
		Help:      "Events dropped because a subscriber buffer was full",
	})

	// Request metrics
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// ObserveBatch records a batch duration from start.
func ObserveBatch(start time.Time) {
	RetryQueueBatchHistogram.Observe(time.Since(start).Seconds())
}
