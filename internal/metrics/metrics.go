package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	outboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outbox_published_total",
			Help: "Outbox records published to the broker by topic",
		},
		[]string{"topic"},
	)

	outboxPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_outbox_publish_failures_total",
			Help: "Outbox records that failed to publish",
		},
	)

	outboxCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_outbox_cursor",
			Help: "Last committed outbox cursor position",
		},
	)

	pollerHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_outbox_poller_healthy",
			Help: "1 when the outbox poller is healthy, 0 when degraded",
		},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_processed_total",
			Help: "Pipeline events processed by pipeline and outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	dedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dedup_hits_total",
			Help: "Redelivered events skipped by source-id dedup",
		},
		[]string{"pipeline"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dead_letters_total",
			Help: "Events moved to the dead-letter store",
		},
		[]string{"pipeline"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_attempts_total",
			Help: "Provider delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveryDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_dropped_total",
			Help: "Delivery sends dropped after exhausting retries",
		},
		[]string{"channel"},
	)

	deliveryJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_delivery_jobs_in_flight",
			Help: "Delivery jobs currently being dispatched",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOutboxPublished records a successful outbox publish
func RecordOutboxPublished(topic string) {
	outboxPublished.WithLabelValues(topic).Inc()
}

// RecordOutboxPublishFailure records a failed outbox publish attempt
func RecordOutboxPublishFailure() {
	outboxPublishFailures.Inc()
}

// SetOutboxCursor records the last committed cursor position
func SetOutboxCursor(position int64) {
	outboxCursor.Set(float64(position))
}

// SetPollerHealthy flips the poller health gauge
func SetPollerHealthy(healthy bool) {
	if healthy {
		pollerHealthy.Set(1)
	} else {
		pollerHealthy.Set(0)
	}
}

// RecordEventProcessed records a pipeline event outcome (processed, retried, failed)
func RecordEventProcessed(pipeline, outcome string) {
	eventsProcessed.WithLabelValues(pipeline, outcome).Inc()
}

// RecordDedupHit records an event skipped because its source id was already seen
func RecordDedupHit(pipeline string) {
	dedupHits.WithLabelValues(pipeline).Inc()
}

// RecordDeadLetter records an event moved to the dead-letter store
func RecordDeadLetter(pipeline string) {
	deadLetters.WithLabelValues(pipeline).Inc()
}

// RecordDeliveryAttempt records a provider send outcome (success, failure)
func RecordDeliveryAttempt(channel, outcome string) {
	deliveryAttempts.WithLabelValues(channel, outcome).Inc()
}

// RecordDeliveryDropped records a channel send abandoned after retry exhaustion
func RecordDeliveryDropped(channel string) {
	deliveryDropped.WithLabelValues(channel).Inc()
}

// AddDeliveryJobsInFlight adjusts the in-flight delivery job gauge
func AddDeliveryJobsInFlight(delta int) {
	deliveryJobsInFlight.Add(float64(delta))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
