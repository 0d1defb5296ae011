package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailcore_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	bouncesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_bounces_processed_total",
			Help: "Bounce events processed by bounce type and resulting action",
		},
		[]string{"type", "action"},
	)

	repliesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_replies_processed_total",
			Help: "Reply events processed by classification and resulting action",
		},
		[]string{"classification", "action"},
	)

	sequencesPaused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_sequences_paused_total",
			Help: "Lead sequences paused by reason",
		},
		[]string{"reason"},
	)

	segmentConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_segment_conflicts_total",
			Help: "Segment conflicts resolved by conflict type and resolution method",
		},
		[]string{"type", "method"},
	)

	tracesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_traces_completed_total",
			Help: "Audit traces completed by event type and status",
		},
		[]string{"event_type", "status"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_sends_total",
			Help: "Send attempts by outcome",
		},
		[]string{"status"},
	)

	suppressedSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailcore_suppressed_sends_total",
			Help: "Sends blocked by the suppression list",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcore_sqs_messages_in_flight",
			Help: "Current inbound messages being processed from SQS",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcore_rate_limit_rejections_total",
			Help: "Webhook requests rejected by rate limiter",
		},
		[]string{"limiter"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailcore_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcore_db_connections_active",
			Help: "Active database connections",
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

// RecordBounce records one processed bounce event
func RecordBounce(bounceType, action string) {
	bouncesProcessed.WithLabelValues(bounceType, action).Inc()
}

// RecordReply records one processed reply event
func RecordReply(classification, action string) {
	repliesProcessed.WithLabelValues(classification, action).Inc()
}

// RecordSequencesPaused adds n paused sequences under reason
func RecordSequencesPaused(reason string, n int) {
	if n <= 0 {
		return
	}
	sequencesPaused.WithLabelValues(reason).Add(float64(n))
}

// RecordSegmentConflict records one resolved segment conflict
func RecordSegmentConflict(conflictType, method string) {
	segmentConflicts.WithLabelValues(conflictType, method).Inc()
}

// RecordTraceCompleted records an audit trace completion
func RecordTraceCompleted(eventType, status string) {
	tracesCompleted.WithLabelValues(eventType, status).Inc()
}

// RecordSend records the outcome of one send attempt
func RecordSend(status string) {
	sendsTotal.WithLabelValues(status).Inc()
}

// RecordSuppressedSend records a send blocked by the suppression list
func RecordSuppressedSend() {
	suppressedSends.Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(limiter string) {
	rateLimitRejections.WithLabelValues(limiter).Inc()
}

// SetCircuitState publishes the state of the named breaker
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by chi route pattern so path parameters do not explode
// label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
