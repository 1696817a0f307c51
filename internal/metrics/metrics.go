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
			Name: "tandem_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandem_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_dispatch_ticks_total",
			Help: "Dispatch ticks by side (server|client) and result",
		},
		[]string{"side", "result"},
	)

	tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandem_dispatch_tick_duration_seconds",
			Help:    "Wall time of one dispatch tick",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
		},
		[]string{"side"},
	)

	remindersSelected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_reminders_selected_total",
			Help: "Reminders selected by a tick, by phase (due|overdue)",
		},
		[]string{"side", "phase"},
	)

	deliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_delivery_outcomes_total",
			Help: "Per-recipient delivery outcomes by kind",
		},
		[]string{"kind"},
	)

	rollForwards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_roll_forwards_total",
			Help: "Recurring reminder roll-forwards by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	overdueSummaries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_overdue_summaries_total",
			Help: "Aggregate overdue notifications by side",
		},
		[]string{"side"},
	)

	claimsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_dispatch_claims_skipped_total",
			Help: "Occurrences skipped because another tick held the claim",
		},
	)

	localScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_local_notifications_scheduled_total",
			Help: "Local notifications scheduled by the client job, by kind (due|warning|overdue)",
		},
		[]string{"kind"},
	)

	cleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_cleanup_deleted_total",
			Help: "Completed reminders removed by retention cleanup",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	changeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_change_events_total",
			Help: "Reminder change events consumed, by result",
		},
		[]string{"result"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_rate_limit_rejections_total",
			Help: "Admin requests rejected by the rate limiter",
		},
		[]string{"route"},
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

// RecordTick records one finished tick. result is "ok" or "error".
func RecordTick(side, result string, duration time.Duration) {
	ticksTotal.WithLabelValues(side, result).Inc()
	tickDuration.WithLabelValues(side).Observe(duration.Seconds())
}

// RecordSelected adds n selected reminders for a phase.
func RecordSelected(side, phase string, n int) {
	remindersSelected.WithLabelValues(side, phase).Add(float64(n))
}

// RecordDeliveryOutcome counts one recipient outcome; kind is "success" or
// the outcome's error kind.
func RecordDeliveryOutcome(kind string) {
	deliveryOutcomes.WithLabelValues(kind).Inc()
}

// RecordRollForward counts a roll-forward attempt.
func RecordRollForward(trigger, result string) {
	rollForwards.WithLabelValues(trigger, result).Inc()
}

// RecordOverdueSummary counts an aggregate overdue notification.
func RecordOverdueSummary(side string) {
	overdueSummaries.WithLabelValues(side).Inc()
}

// RecordClaimSkipped counts an occurrence another tick already claimed.
func RecordClaimSkipped() {
	claimsSkipped.Inc()
}

// RecordLocalScheduled counts a local notification scheduled by the client.
func RecordLocalScheduled(kind string) {
	localScheduled.WithLabelValues(kind).Inc()
}

// RecordCleanup adds n deleted reminders.
func RecordCleanup(n int64) {
	cleanupDeleted.Add(float64(n))
}

// SetBreakerState publishes a breaker's state as its numeric value.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordChangeEvent counts a published or consumed change event by result.
func RecordChangeEvent(result string) {
	changeEvents.WithLabelValues(result).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(route string) {
	rateLimitRejections.WithLabelValues(route).Inc()
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

		// Route patterns keep /v1/reminders/{id}/... to one series.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
