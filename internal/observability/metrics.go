package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics groups the service's Prometheus instruments.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	SagaStartsTotal      prometheus.Counter
	SagaCompletionsTotal *prometheus.CounterVec
	SagaTransitionsTotal *prometheus.CounterVec
	SagaSignalsTotal     *prometheus.CounterVec
	SagaTimerWakeups     prometheus.Counter
	SagaDriveDuration    prometheus.Histogram

	ActivityAttemptsTotal  *prometheus.CounterVec
	ActivityRetriesTotal   *prometheus.CounterVec
	ActivityDuration       *prometheus.HistogramVec
	CompensationsTotal     *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
	PayoutsTotal           *prometheus.CounterVec
	NotificationsSentTotal *prometheus.CounterVec
}

const namespace = "ordersaga"

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

// InitMetrics creates the service's instruments and registers them with reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal:     counterVec("http_requests_total", "HTTP requests served.", "method", "path_pattern", "status"),
		HTTPRequestDuration:   histogramVec("http_request_duration_seconds", "HTTP request latency.", httpDurationBuckets, "method", "path_pattern"),
		HTTPRequestSizeBytes:  histogramVec("http_request_size_bytes", "HTTP request body size.", bodySizeBuckets, "method", "path_pattern"),
		HTTPResponseSizeBytes: histogramVec("http_response_size_bytes", "HTTP response body size.", bodySizeBuckets, "method", "path_pattern"),

		SagaStartsTotal:      counter("saga_starts_total", "Order sagas started."),
		SagaCompletionsTotal: counterVec("saga_completions_total", "Order sagas that reached a terminal status.", "final_status"),
		SagaTransitionsTotal: counterVec("saga_transitions_total", "Order status transitions.", "to"),
		SagaSignalsTotal:     counterVec("signals_total", "Signals accepted.", "signal"),
		SagaTimerWakeups:     counter("timer_wakeups_total", "Instances re-driven because a deadline passed."),
		SagaDriveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_drive_duration_seconds",
			Help:      "Time spent driving an instance until it parks or finishes.",
			Buckets:   backendDurationBuckets,
		}),

		ActivityAttemptsTotal: counterVec("activity_attempts_total", "Activity attempts by outcome.", "activity", "outcome"),
		ActivityRetriesTotal:  counterVec("activity_retries_total", "Activity retries.", "activity"),
		ActivityDuration:      histogramVec("activity_duration_seconds", "Activity attempt latency.", backendDurationBuckets, "activity"),
		CompensationsTotal:    counterVec("compensations_total", "Compensation actions executed.", "action", "outcome"),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Collaborator circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"service"}),
		PayoutsTotal:           counterVec("payouts_total", "Vendor payouts by final status.", "status"),
		NotificationsSentTotal: counterVec("notifications_sent_total", "Notifications sent by channel.", "channel", "outcome"),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.HTTPRequestSizeBytes, m.HTTPResponseSizeBytes,
		m.SagaStartsTotal, m.SagaCompletionsTotal, m.SagaTransitionsTotal,
		m.SagaSignalsTotal, m.SagaTimerWakeups, m.SagaDriveDuration,
		m.ActivityAttemptsTotal, m.ActivityRetriesTotal, m.ActivityDuration,
		m.CompensationsTotal, m.CircuitBreakerState, m.PayoutsTotal, m.NotificationsSentTotal,
	)
	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without a registry in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSagaStart records a saga start.
func (m *Metrics) RecordSagaStart() {
	if m == nil {
		return
	}
	m.SagaStartsTotal.Inc()
}

// RecordSagaCompletion records a saga reaching a terminal status.
func (m *Metrics) RecordSagaCompletion(finalStatus string) {
	if m == nil {
		return
	}
	m.SagaCompletionsTotal.WithLabelValues(finalStatus).Inc()
}

// RecordTransition records a status transition.
func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.SagaTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordSignal records an accepted signal.
func (m *Metrics) RecordSignal(name string) {
	if m == nil {
		return
	}
	m.SagaSignalsTotal.WithLabelValues(name).Inc()
}

// RecordTimerWakeup records an instance woken by the timer sweep.
func (m *Metrics) RecordTimerWakeup() {
	if m == nil {
		return
	}
	m.SagaTimerWakeups.Inc()
}

// RecordDrive records the duration of one drive of an instance.
func (m *Metrics) RecordDrive(duration time.Duration) {
	if m == nil {
		return
	}
	m.SagaDriveDuration.Observe(duration.Seconds())
}

// RecordActivityAttempt records one attempt of an activity.
// Outcome is "success", "retryable" or "fatal".
func (m *Metrics) RecordActivityAttempt(activity, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ActivityAttemptsTotal.WithLabelValues(activity, outcome).Inc()
	m.ActivityDuration.WithLabelValues(activity).Observe(duration.Seconds())
}

// RecordActivityRetry records a retry of an activity.
func (m *Metrics) RecordActivityRetry(activity string) {
	if m == nil {
		return
	}
	m.ActivityRetriesTotal.WithLabelValues(activity).Inc()
}

// RecordCompensation records a compensation action execution.
func (m *Metrics) RecordCompensation(action, outcome string) {
	if m == nil {
		return
	}
	m.CompensationsTotal.WithLabelValues(action, outcome).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(service string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordPayout records a payout reaching a final status.
func (m *Metrics) RecordPayout(status string) {
	if m == nil {
		return
	}
	m.PayoutsTotal.WithLabelValues(status).Inc()
}

// RecordNotification records a notification send on one channel.
func (m *Metrics) RecordNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsSentTotal.WithLabelValues(channel, outcome).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware records request count, latency and sizes labelled by
// route pattern rather than raw path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		m.RecordHTTPRequest(r.Method, RoutePattern(r), writtenStatus(ww), time.Since(start),
			int(max(r.ContentLength, 0)), ww.BytesWritten())
	})
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RoutePattern returns the chi pattern that matched r, or the raw path when
// no route matched.
func RoutePattern(r *http.Request) string {
	if p, ok := matchedRoute(r.Context()); ok {
		return p
	}
	return r.URL.Path
}

func matchedRoute(ctx context.Context) (string, bool) {
	rc := chi.RouteContext(ctx)
	if rc == nil {
		return "", false
	}
	p := rc.RoutePattern()
	return p, p != ""
}
