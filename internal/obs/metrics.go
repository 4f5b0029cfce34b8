package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Authorization-plane metrics.
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Policy decisions by outcome.",
		},
		[]string{"decision", "cached"},
	)

	authzDecisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authz_decision_duration_seconds",
		Help:    "Policy decision latency in seconds.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})

	sessionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_checks_total",
			Help: "Session validity checks by result.",
		},
		[]string{"result"},
	)

	jwksRefreshTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jwks_refresh_total",
		Help: "JWKS refresh attempts.",
	})

	jwksRefreshErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jwks_refresh_errors_total",
		Help: "Failed JWKS refresh attempts.",
	})

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit log writes that could not be persisted.",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authzDecisions, authzDecisionDuration, sessionChecks,
		jwksRefreshTotal, jwksRefreshErrors, auditWriteFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision counts one policy decision outcome.
func RecordDecision(decision string, cached bool, d time.Duration) {
	cachedLabel := "no"
	if cached {
		cachedLabel = "yes"
	}
	authzDecisions.WithLabelValues(decision, cachedLabel).Inc()
	authzDecisionDuration.Observe(d.Seconds())
}

// RecordSessionCheck counts one session validity check.
func RecordSessionCheck(valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	sessionChecks.WithLabelValues(result).Inc()
}

// RecordJWKSRefresh counts a JWKS refresh attempt and its failure, if any.
func RecordJWKSRefresh(failed bool) {
	jwksRefreshTotal.Inc()
	if failed {
		jwksRefreshErrors.Inc()
	}
}

// RecordAuditWriteFailure counts a dropped audit record.
func RecordAuditWriteFailure() {
	auditWriteFailures.Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
