package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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

// Auth metrics.
var (
	loginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	loginDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_login_duration_seconds",
			Help:    "Login decision latency in seconds.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"outcome"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_lockouts_total",
		Help: "Identifiers that transitioned to locked.",
	})

	auditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_audit_events_total",
			Help: "Security events handed to the audit pipeline.",
		},
		[]string{"kind"},
	)

	auditDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_audit_events_dropped_total",
		Help: "Security events dropped because the audit buffer was full.",
	})

	auditFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_audit_sink_failures_total",
		Help: "Security events a sink failed to persist.",
	})

	attemptRecordsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_attempt_records_pruned_total",
		Help: "Stale brute-force records removed by the pruner.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_ready",
		Help: "1 when the service dependencies answered the last readiness probe.",
	})
)

var initOnce sync.Once

// Init registers metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttemptsTotal, loginDuration, lockoutsTotal,
			auditEventsTotal, auditDroppedTotal, auditFailuresTotal,
			attemptRecordsPruned, readyGauge,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login decision and its latency.
func ObserveLogin(outcome string, d time.Duration) {
	loginAttemptsTotal.WithLabelValues(outcome).Inc()
	loginDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordLockout counts a lockout transition.
func RecordLockout() { lockoutsTotal.Inc() }

// RecordAuditEvent counts an event accepted by the audit pipeline.
func RecordAuditEvent(kind string) { auditEventsTotal.WithLabelValues(kind).Inc() }

// RecordAuditDrop counts an event dropped on a full buffer.
func RecordAuditDrop() { auditDroppedTotal.Inc() }

// RecordAuditFailure counts an event a sink could not persist.
func RecordAuditFailure() { auditFailuresTotal.Inc() }

// RecordPruned counts pruned attempt records.
func RecordPruned(n int) { attemptRecordsPruned.Add(float64(n)) }

// SetReady publishes the last readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures request count, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var knownPaths = map[string]struct{}{
	"/healthz":                   {},
	"/readyz":                    {},
	"/metrics":                   {},
	"/v1/info":                   {},
	"/v1/auth/login":             {},
	"/v1/auth/session":           {},
	"/v1/auth/permissions/check": {},
	"/v1/auth/permissions/me":    {},
	"/v1/audit/events":           {},
	"/v1/audit/stream":           {},
}

// CanonicalPath bounds label cardinality: unknown paths collapse to "other".
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "/" {
		return path
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
