package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zmeta"

// HTTP metrics (incremented by middleware).
var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Ingest counters (incremented by the Registry note methods).
var (
	udpReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "udp_received_total",
		Help:      "Total UDP datagrams received.",
	})
	validatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validated_total",
		Help:      "Total payloads accepted by the ingest pipeline.",
	})
	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_total",
		Help:      "Total payloads dropped before acceptance.",
	})
	alertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Total alerts broadcast after deduplication.",
	})
	wsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_sent_total",
		Help:      "Total WebSocket frames sent to subscribers.",
	})
	wsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_dropped_total",
		Help:      "Total WebSocket messages dropped under backpressure.",
	})
	recorderDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recorder_dropped_total",
		Help:      "Total recorder entries dropped on queue overflow.",
	})
	adapterMatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adapter_matches_total",
		Help:      "Payloads normalized per adapter (including native).",
	}, []string{"adapter"})
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		udpReceivedTotal,
		validatedTotal,
		droppedTotal,
		alertsTotal,
		wsSentTotal,
		wsDroppedTotal,
		recorderDroppedTotal,
		adapterMatchesTotal,
	)
}

// InstrumentHandler records request metrics using chi's route pattern as
// the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		httpRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap supports http.ResponseController and middleware that look for
// wrapped writers (e.g. http.Hijacker for the WebSocket upgrade).
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
