package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the billing engine. It satisfies
// sequence.Observer and billing.Metrics.
type Metrics struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	numbersIssued      *prometheus.CounterVec
	numberCollisions   *prometheus.CounterVec
	projectionFailures *prometheus.CounterVec
}

// NewMetrics initialises a private registry with the engine metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fdbilling_http_requests_total",
		Help: "Ops HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fdbilling_http_request_duration_seconds",
		Help:    "Ops HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	issued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fdbilling_document_numbers_issued_total",
		Help: "Document numbers allocated by kind and prefix variant.",
	}, []string{"kind", "variant"})
	collisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fdbilling_document_number_collisions_total",
		Help: "Allocated numbers rejected as already stored.",
	}, []string{"kind"})
	projections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fdbilling_invoice_projection_failures_total",
		Help: "Invoice projection refreshes that failed after a ledger change.",
	}, []string{"operation"})
	registry.MustRegister(
		requests, duration, issued, collisions, projections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		numbersIssued:      issued,
		numberCollisions:   collisions,
		projectionFailures: projections,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// NumberIssued counts an allocated document number.
func (m *Metrics) NumberIssued(kind, variant string) {
	if m == nil {
		return
	}
	m.numbersIssued.WithLabelValues(kind, variant).Inc()
}

// NumberCollision counts a number rejected by the store as a duplicate.
func (m *Metrics) NumberCollision(kind string) {
	if m == nil {
		return
	}
	m.numberCollisions.WithLabelValues(kind).Inc()
}

// ProjectionFailed counts a failed invoice refresh.
func (m *Metrics) ProjectionFailed(operation string) {
	if m == nil {
		return
	}
	m.projectionFailures.WithLabelValues(operation).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
