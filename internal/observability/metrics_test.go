package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	jobmetrics "github.com/folkdrive/fdbilling/internal/jobs"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("invoice:recompute").End(nil)

	body := scrape(t, metrics)
	if !strings.Contains(body, `fdbilling_jobs_total{job="invoice:recompute",status="success"} 1`) {
		t.Fatalf("expected body to contain fdbilling_jobs_total, got: %s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected runtime collectors, got: %s", body)
	}
}

func TestMetricsRecordEngineEvents(t *testing.T) {
	metrics := NewMetrics()
	metrics.NumberIssued("invoice", "FD")
	metrics.NumberIssued("invoice", "FD")
	metrics.NumberIssued("work_order", "FDWO1")
	metrics.NumberCollision("work_order")
	metrics.ProjectionFailed("record_payment")

	body := scrape(t, metrics)
	for _, want := range []string{
		`fdbilling_document_numbers_issued_total{kind="invoice",variant="FD"} 2`,
		`fdbilling_document_numbers_issued_total{kind="work_order",variant="FDWO1"} 1`,
		`fdbilling_document_number_collisions_total{kind="work_order"} 1`,
		`fdbilling_invoice_projection_failures_total{operation="record_payment"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics, got: %s", want, body)
		}
	}

	var nilMetrics *Metrics
	nilMetrics.NumberIssued("invoice", "FD")
	nilMetrics.NumberCollision("invoice")
	nilMetrics.ProjectionFailed("record_payment")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}
