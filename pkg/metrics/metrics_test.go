package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserve(t *testing.T) {
	r := NewRegistry()
	r.Observe("/irs/policies", 201, 20*time.Millisecond)
	r.Observe("/irs/policies", 500, 40*time.Millisecond)
	r.Observe("/healthz", 200, time.Millisecond)

	snap := r.Snapshot()
	stat := snap.Endpoints["/irs/policies"]
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("stat = %+v", stat)
	}
	if stat.AverageMillis < 20 || stat.AverageMillis > 40 {
		t.Fatalf("average = %f", stat.AverageMillis)
	}
	if len(snap.Histograms) != 2 {
		t.Fatalf("histograms = %d", len(snap.Histograms))
	}
}

func TestRegistryPolicyChangesAndGauges(t *testing.T) {
	r := NewRegistry()
	r.IncPolicyChange("policy.registered")
	r.IncPolicyChange("policy.registered")
	r.IncPolicyChange("policy.deleted")
	r.SetGauge("subscribers", 3)

	snap := r.Snapshot()
	if snap.PolicyChanges["policy.registered"] != 2 || snap.PolicyChanges["policy.deleted"] != 1 {
		t.Fatalf("changes = %v", snap.PolicyChanges)
	}
	if snap.Gauges["subscribers"] != 3 {
		t.Fatalf("gauges = %v", snap.Gauges)
	}
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram("test")
	for i := 0; i < 99; i++ {
		h.Observe(10 * time.Millisecond)
	}
	h.Observe(2 * time.Second)

	snap := h.Snapshot()
	if snap.Count != 100 {
		t.Fatalf("count = %d", snap.Count)
	}
	if snap.P50 > 0.05 {
		t.Fatalf("p50 = %f", snap.P50)
	}
	if snap.P99 < 0.01 {
		t.Fatalf("p99 = %f", snap.P99)
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	r := NewRegistry()
	handler := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/irs/policies", nil))

	snap := r.Snapshot()
	if snap.Endpoints["/irs/policies"].ErrorCount != 1 {
		t.Fatalf("snapshot = %+v", snap.Endpoints)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("/irs/policies", 200, 5*time.Millisecond)
	r.IncPolicyChange("policy.updated")

	rr := httptest.NewRecorder()
	r.PrometheusHandler()(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`irs_endpoint_count{endpoint="/irs/policies"} 1`,
		`irs_policy_changes_total{type="policy.updated"} 1`,
		`irs_latency_seconds_count{endpoint="/irs/policies"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("content type = %q", got)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("/healthz", 200, time.Millisecond)
	rr := httptest.NewRecorder()
	r.Handler()(rr, httptest.NewRequest(http.MethodGet, "/metricsz", nil))
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("content type = %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), `"/healthz"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}
