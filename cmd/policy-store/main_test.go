package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mkanal/item-relationship-service/pkg/events"
	"github.com/mkanal/item-relationship-service/pkg/metrics"
	"github.com/mkanal/item-relationship-service/pkg/policystore"
	"github.com/mkanal/item-relationship-service/pkg/ratelimit"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hub := events.NewHub()
	s := &Server{
		Store:               policystore.NewService(policystore.NewMemoryRepository(), hub, nil),
		Hub:                 hub,
		APIKeyHeader:        "X-Api-Key",
		APIKeySecret:        "test-secret",
		MaxRequestBodyBytes: 1 << 20,
	}
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-Api-Key", "test-secret")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, respBody
}

func validUntil(t *testing.T) string {
	t.Helper()
	return time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
}

func TestHealthzIsPublic(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPoliciesRequireAPIKey(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/irs/policies")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("missing key status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/irs/policies", nil)
	req.Header.Set("X-Api-Key", "wrong")
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 403 {
		t.Fatalf("wrong key status = %d", resp.StatusCode)
	}
}

func TestRegisterAndGetPolicies(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodPost, "/irs/policies", `{
		"policyId": "traceability-core",
		"businessPartnerNumbers": ["BPNL00000003AYRE"],
		"validUntil": "`+validUntil(t)+`",
		"payload": {"@type": "Set"}
	}`)
	if resp.StatusCode != 201 {
		t.Fatalf("register status = %d body = %s", resp.StatusCode, body)
	}
	var created map[string]string
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("register body: %v", err)
	}
	if created["policyId"] != "traceability-core" {
		t.Fatalf("created = %v", created)
	}

	resp, body = doJSON(t, ts, http.MethodGet, "/irs/policies?businessPartnerNumbers=BPNL00000003AYRE", "")
	if resp.StatusCode != 200 {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var grouped map[string][]policystore.Policy
	if err := json.Unmarshal(body, &grouped); err != nil {
		t.Fatalf("get body: %v", err)
	}
	if len(grouped["BPNL00000003AYRE"]) != 1 {
		t.Fatalf("grouped = %v", grouped)
	}
}

func TestRegisterValidationFailures(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := doJSON(t, ts, http.MethodPost, "/irs/policies", `{"policyId": "p1"`)
	if resp.StatusCode != 400 {
		t.Fatalf("broken json status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodPost, "/irs/policies", `{"policyId": "p1", "validUntil": "not-a-date", "payload": {}}`)
	if resp.StatusCode != 400 {
		t.Fatalf("bad date status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodPost, "/irs/policies", `{"policyId": "p1", "businessPartnerNumbers": ["nope"], "validUntil": "`+validUntil(t)+`", "payload": {}}`)
	if resp.StatusCode != 400 {
		t.Fatalf("bad bpn status = %d", resp.StatusCode)
	}
}

func TestPagedEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		resp, body := doJSON(t, ts, http.MethodPost, "/irs/policies", `{
			"policyId": "`+id+`",
			"businessPartnerNumbers": ["BPNL00000003AYRE"],
			"validUntil": "`+validUntil(t)+`",
			"payload": {}
		}`)
		if resp.StatusCode != 201 {
			t.Fatalf("register %s: %d %s", id, resp.StatusCode, body)
		}
	}

	resp, body := doJSON(t, ts, http.MethodGet, "/irs/policies/paged?size=2&sort=policyId,desc&search=policyId,STARTS_WITH,p-", "")
	if resp.StatusCode != 200 {
		t.Fatalf("paged status = %d body = %s", resp.StatusCode, body)
	}
	var page policystore.Page
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("paged body: %v", err)
	}
	if page.TotalItems != 3 || page.TotalPages != 2 || len(page.Content) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Content[0].Policy.PolicyID != "p-3" {
		t.Fatalf("sort order = %+v", page.Content)
	}

	resp, _ = doJSON(t, ts, http.MethodGet, "/irs/policies/paged?search=bogus", "")
	if resp.StatusCode != 400 {
		t.Fatalf("bad search status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodGet, "/irs/policies/paged?sort=bogus,asc", "")
	if resp.StatusCode != 400 {
		t.Fatalf("bad sort status = %d", resp.StatusCode)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	_, ts := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodPost, "/irs/policies", `{
		"policyId": "p-1",
		"businessPartnerNumbers": ["BPNL00000001AAAA"],
		"validUntil": "`+validUntil(t)+`",
		"payload": {}
	}`)
	if resp.StatusCode != 201 {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodPut, "/irs/policies", `{
		"policyIds": ["p-1"],
		"businessPartnerNumbers": ["BPNL00000002BBBB"],
		"validUntil": "`+validUntil(t)+`"
	}`)
	if resp.StatusCode != 204 {
		t.Fatalf("update status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodDelete, "/irs/policies/p-1/bpnl/BPNL00000002BBBB", "")
	if resp.StatusCode != 204 {
		t.Fatalf("delete for bpn status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodDelete, "/irs/policies/p-1", "")
	if resp.StatusCode != 404 {
		t.Fatalf("delete gone status = %d", resp.StatusCode)
	}
}

func TestStreamPolicyChanges(t *testing.T) {
	s, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/irs/policies/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-Api-Key": []string{"test-secret"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a moment to register the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.Hub.Publish(events.NewPolicyChange(events.PolicyRegistered, "p-1", nil))
		readCtx, cancelRead := context.WithTimeout(ctx, 200*time.Millisecond)
		var change events.PolicyChange
		err = wsjson.Read(readCtx, conn, &change)
		cancelRead()
		if err == nil {
			if change.PolicyID != "p-1" {
				t.Fatalf("change = %+v", change)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no event received: %v", err)
		}
	}
}

func TestMetricsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	s.Metrics = metrics.NewRegistry()
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	promBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(promBody), `irs_endpoint_count{endpoint="/healthz"} 1`) {
		t.Fatalf("metrics body = %s", promBody)
	}

	resp, err = ts.Client().Get(ts.URL + "/metricsz")
	if err != nil {
		t.Fatalf("metricsz: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("metricsz content type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestRateLimiting(t *testing.T) {
	s, _ := newTestServer(t)
	s.Limiter = ratelimit.NewInMemory(time.Minute)
	s.RateLimit = 1
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/irs/policies", nil)
	req.Header.Set("X-Api-Key", "test-secret")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 429 {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
}

func TestRunWiresFakes(t *testing.T) {
	t.Setenv("API_KEY_SECRET", "test-secret")
	var listened bool
	err := run(
		func(context.Context, string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(context.Context) (policystore.Repository, func(), error) {
			return policystore.NewMemoryRepository(), func() {}, nil
		},
		func() (events.Publisher, error) { return events.NopPublisher{}, nil },
		func(server *http.Server) error {
			listened = server.Addr != ""
			return nil
		},
	)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !listened {
		t.Fatal("listen was not called")
	}
}

func TestRunPropagatesFailures(t *testing.T) {
	telemetryOK := func(context.Context, string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	if err := run(
		func(context.Context, string) (func(context.Context) error, error) {
			return nil, errors.New("telemetry down")
		}, nil, nil, nil,
	); err == nil {
		t.Fatal("expected telemetry error")
	}
	if err := run(telemetryOK,
		func(context.Context) (policystore.Repository, func(), error) {
			return nil, nil, errors.New("db down")
		}, nil, nil,
	); err == nil {
		t.Fatal("expected repository error")
	}
	if err := run(telemetryOK,
		func(context.Context) (policystore.Repository, func(), error) {
			return policystore.NewMemoryRepository(), nil, nil
		},
		func() (events.Publisher, error) { return nil, errors.New("kafka down") },
		nil,
	); err == nil {
		t.Fatal("expected publisher error")
	}
}

func TestMainUsesLogFatalf(t *testing.T) {
	prevFatal := logFatalf
	prevListen := listenFn
	prevTelemetry := initTelemetryFn
	prevRepo := openRepoFn
	prevPublisher := openPublisherFn
	defer func() {
		logFatalf = prevFatal
		listenFn = prevListen
		initTelemetryFn = prevTelemetry
		openRepoFn = prevRepo
		openPublisherFn = prevPublisher
	}()

	var fatalMsg string
	logFatalf = func(format string, v ...any) { fatalMsg = format }
	initTelemetryFn = func(context.Context, string) (func(context.Context) error, error) {
		return nil, errors.New("boom")
	}
	main()
	if fatalMsg == "" {
		t.Fatal("expected fatal log on telemetry failure")
	}
}
