// Package metrics keeps in-process counters and latency histograms for
// the policy store and serves them as JSON or Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultBuckets are latency bounds in seconds.
var defaultBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// HistogramBucket counts observations at or below an upper bound.
type HistogramBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// Histogram tracks a latency distribution per endpoint.
type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

func NewHistogram(name string) *Histogram {
	buckets := make([]HistogramBucket, len(defaultBuckets))
	for i, le := range defaultBuckets {
		buckets[i] = HistogramBucket{Le: le}
	}
	return &Histogram{name: name, buckets: buckets}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	h.sum += sec
	h.count++
	for i := range h.buckets {
		if sec <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
	h.mu.Unlock()
}

// HistogramSnapshot is a point-in-time copy with estimated percentiles.
type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum"`
	Buckets []HistogramBucket `json:"buckets"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Name:    h.name,
		Count:   h.count,
		Sum:     h.sum,
		Buckets: append([]HistogramBucket(nil), h.buckets...),
	}
	snap.P50 = h.percentileLocked(0.50)
	snap.P95 = h.percentileLocked(0.95)
	snap.P99 = h.percentileLocked(0.99)
	return snap
}

func (h *Histogram) percentileLocked(p float64) float64 {
	if h.count == 0 {
		return 0
	}
	target := int64(p * float64(h.count))
	if target < 1 {
		target = 1
	}
	for _, b := range h.buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	return defaultBuckets[len(defaultBuckets)-1]
}

// EndpointStat aggregates request counts and latency per route.
type EndpointStat struct {
	Count         int64   `json:"count"`
	ErrorCount    int64   `json:"error_count"`
	TotalMillis   int64   `json:"total_millis"`
	MaxMillis     int64   `json:"max_millis"`
	AverageMillis float64 `json:"average_millis"`
}

// Snapshot is a point-in-time copy of every metric in the registry.
type Snapshot struct {
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	PolicyChanges map[string]int64        `json:"policy_changes"`
	Gauges        map[string]float64      `json:"gauges"`
	Histograms    []HistogramSnapshot     `json:"histograms"`
}

// Registry holds the metrics of one process.
type Registry struct {
	mu            sync.Mutex
	endpoints     map[string]*EndpointStat
	policyChanges map[string]int64
	gauges        map[string]float64
	histograms    map[string]*Histogram
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints:     map[string]*EndpointStat{},
		policyChanges: map[string]int64{},
		gauges:        map[string]float64{},
		histograms:    map[string]*Histogram{},
	}
}

// Observe records one handled request.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	stat, ok := r.endpoints[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoints[path] = stat
	}
	stat.Count++
	if status >= 500 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	h, ok := r.histograms[path]
	if !ok {
		h = NewHistogram(path)
		r.histograms[path] = h
	}
	r.mu.Unlock()
	h.Observe(d)
}

// IncPolicyChange counts one policy mutation by change type.
func (r *Registry) IncPolicyChange(changeType string) {
	r.mu.Lock()
	r.policyChanges[changeType]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	snap := Snapshot{
		Endpoints:     make(map[string]EndpointStat, len(r.endpoints)),
		PolicyChanges: make(map[string]int64, len(r.policyChanges)),
		Gauges:        make(map[string]float64, len(r.gauges)),
	}
	for path, stat := range r.endpoints {
		copied := *stat
		if copied.Count > 0 {
			copied.AverageMillis = float64(copied.TotalMillis) / float64(copied.Count)
		}
		snap.Endpoints[path] = copied
	}
	for changeType, count := range r.policyChanges {
		snap.PolicyChanges[changeType] = count
	}
	for name, value := range r.gauges {
		snap.Gauges[name] = value
	}
	histograms := make([]*Histogram, 0, len(r.histograms))
	for _, h := range r.histograms {
		histograms = append(histograms, h)
	}
	r.mu.Unlock()

	for _, h := range histograms {
		snap.Histograms = append(snap.Histograms, h.Snapshot())
	}
	sort.Slice(snap.Histograms, func(i, j int) bool {
		return snap.Histograms[i].Name < snap.Histograms[j].Name
	})
	return snap
}

// Middleware observes every request passing through it.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.Observe(req.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Handler serves the snapshot as indented JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

// PrometheusHandler serves the snapshot in Prometheus text format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		b.WriteString("# HELP irs_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE irs_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "irs_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP irs_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE irs_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "irs_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP irs_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE irs_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "irs_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}

		b.WriteString("# HELP irs_policy_changes_total policy mutations by change type\n")
		b.WriteString("# TYPE irs_policy_changes_total counter\n")
		for _, changeType := range sortedKeys(snap.PolicyChanges) {
			fmt.Fprintf(b, "irs_policy_changes_total{type=%q} %d\n", changeType, snap.PolicyChanges[changeType])
		}

		b.WriteString("# HELP irs_gauge operational gauge metrics\n")
		b.WriteString("# TYPE irs_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "irs_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		for _, h := range snap.Histograms {
			b.WriteString("# HELP irs_latency_seconds latency histogram\n")
			b.WriteString("# TYPE irs_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "irs_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "irs_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "irs_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "irs_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "irs_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
