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

type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	operation        map[string]int64
	errorType        map[string]int64
	gauges           map[string]float64
	operationOutcome map[string]int64
	planCache        map[string]int64
	resourceTotals   map[string]int64
	llmRequests      int64
	llmLatency       LLMLatencyStat
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LLMLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Operations       map[string]int64        `json:"operations"`
	ErrorTypes       map[string]int64        `json:"error_types"`
	Gauges           map[string]float64      `json:"gauges"`
	OperationOutcome map[string]int64        `json:"operation_outcome"`
	PlanCache        map[string]int64        `json:"plan_cache"`
	ResourceTotals   map[string]int64        `json:"resource_totals"`
	LLMRequests      int64                   `json:"llm_requests_total"`
	LLMLatencyMS     LLMLatencyStat          `json:"llm_latency_ms"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		operation:        map[string]int64{},
		errorType:        map[string]int64{},
		gauges:           map[string]float64{},
		operationOutcome: map[string]int64{},
		planCache:        map[string]int64{},
		resourceTotals:   map[string]int64{},
		Histograms:       NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncOperation(op string) {
	if op == "" {
		return
	}
	r.mu.Lock()
	r.operation[op]++
	r.mu.Unlock()
}

func (r *Registry) IncErrorType(errType string) {
	if errType == "" {
		return
	}
	r.mu.Lock()
	r.errorType[errType]++
	r.mu.Unlock()
}

func (r *Registry) IncOperationOutcome(op, outcome string) {
	op = strings.TrimSpace(op)
	outcome = strings.TrimSpace(outcome)
	if op == "" {
		return
	}
	if outcome == "" {
		outcome = "UNKNOWN"
	}
	key := op + "|" + outcome
	r.mu.Lock()
	r.operationOutcome[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveLLMLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llmRequests++
	r.llmLatency.Count++
	r.llmLatency.TotalMS += ms
	r.llmLatency.LastMS = ms
	if ms > r.llmLatency.MaxMS {
		r.llmLatency.MaxMS = ms
	}
	r.llmLatency.AvgMS = float64(r.llmLatency.TotalMS) / float64(r.llmLatency.Count)
}

// IncPlanCache records a planner cache lookup result: "hit" or "miss".
func (r *Registry) IncPlanCache(result string) {
	result = strings.TrimSpace(strings.ToLower(result))
	if result == "" {
		return
	}
	r.mu.Lock()
	r.planCache[result]++
	r.mu.Unlock()
}

func (r *Registry) IncResource(resource string) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return
	}
	r.mu.Lock()
	r.resourceTotals[resource]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Operations:       make(map[string]int64, len(r.operation)),
		ErrorTypes:       make(map[string]int64, len(r.errorType)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		OperationOutcome: make(map[string]int64, len(r.operationOutcome)),
		PlanCache:        make(map[string]int64, len(r.planCache)),
		ResourceTotals:   make(map[string]int64, len(r.resourceTotals)),
		LLMRequests:      r.llmRequests,
		LLMLatencyMS: LLMLatencyStat{
			Count:   r.llmLatency.Count,
			TotalMS: r.llmLatency.TotalMS,
			MaxMS:   r.llmLatency.MaxMS,
			LastMS:  r.llmLatency.LastMS,
			AvgMS:   r.llmLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.operation {
		out.Operations[k] = v
	}
	for k, v := range r.errorType {
		out.ErrorTypes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.operationOutcome {
		out.OperationOutcome[k] = v
	}
	for k, v := range r.planCache {
		out.PlanCache[k] = v
	}
	for k, v := range r.resourceTotals {
		out.ResourceTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP gateway_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE gateway_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP gateway_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE gateway_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP gateway_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE gateway_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "gateway_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP gateway_operation_total executed operations by kind\n")
		b.WriteString("# TYPE gateway_operation_total counter\n")
		for _, op := range SortedKeys(snap.Operations) {
			fmt.Fprintf(b, "gateway_operation_total{op=%q} %d\n", op, snap.Operations[op])
		}
		b.WriteString("# HELP gateway_error_total rejected requests by error type\n")
		b.WriteString("# TYPE gateway_error_total counter\n")
		for _, errType := range SortedKeys(snap.ErrorTypes) {
			fmt.Fprintf(b, "gateway_error_total{type=%q} %d\n", errType, snap.ErrorTypes[errType])
		}
		b.WriteString("# HELP gateway_gauge operational gauge metrics\n")
		b.WriteString("# TYPE gateway_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "gateway_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP gateway_latency_seconds latency histogram\n")
			b.WriteString("# TYPE gateway_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "gateway_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "gateway_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gateway_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "gateway_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "gateway_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "gateway_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "gateway_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP gateway_operation_outcome_total pipeline outcomes by operation\n")
		b.WriteString("# TYPE gateway_operation_outcome_total counter\n")
		for _, key := range SortedKeys(snap.OperationOutcome) {
			parts := strings.SplitN(key, "|", 2)
			op := parts[0]
			outcome := "UNKNOWN"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "gateway_operation_outcome_total{op=%q,outcome=%q} %d\n", op, outcome, snap.OperationOutcome[key])
		}

		b.WriteString("# HELP gateway_llm_latency_ms model call latency in ms\n")
		b.WriteString("# TYPE gateway_llm_latency_ms gauge\n")
		fmt.Fprintf(b, "gateway_llm_latency_ms{stat=%q} %d\n", "last", snap.LLMLatencyMS.LastMS)
		fmt.Fprintf(b, "gateway_llm_latency_ms{stat=%q} %.3f\n", "avg", snap.LLMLatencyMS.AvgMS)
		fmt.Fprintf(b, "gateway_llm_latency_ms{stat=%q} %d\n", "max", snap.LLMLatencyMS.MaxMS)

		b.WriteString("# HELP gateway_plan_cache_total planner cache lookups by result\n")
		b.WriteString("# TYPE gateway_plan_cache_total counter\n")
		for _, result := range SortedKeys(snap.PlanCache) {
			fmt.Fprintf(b, "gateway_plan_cache_total{result=%q} %d\n", result, snap.PlanCache[result])
		}

		b.WriteString("# HELP gateway_resource_total executed requests by resource\n")
		b.WriteString("# TYPE gateway_resource_total counter\n")
		for _, resource := range SortedKeys(snap.ResourceTotals) {
			fmt.Fprintf(b, "gateway_resource_total{resource=%q} %d\n", resource, snap.ResourceTotals[resource])
		}

		b.WriteString("# HELP gateway_llm_requests_total model calls issued\n")
		b.WriteString("# TYPE gateway_llm_requests_total counter\n")
		fmt.Fprintf(b, "gateway_llm_requests_total %d\n", snap.LLMRequests)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
