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

// Registry collects connector counters: HTTP endpoint stats, inbound
// message types, wire rejections, negotiation outcomes and access
// decisions. Exposed as JSON and Prometheus text.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	messageType map[string]int64
	rejection   map[string]int64
	agreements  map[string]int64
	access      map[string]int64
	gauges      map[string]float64
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt  string                  `json:"generated_at"`
	Endpoints    map[string]EndpointStat `json:"endpoints"`
	MessageTypes map[string]int64        `json:"message_types"`
	Rejections   map[string]int64        `json:"rejections"`
	Agreements   map[string]int64        `json:"agreements"`
	Access       map[string]int64        `json:"access"`
	Gauges       map[string]float64      `json:"gauges"`
	Histograms   []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		messageType: map[string]int64{},
		rejection:   map[string]int64{},
		agreements:  map[string]int64{},
		access:      map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
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

// IncMessageType counts one dispatched inbound message.
func (r *Registry) IncMessageType(msgType string) {
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		msgType = "UNKNOWN"
	}
	r.mu.Lock()
	r.messageType[msgType]++
	r.mu.Unlock()
}

// IncRejection counts one wire rejection by reason.
func (r *Registry) IncRejection(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.rejection[reason]++
	r.mu.Unlock()
}

// IncAgreement counts a negotiation outcome: "created" or "replayed".
func (r *Registry) IncAgreement(outcome string) {
	outcome = strings.TrimSpace(strings.ToLower(outcome))
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.agreements[outcome]++
	r.mu.Unlock()
}

// IncAccess counts an access-gating decision: "granted" or "denied".
func (r *Registry) IncAccess(decision string) {
	decision = strings.TrimSpace(strings.ToLower(decision))
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.access[decision]++
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
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		MessageTypes: make(map[string]int64, len(r.messageType)),
		Rejections:   make(map[string]int64, len(r.rejection)),
		Agreements:   make(map[string]int64, len(r.agreements)),
		Access:       make(map[string]int64, len(r.access)),
		Gauges:       make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.messageType {
		out.MessageTypes[k] = v
	}
	for k, v := range r.rejection {
		out.Rejections[k] = v
	}
	for k, v := range r.agreements {
		out.Agreements[k] = v
	}
	for k, v := range r.access {
		out.Access[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
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
		b.WriteString("# HELP dataspace_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE dataspace_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "dataspace_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP dataspace_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE dataspace_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "dataspace_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP dataspace_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE dataspace_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "dataspace_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP dataspace_message_total inbound negotiation messages by type\n")
		b.WriteString("# TYPE dataspace_message_total counter\n")
		for _, msgType := range SortedKeys(snap.MessageTypes) {
			fmt.Fprintf(b, "dataspace_message_total{type=%q} %d\n", msgType, snap.MessageTypes[msgType])
		}
		b.WriteString("# HELP dataspace_rejection_total wire rejections by reason\n")
		b.WriteString("# TYPE dataspace_rejection_total counter\n")
		for _, reason := range SortedKeys(snap.Rejections) {
			fmt.Fprintf(b, "dataspace_rejection_total{reason=%q} %d\n", reason, snap.Rejections[reason])
		}
		b.WriteString("# HELP dataspace_agreement_total negotiation outcomes\n")
		b.WriteString("# TYPE dataspace_agreement_total counter\n")
		for _, outcome := range SortedKeys(snap.Agreements) {
			fmt.Fprintf(b, "dataspace_agreement_total{outcome=%q} %d\n", outcome, snap.Agreements[outcome])
		}
		b.WriteString("# HELP dataspace_access_total access-gating decisions\n")
		b.WriteString("# TYPE dataspace_access_total counter\n")
		for _, decision := range SortedKeys(snap.Access) {
			fmt.Fprintf(b, "dataspace_access_total{decision=%q} %d\n", decision, snap.Access[decision])
		}
		b.WriteString("# HELP dataspace_gauge operational gauges\n")
		b.WriteString("# TYPE dataspace_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "dataspace_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP dataspace_latency_seconds latency histogram\n")
			b.WriteString("# TYPE dataspace_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "dataspace_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "dataspace_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "dataspace_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "dataspace_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "dataspace_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "dataspace_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "dataspace_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

// SortedKeys returns map keys in stable order for exposition.
func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
