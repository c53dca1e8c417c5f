// Package metrics is a small Prometheus-compatible registry for omnimap.
// It renders the text exposition format directly.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewRegistry()

type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

func (r *Registry) Uptime() time.Duration { return time.Since(r.startTime) }

type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram keeps cumulative bucket counts.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func seriesKey(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns the counter for name and labels, creating it on first use.
// labels is a preformatted Prometheus label list such as `type="extract"`.
func (r *Registry) Counter(name, help, labels string) *Counter {
	key := seriesKey(name, labels)
	r.mu.RLock()
	c, ok := r.counters[key]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c = &Counter{name: name, help: help, labels: labels}
	r.counters[key] = c
	return c
}

func (r *Registry) Gauge(name, help, labels string) *Gauge {
	key := seriesKey(name, labels)
	r.mu.RLock()
	g, ok := r.gauges[key]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g = &Gauge{name: name, help: help, labels: labels}
	r.gauges[key] = g
	return g
}

func (r *Registry) Histogram(name, help, labels string, bounds []float64) *Histogram {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	h := &Histogram{name: name, help: help, labels: labels, bounds: sorted, buckets: make([]int64, len(sorted))}
	r.histograms[key] = h
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeSeries(w io.Writer, name, labels string, value any) {
	if labels != "" {
		fmt.Fprintf(w, "%s{%s} %v\n", name, labels, value)
		return
	}
	fmt.Fprintf(w, "%s %v\n", name, value)
}

// WriteText renders every series in Prometheus text format, ordered by name.
func (r *Registry) WriteText(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintf(w, "# HELP omnimap_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(w, "# TYPE omnimap_uptime_seconds gauge\n")
	fmt.Fprintf(w, "omnimap_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	seen := make(map[string]bool)
	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		if !seen[c.name] {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
			seen[c.name] = true
		}
		writeSeries(w, c.name, c.labels, c.Value())
	}
	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		if !seen[g.name] {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			seen[g.name] = true
		}
		writeSeries(w, g.name, g.labels, g.Value())
	}
	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		h.mu.Lock()
		if !seen[h.name] {
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
			seen[h.name] = true
		}
		prefix := ""
		if h.labels != "" {
			prefix = h.labels + ","
		}
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			fmt.Fprintf(w, "%s_bucket{%sle=%q} %d\n", h.name, prefix, bound, h.buckets[i])
		}
		fmt.Fprintf(w, "%s_bucket{%sle=\"+Inf\"} %d\n", h.name, prefix, h.count)
		writeSeries(w, h.name+"_count", h.labels, h.count)
		writeSeries(w, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		h.mu.Unlock()
	}
}

// Handler serves WriteText output.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		var sb strings.Builder
		r.WriteText(&sb)
		fmt.Fprint(w, sb.String())
	}
}

// JobsTotal counts job status transitions per job type.
func JobsTotal(jobType, status string) *Counter {
	return Collector.Counter("omnimap_jobs_total", "Job status transitions",
		fmt.Sprintf("type=%q,status=%q", jobType, status))
}

var (
	MessagesTotal      = Collector.Counter("omnimap_messages_total", "Inbound chat updates handled", "")
	CommandsTotal      = Collector.Counter("omnimap_commands_total", "Bot commands handled", "")
	ExtractionsTotal   = Collector.Counter("omnimap_extractions_total", "Extraction router invocations", "")
	ExtractionFailures = Collector.Counter("omnimap_extraction_failures_total", "Extractor plugin failures", "")
	PipelineRuns       = Collector.Counter("omnimap_pipeline_runs_total", "Media pipeline runs", "")
	PipelineFatal      = Collector.Counter("omnimap_pipeline_fatal_total", "Media pipeline runs aborted by a fatal stage", "")
	LLMRequestsTotal   = Collector.Counter("omnimap_llm_requests_total", "Inference API requests", "")
	PlaceLookups       = Collector.Counter("omnimap_place_lookups_total", "Place search requests", "")
	WaitlistJoins      = Collector.Counter("omnimap_waitlist_joins_total", "New waitlist entries", "")
	JobsInFlight       = Collector.Gauge("omnimap_jobs_in_flight", "Jobs currently being processed", "")

	LLMLatency = Collector.Histogram("omnimap_llm_latency_seconds", "Inference request latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60})
	PipelineLatency = Collector.Histogram("omnimap_pipeline_latency_seconds", "Media pipeline latency in seconds", "",
		[]float64{1, 5, 10, 30, 60, 120, 300})
	JobLatency = Collector.Histogram("omnimap_job_latency_seconds", "Job processing latency in seconds", "",
		[]float64{0.1, 0.5, 1, 5, 30, 120})
)
