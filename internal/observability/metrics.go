package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Metrics registry — counters, gauges and histograms behind the
// Prometheus exporter. Lock-free value types, one mutex on the registry.
// ---------------------------------------------------------------------------

// atomicFloat holds a float64 as its IEEE 754 bits in an atomic.Uint64.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

func (f *atomicFloat) add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Counter is a monotonically increasing value. Negative deltas are ignored.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	value  atomicFloat
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.add(1) }

// Add increments the counter by delta.
func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.value.add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() float64 { return c.value.load() }

// Gauge is a value that moves in both directions.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	value  atomicFloat
}

// Set sets the gauge.
func (g *Gauge) Set(v float64) { g.value.store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.add(-1) }

// Add adds delta to the gauge, which may be negative.
func (g *Gauge) Add(delta float64) { g.value.add(delta) }

// Value returns the current gauge value.
func (g *Gauge) Value() float64 { return g.value.load() }

// Histogram tracks a value distribution over fixed upper-bound buckets.
type Histogram struct {
	name   string
	help   string
	labels map[string]string

	mu     sync.Mutex
	bounds []float64 // sorted, deduplicated upper bounds
	counts []int64   // observations landing in bucket i (non-cumulative)
	sum    float64
	count  int64
}

// Observe records one value. Values above the last bound only count toward
// the implicit +Inf bucket.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	idx := sort.SearchFloat64s(h.bounds, v)
	if idx < len(h.counts) {
		h.counts[idx]++
	}
}

// Count returns the total number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of all observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// BucketCounts returns the bucket bounds with cumulative counts per bound,
// plus the overall sum and count, in the shape the exporter emits.
func (h *Histogram) BucketCounts() (bounds []float64, cumulative []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bounds = make([]float64, len(h.bounds))
	copy(bounds, h.bounds)

	cumulative = make([]int64, len(h.counts))
	var running int64
	for i, c := range h.counts {
		running += c
		cumulative[i] = running
	}
	return bounds, cumulative, h.sum, h.count
}

// Registry holds all metrics of one process. Safe for concurrent use;
// registering an existing name returns the original metric.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// NewCounter registers a counter.
func (r *Registry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.counters[name]; ok {
		return existing
	}
	c := &Counter{name: name, help: help, labels: copyLabels(labels)}
	r.counters[name] = c
	return c
}

// NewGauge registers a gauge.
func (r *Registry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.gauges[name]; ok {
		return existing
	}
	g := &Gauge{name: name, help: help, labels: copyLabels(labels)}
	r.gauges[name] = g
	return g
}

// NewHistogram registers a histogram with the given upper bounds.
func (r *Registry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.histograms[name]; ok {
		return existing
	}

	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	bounds := make([]float64, 0, len(sorted))
	for i, b := range sorted {
		if i == 0 || b != sorted[i-1] {
			bounds = append(bounds, b)
		}
	}

	h := &Histogram{
		name:   name,
		help:   help,
		labels: copyLabels(labels),
		bounds: bounds,
		counts: make([]int64, len(bounds)),
	}
	r.histograms[name] = h
	return h
}

// GetCounter returns a registered counter or nil.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// GetGauge returns a registered gauge or nil.
func (r *Registry) GetGauge(name string) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// GetHistogram returns a registered histogram or nil.
func (r *Registry) GetHistogram(name string) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[name]
}

// DefaultLatencyBuckets for latency histograms, in milliseconds.
var DefaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// EngineMetrics builds the registry exposed on /metrics: sync pipeline
// throughput, discovery and bundling volume, alerting, and ledger/feed
// health.
func EngineMetrics() *Registry {
	r := NewRegistry()

	r.NewCounter("whaletrace_syncs_total",
		"Total sync runs completed",
		map[string]string{"mode": ""})

	r.NewCounter("whaletrace_sync_errors_total",
		"Total sync runs finished with errors",
		nil)

	r.NewCounter("whaletrace_wallets_discovered_total",
		"Total offspring wallets discovered across all syncs",
		nil)

	r.NewCounter("whaletrace_bundles_detected_total",
		"Total funding bundles detected",
		nil)

	r.NewCounter("whaletrace_alerts_emitted_total",
		"Total alerts persisted",
		map[string]string{"type": ""})

	r.NewCounter("whaletrace_webhook_events_total",
		"Total events received on the webhook endpoint",
		nil)

	r.NewCounter("whaletrace_ledger_errors_total",
		"Total ledger provider errors",
		map[string]string{"kind": ""})

	r.NewGauge("whaletrace_tracked_wallets",
		"Wallets currently tracked across all whales",
		nil)

	r.NewGauge("whaletrace_active_whales",
		"Active whale roots under monitoring",
		nil)

	r.NewGauge("whaletrace_feed_connected",
		"Whether the log feed websocket is connected (1/0)",
		nil)

	r.NewHistogram("whaletrace_sync_duration_ms",
		"Full sync cycle duration in milliseconds",
		nil,
		DefaultLatencyBuckets)

	r.NewHistogram("whaletrace_ledger_latency_ms",
		"Ledger provider request latency in milliseconds",
		nil,
		DefaultLatencyBuckets)

	return r
}

func copyLabels(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
