package observability

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Prometheus exporter — text exposition over the engine registry
// ---------------------------------------------------------------------------

// PrometheusExporter renders a Registry in the Prometheus text exposition
// format (https://prometheus.io/docs/instrumenting/exposition_formats/).
type PrometheusExporter struct {
	registry *Registry
}

// NewPrometheusExporter creates an exporter backed by the given registry.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

// ServeHTTP implements http.Handler for the /metrics endpoint. Metrics are
// streamed straight to the response.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	e.write(w)
}

// Format returns the full exposition as a string.
func (e *PrometheusExporter) Format() string {
	var b strings.Builder
	e.write(&b)
	return b.String()
}

func (e *PrometheusExporter) write(w io.Writer) {
	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	for _, name := range sortedKeys(e.registry.counters) {
		c := e.registry.counters[name]
		writeHeader(w, c.name, c.help, "counter")
		fmt.Fprintf(w, "%s%s %s\n\n", c.name, labelString(c.labels), formatValue(c.Value()))
	}

	for _, name := range sortedKeys(e.registry.gauges) {
		g := e.registry.gauges[name]
		writeHeader(w, g.name, g.help, "gauge")
		fmt.Fprintf(w, "%s%s %s\n\n", g.name, labelString(g.labels), formatValue(g.Value()))
	}

	for _, name := range sortedKeys(e.registry.histograms) {
		h := e.registry.histograms[name]
		bounds, cumulative, sum, count := h.BucketCounts()
		writeHeader(w, h.name, h.help, "histogram")

		for i, bound := range bounds {
			fmt.Fprintf(w, "%s_bucket%s %d\n",
				h.name, labelString(h.labels, "le", formatValue(bound)), cumulative[i])
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, labelString(h.labels, "le", "+Inf"), count)
		fmt.Fprintf(w, "%s_sum%s %s\n", h.name, labelString(h.labels), formatValue(sum))
		fmt.Fprintf(w, "%s_count%s %d\n\n", h.name, labelString(h.labels), count)
	}
}

func writeHeader(w io.Writer, name, help, metricType string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
}

// labelString renders {k1="v1",k2="v2"} with keys sorted, merging any extra
// key/value pairs passed pairwise. Empty label sets render as "".
func labelString(labels map[string]string, extra ...string) string {
	n := len(labels) + len(extra)/2
	if n == 0 {
		return ""
	}

	merged := make(map[string]string, n)
	for k, v := range labels {
		merged[k] = v
	}
	for i := 0; i+1 < len(extra); i += 2 {
		merged[extra[i]] = extra[i+1]
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Quote(merged[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func formatValue(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
