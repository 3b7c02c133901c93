package obs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry is a minimal Prometheus text-exposition registry: counters and
// gauges are atomic.Int64-backed, histograms are fixed-bucket counters. No
// third-party metrics client is wired in (see DESIGN.md); this covers the
// small, fixed set of series SPEC_FULL.md §7 names without pulling in a full
// client library's registry/collector machinery for sixteen metrics.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]*counterVec
	gauges     map[string]*atomic.Int64
	histograms map[string]*histogram
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*counterVec),
		gauges:     make(map[string]*atomic.Int64),
		histograms: make(map[string]*histogram),
	}
}

type counterVec struct {
	mu     sync.Mutex
	totals map[string]*atomic.Int64 // label value -> count; "" for unlabeled
}

// Counter registers (if needed) and returns an incrementer for name, with an
// optional label value (empty string for unlabeled series).
func (r *Registry) Counter(name string) func(label string, delta int64) {
	r.mu.Lock()
	cv, ok := r.counters[name]
	if !ok {
		cv = &counterVec{totals: make(map[string]*atomic.Int64)}
		r.counters[name] = cv
	}
	r.mu.Unlock()

	return func(label string, delta int64) {
		cv.mu.Lock()
		c, ok := cv.totals[label]
		if !ok {
			c = &atomic.Int64{}
			cv.totals[label] = c
		}
		cv.mu.Unlock()
		c.Add(delta)
	}
}

// Gauge registers (if needed) and returns a setter for name.
func (r *Registry) Gauge(name string) func(v int64) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	if !ok {
		g = &atomic.Int64{}
		r.gauges[name] = g
	}
	r.mu.Unlock()
	return g.Store
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64 // upper bounds, ascending, seconds
	counts  []int64   // len(buckets)+1, last is +Inf
	sum     float64
	total   int64
}

// defaultLatencyBuckets covers sub-millisecond through multi-second publish
// and persist latencies.
var defaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Histogram registers (if needed) and returns an observer for name.
func (r *Registry) Histogram(name string) func(seconds float64) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	if !ok {
		h = &histogram{buckets: defaultLatencyBuckets, counts: make([]int64, len(defaultLatencyBuckets)+1)}
		r.histograms[name] = h
	}
	r.mu.Unlock()

	return func(v float64) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sum += v
		h.total++
		for i, bound := range h.buckets {
			if v <= bound {
				h.counts[i]++
			}
		}
		h.counts[len(h.counts)-1]++
	}
}

// WriteText renders the registry in Prometheus text exposition format.
func (r *Registry) WriteText() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder

	names := make([]string, 0, len(r.counters))
	for n := range r.counters {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		cv := r.counters[n]
		cv.mu.Lock()
		labels := make([]string, 0, len(cv.totals))
		for l := range cv.totals {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			if l == "" {
				fmt.Fprintf(&sb, "%s %d\n", n, cv.totals[l].Load())
			} else {
				fmt.Fprintf(&sb, "%s{reason=%q} %d\n", n, l, cv.totals[l].Load())
			}
		}
		cv.mu.Unlock()
	}

	names = names[:0]
	for n := range r.gauges {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&sb, "%s %d\n", n, r.gauges[n].Load())
	}

	names = names[:0]
	for n := range r.histograms {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		h := r.histograms[n]
		h.mu.Lock()
		cumulative := int64(0)
		for i, bound := range h.buckets {
			cumulative = h.counts[i]
			fmt.Fprintf(&sb, "%s_bucket{le=%q} %d\n", n, fmt.Sprintf("%g", bound), cumulative)
		}
		fmt.Fprintf(&sb, "%s_bucket{le=\"+Inf\"} %d\n", n, h.counts[len(h.counts)-1])
		fmt.Fprintf(&sb, "%s_sum %g\n", n, h.sum)
		fmt.Fprintf(&sb, "%s_count %d\n", n, h.total)
		h.mu.Unlock()
	}

	return sb.String()
}
