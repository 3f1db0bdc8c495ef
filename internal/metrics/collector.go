// Package metrics keeps per-route request counters and a bounded latency
// window, and exposes them as snapshots and Prometheus metrics.
package metrics

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is the number of recent latencies kept per route.
const DefaultWindowSize = 1000

// RouteSnapshot is a point-in-time view of one route.
type RouteSnapshot struct {
	Requests    int64         `json:"requests"`
	Errors      int64         `json:"errors"`
	AvgLatency  time.Duration `json:"avgLatency"`
	P95Latency  time.Duration `json:"p95Latency"`
	P99Latency  time.Duration `json:"p99Latency"`
	StatusCodes map[int]int64 `json:"statusCodes"`
}

// Aggregate sums every route.
type Aggregate struct {
	TotalRequests int64 `json:"totalRequests"`
	TotalErrors   int64 `json:"totalErrors"`
	Routes        int   `json:"routes"`
}

// routeStats is guarded by its own mutex so routes record in parallel.
type routeStats struct {
	mu       sync.Mutex
	requests int64
	errors   int64
	statuses map[int]int64

	// ring holds up to cap(ring) latencies; next is the slot the next
	// sample overwrites once the ring is full.
	ring []time.Duration
	next int
}

func newRouteStats(size int) *routeStats {
	return &routeStats{
		statuses: make(map[int]int64),
		ring:     make([]time.Duration, 0, size),
	}
}

func (s *routeStats) record(status int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if status >= 400 {
		s.errors++
	}
	s.statuses[status]++

	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, latency)
		return
	}
	s.ring[s.next] = latency
	s.next = (s.next + 1) % len(s.ring)
}

func (s *routeStats) snapshot() RouteSnapshot {
	s.mu.Lock()
	snap := RouteSnapshot{
		Requests:    s.requests,
		Errors:      s.errors,
		StatusCodes: maps.Clone(s.statuses),
	}
	window := slices.Clone(s.ring)
	s.mu.Unlock()

	if len(window) == 0 {
		return snap
	}

	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	snap.AvgLatency = sum / time.Duration(len(window))

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	snap.P95Latency = percentile(window, 0.95)
	snap.P99Latency = percentile(window, 0.99)

	return snap
}

// percentile returns sorted[floor(q*n)] without interpolation.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Collector records request outcomes per route key.
type Collector struct {
	mu         sync.RWMutex
	routes     map[string]*routeStats
	windowSize int
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithWindowSize changes the per-route latency window.
func WithWindowSize(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.windowSize = n
		}
	}
}

// NewCollector creates an empty collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		routes:     make(map[string]*routeStats),
		windowSize: DefaultWindowSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record adds one request outcome to route.
func (c *Collector) Record(route string, status int, latency time.Duration) {
	c.stats(route).record(status, latency)
}

func (c *Collector) stats(route string) *routeStats {
	c.mu.RLock()
	s, ok := c.routes[route]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.routes[route]; ok {
		return s
	}
	s = newRouteStats(c.windowSize)
	c.routes[route] = s
	return s
}

// Route returns the snapshot of route. Unknown routes yield zero values.
func (c *Collector) Route(route string) RouteSnapshot {
	c.mu.RLock()
	s, ok := c.routes[route]
	c.mu.RUnlock()
	if !ok {
		return RouteSnapshot{StatusCodes: map[int]int64{}}
	}
	return s.snapshot()
}

// Snapshots returns a snapshot of every route seen.
func (c *Collector) Snapshots() map[string]RouteSnapshot {
	c.mu.RLock()
	routes := maps.Clone(c.routes)
	c.mu.RUnlock()

	out := make(map[string]RouteSnapshot, len(routes))
	for key, s := range routes {
		out[key] = s.snapshot()
	}
	return out
}

// Aggregate sums requests and errors across routes.
func (c *Collector) Aggregate() Aggregate {
	c.mu.RLock()
	routes := maps.Clone(c.routes)
	c.mu.RUnlock()

	agg := Aggregate{Routes: len(routes)}
	for _, s := range routes {
		s.mu.Lock()
		agg.TotalRequests += s.requests
		agg.TotalErrors += s.errors
		s.mu.Unlock()
	}
	return agg
}

// Reset clears all state.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = make(map[string]*routeStats)
}
