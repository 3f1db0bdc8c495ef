package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector_RequestsAndErrors(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	for _, status := range []int{200, 200, 404, 200} {
		c.Record("/api/users", status, 10*time.Millisecond)
	}

	snap := c.Route("/api/users")
	assert.Equal(t, int64(4), snap.Requests)
	assert.Equal(t, int64(1), snap.Errors)
	assert.Equal(t, map[int]int64{200: 3, 404: 1}, snap.StatusCodes)
	assert.Equal(t, 10*time.Millisecond, snap.AvgLatency)
}

func TestCollector_UnknownRoute(t *testing.T) {
	t.Parallel()

	snap := NewCollector().Route("/nothing")
	assert.Zero(t, snap.Requests)
	assert.Zero(t, snap.P95Latency)
	assert.Zero(t, snap.P99Latency)
	assert.NotNil(t, snap.StatusCodes)
}

func TestCollector_Percentiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []time.Duration
		wantAvg time.Duration
		wantP95 time.Duration
		wantP99 time.Duration
	}{
		{
			name:    "single sample",
			samples: []time.Duration{5 * time.Millisecond},
			wantAvg: 5 * time.Millisecond,
			wantP95: 5 * time.Millisecond,
			wantP99: 5 * time.Millisecond,
		},
		{
			name:    "two samples",
			samples: []time.Duration{20 * time.Millisecond, 10 * time.Millisecond},
			wantAvg: 15 * time.Millisecond,
			wantP95: 20 * time.Millisecond,
			wantP99: 20 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewCollector()
			for _, d := range tt.samples {
				c.Record("r", 200, d)
			}
			snap := c.Route("r")
			assert.Equal(t, tt.wantAvg, snap.AvgLatency)
			assert.Equal(t, tt.wantP95, snap.P95Latency)
			assert.Equal(t, tt.wantP99, snap.P99Latency)
		})
	}
}

func TestCollector_HundredSamples(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	// 1ms..100ms in reverse order; sorted[95] is 96ms, sorted[99] is 100ms.
	for i := 100; i >= 1; i-- {
		c.Record("r", 200, time.Duration(i)*time.Millisecond)
	}

	snap := c.Route("r")
	assert.Equal(t, 96*time.Millisecond, snap.P95Latency)
	assert.Equal(t, 100*time.Millisecond, snap.P99Latency)
	assert.Equal(t, 50500*time.Microsecond, snap.AvgLatency)
}

func TestCollector_WindowEvictsOldest(t *testing.T) {
	t.Parallel()

	c := NewCollector(WithWindowSize(3))
	c.Record("r", 200, time.Second)
	for range 3 {
		c.Record("r", 200, time.Millisecond)
	}

	snap := c.Route("r")
	assert.Equal(t, int64(4), snap.Requests)
	assert.Equal(t, time.Millisecond, snap.AvgLatency)
	assert.Equal(t, time.Millisecond, snap.P99Latency)
}

func TestCollector_AggregateAndReset(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.Record("a", 200, time.Millisecond)
	c.Record("a", 500, time.Millisecond)
	c.Record("b", 429, time.Millisecond)

	assert.Equal(t, Aggregate{TotalRequests: 3, TotalErrors: 2, Routes: 2}, c.Aggregate())
	assert.Len(t, c.Snapshots(), 2)

	c.Reset()
	assert.Equal(t, Aggregate{}, c.Aggregate())
	assert.Zero(t, c.Route("a").Requests)
}

func TestCollector_Concurrent(t *testing.T) {
	t.Parallel()

	c := NewCollector(WithWindowSize(50))
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(route string) {
			defer wg.Done()
			for j := range 500 {
				c.Record(route, 200+j%2*300, time.Duration(j)*time.Microsecond)
				_ = c.Route(route)
			}
		}(fmt.Sprintf("r%d", i%2))
	}
	wg.Wait()

	agg := c.Aggregate()
	assert.Equal(t, int64(4000), agg.TotalRequests)
	assert.Equal(t, int64(2000), agg.TotalErrors)
	assert.Equal(t, 2, agg.Routes)
}

func TestPercentile_Empty(t *testing.T) {
	t.Parallel()

	assert.Zero(t, percentile(nil, 0.95))
}
