package ratelimit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type rateLimitMetrics struct {
	decisions *prometheus.CounterVec
}

var (
	rateLimitMetricsInstance *rateLimitMetrics
	rateLimitMetricsOnce     sync.Once
)

func getRateLimitMetrics() *rateLimitMetrics {
	rateLimitMetricsOnce.Do(func() {
		rateLimitMetricsInstance = &rateLimitMetrics{
			decisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gateway",
					Subsystem: "ratelimit",
					Name:      "decisions_total",
					Help:      "Total number of rate limit decisions by route and outcome",
				},
				[]string{"route", "decision"},
			),
		}
	})
	return rateLimitMetricsInstance
}
