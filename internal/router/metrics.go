package router

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type routerMetrics struct {
	lookups *prometheus.CounterVec
	routes  prometheus.Gauge
}

var (
	routerMetricsInstance *routerMetrics
	routerMetricsOnce     sync.Once
)

// getRouterMetrics returns the singleton router metrics instance.
func getRouterMetrics() *routerMetrics {
	routerMetricsOnce.Do(func() {
		routerMetricsInstance = &routerMetrics{
			lookups: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gateway",
					Subsystem: "router",
					Name:      "lookups_total",
					Help:      "Total number of route lookups by result",
				},
				[]string{"result"},
			),
			routes: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "gateway",
					Subsystem: "router",
					Name:      "routes",
					Help:      "Number of routes in the most recently modified table",
				},
			),
		}
	})
	return routerMetricsInstance
}
