package consul

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type discoveryMetrics struct {
	syncs       *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

var (
	discoveryMetricsInstance *discoveryMetrics
	discoveryMetricsOnce     sync.Once
)

func getDiscoveryMetrics() *discoveryMetrics {
	discoveryMetricsOnce.Do(func() {
		discoveryMetricsInstance = &discoveryMetrics{
			syncs: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gateway",
					Subsystem: "discovery",
					Name:      "consul_syncs_total",
					Help:      "Consul health sync passes by result",
				},
				[]string{"result"},
			),
			transitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gateway",
					Subsystem: "discovery",
					Name:      "status_changes_total",
					Help:      "Instance status changes applied from Consul",
				},
				[]string{"service", "status"},
			),
		}
	})
	return discoveryMetricsInstance
}
