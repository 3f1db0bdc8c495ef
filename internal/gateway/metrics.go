package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type gatewayMetrics struct {
	rejections *prometheus.CounterVec
	inFlight   prometheus.Gauge
}

var (
	gatewayMetricsInstance *gatewayMetrics
	gatewayMetricsOnce     sync.Once
)

// getGatewayMetrics returns the pipeline metrics. Requests rejected
// before a route resolves are only visible here.
func getGatewayMetrics() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayMetricsInstance = &gatewayMetrics{
			rejections: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gateway",
					Name:      "rejections_total",
					Help:      "Requests rejected before a route was resolved, by reason",
				},
				[]string{"reason"},
			),
			inFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "gateway",
					Name:      "requests_in_flight",
					Help:      "Requests currently in the pipeline",
				},
			),
		}
	})
	return gatewayMetricsInstance
}
