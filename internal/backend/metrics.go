package backend

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type backendMetrics struct {
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
}

var (
	backendMetricsInstance *backendMetrics
	backendMetricsOnce     sync.Once
)

func getBackendMetrics() *backendMetrics {
	backendMetricsOnce.Do(func() {
		backendMetricsInstance = &backendMetrics{
			breakerTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gateway",
					Subsystem: "backend",
					Name:      "breaker_transitions_total",
					Help:      "Circuit breaker state transitions by service and target state",
				},
				[]string{"service", "to"},
			),
			breakerRejections: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gateway",
					Subsystem: "backend",
					Name:      "breaker_rejections_total",
					Help:      "Requests rejected by an open circuit breaker",
				},
				[]string{"service"},
			),
		}
	})
	return backendMetricsInstance
}
