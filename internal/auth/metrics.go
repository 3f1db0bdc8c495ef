package auth

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type authMetrics struct {
	decisions *prometheus.CounterVec
}

var (
	authMetricsInstance *authMetrics
	authMetricsOnce     sync.Once
)

func getAuthMetrics() *authMetrics {
	authMetricsOnce.Do(func() {
		authMetricsInstance = &authMetrics{
			decisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gateway",
					Subsystem: "auth",
					Name:      "decisions_total",
					Help:      "Total number of authentication decisions by method and result",
				},
				[]string{"method", "result"},
			),
		}
	})
	return authMetricsInstance
}
