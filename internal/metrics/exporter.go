package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

// Exporter exposes Collector snapshots as Prometheus metrics. Values are
// read at scrape time, so the collector stays the single source of truth.
type Exporter struct {
	collector *Collector

	requests *prometheus.Desc
	errors   *prometheus.Desc
	statuses *prometheus.Desc
	latency  *prometheus.Desc
}

// NewExporter creates an exporter over c. Register it with a
// prometheus.Registerer to publish it.
func NewExporter(c *Collector) *Exporter {
	return &Exporter{
		collector: c,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "route", "requests_total"),
			"Total number of requests recorded per route",
			[]string{"route"}, nil,
		),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "route", "errors_total"),
			"Total number of requests with status >= 400 per route",
			[]string{"route"}, nil,
		),
		statuses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "route", "responses_total"),
			"Responses per route and status code",
			[]string{"route", "status_code"}, nil,
		),
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "route", "latency_seconds"),
			"Latency over the recent request window per route",
			[]string{"route", "stat"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.requests
	ch <- e.errors
	ch <- e.statuses
	ch <- e.latency
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	for route, snap := range e.collector.Snapshots() {
		ch <- prometheus.MustNewConstMetric(e.requests, prometheus.CounterValue, float64(snap.Requests), route)
		ch <- prometheus.MustNewConstMetric(e.errors, prometheus.CounterValue, float64(snap.Errors), route)

		for code, n := range snap.StatusCodes {
			ch <- prometheus.MustNewConstMetric(e.statuses, prometheus.CounterValue, float64(n),
				route, strconv.Itoa(code))
		}

		ch <- prometheus.MustNewConstMetric(e.latency, prometheus.GaugeValue, snap.AvgLatency.Seconds(), route, "avg")
		ch <- prometheus.MustNewConstMetric(e.latency, prometheus.GaugeValue, snap.P95Latency.Seconds(), route, "p95")
		ch <- prometheus.MustNewConstMetric(e.latency, prometheus.GaugeValue, snap.P99Latency.Seconds(), route, "p99")
	}
}
