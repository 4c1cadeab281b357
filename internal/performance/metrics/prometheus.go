package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes an Engine as Prometheus metrics.
//
// Values are read from the engine on every scrape, so a Collector can be
// registered once and left alone for the whole run.
type Collector struct {
	engine *Engine

	httpReqs       *prometheus.Desc
	httpReqFailed  *prometheus.Desc
	httpReqBytes   *prometheus.Desc
	httpReqLatency *prometheus.Desc
	checks         *prometheus.Desc
	iterations     *prometheus.Desc
	iterFailed     *prometheus.Desc
	vus            *prometheus.Desc
}

// NewCollector creates a Collector for engine. constLabels are attached to
// every metric (for example the test name).
func NewCollector(engine *Engine, constLabels prometheus.Labels) *Collector {
	return &Collector{
		engine: engine,
		httpReqs: prometheus.NewDesc("surge_http_reqs_total",
			"Total HTTP requests issued by virtual users.", nil, constLabels),
		httpReqFailed: prometheus.NewDesc("surge_http_req_failed_total",
			"HTTP requests that failed at the transport level or returned status >= 400.", nil, constLabels),
		httpReqBytes: prometheus.NewDesc("surge_http_req_received_bytes_total",
			"Response body bytes received.", nil, constLabels),
		httpReqLatency: prometheus.NewDesc("surge_http_req_duration_seconds",
			"HTTP request duration.", nil, constLabels),
		checks: prometheus.NewDesc("surge_checks_total",
			"Check evaluations by check name and result.", []string{"check", "result"}, constLabels),
		iterations: prometheus.NewDesc("surge_iterations_total",
			"Completed iterations.", nil, constLabels),
		iterFailed: prometheus.NewDesc("surge_iterations_failed_total",
			"Iterations in which at least one request hit a transport error.", nil, constLabels),
		vus: prometheus.NewDesc("surge_vus",
			"Currently active virtual users.", nil, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.httpReqs
	ch <- c.httpReqFailed
	ch <- c.httpReqBytes
	ch <- c.httpReqLatency
	ch <- c.checks
	ch <- c.iterations
	ch <- c.iterFailed
	ch <- c.vus
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.engine.GetSnapshot()

	ch <- prometheus.MustNewConstMetric(c.httpReqs, prometheus.CounterValue, float64(snap.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.httpReqFailed, prometheus.CounterValue, float64(snap.FailedRequests))
	ch <- prometheus.MustNewConstMetric(c.httpReqBytes, prometheus.CounterValue, float64(snap.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, float64(snap.Iterations))
	ch <- prometheus.MustNewConstMetric(c.iterFailed, prometheus.CounterValue, float64(snap.FailedIterations))
	ch <- prometheus.MustNewConstMetric(c.vus, prometheus.GaugeValue, float64(snap.ActiveVUs))

	lat := snap.Latency
	ch <- prometheus.MustNewConstSummary(c.httpReqLatency,
		uint64(lat.Count),
		lat.Mean.Seconds()*float64(lat.Count),
		map[float64]float64{
			0.5:  lat.P50.Seconds(),
			0.9:  lat.P90.Seconds(),
			0.95: lat.P95.Seconds(),
			0.99: lat.P99.Seconds(),
		},
	)

	for _, cs := range c.engine.GetCheckStats() {
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(cs.Passes), cs.Name, "pass")
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(cs.Fails), cs.Name, "fail")
	}
}
