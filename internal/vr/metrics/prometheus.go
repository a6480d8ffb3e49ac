package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vr"

// Exporter exposes a Metrics snapshot to Prometheus on every scrape
type Exporter struct {
	metrics *Metrics

	requests    *prometheus.Desc
	prepares    *prometheus.Desc
	commits     *prometheus.Desc
	heartbeats  *prometheus.Desc
	retransmits *prometheus.Desc
	viewChanges *prometheus.Desc
	recoveries  *prometheus.Desc
	latency     *prometheus.Desc
}

// NewExporter creates an Exporter whose series all carry the given constant labels, e.g. the replica number
func NewExporter(m *Metrics, labels prometheus.Labels) *Exporter {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	return &Exporter{
		metrics:     m,
		requests:    desc("requests_total", "Requests submitted by clients."),
		prepares:    desc("prepares_total", "Operations the primary started to replicate."),
		commits:     desc("commits_total", "Operations executed on the state machine."),
		heartbeats:  desc("heartbeats_total", "Commit messages broadcast by an idle primary."),
		retransmits: desc("retransmits_total", "Messages sent again for lack of an acknowledgment."),
		viewChanges: desc("view_changes_total", "View changes started."),
		recoveries:  desc("recoveries_total", "Recovery attempts."),
		latency:     desc("request_latency_milliseconds", "Request latency from submission to reply."),
	}
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.requests
	ch <- e.prepares
	ch <- e.commits
	ch <- e.heartbeats
	ch <- e.retransmits
	ch <- e.viewChanges
	ch <- e.recoveries
	ch <- e.latency
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, value uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value))
	}
	counter(e.requests, e.metrics.requestCount.Load())
	counter(e.prepares, e.metrics.prepareCount.Load())
	counter(e.commits, e.metrics.opsCommitted.Load())
	counter(e.heartbeats, e.metrics.heartbeatCount.Load())
	counter(e.retransmits, e.metrics.retransmitCount.Load())
	counter(e.viewChanges, e.metrics.viewChangeCount.Load())
	counter(e.recoveries, e.metrics.recoveryCount.Load())

	stats := e.metrics.GetLatencyStats()
	ch <- prometheus.MustNewConstSummary(e.latency, uint64(stats.Count), stats.Mean*float64(stats.Count), map[float64]float64{
		0.5:  stats.P50,
		0.95: stats.P95,
		0.99: stats.P99,
	})
}

// Register adds an Exporter for m to registerer
func Register(registerer prometheus.Registerer, m *Metrics, labels prometheus.Labels) error {
	return registerer.Register(NewExporter(m, labels))
}
