package collect

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus metrics about publishing, by message kind.
type Metrics struct {
	Published *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
}

// NewMetrics creates a newly initialied Metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgs_published_total",
			Help: "Number of messages published to MQTT",
		}, []string{"kind"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgs_publish_failures_total",
			Help: "Number of messages the broker did not accept",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msgs_dropped_total",
			Help: "Number of messages dropped due to full publishing queue",
		}, []string{"kind"}),
	}

	for _, k := range []string{KindSIP, KindDialog} {
		m.Published.WithLabelValues(k)
		m.Failed.WithLabelValues(k)
		m.Dropped.WithLabelValues(k)
	}
	return m
}

// List the items contained with a metrics so they can be exposed via a
// prometheus.Registry.
func (m Metrics) List() []prometheus.Collector {
	return []prometheus.Collector{
		m.Published,
		m.Failed,
		m.Dropped,
	}
}
