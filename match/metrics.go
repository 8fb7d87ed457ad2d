package match

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts match gate decisions.
type Metrics struct {
	Matched  prometheus.Counter
	Forced   prometheus.Counter
	Rejected prometheus.Counter
}

// NewMetrics creates, but does not register, a set of Prometheus.Collector metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Matched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "match_accepted_total",
			Help: "payloads accepted by the match pattern",
		}),
		Forced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "match_window_total",
			Help: "payloads accepted only for trailing a recent match",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "match_rejected_total",
			Help: "payloads rejected by the match pattern",
		}),
	}
}

// List returns a slice containing each Prometheus metric, for adding to a prometheus.Registry.
func (m Metrics) List() []prometheus.Collector {
	return []prometheus.Collector{
		m.Matched,
		m.Forced,
		m.Rejected,
	}
}
