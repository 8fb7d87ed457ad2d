package defrag

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the observability data for IP reassembly.
type Metrics struct {
	Fragments   prometheus.Counter
	Reassembled prometheus.Counter
	Failed      prometheus.Counter
	Expired     prometheus.Counter
}

// NewMetrics creates, but does not register, a set of Prometheus.Collector metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_fragment_total",
			Help: "packet fragments (IP-level)",
		}),
		Reassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_defragmented_total",
			Help: "packet fragments successfully reassembled into whole packets",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_defragment_failed_total",
			Help: "IP packet reassembly failure",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_defragment_expired_total",
			Help: "incomplete datagrams discarded after the fragment timeout",
		}),
	}
}

// List returns a slice containing each Prometheus metric, for adding to a prometheus.Registry.
func (m Metrics) List() []prometheus.Collector {
	return []prometheus.Collector{
		m.Fragments,
		m.Reassembled,
		m.Failed,
		m.Expired,
	}
}
