package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the observability data for the packet processing loop,
// in the form of Prometheus metrics.  Fragment, dialog and match counters
// live with their own stages.
type Metrics struct {
	Incoming    prometheus.Counter
	Invalid     prometheus.Counter
	Empty       prometheus.Counter
	NonSIP      prometheus.Counter
	Unparseable prometheus.Counter
	Displayed   prometheus.Counter
	Reports     prometheus.Counter
}

// NewMetrics creates, but does not register, a set of Prometheus.Collector metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Incoming: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_incoming_total",
			Help: "incoming packets after bpf filtering",
		}),
		Invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_invalid_total",
			Help: "packets with an unknown or truncated network layer",
		}),
		Empty: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_empty_total",
			Help: "packets skipped for carrying no payload",
		}),
		NonSIP: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_not_sip_total",
			Help: "payloads skipped for not starting with a letter, or being HEP frames",
		}),
		Unparseable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgs_unparseable_total",
			Help: "SIP messages too malformed to track",
		}),
		Displayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "packets_displayed_total",
			Help: "packets accepted by the match gate or belonging to a tracked dialog",
		}),
		Reports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialog_reports_total",
			Help: "dialog summaries emitted",
		}),
	}
}

// List returns a slice containing each Prometheus metric, for adding to a prometheus.Registry.
func (m Metrics) List() []prometheus.Collector {
	return []prometheus.Collector{
		m.Incoming,
		m.Invalid,
		m.Empty,
		m.NonSIP,
		m.Unparseable,
		m.Displayed,
		m.Reports,
	}
}
