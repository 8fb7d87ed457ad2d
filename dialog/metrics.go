package dialog

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the observability data for dialog tracking.
type Metrics struct {
	Active     prometheus.Gauge
	Pending    prometheus.Gauge
	Created    *prometheus.CounterVec
	Restarted  prometheus.Counter
	Terminated *prometheus.CounterVec
	Swept      prometheus.Counter
}

// NewMetrics creates, but does not register, a set of Prometheus.Collector metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dialogs_active",
			Help: "dialogs currently tracked, including those awaiting removal",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dialogs_pending_removal",
			Help: "terminated dialogs waiting to be swept",
		}),
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dialogs_created_total",
			Help: "dialogs started by a matching INVITE or REGISTER",
		}, []string{"kind"}),
		Restarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialogs_restarted_total",
			Help: "dialogs reset by a new INVITE or REGISTER on the same Call-ID",
		}),
		Terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dialogs_terminated_total",
			Help: "dialog terminations by cause",
		}, []string{"cause"}),
		Swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dialogs_swept_total",
			Help: "terminated dialogs removed after the removal delay",
		}),
	}

	for _, k := range []Kind{Invite, Register} {
		m.Created.WithLabelValues(k.String())
	}
	for c := CauseBye; c <= CauseRegistration6xx; c++ {
		m.Terminated.WithLabelValues(c.String())
	}
	return m
}

// List returns a slice containing each Prometheus metric, for adding to a prometheus.Registry.
func (m Metrics) List() []prometheus.Collector {
	return []prometheus.Collector{
		m.Active,
		m.Pending,
		m.Created,
		m.Restarted,
		m.Terminated,
		m.Swept,
	}
}
