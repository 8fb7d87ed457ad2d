package hep

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the observability data for HEP export.
type Metrics struct {
	Sent         prometheus.Counter
	Bytes        prometheus.Counter
	SendFailed   prometheus.Counter
	EncodeFailed prometheus.Counter
}

// NewMetrics creates, but does not register, a set of Prometheus.Collector metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hep_frames_sent_total",
			Help: "HEP frames written to the collector socket",
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hep_bytes_sent_total",
			Help: "bytes of HEP frames written to the collector socket",
		}),
		SendFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hep_send_failures_total",
			Help: "HEP frames dropped because the socket write failed",
		}),
		EncodeFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hep_encode_failures_total",
			Help: "packets that could not be encoded as HEP frames",
		}),
	}
}

// List returns a slice containing each Prometheus metric, for adding to a prometheus.Registry.
func (m Metrics) List() []prometheus.Collector {
	return []prometheus.Collector{
		m.Sent,
		m.Bytes,
		m.SendFailed,
		m.EncodeFailed,
	}
}
