package source

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains a Prometheus metric recording a packet source
// descriptor and BPF filter as labels on a constant gauge, plus the
// kernel's capture counters as last read.
type Metrics struct {
	CapSource *prometheus.GaugeVec
	Received  prometheus.Gauge
	Dropped   prometheus.Gauge
}

// NewMetrics creates a new Metrics object.
func NewMetrics() *Metrics {
	m := &Metrics{
		CapSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "packets_source_info",
			Help: "Constant, labeled with BPF filter and capture interface or file",
		}, []string{"source", "bpf_filter"}),
		Received: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packets_pcap_received",
			Help: "packets received by libpcap, as of the last stats read",
		}),
		Dropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "packets_pcap_dropped",
			Help: "packets dropped by libpcap, as of the last stats read",
		}),
	}

	return m
}

// List the items contained with a Metrics so that they can be exposed via a
// prometheus.Registry
func (m Metrics) List() []prometheus.Collector {
	return []prometheus.Collector{
		m.CapSource,
		m.Received,
		m.Dropped,
	}
}
