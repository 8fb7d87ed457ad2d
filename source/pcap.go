// Package source opens live and offline pcap captures for the pipeline,
// and writes matched packets back out as pcap files.
package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/prometheus/client_golang/prometheus"
)

type constErr string

func (e constErr) Error() string { return string(e) }

// ErrNotLive is returned by Stats for captures read from a file.
const ErrNotLive = constErr("capture is not live")

const (
	// DefaultPortRange is captured when neither a port range nor a BPF
	// expression is given.
	DefaultPortRange = "5060-5061"
	// DefaultSnaplen captures whole packets.
	DefaultSnaplen = 65535

	readTimeout = 100 * time.Millisecond
)

// Options describe where packets come from and which ones libpcap passes
// up.  ReadFile takes precedence over Interface.
type Options struct {
	Interface string
	ReadFile  string
	Snaplen   int
	Promisc   bool

	PortRange string
	// Expression replaces the port range filter when set.
	Expression string
	// VLAN also matches 802.1Q tagged traffic.
	VLAN bool
	// Fragments also passes non-first IP fragments, which carry no ports.
	Fragments bool
}

// BuildFilter renders the BPF program text for o.
func BuildFilter(o Options) string {
	var base string
	switch {
	case strings.TrimSpace(o.Expression) != "":
		base = strings.Join(strings.Fields(o.Expression), " ")
	case o.PortRange != "":
		base = "portrange " + o.PortRange
	default:
		base = "portrange " + DefaultPortRange
	}

	f := "(ip or ip6) and (" + base + ")"
	if o.Fragments {
		f = "(" + f + ") or (ip[6:2] & 0x3fff != 0) or (ip6[6] = 44)"
	}
	if o.VLAN {
		f = "(" + f + ") or (vlan and (" + f + "))"
	}
	return f
}

// ClosableSource wraps a pcap.Handle and gopacket.PacketSource together into
// one unit which can deliver packets via Packets() and expose a Close() method
// to cleanly shut down.
type ClosableSource struct {
	handle  *pcap.Handle
	source  *gopacket.PacketSource
	live    bool
	filter  string
	metrics *Metrics
}

// Packets returns a channel of gopacket.Packets from the pcap source.  It
// is closed at the end of a file, or once Close is called.
func (c *ClosableSource) Packets() chan gopacket.Packet {
	return c.source.Packets()
}

// LinkType is the datalink of every packet the source delivers.
func (c *ClosableSource) LinkType() layers.LinkType { return c.handle.LinkType() }

// Live reports whether packets come from an interface rather than a file.
func (c *ClosableSource) Live() bool { return c.live }

// Filter is the BPF program text installed on the handle.
func (c *ClosableSource) Filter() string { return c.filter }

// Stats returns libpcap's received and dropped counts for a live capture.
func (c *ClosableSource) Stats() (received, dropped int, err error) {
	if !c.live {
		return 0, 0, ErrNotLive
	}
	s, err := c.handle.Stats()
	if err != nil {
		return 0, 0, fmt.Errorf("reading capture stats: %w", err)
	}
	c.metrics.Received.Set(float64(s.PacketsReceived))
	c.metrics.Dropped.Set(float64(s.PacketsDropped))
	return s.PacketsReceived, s.PacketsDropped, nil
}

// Close stops the pcap handle which should in turn close the source.Packets()
// channel.
func (c *ClosableSource) Close() {
	c.handle.Close()
}

// Metrics returns a slice of prometheus.Collector items
// for exposing the interface and filter options via Prometheus.
func (c ClosableSource) Metrics() []prometheus.Collector { return c.metrics.List() }

// NewPCAP opens the capture described by o and installs its BPF filter.
func NewPCAP(o Options) (*ClosableSource, error) {
	var (
		handle *pcap.Handle
		err    error
		name   string
	)
	if o.ReadFile != "" {
		name = o.ReadFile
		handle, err = pcap.OpenOffline(o.ReadFile)
		if err != nil {
			return nil, fmt.Errorf("opening capture file %v: %w", o.ReadFile, err)
		}
	} else {
		name = o.Interface
		snaplen := o.Snaplen
		if snaplen <= 0 {
			snaplen = DefaultSnaplen
		}
		handle, err = pcap.OpenLive(o.Interface, int32(snaplen), o.Promisc, readTimeout)
		if err != nil {
			return nil, fmt.Errorf("opening capture interface %v: %w", o.Interface, err)
		}
	}

	filter := BuildFilter(o)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("setting BPF filter to %v: %w", filter, err)
	}

	ps := gopacket.NewPacketSource(handle, handle.LinkType())
	ps.DecodeOptions.Lazy = true

	src := &ClosableSource{
		source:  ps,
		handle:  handle,
		live:    o.ReadFile == "",
		filter:  filter,
		metrics: NewMetrics(),
	}

	src.metrics.CapSource.WithLabelValues(name, filter).Set(1)
	return src, nil
}
