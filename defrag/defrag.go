// Package defrag turns captured frames into whole IP datagrams, buffering
// IPv4 and IPv6 fragments until every piece has arrived.
package defrag

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
	"github.com/nextcaller/sipgrep/dissect"
	"github.com/prometheus/client_golang/prometheus"
)

type constErr string

func (e constErr) Error() string { return string(e) }

// ErrIncomplete is returned by Submit for a fragment that has been stored
// while waiting for the rest of its datagram.  It is not a failure; the
// caller just has nothing to process yet.
const ErrIncomplete = constErr("incomplete fragmented datagram")

const (
	// Timeout is how long an incomplete datagram is kept, measured on
	// packet timestamps.
	Timeout = 30 * time.Second

	dot1QHdrLen = 4
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// Adapter hands frames to the IP reassemblers.  Reassembled datagrams are
// returned as raw network layer bytes; everything else passes through
// unchanged along with the offset of its network layer.
//
// An Adapter is not safe for concurrent use.
type Adapter struct {
	link    dissect.Link
	enabled bool

	v4 *ip4defrag.IPv4Defragmenter
	v6 *v6Defragmenter

	metrics *Metrics
}

// New creates an Adapter for frames from link.  When enabled is false
// fragments are passed through as they are.
func New(link dissect.Link, enabled bool) *Adapter {
	return &Adapter{
		link:    link,
		enabled: enabled,
		v4:      ip4defrag.NewIPv4Defragmenter(),
		v6:      newV6Defragmenter(),
		metrics: NewMetrics(),
	}
}

// Metrics returns a slice of prometheus.Collector objects that can be registered.
func (a *Adapter) Metrics() []prometheus.Collector { return a.metrics.List() }

// NetworkOffset returns where the IP header starts in frame, accounting
// for an 802.1Q tag on Ethernet links.
func (a *Adapter) NetworkOffset(frame []byte) int {
	off := a.link.Offset(frame)
	if a.link.Ethernet() && len(frame) >= off &&
		binary.BigEndian.Uint16(frame[12:14]) == uint16(layers.EthernetTypeDot1Q) {
		off += dot1QHdrLen
	}
	return off
}

// Submit returns the datagram frame belongs to, and the offset of its IP
// header.  Frames that are not fragments come back as given.  A fragment
// that does not complete its datagram yields ErrIncomplete; any other error
// means the fragment was unusable and has been dropped.
func (a *Adapter) Submit(frame []byte, ts time.Time) ([]byte, int, error) {
	off := a.NetworkOffset(frame)
	if !a.enabled || off >= len(frame) {
		return frame, off, nil
	}

	a.expire(ts)

	switch frame[off] >> 4 {
	case 4:
		return a.submitIPv4(frame, off, ts)
	case 6:
		return a.submitIPv6(frame, off, ts)
	}
	return frame, off, nil
}

func (a *Adapter) submitIPv4(frame []byte, off int, ts time.Time) ([]byte, int, error) {
	var peek layers.IPv4
	if err := peek.DecodeFromBytes(frame[off:], gopacket.NilDecodeFeedback); err != nil {
		// Leave malformed headers for the dissector to reject.
		return frame, off, nil
	}
	if peek.Flags&layers.IPv4MoreFragments == 0 && peek.FragOffset == 0 {
		return frame, off, nil
	}

	a.metrics.Fragments.Inc()

	// The reassembler keeps the fragment payloads until the datagram is
	// complete, so they must not alias the capture buffer.
	data := append([]byte(nil), frame[off:]...)
	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, 0, a.failed(err)
	}

	whole, err := a.v4.DefragIPv4WithTimestamp(ip, ts)
	if err != nil {
		return nil, 0, a.failed(err)
	}
	if whole == nil {
		return nil, 0, ErrIncomplete
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, whole, gopacket.Payload(whole.Payload)); err != nil {
		return nil, 0, a.failed(err)
	}
	a.metrics.Reassembled.Inc()
	return buf.Bytes(), 0, nil
}

func (a *Adapter) submitIPv6(frame []byte, off int, ts time.Time) ([]byte, int, error) {
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(frame[off:], gopacket.NilDecodeFeedback); err != nil {
		return frame, off, nil
	}
	if ip.NextHeader != layers.IPProtocolIPv6Fragment {
		return frame, off, nil
	}

	a.metrics.Fragments.Inc()
	fh, err := dissect.ParseFragmentHeader(ip.Payload)
	if err != nil {
		return nil, 0, a.failed(err)
	}

	payload, err := a.v6.add(&ip, fh, ip.Payload[8:], ts)
	if err != nil {
		return nil, 0, a.failed(err)
	}
	if payload == nil {
		return nil, 0, ErrIncomplete
	}

	out := ip
	out.NextHeader = fh.NextHeader
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, &out, gopacket.Payload(payload)); err != nil {
		return nil, 0, a.failed(err)
	}
	a.metrics.Reassembled.Inc()
	return buf.Bytes(), 0, nil
}

func (a *Adapter) failed(err error) error {
	a.metrics.Failed.Inc()
	return fmt.Errorf("reassembling fragment: %w", err)
}

// expire discards incomplete datagrams that have waited Timeout as of ts.
func (a *Adapter) expire(ts time.Time) {
	a.DiscardOlderThan(ts.Add(-Timeout))
}

// DiscardOlderThan drops incomplete datagrams whose last fragment arrived
// before t, returning how many were dropped.
func (a *Adapter) DiscardOlderThan(t time.Time) int {
	n := a.v4.DiscardOlderThan(t) + a.v6.discardOlderThan(t)
	a.metrics.Expired.Add(float64(n))
	return n
}
