// Package dissect locates the network and transport headers of a captured
// frame, and slices out the application payload for matching.
package dissect

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

type constErr string

func (e constErr) Error() string { return string(e) }

const (
	// ErrUnsupportedLink is returned for datalink types without a known
	// header size.  It is a setup error; nothing can be captured.
	ErrUnsupportedLink = constErr("unsupported datalink type")
	// ErrUnknownIPVersion marks frames that are neither IPv4 nor IPv6.
	ErrUnknownIPVersion = constErr("unknown IP version")
	// ErrTruncated marks frames too short to hold their own IP header.
	ErrTruncated = constErr("truncated IP header")
)

const (
	ipv6FragHdrLen = 8
	udpHdrLen      = 8
	icmpHdrLen     = 4
)

// PortKind says how to read the two values of a PortOrTypeCode.
type PortKind uint8

// Interpretations of PortOrTypeCode.
const (
	NoPorts  PortKind = iota // neither value was present in the packet
	Ports                    // TCP or UDP source and destination port
	TypeCode                 // ICMP, ICMPv6 or IGMP type and code
)

// PortOrTypeCode holds the two 16 bit values following the IP header.
// For ICMP-like protocols Src is the message type and Dst its code.
type PortOrTypeCode struct {
	Kind     PortKind
	Src, Dst uint16
}

// Flow is everything known about one datagram once its headers are
// stripped.  Payload aliases the input buffer.
type Flow struct {
	IPVersion uint8
	Protocol  layers.IPProtocol
	SrcIP     string
	DstIP     string
	Ports     PortOrTypeCode

	Fragmented bool
	// FragOffset is in bytes for both IP versions.
	FragOffset uint16
	FragID     uint32

	// HeaderLen is the transport header length consumed; zero for
	// non-initial fragments.
	HeaderLen int
	Payload   []byte
}

// Dissect decodes the IP datagram found linkOffset bytes into frame.
// Protocols other than TCP, UDP, ICMP, ICMPv6 and IGMP still produce a
// Flow, with the whole IP payload as application payload.
func Dissect(frame []byte, linkOffset int) (*Flow, error) {
	if linkOffset < 0 || linkOffset >= len(frame) {
		return nil, ErrTruncated
	}
	data := frame[linkOffset:]

	f := &Flow{IPVersion: data[0] >> 4}
	var body []byte
	switch f.IPVersion {
	case 4:
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("ipv4: %v: %w", err, ErrTruncated)
		}
		f.Protocol = ip.Protocol
		f.SrcIP, f.DstIP = ip.SrcIP.String(), ip.DstIP.String()
		f.FragOffset = ip.FragOffset * 8
		f.FragID = uint32(ip.Id)
		f.Fragmented = ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
		body = ip.Payload
	case 6:
		var ip layers.IPv6
		if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("ipv6: %v: %w", err, ErrTruncated)
		}
		f.Protocol = ip.NextHeader
		f.SrcIP, f.DstIP = ip.SrcIP.String(), ip.DstIP.String()
		body = ip.Payload
		if f.Protocol == layers.IPProtocolIPv6Fragment {
			if len(body) < ipv6FragHdrLen {
				return nil, fmt.Errorf("ipv6 fragment header: %w", ErrTruncated)
			}
			var fh FragmentHeader
			fh.decode(body)
			f.Protocol = fh.NextHeader
			f.Fragmented = true
			f.FragOffset = fh.Offset
			f.FragID = fh.ID
			body = body[ipv6FragHdrLen:]
		}
	default:
		return nil, fmt.Errorf("version %d: %w", f.IPVersion, ErrUnknownIPVersion)
	}

	f.transport(body)
	return f, nil
}

// transport fills ports and payload from the bytes following the IP
// headers.  Only the first fragment carries a transport header.
func (f *Flow) transport(body []byte) {
	if f.FragOffset != 0 {
		f.Payload = body
		return
	}

	switch f.Protocol {
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(body, gopacket.NilDecodeFeedback); err == nil {
			f.Ports = PortOrTypeCode{Kind: Ports, Src: uint16(udp.SrcPort), Dst: uint16(udp.DstPort)}
			f.HeaderLen = udpHdrLen
			f.Payload = udp.Payload
			return
		}
		f.rawPorts(body, udpHdrLen)
	case layers.IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(body, gopacket.NilDecodeFeedback); err == nil {
			f.Ports = PortOrTypeCode{Kind: Ports, Src: uint16(tcp.SrcPort), Dst: uint16(tcp.DstPort)}
			f.HeaderLen = int(tcp.DataOffset) * 4
			f.Payload = tcp.Payload
			return
		}
		hl := 20
		if len(body) > 12 {
			hl = int(body[12]>>4) * 4
		}
		f.rawPorts(body, hl)
	case layers.IPProtocolICMPv4, layers.IPProtocolICMPv6, layers.IPProtocolIGMP:
		if len(body) >= 2 {
			f.Ports = PortOrTypeCode{Kind: TypeCode, Src: uint16(body[0]), Dst: uint16(body[1])}
		}
		f.HeaderLen = icmpHdrLen
		f.Payload = clamp(body, icmpHdrLen)
	default:
		f.Payload = body
	}
}

// rawPorts is the fallback for transport headers gopacket refuses, such as
// a first fragment cut inside the TCP options.
func (f *Flow) rawPorts(body []byte, hl int) {
	if len(body) >= 4 {
		f.Ports = PortOrTypeCode{
			Kind: Ports,
			Src:  binary.BigEndian.Uint16(body[0:2]),
			Dst:  binary.BigEndian.Uint16(body[2:4]),
		}
	}
	f.HeaderLen = hl
	f.Payload = clamp(body, hl)
}

func clamp(b []byte, n int) []byte {
	if n >= len(b) {
		return b[len(b):]
	}
	return b[n:]
}

// FragmentHeader is the IPv6 fragment extension header.
type FragmentHeader struct {
	NextHeader layers.IPProtocol
	// Offset is in bytes.
	Offset uint16
	More   bool
	ID     uint32
}

func (h *FragmentHeader) decode(b []byte) {
	h.NextHeader = layers.IPProtocol(b[0])
	v := binary.BigEndian.Uint16(b[2:4])
	h.Offset = v &^ 0x7
	h.More = v&0x1 != 0
	h.ID = binary.BigEndian.Uint32(b[4:8])
}

// ParseFragmentHeader decodes the 8 byte IPv6 fragment header at b.
func ParseFragmentHeader(b []byte) (FragmentHeader, error) {
	var h FragmentHeader
	if len(b) < ipv6FragHdrLen {
		return h, fmt.Errorf("ipv6 fragment header: %w", ErrTruncated)
	}
	h.decode(b)
	return h, nil
}
