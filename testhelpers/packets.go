package testhelpers

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Endpoint is one side of a synthetic flow.
type Endpoint struct {
	IP   string
	Port uint16
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serializing test packet: %v", err)
	}
	return buf.Bytes()
}

func ether(typ layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: typ}
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func ipv6(src, dst string, next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
}

// UDPv4 returns an Ethernet frame carrying payload in IPv4/UDP.
func UDPv4(t *testing.T, src, dst Endpoint, payload []byte) []byte {
	t.Helper()
	ip := ipv4(src.IP, dst.IP, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ether(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

// VLANUDPv4 is UDPv4 with an 802.1Q tag after the Ethernet header.
func VLANUDPv4(t *testing.T, vid uint16, src, dst Endpoint, payload []byte) []byte {
	t.Helper()
	ip := ipv4(src.IP, dst.IP, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	_ = udp.SetNetworkLayerForChecksum(ip)
	tag := &layers.Dot1Q{VLANIdentifier: vid, Type: layers.EthernetTypeIPv4}
	return serialize(t, ether(layers.EthernetTypeDot1Q), tag, ip, udp, gopacket.Payload(payload))
}

// TCPv4 returns an Ethernet frame carrying payload in one IPv4/TCP segment.
func TCPv4(t *testing.T, src, dst Endpoint, payload []byte) []byte {
	t.Helper()
	ip := ipv4(src.IP, dst.IP, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port),
		DstPort: layers.TCPPort(dst.Port),
		Seq:     1,
		ACK:     true,
		PSH:     true,
		Window:  1024,
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ether(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(payload))
}

// ICMPv4 returns an Ethernet frame with an ICMP message of the given type
// and code.
func ICMPv4(t *testing.T, src, dst string, typ, code uint8, payload []byte) []byte {
	t.Helper()
	ip := ipv4(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, code), Id: 1, Seq: 1}
	return serialize(t, ether(layers.EthernetTypeIPv4), ip, icmp, gopacket.Payload(payload))
}

// UDPv6 returns an Ethernet frame carrying payload in IPv6/UDP.
func UDPv6(t *testing.T, src, dst Endpoint, payload []byte) []byte {
	t.Helper()
	ip := ipv6(src.IP, dst.IP, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ether(layers.EthernetTypeIPv6), ip, udp, gopacket.Payload(payload))
}

// udpDatagram returns the UDP header and payload as they appear after the
// IP header, checksummed against a pseudo header built from ip.
func udpDatagram(t *testing.T, ip gopacket.NetworkLayer, src, dst Endpoint, payload []byte) []byte {
	t.Helper()
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, udp, gopacket.Payload(payload))
}

// FragmentedUDPv4 returns the Ethernet frames of an IPv4/UDP datagram split
// so that the first fragment holds split bytes of the IP payload (UDP
// header included).  split must be a multiple of 8.
func FragmentedUDPv4(t *testing.T, src, dst Endpoint, payload []byte, split int) [][]byte {
	t.Helper()
	full := udpDatagram(t, ipv4(src.IP, dst.IP, layers.IPProtocolUDP), src, dst, payload)
	if split%8 != 0 || split <= 0 || split >= len(full) {
		t.Fatalf("bad fragment split %d for %d bytes", split, len(full))
	}

	first := ipv4(src.IP, dst.IP, layers.IPProtocolUDP)
	first.Flags = layers.IPv4MoreFragments
	second := ipv4(src.IP, dst.IP, layers.IPProtocolUDP)
	second.FragOffset = uint16(split / 8)

	return [][]byte{
		serialize(t, ether(layers.EthernetTypeIPv4), first, gopacket.Payload(full[:split])),
		serialize(t, ether(layers.EthernetTypeIPv4), second, gopacket.Payload(full[split:])),
	}
}

// FragmentedUDPv6 is FragmentedUDPv4 for IPv6, using a fragment extension
// header with the given identification.
func FragmentedUDPv6(t *testing.T, id uint32, src, dst Endpoint, payload []byte, split int) [][]byte {
	t.Helper()
	full := udpDatagram(t, ipv6(src.IP, dst.IP, layers.IPProtocolUDP), src, dst, payload)
	if split%8 != 0 || split <= 0 || split >= len(full) {
		t.Fatalf("bad fragment split %d for %d bytes", split, len(full))
	}

	frag := func(offset int, more bool, chunk []byte) []byte {
		hdr := make([]byte, 8, 8+len(chunk))
		hdr[0] = byte(layers.IPProtocolUDP)
		v := uint16(offset)
		if more {
			v |= 1
		}
		binary.BigEndian.PutUint16(hdr[2:4], v)
		binary.BigEndian.PutUint32(hdr[4:8], id)
		ip := ipv6(src.IP, dst.IP, layers.IPProtocolIPv6Fragment)
		return serialize(t, ether(layers.EthernetTypeIPv6), ip, gopacket.Payload(append(hdr, chunk...)))
	}
	return [][]byte{
		frag(0, true, full[:split]),
		frag(split, false, full[split:]),
	}
}
