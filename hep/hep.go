// Package hep encodes captured packets as HEPv3 frames, the Homer
// encapsulation protocol, and ships them to a collector over UDP.
package hep

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

type constErr string

func (e constErr) Error() string { return string(e) }

// Encoding errors.
const (
	ErrBadAddress    = constErr("address is not IPv4 or IPv6")
	ErrFamilyMix     = constErr("source and destination address families differ")
	ErrBadVersion    = constErr("IP version is not 4 or 6")
	ErrFrameTooLarge = constErr("frame exceeds 65535 bytes")
)

// DefaultCaptureID is the capture agent id sent when none is configured.
const DefaultCaptureID = 101

// ProtoSIP is the payload protocol type for SIP.
const ProtoSIP = 1

const (
	headerLen      = 6
	chunkHeaderLen = 6
	vendorGeneric  = 0

	familyV4 = 2
	familyV6 = 10
)

// Chunk types, in the order they are written.
const (
	chunkIPFamily  = 1
	chunkIPProto   = 2
	chunkSrcIPv4   = 3
	chunkDstIPv4   = 4
	chunkSrcIPv6   = 5
	chunkDstIPv6   = 6
	chunkSrcPort   = 7
	chunkDstPort   = 8
	chunkTsSec     = 9
	chunkTsUsec    = 10
	chunkProtoType = 11
	chunkCaptureID = 12
	chunkAuthKey   = 14
	chunkPayload   = 15
)

// Meta describes the packet a payload was carried in.
//
// IPVersion is the version of the captured IP header and picks the address
// chunks, so an IPv6 packet between IPv4-mapped addresses still travels as
// IPv6.  Zero infers the family from the addresses.
type Meta struct {
	IPVersion uint8
	Protocol  uint8
	SrcIP     string
	DstIP     string
	SrcPort   uint16
	DstPort   uint16
	Timestamp time.Time
	ProtoType uint8
}

// Options are the agent settings stamped on every frame.  An empty
// AuthKey omits the key chunk.
type Options struct {
	CaptureID uint16
	AuthKey   string
}

// Encode builds the HEPv3 frame for payload.
func Encode(m Meta, payload []byte, opts Options) ([]byte, error) {
	src, dst := net.ParseIP(m.SrcIP), net.ParseIP(m.DstIP)
	if src == nil || dst == nil {
		return nil, fmt.Errorf("encoding %q -> %q: %w", m.SrcIP, m.DstIP, ErrBadAddress)
	}

	v4 := src.To4() != nil && dst.To4() != nil
	switch m.IPVersion {
	case 0:
		if !v4 && (src.To4() != nil || dst.To4() != nil) {
			return nil, fmt.Errorf("encoding %q -> %q: %w", m.SrcIP, m.DstIP, ErrFamilyMix)
		}
	case 4:
		if !v4 {
			return nil, fmt.Errorf("encoding %q -> %q as IPv4: %w", m.SrcIP, m.DstIP, ErrFamilyMix)
		}
	case 6:
		v4 = false
	default:
		return nil, fmt.Errorf("encoding version %d: %w", m.IPVersion, ErrBadVersion)
	}

	family := uint8(familyV6)
	srcChunk, dstChunk := uint16(chunkSrcIPv6), uint16(chunkDstIPv6)
	if v4 {
		family = familyV4
		srcChunk, dstChunk = chunkSrcIPv4, chunkDstIPv4
		src, dst = src.To4(), dst.To4()
	} else {
		src, dst = src.To16(), dst.To16()
	}

	size := headerLen + 4*chunkHeaderLen + 2 + 2*len(src) +
		6*chunkHeaderLen + 2*2 + 2*4 + 1 + 2 +
		chunkHeaderLen + len(payload)
	if opts.AuthKey != "" {
		size += chunkHeaderLen + len(opts.AuthKey)
	}
	if size > 0xFFFF {
		return nil, fmt.Errorf("encoding %d byte payload: %w", len(payload), ErrFrameTooLarge)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, 'H', 'E', 'P', '3', 0, 0)
	buf = appendUint8(buf, chunkIPFamily, family)
	buf = appendUint8(buf, chunkIPProto, m.Protocol)
	buf = appendBytes(buf, srcChunk, src)
	buf = appendBytes(buf, dstChunk, dst)
	buf = appendUint16(buf, chunkSrcPort, m.SrcPort)
	buf = appendUint16(buf, chunkDstPort, m.DstPort)
	buf = appendUint32(buf, chunkTsSec, uint32(m.Timestamp.Unix()))
	buf = appendUint32(buf, chunkTsUsec, uint32(m.Timestamp.Nanosecond()/1000))
	buf = appendUint8(buf, chunkProtoType, m.ProtoType)
	buf = appendUint16(buf, chunkCaptureID, opts.CaptureID)
	if opts.AuthKey != "" {
		buf = appendBytes(buf, chunkAuthKey, []byte(opts.AuthKey))
	}
	buf = appendBytes(buf, chunkPayload, payload)

	binary.BigEndian.PutUint16(buf[4:6], uint16(len(buf)))
	return buf, nil
}

func appendChunkHeader(buf []byte, typ uint16, valueLen int) []byte {
	var h [chunkHeaderLen]byte
	binary.BigEndian.PutUint16(h[0:2], vendorGeneric)
	binary.BigEndian.PutUint16(h[2:4], typ)
	binary.BigEndian.PutUint16(h[4:6], uint16(chunkHeaderLen+valueLen))
	return append(buf, h[:]...)
}

func appendBytes(buf []byte, typ uint16, v []byte) []byte {
	buf = appendChunkHeader(buf, typ, len(v))
	return append(buf, v...)
}

func appendUint8(buf []byte, typ uint16, v uint8) []byte {
	buf = appendChunkHeader(buf, typ, 1)
	return append(buf, v)
}

func appendUint16(buf []byte, typ uint16, v uint16) []byte {
	buf = appendChunkHeader(buf, typ, 2)
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, typ uint16, v uint32) []byte {
	buf = appendChunkHeader(buf, typ, 4)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}
