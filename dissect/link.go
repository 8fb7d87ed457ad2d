package dissect

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"
)

// Header sizes of the link layers a capture can be opened on.
const (
	ethernetHdrLen  = 14
	tokenRingHdrLen = 22
	fddiHdrLen      = 21
	slipHdrLen      = 16
	pppHdrLen       = 4
	loopHdrLen      = 4
	rawHdrLen       = 0
	sllHdrLen       = 16
	ieee80211HdrLen = 32
)

// Link describes how to find the network layer inside a captured frame for
// a particular datalink type.
type Link struct {
	Type   layers.LinkType
	offset int
	// radiotap frames carry a variable length header ahead of the 802.11 one.
	radiotap bool
}

// NewLink returns the Link for a capture's datalink type.  Any type without
// a known fixed header size is rejected with ErrUnsupportedLink, since no
// packet from such a capture could be dissected.
func NewLink(lt layers.LinkType) (Link, error) {
	l := Link{Type: lt}
	switch lt {
	case layers.LinkTypeEthernet:
		l.offset = ethernetHdrLen
	case layers.LinkTypeTokenRing:
		l.offset = tokenRingHdrLen
	case layers.LinkTypeFDDI:
		l.offset = fddiHdrLen
	case layers.LinkTypeSLIP:
		l.offset = slipHdrLen
	case layers.LinkTypePPP:
		l.offset = pppHdrLen
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		l.offset = loopHdrLen
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		l.offset = rawHdrLen
	case layers.LinkTypeLinuxSLL:
		l.offset = sllHdrLen
	case layers.LinkTypeIEEE802_11:
		l.offset = ieee80211HdrLen
	case layers.LinkTypeIEEE80211Radio:
		l.offset = ieee80211HdrLen
		l.radiotap = true
	default:
		return l, fmt.Errorf("datalink %v (%d): %w", lt, uint8(lt), ErrUnsupportedLink)
	}
	return l, nil
}

// Ethernet reports whether frames on this link start with an Ethernet
// header, and so may carry an 802.1Q tag.
func (l Link) Ethernet() bool { return l.Type == layers.LinkTypeEthernet }

// Offset returns where the network layer begins in frame.
func (l Link) Offset(frame []byte) int {
	if l.radiotap && len(frame) >= 4 {
		// it_len is little endian, unlike everything else on the wire.
		return l.offset + int(binary.LittleEndian.Uint16(frame[2:4]))
	}
	return l.offset
}
