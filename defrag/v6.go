package defrag

import (
	"sort"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/nextcaller/sipgrep/dissect"
)

const (
	errV6Overlap  = constErr("overlapping ipv6 fragment")
	errV6TooLarge = constErr("ipv6 fragment beyond maximum datagram size")
	errV6TooMany  = constErr("too many ipv6 fragments")

	ipv6MaxPayload   = 65535
	ipv6MaxFragments = 8192
)

type v6Key struct {
	src, dst [16]byte
	id       uint32
}

type v6Fragment struct {
	offset int
	data   []byte
}

type v6Datagram struct {
	frags []v6Fragment
	// total is the payload length, known once the last fragment is seen.
	total int
	last  time.Time
}

type v6Defragmenter struct {
	pending map[v6Key]*v6Datagram
}

func newV6Defragmenter() *v6Defragmenter {
	return &v6Defragmenter{pending: make(map[v6Key]*v6Datagram)}
}

// add stores one fragment, returning the joined payload once every byte of
// the datagram is present.
func (d *v6Defragmenter) add(ip *layers.IPv6, fh dissect.FragmentHeader, chunk []byte, ts time.Time) ([]byte, error) {
	var k v6Key
	copy(k.src[:], ip.SrcIP.To16())
	copy(k.dst[:], ip.DstIP.To16())
	k.id = fh.ID

	end := int(fh.Offset) + len(chunk)
	if end > ipv6MaxPayload {
		delete(d.pending, k)
		return nil, errV6TooLarge
	}

	dg, ok := d.pending[k]
	if !ok {
		dg = &v6Datagram{total: -1}
		d.pending[k] = dg
	}
	if len(dg.frags) >= ipv6MaxFragments {
		delete(d.pending, k)
		return nil, errV6TooMany
	}
	for _, f := range dg.frags {
		if int(fh.Offset) < f.offset+len(f.data) && f.offset < end {
			if int(fh.Offset) == f.offset && len(chunk) == len(f.data) {
				// retransmitted fragment
				return nil, nil
			}
			delete(d.pending, k)
			return nil, errV6Overlap
		}
	}

	dg.frags = append(dg.frags, v6Fragment{offset: int(fh.Offset), data: append([]byte(nil), chunk...)})
	dg.last = ts
	if !fh.More {
		dg.total = end
	}
	if dg.total < 0 {
		return nil, nil
	}

	sort.Slice(dg.frags, func(i, j int) bool { return dg.frags[i].offset < dg.frags[j].offset })
	next := 0
	for _, f := range dg.frags {
		if f.offset != next {
			return nil, nil
		}
		next += len(f.data)
	}
	if next != dg.total {
		return nil, nil
	}

	out := make([]byte, 0, dg.total)
	for _, f := range dg.frags {
		out = append(out, f.data...)
	}
	delete(d.pending, k)
	return out, nil
}

func (d *v6Defragmenter) discardOlderThan(t time.Time) int {
	n := 0
	for k, dg := range d.pending {
		if dg.last.Before(t) {
			delete(d.pending, k)
			n++
		}
	}
	return n
}
