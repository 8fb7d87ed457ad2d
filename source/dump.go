package source

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Dumper writes packets to a pcap file.
type Dumper struct {
	w     *pcapgo.Writer
	buf   *bufio.Writer
	file  io.Closer
	count int
}

// NewDumper writes a pcap file header for linkType to w and returns a
// Dumper appending packets after it.
func NewDumper(w io.Writer, snaplen int, linkType layers.LinkType) (*Dumper, error) {
	if snaplen <= 0 {
		snaplen = DefaultSnaplen
	}
	buf := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(buf)
	if err := pw.WriteFileHeader(uint32(snaplen), linkType); err != nil {
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	return &Dumper{w: pw, buf: buf}, nil
}

// CreateDumper creates or truncates path and dumps into it.
func CreateDumper(path string, snaplen int, linkType layers.LinkType) (*Dumper, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating dump file: %w", err)
	}
	d, err := NewDumper(f, snaplen, linkType)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.file = f
	return d, nil
}

// Write appends one packet.  ci.CaptureLength must equal len(data).
func (d *Dumper) Write(ci gopacket.CaptureInfo, data []byte) error {
	if err := d.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("dumping packet: %w", err)
	}
	d.count++
	return nil
}

// Count is the number of packets written so far.
func (d *Dumper) Count() int { return d.count }

// Close flushes buffered packets and closes the file, if the Dumper opened
// one.
func (d *Dumper) Close() error {
	err := d.buf.Flush()
	if d.file != nil {
		if cerr := d.file.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("closing dump: %w", err)
	}
	return nil
}
