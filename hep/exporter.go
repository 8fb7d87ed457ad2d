package hep

import (
	"fmt"
	"net"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrBadURL is returned by ParseURL for anything not shaped scheme:host:port.
const ErrBadURL = constErr("collector url must be scheme:host:port")

// Target is a parsed collector address.  Scheme is informational; frames
// always travel over UDP.
type Target struct {
	Scheme string
	Host   string
	Port   string
}

// Addr returns host:port for dialing.
func (t Target) Addr() string { return net.JoinHostPort(t.Host, t.Port) }

// ParseURL splits a collector URL such as "udp:10.0.0.1:9060".  An IPv6
// host may be written bare or in brackets.
func ParseURL(s string) (Target, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return Target{}, fmt.Errorf("parsing %q: %w", s, ErrBadURL)
	}
	scheme, rest := s[:i], s[i+1:]

	j := strings.LastIndexByte(rest, ':')
	if j <= 0 || j == len(rest)-1 {
		return Target{}, fmt.Errorf("parsing %q: %w", s, ErrBadURL)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(rest[:j], "["), "]")
	port := rest[j+1:]
	if _, err := net.LookupPort("udp", port); err != nil {
		return Target{}, fmt.Errorf("parsing %q: %w", s, ErrBadURL)
	}
	return Target{Scheme: scheme, Host: host, Port: port}, nil
}

// Exporter writes frames to a single connected UDP socket.  Sends are
// fire-and-forget: a failed write is counted and returned, never retried.
type Exporter struct {
	conn    net.Conn
	opts    Options
	metrics *Metrics
}

// Dial parses url and connects an Exporter to it.
func Dial(url string, opts Options) (*Exporter, error) {
	t, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("udp", t.Addr())
	if err != nil {
		return nil, fmt.Errorf("connecting to collector %s: %w", t.Addr(), err)
	}
	return NewExporter(conn, opts), nil
}

// NewExporter wraps an already connected socket.
func NewExporter(conn net.Conn, opts Options) *Exporter {
	return &Exporter{conn: conn, opts: opts, metrics: NewMetrics()}
}

// Metrics returns a slice of prometheus.Collector objects that can be registered.
func (e *Exporter) Metrics() []prometheus.Collector { return e.metrics.List() }

// Send encodes payload and writes the frame.
func (e *Exporter) Send(m Meta, payload []byte) error {
	frame, err := Encode(m, payload, e.opts)
	if err != nil {
		e.metrics.EncodeFailed.Inc()
		return err
	}
	if _, err := e.conn.Write(frame); err != nil {
		e.metrics.SendFailed.Inc()
		return fmt.Errorf("sending hep frame: %w", err)
	}
	e.metrics.Sent.Inc()
	e.metrics.Bytes.Add(float64(len(frame)))
	return nil
}

// Close releases the socket.
func (e *Exporter) Close() error { return e.conn.Close() }
