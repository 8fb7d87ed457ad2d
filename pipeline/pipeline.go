// Package pipeline runs each captured packet through reassembly,
// dissection, export, dialog tracking and the match gate, one packet at a
// time.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nextcaller/sipgrep/collect"
	"github.com/nextcaller/sipgrep/defrag"
	"github.com/nextcaller/sipgrep/dialog"
	"github.com/nextcaller/sipgrep/dissect"
	"github.com/nextcaller/sipgrep/hep"
	"github.com/nextcaller/sipgrep/match"
	"github.com/nextcaller/sipgrep/sipmsg"
)

// idleInterval is how often Run sweeps dialogs and checks the stop
// deadline while no packets arrive.
const idleInterval = time.Second

// StopReason says why Run returned.
type StopReason int

// Reasons for stopping.
const (
	Continue StopReason = iota
	StopClosed
	StopCanceled
	StopDeadline
	StopMatchCap
)

func (r StopReason) String() string {
	switch r {
	case Continue:
		return "running"
	case StopClosed:
		return "source closed"
	case StopCanceled:
		return "canceled"
	case StopDeadline:
		return "stop deadline reached"
	case StopMatchCap:
		return "match limit reached"
	}
	return "unknown"
}

// Exporter mirrors accepted SIP payloads to a collector.
type Exporter interface {
	Send(hep.Meta, []byte) error
}

// Sink receives displayed messages and dialog reports.  It must not block.
type Sink interface {
	Accept(*collect.Msg) error
}

// Dumper records displayed packets.
type Dumper interface {
	Write(gopacket.CaptureInfo, []byte) error
}

// Pacer delays displayed packets to replay a capture at recorded speed.
type Pacer interface {
	Wait(context.Context, time.Time) error
}

// Options configures a Pipeline.  Nil collaborators are skipped.
type Options struct {
	Reassemble bool
	// DialogMatch tracks dialogs, and lets every later message of a
	// tracked dialog through without consulting the gate.
	DialogMatch bool
	// DialogRemove sweeps terminated dialogs once their removal delay has
	// passed.  Without it they stay until Flush.
	DialogRemove bool
	// Report logs and publishes a summary of each dialog as it is removed.
	Report bool

	ShowEmpty bool
	// LimitLen truncates payloads before they are inspected; 0 is no limit.
	LimitLen int
	// StopAfter ends the capture once that long has passed since Run
	// started; 0 runs forever.
	StopAfter time.Duration

	// Clock stamps dialog events; time.Now when nil.
	Clock func() time.Time

	Export Exporter
	Sink   Sink
	Dump   Dumper
	Pacer  Pacer
}

// Pipeline owns all per-capture state.  It is not safe for concurrent use:
// Run, or a caller feeding Process directly, is its only user.
type Pipeline struct {
	opts    Options
	adapter *defrag.Adapter
	tracker *dialog.Tracker
	gate    *match.Gate
	metrics *Metrics

	stopAt   time.Time
	finished []*dialog.Report
}

// New creates a Pipeline for packets of the given datalink, gated by gate.
func New(link dissect.Link, gate *match.Gate, opts Options) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	p := &Pipeline{
		opts:    opts,
		adapter: defrag.New(link, opts.Reassemble),
		gate:    gate,
		metrics: NewMetrics(),
	}
	var report func(*dialog.Report)
	if opts.Report {
		report = func(r *dialog.Report) { p.finished = append(p.finished, r) }
	}
	p.tracker = dialog.NewTracker(report)
	return p
}

// Metrics returns every prometheus.Collector the pipeline and its stages
// maintain.
func (p *Pipeline) Metrics() []prometheus.Collector {
	var c []prometheus.Collector
	c = append(c, p.metrics.List()...)
	c = append(c, p.adapter.Metrics()...)
	c = append(c, p.tracker.Metrics()...)
	c = append(c, p.gate.Metrics()...)
	return c
}

// Tracker exposes the dialog table, for inspection.
func (p *Pipeline) Tracker() *dialog.Tracker { return p.tracker }

// Run consumes packets until the channel closes, ctx is done, the stop
// deadline passes or the gate runs out of matches.
func (p *Pipeline) Run(ctx context.Context, packets <-chan gopacket.Packet) StopReason {
	log := zerolog.Ctx(ctx).With().Str("component", "pipeline").Logger()
	ctx = log.WithContext(ctx)

	if p.opts.StopAfter > 0 {
		p.stopAt = p.opts.Clock().Add(p.opts.StopAfter)
	}

	ticker := time.NewTicker(idleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StopCanceled
		case packet, ok := <-packets:
			if packet == nil || !ok {
				return StopClosed
			}
			if r := p.Process(ctx, packet.Data(), packet.Metadata().CaptureInfo); r != Continue {
				return r
			}
		case <-ticker.C:
			if p.deadlinePassed() {
				return StopDeadline
			}
			if p.opts.DialogMatch && p.opts.DialogRemove {
				if n := p.tracker.Sweep(p.opts.Clock()); n > 0 {
					log.Debug().Int("removed", n).Msg("swept idle dialogs")
				}
				p.drainReports(ctx)
			}
		}
	}
}

func (p *Pipeline) deadlinePassed() bool {
	return !p.stopAt.IsZero() && !p.opts.Clock().Before(p.stopAt)
}

// Process handles one captured frame and reports whether capture should
// stop.
func (p *Pipeline) Process(ctx context.Context, data []byte, ci gopacket.CaptureInfo) StopReason {
	log := zerolog.Ctx(ctx)
	p.metrics.Incoming.Inc()

	if p.deadlinePassed() {
		return StopDeadline
	}

	datagram, off, err := p.adapter.Submit(data, ci.Timestamp)
	switch {
	case errors.Is(err, defrag.ErrIncomplete):
		log.Debug().Msg("incomplete fragment, continuing")
		return Continue
	case err != nil:
		log.Debug().Err(err).Msg("dropping fragment")
		return Continue
	}

	flow, err := dissect.Dissect(datagram, off)
	if err != nil {
		p.metrics.Invalid.Inc()
		log.Debug().Err(err).Msg("undecodable packet")
		return Continue
	}

	p.inspect(ctx, data, datagram, off, flow, ci)

	if p.gate.Exhausted() {
		return StopMatchCap
	}
	p.gate.Tick()
	return Continue
}

func (p *Pipeline) inspect(ctx context.Context, data, datagram []byte, off int, flow *dissect.Flow, ci gopacket.CaptureInfo) {
	log := zerolog.Ctx(ctx)

	payload := flow.Payload
	if len(payload) == 0 && !p.opts.ShowEmpty {
		p.metrics.Empty.Inc()
		return
	}
	if p.opts.LimitLen > 0 && len(payload) > p.opts.LimitLen {
		payload = payload[:p.opts.LimitLen]
	}
	if len(payload) == 0 {
		p.metrics.Empty.Inc()
		return
	}
	if !isAlpha(payload[0]) || bytes.HasPrefix(payload, []byte("HEP3")) {
		p.metrics.NonSIP.Inc()
		return
	}

	p.export(ctx, flow, payload, ci.Timestamp)

	// Messages are applied in the order they appear in the payload.  The
	// gate is consulted at most once, for the first message that does not
	// belong to a tracked dialog.
	var (
		d               *dialog.Dialog
		gated, accepted bool
	)
	accept := func() bool {
		if !gated {
			gated, accepted = true, p.gate.Accept(payload)
		}
		return accepted
	}
	if p.opts.DialogMatch {
		now := p.opts.Clock()
		for _, m := range p.parse(ctx, flow, payload) {
			got := p.tracker.Update(m, now)
			if got == nil && accept() {
				if got = p.tracker.Begin(m, now); got != nil {
					log.Debug().Str("call_id", got.CallID).Str("kind", got.Kind.String()).Msg("tracking new dialog")
				}
			}
			if d == nil {
				d = got
			}
		}
		if p.opts.DialogRemove {
			p.tracker.Sweep(now)
		}
	}

	if d == nil && !accept() {
		p.drainReports(ctx)
		return
	}

	if p.opts.Pacer != nil {
		if err := p.opts.Pacer.Wait(ctx, ci.Timestamp); err != nil {
			log.Debug().Err(err).Msg("replay delay interrupted")
		}
	}

	p.display(ctx, flow, payload, d, ci)
	p.dump(ctx, data, datagram, off, ci)
	p.drainReports(ctx)
}

func isAlpha(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// parse returns the SIP messages in payload.  TCP segments may carry more
// than one.
func (p *Pipeline) parse(ctx context.Context, flow *dissect.Flow, payload []byte) []*sipmsg.Message {
	parts := [][]byte{payload}
	if flow.Protocol == layers.IPProtocolTCP {
		parts = sipmsg.Split(payload)
	}

	var msgs []*sipmsg.Message
	for _, part := range parts {
		m, err := sipmsg.Parse(part)
		if err != nil {
			p.metrics.Unparseable.Inc()
			zerolog.Ctx(ctx).Debug().Err(err).Msg("not tracking unparseable SIP message")
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (p *Pipeline) export(ctx context.Context, flow *dissect.Flow, payload []byte, ts time.Time) {
	if p.opts.Export == nil {
		return
	}
	m := hep.Meta{
		IPVersion: flow.IPVersion,
		Protocol:  uint8(flow.Protocol),
		SrcIP:     flow.SrcIP,
		DstIP:     flow.DstIP,
		Timestamp: ts,
		ProtoType: hep.ProtoSIP,
	}
	if flow.Ports.Kind == dissect.Ports {
		m.SrcPort, m.DstPort = flow.Ports.Src, flow.Ports.Dst
	}
	if err := p.opts.Export.Send(m, payload); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("hep export failed")
	}
}

// ident is the one letter protocol tag shown for each packet.
func ident(proto layers.IPProtocol) string {
	switch proto {
	case layers.IPProtocolTCP:
		return "T"
	case layers.IPProtocolUDP:
		return "U"
	case layers.IPProtocolICMPv4, layers.IPProtocolICMPv6:
		return "I"
	case layers.IPProtocolIGMP:
		return "G"
	}
	return "?"
}

func endpoints(flow *dissect.Flow) (string, string) {
	if flow.Ports.Kind != dissect.Ports || (flow.Ports.Src == 0 && flow.Ports.Dst == 0) {
		return flow.SrcIP, flow.DstIP
	}
	return net.JoinHostPort(flow.SrcIP, strconv.Itoa(int(flow.Ports.Src))),
		net.JoinHostPort(flow.DstIP, strconv.Itoa(int(flow.Ports.Dst)))
}

func (p *Pipeline) display(ctx context.Context, flow *dissect.Flow, payload []byte, d *dialog.Dialog, ci gopacket.CaptureInfo) {
	p.metrics.Displayed.Inc()
	src, dst := endpoints(flow)

	ev := zerolog.Ctx(ctx).Info().
		Str("proto", ident(flow.Protocol)).
		Time("ts", ci.Timestamp).
		Str("src", src).
		Str("dst", dst)
	if flow.Ports.Kind == dissect.TypeCode {
		ev = ev.Uint16("type", flow.Ports.Src).Uint16("code", flow.Ports.Dst)
	}
	if flow.Fragmented {
		ev = ev.Uint32("frag_id", flow.FragID).Uint16("frag_offset", flow.FragOffset)
	}
	callID := ""
	if d != nil {
		callID = d.CallID
		ev = ev.Str("call_id", d.CallID).Str("dialog", d.Kind.String())
		if d.Terminated() {
			ev = ev.Str("cause", d.Cause.String())
		}
	}
	ev.Bytes("sip", payload).Msg("packet")

	if p.opts.Sink != nil {
		if err := p.opts.Sink.Accept(collect.NewMsg(payload, callID, src, dst, ci.Timestamp)); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("sink refused message")
		}
	}
}

// dump writes the displayed packet.  A reassembled datagram is written
// behind the link header of the frame that completed it.
func (p *Pipeline) dump(ctx context.Context, data, datagram []byte, off int, ci gopacket.CaptureInfo) {
	if p.opts.Dump == nil {
		return
	}
	frame := data
	if len(datagram) > 0 && &datagram[0] != &data[0] {
		netOff := p.adapter.NetworkOffset(data)
		frame = make([]byte, 0, netOff+len(datagram)-off)
		frame = append(frame, data[:netOff]...)
		frame = append(frame, datagram[off:]...)
		ci.CaptureLength = len(frame)
		ci.Length = len(frame)
	}
	if err := p.opts.Dump.Write(ci, frame); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("writing dump")
	}
}

func (p *Pipeline) drainReports(ctx context.Context) {
	if len(p.finished) == 0 {
		return
	}
	log := zerolog.Ctx(ctx)
	for _, r := range p.finished {
		p.metrics.Reports.Inc()
		log.Info().Object("dialog", r).Msg("dialog finished")
		if p.opts.Sink != nil {
			if err := p.opts.Sink.Accept(collect.NewReportMsg(r, p.opts.Clock())); err != nil {
				log.Debug().Err(err).Msg("sink refused report")
			}
		}
	}
	p.finished = p.finished[:0]
}

// Flush ends every dialog still tracked, reporting each when reporting is
// on, and returns how many there were.
func (p *Pipeline) Flush(ctx context.Context) int {
	n := p.tracker.Flush()
	p.drainReports(ctx)
	return n
}
