package pipeline

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/nextcaller/sipgrep/collect"
	"github.com/nextcaller/sipgrep/dialog"
	"github.com/nextcaller/sipgrep/dissect"
	"github.com/nextcaller/sipgrep/hep"
	"github.com/nextcaller/sipgrep/match"
	"github.com/nextcaller/sipgrep/testhelpers"
)

var (
	alice = testhelpers.Endpoint{IP: "10.0.0.1", Port: 5060}
	bob   = testhelpers.Endpoint{IP: "10.0.0.2", Port: 5060}
	t0    = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time        { return c.now }
func (c *clock) set(sec int) time.Time { c.now = t0.Add(time.Duration(sec) * time.Second); return c.now }

type sink struct{ msgs []*collect.Msg }

func (s *sink) Accept(m *collect.Msg) error { s.msgs = append(s.msgs, m); return nil }

func (s *sink) kinds(kind string) []*collect.Msg {
	var out []*collect.Msg
	for _, m := range s.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type exporter struct {
	metas    []hep.Meta
	payloads [][]byte
}

func (e *exporter) Send(m hep.Meta, payload []byte) error {
	e.metas = append(e.metas, m)
	e.payloads = append(e.payloads, append([]byte(nil), payload...))
	return nil
}

type dumper struct {
	frames [][]byte
	infos  []gopacket.CaptureInfo
}

func (d *dumper) Write(ci gopacket.CaptureInfo, data []byte) error {
	d.infos = append(d.infos, ci)
	d.frames = append(d.frames, append([]byte(nil), data...))
	return nil
}

func sip(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n\r\n")
}

func request(method, callID string, cseq int, toTag bool) []byte {
	to := "To: <sip:bob@example.com>"
	if toTag {
		to += ";tag=b1"
	}
	return sip(
		method+" sip:bob@example.com SIP/2.0",
		"From: <sip:alice@example.com>;tag=a1",
		to,
		"Call-ID: "+callID,
		"CSeq: "+strconv.Itoa(cseq)+" "+method,
		"User-Agent: pipeline-test",
		"Content-Length: 0",
	)
}

func response(status, callID string, cseq int, method string) []byte {
	return sip(
		"SIP/2.0 "+status,
		"From: <sip:alice@example.com>;tag=a1",
		"To: <sip:bob@example.com>;tag=b1",
		"Call-ID: "+callID,
		"CSeq: "+strconv.Itoa(cseq)+" "+method,
		"Content-Length: 0",
	)
}

func ethernet(t *testing.T) dissect.Link {
	t.Helper()
	l, err := dissect.NewLink(layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func gate(t *testing.T, cfg match.Config) *match.Gate {
	t.Helper()
	g, err := match.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func info(ts time.Time, frame []byte) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}
}

func logCtx() (context.Context, *testhelpers.LogBuf) {
	buf := testhelpers.NewLogBuf()
	log := zerolog.New(buf)
	return log.WithContext(context.Background()), buf
}

func TestCallScenario(t *testing.T) {
	is := is.New(t)
	ctx, logs := logCtx()

	clk := &clock{}
	out := &sink{}
	exp := &exporter{}
	p := New(ethernet(t), gate(t, match.Config{Pattern: "INVITE"}), Options{
		DialogMatch:  true,
		DialogRemove: true,
		Report:       true,
		Clock:        clk.Now,
		Sink:         out,
		Export:       exp,
	})

	steps := []struct {
		sec      int
		from, to testhelpers.Endpoint
		payload  []byte
	}{
		{0, alice, bob, request("INVITE", "call-1", 1, false)},
		{1, bob, alice, response("180 Ringing", "call-1", 1, "INVITE")},
		{2, bob, alice, response("200 OK", "call-1", 1, "INVITE")},
		{3, alice, bob, request("ACK", "call-1", 1, true)},
		{62, alice, bob, request("BYE", "call-1", 2, true)},
		{62, bob, alice, response("200 OK", "call-1", 2, "BYE")},
		{70, alice, bob, request("OPTIONS", "ping-1", 1, false)},
	}
	for _, s := range steps {
		ts := clk.set(s.sec)
		frame := testhelpers.UDPv4(t, s.from, s.to, s.payload)
		is.Equal(p.Process(ctx, frame, info(ts, frame)), Continue)
	}

	is.Equal(len(exp.metas), 7) // every SIP payload is exported, matched or not
	is.Equal(exp.metas[0].SrcIP, "10.0.0.1")
	is.Equal(exp.metas[0].DstPort, uint16(5060))
	is.Equal(exp.metas[0].Protocol, uint8(layers.IPProtocolUDP))
	is.Equal(exp.metas[0].IPVersion, uint8(4))
	is.Equal(exp.metas[0].ProtoType, uint8(hep.ProtoSIP))

	is.Equal(len(out.kinds(collect.KindSIP)), 6) // OPTIONS is not part of a dialog and does not match
	is.Equal(out.kinds(collect.KindSIP)[0].ID, "call-1")
	is.Equal(out.kinds(collect.KindSIP)[0].Src, "10.0.0.1:5060")
	is.Equal(testutil.ToFloat64(p.metrics.Displayed), 6.0)

	reports := out.kinds(collect.KindDialog)
	is.Equal(len(reports), 1)
	r := reports[0].Dialog
	is.Equal(r.CallID, "call-1")
	is.Equal(r.Cause, dialog.CauseBye)
	is.Equal(r.Reason, "BYE")
	is.Equal(r.RingDelta, time.Second)
	is.Equal(r.ConnectDelta, 2*time.Second)
	is.Equal(r.Duration, 60*time.Second)
	is.True(r.WasConnected)

	is.Equal(p.Tracker().Len(), 0)
	finished := logs.Messages(t, "dialog finished")
	is.Equal(len(finished), 1)
	logged := finished[0]["dialog"].(map[string]interface{})
	is.Equal(logged["call_id"], "call-1")
	is.Equal(logged["cause"], "bye")
	is.Equal(logged["was_connected"], true)
}

func TestRegisterScenario(t *testing.T) {
	is := is.New(t)
	ctx, _ := logCtx()

	clk := &clock{}
	out := &sink{}
	p := New(ethernet(t), gate(t, match.Config{Pattern: "REGISTER"}), Options{
		DialogMatch:  true,
		DialogRemove: true,
		Report:       true,
		Clock:        clk.Now,
		Sink:         out,
	})

	for _, s := range []struct {
		sec     int
		payload []byte
	}{
		{0, request("REGISTER", "reg-1", 1, false)},
		{0, response("401 Unauthorized", "reg-1", 1, "REGISTER")},
		{1, request("REGISTER", "reg-1", 2, false)},
		{1, response("200 OK", "reg-1", 2, "REGISTER")},
	} {
		ts := clk.set(s.sec)
		frame := testhelpers.UDPv4(t, alice, bob, s.payload)
		is.Equal(p.Process(ctx, frame, info(ts, frame)), Continue)
	}

	d, ok := p.Tracker().Lookup("reg-1")
	is.True(ok)
	is.True(d.Registered)
	is.Equal(d.Cause, dialog.CauseRegistration200)
	is.Equal(d.InitCSeq, int64(2))

	is.Equal(p.Flush(ctx), 1)
	reports := out.kinds(collect.KindDialog)
	is.Equal(len(reports), 1)
	is.True(reports[0].Dialog.Registered)
	is.Equal(reports[0].Dialog.Reason, "200")
}

func TestSkippedPayloads(t *testing.T) {
	tests := map[string]struct {
		payload []byte
		opts    Options
		empty   float64
		nonSIP  float64
		shown   float64
	}{
		"empty":           {payload: nil, empty: 1},
		"empty shown":     {payload: nil, opts: Options{ShowEmpty: true}, empty: 1},
		"digit":           {payload: []byte("200 not sip"), nonSIP: 1},
		"hep frame":       {payload: []byte("HEP3\x00\x10"), nonSIP: 1},
		"sip":             {payload: request("OPTIONS", "x", 1, false), shown: 1},
		"negative limit":  {payload: []byte("OPTIONS"), opts: Options{LimitLen: -1}, shown: 1},
		"limited options": {payload: request("OPTIONS", "x", 1, false), opts: Options{LimitLen: 7}, shown: 1},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			is := is.New(t)
			ctx, _ := logCtx()
			exp := &exporter{}
			tc.opts.Export = exp
			p := New(ethernet(t), gate(t, match.Config{}), tc.opts)

			frame := testhelpers.UDPv4(t, alice, bob, tc.payload)
			p.Process(ctx, frame, info(t0, frame))

			is.Equal(testutil.ToFloat64(p.metrics.Empty), tc.empty)
			is.Equal(testutil.ToFloat64(p.metrics.NonSIP), tc.nonSIP)
			is.Equal(testutil.ToFloat64(p.metrics.Displayed), tc.shown)
			is.Equal(float64(len(exp.metas)), tc.shown)
			if tc.opts.LimitLen > 0 {
				is.Equal(len(exp.payloads[0]), tc.opts.LimitLen)
			}
		})
	}
}

func TestMatchCap(t *testing.T) {
	is := is.New(t)
	ctx, _ := logCtx()

	p := New(ethernet(t), gate(t, match.Config{Pattern: "INVITE", MaxMatches: 2}), Options{})

	want := []StopReason{Continue, Continue, StopMatchCap}
	for i, payload := range [][]byte{
		request("INVITE", "a", 1, false),
		request("OPTIONS", "b", 1, false),
		request("INVITE", "c", 1, false),
	} {
		frame := testhelpers.UDPv4(t, alice, bob, payload)
		is.Equal(p.Process(ctx, frame, info(t0, frame)), want[i])
	}
}

func TestTrailingWindowDisplays(t *testing.T) {
	is := is.New(t)
	ctx, _ := logCtx()

	out := &sink{}
	p := New(ethernet(t), gate(t, match.Config{Pattern: "INVITE", MatchAfter: 1}), Options{Sink: out})

	for _, payload := range [][]byte{
		request("INVITE", "a", 1, false),
		request("OPTIONS", "b", 1, false),
		request("OPTIONS", "c", 1, false),
	} {
		frame := testhelpers.UDPv4(t, alice, bob, payload)
		p.Process(ctx, frame, info(t0, frame))
	}

	is.Equal(len(out.msgs), 2)
	is.True(bytes.Contains(out.msgs[1].SIPData, []byte("Call-ID: b\r\n")))
}

func TestFragmentedInvite(t *testing.T) {
	is := is.New(t)
	ctx, _ := logCtx()

	out := &sink{}
	dump := &dumper{}
	p := New(ethernet(t), gate(t, match.Config{Pattern: "INVITE"}), Options{
		Reassemble:  true,
		DialogMatch: true,
		Sink:        out,
		Dump:        dump,
	})

	payload := request("INVITE", "frag-1", 1, false)
	frags := testhelpers.FragmentedUDPv4(t, alice, bob, payload, 64)

	is.Equal(p.Process(ctx, frags[1], info(t0, frags[1])), Continue)
	is.Equal(len(out.msgs), 0)
	is.Equal(p.Process(ctx, frags[0], info(t0, frags[0])), Continue)

	is.Equal(len(out.msgs), 1)
	is.Equal(out.msgs[0].SIPData, payload)
	_, ok := p.Tracker().Lookup("frag-1")
	is.True(ok)

	is.Equal(len(dump.frames), 1)
	is.Equal(dump.infos[0].CaptureLength, len(dump.frames[0]))
	flow, err := dissect.Dissect(dump.frames[0], 14)
	is.NoErr(err)
	is.True(!flow.Fragmented)
	is.Equal(flow.Payload, payload)
}

func TestUnparseableStillDisplayed(t *testing.T) {
	is := is.New(t)
	ctx, _ := logCtx()

	out := &sink{}
	p := New(ethernet(t), gate(t, match.Config{}), Options{DialogMatch: true, Sink: out})

	frame := testhelpers.UDPv4(t, alice, bob, []byte("HELLO world"))
	p.Process(ctx, frame, info(t0, frame))

	is.Equal(testutil.ToFloat64(p.metrics.Unparseable), 1.0)
	is.Equal(len(out.msgs), 1)
	is.Equal(p.Tracker().Len(), 0)
}

func TestTCPSegmentWithTwoMessages(t *testing.T) {
	is := is.New(t)
	ctx, _ := logCtx()

	p := New(ethernet(t), gate(t, match.Config{}), Options{DialogMatch: true})

	seg := append(request("INVITE", "tcp-1", 1, false), request("REGISTER", "tcp-2", 1, false)...)
	frame := testhelpers.TCPv4(t, alice, bob, seg)
	p.Process(ctx, frame, info(t0, frame))

	is.Equal(p.Tracker().Len(), 2)
	d, ok := p.Tracker().Lookup("tcp-2")
	is.True(ok)
	is.Equal(d.Kind, dialog.Register)
}

func TestExportMappedIPv6(t *testing.T) {
	is := is.New(t)
	ctx, _ := logCtx()

	exp := &exporter{}
	p := New(ethernet(t), gate(t, match.Config{}), Options{Export: exp})

	src := testhelpers.Endpoint{IP: "::ffff:10.0.0.1", Port: 5060}
	dst := testhelpers.Endpoint{IP: "2001:db8::2", Port: 5060}
	frame := testhelpers.UDPv6(t, src, dst, request("OPTIONS", "v6", 1, false))
	p.Process(ctx, frame, info(t0, frame))

	is.Equal(len(exp.metas), 1)
	m := exp.metas[0]
	is.Equal(m.IPVersion, uint8(6))
	is.Equal(m.SrcIP, "10.0.0.1") // Go renders mapped addresses dotted

	b, err := hep.Encode(m, exp.payloads[0], hep.Options{CaptureID: hep.DefaultCaptureID})
	is.NoErr(err)
	// family chunk value, then the 16 byte source address chunk
	is.Equal(b[12], byte(10))
	is.Equal(b[26:42], []byte(net.ParseIP("::ffff:10.0.0.1")))
}

func TestTCPSegmentInviteThenCancel(t *testing.T) {
	is := is.New(t)
	ctx, _ := logCtx()

	p := New(ethernet(t), gate(t, match.Config{}), Options{DialogMatch: true, DialogRemove: true})

	seg := append(request("INVITE", "tcp-c", 1, false), request("CANCEL", "tcp-c", 1, false)...)
	frame := testhelpers.TCPv4(t, alice, bob, seg)
	p.Process(ctx, frame, info(t0, frame))

	d, ok := p.Tracker().Lookup("tcp-c")
	is.True(ok)
	is.Equal(d.Cause, dialog.CauseCancel) // cancel applied after the invite began the dialog
	is.Equal(p.Tracker().Pending(), 1)
}

func TestTCPSegmentNewDialogBehindTrackedOne(t *testing.T) {
	is := is.New(t)
	ctx, _ := logCtx()

	p := New(ethernet(t), gate(t, match.Config{Pattern: "INVITE"}), Options{DialogMatch: true})

	first := testhelpers.TCPv4(t, alice, bob, request("INVITE", "tcp-x", 1, false))
	p.Process(ctx, first, info(t0, first))
	_, ok := p.Tracker().Lookup("tcp-x")
	is.True(ok)

	seg := append(request("BYE", "tcp-x", 2, true), request("INVITE", "tcp-y", 1, false)...)
	frame := testhelpers.TCPv4(t, alice, bob, seg)
	p.Process(ctx, frame, info(t0.Add(time.Second), frame))

	x, ok := p.Tracker().Lookup("tcp-x")
	is.True(ok)
	is.Equal(x.Cause, dialog.CauseBye)
	y, ok := p.Tracker().Lookup("tcp-y")
	is.True(ok) // gated and tracked although the segment opened with a tracked dialog
	is.Equal(y.Kind, dialog.Invite)
	is.Equal(testutil.ToFloat64(p.metrics.Displayed), 2.0)
}

func packet(t *testing.T, ts time.Time, payload []byte) gopacket.Packet {
	t.Helper()
	frame := testhelpers.UDPv4(t, alice, bob, payload)
	pkt := gopacket.NewPacket(frame, layers.LinkTypeEthernet, gopacket.Default)
	pkt.Metadata().CaptureInfo = info(ts, frame)
	return pkt
}

func TestRunStops(t *testing.T) {
	is := is.New(t)

	t.Run("closed", func(t *testing.T) {
		is := is.New(t)
		ctx, _ := logCtx()
		packets := make(chan gopacket.Packet, 1)
		packets <- packet(t, t0, request("INVITE", "a", 1, false))
		close(packets)

		p := New(ethernet(t), gate(t, match.Config{}), Options{})
		is.Equal(p.Run(ctx, packets), StopClosed)
		is.Equal(testutil.ToFloat64(p.metrics.Displayed), 1.0)
	})

	t.Run("canceled", func(t *testing.T) {
		is := is.New(t)
		ctx, _ := logCtx()
		ctx, cancel := context.WithCancel(ctx)
		cancel()

		p := New(ethernet(t), gate(t, match.Config{}), Options{})
		is.Equal(p.Run(ctx, make(chan gopacket.Packet)), StopCanceled)
	})

	t.Run("deadline", func(t *testing.T) {
		is := is.New(t)
		ctx, _ := logCtx()
		calls := 0
		now := func() time.Time {
			calls++
			if calls == 1 {
				return t0
			}
			return t0.Add(11 * time.Second)
		}
		packets := make(chan gopacket.Packet, 1)
		packets <- packet(t, t0, request("INVITE", "a", 1, false))

		p := New(ethernet(t), gate(t, match.Config{}), Options{StopAfter: 10 * time.Second, Clock: now})
		is.Equal(p.Run(ctx, packets), StopDeadline)
		is.Equal(testutil.ToFloat64(p.metrics.Displayed), 0.0)
	})
}

func TestDisplayLog(t *testing.T) {
	is := is.New(t)
	ctx, logs := logCtx()

	p := New(ethernet(t), gate(t, match.Config{}), Options{})
	frame := testhelpers.UDPv4(t, alice, bob, request("OPTIONS", "x", 1, false))
	p.Process(ctx, frame, info(t0, frame))

	lines := logs.Messages(t, "packet")
	is.Equal(len(lines), 1)
	line := lines[0]
	is.Equal(line["level"], "info")
	is.Equal(line["proto"], "U")
	is.Equal(line["src"], "10.0.0.1:5060")
	is.Equal(line["dst"], "10.0.0.2:5060")
	_, hasCallID := line["call_id"]
	is.True(!hasCallID) // dialog tracking is off
	is.True(strings.HasPrefix(line["sip"].(string), "OPTIONS sip:bob@example.com"))
}
