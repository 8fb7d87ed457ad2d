package dialog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/nextcaller/sipgrep/sipmsg"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var t0 = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func request(method, callID string, cseq int64) *sipmsg.Message {
	return &sipmsg.Message{
		IsRequest:  true,
		Method:     method,
		CSeq:       cseq,
		CSeqMethod: method,
		CallID:     callID,
		From:       "<sip:alice@example.com>;tag=1",
		To:         "<sip:bob@example.com>",
		UserAgent:  "test-ua",
	}
}

func reply(status int, method, callID string, cseq int64) *sipmsg.Message {
	return &sipmsg.Message{
		Status:     status,
		CSeq:       cseq,
		CSeqMethod: method,
		CallID:     callID,
		HasToTag:   true,
	}
}

func TestCallLifecycle(t *testing.T) {
	is := is.New(t)
	tr := NewTracker(nil)

	d := tr.Begin(request(sipmsg.Invite, "abc", 1), at(0))
	is.True(d != nil)
	is.Equal(d.Kind, Invite)
	is.Equal(d.UAC, "test-ua")
	is.Equal(d.InitCSeq, int64(1))

	tr.Update(reply(180, sipmsg.Invite, "abc", 1), at(1))
	tr.Update(reply(200, sipmsg.Invite, "abc", 1), at(3))
	_, pending := tr.Deadline("abc")
	is.True(!pending) // answered calls are not terminated

	bye := request(sipmsg.Bye, "abc", 2)
	bye.HasToTag = true
	tr.Update(bye, at(63))

	is.Equal(d.Init, at(0))
	is.Equal(d.Ringing, at(1))
	is.Equal(d.Connected, at(3))
	is.Equal(d.Disconnected, at(63))
	is.Equal(d.Cause, CauseBye)
	is.Equal(d.Reason, ByeReason)

	dl, ok := tr.Deadline("abc")
	is.True(ok)
	is.Equal(dl, at(63).Add(RemoveDelay))
	is.Equal(testutil.ToFloat64(tr.metrics.Terminated.WithLabelValues("bye")), float64(1))
}

func TestRegisterRetry(t *testing.T) {
	is := is.New(t)
	tr := NewTracker(nil)

	d := tr.Begin(request(sipmsg.Register, "reg", 1), at(0))
	is.Equal(d.Kind, Register)

	tr.Update(reply(401, sipmsg.Register, "reg", 1), at(0))
	is.Equal(d.Cause, CauseAuth)
	is.Equal(d.Reason, 401)
	is.Equal(tr.Pending(), 1)

	tr.Update(request(sipmsg.Register, "reg", 2), at(1))
	is.Equal(d.Cause, CauseNone)
	is.Equal(d.Reason, 0)
	is.Equal(d.Init, at(1))
	is.True(d.Disconnected.IsZero())
	is.Equal(tr.Pending(), 0)

	tr.Update(reply(200, sipmsg.Register, "reg", 2), at(2))
	is.True(d.Registered)
	is.Equal(d.Cause, CauseRegistration200)
	is.Equal(d.Reason, 200)
	is.Equal(d.Connected, at(2))

	dl, ok := tr.Deadline("reg")
	is.True(ok)
	is.Equal(dl, at(2).Add(RemoveDelay))
	is.Equal(testutil.ToFloat64(tr.metrics.Restarted), float64(1))
}

func TestRestartAfterDeadline(t *testing.T) {
	is := is.New(t)
	tr := NewTracker(nil)

	d := tr.Begin(request(sipmsg.Invite, "abc", 1), at(0))
	tr.Update(reply(486, sipmsg.Invite, "abc", 1), at(1))
	is.Equal(d.Cause, Cause4xx)

	// The removal deadline has passed, but the new INVITE is applied before
	// any sweep gets to see it.
	tr.Update(request(sipmsg.Invite, "abc", 2), at(10))
	is.Equal(d.Cause, CauseNone)
	is.Equal(d.InitCSeq, int64(2))
	is.Equal(tr.Pending(), 0)

	is.Equal(tr.Sweep(at(11)), 0)
	got, ok := tr.Lookup("abc")
	is.True(ok)
	is.Equal(got, d)
}

func TestRequestsWithoutRestart(t *testing.T) {
	testCases := map[string]*sipmsg.Message{
		"retransmitted invite": request(sipmsg.Invite, "abc", 5),
		"older invite":         request(sipmsg.Invite, "abc", 4),
		"reinvite with to-tag": func() *sipmsg.Message {
			m := request(sipmsg.Invite, "abc", 6)
			m.HasToTag = true
			return m
		}(),
		"register on a call with same cseq": request(sipmsg.Register, "abc", 5),
		"ack":                               request("ACK", "abc", 5),
	}
	for name, m := range testCases {
		m := m
		t.Run(name, func(t *testing.T) {
			is := is.New(t)
			tr := NewTracker(nil)
			d := tr.Begin(request(sipmsg.Invite, "abc", 5), at(0))
			tr.Update(reply(200, sipmsg.Invite, "abc", 5), at(1))

			tr.Update(m, at(2))
			is.Equal(d.Init, at(0))
			is.Equal(d.Connected, at(1))
			is.Equal(d.InitCSeq, int64(5))
			is.Equal(testutil.ToFloat64(tr.metrics.Restarted), float64(0))
		})
	}
}

func TestInviteReplies(t *testing.T) {
	testCases := map[string]struct {
		status   int
		cause    Cause
		reason   int
		ringing  bool
		connect  bool
		finished bool
	}{
		"trying":           {100, CauseNone, 0, false, false, false},
		"ringing":          {180, CauseNone, 0, true, false, false},
		"session progress": {183, CauseNone, 0, false, false, false},
		"ok":               {200, CauseNone, 0, false, true, false},
		"accepted":         {202, CauseNone, 0, false, true, false},
		"moved temporary":  {302, CauseNone, 0, false, false, false},
		"alternative":      {386, CauseMoved, 386, false, false, true},
		"unauthorized":     {401, CauseAuth, 401, false, false, true},
		"proxy auth":       {407, CauseAuth, 407, false, false, true},
		"busy":             {486, Cause4xx, 486, false, false, true},
		"terminated":       {487, CauseCancel, 487, false, false, true},
		"server error":     {503, Cause5xx, 503, false, false, true},
		"decline":          {603, Cause6xx, 603, false, false, true},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			is := is.New(t)
			tr := NewTracker(nil)
			d := tr.Begin(request(sipmsg.Invite, "abc", 1), at(0))
			tr.Update(reply(tc.status, sipmsg.Invite, "abc", 1), at(1))

			is.Equal(d.Cause, tc.cause)
			is.Equal(d.Reason, tc.reason)
			is.Equal(!d.Ringing.IsZero(), tc.ringing)
			is.Equal(!d.Connected.IsZero(), tc.connect)
			is.Equal(!d.Disconnected.IsZero(), tc.finished)
			is.Equal(tr.Pending() == 1, tc.finished)
		})
	}
}

func TestRegisterReplies(t *testing.T) {
	testCases := map[string]struct {
		status     int
		cause      Cause
		registered bool
		finished   bool
	}{
		"trying":       {100, CauseNone, false, false},
		"ok":           {200, CauseRegistration200, true, false},
		"moved":        {301, Cause4xx, false, true},
		"unauthorized": {401, CauseAuth, false, true},
		"forbidden":    {403, Cause4xx, false, true},
		"server error": {500, Cause5xx, false, true},
		"decline":      {603, CauseRegistration6xx, false, true},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			is := is.New(t)
			tr := NewTracker(nil)
			d := tr.Begin(request(sipmsg.Register, "reg", 1), at(0))
			tr.Update(reply(tc.status, sipmsg.Register, "reg", 1), at(1))

			is.Equal(d.Cause, tc.cause)
			is.Equal(d.Registered, tc.registered)
			is.Equal(!d.Disconnected.IsZero(), tc.finished)
			if tc.cause != CauseNone {
				is.Equal(d.Reason, tc.status)
			}
			is.Equal(tr.Pending() == 1, tc.cause != CauseNone)
		})
	}
}

func TestLastStatusWins(t *testing.T) {
	is := is.New(t)
	tr := NewTracker(nil)
	d := tr.Begin(request(sipmsg.Invite, "abc", 1), at(0))

	c := request(sipmsg.Cancel, "abc", 1)
	tr.Update(c, at(1))
	is.Equal(d.Cause, CauseCancel)
	is.Equal(d.Reason, 0)

	tr.Update(reply(487, sipmsg.Invite, "abc", 1), at(2))
	tr.Update(reply(500, sipmsg.Invite, "abc", 1), at(3))
	is.Equal(d.Cause, Cause5xx)
	is.Equal(d.Reason, 500)
	is.Equal(d.Disconnected, at(3))

	// Still only scheduled once, from the first termination.
	dl, _ := tr.Deadline("abc")
	is.Equal(dl, at(1).Add(RemoveDelay))
	is.Equal(tr.Pending(), 1)
}

func TestBeginUniqueness(t *testing.T) {
	is := is.New(t)
	tr := NewTracker(nil)

	is.True(tr.Begin(request(sipmsg.Invite, "abc", 1), at(0)) != nil)
	is.True(tr.Begin(request(sipmsg.Invite, "abc", 2), at(1)) == nil)
	is.True(tr.Begin(request(sipmsg.Register, "abc", 3), at(1)) == nil)
	is.True(tr.Begin(request(sipmsg.Bye, "other", 1), at(1)) == nil)
	is.True(tr.Begin(request("OPTIONS", "other", 1), at(1)) == nil)
	is.True(tr.Begin(reply(200, sipmsg.Invite, "other", 1), at(1)) == nil)
	is.Equal(tr.Len(), 1)

	is.True(tr.Update(reply(200, sipmsg.Invite, "untracked", 1), at(1)) == nil)
	is.Equal(tr.Len(), 1)
}

func TestSweep(t *testing.T) {
	is := is.New(t)
	var reports []*Report
	tr := NewTracker(func(r *Report) { reports = append(reports, r) })

	tr.Begin(request(sipmsg.Invite, "a", 1), at(0))
	tr.Begin(request(sipmsg.Invite, "b", 1), at(0))
	tr.Begin(request(sipmsg.Invite, "live", 1), at(0))
	tr.Update(request(sipmsg.Bye, "a", 2), at(1))
	tr.Update(request(sipmsg.Bye, "b", 2), at(4))

	is.Equal(tr.Sweep(at(5)), 0)  // nothing due
	is.Equal(tr.Sweep(at(6)), 0)  // a's deadline is at(6), not before it
	is.Equal(tr.Sweep(at(7)), 1)  // a
	is.Equal(tr.Sweep(at(7)), 0)  // idempotent
	is.Equal(tr.Sweep(at(9)), 0)  // b due at(9)
	is.Equal(tr.Sweep(at(10)), 1) // b
	is.Equal(tr.Sweep(at(60)), 0)

	is.Equal(tr.Len(), 1)
	is.Equal(tr.Pending(), 0)
	_, ok := tr.Lookup("live")
	is.True(ok)

	is.Equal(len(reports), 2)
	is.Equal(reports[0].CallID, "a")
	is.Equal(reports[1].CallID, "b")
	is.Equal(testutil.ToFloat64(tr.metrics.Swept), float64(2))
	is.Equal(testutil.ToFloat64(tr.metrics.Active), float64(1))
}

func TestFlush(t *testing.T) {
	is := is.New(t)
	seen := map[string]Cause{}
	tr := NewTracker(func(r *Report) { seen[r.CallID] = r.Cause })

	tr.Begin(request(sipmsg.Invite, "a", 1), at(0))
	tr.Begin(request(sipmsg.Register, "b", 1), at(0))
	tr.Update(request(sipmsg.Bye, "a", 2), at(1))

	is.Equal(tr.Flush(), 2)
	is.Equal(tr.Len(), 0)
	is.Equal(tr.Pending(), 0)
	is.Equal(seen, map[string]Cause{"a": CauseBye, "b": CauseNone})
	is.Equal(tr.Sweep(at(100)), 0)
}

func TestReport(t *testing.T) {
	testCases := map[string]struct {
		d    Dialog
		want Report
	}{
		"answered call": {
			Dialog{CallID: "c", Kind: Invite, Init: at(0), Ringing: at(2), Connected: at(5), Disconnected: at(65), Cause: CauseBye, Reason: ByeReason},
			Report{CallID: "c", Kind: Invite, Init: at(0), Ringing: at(2), Connected: at(5), Disconnected: at(65),
				RingDelta: 2 * time.Second, ConnectDelta: 5 * time.Second, Duration: time.Minute,
				WasConnected: true, Cause: CauseBye, Reason: "BYE"},
		},
		"busy call": {
			Dialog{CallID: "c", Kind: Invite, Init: at(0), Disconnected: at(4), Cause: Cause4xx, Reason: 486},
			Report{CallID: "c", Kind: Invite, Init: at(0), Disconnected: at(4),
				Duration: 4 * time.Second, Cause: Cause4xx, Reason: "486"},
		},
		"registered": {
			Dialog{CallID: "r", Kind: Register, Init: at(0), Connected: at(1), Registered: true, Cause: CauseRegistration200, Reason: 200},
			Report{CallID: "r", Kind: Register, Init: at(0), Connected: at(1),
				Duration: time.Second, WasConnected: true, Registered: true, Cause: CauseRegistration200, Reason: "200"},
		},
		"registration failed": {
			Dialog{CallID: "r", Kind: Register, Init: at(0), Disconnected: at(3), Cause: CauseAuth, Reason: 401},
			Report{CallID: "r", Kind: Register, Init: at(0), Disconnected: at(3),
				Duration: 3 * time.Second, Cause: CauseAuth, Reason: "401"},
		},
		"still active": {
			Dialog{CallID: "c", Kind: Invite, Init: at(0), Connected: at(1)},
			Report{CallID: "c", Kind: Invite, Init: at(0), Connected: at(1),
				ConnectDelta: time.Second, WasConnected: true, Reason: "0"},
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			is := is.New(t)
			is.Equal(*NewReport(&tc.d), tc.want)
		})
	}
}

func TestReportJSONOmitsUnsetTimes(t *testing.T) {
	testCases := map[string]struct {
		d       Dialog
		present []string
		absent  []string
	}{
		"answered call": {
			d:       Dialog{CallID: "c", Kind: Invite, Init: at(0), Ringing: at(2), Connected: at(5), Disconnected: at(65), Cause: CauseBye, Reason: ByeReason},
			present: []string{"init", "ringing", "connected", "disconnected"},
		},
		"unanswered call": {
			d:       Dialog{CallID: "c", Kind: Invite, Init: at(0), Disconnected: at(4), Cause: Cause4xx, Reason: 486},
			present: []string{"init", "disconnected"},
			absent:  []string{"ringing", "connected"},
		},
		"still active": {
			d:       Dialog{CallID: "c", Kind: Invite, Init: at(0)},
			present: []string{"init"},
			absent:  []string{"ringing", "connected", "disconnected"},
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			is := is.New(t)
			b, err := json.Marshal(NewReport(&tc.d))
			is.NoErr(err)

			var got map[string]interface{}
			is.NoErr(json.Unmarshal(b, &got))
			is.Equal(got["call_id"], "c")
			is.Equal(got["kind"], "call")
			for _, k := range tc.present {
				_, ok := got[k]
				is.True(ok) // set time present
			}
			for _, k := range tc.absent {
				_, ok := got[k]
				is.True(!ok) // unset time left out
			}
		})
	}
}
