package dialog

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Report summarizes a finished dialog.  Deltas are zero when the events
// they span did not both happen.
type Report struct {
	CallID string `json:"call_id"`
	Kind   Kind   `json:"kind"`
	From   string `json:"from"`
	To     string `json:"to"`
	UAC    string `json:"uac"`

	Init         time.Time `json:"init"`
	Ringing      time.Time `json:"ringing"`
	Connected    time.Time `json:"connected"`
	Disconnected time.Time `json:"disconnected"`

	// RingDelta is the time from the initial request to ringing, and
	// ConnectDelta to answer.  Duration is the call length once answered,
	// the time to failure otherwise; for registrations it is the time to
	// the final response.
	RingDelta    time.Duration `json:"ring_delta,omitempty"`
	ConnectDelta time.Duration `json:"connect_delta,omitempty"`
	Duration     time.Duration `json:"duration"`

	WasConnected bool   `json:"was_connected"`
	Registered   bool   `json:"was_registered"`
	Cause        Cause  `json:"cause"`
	Reason       string `json:"reason"`
}

func since(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	return to.Sub(from)
}

// NewReport builds the Report for d.
func NewReport(d *Dialog) *Report {
	r := &Report{
		CallID:       d.CallID,
		Kind:         d.Kind,
		From:         d.From,
		To:           d.To,
		UAC:          d.UAC,
		Init:         d.Init,
		Ringing:      d.Ringing,
		Connected:    d.Connected,
		Disconnected: d.Disconnected,
		WasConnected: !d.Connected.IsZero(),
		Registered:   d.Registered,
		Cause:        d.Cause,
		Reason:       ReasonText(d.Reason),
	}

	switch d.Kind {
	case Invite:
		r.RingDelta = since(d.Init, d.Ringing)
		if r.WasConnected {
			r.ConnectDelta = since(d.Init, d.Connected)
			r.Duration = since(d.Connected, d.Disconnected)
		} else {
			r.Duration = since(d.Init, d.Disconnected)
		}
	case Register:
		if d.Registered {
			r.Duration = since(d.Init, d.Connected)
		} else {
			r.Duration = since(d.Init, d.Disconnected)
		}
	}
	return r
}

func setTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// MarshalJSON leaves out the event times that never happened.
func (r Report) MarshalJSON() ([]byte, error) {
	type report Report
	return json.Marshal(struct {
		report
		Ringing      *time.Time `json:"ringing,omitempty"`
		Connected    *time.Time `json:"connected,omitempty"`
		Disconnected *time.Time `json:"disconnected,omitempty"`
	}{
		report:       report(r),
		Ringing:      setTime(r.Ringing),
		Connected:    setTime(r.Connected),
		Disconnected: setTime(r.Disconnected),
	})
}

// ReasonText renders a termination reason, naming the BYE sentinel.
func ReasonText(reason int) string {
	if reason == ByeReason {
		return "BYE"
	}
	return strconv.Itoa(reason)
}

// MarshalZerologObject satisfies zerolog.LogObjectMarshaler.
func (r *Report) MarshalZerologObject(e *zerolog.Event) {
	e.Str("call_id", r.CallID).
		Str("kind", r.Kind.String()).
		Str("from", r.From).
		Str("to", r.To).
		Str("uac", r.UAC).
		Time("init", r.Init)

	switch r.Kind {
	case Invite:
		if !r.Ringing.IsZero() {
			e.Time("ringing", r.Ringing).Dur("ring_delta", r.RingDelta)
		}
		if r.WasConnected {
			e.Time("connected", r.Connected).Dur("connect_delta", r.ConnectDelta)
		}
		e.Dur("duration", r.Duration).
			Time("disconnected", r.Disconnected).
			Bool("was_connected", r.WasConnected)
	case Register:
		if r.Registered {
			e.Time("ok", r.Connected)
		} else {
			e.Time("failed", r.Disconnected)
		}
		e.Dur("duration", r.Duration).
			Bool("was_registered", r.Registered)
	}
	e.Str("cause", r.Cause.String()).Str("reason", r.Reason)
}
