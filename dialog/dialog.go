// Package dialog follows SIP calls and registrations by Call-ID, recording
// when they start, ring, connect and end.
package dialog

import (
	"time"

	"github.com/nextcaller/sipgrep/sipmsg"
)

// Kind is the transaction that created a dialog.
type Kind uint8

// Dialog kinds.
const (
	Invite Kind = iota + 1
	Register
)

func (k Kind) String() string {
	switch k {
	case Invite:
		return "call"
	case Register:
		return "registration"
	}
	return "unknown"
}

// MarshalText satisfies encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Cause records why a dialog ended.
type Cause uint8

// Termination causes.
const (
	CauseNone Cause = iota
	CauseBye
	CauseCancel
	CauseMoved
	CauseAuth
	Cause4xx
	Cause5xx
	Cause6xx
	CauseRegistration200
	CauseRegistration6xx
)

var causeNames = [...]string{
	CauseNone:            "none",
	CauseBye:             "bye",
	CauseCancel:          "cancel",
	CauseMoved:           "moved",
	CauseAuth:            "auth",
	Cause4xx:             "4xx",
	Cause5xx:             "5xx",
	Cause6xx:             "6xx",
	CauseRegistration200: "registered",
	CauseRegistration6xx: "registration-6xx",
}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return "unknown"
}

// MarshalText satisfies encoding.TextMarshaler.
func (c Cause) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ByeReason is the Reason recorded for a BYE, which has no status code.
const ByeReason = 900

// Dialog is one tracked call or registration.  Timestamps are zero until
// the event they record happens.
type Dialog struct {
	CallID string
	From   string
	To     string
	UAC    string
	Kind   Kind

	// InitCSeq is the CSeq of the request that started the current
	// transaction.  Only a higher CSeq restarts the dialog.
	InitCSeq int64

	Init         time.Time
	Ringing      time.Time
	Connected    time.Time
	Disconnected time.Time

	Cause      Cause
	Reason     int
	Registered bool
}

func newDialog(m *sipmsg.Message, kind Kind, now time.Time) *Dialog {
	return &Dialog{
		CallID:   m.CallID,
		From:     m.From,
		To:       m.To,
		UAC:      m.UserAgent,
		Kind:     kind,
		InitCSeq: m.CSeq,
		Init:     now,
	}
}

// Terminated reports whether the dialog has a termination cause.
func (d *Dialog) Terminated() bool { return d.Cause != CauseNone }

// restart begins a new transaction on an existing Call-ID.
func (d *Dialog) restart(cseq int64, now time.Time) {
	d.InitCSeq = cseq
	d.Init = now
	d.Ringing = time.Time{}
	d.Connected = time.Time{}
	d.Disconnected = time.Time{}
	d.Cause = CauseNone
	d.Reason = 0
}

func (d *Dialog) end(c Cause, status int, now time.Time) {
	d.Cause = c
	d.Reason = status
	d.Disconnected = now
}

// inviteReply applies a response whose CSeq method is INVITE.
func (d *Dialog) inviteReply(status int, now time.Time) {
	switch status / 100 {
	case 1:
		if status == 180 {
			d.Ringing = now
		}
	case 2:
		d.Connected = now
	case 3:
		if status == 386 {
			d.end(CauseMoved, status, now)
		}
	case 4:
		switch status {
		case 401, 407:
			d.end(CauseAuth, status, now)
		case 487:
			d.end(CauseCancel, status, now)
		default:
			d.end(Cause4xx, status, now)
		}
	case 5:
		d.end(Cause5xx, status, now)
	case 6:
		d.end(Cause6xx, status, now)
	}
}

// registerReply applies a response whose CSeq method is REGISTER.
func (d *Dialog) registerReply(status int, now time.Time) {
	switch status / 100 {
	case 2:
		d.Connected = now
		d.Cause = CauseRegistration200
		d.Reason = status
		d.Registered = true
	case 3, 4:
		if status == 401 || status == 407 {
			d.end(CauseAuth, status, now)
		} else {
			d.end(Cause4xx, status, now)
		}
	case 5:
		d.end(Cause5xx, status, now)
	case 6:
		d.end(CauseRegistration6xx, status, now)
	}
}

// request applies a request, returning true when it restarted the dialog.
func (d *Dialog) request(m *sipmsg.Message, now time.Time) bool {
	switch m.Method {
	case sipmsg.Invite:
		if !m.HasToTag && m.CSeq > d.InitCSeq {
			d.restart(m.CSeq, now)
			return true
		}
	case sipmsg.Register:
		if m.CSeq > d.InitCSeq {
			d.restart(m.CSeq, now)
			d.Registered = false
			return true
		}
	case sipmsg.Bye:
		d.end(CauseBye, ByeReason, now)
	case sipmsg.Cancel:
		d.Cause = CauseCancel
		d.Disconnected = now
	}
	return false
}
