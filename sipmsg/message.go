// Package sipmsg extracts the handful of SIP header fields needed to follow
// a dialog, using gopacket's SIP decoder.
package sipmsg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

type constErr string

func (e constErr) Error() string { return string(e) }

const (
	// ErrUnparseable marks payloads gopacket cannot decode as SIP.
	ErrUnparseable = constErr("unparseable SIP message")
	// ErrNoCallID marks SIP messages without a usable Call-ID.
	ErrNoCallID = constErr("SIP message has no Call-ID")
	// ErrBadCSeq marks SIP messages whose CSeq header is missing or malformed.
	ErrBadCSeq = constErr("SIP message has an invalid CSeq")
)

// Methods that change dialog state.
const (
	Invite   = "INVITE"
	Register = "REGISTER"
	Bye      = "BYE"
	Cancel   = "CANCEL"
)

// Message holds the fields of a SIP request or response that drive dialog
// tracking.  Method is set for requests, Status for responses.
type Message struct {
	IsRequest  bool
	Method     string
	Status     int
	CSeq       int64
	CSeqMethod string
	CallID     string
	From       string
	To         string
	UserAgent  string
	HasToTag   bool
}

// Parse decodes the start line and headers of one SIP message.
func Parse(payload []byte) (*Message, error) {
	sip := layers.NewSIP()
	if err := sip.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrUnparseable)
	}

	m := &Message{
		IsRequest: !sip.IsResponse,
		CallID:    sip.GetCallID(),
		From:      sip.GetFrom(),
		To:        sip.GetTo(),
		UserAgent: sip.GetFirstHeader("User-Agent"),
	}
	if m.CallID == "" {
		return nil, ErrNoCallID
	}
	if m.IsRequest {
		m.Method = sip.Method.String()
	} else {
		m.Status = sip.ResponseCode
	}
	m.HasToTag = strings.Contains(strings.ToLower(m.To), ";tag=")

	var err error
	m.CSeq, m.CSeqMethod, err = parseCSeq(sip.GetFirstHeader("CSeq"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

//	CSeq  =  "CSeq" HCOLON 1*DIGIT LWS Method
func parseCSeq(v string) (int64, string, error) {
	f := strings.Fields(v)
	if len(f) != 2 {
		return 0, "", fmt.Errorf("%q: %w", v, ErrBadCSeq)
	}
	n, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil || n < 0 {
		return 0, "", fmt.Errorf("%q: %w", v, ErrBadCSeq)
	}
	return n, strings.ToUpper(f[1]), nil
}

// Request reports whether m is a request with the given method.
func (m *Message) Request(method string) bool {
	return m.IsRequest && m.Method == method
}

// StatusClass returns the first digit of a response status code.
func (m *Message) StatusClass() int {
	return m.Status / 100
}
