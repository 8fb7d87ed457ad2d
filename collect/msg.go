package collect

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/nextcaller/sipgrep/dialog"
)

// Kinds of Msg.
const (
	KindSIP    = "sip"
	KindDialog = "dialog"
)

// Msg is the JSON envelope published for a matched SIP message or a
// finished dialog.  SIPData will be base64 encoded.
type Msg struct {
	Kind    string         `json:"kind"`
	ID      string         `json:"id"`
	Time    time.Time      `json:"time"`
	Src     string         `json:"src,omitempty"`
	Dst     string         `json:"dst,omitempty"`
	SIPData []byte         `json:"sip,omitempty"`
	Dialog  *dialog.Report `json:"dialog,omitempty"`
}

// NewMsg creates a Msg from a captured SIP payload.  Its ID is callID when
// known, or a hash of the whole payload otherwise.  The payload is copied.
func NewMsg(payload []byte, callID, src, dst string, ts time.Time) *Msg {
	if callID == "" {
		h := fnv.New64a()
		_, _ = h.Write(payload)
		callID = fmt.Sprintf("%x", h.Sum64())
	}
	return &Msg{
		Kind:    KindSIP,
		ID:      callID,
		Time:    ts.UTC(),
		Src:     src,
		Dst:     dst,
		SIPData: append([]byte(nil), payload...),
	}
}

// NewReportMsg wraps a dialog report.
func NewReportMsg(r *dialog.Report, ts time.Time) *Msg {
	return &Msg{
		Kind:   KindDialog,
		ID:     r.CallID,
		Time:   ts.UTC(),
		Dialog: r,
	}
}
