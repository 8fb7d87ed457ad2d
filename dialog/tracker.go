package dialog

import (
	"time"

	"github.com/nextcaller/sipgrep/sipmsg"
	"github.com/prometheus/client_golang/prometheus"
)

// RemoveDelay is how long a terminated dialog is kept before Sweep deletes
// it, so late responses and retransmissions are still followed.
const RemoveDelay = 5 * time.Second

// Tracker holds every dialog being followed, keyed by Call-ID, along with
// the terminated ones waiting for removal.
//
// A Tracker is not safe for concurrent use.  Messages of one Call-ID must
// be applied in capture order, so a single goroutine owns it.
type Tracker struct {
	dialogs map[string]*Dialog
	pending map[string]time.Time
	// next is the earliest pending deadline; zero when nothing is pending.
	// It may be stale after a restart cancels a removal.
	next time.Time

	report  func(*Report)
	metrics *Metrics
}

// NewTracker creates an empty Tracker.  If report is non-nil it is called
// with a summary of every dialog as it is removed.
func NewTracker(report func(*Report)) *Tracker {
	return &Tracker{
		dialogs: make(map[string]*Dialog),
		pending: make(map[string]time.Time),
		report:  report,
		metrics: NewMetrics(),
	}
}

// Metrics returns a slice of prometheus.Collector objects that can be registered.
func (t *Tracker) Metrics() []prometheus.Collector { return t.metrics.List() }

// Lookup returns the dialog for callID, if one is tracked.
func (t *Tracker) Lookup(callID string) (*Dialog, bool) {
	d, ok := t.dialogs[callID]
	return d, ok
}

// Len returns the number of tracked dialogs, terminated ones included.
func (t *Tracker) Len() int { return len(t.dialogs) }

// Pending returns the number of dialogs waiting to be swept.
func (t *Tracker) Pending() int { return len(t.pending) }

// Deadline returns when callID becomes eligible for removal.
func (t *Tracker) Deadline(callID string) (time.Time, bool) {
	dl, ok := t.pending[callID]
	return dl, ok
}

// Begin starts tracking the dialog created by m.  Only INVITE and REGISTER
// requests create dialogs, and only when the Call-ID is not already
// tracked; otherwise Begin returns nil.
func (t *Tracker) Begin(m *sipmsg.Message, now time.Time) *Dialog {
	if _, ok := t.dialogs[m.CallID]; ok || !m.IsRequest {
		return nil
	}

	var kind Kind
	switch m.Method {
	case sipmsg.Invite:
		kind = Invite
	case sipmsg.Register:
		kind = Register
	default:
		return nil
	}

	d := newDialog(m, kind, now)
	t.dialogs[d.CallID] = d
	t.metrics.Created.WithLabelValues(kind.String()).Inc()
	t.metrics.Active.Set(float64(len(t.dialogs)))
	return d
}

// Update applies m to the dialog sharing its Call-ID and returns that
// dialog, or nil when the Call-ID is not tracked.  A dialog that becomes
// terminated is scheduled for removal RemoveDelay after now, unless it is
// already scheduled.
func (t *Tracker) Update(m *sipmsg.Message, now time.Time) *Dialog {
	d, ok := t.dialogs[m.CallID]
	if !ok {
		return nil
	}

	before := d.Cause
	if m.IsRequest {
		if d.request(m, now) {
			t.metrics.Restarted.Inc()
			if before != CauseNone {
				delete(t.pending, d.CallID)
				t.metrics.Pending.Set(float64(len(t.pending)))
			}
		}
	} else {
		switch m.CSeqMethod {
		case sipmsg.Invite:
			d.inviteReply(m.Status, now)
		case sipmsg.Register:
			d.registerReply(m.Status, now)
		}
	}

	if d.Cause != CauseNone {
		if d.Cause != before {
			t.metrics.Terminated.WithLabelValues(d.Cause.String()).Inc()
		}
		t.schedule(d.CallID, now)
	}
	return d
}

func (t *Tracker) schedule(callID string, now time.Time) {
	if _, ok := t.pending[callID]; ok {
		return
	}
	dl := now.Add(RemoveDelay)
	t.pending[callID] = dl
	if t.next.IsZero() || t.next.After(dl) {
		t.next = dl
	}
	t.metrics.Pending.Set(float64(len(t.pending)))
}

// Sweep deletes the dialogs whose removal deadline is before now and
// returns how many were deleted.  Until the earliest deadline passes it
// does no work at all.
func (t *Tracker) Sweep(now time.Time) int {
	if t.next.IsZero() || !t.next.Before(now) {
		return 0
	}

	t.next = time.Time{}
	n := 0
	for id, dl := range t.pending {
		if dl.Before(now) {
			delete(t.pending, id)
			t.remove(id)
			n++
			continue
		}
		if t.next.IsZero() || t.next.After(dl) {
			t.next = dl
		}
	}

	t.metrics.Swept.Add(float64(n))
	t.metrics.Pending.Set(float64(len(t.pending)))
	t.metrics.Active.Set(float64(len(t.dialogs)))
	return n
}

func (t *Tracker) remove(callID string) {
	d, ok := t.dialogs[callID]
	if !ok {
		return
	}
	if t.report != nil {
		t.report(NewReport(d))
	}
	delete(t.dialogs, callID)
}

// Flush removes every dialog, terminated or not, reporting each one.  It
// is used at shutdown and returns how many dialogs were dropped.
func (t *Tracker) Flush() int {
	n := len(t.dialogs)
	for id := range t.dialogs {
		t.remove(id)
	}
	t.pending = make(map[string]time.Time)
	t.next = time.Time{}
	t.metrics.Pending.Set(0)
	t.metrics.Active.Set(0)
	return n
}
