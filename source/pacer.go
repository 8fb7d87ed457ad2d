package source

import (
	"context"
	"time"
)

// Pacer replays packets read from a file with the gaps they were captured
// with.  The first packet sets the reference and is never delayed.
type Pacer struct {
	started bool
	prev    time.Time
	sleep   func(context.Context, time.Duration) error
}

// NewPacer creates a Pacer in its initial state.
func NewPacer() *Pacer {
	return &Pacer{sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks for the time between the previous packet and one captured at
// ts.  Timestamps going backwards do not wait.  It returns early with the
// context's error if ctx is done.
func (p *Pacer) Wait(ctx context.Context, ts time.Time) error {
	if !p.started {
		p.started = true
		p.prev = ts
		return nil
	}
	gap := ts.Sub(p.prev)
	p.prev = ts
	if gap <= 0 {
		return nil
	}
	return p.sleep(ctx, gap)
}
