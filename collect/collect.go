// Package collect queues messages for publishing without blocking the
// capture loop.
package collect

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type constError string

func (e constError) Error() string { return string(e) }

const (
	// ErrFull indicates that more outstanding messages await publishing than
	// the internal structure of the Collecter can support; the message passed
	// to Accept will not be published.
	ErrFull = constError("publish queue is full")
)

type publisher func(context.Context, *Msg) error

// Collecter receives matched SIP messages and dialog reports and publishes
// them from its own goroutine.  It uses an internal channel to queue so that
// Accept won't block, making it suitable for use in the capture loop.
type Collecter struct {
	metrics *Metrics
	publish publisher
	msgs    chan *Msg
}

// NewCollecter returns a Collecter that uses publish to emit messages.
// depth controls how many messages may be internally queued before
// discarding excess.
func NewCollecter(publish publisher, depth int) *Collecter {
	return &Collecter{
		publish: publish,
		metrics: NewMetrics(),
		msgs:    make(chan *Msg, depth),
	}
}

// Accept enqueues msg for publishing.  If for any reason the internal
// channel used for queueing is full, it will discard the message and return
// an error.
func (c *Collecter) Accept(msg *Msg) error {
	select {
	case c.msgs <- msg:
		return nil
	default:
		c.metrics.Dropped.WithLabelValues(msg.Kind).Inc()
		return fmt.Errorf("dropping %s message %s: %w", msg.Kind, msg.ID, ErrFull)
	}
}

// Close stops accepting messages.  Publish drains what is already queued
// and then returns.  Accept must not be called after Close.
func (c *Collecter) Close() { close(c.msgs) }

// Publish blocks, consuming the internal queue and publishing each message
// with the provided publisher, until ctx is done or Close is called.
func (c *Collecter) Publish(ctx context.Context) {
	log := zerolog.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.msgs:
			if msg == nil || !ok {
				log.Info().Msg("channel closed, publisher exiting")
				return
			}
			if err := c.publish(ctx, msg); err != nil {
				c.metrics.Failed.WithLabelValues(msg.Kind).Inc()
				log.Err(err).Str("kind", msg.Kind).Str("id", msg.ID).Msg("publish failed")
				continue
			}
			c.metrics.Published.WithLabelValues(msg.Kind).Inc()
		}
	}
}

// Metrics returns a list of prometheus.Collecter interfaces, suitable for
// passing to prometheus.Registry to export message collection metrics.
func (c *Collecter) Metrics() []prometheus.Collector { return c.metrics.List() }
