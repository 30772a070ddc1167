package consumer

import (
	"context"
	"time"
)

// Sink hands deliveries from the workers to a single reader. The channel is
// unbuffered: a delivery is only acknowledged after the reader has taken it,
// so nothing acked is left behind when the reader stops.
type Sink struct {
	ch      chan Delivery
	timeout time.Duration
}

// NewSink creates a sink. A writer waits up to timeout for the reader before
// the delivery fails with ErrSinkFull and is requeued by the worker.
func NewSink(timeout time.Duration) *Sink {
	return &Sink{ch: make(chan Delivery), timeout: timeout}
}

// C returns the read side. It is never closed.
func (s *Sink) C() <-chan Delivery {
	return s.ch
}

// Handler returns the delivery callback that feeds the sink. It returns once
// the reader has received the delivery, the timeout elapses, or ctx is done.
func (s *Sink) Handler() Handler {
	return func(ctx context.Context, d Delivery) error {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()

		select {
		case s.ch <- d:
			return nil
		case <-timer.C:
			return ErrSinkFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
