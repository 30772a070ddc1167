// Package consumer pulls messages from the broker and hands them to a single
// delivery callback.
//
// A Worker owns one dedicated connection and consumes a fixed set of queues
// with prefetch 1. An Engine supervises one worker per scope (personal inbox,
// topic subscriptions) and swaps binding sets without ever running two workers
// for the same scope.
//
// Settlement is governed by Options.AckOnFailure. When true, a delivery is
// acknowledged even if the handler fails, so a failing handler loses the
// message. When false (the default) the delivery is requeued, and after
// MaxRedeliveries failures its body is copied to DeadLetterQueue and
// acknowledged. A delivery interrupted by shutdown is always requeued.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/hay-kot/mom/internal/core/envelope"
)

var (
	// ErrCallbackFailed wraps the error or panic of a Handler.
	ErrCallbackFailed = errors.New("delivery callback failed")
	// ErrDrainTimeout is returned when a run does not stop within the grace period.
	ErrDrainTimeout = errors.New("worker did not stop within grace period")
	// ErrSinkFull is returned by the sink handler when no reader takes the delivery in time.
	ErrSinkFull = errors.New("sink full")
)

// Well known scopes.
const (
	ScopePersonal = "personal"
	ScopeTopics   = "topics"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

// Delivery is a decoded message handed to a Handler.
type Delivery struct {
	Scope       string
	Queue       string
	Redelivered bool
	Envelope    envelope.Envelope
}

// Handler processes a delivery. A non-nil error marks the delivery as failed.
type Handler func(ctx context.Context, d Delivery) error

// Options tune workers and the engine.
type Options struct {
	PollInterval    time.Duration
	GracePeriod     time.Duration
	Timeout         time.Duration
	ReconnectPerSec float64

	AckOnFailure    bool
	MaxRedeliveries int
	DeadLetterQueue string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		PollInterval:    time.Second,
		GracePeriod:     3 * time.Second,
		Timeout:         5 * time.Second,
		ReconnectPerSec: 1,
		MaxRedeliveries: 3,
		DeadLetterQueue: "dead_letter",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = d.GracePeriod
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.ReconnectPerSec <= 0 {
		o.ReconnectPerSec = d.ReconnectPerSec
	}
	if o.MaxRedeliveries < 1 {
		o.MaxRedeliveries = 1
	}
	if o.DeadLetterQueue == "" {
		o.DeadLetterQueue = d.DeadLetterQueue
	}
	return o
}
