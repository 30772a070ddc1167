package consumer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/mom/internal/core/broker"
	"github.com/hay-kot/mom/internal/core/envelope"
	"github.com/hay-kot/mom/pkg/randid"
)

// Worker consumes a fixed set of queues over one dedicated connection.
// A Worker runs once; create a new one to change the queue set.
type Worker struct {
	scope   string
	queues  []string
	dialer  broker.Dialer
	handler Handler
	opts    Options
	log     zerolog.Logger
	fails   *failures
	state   atomic.Value
}

// NewWorker creates a stopped worker.
func NewWorker(log zerolog.Logger, dialer broker.Dialer, scope string, queues []string, handler Handler, opts Options) *Worker {
	w := &Worker{
		scope:   scope,
		queues:  slices.Clone(queues),
		dialer:  dialer,
		handler: handler,
		opts:    opts.withDefaults(),
		log:     log,
		fails:   newFailures(),
	}
	w.state.Store(StateStopped)
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return w.state.Load().(State)
}

// Queues returns the queues the worker was created with.
func (w *Worker) Queues() []string {
	return slices.Clone(w.queues)
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
	w.log.Debug().Str("state", string(s)).Msg("worker state")
}

type stream struct {
	queue string
	ch    <-chan broker.Delivery
}

// Run consumes until ctx is cancelled or the connection is lost. Cancellation
// is observed once per poll interval, so Run returns at most one interval
// after ctx is done. A nil error means the run was cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateStarting)
	defer w.setState(StateStopped)

	dialCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	conn, err := w.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() {
		w.setState(StateDraining)
		_ = conn.Close()
	}()

	streams, err := w.consume(ctx, conn)
	if err != nil {
		return err
	}

	w.setState(StateRunning)
	w.log.Info().Strs("queues", w.queues).Int("consumers", len(streams)).Msg("worker running")

	return w.loop(ctx, conn, streams)
}

func (w *Worker) consume(ctx context.Context, conn broker.Conn) ([]stream, error) {
	streams := make([]stream, 0, len(w.queues))
	for _, q := range w.queues {
		tag := randid.Tag(w.scope)
		ch, err := conn.Consume(ctx, q, tag, 1)
		switch {
		case errors.Is(err, broker.ErrNotFound):
			w.log.Warn().Str("queue", q).Msg("queue missing, skipping")
			continue
		case err != nil:
			return nil, fmt.Errorf("consume %s: %w", q, err)
		}
		streams = append(streams, stream{queue: q, ch: ch})
	}
	return streams, nil
}

func (w *Worker) loop(ctx context.Context, conn broker.Conn, streams []stream) error {
	const fixed = 2 // poll timer, connection done

	for {
		if ctx.Err() != nil {
			return nil
		}

		timer := time.NewTimer(w.opts.PollInterval)
		cases := make([]reflect.SelectCase, 0, fixed+len(streams))
		cases = append(cases,
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(conn.Done())},
		)
		for _, s := range streams {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.ch)})
		}

		chosen, value, ok := reflect.Select(cases)
		timer.Stop()

		switch {
		case chosen == 0:
			continue
		case chosen == 1:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: connection lost", broker.ErrConnection)
		case !ok:
			// cancelled by the broker, usually because the queue was deleted
			idx := chosen - fixed
			w.log.Debug().Str("queue", streams[idx].queue).Msg("consumer closed")
			streams = slices.Delete(streams, idx, idx+1)
			continue
		}

		w.handle(ctx, conn, value.Interface().(broker.Delivery))
	}
}

func (w *Worker) handle(ctx context.Context, conn broker.Conn, d broker.Delivery) {
	log := w.log.With().Str("queue", d.Queue).Uint64("tag", d.Tag).Logger()

	msg := Delivery{
		Scope:       w.scope,
		Queue:       d.Queue,
		Redelivered: d.Redelivered,
		Envelope:    envelope.DecodeOrRaw(d.Body, time.Now()),
	}

	key := failureKey(d)
	err := w.invoke(ctx, msg)
	if err == nil {
		w.fails.reset(key)
		settle(log, d.Ack())
		return
	}

	log.Error().Err(err).Bool("redelivered", d.Redelivered).Msg("delivery failed")

	switch {
	case ctx.Err() != nil:
		// shutdown, not a handler failure
		settle(log, d.Nack(true))
	case w.opts.AckOnFailure:
		settle(log, d.Ack())
	case w.fails.inc(key) < w.opts.MaxRedeliveries:
		settle(log, d.Nack(true))
	default:
		if err := w.deadLetter(ctx, conn, d); err != nil {
			log.Error().Err(err).Msg("dead letter failed, requeueing")
			settle(log, d.Nack(true))
			return
		}
		log.Warn().Str("dead_letter_queue", w.opts.DeadLetterQueue).Msg("message dead lettered")
		w.fails.reset(key)
		settle(log, d.Ack())
	}
}

func settle(log zerolog.Logger, err error) {
	if err != nil {
		log.Warn().Err(err).Msg("settle delivery failed")
	}
}

// invoke calls the handler, converting panics into errors.
func (w *Worker) invoke(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrCallbackFailed, r)
		}
	}()

	if err := w.handler(ctx, d); err != nil {
		return fmt.Errorf("%w: %w", ErrCallbackFailed, err)
	}
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, conn broker.Conn, d broker.Delivery) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.Timeout)
	defer cancel()

	if err := conn.DeclareQueue(ctx, w.opts.DeadLetterQueue, true); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	return conn.Publish(ctx, "", w.opts.DeadLetterQueue, broker.Publishing{
		Body:        d.Body,
		ContentType: d.ContentType,
		MessageID:   d.MessageID,
		Timestamp:   time.Now(),
		Persistent:  true,
	})
}

func failureKey(d broker.Delivery) string {
	if d.MessageID != "" {
		return d.MessageID
	}
	sum := sha256.Sum256(d.Body)
	return hex.EncodeToString(sum[:])
}

// failures counts handler failures per message.
type failures struct {
	mu     sync.Mutex
	counts map[string]int
}

const maxTrackedFailures = 1024

func newFailures() *failures {
	return &failures{counts: make(map[string]int)}
}

func (f *failures) inc(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.counts[key]; !ok && len(f.counts) >= maxTrackedFailures {
		clear(f.counts)
	}
	f.counts[key]++
	return f.counts[key]
}

func (f *failures) reset(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, key)
}
