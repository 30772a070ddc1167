package consumer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hay-kot/mom/internal/core/broker"
)

// Engine supervises one worker per scope. Each scope is owned by an actor
// goroutine that processes start, reconfigure and stop requests in order.
type Engine struct {
	dialer  broker.Dialer
	handler Handler
	opts    Options
	log     zerolog.Logger

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

// NewEngine creates an engine with no running scopes.
func NewEngine(log zerolog.Logger, dialer broker.Dialer, handler Handler, opts Options) *Engine {
	return &Engine{
		dialer:  dialer,
		handler: handler,
		opts:    opts.withDefaults(),
		log:     log,
		actors:  make(map[string]*actor),
	}
}

// Start starts consuming queues under scope. Starting a running scope is the
// same as Reconfigure.
func (e *Engine) Start(ctx context.Context, scope string, queues []string) error {
	return e.Reconfigure(ctx, scope, queues)
}

// Reconfigure replaces the binding set of scope. The current run is cancelled
// and given the grace period to stop before the new one starts. If it does not
// stop in time ErrDrainTimeout is returned; the new set is then started as
// soon as the old run stops, so two runs never overlap. A later request
// replaces a pending one.
func (e *Engine) Reconfigure(ctx context.Context, scope string, queues []string) error {
	a, err := e.actor(scope)
	if err != nil {
		return err
	}
	return a.send(ctx, request{queues: slices.Clone(queues)})
}

// StopScope stops the worker of scope, leaving other scopes running.
func (e *Engine) StopScope(ctx context.Context, scope string) error {
	e.mu.Lock()
	a, ok := e.actors[scope]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return a.send(ctx, request{stop: true})
}

// Stop stops every scope and shuts the actors down. The engine cannot be
// restarted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	var errs []error
	for _, a := range actors {
		if err := a.send(ctx, request{stop: true}); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", a.scope, err))
		}
		close(a.quit)
	}
	return errors.Join(errs...)
}

// State returns the worker state of scope.
func (e *Engine) State(scope string) State {
	e.mu.Lock()
	a, ok := e.actors[scope]
	e.mu.Unlock()
	if !ok {
		return StateStopped
	}
	return a.state()
}

// Status returns the worker state of every known scope.
func (e *Engine) Status() map[string]State {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]State, len(e.actors))
	for scope, a := range e.actors {
		out[scope] = a.state()
	}
	return out
}

// Scopes returns the known scopes, sorted.
func (e *Engine) Scopes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.actors))
	for scope := range e.actors {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) actor(scope string) (*actor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errEngineStopped
	}
	if a, ok := e.actors[scope]; ok {
		return a, nil
	}

	a := &actor{
		scope:  scope,
		engine: e,
		inbox:  make(chan request),
		quit:   make(chan struct{}),
		fails:  newFailures(),
		log:    e.log.With().Str("scope", scope).Logger(),
	}
	e.actors[scope] = a
	go a.loop()
	return a, nil
}

var errEngineStopped = errors.New("engine stopped")

type request struct {
	queues []string
	stop   bool
	reply  chan error
}

type actor struct {
	scope  string
	engine *Engine
	inbox  chan request
	quit   chan struct{}
	fails  *failures
	log    zerolog.Logger

	current atomic.Pointer[Worker]
}

func (a *actor) state() State {
	if w := a.current.Load(); w != nil {
		return w.State()
	}
	return StateStopped
}

func (a *actor) send(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)

	select {
	case a.inbox <- req:
	case <-a.quit:
		return errEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) loop() {
	var (
		cancel context.CancelFunc
		done   chan struct{}
		// pending is the request that timed out waiting for the old run.
		// It is applied as soon as that run reports done.
		pending *request
	)

	start := func(queues []string) {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan struct{})
		go a.supervise(ctx, queues, done)
	}

	for {
		var drained <-chan struct{}
		if pending != nil {
			drained = done
		}

		var req request
		select {
		case req = <-a.inbox:
		case <-drained:
			done = nil
			if !pending.stop {
				a.log.Info().Msg("old worker drained, starting pending binding set")
				start(pending.queues)
			}
			pending = nil
			continue
		case <-a.quit:
			if cancel != nil {
				cancel()
			}
			return
		}

		if done != nil {
			cancel()
			select {
			case <-done:
				done = nil
				pending = nil
			case <-time.After(a.engine.opts.GracePeriod):
				a.log.Error().Dur("grace_period", a.engine.opts.GracePeriod).Msg("worker did not drain in time")
				pending = &req
				req.reply <- ErrDrainTimeout
				continue
			}
		}

		if !req.stop {
			start(req.queues)
		}
		req.reply <- nil
	}
}

// supervise keeps a worker running for queues until ctx is cancelled,
// restarting it after transient failures at the configured rate.
func (a *actor) supervise(ctx context.Context, queues []string, done chan struct{}) {
	defer close(done)

	limiter := rate.NewLimiter(rate.Limit(a.engine.opts.ReconnectPerSec), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		w := NewWorker(a.log.With().Str("component", "worker").Logger(), a.engine.dialer, a.scope, queues, a.engine.handler, a.engine.opts)
		w.fails = a.fails
		a.current.Store(w)

		err := w.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.log.Warn().Err(err).Msg("worker stopped, restarting")
		}
	}
}
