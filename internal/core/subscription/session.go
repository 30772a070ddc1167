package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/mom/internal/core/broker"
	"github.com/hay-kot/mom/internal/core/consumer"
	"github.com/hay-kot/mom/internal/core/messaging"
	"github.com/hay-kot/mom/internal/core/naming"
)

// Engine runs the workers of a session.
type Engine interface {
	Start(ctx context.Context, scope string, queues []string) error
	Reconfigure(ctx context.Context, scope string, queues []string) error
	Stop(ctx context.Context) error
}

// Deps are the collaborators of a Session.
type Deps struct {
	Directory Directory
	Dialer    broker.Dialer
	Engine    Engine
	Activity  messaging.ActivityStore // optional
	Timeout   time.Duration
}

// Session is the single owner of a logged in user's subscription set. Its
// methods are serialized; the set is only changed after the broker accepted
// the change.
type Session struct {
	binder
	user   string
	dir    Directory
	engine Engine

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
	// stale is set when the topic worker may not run the current set.
	stale bool
}

// Open loads the existing subscriptions of user and starts the personal and
// topic workers.
func Open(ctx context.Context, log zerolog.Logger, deps Deps, user string) (*Session, error) {
	if !deps.Directory.Exists(ctx, user) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}

	s := &Session{
		binder: binder{dialer: deps.Dialer, activity: deps.Activity, timeout: deps.Timeout, log: log},
		user:   user,
		dir:    deps.Directory,
		engine: deps.Engine,
		topics: make(map[string]struct{}),
	}
	for _, topic := range deps.Directory.SubscriptionsOf(ctx, user) {
		s.topics[topic] = struct{}{}
	}

	if err := s.engine.Start(ctx, consumer.ScopePersonal, []string{naming.UserQueue(user)}); err != nil {
		return nil, fmt.Errorf("start personal worker: %w", err)
	}
	if err := s.engine.Start(ctx, consumer.ScopeTopics, s.queuesLocked()); err != nil {
		_ = s.engine.Stop(ctx)
		return nil, fmt.Errorf("start topic worker: %w", err)
	}

	log.Info().Str("user", user).Int("subscriptions", len(s.topics)).Msg("session opened")
	return s, nil
}

// User returns the session owner.
func (s *Session) User() string {
	return s.user
}

// Topics returns the subscribed topics, sorted.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topicsLocked()
}

func (s *Session) topicsLocked() []string {
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Session) queuesLocked() []string {
	topics := s.topicsLocked()
	queues := make([]string, len(topics))
	for i, t := range topics {
		queues[i] = naming.SubscriptionQueue(t, s.user)
	}
	return queues
}

// Subscribe binds the user to topic and restarts the topic worker with the
// new binding set. It blocks for up to the engine grace period. Subscribing
// twice succeeds with Changed false; if an earlier restart failed it is
// retried.
func (s *Session) Subscribe(ctx context.Context, topic string) (Result, error) {
	res := Result{User: s.user, Topic: topic}
	if err := checkTopic(topic); err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[topic]; ok {
		if !s.stale {
			return res, nil
		}
		pending, err := s.refreshLocked(ctx)
		res.Pending = pending
		return res, err
	}

	if err := s.bind(ctx, s.user, topic); err != nil {
		return res, err
	}
	s.topics[topic] = struct{}{}
	res.Changed = true
	s.record(messaging.ActivitySubscribe, s.user, topic)

	pending, err := s.refreshLocked(ctx)
	res.Pending = pending
	return res, err
}

// refreshLocked hands the current binding set to the topic worker. A drain
// timeout is not an error: the engine starts the set once the old worker
// stops.
func (s *Session) refreshLocked(ctx context.Context) (pending bool, err error) {
	err = s.engine.Reconfigure(ctx, consumer.ScopeTopics, s.queuesLocked())
	switch {
	case err == nil:
		s.stale = false
		return false, nil
	case errors.Is(err, consumer.ErrDrainTimeout):
		s.stale = false
		s.log.Warn().Str("user", s.user).Msg("topic worker still draining, new bindings start when it stops")
		return true, nil
	default:
		s.stale = true
		return false, fmt.Errorf("reconfigure topic worker: %w", err)
	}
}

// Unsubscribe deletes the binding queue of topic. The topic worker is not
// restarted; its consumer on the deleted queue simply ends.
func (s *Session) Unsubscribe(ctx context.Context, topic string) (Result, error) {
	res := Result{User: s.user, Topic: topic}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[topic]; !ok {
		return res, fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}

	if err := s.unbind(ctx, s.user, topic); err != nil {
		return res, err
	}
	delete(s.topics, topic)
	res.Changed = true
	s.record(messaging.ActivityUnsubscribe, s.user, topic)
	return res, nil
}

// Refresh reloads the subscriptions of the user from the broker, picking up
// changes made by other clients, and restarts the topic worker when the set
// changed. It returns the topics added and removed.
func (s *Session) Refresh(ctx context.Context) (added, removed []string, err error) {
	// Exists guards against an introspection failure reading as "no
	// subscriptions".
	if !s.dir.Exists(ctx, s.user) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownUser, s.user)
	}
	current := s.dir.SubscriptionsOf(ctx, s.user)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]struct{}, len(current))
	for _, t := range current {
		next[t] = struct{}{}
		if _, ok := s.topics[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range s.topics {
		if _, ok := next[t]; !ok {
			removed = append(removed, t)
		}
	}
	sort.Strings(removed)

	s.topics = next
	if len(added) == 0 && !s.stale {
		// removed bindings end on their own
		return added, removed, nil
	}
	if _, err := s.refreshLocked(ctx); err != nil {
		return added, removed, err
	}
	return added, removed, nil
}

// Close stops every worker of the session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Info().Str("user", s.user).Msg("session closed")
	return s.engine.Stop(ctx)
}
