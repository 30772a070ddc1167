// Package subscription materializes (user, topic) subscriptions as binding
// queues and keeps the topic worker of a logged in user in sync with them.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"

	"github.com/hay-kot/mom/internal/core/broker"
	"github.com/hay-kot/mom/internal/core/directory"
	"github.com/hay-kot/mom/internal/core/messaging"
	"github.com/hay-kot/mom/internal/core/naming"
	"github.com/hay-kot/mom/internal/core/validate"
)

var (
	ErrNotSubscribed = errors.New("not subscribed")
	ErrUnknownUser   = errors.New("unknown user")
)

// Result reports whether a call changed the broker.
type Result struct {
	User    string `json:"user"`
	Topic   string `json:"topic"`
	Changed bool   `json:"changed"`
	// Pending is set when the topic worker was still draining; the new
	// binding set starts once it stops.
	Pending bool `json:"pending,omitempty"`
}

// Directory is the part of the resource directory subscriptions depend on.
type Directory interface {
	directory.Users
	SubscriptionsOf(ctx context.Context, user string) []string
	SubscriptionExists(ctx context.Context, user, topic string) bool
}

// binder performs the broker side of subscribing and unsubscribing.
type binder struct {
	dialer   broker.Dialer
	activity messaging.ActivityStore
	timeout  time.Duration
	log      zerolog.Logger
}

func (b *binder) withConn(ctx context.Context, fn func(ctx context.Context, conn broker.Conn) error) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	conn, err := b.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	return fn(ctx, conn)
}

// bind declares the topic exchange and the binding queue of user and binds them.
func (b *binder) bind(ctx context.Context, user, topic string) error {
	queue := naming.SubscriptionQueue(topic, user)
	return b.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		if err := conn.DeclareExchange(ctx, topic, true); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		if err := conn.DeclareQueue(ctx, queue, true); err != nil {
			return fmt.Errorf("declare binding queue: %w", err)
		}
		if err := conn.Bind(ctx, topic, queue); err != nil {
			return fmt.Errorf("bind %s: %w", queue, err)
		}
		return nil
	})
}

// unbind deletes the binding queue. Pending messages on it are dropped.
func (b *binder) unbind(ctx context.Context, user, topic string) error {
	return b.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		if err := conn.DeleteQueue(ctx, naming.SubscriptionQueue(topic, user)); err != nil {
			return fmt.Errorf("delete binding queue: %w", err)
		}
		return nil
	})
}

func (b *binder) record(typ messaging.ActivityType, user, topic string) {
	b.log.Info().Str("user", user).Str("topic", topic).Str("action", string(typ)).Msg("subscription changed")
	if b.activity == nil {
		return
	}
	if err := b.activity.Record(messaging.Activity{Type: typ, User: user, Target: topic}); err != nil {
		b.log.Warn().Err(err).Msg("record activity failed")
	}
}

func checkTopic(topic string) error {
	if err := validate.Name(topic); err != nil {
		return fmt.Errorf("%w: %w", messaging.ErrValidation, criterio.NewFieldErrors("topic", err))
	}
	return nil
}

// Manager administers subscriptions of any user without touching workers.
type Manager struct {
	binder
	dir Directory
}

// NewManager creates a Manager. activity may be nil.
func NewManager(log zerolog.Logger, dir Directory, dialer broker.Dialer, activity messaging.ActivityStore, timeout time.Duration) *Manager {
	return &Manager{
		binder: binder{dialer: dialer, activity: activity, timeout: timeout, log: log},
		dir:    dir,
	}
}

// Subscribe binds user to topic, creating the topic exchange when missing.
// Subscribing twice succeeds with Changed false.
func (m *Manager) Subscribe(ctx context.Context, user, topic string) (Result, error) {
	res := Result{User: user, Topic: topic}
	if err := checkTopic(topic); err != nil {
		return res, err
	}
	if !m.dir.Exists(ctx, user) {
		return res, fmt.Errorf("%w: %s", ErrUnknownUser, user)
	}
	if m.dir.SubscriptionExists(ctx, user, topic) {
		return res, nil
	}

	if err := m.bind(ctx, user, topic); err != nil {
		return res, err
	}
	m.record(messaging.ActivitySubscribe, user, topic)
	res.Changed = true
	return res, nil
}

// Unsubscribe removes the binding queue of user on topic.
func (m *Manager) Unsubscribe(ctx context.Context, user, topic string) (Result, error) {
	res := Result{User: user, Topic: topic}
	if !m.dir.SubscriptionExists(ctx, user, topic) {
		return res, fmt.Errorf("%w: %s to %s", ErrNotSubscribed, user, topic)
	}

	if err := m.unbind(ctx, user, topic); err != nil {
		return res, err
	}
	m.record(messaging.ActivityUnsubscribe, user, topic)
	res.Changed = true
	return res, nil
}
