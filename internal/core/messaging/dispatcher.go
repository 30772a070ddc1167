// Package messaging publishes direct, topic and queue messages through the
// broker and records what was sent.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"

	"github.com/hay-kot/mom/internal/core/broker"
	"github.com/hay-kot/mom/internal/core/directory"
	"github.com/hay-kot/mom/internal/core/envelope"
	"github.com/hay-kot/mom/internal/core/naming"
	"github.com/hay-kot/mom/internal/core/validate"
)

var (
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrUnknownTopic     = errors.New("unknown topic")
	// ErrValidation wraps criterio.FieldErrors describing the rejected fields.
	ErrValidation = errors.New("validation failed")
)

// Dispatcher publishes envelopes. Every call dials its own connection and
// never shares one with a consumer.
type Dispatcher struct {
	dialer   broker.Dialer
	users    directory.Users
	activity ActivityStore
	timeout  time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. activity may be nil.
func NewDispatcher(log zerolog.Logger, dialer broker.Dialer, users directory.Users, activity ActivityStore, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		dialer:   dialer,
		users:    users,
		activity: activity,
		timeout:  timeout,
		log:      log,
		now:      time.Now,
	}
}

// SendDirect delivers content to the personal queue of recipient.
func (d *Dispatcher) SendDirect(ctx context.Context, sender, recipient, content string) (envelope.Envelope, error) {
	if err := check(sender, content, "recipient", recipient); err != nil {
		return envelope.Envelope{}, err
	}

	env := envelope.NewDirect(sender, recipient, content, d.now())
	err := d.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		if !d.users.Exists(ctx, recipient) {
			return fmt.Errorf("%w: %s", ErrUnknownRecipient, recipient)
		}
		return publish(ctx, conn, "", naming.UserQueue(recipient), env)
	})
	if err != nil {
		return envelope.Envelope{}, err
	}

	d.record(ActivitySend, env)
	return env, nil
}

// PublishTopic broadcasts content to every subscriber of topic. The topic
// exchange is checked passively and never created here.
func (d *Dispatcher) PublishTopic(ctx context.Context, sender, topic, content string) (envelope.Envelope, error) {
	if err := check(sender, content, "topic", topic); err != nil {
		return envelope.Envelope{}, err
	}

	env := envelope.NewTopic(sender, topic, content, d.now())
	err := d.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		ok, err := conn.ExchangeExists(ctx, topic)
		if err != nil {
			return fmt.Errorf("check topic: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
		}
		return publish(ctx, conn, topic, "", env)
	})
	if err != nil {
		return envelope.Envelope{}, err
	}

	d.record(ActivityPublish, env)
	return env, nil
}

// SendToQueue drops content on a general purpose queue, declaring it when
// missing. Names in the user, subscription or broker namespaces are rejected.
func (d *Dispatcher) SendToQueue(ctx context.Context, sender, queue, content string) (envelope.Envelope, error) {
	if err := check(sender, content, "queue", queue); err != nil {
		return envelope.Envelope{}, err
	}
	if naming.IsReserved(queue) {
		return envelope.Envelope{}, fmt.Errorf("%w: %w", ErrValidation,
			criterio.NewFieldErrors("queue", fmt.Errorf("%q uses a reserved prefix", queue)))
	}

	env := envelope.NewQueue(sender, queue, content, d.now())
	err := d.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		if err := conn.DeclareQueue(ctx, queue, true); err != nil {
			return fmt.Errorf("declare queue: %w", err)
		}
		return publish(ctx, conn, "", queue, env)
	})
	if err != nil {
		return envelope.Envelope{}, err
	}

	d.record(ActivityEnqueue, env)
	return env, nil
}

func check(sender, content, targetField, target string) error {
	var errs criterio.FieldErrorsBuilder
	if err := validate.Name(sender); err != nil {
		errs = errs.Append("sender", err)
	}
	if err := validate.Name(target); err != nil {
		errs = errs.Append(targetField, err)
	}
	if err := validate.Content(content); err != nil {
		errs = errs.Append("content", err)
	}

	if err := errs.ToError(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func (d *Dispatcher) withConn(ctx context.Context, fn func(ctx context.Context, conn broker.Conn) error) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	conn, err := d.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	return fn(ctx, conn)
}

func publish(ctx context.Context, conn broker.Conn, exchange, key string, env envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	err = conn.Publish(ctx, exchange, key, broker.Publishing{
		Body:        body,
		ContentType: broker.ContentTypeJSON,
		MessageID:   env.ID,
		Timestamp:   env.Timestamp,
		Persistent:  true,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// record logs the activity; failures never fail the publish.
func (d *Dispatcher) record(typ ActivityType, env envelope.Envelope) {
	d.log.Debug().
		Str("kind", string(env.Kind)).
		Str("target", env.Target()).
		Str("id", env.ID).
		Msg("published")

	if d.activity == nil {
		return
	}

	err := d.activity.Record(Activity{
		Type:       typ,
		User:       env.Sender,
		Target:     env.Target(),
		EnvelopeID: env.ID,
		Timestamp:  env.Timestamp,
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("record activity failed")
	}
}
