// Package rabbitmq implements the broker primitives on RabbitMQ: AMQP 0-9-1
// for queues, exchanges and deliveries, and the management HTTP API for
// introspection.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hay-kot/mom/internal/core/broker"
)

// Dialer opens AMQP connections to URL.
type Dialer struct {
	URL     string
	Timeout time.Duration
}

var _ broker.Dialer = Dialer{}

// Dial opens a connection and its control channel.
func (d Dialer) Dial(ctx context.Context) (broker.Conn, error) {
	timeout := d.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	cfg := amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.NewConnectionProperties(),
	}
	cfg.Properties.SetClientConnectionName("mom")

	conn, err := amqp.DialConfig(d.URL, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrConnection, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %w", broker.ErrConnection, err)
	}

	c := &Conn{conn: conn, ch: ch, done: make(chan struct{})}
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		<-notify
		close(c.done)
	}()
	return c, nil
}

// Conn is an AMQP connection. Declarations, publishes and fetches share one
// control channel; every consumer gets a channel of its own so that a channel
// error on one queue does not cancel the others.
type Conn struct {
	conn *amqp.Connection
	done chan struct{}

	mu sync.Mutex
	ch *amqp.Channel
}

var _ broker.Conn = (*Conn)(nil)

// control returns the control channel, reopening it after a channel exception.
func (c *Conn) control() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn.IsClosed() {
		return nil, broker.ErrClosed
	}
	if c.ch.IsClosed() {
		ch, err := c.conn.Channel()
		if err != nil {
			return nil, mapErr(err)
		}
		c.ch = ch
	}
	return c.ch, nil
}

// DeclareQueue implements broker.Conn.
func (c *Conn) DeclareQueue(ctx context.Context, name string, durable bool) error {
	ch, err := c.control()
	if err != nil {
		return err
	}
	_, err = ch.QueueDeclare(name, durable, false, false, false, nil)
	return mapErr(err)
}

// DeleteQueue implements broker.Conn.
func (c *Conn) DeleteQueue(ctx context.Context, name string) error {
	ch, err := c.control()
	if err != nil {
		return err
	}
	_, err = ch.QueueDelete(name, false, false, false)
	return mapErr(err)
}

// DeclareExchange implements broker.Conn.
func (c *Conn) DeclareExchange(ctx context.Context, name string, durable bool) error {
	ch, err := c.control()
	if err != nil {
		return err
	}
	return mapErr(ch.ExchangeDeclare(name, amqp.ExchangeFanout, durable, false, false, false, nil))
}

// ExchangeExists implements broker.Conn with a passive declare. A missing
// exchange closes the control channel; it is reopened on next use.
func (c *Conn) ExchangeExists(ctx context.Context, name string) (bool, error) {
	ch, err := c.control()
	if err != nil {
		return false, err
	}
	err = mapErr(ch.ExchangeDeclarePassive(name, amqp.ExchangeFanout, true, false, false, false, nil))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, broker.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// DeleteExchange implements broker.Conn.
func (c *Conn) DeleteExchange(ctx context.Context, name string) error {
	ch, err := c.control()
	if err != nil {
		return err
	}
	return mapErr(ch.ExchangeDelete(name, false, false))
}

// Bind implements broker.Conn.
func (c *Conn) Bind(ctx context.Context, exchange, queue string) error {
	ch, err := c.control()
	if err != nil {
		return err
	}
	return mapErr(ch.QueueBind(queue, "", exchange, false, nil))
}

// Publish implements broker.Conn.
func (c *Conn) Publish(ctx context.Context, exchange, key string, msg broker.Publishing) error {
	ch, err := c.control()
	if err != nil {
		return err
	}

	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	return mapErr(ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		DeliveryMode: mode,
		Body:         msg.Body,
	}))
}

// Consume implements broker.Conn on a dedicated channel with the given
// prefetch. The consumer is cancelled when ctx is done.
func (c *Conn) Consume(ctx context.Context, queue, tag string, prefetch int) (<-chan broker.Delivery, error) {
	if c.conn.IsClosed() {
		return nil, broker.ErrClosed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, mapErr(err)
	}
	if _, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, mapErr(err)
	}
	if err := ch.Qos(max(prefetch, 1), 0, false); err != nil {
		_ = ch.Close()
		return nil, mapErr(err)
	}

	in, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, mapErr(err)
	}

	ack := &channelAcker{ch: ch}
	out := make(chan broker.Delivery)
	go forward(ctx, in, out,
		func(d amqp.Delivery) broker.Delivery { return delivery(queue, d, ack) },
		func() { _ = ch.Cancel(tag, false) },
		func() { _ = ch.Close() },
	)
	return out, nil
}

// forward copies deliveries from in to out until ctx ends or in closes.
// When ctx ends only the consumer is cancelled: the channel stays open so a
// delivery the caller is still handling can be settled, and it closes with
// the connection. Unsettled deliveries are requeued by the broker then.
func forward(ctx context.Context, in <-chan amqp.Delivery, out chan<- broker.Delivery, convert func(amqp.Delivery) broker.Delivery, cancel, closeChannel func()) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			cancel()
			return
		case d, ok := <-in:
			if !ok {
				closeChannel()
				return
			}
			select {
			case out <- convert(d):
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}
}

// Fetch implements broker.Conn with basic.get.
func (c *Conn) Fetch(ctx context.Context, queue string) (broker.Delivery, bool, error) {
	ch, err := c.control()
	if err != nil {
		return broker.Delivery{}, false, err
	}

	d, ok, err := ch.Get(queue, false)
	if err != nil {
		return broker.Delivery{}, false, mapErr(err)
	}
	if !ok {
		return broker.Delivery{}, false, nil
	}
	return delivery(queue, d, &channelAcker{ch: ch}), true, nil
}

// Done implements broker.Conn.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close implements broker.Conn. Unacknowledged deliveries are requeued by the
// broker.
func (c *Conn) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

func delivery(queue string, d amqp.Delivery, ack broker.Acknowledger) broker.Delivery {
	return broker.Delivery{
		Tag:          d.DeliveryTag,
		Queue:        queue,
		Body:         d.Body,
		ContentType:  d.ContentType,
		MessageID:    d.MessageId,
		Redelivered:  d.Redelivered,
		Acknowledger: ack,
	}
}

// channelAcker settles deliveries on the channel they arrived on.
type channelAcker struct {
	ch *amqp.Channel
}

func (a *channelAcker) Ack(tag uint64) error {
	return mapErr(a.ch.Ack(tag, false))
}

func (a *channelAcker) Nack(tag uint64, requeue bool) error {
	return mapErr(a.ch.Nack(tag, false, requeue))
}

// mapErr translates AMQP errors into broker sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: %w", broker.ErrClosed, err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch {
		case amqpErr.Code == amqp.NotFound:
			return fmt.Errorf("%w: %s", broker.ErrNotFound, amqpErr.Reason)
		case !amqpErr.Server:
			return fmt.Errorf("%w: %w", broker.ErrConnection, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", broker.ErrConnection, err)
	}
	return err
}
