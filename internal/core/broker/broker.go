// Package broker defines the primitives mom consumes from a message broker.
//
// Implementations live under internal/broker. Every long-lived consumer dials
// its own Conn; a Conn and the channels it hands out are not safe for use by
// more than one goroutine loop at a time.
package broker

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by broker implementations.
var (
	// ErrConnection reports that the broker could not be reached. Callers may retry.
	ErrConnection = errors.New("broker unreachable")
	// ErrNotFound reports that a queue or exchange does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrClosed is returned when a closed connection is used.
	ErrClosed = errors.New("connection closed")
)

// ContentTypeJSON is the content type stamped on encoded envelopes.
const ContentTypeJSON = "application/json"

// ExchangeFanout is the only exchange kind mom declares.
const ExchangeFanout = "fanout"

// Publishing is a message handed to Conn.Publish.
type Publishing struct {
	Body        []byte
	ContentType string
	MessageID   string
	Timestamp   time.Time
	// Persistent asks the broker to write the message to disk so it survives a restart.
	Persistent bool
}

// Acknowledger settles a delivery with the broker.
type Acknowledger interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// Delivery is a message received from a queue.
type Delivery struct {
	Tag         uint64
	Queue       string
	Body        []byte
	ContentType string
	MessageID   string
	Redelivered bool

	Acknowledger Acknowledger
}

// Ack confirms the delivery so the broker drops it.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return ErrClosed
	}
	return d.Acknowledger.Ack(d.Tag)
}

// Nack rejects the delivery, optionally returning it to the queue.
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrClosed
	}
	return d.Acknowledger.Nack(d.Tag, requeue)
}

// QueueInfo is a queue as reported by broker introspection.
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// ExchangeInfo is an exchange as reported by broker introspection.
type ExchangeInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Conn is a single broker connection with one channel.
type Conn interface {
	DeclareQueue(ctx context.Context, name string, durable bool) error
	DeleteQueue(ctx context.Context, name string) error

	// DeclareExchange declares a fanout exchange.
	DeclareExchange(ctx context.Context, name string, durable bool) error
	// ExchangeExists performs a passive check and never creates the exchange.
	ExchangeExists(ctx context.Context, name string) (bool, error)
	DeleteExchange(ctx context.Context, name string) error

	Bind(ctx context.Context, exchange, queue string) error

	// Publish sends msg to exchange with routing key. An empty exchange is the
	// default exchange, which routes by queue name.
	Publish(ctx context.Context, exchange, key string, msg Publishing) error

	// Consume registers a consumer on queue and returns its delivery stream.
	// The stream is closed when the consumer is cancelled by either side.
	Consume(ctx context.Context, queue, tag string, prefetch int) (<-chan Delivery, error)
	// Fetch performs a single non-blocking get. ok is false when the queue is empty.
	Fetch(ctx context.Context, queue string) (d Delivery, ok bool, err error)

	// Done is closed once the connection is gone, whichever side closed it.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens dedicated connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Admin is the read-only introspection side of the broker.
type Admin interface {
	ListQueues(ctx context.Context) ([]QueueInfo, error)
	ListExchanges(ctx context.Context) ([]ExchangeInfo, error)
}
