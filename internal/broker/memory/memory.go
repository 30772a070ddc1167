// Package memory provides an in-process broker with the queue, fanout and
// acknowledgement semantics mom relies on. It backs the test suites and the
// `--broker memory` mode.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/hay-kot/mom/internal/core/broker"
)

// Published records a Publish call.
type Published struct {
	Exchange string
	Key      string
	Msg      broker.Publishing
}

type message struct {
	pub         broker.Publishing
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	ready     []message
	consumers []*consumer
	next      int
}

type consumer struct {
	tag      string
	queue    string
	prefetch int
	inflight int
	ch       chan broker.Delivery
	done     chan struct{}
	conn     *Conn
	closed   bool
}

type inflight struct {
	queue    string
	msg      message
	consumer *consumer
	conn     *Conn
}

// Broker is an in-memory message broker. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]string
	bindings  map[string]map[string]struct{}
	inflight  map[uint64]*inflight
	conns     map[*Conn]struct{}
	nextTag   uint64
	offline   bool
	published []Published
	dials     int
}

// New creates a broker with the built-in exchanges a real broker exposes.
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		exchanges: map[string]string{
			"":           "direct",
			"amq.direct": "direct",
			"amq.fanout": broker.ExchangeFanout,
			"amq.topic":  "topic",
		},
		bindings: make(map[string]map[string]struct{}),
		inflight: make(map[uint64]*inflight),
		conns:    make(map[*Conn]struct{}),
	}
}

var (
	_ broker.Dialer = (*Broker)(nil)
	_ broker.Admin  = (*Broker)(nil)
	_ broker.Conn   = (*Conn)(nil)
)

// SetOffline makes every dial, introspection and connection call fail with
// broker.ErrConnection while offline is true.
func (b *Broker) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// DropConnections closes every open connection as if the broker restarted.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		b.closeConnLocked(c)
	}
}

// Published returns a copy of every Publish call seen so far.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

// PublishCount returns the number of Publish calls seen so far.
func (b *Broker) PublishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// Dials returns the number of successful Dial calls.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConns returns the number of connections not yet closed.
func (b *Broker) OpenConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Depth returns the number of ready messages in queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// HasQueue reports whether queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Dial opens a new connection.
func (b *Broker) Dial(ctx context.Context) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.offline {
		return nil, broker.ErrConnection
	}

	c := &Conn{b: b, done: make(chan struct{})}
	b.conns[c] = struct{}{}
	b.dials++
	return c, nil
}

// ListQueues implements broker.Admin.
func (b *Broker) ListQueues(ctx context.Context) ([]broker.QueueInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.offline {
		return nil, broker.ErrConnection
	}

	unacked := make(map[string]int)
	for _, f := range b.inflight {
		unacked[f.queue]++
	}

	out := make([]broker.QueueInfo, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, broker.QueueInfo{
			Name:      q.name,
			Messages:  len(q.ready) + unacked[q.name],
			Consumers: len(q.consumers),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListExchanges implements broker.Admin.
func (b *Broker) ListExchanges(ctx context.Context) ([]broker.ExchangeInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.offline {
		return nil, broker.ErrConnection
	}

	out := make([]broker.ExchangeInfo, 0, len(b.exchanges))
	for name, kind := range b.exchanges {
		out = append(out, broker.ExchangeInfo{Name: name, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// dispatchLocked hands ready messages to consumers with spare prefetch,
// round-robin. Channels are buffered to prefetch so sends never block.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.pick()
		if c == nil {
			return
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]

		b.nextTag++
		tag := b.nextTag
		b.inflight[tag] = &inflight{queue: q.name, msg: msg, consumer: c, conn: c.conn}
		c.inflight++
		c.ch <- delivery(tag, q.name, msg, c.conn)
	}
}

func (q *queue) pick() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if !c.closed && c.inflight < c.prefetch {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func delivery(tag uint64, queue string, msg message, conn *Conn) broker.Delivery {
	return broker.Delivery{
		Tag:          tag,
		Queue:        queue,
		Body:         slices.Clone(msg.pub.Body),
		ContentType:  msg.pub.ContentType,
		MessageID:    msg.pub.MessageID,
		Redelivered:  msg.redelivered,
		Acknowledger: conn,
	}
}

func (b *Broker) cancelConsumerLocked(c *consumer) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
	close(c.done)

	if q, ok := b.queues[c.queue]; ok {
		q.consumers = slices.DeleteFunc(q.consumers, func(o *consumer) bool { return o == c })
		if q.next >= len(q.consumers) {
			q.next = 0
		}
	}
}

// closeConnLocked cancels the connection's consumers and requeues everything
// it left unacknowledged.
func (b *Broker) closeConnLocked(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	delete(b.conns, c)

	for _, cons := range c.consumers {
		b.cancelConsumerLocked(cons)
	}

	tags := make([]uint64, 0)
	for tag, f := range b.inflight {
		if f.conn == c {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)

	requeued := make(map[string][]message)
	for _, tag := range tags {
		f := b.inflight[tag]
		delete(b.inflight, tag)
		f.msg.redelivered = true
		requeued[f.queue] = append(requeued[f.queue], f.msg)
	}
	for name, msgs := range requeued {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		q.ready = append(msgs, q.ready...)
		b.dispatchLocked(q)
	}
}

// Conn is a connection to a Broker.
type Conn struct {
	b         *Broker
	closed    bool
	done      chan struct{}
	consumers []*consumer
}

// Done implements broker.Conn.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) usableLocked() error {
	if c.closed {
		return broker.ErrClosed
	}
	if c.b.offline {
		return broker.ErrConnection
	}
	return nil
}

func (c *Conn) lock() (unlock func(), err error) {
	c.b.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.b.mu.Unlock()
		return nil, err
	}
	return c.b.mu.Unlock, nil
}

// DeclareQueue implements broker.Conn.
func (c *Conn) DeclareQueue(ctx context.Context, name string, durable bool) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := c.b.queues[name]; !ok {
		c.b.queues[name] = &queue{name: name, durable: durable}
	}
	return nil
}

// DeleteQueue implements broker.Conn. Consumers on the queue are cancelled and
// its messages dropped.
func (c *Conn) DeleteQueue(ctx context.Context, name string) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	q, ok := c.b.queues[name]
	if !ok {
		return nil
	}
	for _, cons := range slices.Clone(q.consumers) {
		c.b.cancelConsumerLocked(cons)
	}
	for tag, f := range c.b.inflight {
		if f.queue == name {
			delete(c.b.inflight, tag)
		}
	}
	for _, bound := range c.b.bindings {
		delete(bound, name)
	}
	delete(c.b.queues, name)
	return nil
}

// DeclareExchange implements broker.Conn.
func (c *Conn) DeclareExchange(ctx context.Context, name string, durable bool) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if kind, ok := c.b.exchanges[name]; ok {
		if kind != broker.ExchangeFanout {
			return fmt.Errorf("exchange %q already declared as %s", name, kind)
		}
		return nil
	}
	c.b.exchanges[name] = broker.ExchangeFanout
	return nil
}

// ExchangeExists implements broker.Conn.
func (c *Conn) ExchangeExists(ctx context.Context, name string) (bool, error) {
	unlock, err := c.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	_, ok := c.b.exchanges[name]
	return ok, nil
}

// DeleteExchange implements broker.Conn.
func (c *Conn) DeleteExchange(ctx context.Context, name string) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	delete(c.b.exchanges, name)
	delete(c.b.bindings, name)
	return nil
}

// Bind implements broker.Conn.
func (c *Conn) Bind(ctx context.Context, exchange, queue string) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := c.b.exchanges[exchange]; !ok {
		return fmt.Errorf("exchange %q: %w", exchange, broker.ErrNotFound)
	}
	if _, ok := c.b.queues[queue]; !ok {
		return fmt.Errorf("queue %q: %w", queue, broker.ErrNotFound)
	}
	if c.b.bindings[exchange] == nil {
		c.b.bindings[exchange] = make(map[string]struct{})
	}
	c.b.bindings[exchange][queue] = struct{}{}
	return nil
}

// Publish implements broker.Conn. Messages routed nowhere are dropped, like an
// unroutable non-mandatory publish.
func (c *Conn) Publish(ctx context.Context, exchange, key string, msg broker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := c.b.exchanges[exchange]; !ok {
		return fmt.Errorf("exchange %q: %w", exchange, broker.ErrNotFound)
	}

	msg.Body = slices.Clone(msg.Body)
	c.b.published = append(c.b.published, Published{Exchange: exchange, Key: key, Msg: msg})

	var targets []string
	if exchange == "" {
		targets = []string{key}
	} else {
		for q := range c.b.bindings[exchange] {
			targets = append(targets, q)
		}
		sort.Strings(targets)
	}

	for _, name := range targets {
		q, ok := c.b.queues[name]
		if !ok {
			continue
		}
		q.ready = append(q.ready, message{pub: msg})
		c.b.dispatchLocked(q)
	}
	return nil
}

// Consume implements broker.Conn. The consumer is cancelled when ctx is done.
func (c *Conn) Consume(ctx context.Context, queue, tag string, prefetch int) (<-chan broker.Delivery, error) {
	unlock, err := c.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	q, ok := c.b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", queue, broker.ErrNotFound)
	}
	if prefetch < 1 {
		prefetch = 1
	}

	cons := &consumer{
		tag:      tag,
		queue:    queue,
		prefetch: prefetch,
		ch:       make(chan broker.Delivery, prefetch),
		done:     make(chan struct{}),
		conn:     c,
	}
	q.consumers = append(q.consumers, cons)
	c.consumers = append(c.consumers, cons)
	c.b.dispatchLocked(q)

	go func() {
		select {
		case <-ctx.Done():
		case <-cons.done:
			return
		}
		c.b.mu.Lock()
		defer c.b.mu.Unlock()
		c.b.cancelConsumerLocked(cons)
	}()

	return cons.ch, nil
}

// Fetch implements broker.Conn.
func (c *Conn) Fetch(ctx context.Context, queue string) (broker.Delivery, bool, error) {
	unlock, err := c.lock()
	if err != nil {
		return broker.Delivery{}, false, err
	}
	defer unlock()

	q, ok := c.b.queues[queue]
	if !ok {
		return broker.Delivery{}, false, fmt.Errorf("queue %q: %w", queue, broker.ErrNotFound)
	}
	if len(q.ready) == 0 {
		return broker.Delivery{}, false, nil
	}

	msg := q.ready[0]
	q.ready = q.ready[1:]
	c.b.nextTag++
	tag := c.b.nextTag
	c.b.inflight[tag] = &inflight{queue: queue, msg: msg, conn: c}
	return delivery(tag, queue, msg, c), true, nil
}

// Ack implements broker.Acknowledger.
func (c *Conn) Ack(tag uint64) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	f, err := c.settleLocked(tag)
	if err != nil {
		return err
	}
	if q, ok := c.b.queues[f.queue]; ok {
		c.b.dispatchLocked(q)
	}
	return nil
}

// Nack implements broker.Acknowledger.
func (c *Conn) Nack(tag uint64, requeue bool) error {
	unlock, err := c.lock()
	if err != nil {
		return err
	}
	defer unlock()

	f, err := c.settleLocked(tag)
	if err != nil {
		return err
	}
	q, ok := c.b.queues[f.queue]
	if !ok {
		return nil
	}
	if requeue {
		f.msg.redelivered = true
		q.ready = append([]message{f.msg}, q.ready...)
	}
	c.b.dispatchLocked(q)
	return nil
}

func (c *Conn) settleLocked(tag uint64) (*inflight, error) {
	f, ok := c.b.inflight[tag]
	if !ok || f.conn != c {
		return nil, fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(c.b.inflight, tag)
	if f.consumer != nil {
		f.consumer.inflight--
	}
	return f, nil
}

// Close implements broker.Conn.
func (c *Conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.closeConnLocked(c)
	return nil
}
