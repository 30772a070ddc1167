package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/mom/internal/core/broker"
)

func dial(t *testing.T, b *Broker) broker.Conn {
	t.Helper()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func recv(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return broker.Delivery{}
	}
}

func TestDefaultExchangeRoutesByKey(t *testing.T) {
	ctx := context.Background()
	b := New()
	conn := dial(t, b)

	require.NoError(t, conn.DeclareQueue(ctx, "jobs", true))
	require.NoError(t, conn.Publish(ctx, "", "jobs", broker.Publishing{Body: []byte("a")}))
	require.NoError(t, conn.Publish(ctx, "", "nowhere", broker.Publishing{Body: []byte("b")}))

	assert.Equal(t, 1, b.Depth("jobs"))
	assert.Equal(t, 2, b.PublishCount())

	d, ok, err := conn.Fetch(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", string(d.Body))
	require.NoError(t, d.Ack())

	_, ok, err = conn.Fetch(ctx, "jobs")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFanoutCopiesToEveryBoundQueue(t *testing.T) {
	ctx := context.Background()
	b := New()
	conn := dial(t, b)

	require.NoError(t, conn.DeclareExchange(ctx, "news", true))
	for _, q := range []string{"topic_news_alice", "topic_news_bob"} {
		require.NoError(t, conn.DeclareQueue(ctx, q, true))
		require.NoError(t, conn.Bind(ctx, "news", q))
	}

	require.NoError(t, conn.Publish(ctx, "news", "", broker.Publishing{Body: []byte("hello")}))

	assert.Equal(t, 1, b.Depth("topic_news_alice"))
	assert.Equal(t, 1, b.Depth("topic_news_bob"))
}

func TestPublishMissingExchange(t *testing.T) {
	conn := dial(t, New())
	err := conn.Publish(context.Background(), "missing", "", broker.Publishing{})
	require.ErrorIs(t, err, broker.ErrNotFound)
}

func TestBindRequiresBothSides(t *testing.T) {
	ctx := context.Background()
	conn := dial(t, New())

	require.ErrorIs(t, conn.Bind(ctx, "news", "q"), broker.ErrNotFound)
	require.NoError(t, conn.DeclareExchange(ctx, "news", true))
	require.ErrorIs(t, conn.Bind(ctx, "news", "q"), broker.ErrNotFound)
}

func TestDeclareExchangeKindConflict(t *testing.T) {
	conn := dial(t, New())
	require.Error(t, conn.DeclareExchange(context.Background(), "amq.direct", true))
	require.NoError(t, conn.DeclareExchange(context.Background(), "amq.fanout", true))
}

func TestConsumePrefetchAndAck(t *testing.T) {
	ctx := context.Background()
	b := New()
	conn := dial(t, b)
	require.NoError(t, conn.DeclareQueue(ctx, "q", true))

	for _, body := range []string{"1", "2"} {
		require.NoError(t, conn.Publish(ctx, "", "q", broker.Publishing{Body: []byte(body)}))
	}

	ch, err := conn.Consume(ctx, "q", "c1", 1)
	require.NoError(t, err)

	first := recv(t, ch)
	assert.Equal(t, "1", string(first.Body))
	assert.Equal(t, 1, b.Depth("q"), "second message waits for the ack")

	require.NoError(t, first.Ack())
	second := recv(t, ch)
	assert.Equal(t, "2", string(second.Body))
	require.NoError(t, second.Ack())
}

func TestNackRequeueMarksRedelivered(t *testing.T) {
	ctx := context.Background()
	b := New()
	conn := dial(t, b)
	require.NoError(t, conn.DeclareQueue(ctx, "q", true))
	require.NoError(t, conn.Publish(ctx, "", "q", broker.Publishing{Body: []byte("x")}))

	ch, err := conn.Consume(ctx, "q", "c1", 1)
	require.NoError(t, err)

	d := recv(t, ch)
	assert.False(t, d.Redelivered)
	require.NoError(t, d.Nack(true))

	again := recv(t, ch)
	assert.True(t, again.Redelivered)
	assert.Equal(t, "x", string(again.Body))

	require.NoError(t, again.Nack(false))
	assert.Equal(t, 0, b.Depth("q"))
}

func TestCloseRequeuesUnacked(t *testing.T) {
	ctx := context.Background()
	b := New()
	publisher := dial(t, b)
	require.NoError(t, publisher.DeclareQueue(ctx, "q", true))
	require.NoError(t, publisher.Publish(ctx, "", "q", broker.Publishing{Body: []byte("x")}))

	conn, err := b.Dial(ctx)
	require.NoError(t, err)
	ch, err := conn.Consume(ctx, "q", "c1", 1)
	require.NoError(t, err)
	recv(t, ch)

	require.NoError(t, conn.Close())

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 1, b.Depth("q"))

	d, ok, err := publisher.Fetch(ctx, "q")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.Redelivered)
}

func TestConsumeCancelledByContext(t *testing.T) {
	b := New()
	conn := dial(t, b)
	require.NoError(t, conn.DeclareQueue(context.Background(), "q", true))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := conn.Consume(ctx, "q", "c1", 1)
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("consumer not cancelled")
	}
}

func TestDeleteQueueClosesConsumers(t *testing.T) {
	ctx := context.Background()
	b := New()
	conn := dial(t, b)
	require.NoError(t, conn.DeclareQueue(ctx, "q", true))

	ch, err := conn.Consume(ctx, "q", "c1", 1)
	require.NoError(t, err)

	require.NoError(t, conn.DeleteQueue(ctx, "q"))
	_, open := <-ch
	assert.False(t, open)
	assert.False(t, b.HasQueue("q"))
}

func TestOfflineAndDrop(t *testing.T) {
	ctx := context.Background()
	b := New()
	conn := dial(t, b)

	b.SetOffline(true)
	_, err := b.Dial(ctx)
	require.ErrorIs(t, err, broker.ErrConnection)
	require.ErrorIs(t, conn.DeclareQueue(ctx, "q", true), broker.ErrConnection)
	_, err = b.ListQueues(ctx)
	require.ErrorIs(t, err, broker.ErrConnection)

	b.SetOffline(false)
	b.DropConnections()
	require.ErrorIs(t, conn.DeclareQueue(ctx, "q", true), broker.ErrClosed)
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after drop")
	}
	assert.Equal(t, 0, b.OpenConns())
}

func TestListQueuesCounts(t *testing.T) {
	ctx := context.Background()
	b := New()
	conn := dial(t, b)
	require.NoError(t, conn.DeclareQueue(ctx, "b", true))
	require.NoError(t, conn.DeclareQueue(ctx, "a", true))
	require.NoError(t, conn.Publish(ctx, "", "a", broker.Publishing{Body: []byte("1")}))
	require.NoError(t, conn.Publish(ctx, "", "a", broker.Publishing{Body: []byte("2")}))

	ch, err := conn.Consume(ctx, "a", "c1", 1)
	require.NoError(t, err)
	recv(t, ch)

	queues, err := b.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 2)
	assert.Equal(t, broker.QueueInfo{Name: "a", Messages: 2, Consumers: 1}, queues[0])
	assert.Equal(t, broker.QueueInfo{Name: "b"}, queues[1])
}
