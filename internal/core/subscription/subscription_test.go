package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/mom/internal/broker/memory"
	"github.com/hay-kot/mom/internal/core/consumer"
	"github.com/hay-kot/mom/internal/core/directory"
	"github.com/hay-kot/mom/internal/core/envelope"
	"github.com/hay-kot/mom/internal/core/messaging"
)

type env struct {
	broker *memory.Broker
	dir    *directory.Directory
}

func newEnv(t *testing.T, users ...string) *env {
	t.Helper()
	b := memory.New()
	e := &env{broker: b, dir: directory.New(zerolog.Nop(), b, b, time.Second)}
	for _, u := range users {
		require.NoError(t, e.dir.Create(context.Background(), u))
	}
	return e
}

func (e *env) open(t *testing.T, user string) (*Session, *consumer.Sink) {
	t.Helper()

	opts := consumer.DefaultOptions()
	opts.PollInterval = 20 * time.Millisecond
	opts.ReconnectPerSec = 100

	sink := consumer.NewSink(time.Second)
	engine := consumer.NewEngine(zerolog.Nop(), e.broker, sink.Handler(), opts)

	s, err := Open(context.Background(), zerolog.Nop(), Deps{
		Directory: e.dir,
		Dialer:    e.broker,
		Engine:    engine,
		Timeout:   time.Second,
	}, user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, sink
}

// quiet fails if sink hands over anything within a short window.
func quiet(t *testing.T, sink *consumer.Sink) {
	t.Helper()
	select {
	case got := <-sink.C():
		t.Fatalf("unexpected delivery from %s", got.Queue)
	case <-time.After(100 * time.Millisecond):
	}
}

func (e *env) bindingQueues(t *testing.T, name string) int {
	t.Helper()
	queues, err := e.broker.ListQueues(context.Background())
	require.NoError(t, err)
	n := 0
	for _, q := range queues {
		if q.Name == name {
			n++
		}
	}
	return n
}

func TestOpen_UnknownUser(t *testing.T) {
	e := newEnv(t)
	_, err := Open(context.Background(), zerolog.Nop(), Deps{Directory: e.dir, Dialer: e.broker}, "ghost")
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestOpen_LoadsExistingSubscriptions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	m := NewManager(zerolog.Nop(), e.dir, e.broker, nil, time.Second)
	_, err := m.Subscribe(ctx, "alice", "news")
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "alice", "sport")
	require.NoError(t, err)

	s, _ := e.open(t, "alice")
	assert.Equal(t, "alice", s.User())
	assert.Equal(t, []string{"news", "sport"}, s.Topics())
}

func TestSession_SubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	s, _ := e.open(t, "alice")

	res, err := s.Subscribe(ctx, "news")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, e.dir.SubscriptionExists(ctx, "alice", "news"))

	res, err = s.Subscribe(ctx, "news")
	require.NoError(t, err)
	assert.False(t, res.Changed)

	assert.Equal(t, 1, e.bindingQueues(t, "topic_news_alice"))
	assert.Equal(t, []string{"news"}, s.Topics())
}

func TestSession_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	s, _ := e.open(t, "alice")

	_, err := s.Subscribe(ctx, "news")
	require.NoError(t, err)

	res, err := s.Unsubscribe(ctx, "news")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, e.dir.SubscriptionExists(ctx, "alice", "news"))
	assert.Empty(t, s.Topics())

	_, err = s.Unsubscribe(ctx, "news")
	require.ErrorIs(t, err, ErrNotSubscribed)
}

func TestSession_BrokerFailureLeavesSetUnchanged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	s, _ := e.open(t, "alice")

	_, err := s.Subscribe(ctx, "news")
	require.NoError(t, err)

	e.broker.SetOffline(true)

	_, err = s.Subscribe(ctx, "sport")
	require.Error(t, err)
	_, err = s.Unsubscribe(ctx, "news")
	require.Error(t, err)

	assert.Equal(t, []string{"news"}, s.Topics())
}

func TestSession_InvalidTopic(t *testing.T) {
	e := newEnv(t, "alice")
	s, _ := e.open(t, "alice")

	_, err := s.Subscribe(context.Background(), "bad topic")
	require.ErrorIs(t, err, messaging.ErrValidation)
}

func TestSession_NewsBroadcastScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "bob", "carol")
	require.NoError(t, e.dir.CreateTopic(ctx, "news"))

	alice, aliceSink := e.open(t, "alice")
	_, bobSink := e.open(t, "bob")

	_, err := alice.Subscribe(ctx, "news")
	require.NoError(t, err)

	d := messaging.NewDispatcher(zerolog.Nop(), e.broker, e.dir, nil, time.Second)
	_, err = d.PublishTopic(ctx, "carol", "news", "breaking")
	require.NoError(t, err)

	select {
	case got := <-aliceSink.C():
		assert.Equal(t, envelope.KindTopic, got.Envelope.Kind)
		assert.Equal(t, "news", got.Envelope.Topic)
		assert.Equal(t, "carol", got.Envelope.Sender)
		assert.Equal(t, "breaking", got.Envelope.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("alice received nothing")
	}

	quiet(t, aliceSink)
	quiet(t, bobSink)
}

func TestSession_DirectScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "bob")
	_, bobSink := e.open(t, "bob")

	d := messaging.NewDispatcher(zerolog.Nop(), e.broker, e.dir, nil, time.Second)
	_, err := d.SendDirect(ctx, "alice", "bob", "hi")
	require.NoError(t, err)

	select {
	case got := <-bobSink.C():
		assert.Equal(t, consumer.ScopePersonal, got.Scope)
		assert.Equal(t, envelope.KindDirect, got.Envelope.Kind)
		assert.Equal(t, "alice", got.Envelope.Sender)
	case <-time.After(2 * time.Second):
		t.Fatal("bob received nothing")
	}
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	m := NewManager(zerolog.Nop(), e.dir, e.broker, nil, time.Second)

	_, err := m.Subscribe(ctx, "ghost", "news")
	require.ErrorIs(t, err, ErrUnknownUser)

	res, err := m.Subscribe(ctx, "alice", "news")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, e.dir.TopicExists(ctx, "news"))
	assert.True(t, e.dir.SubscriptionExists(ctx, "alice", "news"))

	res, err = m.Subscribe(ctx, "alice", "news")
	require.NoError(t, err)
	assert.False(t, res.Changed)

	res, err = m.Unsubscribe(ctx, "alice", "news")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, e.dir.SubscriptionExists(ctx, "alice", "news"))

	_, err = m.Unsubscribe(ctx, "alice", "news")
	require.ErrorIs(t, err, ErrNotSubscribed)
}

func TestSession_DrainTimeoutStillDeliversNewTopic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice", "carol")
	require.NoError(t, e.dir.CreateTopic(ctx, "news"))
	require.NoError(t, e.dir.CreateTopic(ctx, "sport"))

	opts := consumer.DefaultOptions()
	opts.PollInterval = 20 * time.Millisecond
	opts.GracePeriod = 50 * time.Millisecond
	opts.ReconnectPerSec = 100

	got := make(chan consumer.Delivery, 4)
	handler := func(_ context.Context, d consumer.Delivery) error {
		if d.Envelope.Topic == "news" {
			time.Sleep(300 * time.Millisecond)
		}
		got <- d
		return nil
	}
	engine := consumer.NewEngine(zerolog.Nop(), e.broker, handler, opts)

	s, err := Open(ctx, zerolog.Nop(), Deps{Directory: e.dir, Dialer: e.broker, Engine: engine, Timeout: time.Second}, "alice")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	_, err = s.Subscribe(ctx, "news")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return engine.State(consumer.ScopeTopics) == consumer.StateRunning }, 2*time.Second, 5*time.Millisecond)

	d := messaging.NewDispatcher(zerolog.Nop(), e.broker, e.dir, nil, time.Second)
	_, err = d.PublishTopic(ctx, "carol", "news", "slow")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.broker.Depth("topic_news_alice") == 0 }, 2*time.Second, 5*time.Millisecond)

	res, err := s.Subscribe(ctx, "sport")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Pending)
	assert.Equal(t, []string{"news", "sport"}, s.Topics())

	_, err = d.PublishTopic(ctx, "carol", "sport", "goal")
	require.NoError(t, err)

	seen := map[string]bool{}
	timeout := time.After(3 * time.Second)
	for !seen["sport"] {
		select {
		case d := <-got:
			seen[d.Envelope.Topic] = true
		case <-timeout:
			t.Fatalf("sport never delivered, saw %v", seen)
		}
	}
	assert.Equal(t, consumer.StateRunning, engine.State(consumer.ScopeTopics))
}

// flakyEngine fails the first n reconfigures.
type flakyEngine struct {
	fail   int
	calls  [][]string
	topics []string
}

func (f *flakyEngine) Start(context.Context, string, []string) error { return nil }
func (f *flakyEngine) Stop(context.Context) error                    { return nil }

func (f *flakyEngine) Reconfigure(_ context.Context, _ string, queues []string) error {
	f.calls = append(f.calls, queues)
	if f.fail > 0 {
		f.fail--
		return errors.New("engine busy")
	}
	f.topics = queues
	return nil
}

func TestSession_RetryReissuesFailedRestart(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	engine := &flakyEngine{fail: 1}

	s, err := Open(ctx, zerolog.Nop(), Deps{Directory: e.dir, Dialer: e.broker, Engine: engine, Timeout: time.Second}, "alice")
	require.NoError(t, err)

	res, err := s.Subscribe(ctx, "news")
	require.Error(t, err)
	assert.True(t, res.Changed, "binding queue was created")

	res, err = s.Subscribe(ctx, "news")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Len(t, engine.calls, 2)
	assert.Equal(t, []string{"topic_news_alice"}, engine.topics)

	_, err = s.Subscribe(ctx, "news")
	require.NoError(t, err)
	assert.Len(t, engine.calls, 2, "no restart once in sync")
}

func TestSession_RefreshPicksUpOtherClients(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "alice")
	engine := &flakyEngine{}

	s, err := Open(ctx, zerolog.Nop(), Deps{Directory: e.dir, Dialer: e.broker, Engine: engine, Timeout: time.Second}, "alice")
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "news")
	require.NoError(t, err)

	m := NewManager(zerolog.Nop(), e.dir, e.broker, nil, time.Second)
	_, err = m.Subscribe(ctx, "alice", "sport")
	require.NoError(t, err)
	_, err = m.Unsubscribe(ctx, "alice", "news")
	require.NoError(t, err)

	added, removed, err := s.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sport"}, added)
	assert.Equal(t, []string{"news"}, removed)
	assert.Equal(t, []string{"sport"}, s.Topics())
	assert.Equal(t, []string{"topic_sport_alice"}, engine.topics)

	e.broker.SetOffline(true)
	_, _, err = s.Refresh(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"sport"}, s.Topics(), "introspection failure keeps the set")
}
