package tui

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/mom/internal/core/consumer"
	"github.com/hay-kot/mom/internal/core/envelope"
	"github.com/hay-kot/mom/internal/core/subscription"
)

func delivery(sender, content string) consumer.Delivery {
	return consumer.Delivery{
		Scope:    consumer.ScopeTopics,
		Queue:    "topic_news_alice",
		Envelope: envelope.NewTopic(sender, "news", content, time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)),
	}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	mm, ok := next.(Model)
	require.True(t, ok)
	return mm, cmd
}

func TestModel_ReadsDeliveriesOneAtATime(t *testing.T) {
	ch := make(chan consumer.Delivery, 2)
	var received []string

	m := New(context.Background(), Options{
		User:       "alice",
		Topics:     []string{"news"},
		Deliveries: ch,
		OnReceive:  func(d consumer.Delivery) { received = append(received, d.Envelope.Content) },
	})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 10})

	ch <- delivery("carol", "breaking")
	msg := m.Init()()
	require.IsType(t, deliveryMsg{}, msg)

	m, cmd := update(t, m, msg)
	require.NotNil(t, cmd, "re-arms the reader")
	assert.Equal(t, 1, m.view.Len())
	assert.Equal(t, []string{"breaking"}, received)

	view := m.View()
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "1 received")
	assert.Contains(t, view, "carol")
	assert.Contains(t, view, "breaking")
	assert.Contains(t, view, "# news")
}

func TestModel_WaitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(ctx, Options{Deliveries: make(chan consumer.Delivery)})
	assert.Nil(t, m.Init()())
}

func TestModel_Keys(t *testing.T) {
	m := New(context.Background(), Options{User: "alice", Deliveries: make(chan consumer.Delivery)})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 10})

	for _, c := range []string{"one", "two", "three"} {
		m, _ = update(t, m, deliveryMsg(delivery("carol", c)))
	}

	sel, ok := m.view.Selected()
	require.True(t, ok)
	assert.Equal(t, "three", sel.Envelope.Content, "cursor follows newest")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	sel, _ = m.view.Selected()
	assert.Equal(t, "two", sel.Envelope.Content)

	m, _ = update(t, m, deliveryMsg(delivery("carol", "four")))
	sel, _ = m.view.Selected()
	assert.Equal(t, "two", sel.Envelope.Content, "scrolled back cursor stays put")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	sel, _ = m.view.Selected()
	assert.Equal(t, "three", sel.Envelope.Content)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	assert.Equal(t, 0, m.view.Len())
	assert.Contains(t, m.View(), "waiting for messages")

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestMessagesView_Scrolls(t *testing.T) {
	v := NewMessagesView()
	v.SetSize(80, 2)
	for _, c := range []string{"a", "b", "c", "d"} {
		v.Append(delivery("carol", c))
	}

	assert.Equal(t, 2, v.offset, "window shows the newest two")

	v.MoveTop()
	assert.Equal(t, 0, v.offset)
	v.MoveBottom()
	assert.Equal(t, 2, v.offset)
}

func TestTruncateAndPad(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 5))
	assert.Equal(t, "hel…", truncate("hello", 4))
	assert.Equal(t, "", truncate("hello", 0))
	assert.Equal(t, "ab  ", pad("ab", 4))
}

type fakeSession struct {
	topics  []string
	err     error
	calls   []string
	added   []string
	removed []string
}

func (s *fakeSession) Topics() []string { return slices.Clone(s.topics) }

func (s *fakeSession) Subscribe(_ context.Context, topic string) (subscription.Result, error) {
	s.calls = append(s.calls, "subscribe "+topic)
	if s.err != nil {
		return subscription.Result{}, s.err
	}
	s.topics = append(s.topics, topic)
	return subscription.Result{User: "alice", Topic: topic, Changed: true}, nil
}

func (s *fakeSession) Unsubscribe(_ context.Context, topic string) (subscription.Result, error) {
	s.calls = append(s.calls, "unsubscribe "+topic)
	if s.err != nil {
		return subscription.Result{}, s.err
	}
	s.topics = slices.DeleteFunc(s.topics, func(t string) bool { return t == topic })
	return subscription.Result{User: "alice", Topic: topic, Changed: true}, nil
}

func (s *fakeSession) Refresh(context.Context) ([]string, []string, error) {
	s.calls = append(s.calls, "refresh")
	return s.added, s.removed, s.err
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) SendDirect(_ context.Context, sender, recipient, content string) (envelope.Envelope, error) {
	f.sent = append(f.sent, sender+" @"+recipient+" "+content)
	return envelope.Envelope{}, f.err
}

func (f *fakeSender) PublishTopic(_ context.Context, sender, topic, content string) (envelope.Envelope, error) {
	f.sent = append(f.sent, sender+" #"+topic+" "+content)
	return envelope.Envelope{}, f.err
}

func interactive(t *testing.T, sess *fakeSession, sender *fakeSender) Model {
	t.Helper()
	m := New(context.Background(), Options{
		User:       "alice",
		Topics:     sess.Topics(),
		Deliveries: make(chan consumer.Delivery),
		Session:    sess,
		Sender:     sender,
	})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 20})
	return m
}

func keyRune(r string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(r)}
}

func TestModel_TopicPromptOpensAndCancels(t *testing.T) {
	m := interactive(t, &fakeSession{topics: []string{"news"}}, &fakeSender{})

	m, _ = update(t, m, keyRune("t"))
	assert.Equal(t, stateTopic, m.state)
	assert.Contains(t, m.View(), "Topic")
	assert.Contains(t, m.View(), "subscribed: news")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, stateWatch, m.state)
	assert.Nil(t, m.topicForm)

	m, _ = update(t, m, keyRune("s"))
	assert.Equal(t, stateSend, m.state)
	assert.Contains(t, m.View(), "Recipient")
}

func TestModel_ActionKeysNeedSession(t *testing.T) {
	m := New(context.Background(), Options{User: "alice", Deliveries: make(chan consumer.Delivery)})

	for _, k := range []string{"t", "s", "r"} {
		next, cmd := update(t, m, keyRune(k))
		assert.Equal(t, stateWatch, next.state, k)
		assert.Nil(t, cmd, k)
	}
}

func TestModel_SubscribeRunsOffTheLoop(t *testing.T) {
	sess := &fakeSession{topics: []string{"news"}}
	m := interactive(t, sess, &fakeSender{})

	m, cmd := m.toggleTopic("sport")
	assert.Equal(t, []string{"news", "sport"}, m.topics, "shown before the call returns")
	assert.Empty(t, sess.calls, "nothing called on the update loop")
	require.NotNil(t, cmd)

	msg := cmd()
	assert.Equal(t, []string{"subscribe sport"}, sess.calls)

	m, _ = update(t, m, msg)
	assert.False(t, m.statusErr)
	assert.Contains(t, m.View(), "subscribed to sport")
	assert.Contains(t, m.View(), "news, sport")
}

func TestModel_SubscribeFailureReverts(t *testing.T) {
	sess := &fakeSession{topics: []string{"news"}, err: errors.New("broker offline")}
	m := interactive(t, sess, &fakeSender{})

	m, cmd := m.toggleTopic("sport")
	m, _ = update(t, m, cmd())

	assert.Equal(t, []string{"news"}, m.topics)
	assert.True(t, m.statusErr)
	assert.Contains(t, m.View(), "broker offline")
}

func TestModel_UnsubscribeAndRevert(t *testing.T) {
	sess := &fakeSession{topics: []string{"news", "sport"}}
	m := interactive(t, sess, &fakeSender{})

	m, cmd := m.toggleTopic("news")
	assert.Equal(t, []string{"sport"}, m.topics)
	m, _ = update(t, m, cmd())
	assert.Equal(t, []string{"unsubscribe news"}, sess.calls)
	assert.Contains(t, m.View(), "left news")

	sess.err = errors.New("denied")
	m, cmd = m.toggleTopic("sport")
	assert.Empty(t, m.topics)
	m, _ = update(t, m, cmd())
	assert.Equal(t, []string{"sport"}, m.topics, "failed leave is undone")
	assert.True(t, m.statusErr)
}

func TestModel_PendingSubscribeIsReported(t *testing.T) {
	m := interactive(t, &fakeSession{}, &fakeSender{})

	m, _ = update(t, m, subscriptionMsg{
		topic:     "sport",
		subscribe: true,
		result:    subscription.Result{Topic: "sport", Changed: true, Pending: true},
	})
	assert.False(t, m.statusErr)
	assert.Contains(t, m.status, "starts once the current message is handled")
}

func TestModel_SendFromWatcher(t *testing.T) {
	sender := &fakeSender{}
	m := interactive(t, &fakeSession{}, sender)

	m, cmd := m.send(outgoing{kind: targetTopic, target: "news", content: "hello all"})
	assert.Empty(t, sender.sent)
	m, _ = update(t, m, cmd())
	assert.Equal(t, []string{"alice #news hello all"}, sender.sent)
	assert.Contains(t, m.View(), "sent to #news")

	sender.err = errors.New("unknown user")
	m, cmd = m.send(outgoing{kind: targetUser, target: "zed", content: "hi"})
	m, _ = update(t, m, cmd())
	assert.Equal(t, "alice @zed hi", sender.sent[1])
	assert.True(t, m.statusErr)
	assert.Contains(t, m.status, "unknown user")
}

func TestModel_RefreshShowsOtherClientsChanges(t *testing.T) {
	sess := &fakeSession{topics: []string{"news"}}
	m := interactive(t, sess, &fakeSender{})

	sess.topics = []string{"sport"}
	sess.added, sess.removed = []string{"sport"}, []string{"news"}

	m, cmd := update(t, m, keyRune("r"))
	require.NotNil(t, cmd)
	m, next := update(t, m, cmd())
	assert.Nil(t, next, "manual refresh does not schedule another")

	assert.Equal(t, []string{"sport"}, m.topics)
	assert.Contains(t, m.status, "+sport -news")
}

func TestModel_ScheduledRefreshRearms(t *testing.T) {
	sess := &fakeSession{}
	m := New(context.Background(), Options{
		User:            "alice",
		Deliveries:      make(chan consumer.Delivery),
		Session:         sess,
		RefreshInterval: time.Minute,
	})

	m, cmd := update(t, m, refreshTickMsg{})
	require.NotNil(t, cmd)
	m, next := update(t, m, cmd())
	assert.NotNil(t, next)
	assert.Empty(t, m.status, "quiet when nothing changed")
}

func TestForms_TrimInput(t *testing.T) {
	tf := newTopicForm(nil, 80)
	tf.topic = "  sport "
	assert.Equal(t, "sport", tf.Topic())

	sf := newSendForm(80)
	sf.kind, sf.target, sf.content = targetTopic, " news", "hi"
	assert.Equal(t, outgoing{kind: targetTopic, target: "news", content: "hi"}, sf.Result())
	assert.Equal(t, "#news", sf.Result().label())
}
