// Package tui implements the terminal watcher shown by 'mom listen --tui'.
package tui

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/hay-kot/mom/internal/core/consumer"
	"github.com/hay-kot/mom/internal/core/envelope"
	"github.com/hay-kot/mom/internal/core/subscription"
	"github.com/hay-kot/mom/internal/styles"
)

// Session changes the subscriptions of the logged in user.
type Session interface {
	Topics() []string
	Subscribe(ctx context.Context, topic string) (subscription.Result, error)
	Unsubscribe(ctx context.Context, topic string) (subscription.Result, error)
	Refresh(ctx context.Context) (added, removed []string, err error)
}

// Sender publishes messages on behalf of the logged in user.
type Sender interface {
	SendDirect(ctx context.Context, sender, recipient, content string) (envelope.Envelope, error)
	PublishTopic(ctx context.Context, sender, topic, content string) (envelope.Envelope, error)
}

// Options configure the watcher.
type Options struct {
	User   string
	Topics []string

	// Deliveries is read one message at a time from the bubbletea loop.
	Deliveries <-chan consumer.Delivery

	// OnReceive, when set, is called from the update loop for every delivery.
	OnReceive func(consumer.Delivery)

	// Session enables the topic and refresh keys. Sender enables the send key.
	Session Session
	Sender  Sender

	// RefreshInterval reloads subscriptions made by other clients. Zero
	// disables it.
	RefreshInterval time.Duration
}

type state int

const (
	stateWatch state = iota
	stateTopic
	stateSend
)

// Model is the watcher's bubbletea model.
type Model struct {
	ctx    context.Context
	opts   Options
	keys   keyMap
	help   help.Model
	view   *MessagesView
	width  int
	height int

	state     state
	topics    []string
	topicForm *topicForm
	sendForm  *sendForm

	status    string
	statusErr bool
}

type (
	// deliveryMsg carries one delivery from the sink into Update.
	deliveryMsg consumer.Delivery

	subscriptionMsg struct {
		topic     string
		subscribe bool
		result    subscription.Result
		err       error
	}

	refreshMsg struct {
		added, removed []string
		err            error
		scheduled      bool
	}

	refreshTickMsg struct{}

	sentMsg struct {
		label string
		err   error
	}
)

// New creates a Model. Reading stops when ctx is done.
func New(ctx context.Context, opts Options) Model {
	return Model{
		ctx:    ctx,
		opts:   opts,
		keys:   defaultKeys(),
		help:   help.New(),
		view:   NewMessagesView(),
		topics: slices.Clone(opts.Topics),
	}
}

// waitForDelivery blocks on the sink until a delivery arrives or ctx ends.
func waitForDelivery(ctx context.Context, ch <-chan consumer.Delivery) tea.Cmd {
	return func() tea.Msg {
		select {
		case d := <-ch:
			return deliveryMsg(d)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m Model) Init() tea.Cmd {
	wait := waitForDelivery(m.ctx, m.opts.Deliveries)
	if tick := m.scheduleRefresh(); tick != nil {
		return tea.Batch(wait, tick)
	}
	return wait
}

func (m Model) scheduleRefresh() tea.Cmd {
	if m.opts.Session == nil || m.opts.RefreshInterval <= 0 {
		return nil
	}
	return tea.Tick(m.opts.RefreshInterval, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.view.SetSize(msg.Width, m.listHeight())
		return m, nil

	case deliveryMsg:
		d := consumer.Delivery(msg)
		m.view.Append(d)
		if m.opts.OnReceive != nil {
			m.opts.OnReceive(d)
		}
		return m, waitForDelivery(m.ctx, m.opts.Deliveries)

	case subscriptionMsg:
		return m.subscriptionDone(msg), nil

	case refreshTickMsg:
		return m, m.refresh(true)

	case refreshMsg:
		m = m.refreshDone(msg)
		if msg.scheduled {
			return m, m.scheduleRefresh()
		}
		return m, nil

	case sentMsg:
		if msg.err != nil {
			m.setError(fmt.Errorf("send to %s: %w", msg.label, msg.err))
		} else {
			m.setStatus("sent to " + msg.label)
		}
		return m, nil
	}

	if m.state != stateWatch {
		return m.updateForm(msg)
	}

	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Clear):
			m.view.Clear()
		case key.Matches(msg, m.keys.Up):
			m.view.MoveUp()
		case key.Matches(msg, m.keys.Down):
			m.view.MoveDown()
		case key.Matches(msg, m.keys.Top):
			m.view.MoveTop()
		case key.Matches(msg, m.keys.Bottom):
			m.view.MoveBottom()
		case key.Matches(msg, m.keys.Topic) && m.opts.Session != nil:
			m.topicForm = newTopicForm(m.topics, m.width)
			m.state = stateTopic
			return m, m.topicForm.form.Init()
		case key.Matches(msg, m.keys.Send) && m.opts.Sender != nil:
			m.sendForm = newSendForm(m.width)
			m.state = stateSend
			return m, m.sendForm.form.Init()
		case key.Matches(msg, m.keys.Refresh) && m.opts.Session != nil:
			m.setStatus("refreshing subscriptions")
			return m, m.refresh(false)
		}
	}

	return m, nil
}

// updateForm routes msg to the open form and acts on its completion.
func (m Model) updateForm(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			m.closeForm()
			return m, nil
		}
	}

	var current *huh.Form
	switch m.state {
	case stateTopic:
		current = m.topicForm.form
	case stateSend:
		current = m.sendForm.form
	default:
		return m, nil
	}

	next, cmd := current.Update(msg)
	f, ok := next.(*huh.Form)
	if !ok {
		return m, cmd
	}

	switch f.State {
	case huh.StateAborted:
		m.closeForm()
		return m, nil
	case huh.StateCompleted:
		if m.state == stateTopic {
			topic := m.topicForm.Topic()
			m.closeForm()
			return m.toggleTopic(topic)
		}
		out := m.sendForm.Result()
		m.closeForm()
		return m.send(out)
	}

	if m.state == stateTopic {
		m.topicForm.form = f
	} else {
		m.sendForm.form = f
	}
	return m, cmd
}

func (m *Model) closeForm() {
	m.state = stateWatch
	m.topicForm = nil
	m.sendForm = nil
}

// toggleTopic leaves topic when subscribed and joins it otherwise. The header
// shows the change right away; it is reverted if the session call fails.
func (m Model) toggleTopic(topic string) (Model, tea.Cmd) {
	subscribe := !slices.Contains(m.topics, topic)
	if subscribe {
		m.topics = withTopic(m.topics, topic)
		m.setStatus("subscribing to " + topic)
	} else {
		m.topics = withoutTopic(m.topics, topic)
		m.setStatus("leaving " + topic)
	}

	ctx, sess := m.ctx, m.opts.Session
	return m, func() tea.Msg {
		var (
			res subscription.Result
			err error
		)
		if subscribe {
			res, err = sess.Subscribe(ctx, topic)
		} else {
			res, err = sess.Unsubscribe(ctx, topic)
		}
		return subscriptionMsg{topic: topic, subscribe: subscribe, result: res, err: err}
	}
}

func (m Model) subscriptionDone(msg subscriptionMsg) Model {
	verb := "leave"
	if msg.subscribe {
		verb = "subscribe to"
	}

	if msg.err != nil {
		if msg.subscribe {
			m.topics = withoutTopic(m.topics, msg.topic)
		} else {
			m.topics = withTopic(m.topics, msg.topic)
		}
		m.setError(fmt.Errorf("%s %s: %w", verb, msg.topic, msg.err))
		return m
	}

	switch {
	case msg.subscribe && msg.result.Pending:
		m.setStatus("subscribed to " + msg.topic + ", starts once the current message is handled")
	case msg.subscribe:
		m.setStatus("subscribed to " + msg.topic)
	default:
		m.setStatus("left " + msg.topic)
	}
	return m
}

func (m Model) refresh(scheduled bool) tea.Cmd {
	ctx, sess := m.ctx, m.opts.Session
	return func() tea.Msg {
		added, removed, err := sess.Refresh(ctx)
		return refreshMsg{added: added, removed: removed, err: err, scheduled: scheduled}
	}
}

func (m Model) refreshDone(msg refreshMsg) Model {
	if msg.err != nil {
		m.setError(fmt.Errorf("refresh subscriptions: %w", msg.err))
		return m
	}

	m.topics = m.opts.Session.Topics()
	changed := len(msg.added) + len(msg.removed)
	switch {
	case changed > 0:
		var parts []string
		for _, t := range msg.added {
			parts = append(parts, "+"+t)
		}
		for _, t := range msg.removed {
			parts = append(parts, "-"+t)
		}
		m.setStatus("subscriptions changed: " + strings.Join(parts, " "))
	case !msg.scheduled:
		m.setStatus("subscriptions up to date")
	}
	return m
}

func (m Model) send(out outgoing) (Model, tea.Cmd) {
	m.setStatus("sending to " + out.label())

	ctx, sender, user := m.ctx, m.opts.Sender, m.opts.User
	return m, func() tea.Msg {
		var err error
		if out.kind == targetTopic {
			_, err = sender.PublishTopic(ctx, user, out.target, out.content)
		} else {
			_, err = sender.SendDirect(ctx, user, out.target, out.content)
		}
		return sentMsg{label: out.label(), err: err}
	}
}

func (m *Model) setStatus(s string) {
	m.status, m.statusErr = s, false
}

func (m *Model) setError(err error) {
	m.status, m.statusErr = err.Error(), true
}

func withTopic(topics []string, topic string) []string {
	if slices.Contains(topics, topic) {
		return topics
	}
	out := append(slices.Clone(topics), topic)
	slices.Sort(out)
	return out
}

func withoutTopic(topics []string, topic string) []string {
	return slices.DeleteFunc(slices.Clone(topics), func(t string) bool { return t == topic })
}

// header, divider, status, help
const chromeLines = 4

func (m Model) listHeight() int {
	return max(m.height-chromeLines, 1)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(styles.DividerStyle.Render(strings.Repeat("─", max(m.width, 1))))
	b.WriteString("\n")
	switch m.state {
	case stateTopic:
		b.WriteString(m.topicForm.form.View())
	case stateSend:
		b.WriteString(m.sendForm.form.View())
	default:
		b.WriteString(m.view.View())
	}
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))

	return b.String()
}

func (m Model) statusLine() string {
	switch {
	case m.state != stateWatch:
		return styles.MutedStyle.Render("enter to confirm, esc to cancel")
	case m.statusErr:
		return styles.ErrorStyle.Render(truncate(m.status, max(m.width, 1)))
	default:
		return styles.StatusStyle.Render(truncate(m.status, max(m.width, 1)))
	}
}

func (m Model) header() string {
	topics := "no topics"
	if len(m.topics) > 0 {
		topics = strings.Join(m.topics, ", ")
	}
	return styles.BannerStyle.Render("mom") + " " +
		styles.HeaderStyle.Render(m.opts.User) + " " +
		styles.MutedStyle.Render(fmt.Sprintf("· %s · %d received", topics, m.view.Len()))
}

// Run starts the watcher on the alternate screen and blocks until it quits.
func Run(ctx context.Context, opts Options) error {
	p := tea.NewProgram(New(ctx, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
