// Package directory answers identity and membership questions by listing the
// broker's resources. Nothing is cached; every call is a fresh query.
package directory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hay-kot/mom/internal/core/broker"
	"github.com/hay-kot/mom/internal/core/naming"
)

// Users is the identity store. A user exists while its personal queue exists.
type Users interface {
	Exists(ctx context.Context, user string) bool
	Create(ctx context.Context, user string) error
	// Delete removes the personal queue and every binding queue of user.
	Delete(ctx context.Context, user string) error
}

// Queue is a general purpose queue with its broker counters.
type Queue struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// Subscription is a binding queue found on the broker.
type Subscription struct {
	User  string `json:"user"`
	Topic string `json:"topic"`
	Queue string `json:"queue"`
}

// Orphan is a binding queue whose user or topic no longer exists.
type Orphan struct {
	Subscription
	MissingUser  bool `json:"missing_user"`
	MissingTopic bool `json:"missing_topic"`
}

// Directory implements Users and the read side of the naming convention on top
// of broker introspection. Mutations open a short-lived connection.
type Directory struct {
	admin   broker.Admin
	dialer  broker.Dialer
	timeout time.Duration
	log     zerolog.Logger
}

var _ Users = (*Directory)(nil)

// New creates a Directory. timeout bounds every broker call; zero disables it.
func New(log zerolog.Logger, admin broker.Admin, dialer broker.Dialer, timeout time.Duration) *Directory {
	return &Directory{
		admin:   admin,
		dialer:  dialer,
		timeout: timeout,
		log:     log,
	}
}

func (d *Directory) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Directory) queues(ctx context.Context) []broker.QueueInfo {
	ctx, cancel := d.bounded(ctx)
	defer cancel()

	queues, err := d.admin.ListQueues(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("list queues failed")
		return nil
	}
	return queues
}

func (d *Directory) exchanges(ctx context.Context) []broker.ExchangeInfo {
	ctx, cancel := d.bounded(ctx)
	defer cancel()

	exchanges, err := d.admin.ListExchanges(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("list exchanges failed")
		return nil
	}
	return exchanges
}

// ListUsers returns every user with a personal queue, sorted.
func (d *Directory) ListUsers(ctx context.Context) []string {
	users := make([]string, 0)
	for _, q := range d.queues(ctx) {
		if r := naming.Parse(q.Name); r.Kind == naming.KindUser {
			users = append(users, r.User)
		}
	}
	sort.Strings(users)
	return users
}

// ListTopics returns every fanout exchange not owned by the broker, sorted.
func (d *Directory) ListTopics(ctx context.Context) []string {
	topics := make([]string, 0)
	for _, ex := range d.exchanges(ctx) {
		if ex.Kind != broker.ExchangeFanout || naming.IsInternal(ex.Name) {
			continue
		}
		topics = append(topics, ex.Name)
	}
	sort.Strings(topics)
	return topics
}

// ListGeneralQueues returns the queues that are neither personal, binding nor
// broker internal.
func (d *Directory) ListGeneralQueues(ctx context.Context) []Queue {
	out := make([]Queue, 0)
	for _, q := range d.queues(ctx) {
		if naming.Parse(q.Name).Kind != naming.KindGeneral {
			continue
		}
		out = append(out, Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Exists reports whether user has a personal queue. Introspection failures
// report false.
func (d *Directory) Exists(ctx context.Context, user string) bool {
	name := naming.UserQueue(user)
	return slices.ContainsFunc(d.queues(ctx), func(q broker.QueueInfo) bool { return q.Name == name })
}

// TopicExists reports whether topic is a declared fanout exchange.
func (d *Directory) TopicExists(ctx context.Context, topic string) bool {
	return slices.Contains(d.ListTopics(ctx), topic)
}

// SubscriptionExists reports whether the binding queue of user on topic exists.
func (d *Directory) SubscriptionExists(ctx context.Context, user, topic string) bool {
	name := naming.SubscriptionQueue(topic, user)
	return slices.ContainsFunc(d.queues(ctx), func(q broker.QueueInfo) bool { return q.Name == name })
}

// SubscriptionsOf returns the topics user is bound to, sorted. A binding
// queue that also reads as another existing user's is resolved by ownedBy.
func (d *Directory) SubscriptionsOf(ctx context.Context, user string) []string {
	queues := d.queues(ctx)

	users := make(map[string]bool)
	for _, q := range queues {
		if r := naming.Parse(q.Name); r.Kind == naming.KindUser {
			users[r.User] = true
		}
	}

	var known map[string]bool
	topicSet := func() map[string]bool {
		if known == nil {
			known = make(map[string]bool)
			for _, t := range d.ListTopics(ctx) {
				known[t] = true
			}
		}
		return known
	}

	topics := make([]string, 0)
	for _, q := range queues {
		topic, ok := naming.ParseSubscriptionFor(q.Name, user)
		if !ok || !ownedBy(topic, user, users, topicSet) {
			continue
		}
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// ownedBy reports whether the binding queue of user on topic belongs to user.
// With users bob and alice_bob, topic_x_alice_bob reads both as topic x_alice
// of bob and as topic x of alice_bob. The reading whose topic exists wins;
// when that does not decide, the longer user name wins.
func ownedBy(topic, user string, users map[string]bool, topics func() map[string]bool) bool {
	rest := topic + "_" + user
	for i := 1; i < len(rest)-1; i++ {
		if rest[i] != '_' || i == len(topic) {
			continue
		}
		altTopic, altUser := rest[:i], rest[i+1:]
		if !users[altUser] {
			continue
		}
		t := topics()
		mine, theirs := t[topic], t[altTopic]
		switch {
		case mine && !theirs:
			continue
		case theirs && !mine:
			return false
		case len(altUser) > len(user):
			return false
		}
	}
	return true
}

// SubscribersOf returns the users bound to topic, sorted.
func (d *Directory) SubscribersOf(ctx context.Context, topic string) []string {
	prefix := naming.SubscriptionQueue(topic, "")
	users := make([]string, 0)
	for _, q := range d.queues(ctx) {
		if user, ok := strings.CutPrefix(q.Name, prefix); ok && user != "" {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

// Subscriptions returns every binding queue on the broker. User names that
// contain '_' are split at the last underscore.
func (d *Directory) Subscriptions(ctx context.Context) []Subscription {
	out := make([]Subscription, 0)
	for _, q := range d.queues(ctx) {
		if r := naming.Parse(q.Name); r.Kind == naming.KindSubscription {
			out = append(out, Subscription{User: r.User, Topic: r.Topic, Queue: q.Name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// Orphans returns binding queues whose user queue or topic exchange is missing.
func (d *Directory) Orphans(ctx context.Context) []Orphan {
	queues := d.queues(ctx)
	if len(queues) == 0 {
		return []Orphan{}
	}

	users := make(map[string]bool)
	for _, q := range queues {
		if r := naming.Parse(q.Name); r.Kind == naming.KindUser {
			users[r.User] = true
		}
	}
	topics := make(map[string]bool)
	for _, t := range d.ListTopics(ctx) {
		topics[t] = true
	}

	out := make([]Orphan, 0)
	for _, q := range queues {
		r := naming.Parse(q.Name)
		if r.Kind != naming.KindSubscription {
			continue
		}
		o := Orphan{
			Subscription: Subscription{User: r.User, Topic: r.Topic, Queue: q.Name},
			MissingUser:  !users[r.User],
			MissingTopic: !topics[r.Topic],
		}
		if o.MissingUser || o.MissingTopic {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// withConn runs fn on a short-lived connection.
func (d *Directory) withConn(ctx context.Context, fn func(ctx context.Context, conn broker.Conn) error) error {
	ctx, cancel := d.bounded(ctx)
	defer cancel()

	conn, err := d.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	return fn(ctx, conn)
}

// Create provisions the personal queue of user.
func (d *Directory) Create(ctx context.Context, user string) error {
	return d.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		if err := conn.DeclareQueue(ctx, naming.UserQueue(user), true); err != nil {
			return fmt.Errorf("declare user queue: %w", err)
		}
		d.log.Info().Str("user", user).Msg("user created")
		return nil
	})
}

// Delete implements Users.
func (d *Directory) Delete(ctx context.Context, user string) error {
	topics := d.SubscriptionsOf(ctx, user)

	return d.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		for _, topic := range topics {
			if err := conn.DeleteQueue(ctx, naming.SubscriptionQueue(topic, user)); err != nil {
				return fmt.Errorf("delete binding queue for %q: %w", topic, err)
			}
		}
		if err := conn.DeleteQueue(ctx, naming.UserQueue(user)); err != nil {
			return fmt.Errorf("delete user queue: %w", err)
		}
		d.log.Info().Str("user", user).Int("subscriptions", len(topics)).Msg("user deleted")
		return nil
	})
}

// CreateTopic declares the durable fanout exchange of topic.
func (d *Directory) CreateTopic(ctx context.Context, topic string) error {
	return d.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		if err := conn.DeclareExchange(ctx, topic, true); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		return nil
	})
}

// DeleteTopic deletes the exchange of topic. Binding queues are left in place
// and show up as orphans.
func (d *Directory) DeleteTopic(ctx context.Context, topic string) error {
	return d.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		if err := conn.DeleteExchange(ctx, topic); err != nil {
			return fmt.Errorf("delete exchange: %w", err)
		}
		return nil
	})
}

// CreateQueue declares a durable general purpose queue.
func (d *Directory) CreateQueue(ctx context.Context, name string) error {
	return d.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		if err := conn.DeclareQueue(ctx, name, true); err != nil {
			return fmt.Errorf("declare queue: %w", err)
		}
		return nil
	})
}

// DeleteQueue deletes any queue by name.
func (d *Directory) DeleteQueue(ctx context.Context, name string) error {
	return d.withConn(ctx, func(ctx context.Context, conn broker.Conn) error {
		if err := conn.DeleteQueue(ctx, name); err != nil {
			return fmt.Errorf("delete queue: %w", err)
		}
		return nil
	})
}
