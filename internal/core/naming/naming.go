// Package naming maps logical identities (users, topics, subscriptions) to
// broker resource names and back.
//
// The convention is part of the wire contract with the administrative side:
//
//	user_<name>             personal inbox of a user
//	topic_<topic>_<user>    subscription of user to topic
//	anything else           general purpose queue
package naming

import (
	"regexp"
	"strings"
)

const (
	UserPrefix         = "user_"
	SubscriptionPrefix = "topic_"
	InternalPrefix     = "amq."
)

// Kind classifies a broker resource name.
type Kind string

const (
	KindUser         Kind = "user"
	KindSubscription Kind = "subscription"
	KindGeneral      Kind = "general"
	KindInternal     Kind = "internal"
)

// Resource is the logical role of a broker resource name.
type Resource struct {
	Kind  Kind
	User  string // set for KindUser and KindSubscription
	Topic string // set for KindSubscription
	Queue string // set for KindGeneral and KindInternal
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Valid reports whether name only uses letters, digits, hyphen and underscore.
func Valid(name string) bool {
	return namePattern.MatchString(name)
}

// UserQueue returns the personal queue of user.
func UserQueue(user string) string {
	return UserPrefix + user
}

// SubscriptionQueue returns the binding queue of user on topic.
func SubscriptionQueue(topic, user string) string {
	return SubscriptionPrefix + topic + "_" + user
}

// IsInternal reports whether name belongs to the broker itself.
func IsInternal(name string) bool {
	return name == "" || strings.HasPrefix(name, InternalPrefix)
}

// IsReserved reports whether name uses one of the prefixes owned by users,
// subscriptions or the broker.
func IsReserved(name string) bool {
	return IsInternal(name) ||
		strings.HasPrefix(name, UserPrefix) ||
		strings.HasPrefix(name, SubscriptionPrefix)
}

// Parse classifies a queue name. Subscription names are split at the last
// underscore, so a user name containing '_' is ambiguous here; use
// ParseSubscriptionFor when the user is known.
func Parse(name string) Resource {
	switch {
	case IsInternal(name):
		return Resource{Kind: KindInternal, Queue: name}
	case strings.HasPrefix(name, UserPrefix) && len(name) > len(UserPrefix):
		return Resource{Kind: KindUser, User: strings.TrimPrefix(name, UserPrefix)}
	case strings.HasPrefix(name, SubscriptionPrefix):
		rest := strings.TrimPrefix(name, SubscriptionPrefix)
		idx := strings.LastIndex(rest, "_")
		if idx <= 0 || idx == len(rest)-1 {
			return Resource{Kind: KindGeneral, Queue: name}
		}
		return Resource{Kind: KindSubscription, Topic: rest[:idx], User: rest[idx+1:]}
	default:
		return Resource{Kind: KindGeneral, Queue: name}
	}
}

// ParseSubscriptionFor extracts the topic from a binding queue owned by user.
// ok is false when name is not a binding queue of user.
func ParseSubscriptionFor(name, user string) (topic string, ok bool) {
	suffix := "_" + user
	if !strings.HasPrefix(name, SubscriptionPrefix) || !strings.HasSuffix(name, suffix) {
		return "", false
	}
	topic = name[len(SubscriptionPrefix) : len(name)-len(suffix)]
	if topic == "" {
		return "", false
	}
	return topic, true
}

// Resolve is the inverse of Parse.
func Resolve(r Resource) string {
	switch r.Kind {
	case KindUser:
		return UserQueue(r.User)
	case KindSubscription:
		return SubscriptionQueue(r.Topic, r.User)
	default:
		return r.Queue
	}
}
