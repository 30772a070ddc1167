package messaging

import "time"

// ActivityType represents the type of messaging activity.
type ActivityType string

const (
	ActivitySend        ActivityType = "send"
	ActivityPublish     ActivityType = "publish"
	ActivityEnqueue     ActivityType = "enqueue"
	ActivityPop         ActivityType = "pop"
	ActivityReceive     ActivityType = "receive"
	ActivitySubscribe   ActivityType = "subscribe"
	ActivityUnsubscribe ActivityType = "unsubscribe"
)

// Activity represents a messaging activity event.
type Activity struct {
	ID         string       `json:"id"`
	Type       ActivityType `json:"type"`
	User       string       `json:"user,omitempty"`
	Target     string       `json:"target"`                // recipient, topic or queue
	EnvelopeID string       `json:"envelope_id,omitempty"` // empty for subscription changes
	Timestamp  time.Time    `json:"timestamp"`
}

// ActivityStore defines persistence operations for activity events.
type ActivityStore interface {
	// Record records an activity event.
	Record(activity Activity) error
	// List returns recent activity events, newest first.
	// Limit of 0 returns all events.
	List(limit int) ([]Activity, error)
	// ListSince returns activity events since the given time, newest first.
	ListSince(since time.Time, limit int) ([]Activity, error)
	// Clear removes every recorded event.
	Clear() error
}
