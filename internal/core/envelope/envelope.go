// Package envelope implements the wire record exchanged between publishers and
// consumers.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind tags the envelope with the way it was addressed.
type Kind string

const (
	KindDirect  Kind = "direct"
	KindTopic   Kind = "topic"
	KindQueue   Kind = "queue"
	KindUnknown Kind = "unknown"
)

// ErrMalformed is returned by Decode for payloads that are not a valid envelope.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is immutable once published.
type Envelope struct {
	ID        string    `json:"id,omitempty"`
	Kind      Kind      `json:"kind"`
	Sender    string    `json:"sender,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`

	Recipient string `json:"recipient,omitempty"` // KindDirect
	Topic     string `json:"topic,omitempty"`     // KindTopic
	Queue     string `json:"queue,omitempty"`     // KindQueue
}

// NewDirect creates a point-to-point envelope.
func NewDirect(sender, recipient, content string, now time.Time) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindDirect, Sender: sender, Recipient: recipient, Content: content, Timestamp: now}
}

// NewTopic creates a broadcast envelope.
func NewTopic(sender, topic, content string, now time.Time) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindTopic, Sender: sender, Topic: topic, Content: content, Timestamp: now}
}

// NewQueue creates an envelope for an ad-hoc queue.
func NewQueue(sender, queue, content string, now time.Time) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindQueue, Sender: sender, Queue: queue, Content: content, Timestamp: now}
}

// Raw wraps a payload that could not be decoded.
func Raw(body []byte, now time.Time) Envelope {
	content := string(body)
	if !utf8.Valid(body) {
		content = fmt.Sprintf("%q", body)
	}
	return Envelope{Kind: KindUnknown, Content: content, Timestamp: now}
}

// Target returns the kind specific destination.
func (e Envelope) Target() string {
	switch e.Kind {
	case KindDirect:
		return e.Recipient
	case KindTopic:
		return e.Topic
	case KindQueue:
		return e.Queue
	default:
		return ""
	}
}

func (e Envelope) check() error {
	switch e.Kind {
	case KindDirect, KindTopic, KindQueue:
	case KindUnknown:
		return nil
	case "":
		return fmt.Errorf("%w: missing kind", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}

	if e.Target() == "" {
		return fmt.Errorf("%w: %s envelope without target", ErrMalformed, e.Kind)
	}
	return nil
}

// Encode serializes e as UTF-8 JSON.
func Encode(e Envelope) ([]byte, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses a payload produced by Encode.
func Decode(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.check(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DecodeOrRaw decodes body, falling back to a raw envelope stamped with now.
func DecodeOrRaw(body []byte, now time.Time) Envelope {
	e, err := Decode(body)
	if err != nil {
		return Raw(body, now)
	}
	return e
}

// localISO is ISO-8601 without a zone offset, as written by some publishers.
const localISO = "2006-01-02T15:04:05.999999999"

// UnmarshalJSON accepts RFC 3339 timestamps and zone-less ISO-8601 timestamps.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	aux := struct {
		*plain
		Timestamp string `json:"timestamp"`
	}{plain: (*plain)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timestamp == "" {
		e.Timestamp = time.Time{}
		return nil
	}

	ts, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
	if err != nil {
		ts, err = time.ParseInLocation(localISO, aux.Timestamp, time.Local)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", aux.Timestamp, err)
		}
	}
	e.Timestamp = ts
	return nil
}
