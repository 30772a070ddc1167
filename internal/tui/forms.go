package tui

import (
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/hay-kot/mom/internal/core/validate"
	"github.com/hay-kot/mom/internal/styles"
)

func trimmed(fn func(string) error) func(string) error {
	return func(s string) error { return fn(strings.TrimSpace(s)) }
}

// topicForm asks for the topic to join or leave.
type topicForm struct {
	form  *huh.Form
	topic string
}

func newTopicForm(subscribed []string, width int) *topicForm {
	f := &topicForm{}

	desc := "not subscribed to any topic"
	if len(subscribed) > 0 {
		desc = "subscribed: " + strings.Join(subscribed, ", ")
	}

	f.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Topic").
				Description(desc + "\na subscribed topic is left, any other is joined").
				Value(&f.topic).
				Validate(trimmed(validate.Name)),
		),
	).WithTheme(styles.FormTheme()).WithShowHelp(false).WithWidth(width)

	return f
}

func (f *topicForm) Topic() string {
	return strings.TrimSpace(f.topic)
}

const (
	targetUser  = "user"
	targetTopic = "topic"
)

// sendForm collects a message to a user or a topic.
type sendForm struct {
	form    *huh.Form
	kind    string
	target  string
	content string
}

func newSendForm(width int) *sendForm {
	f := &sendForm{kind: targetUser}

	f.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Send to").
				Options(
					huh.NewOption("user", targetUser),
					huh.NewOption("topic", targetTopic),
				).
				Value(&f.kind),
			huh.NewInput().
				Title("Recipient").
				Description("user or topic name").
				Value(&f.target).
				Validate(trimmed(validate.Name)),
			huh.NewText().
				Title("Message").
				Lines(3).
				Value(&f.content).
				Validate(validate.Content),
		),
	).WithTheme(styles.FormTheme()).WithShowHelp(false).WithWidth(width)

	return f
}

// outgoing is a message ready to send.
type outgoing struct {
	kind    string
	target  string
	content string
}

func (f *sendForm) Result() outgoing {
	return outgoing{kind: f.kind, target: strings.TrimSpace(f.target), content: f.content}
}

func (o outgoing) label() string {
	if o.kind == targetTopic {
		return "#" + o.target
	}
	return "@" + o.target
}
