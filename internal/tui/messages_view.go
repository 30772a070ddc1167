package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hay-kot/mom/internal/core/consumer"
	"github.com/hay-kot/mom/internal/core/envelope"
	"github.com/hay-kot/mom/internal/styles"
)

// MessagesView renders received deliveries one per line:
//
//	15:04:05 [topic news ] carol   message preview...
//
// The cursor follows new deliveries while it sits on the newest one.
type MessagesView struct {
	items  []consumer.Delivery
	cursor int
	offset int
	width  int
	height int
}

func NewMessagesView() *MessagesView {
	return &MessagesView{}
}

// Append adds d at the bottom.
func (v *MessagesView) Append(d consumer.Delivery) {
	follow := len(v.items) == 0 || v.cursor == len(v.items)-1
	v.items = append(v.items, d)
	if follow {
		v.cursor = len(v.items) - 1
	}
	v.clampOffset()
}

// Clear drops every delivery.
func (v *MessagesView) Clear() {
	v.items = nil
	v.cursor = 0
	v.offset = 0
}

func (v *MessagesView) Len() int {
	return len(v.items)
}

// Selected returns the delivery under the cursor.
func (v *MessagesView) Selected() (consumer.Delivery, bool) {
	if v.cursor >= len(v.items) {
		return consumer.Delivery{}, false
	}
	return v.items[v.cursor], true
}

func (v *MessagesView) SetSize(width, height int) {
	v.width = width
	v.height = height
	v.clampOffset()
}

func (v *MessagesView) MoveUp() {
	if v.cursor > 0 {
		v.cursor--
		v.clampOffset()
	}
}

func (v *MessagesView) MoveDown() {
	if v.cursor < len(v.items)-1 {
		v.cursor++
		v.clampOffset()
	}
}

func (v *MessagesView) MoveTop() {
	v.cursor = 0
	v.clampOffset()
}

func (v *MessagesView) MoveBottom() {
	v.cursor = max(len(v.items)-1, 0)
	v.clampOffset()
}

func (v *MessagesView) visibleLines() int {
	return max(v.height, 1)
}

// clampOffset keeps the cursor inside the visible window.
func (v *MessagesView) clampOffset() {
	visible := v.visibleLines()
	if v.cursor < v.offset {
		v.offset = v.cursor
	} else if v.cursor >= v.offset+visible {
		v.offset = v.cursor - visible + 1
	}
	v.offset = min(max(v.offset, 0), max(len(v.items)-visible, 0))
}

func (v *MessagesView) View() string {
	if len(v.items) == 0 {
		return styles.MutedStyle.Render("  waiting for messages...")
	}

	end := min(v.offset+v.visibleLines(), len(v.items))
	lines := make([]string, 0, end-v.offset)
	for i := v.offset; i < end; i++ {
		lines = append(lines, v.renderLine(v.items[i], i == v.cursor))
	}
	return strings.Join(lines, "\n")
}

const (
	timeWidth   = 8
	labelWidth  = 16
	senderWidth = 10
)

func (v *MessagesView) renderLine(d consumer.Delivery, selected bool) string {
	env := d.Envelope

	ts := env.Timestamp.Local().Format("15:04:05")
	label := fmt.Sprintf("[%s]", pad(origin(env), labelWidth-2))
	sender := pad(env.Sender, senderWidth)

	prefix := "  "
	if selected {
		prefix = styles.KindStyle(env.Kind).Render("▌ ")
	}

	fixed := len(prefix) + timeWidth + 1 + labelWidth + 1 + senderWidth + 1
	content := strings.ReplaceAll(env.Content, "\n", " ")
	if v.width > fixed {
		content = truncate(content, v.width-fixed)
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		prefix,
		styles.MutedStyle.Render(ts), " ",
		styles.KindStyle(env.Kind).Render(label), " ",
		styles.HeaderStyle.Render(sender), " ",
		styles.ContentStyle.Render(content),
	)
}

// origin names where an envelope came from: the topic, the queue or "direct".
func origin(env envelope.Envelope) string {
	switch env.Kind {
	case envelope.KindTopic:
		return "# " + env.Topic
	case envelope.KindQueue:
		return "q " + env.Queue
	case envelope.KindDirect:
		return "direct"
	default:
		return "raw"
	}
}

func pad(s string, n int) string {
	s = truncate(s, n)
	if w := lipgloss.Width(s); w < n {
		s += strings.Repeat(" ", n-w)
	}
	return s
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
