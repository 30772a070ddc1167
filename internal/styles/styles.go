// Package styles provides shared lipgloss styles for CLI and TUI components.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hay-kot/mom/internal/core/envelope"
)

// Tokyo Night color palette.
var (
	ColorGreen  = lipgloss.Color("#9ece6a")
	ColorYellow = lipgloss.Color("#e0af68")
	ColorBlue   = lipgloss.Color("#7aa2f7")
	ColorPurple = lipgloss.Color("#bb9af7")
	ColorRed    = lipgloss.Color("#f7768e")
	ColorGray   = lipgloss.Color("#565f89")
	ColorWhite  = lipgloss.Color("#c0caf5")
)

// Banner is shown at the top of the watcher.
const Banner = `
 ╔╦╗╔═╗╔╦╗
 ║║║║ ║║║║
 ╩ ╩╚═╝╩ ╩`

var BannerStyle = lipgloss.NewStyle().
	Foreground(ColorBlue).
	Bold(true)

var (
	HeaderStyle  = lipgloss.NewStyle().Foreground(ColorWhite).Bold(true)
	MutedStyle   = lipgloss.NewStyle().Foreground(ColorGray)
	ContentStyle = lipgloss.NewStyle().Foreground(ColorWhite)
	DividerStyle = lipgloss.NewStyle().Foreground(ColorGray)
)

// KindColor returns the accent color of an envelope kind.
func KindColor(k envelope.Kind) lipgloss.Color {
	switch k {
	case envelope.KindDirect:
		return ColorBlue
	case envelope.KindTopic:
		return ColorGreen
	case envelope.KindQueue:
		return ColorYellow
	default:
		return ColorRed
	}
}

// KindStyle returns a bold style in the accent color of k.
func KindStyle(k envelope.Kind) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(KindColor(k)).Bold(true)
}
