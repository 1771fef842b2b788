// Package tui provides Bubble Tea views for the jsendpraat CLI.
//
// TUI mode is opt-in (--tui) and read-only. Views render the same payloads
// as the json/table/yaml output.
package tui

import "github.com/charmbracelet/lipgloss"

// Adaptive palette so views stay legible on light terminals.
var (
	accent = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	okay   = lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"}
	wait   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	fault  = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	faint  = lipgloss.AdaptiveColor{Light: "#57534E", Dark: "#A8A29E"}
	text   = lipgloss.AdaptiveColor{Light: "#0C0A09", Dark: "#FAFAF9"}
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(accent).MarginBottom(1)
	keyStyle     = lipgloss.NewStyle().Foreground(faint).Width(15).Align(lipgloss.Right).PaddingRight(1)
	textStyle    = lipgloss.NewStyle().Foreground(text)
	okStyle      = lipgloss.NewStyle().Foreground(okay)
	waitStyle    = lipgloss.NewStyle().Foreground(wait).Italic(true)
	faultStyle   = lipgloss.NewStyle().Foreground(fault).Bold(true)
	hintStyle    = lipgloss.NewStyle().Foreground(faint).Faint(true).MarginTop(1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(accent).
			PaddingLeft(2)

	counterStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			Padding(0, 1).
			Width(16).
			Align(lipgloss.Center)
	counterNameStyle  = lipgloss.NewStyle().Foreground(faint)
	counterValueStyle = lipgloss.NewStyle().Bold(true)
)

// StateStyle returns a style for a connection state or record direction.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "ready", "out", "in":
		return okStyle
	case "connecting":
		return waitStyle
	case "rejected", "dropped":
		return faultStyle
	case "disconnected":
		return lipgloss.NewStyle().Foreground(faint)
	default:
		return textStyle
	}
}
