package main

import (
	"github.com/charmbracelet/lipgloss"

	"apkforge/internal/artifact"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(14)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA500"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F56")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
)

// stateStyle colours an artifact state by outcome.
func stateStyle(s artifact.State) lipgloss.Style {
	switch {
	case s == artifact.StateFailed:
		return errorStyle
	case s == artifact.StateRebuilt:
		return successStyle
	case s.InFlight():
		return warningStyle
	default:
		return lipgloss.NewStyle()
	}
}

// field renders a "label value" line.
func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func stackLines(lines ...string) string {
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
