// Package watch implements the live workspace watch TUI.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
// Even with a single default theme, this keeps all colors in one place
// and makes future theme support trivial.
type Theme struct {
	// Workspace state colors
	StateRunning  lipgloss.Style
	StateBusy     lipgloss.Style
	StateStopped  lipgloss.Style
	StateNotFound lipgloss.Style
	StatusFailed  lipgloss.Style

	// UI elements
	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Progress  lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StateRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StateBusy:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StateStopped:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StateNotFound: lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Progress:  lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
	}
}
