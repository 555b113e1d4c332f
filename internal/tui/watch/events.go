package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/landoncolburn/devpod/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeStartSettled:
		typeStyle = theme.StateRunning
	case events.TypeStartLaunched, events.TypeStartJoined:
		typeStyle = theme.StateBusy
	case events.TypeProgress:
		typeStyle = theme.Highlight
	case events.TypeStatusChanged:
		typeStyle = theme.Header
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-26s", e.Type))
	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if wsID, ok := data["workspace_id"].(string); ok && wsID != "" {
		parts = append(parts, fmt.Sprintf("[%s]", wsID))
	}
	if stage, ok := data["stage"].(string); ok && stage != "" {
		parts = append(parts, stage)
	}
	if msg, ok := data["message"].(string); ok && msg != "" {
		parts = append(parts, msg)
	}
	if state, ok := data["state"].(string); ok && state != "" {
		parts = append(parts, state)
	}
	if status, ok := data["status"].(string); ok && status != "" {
		parts = append(parts, status)
	}
	if errText, ok := data["error"].(string); ok && errText != "" {
		parts = append(parts, errText)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
