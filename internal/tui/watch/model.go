package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/landoncolburn/devpod/internal/events"
)

// startProgress is the latest progress seen for one in-flight start.
type startProgress struct {
	Stage   string
	Message string
	Percent float64
	At      time.Time
}

// HealthState tracks the agent connection.
type HealthState struct {
	Status          string
	UptimeSeconds   int64
	ProvidersLoaded int
	StartsInFlight  int
	Connected       bool
	LastCheck       time.Time
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health     HealthState
	workspaces []workspaceRow
	inFlight   map[string]startProgress
	eventLog   []events.Event

	// UI state
	theme   Theme
	wsTable table.Model
	spinner spinner.Model

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Workspace", Width: 20},
			{Title: "Provider", Width: 12},
			{Title: "State", Width: 10},
			{Title: "Since", Width: 12},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD"))

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		inFlight:  make(map[string]startProgress),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		theme:     NewDefaultTheme(),
		wsTable:   t,
		spinner:   sp,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchWorkspaces(m.apiURL, m.apiKey) },
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, func() tea.Msg { return fetchWorkspaces(m.apiURL, m.apiKey) }
		default:
			var cmd tea.Cmd
			m.wsTable, cmd = m.wsTable.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)

		// Event log is newest first.
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.health.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if cmd := m.applyEvent(e); cmd != nil {
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case workspacesMsg:
		m.workspaces = msg
		m.wsTable.SetRows(m.workspaceRows())

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.ProvidersLoaded = msg.ProvidersLoaded
		m.health.StartsInFlight = msg.StartsInFlight
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// Reconnect after a short delay; the existing receiveNextEvent
		// goroutine is still waiting on the channel and will pick up
		// events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		// Retry health in 5s
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

// applyEvent updates in-flight progress and triggers refreshes from one hub
// event. Returns an extra command when a refetch is needed.
func (m *Model) applyEvent(e events.Event) tea.Cmd {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)
	wsID, _ := data["workspace_id"].(string)

	switch e.Type {
	case events.TypeStartLaunched:
		if wsID != "" {
			m.inFlight[wsID] = startProgress{Stage: "launch", Message: "starting", At: e.At}
		}
	case events.TypeProgress:
		if wsID != "" {
			p := startProgress{At: e.At}
			p.Stage, _ = data["stage"].(string)
			p.Message, _ = data["message"].(string)
			p.Percent, _ = data["percent"].(float64)
			m.inFlight[wsID] = p
		}
	case events.TypeStartSettled:
		delete(m.inFlight, wsID)
		return func() tea.Msg { return fetchWorkspaces(m.apiURL, m.apiKey) }
	case events.TypeStatusChanged:
		return func() tea.Msg { return fetchWorkspaces(m.apiURL, m.apiKey) }
	}
	return nil
}

func (m *Model) workspaceRows() []table.Row {
	rows := make([]table.Row, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		state := ws.LastState
		if state == "" {
			state = "unknown"
		}
		if _, busy := m.inFlight[ws.ID]; busy {
			state = "starting"
		}

		since := "-"
		if ws.LastStateAt != nil {
			since = ws.LastStateAt.Format("15:04:05")
		}
		rows = append(rows, table.Row{ws.Name, ws.Provider, state, since})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to agent..."
	}

	header := m.renderHeader()
	workspaces := m.renderWorkspaces()
	progress := m.renderProgress()
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Navigate")

	parts := []string{header, workspaces}
	if progress != "" {
		parts = append(parts, progress)
	}
	parts = append(parts, eventStream)
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	conn := m.theme.StatusFailed.Render("● offline")
	if m.health.Connected {
		conn = m.theme.StateRunning.Render("● connected")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	line := fmt.Sprintf("%s devpod agent  %s  up %s  providers %d  starts in flight %d",
		m.spinner.View(), conn, uptime, m.health.ProvidersLoaded, m.health.StartsInFlight)

	return m.theme.Border.Width(m.width - 4).Render(m.theme.Header.Render(line))
}

func (m Model) renderWorkspaces() string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("WORKSPACES"),
		m.wsTable.View(),
	)
	return m.theme.Border.Width(m.width - 4).Render(content)
}

func (m Model) renderProgress() string {
	if len(m.inFlight) == 0 {
		return ""
	}

	var lines []string
	for wsID, p := range m.inFlight {
		bar := renderBar(p.Percent, 24)
		label := p.Stage
		if p.Message != "" {
			label = fmt.Sprintf("%s: %s", p.Stage, p.Message)
		}
		lines = append(lines, fmt.Sprintf(" %s %s %3.0f%%  %s",
			m.theme.Highlight.Render(wsID),
			m.theme.Progress.Render(bar),
			p.Percent,
			m.theme.Dim.Render(label)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("IN-FLIGHT STARTS"),
		strings.Join(lines, "\n"),
	)
	return m.theme.Border.Width(m.width - 4).Render(content)
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
