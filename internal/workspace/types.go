package workspace

import "time"

// State is the provider-reported lifecycle state of a workspace.
type State string

const (
	StateNotFound State = "not-found"
	StateStopped  State = "stopped"
	StateBusy     State = "busy"
	StateRunning  State = "running"
)

// ParseState maps a provider-reported state string onto a known State.
// Unknown values resolve to StateNotFound.
func ParseState(s string) State {
	switch State(s) {
	case StateStopped, StateBusy, StateRunning:
		return State(s)
	default:
		return StateNotFound
	}
}

// Status is the authoritative answer to "what is this workspace doing now".
// It is always re-queried from the provider after an operation settles; the
// operation's own result is never reported to callers.
type Status struct {
	WorkspaceID string    `json:"workspace_id"`
	State       State     `json:"state"`
	Provider    string    `json:"provider,omitempty"`
	Message     string    `json:"message,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Options is the declarative configuration for a start command, passed
// through to the provider untouched.
type Options map[string]any

// Workspace is one registered remote workspace.
type Workspace struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Provider    string     `json:"provider"`
	Options     Options    `json:"options,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastState   State      `json:"last_state,omitempty"`
	LastStateAt *time.Time `json:"last_state_at,omitempty"`
}
