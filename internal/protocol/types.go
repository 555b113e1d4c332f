package protocol

import "time"

// Version is the provider stdio protocol version this agent speaks.
const Version = 1

// Message kinds emitted by providers on stdout, one JSON object per line.
const (
	KindProgress = "progress"
	KindResult   = "result"
)

// Request is the envelope written to a provider subprocess via stdin.
type Request struct {
	Protocol    int            `json:"protocol"`
	OperationID string         `json:"operation_id"`
	Command     string         `json:"command"` // start | stop | rebuild | status
	WorkspaceID string         `json:"workspace_id"`
	Options     map[string]any `json:"options,omitempty"`
	DeadlineAt  time.Time      `json:"deadline_at"`
}

// Message is one NDJSON line read from a provider subprocess's stdout.
// A streaming command emits zero or more progress messages followed by
// exactly one result message; a non-streaming command emits the result only.
type Message struct {
	Kind     string         `json:"kind"`
	Progress *ProgressEvent `json:"progress,omitempty"`
	Result   *Result        `json:"result,omitempty"`
}

// ProgressEvent is a single progress report for an in-flight command.
type ProgressEvent struct {
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
	Percent float64   `json:"percent,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

// Result is the terminal message of a provider command.
type Result struct {
	Status string `json:"status"`          // ok | error
	State  string `json:"state,omitempty"` // workspace state after the command
	Error  string `json:"error,omitempty"`
}

// OK reports whether the command completed successfully.
func (r *Result) OK() bool {
	return r != nil && r.Status == "ok"
}
