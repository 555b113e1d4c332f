package api

import (
	"time"

	"github.com/landoncolburn/devpod/internal/workspace"
)

// CreateWorkspaceRequest is the JSON body for POST /workspaces.
type CreateWorkspaceRequest struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Provider string         `json:"provider"`
	Options  map[string]any `json:"options,omitempty"`
}

// WorkspaceResponse describes one registered workspace.
type WorkspaceResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Provider    string          `json:"provider"`
	Options     map[string]any  `json:"options,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	LastState   workspace.State `json:"last_state,omitempty"`
	LastStateAt *time.Time      `json:"last_state_at,omitempty"`
}

// OperationResponse is the outcome of a start/stop/rebuild call.
type OperationResponse struct {
	WorkspaceID string          `json:"workspace_id"`
	Command     string          `json:"command"`
	Joined      bool            `json:"joined,omitempty"`
	Status      string          `json:"status"`
	State       workspace.State `json:"state"`
	Error       string          `json:"error,omitempty"`
}

// StatusResponse is returned by GET /workspaces/{id}/status.
type StatusResponse struct {
	WorkspaceID string          `json:"workspace_id"`
	State       workspace.State `json:"state"`
	Provider    string          `json:"provider"`
	ObservedAt  time.Time       `json:"observed_at"`
}

// OperationLogEntry is one row of operation history.
type OperationLogEntry struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	Status      string          `json:"status"`
	State       workspace.State `json:"state,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	LastError   *string         `json:"last_error,omitempty"`
}

// ProviderResponse describes one loaded provider.
type ProviderResponse struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Commands    []string `json:"commands"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	ProvidersLoaded int    `json:"providers_loaded"`
	StartsInFlight  int    `json:"starts_in_flight"`
}
