package client

import (
	"context"

	"github.com/landoncolburn/devpod/internal/opcache"
	"github.com/landoncolburn/devpod/internal/protocol"
	"github.com/landoncolburn/devpod/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_collaborators.go -package=mocks github.com/landoncolburn/devpod/internal/client CommandRunner,StatusReporter

// CommandRunner resolves and executes provider commands for a workspace.
// Implemented by provider.Runner.
type CommandRunner interface {
	// StartCommand resolves the workspace's streaming start command without
	// running it.
	StartCommand(ws *workspace.Workspace) (opcache.Command, error)

	// Run executes a non-coalesced command (stop, rebuild) to completion.
	Run(ctx context.Context, ws *workspace.Workspace, command string) (*protocol.Result, error)
}

// StatusReporter answers the authoritative current state of a workspace.
// Implemented by provider.Runner.
type StatusReporter interface {
	Status(ctx context.Context, ws *workspace.Workspace) (workspace.Status, error)
}
