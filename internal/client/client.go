// Package client is the coordination layer between callers (HTTP API, CLI)
// and provider commands. It guarantees at most one in-flight start per
// workspace, multicasts that operation's progress to every attached view,
// and writes settled outcomes through to the workspace store.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/landoncolburn/devpod/internal/events"
	"github.com/landoncolburn/devpod/internal/log"
	"github.com/landoncolburn/devpod/internal/opcache"
	"github.com/landoncolburn/devpod/internal/protocol"
	"github.com/landoncolburn/devpod/internal/workspace"
)

// ErrNotRegistered is returned when an operation names a workspace the store
// does not know.
var ErrNotRegistered = errors.New("workspace not registered")

// persistTimeout bounds the finalizer's store writes after an operation
// settles. The finalizer is detached from every caller context.
const persistTimeout = 10 * time.Second

// Outcome is the settled result of a workspace operation together with the
// status re-queried after cleanup. Joined is true when the call attached to
// an operation launched by an earlier caller.
type Outcome struct {
	Command string
	Joined  bool
	Result  *protocol.Result
	Status  workspace.Status
}

// Client coordinates workspace operations.
type Client struct {
	store  *workspace.Store
	cache  *opcache.Cache
	runner CommandRunner
	status StatusReporter
	hub    *events.Hub
	logger *slog.Logger
}

func New(store *workspace.Store, cache *opcache.Cache, runner CommandRunner, status StatusReporter, hub *events.Hub) *Client {
	return &Client{
		store:  store,
		cache:  cache,
		runner: runner,
		status: status,
		hub:    hub,
		logger: log.WithComponent("client"),
	}
}

type startEventPayload struct {
	WorkspaceID string `json:"workspace_id"`
	OperationID string `json:"operation_id,omitempty"`
	Status      string `json:"status,omitempty"`
	State       string `json:"state,omitempty"`
	Error       string `json:"error,omitempty"`
}

type progressEventPayload struct {
	WorkspaceID string  `json:"workspace_id"`
	Stage       string  `json:"stage"`
	Message     string  `json:"message"`
	Percent     float64 `json:"percent"`
}

type statusEventPayload struct {
	WorkspaceID string `json:"workspace_id"`
	State       string `json:"state"`
}

// Start starts a workspace. If a start is already in flight for it the call
// joins that operation instead of launching a second one. onProgress, keyed
// by viewID, receives the operation's progress events for the duration of
// the call; a second subscription under the same viewID replaces the first.
//
// The returned outcome carries the settled result and a status re-queried
// strictly after the operation was removed from the in-flight cache. A
// failed start is data in Result; only a failed status query (or ctx) is an
// error.
func (c *Client) Start(ctx context.Context, workspaceID, viewID string, onProgress func(protocol.ProgressEvent)) (*Outcome, error) {
	ws, err := c.lookup(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var view []events.Handler[protocol.ProgressEvent]
	if onProgress != nil {
		view = append(view, events.Handler[protocol.ProgressEvent]{ID: viewID, Notify: onProgress})
	}

	entry, joined, err := c.ensureStart(ctx, ws, view)
	if err != nil {
		return nil, err
	}

	if onProgress != nil && entry.Stream != nil {
		// On the launch path this replaces the handler Connect already
		// registered with itself; the swap is atomic, so no event is lost.
		unsubscribe := entry.Stream(events.Handler[protocol.ProgressEvent]{ID: viewID, Notify: onProgress})
		defer unsubscribe()
	}

	res, err := entry.Op.Wait(ctx)
	if err != nil {
		return nil, err
	}

	// Remove the settled operation before reporting so the status below can
	// never describe a workspace that still has a cached start. The finalizer
	// races us here; Clear is identity-guarded and idempotent.
	c.cache.Clear(ws.ID, entry.Op)

	status, err := c.queryAndRecord(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("workspace %s started but status query failed: %w", ws.ID, err)
	}

	return &Outcome{Command: "start", Joined: joined, Result: res, Status: status}, nil
}

// ensureStart returns the in-flight start entry for ws, launching one when
// none exists. joined reports whether an earlier caller launched it. initial
// handlers are attached before a launched command runs.
func (c *Client) ensureStart(ctx context.Context, ws *workspace.Workspace, initial []events.Handler[protocol.ProgressEvent]) (*opcache.Entry, bool, error) {
	if entry, ok := c.cache.Get(ws.ID); ok {
		c.logger.Info("joining in-flight start", "workspace_id", ws.ID)
		c.hub.Publish(events.TypeStartJoined, startEventPayload{WorkspaceID: ws.ID})
		return entry, true, nil
	}

	cmd, err := c.runner.StartCommand(ws)
	if err != nil {
		return nil, false, fmt.Errorf("resolve start command: %w", err)
	}

	// The hub bridge rides the cache's tap, not the view registry, so no
	// caller-chosen view ID can replace it.
	entry, created := c.cache.Connect(ctx, ws.ID, cmd, c.hubTap(ws.ID), initial...)
	if !created {
		// Lost the launch race; someone else's command is running.
		c.logger.Info("joining in-flight start", "workspace_id", ws.ID)
		c.hub.Publish(events.TypeStartJoined, startEventPayload{WorkspaceID: ws.ID})
		return entry, true, nil
	}

	operationID := uuid.NewString()
	c.logger.Info("launched start", "workspace_id", ws.ID, "operation_id", operationID)
	c.hub.Publish(events.TypeStartLaunched, startEventPayload{WorkspaceID: ws.ID, OperationID: operationID})

	go c.finalizeStart(ws, entry, operationID, time.Now().UTC())
	return entry, false, nil
}

// hubTap bridges a launched operation's progress stream onto the hub.
func (c *Client) hubTap(workspaceID string) func(protocol.ProgressEvent) {
	return func(ev protocol.ProgressEvent) {
		c.hub.Publish(events.TypeProgress, progressEventPayload{
			WorkspaceID: workspaceID,
			Stage:       ev.Stage,
			Message:     ev.Message,
			Percent:     ev.Percent,
		})
	}
}

// finalizeStart runs once per launched start, detached from every caller. It
// clears the cache entry and persists the settled outcome even when all
// callers have gone away.
func (c *Client) finalizeStart(ws *workspace.Workspace, entry *opcache.Entry, operationID string, startedAt time.Time) {
	res, _ := entry.Op.Wait(context.Background())
	c.cache.Clear(ws.ID, entry.Op)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	completedAt := time.Now().UTC()
	state := workspace.ParseState(res.State)

	rec := workspace.OperationRecord{
		ID:          operationID,
		WorkspaceID: ws.ID,
		Command:     "start",
		Status:      res.Status,
		State:       state,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	}
	if res.Error != "" {
		rec.LastError = &res.Error
	}
	if err := c.store.AppendOperation(ctx, rec); err != nil {
		c.logger.Warn("failed to record operation", "workspace_id", ws.ID, "error", err.Error())
	}
	if res.OK() {
		if err := c.store.RecordStatus(ctx, ws.ID, state, completedAt); err != nil {
			c.logger.Warn("failed to record workspace state", "workspace_id", ws.ID, "error", err.Error())
		}
	}

	c.hub.Publish(events.TypeStartSettled, startEventPayload{
		WorkspaceID: ws.ID,
		OperationID: operationID,
		Status:      res.Status,
		State:       res.State,
		Error:       res.Error,
	})
	c.logger.Info("start settled", "workspace_id", ws.ID, "operation_id", operationID, "status", res.Status, "state", res.State)
}

// SubscribeToStart attaches h to the in-flight start for workspaceID, if one
// exists. When no start is in flight (or it emits no progress) the returned
// unsubscribe is a no-op: subscribing to nothing is not an error.
func (c *Client) SubscribeToStart(workspaceID string, h events.Handler[protocol.ProgressEvent]) func() {
	entry, ok := c.cache.Get(workspaceID)
	if !ok || entry.Stream == nil {
		return func() {}
	}
	return entry.Stream(h)
}

// Stop stops a workspace. Stops are not coalesced; concurrent calls each run
// the provider command.
func (c *Client) Stop(ctx context.Context, workspaceID string) (*Outcome, error) {
	return c.run(ctx, workspaceID, "stop")
}

// Rebuild tears down and recreates a workspace.
func (c *Client) Rebuild(ctx context.Context, workspaceID string) (*Outcome, error) {
	return c.run(ctx, workspaceID, "rebuild")
}

func (c *Client) run(ctx context.Context, workspaceID, command string) (*Outcome, error) {
	ws, err := c.lookup(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	startedAt := time.Now().UTC()
	res, err := c.runner.Run(ctx, ws, command)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", command, err)
	}

	rec := workspace.OperationRecord{
		ID:          uuid.NewString(),
		WorkspaceID: ws.ID,
		Command:     command,
		Status:      res.Status,
		State:       workspace.ParseState(res.State),
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
	}
	if res.Error != "" {
		rec.LastError = &res.Error
	}
	if err := c.store.AppendOperation(ctx, rec); err != nil {
		c.logger.Warn("failed to record operation", "workspace_id", ws.ID, "command", command, "error", err.Error())
	}

	status, err := c.queryAndRecord(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("%s finished but status query failed: %w", command, err)
	}

	return &Outcome{Command: command, Result: res, Status: status}, nil
}

// Status queries the workspace's current state from its provider and writes
// it through to the store.
func (c *Client) Status(ctx context.Context, workspaceID string) (workspace.Status, error) {
	ws, err := c.lookup(ctx, workspaceID)
	if err != nil {
		return workspace.Status{}, err
	}
	return c.queryAndRecord(ctx, ws)
}

// queryAndRecord asks the provider for the authoritative state, records it,
// and publishes a status event when the state changed.
func (c *Client) queryAndRecord(ctx context.Context, ws *workspace.Workspace) (workspace.Status, error) {
	status, err := c.status.Status(ctx, ws)
	if err != nil {
		return workspace.Status{}, err
	}

	if err := c.store.RecordStatus(ctx, ws.ID, status.State, status.ObservedAt); err != nil {
		c.logger.Warn("failed to record workspace state", "workspace_id", ws.ID, "error", err.Error())
	}
	if status.State != ws.LastState {
		c.hub.Publish(events.TypeStatusChanged, statusEventPayload{
			WorkspaceID: ws.ID,
			State:       string(status.State),
		})
	}
	return status, nil
}

func (c *Client) lookup(ctx context.Context, workspaceID string) (*workspace.Workspace, error) {
	ws, err := c.store.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, workspaceID)
	}
	return ws, nil
}
