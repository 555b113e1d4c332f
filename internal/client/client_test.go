package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landoncolburn/devpod/internal/client/mocks"
	"github.com/landoncolburn/devpod/internal/events"
	"github.com/landoncolburn/devpod/internal/opcache"
	"github.com/landoncolburn/devpod/internal/protocol"
	"github.com/landoncolburn/devpod/internal/storage"
	"github.com/landoncolburn/devpod/internal/workspace"
)

// startCmd is a controllable start command. Run blocks on release when set,
// emits the scripted progress, then returns result.
type startCmd struct {
	streaming bool
	release   chan struct{}
	progress  []protocol.ProgressEvent
	result    *protocol.Result
	err       error
}

func (f *startCmd) Streaming() bool { return f.streaming }

func (f *startCmd) Run(ctx context.Context, sink func(protocol.ProgressEvent)) (*protocol.Result, error) {
	if f.release != nil {
		<-f.release
	}
	if sink != nil {
		for _, ev := range f.progress {
			sink(ev)
		}
	}
	return f.result, f.err
}

type harness struct {
	client *Client
	store  *workspace.Store
	cache  *opcache.Cache
	hub    *events.Hub
	runner *mocks.MockCommandRunner
	status *mocks.MockStatusReporter
	events <-chan events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := workspace.NewStore(db)
	require.NoError(t, store.Create(context.Background(), workspace.Workspace{
		ID:       "ws-dev",
		Name:     "dev",
		Provider: "docker",
	}))

	h := &harness{
		store:  store,
		cache:  opcache.New(),
		hub:    events.NewHub(64),
		runner: mocks.NewMockCommandRunner(ctrl),
		status: mocks.NewMockStatusReporter(ctrl),
	}
	h.client = New(store, h.cache, h.runner, h.status, h.hub)

	ch, cancel := h.hub.Subscribe()
	t.Cleanup(cancel)
	h.events = ch

	return h
}

func runningStatus() workspace.Status {
	return workspace.Status{
		WorkspaceID: "ws-dev",
		State:       workspace.StateRunning,
		Provider:    "docker",
		ObservedAt:  time.Now().UTC(),
	}
}

// waitForEvent consumes hub events until one of the wanted type arrives.
func (h *harness) waitForEvent(t *testing.T, eventType string) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestStart_LaunchesAndReportsStatus(t *testing.T) {
	h := newHarness(t)

	h.runner.EXPECT().StartCommand(gomock.Any()).Return(&startCmd{
		streaming: true,
		result:    &protocol.Result{Status: "ok", State: "running"},
	}, nil)
	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).Return(runningStatus(), nil)

	out, err := h.client.Start(context.Background(), "ws-dev", "view-1", nil)
	require.NoError(t, err)

	assert.False(t, out.Joined)
	assert.True(t, out.Result.OK())
	assert.Equal(t, workspace.StateRunning, out.Status.State)

	h.waitForEvent(t, events.TypeStartSettled)

	// Settled operation is gone from the cache and recorded in history.
	_, ok := h.cache.Get("ws-dev")
	assert.False(t, ok)

	recs, err := h.store.RecentOperations(context.Background(), "ws-dev", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "start", recs[0].Command)
	assert.Equal(t, "ok", recs[0].Status)
}

func TestStart_ViewIDCannotDisplaceHubBridge(t *testing.T) {
	h := newHarness(t)

	h.runner.EXPECT().StartCommand(gomock.Any()).Return(&startCmd{
		streaming: true,
		progress:  []protocol.ProgressEvent{{Stage: "provision", Message: "booting", Percent: 40}},
		result:    &protocol.Result{Status: "ok", State: "running"},
	}, nil)
	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).Return(runningStatus(), nil)

	// "hub" is just another view name; the event bridge must keep working.
	var seen []string
	out, err := h.client.Start(context.Background(), "ws-dev", "hub", func(ev protocol.ProgressEvent) {
		seen = append(seen, ev.Message)
	})
	require.NoError(t, err)
	assert.True(t, out.Result.OK())
	assert.Equal(t, []string{"booting"}, seen)

	ev := h.waitForEvent(t, events.TypeProgress)
	assert.Contains(t, string(ev.Data), "booting")

	h.waitForEvent(t, events.TypeStartSettled)
}

func TestStart_SecondCallerJoinsInFlight(t *testing.T) {
	h := newHarness(t)

	cmd := &startCmd{
		streaming: true,
		release:   make(chan struct{}),
		progress: []protocol.ProgressEvent{
			{Stage: "provision", Message: "creating vm", Percent: 20},
			{Stage: "provision", Message: "booting", Percent: 80},
		},
		result: &protocol.Result{Status: "ok", State: "running"},
	}
	h.runner.EXPECT().StartCommand(gomock.Any()).Return(cmd, nil).Times(1)
	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).Return(runningStatus(), nil).Times(2)

	var mu sync.Mutex
	var gotA, gotB []string
	collect := func(dst *[]string) func(protocol.ProgressEvent) {
		return func(ev protocol.ProgressEvent) {
			mu.Lock()
			*dst = append(*dst, ev.Message)
			mu.Unlock()
		}
	}

	type startResult struct {
		out *Outcome
		err error
	}
	first := make(chan startResult, 1)
	go func() {
		out, err := h.client.Start(context.Background(), "ws-dev", "view-a", collect(&gotA))
		first <- startResult{out, err}
	}()

	// Wait for the first caller's operation to be in flight.
	require.Eventually(t, func() bool {
		_, ok := h.cache.Get("ws-dev")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	second := make(chan startResult, 1)
	go func() {
		out, err := h.client.Start(context.Background(), "ws-dev", "view-b", collect(&gotB))
		second <- startResult{out, err}
	}()
	h.waitForEvent(t, events.TypeStartJoined)

	close(cmd.release)
	h.waitForEvent(t, events.TypeStartSettled)

	resA := <-first
	resB := <-second
	require.NoError(t, resA.err)
	require.NoError(t, resB.err)

	assert.False(t, resA.out.Joined)
	assert.True(t, resB.out.Joined, "second caller must join, not relaunch")
	assert.Same(t, resA.out.Result, resB.out.Result, "both callers observe the one execution")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"creating vm", "booting"}, gotA)
	assert.Equal(t, []string{"creating vm", "booting"}, gotB)
}

func TestStart_CacheClearedBeforeStatusQuery(t *testing.T) {
	h := newHarness(t)

	h.runner.EXPECT().StartCommand(gomock.Any()).Return(&startCmd{
		result: &protocol.Result{Status: "ok", State: "running"},
	}, nil)
	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, ws *workspace.Workspace) (workspace.Status, error) {
			if _, ok := h.cache.Get("ws-dev"); ok {
				t.Error("status must be queried only after the cache entry is cleared")
			}
			return runningStatus(), nil
		})

	_, err := h.client.Start(context.Background(), "ws-dev", "view-1", nil)
	require.NoError(t, err)
	h.waitForEvent(t, events.TypeStartSettled)
}

func TestStart_StatusFailurePropagates(t *testing.T) {
	h := newHarness(t)

	h.runner.EXPECT().StartCommand(gomock.Any()).Return(&startCmd{
		result: &protocol.Result{Status: "ok", State: "running"},
	}, nil)
	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).
		Return(workspace.Status{}, errors.New("provider unreachable"))

	_, err := h.client.Start(context.Background(), "ws-dev", "view-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status query failed")
	h.waitForEvent(t, events.TypeStartSettled)
}

func TestStart_CommandFailureIsData(t *testing.T) {
	h := newHarness(t)

	h.runner.EXPECT().StartCommand(gomock.Any()).Return(&startCmd{
		result: &protocol.Result{Status: "error", Error: "image pull failed"},
	}, nil)
	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).Return(workspace.Status{
		WorkspaceID: "ws-dev",
		State:       workspace.StateStopped,
		ObservedAt:  time.Now().UTC(),
	}, nil)

	out, err := h.client.Start(context.Background(), "ws-dev", "view-1", nil)
	require.NoError(t, err, "a failed start is data, not an error")

	assert.False(t, out.Result.OK())
	assert.Equal(t, "image pull failed", out.Result.Error)
	assert.Equal(t, workspace.StateStopped, out.Status.State)
	h.waitForEvent(t, events.TypeStartSettled)
}

func TestStart_UnknownWorkspace(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Start(context.Background(), "ws-ghost", "view-1", nil)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestStart_BackToBackLaunchesTwice(t *testing.T) {
	h := newHarness(t)

	h.runner.EXPECT().StartCommand(gomock.Any()).Return(&startCmd{
		result: &protocol.Result{Status: "ok", State: "running"},
	}, nil).Times(2)
	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).Return(runningStatus(), nil).Times(2)

	for i := 0; i < 2; i++ {
		out, err := h.client.Start(context.Background(), "ws-dev", "view-1", nil)
		require.NoError(t, err)
		assert.False(t, out.Joined, "a start after the previous one settled is a fresh launch")
		h.waitForEvent(t, events.TypeStartSettled)
	}
}

func TestSubscribeToStart_NothingInFlight(t *testing.T) {
	h := newHarness(t)

	unsubscribe := h.client.SubscribeToStart("ws-dev", events.Handler[protocol.ProgressEvent]{
		ID:     "view-1",
		Notify: func(protocol.ProgressEvent) {},
	})
	require.NotNil(t, unsubscribe)
	unsubscribe()
	unsubscribe()
}

func TestSubscribeToStart_SameViewReplacesHandler(t *testing.T) {
	h := newHarness(t)

	cmd := &startCmd{
		streaming: true,
		release:   make(chan struct{}),
		progress:  []protocol.ProgressEvent{{Stage: "provision", Message: "booting"}},
		result:    &protocol.Result{Status: "ok", State: "running"},
	}
	h.runner.EXPECT().StartCommand(gomock.Any()).Return(cmd, nil)
	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).Return(runningStatus(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.client.Start(context.Background(), "ws-dev", "launcher", nil)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		_, ok := h.cache.Get("ws-dev")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	var stale, fresh int
	h.client.SubscribeToStart("ws-dev", events.Handler[protocol.ProgressEvent]{
		ID: "view-1",
		Notify: func(protocol.ProgressEvent) {
			mu.Lock()
			stale++
			mu.Unlock()
		},
	})
	h.client.SubscribeToStart("ws-dev", events.Handler[protocol.ProgressEvent]{
		ID: "view-1",
		Notify: func(protocol.ProgressEvent) {
			mu.Lock()
			fresh++
			mu.Unlock()
		},
	})

	close(cmd.release)
	<-done
	h.waitForEvent(t, events.TypeStartSettled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, stale, "re-subscribing under the same view replaces the old handler")
	assert.Equal(t, 1, fresh)
}

func TestStop_RecordsOperationAndStatus(t *testing.T) {
	h := newHarness(t)

	h.runner.EXPECT().Run(gomock.Any(), gomock.Any(), "stop").
		Return(&protocol.Result{Status: "ok", State: "stopped"}, nil)
	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).Return(workspace.Status{
		WorkspaceID: "ws-dev",
		State:       workspace.StateStopped,
		ObservedAt:  time.Now().UTC(),
	}, nil)

	out, err := h.client.Stop(context.Background(), "ws-dev")
	require.NoError(t, err)
	assert.Equal(t, "stop", out.Command)
	assert.Equal(t, workspace.StateStopped, out.Status.State)

	recs, err := h.store.RecentOperations(context.Background(), "ws-dev", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "stop", recs[0].Command)

	ws, err := h.store.Get(context.Background(), "ws-dev")
	require.NoError(t, err)
	assert.Equal(t, workspace.StateStopped, ws.LastState)
}

func TestStatus_WriteThrough(t *testing.T) {
	h := newHarness(t)

	h.status.EXPECT().Status(gomock.Any(), gomock.Any()).Return(runningStatus(), nil)

	status, err := h.client.Status(context.Background(), "ws-dev")
	require.NoError(t, err)
	assert.Equal(t, workspace.StateRunning, status.State)

	h.waitForEvent(t, events.TypeStatusChanged)

	ws, err := h.store.Get(context.Background(), "ws-dev")
	require.NoError(t, err)
	assert.Equal(t, workspace.StateRunning, ws.LastState)
}

func TestRebuild_RunFailureIsAnError(t *testing.T) {
	h := newHarness(t)

	h.runner.EXPECT().Run(gomock.Any(), gomock.Any(), "rebuild").
		Return(nil, errors.New("provider crashed"))

	_, err := h.client.Rebuild(context.Background(), "ws-dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebuild")
}
