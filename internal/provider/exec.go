package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/landoncolburn/devpod/internal/log"
	"github.com/landoncolburn/devpod/internal/opcache"
	"github.com/landoncolburn/devpod/internal/protocol"
	"github.com/landoncolburn/devpod/internal/workspace"
)

const (
	// maxStderrBytes caps the amount of stderr captured from provider execution.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Timeouts are per-command execution limits.
type Timeouts struct {
	Start   time.Duration
	Stop    time.Duration
	Rebuild time.Duration
	Status  time.Duration
}

// DefaultTimeouts returns the built-in per-command limits.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Start:   10 * time.Minute,
		Stop:    2 * time.Minute,
		Rebuild: 15 * time.Minute,
		Status:  15 * time.Second,
	}
}

func (t Timeouts) forCommand(command string) time.Duration {
	switch command {
	case "start":
		if t.Start > 0 {
			return t.Start
		}
		return 10 * time.Minute
	case "stop":
		if t.Stop > 0 {
			return t.Stop
		}
		return 2 * time.Minute
	case "rebuild":
		if t.Rebuild > 0 {
			return t.Rebuild
		}
		return 15 * time.Minute
	case "status":
		if t.Status > 0 {
			return t.Status
		}
		return 15 * time.Second
	default:
		return time.Minute
	}
}

// Spec is a declarative command descriptor.
type Spec struct {
	Provider    string
	Command     string // start | stop | rebuild | status
	WorkspaceID string
	Options     map[string]any
	Timeout     time.Duration // zero means the runner default for Command
}

// Runner resolves declarative specs into executable provider subprocesses.
type Runner struct {
	registry *Registry
	timeouts Timeouts
	logger   *slog.Logger
}

// NewRunner creates a runner over discovered providers.
func NewRunner(reg *Registry, timeouts Timeouts) *Runner {
	return &Runner{
		registry: reg,
		timeouts: timeouts,
		logger:   log.WithComponent("provider"),
	}
}

// Command resolves spec into an executable handle.
func (r *Runner) Command(spec Spec) (*Exec, error) {
	if spec.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace id is empty")
	}

	p, ok := r.registry.Get(spec.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %q not found in registry", spec.Provider)
	}
	if !p.SupportsCommand(spec.Command) {
		return nil, fmt.Errorf("provider %q does not support command %q", spec.Provider, spec.Command)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.timeouts.forCommand(spec.Command)
	}

	return &Exec{
		provider:    p,
		spec:        spec,
		timeout:     timeout,
		operationID: uuid.NewString(),
		logger:      r.logger.With("provider", spec.Provider, "command", spec.Command, "workspace_id", spec.WorkspaceID),
	}, nil
}

// StartCommand resolves the streaming start command for a workspace.
func (r *Runner) StartCommand(ws *workspace.Workspace) (opcache.Command, error) {
	return r.Command(Spec{
		Provider:    ws.Provider,
		Command:     "start",
		WorkspaceID: ws.ID,
		Options:     ws.Options,
	})
}

// Run executes a non-coalesced command (stop, rebuild) to completion.
func (r *Runner) Run(ctx context.Context, ws *workspace.Workspace, command string) (*protocol.Result, error) {
	cmd, err := r.Command(Spec{
		Provider:    ws.Provider,
		Command:     command,
		WorkspaceID: ws.ID,
		Options:     ws.Options,
	})
	if err != nil {
		return nil, err
	}
	return cmd.Run(ctx, nil)
}

// Status runs the provider's side-effect-free status query for a workspace.
// A provider-reported error is returned as an error: status is the
// authoritative answer and a failed query is fatal to the asking call.
func (r *Runner) Status(ctx context.Context, ws *workspace.Workspace) (workspace.Status, error) {
	cmd, err := r.Command(Spec{
		Provider:    ws.Provider,
		Command:     "status",
		WorkspaceID: ws.ID,
	})
	if err != nil {
		return workspace.Status{}, err
	}

	res, err := cmd.Run(ctx, nil)
	if err != nil {
		return workspace.Status{}, fmt.Errorf("query workspace status: %w", err)
	}
	if !res.OK() {
		return workspace.Status{}, fmt.Errorf("provider status query failed: %s", res.Error)
	}

	return workspace.Status{
		WorkspaceID: ws.ID,
		State:       workspace.ParseState(res.State),
		Provider:    ws.Provider,
		ObservedAt:  time.Now().UTC(),
	}, nil
}

// Exec is one resolved provider command, ready to run as a subprocess.
type Exec struct {
	provider    *Provider
	spec        Spec
	timeout     time.Duration
	operationID string
	logger      *slog.Logger
}

// OperationID returns the unique id assigned to this execution.
func (e *Exec) OperationID() string { return e.operationID }

// Streaming reports whether this command emits progress events.
func (e *Exec) Streaming() bool {
	return e.provider.IsStreaming(e.spec.Command)
}

// Run spawns the provider subprocess, writes the request to stdin, streams
// progress messages from stdout into sink, and returns the terminal result.
// On timeout the process gets SIGTERM, a grace period, then SIGKILL.
func (e *Exec) Run(ctx context.Context, sink func(protocol.ProgressEvent)) (*protocol.Result, error) {
	timeoutTimer := time.NewTimer(e.timeout)
	defer timeoutTimer.Stop()

	// Manage termination ourselves instead of using CommandContext.
	cmd := exec.Command(e.provider.Entrypoint)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.logger.Debug("spawning provider", "entrypoint", e.provider.Entrypoint, "timeout", e.timeout, "operation_id", e.operationID)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	req := &protocol.Request{
		Protocol:    protocol.Version,
		OperationID: e.operationID,
		Command:     e.spec.Command,
		WorkspaceID: e.spec.WorkspaceID,
		Options:     e.spec.Options,
		DeadlineAt:  time.Now().Add(e.timeout),
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	// Stream stdout until the terminal result. Progress lines feed the sink
	// in emission order.
	type readOutcome struct {
		res *protocol.Result
		err error
	}
	readCh := make(chan readOutcome, 1)
	go func() {
		dec := protocol.NewStreamDecoder(stdout)
		for {
			msg, err := dec.Next()
			if err == io.EOF {
				readCh <- readOutcome{nil, fmt.Errorf("provider exited without a result")}
				return
			}
			if err != nil {
				readCh <- readOutcome{nil, err}
				return
			}
			if msg.Kind == protocol.KindProgress {
				if sink != nil {
					sink(*msg.Progress)
				}
				continue
			}
			readCh <- readOutcome{msg.Result, nil}
			return
		}
	}()

	select {
	case <-timeoutTimer.C:
		e.logger.Warn("provider execution timed out, sending SIGTERM", "stderr", truncateStderr(stderr.String()))
		e.terminate(cmd)
		return nil, fmt.Errorf("provider execution timed out after %v: %w", e.timeout, context.DeadlineExceeded)

	case <-ctx.Done():
		e.logger.Warn("provider execution cancelled, sending SIGTERM")
		e.terminate(cmd)
		return nil, ctx.Err()

	case outcome := <-readCh:
		// Reading stdout is done (result, decode error, or EOF); now reap
		// the process, with a watchdog for providers that linger.
		waitErr := e.reap(cmd)

		if werr := <-writeErr; werr != nil && outcome.err == nil {
			outcome.err = werr
		}
		if outcome.err != nil {
			e.logger.Error("provider command failed", "error", outcome.err, "stderr", truncateStderr(stderr.String()))
			return nil, outcome.err
		}
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				e.logger.Warn("provider exited with non-zero status", "exit_code", exitErr.ExitCode())
			} else {
				return nil, fmt.Errorf("wait for process: %w", waitErr)
			}
		}
		return outcome.res, nil
	}
}

// reap waits for the process to exit, escalating to SIGKILL if it outstays
// the grace period after its stdout is already finished.
func (e *Exec) reap(cmd *exec.Cmd) error {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-grace.C:
		e.logger.Warn("provider did not exit after result, sending SIGKILL")
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return <-waitCh
	}
}

// terminate sends SIGTERM, waits for the grace period, then SIGKILLs.
func (e *Exec) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.logger.Error("failed to send SIGTERM", "error", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitCh:
		e.logger.Info("provider exited after SIGTERM")
	case <-grace.C:
		e.logger.Warn("provider did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			e.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitCh
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
