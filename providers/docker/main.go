// Command docker-provider drives workspaces backed by local Docker
// containers. It speaks the agent's stdio protocol: one request on stdin,
// NDJSON progress and result messages on stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/landoncolburn/devpod/internal/protocol"
)

const healthWaitInterval = 500 * time.Millisecond

func main() {
	if err := run(); err != nil {
		emitResult(&protocol.Result{Status: "error", Error: err.Error()})
		os.Exit(1)
	}
}

func run() error {
	var req protocol.Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if req.Protocol != protocol.Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}

	container, err := resolveContainer(&req)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if !req.DeadlineAt.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.DeadlineAt)
		defer cancel()
	}

	switch req.Command {
	case "start":
		return cmdStart(ctx, container)
	case "stop":
		return cmdStop(ctx, container)
	case "rebuild":
		return cmdRebuild(ctx, container, req.Options)
	case "status":
		return cmdStatus(ctx, container)
	default:
		return fmt.Errorf("unsupported command: %q", req.Command)
	}
}

// resolveContainer picks the container name from options, falling back to
// the workspace ID.
func resolveContainer(req *protocol.Request) (string, error) {
	if v, ok := req.Options["container"]; ok {
		name, ok := v.(string)
		if !ok || strings.TrimSpace(name) == "" {
			return "", fmt.Errorf("options.container must be a non-empty string")
		}
		return name, nil
	}
	if req.WorkspaceID == "" {
		return "", fmt.Errorf("request missing workspace_id")
	}
	return req.WorkspaceID, nil
}

func cmdStart(ctx context.Context, container string) error {
	emitProgress("resolve", fmt.Sprintf("locating container %s", container), 5)

	state, err := inspectState(ctx, container)
	if err != nil {
		return err
	}
	if state == "not-found" {
		emitResult(&protocol.Result{Status: "error", State: "not-found",
			Error: fmt.Sprintf("container %s does not exist; rebuild the workspace", container)})
		return nil
	}
	if state == "running" {
		emitProgress("start", "container already running", 90)
		emitResult(&protocol.Result{Status: "ok", State: "running"})
		return nil
	}

	emitProgress("start", "starting container", 30)
	if out, err := docker(ctx, "start", container); err != nil {
		emitResult(&protocol.Result{Status: "error", State: state, Error: firstLine(out, err)})
		return nil
	}

	emitProgress("health", "waiting for container to report running", 60)
	if err := waitRunning(ctx, container); err != nil {
		emitResult(&protocol.Result{Status: "error", State: "busy", Error: err.Error()})
		return nil
	}

	emitProgress("health", "container is running", 100)
	emitResult(&protocol.Result{Status: "ok", State: "running"})
	return nil
}

func cmdStop(ctx context.Context, container string) error {
	state, err := inspectState(ctx, container)
	if err != nil {
		return err
	}
	if state == "not-found" {
		emitResult(&protocol.Result{Status: "ok", State: "not-found"})
		return nil
	}
	if out, err := docker(ctx, "stop", container); err != nil {
		emitResult(&protocol.Result{Status: "error", State: state, Error: firstLine(out, err)})
		return nil
	}
	emitResult(&protocol.Result{Status: "ok", State: "stopped"})
	return nil
}

func cmdRebuild(ctx context.Context, container string, options map[string]any) error {
	image, _ := options["image"].(string)
	if strings.TrimSpace(image) == "" {
		return fmt.Errorf("rebuild requires options.image")
	}

	emitProgress("teardown", "removing existing container", 10)
	// rm -f on a missing container fails; that is fine for a rebuild.
	_, _ = docker(ctx, "rm", "-f", container)

	emitProgress("pull", fmt.Sprintf("pulling %s", image), 30)
	if out, err := docker(ctx, "pull", image); err != nil {
		emitResult(&protocol.Result{Status: "error", State: "not-found", Error: firstLine(out, err)})
		return nil
	}

	emitProgress("create", "creating container", 60)
	args := []string{"run", "-d", "--name", container}
	args = append(args, runArgs(options)...)
	args = append(args, image)
	if out, err := docker(ctx, args...); err != nil {
		emitResult(&protocol.Result{Status: "error", State: "not-found", Error: firstLine(out, err)})
		return nil
	}

	emitProgress("health", "waiting for container to report running", 85)
	if err := waitRunning(ctx, container); err != nil {
		emitResult(&protocol.Result{Status: "error", State: "busy", Error: err.Error()})
		return nil
	}

	emitResult(&protocol.Result{Status: "ok", State: "running"})
	return nil
}

func cmdStatus(ctx context.Context, container string) error {
	state, err := inspectState(ctx, container)
	if err != nil {
		return err
	}
	emitResult(&protocol.Result{Status: "ok", State: state})
	return nil
}

// runArgs translates portable options into docker run flags.
func runArgs(options map[string]any) []string {
	var args []string
	if env, ok := options["env"].(map[string]any); ok {
		for k, v := range env {
			args = append(args, "-e", fmt.Sprintf("%s=%v", k, v))
		}
	}
	if ports, ok := options["ports"].([]any); ok {
		for _, p := range ports {
			args = append(args, "-p", fmt.Sprint(p))
		}
	}
	return args
}

// inspectState maps docker inspect output onto workspace states.
func inspectState(ctx context.Context, container string) (string, error) {
	out, err := docker(ctx, "inspect", "-f", "{{.State.Status}}", container)
	if err != nil {
		if strings.Contains(strings.ToLower(out), "no such") {
			return "not-found", nil
		}
		return "", fmt.Errorf("docker inspect: %s", firstLine(out, err))
	}
	return mapDockerStatus(strings.TrimSpace(out)), nil
}

func mapDockerStatus(status string) string {
	switch status {
	case "running":
		return "running"
	case "created", "exited", "dead", "paused":
		return "stopped"
	case "restarting", "removing":
		return "busy"
	default:
		return "stopped"
	}
}

func waitRunning(ctx context.Context, container string) error {
	for {
		state, err := inspectState(ctx, container)
		if err != nil {
			return err
		}
		if state == "running" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s to run (last state %s)", container, state)
		case <-time.After(healthWaitInterval):
		}
	}
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	return string(out), err
}

// firstLine condenses command output for a result error, falling back to the
// exec error itself.
func firstLine(out string, err error) string {
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return err.Error()
}

func emitProgress(stage, message string, percent float64) {
	emit(protocol.Message{Kind: protocol.KindProgress, Progress: &protocol.ProgressEvent{
		Stage:   stage,
		Message: message,
		Percent: percent,
		At:      time.Now().UTC(),
	}})
}

func emitResult(res *protocol.Result) {
	emit(protocol.Message{Kind: protocol.KindResult, Result: res})
}

func emit(msg protocol.Message) {
	_ = json.NewEncoder(os.Stdout).Encode(msg)
}
