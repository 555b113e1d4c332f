package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/landoncolburn/devpod/internal/log"
	"github.com/landoncolburn/devpod/internal/protocol"
	"github.com/landoncolburn/devpod/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// createTestProvider writes a provider directory with a manifest and an
// executable bash entrypoint, then loads it through discovery.
func createTestProvider(t *testing.T, providersDir, name, script string, streaming bool) *Provider {
	t.Helper()

	providerDir := filepath.Join(providersDir, name)
	if err := os.MkdirAll(providerDir, 0755); err != nil {
		t.Fatalf("failed to create provider dir: %v", err)
	}

	startCmd := "start"
	if streaming {
		startCmd = "{name: start, streaming: true}"
	}
	manifest := fmt.Sprintf(`name: %s
version: 1.0.0
protocol: 1
entrypoint: run.sh
commands: [%s, stop, rebuild, status]
`, name, startCmd)

	if err := os.WriteFile(filepath.Join(providerDir, "manifest.yaml"), []byte(manifest), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(providerDir, "run.sh"), []byte(script), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	reg, err := Discover(providersDir, func(level, msg string, args ...any) {})
	if err != nil {
		t.Fatalf("failed to discover providers: %v", err)
	}
	p, ok := reg.Get(name)
	if !ok {
		t.Fatalf("provider %q not found after discovery", name)
	}
	return p
}

func setupRunner(t *testing.T, name, script string, streaming bool) (*Runner, *Provider) {
	t.Helper()

	providersDir := filepath.Join(t.TempDir(), "providers")
	if err := os.MkdirAll(providersDir, 0755); err != nil {
		t.Fatalf("failed to create providers dir: %v", err)
	}
	p := createTestProvider(t, providersDir, name, script, streaming)

	reg := NewRegistry()
	if err := reg.Add(p); err != nil {
		t.Fatalf("registry.Add: %v", err)
	}
	return NewRunner(reg, DefaultTimeouts()), p
}

func TestExec_Run_StreamsProgress(t *testing.T) {
	script := `#!/bin/bash
read input
echo '{"kind":"progress","progress":{"stage":"provision","message":"creating vm","percent":20}}'
echo '{"kind":"progress","progress":{"stage":"provision","message":"booting","percent":80}}'
echo '{"kind":"result","result":{"status":"ok","state":"running"}}'
`
	r, _ := setupRunner(t, "docker", script, true)

	cmd, err := r.Command(Spec{Provider: "docker", Command: "start", WorkspaceID: "ws-dev"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if !cmd.Streaming() {
		t.Error("start command should be streaming")
	}
	if cmd.OperationID() == "" {
		t.Error("operation id not assigned")
	}

	var progress []string
	res, err := cmd.Run(context.Background(), func(ev protocol.ProgressEvent) {
		progress = append(progress, ev.Message)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.OK() || res.State != "running" {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(progress) != 2 || progress[0] != "creating vm" || progress[1] != "booting" {
		t.Errorf("unexpected progress: %v", progress)
	}
}

func TestExec_Run_ErrorResult(t *testing.T) {
	script := `#!/bin/bash
read input
echo '{"kind":"result","result":{"status":"error","error":"image pull failed"}}'
`
	r, _ := setupRunner(t, "failing", script, false)

	cmd, err := r.Command(Spec{Provider: "failing", Command: "start", WorkspaceID: "ws-dev"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	res, err := cmd.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK() {
		t.Error("expected failed result")
	}
	if res.Error != "image pull failed" {
		t.Errorf("unexpected error message: %q", res.Error)
	}
}

func TestExec_Run_Timeout(t *testing.T) {
	// exec replaces bash with sleep so SIGTERM goes directly to sleep.
	script := `#!/bin/bash
read input
exec sleep 10
`
	r, _ := setupRunner(t, "sleeper", script, false)

	cmd, err := r.Command(Spec{Provider: "sleeper", Command: "start", WorkspaceID: "ws-dev", Timeout: time.Second})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	start := time.Now()
	_, err = cmd.Run(context.Background(), nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	// 1s timeout + 5s grace + margin.
	if elapsed > 8*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestExec_Run_InvalidOutput(t *testing.T) {
	script := `#!/bin/bash
read input
echo 'not valid json'
`
	r, _ := setupRunner(t, "broken", script, false)

	cmd, err := r.Command(Spec{Provider: "broken", Command: "start", WorkspaceID: "ws-dev"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if _, err := cmd.Run(context.Background(), nil); err == nil {
		t.Error("expected decode error")
	}
}

func TestExec_Run_NoOutput(t *testing.T) {
	script := `#!/bin/bash
read input
exit 0
`
	r, _ := setupRunner(t, "silent", script, false)

	cmd, err := r.Command(Spec{Provider: "silent", Command: "start", WorkspaceID: "ws-dev"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if _, err := cmd.Run(context.Background(), nil); err == nil {
		t.Error("expected error for missing result")
	}
}

func TestRunner_Status(t *testing.T) {
	script := `#!/bin/bash
read input
echo '{"kind":"result","result":{"status":"ok","state":"running"}}'
`
	r, _ := setupRunner(t, "docker", script, false)

	ws := &workspace.Workspace{ID: "ws-dev", Name: "dev", Provider: "docker"}
	status, err := r.Status(context.Background(), ws)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != workspace.StateRunning {
		t.Errorf("state = %q, want %q", status.State, workspace.StateRunning)
	}
	if status.WorkspaceID != "ws-dev" {
		t.Errorf("workspace_id = %q", status.WorkspaceID)
	}
}

func TestRunner_StatusFailureIsFatal(t *testing.T) {
	script := `#!/bin/bash
read input
echo '{"kind":"result","result":{"status":"error","error":"cannot reach host"}}'
`
	r, _ := setupRunner(t, "docker", script, false)

	ws := &workspace.Workspace{ID: "ws-dev", Name: "dev", Provider: "docker"}
	if _, err := r.Status(context.Background(), ws); err == nil {
		t.Error("expected error from failed status query")
	}
}

func TestRunner_CommandValidation(t *testing.T) {
	script := `#!/bin/bash
read input
echo '{"kind":"result","result":{"status":"ok"}}'
`
	r, _ := setupRunner(t, "docker", script, false)

	if _, err := r.Command(Spec{Provider: "nope", Command: "start", WorkspaceID: "ws"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := r.Command(Spec{Provider: "docker", Command: "teleport", WorkspaceID: "ws"}); err == nil {
		t.Error("expected error for unsupported command")
	}
	if _, err := r.Command(Spec{Provider: "docker", Command: "start"}); err == nil {
		t.Error("expected error for empty workspace id")
	}
}
