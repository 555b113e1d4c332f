package provider

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProvider(t *testing.T, root, name, manifest string, executable bool) {
	t.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFilename), []byte(manifest), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	if err := os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/bash\n"), mode); err != nil {
		t.Fatalf("write entrypoint: %v", err)
	}
}

func TestDiscover_LoadsValidProviders(t *testing.T) {
	root := t.TempDir()
	writeProvider(t, root, "docker", `name: docker
version: 2.1.0
protocol: 1
entrypoint: run.sh
commands:
  - {name: start, streaming: true}
  - stop
  - rebuild
  - status
`, true)
	writeProvider(t, root, "kube", `name: kube
version: 0.3.0
protocol: 1
entrypoint: run.sh
commands: [start, status]
`, true)

	reg, err := Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(reg.All()) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(reg.All()))
	}

	docker, ok := reg.Get("docker")
	if !ok {
		t.Fatal("docker provider not loaded")
	}
	if !docker.IsStreaming("start") {
		t.Error("docker start should be streaming")
	}
	if docker.IsStreaming("stop") {
		t.Error("docker stop should not be streaming")
	}

	kube, _ := reg.Get("kube")
	if kube.SupportsCommand("rebuild") {
		t.Error("kube should not support rebuild")
	}
	if !kube.SupportsCommand("status") {
		t.Error("kube should support status")
	}
}

func TestDiscover_SkipsInvalidProviders(t *testing.T) {
	root := t.TempDir()
	writeProvider(t, root, "good", `name: good
protocol: 1
entrypoint: run.sh
commands: [start]
`, true)
	// Wrong protocol version.
	writeProvider(t, root, "old", `name: old
protocol: 99
entrypoint: run.sh
commands: [start]
`, true)
	// Unknown command name.
	writeProvider(t, root, "weird", `name: weird
protocol: 1
entrypoint: run.sh
commands: [teleport]
`, true)
	// Entrypoint not executable.
	writeProvider(t, root, "noexec", `name: noexec
protocol: 1
entrypoint: run.sh
commands: [start]
`, false)
	// Path traversal in entrypoint.
	writeProvider(t, root, "escape", `name: escape
protocol: 1
entrypoint: ../good/run.sh
commands: [start]
`, true)

	var warnings int
	reg, err := Discover(root, func(level, msg string, args ...any) {
		if level == "warn" {
			warnings++
		}
	})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(reg.All()) != 1 {
		t.Errorf("expected only 1 valid provider, got %d", len(reg.All()))
	}
	if _, ok := reg.Get("good"); !ok {
		t.Error("valid provider should survive invalid siblings")
	}
	if warnings != 4 {
		t.Errorf("expected 4 warnings, got %d", warnings)
	}
}

func TestDiscover_DuplicateNameKeepsFirst(t *testing.T) {
	root := t.TempDir()
	manifest := `name: docker
protocol: 1
entrypoint: run.sh
commands: [start]
`
	writeProvider(t, root, "a-docker", manifest, true)
	writeProvider(t, root, "b-docker", manifest, true)

	reg, err := Discover(root, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(reg.All()) != 1 {
		t.Fatalf("expected 1 provider after dedup, got %d", len(reg.All()))
	}

	p, _ := reg.Get("docker")
	if filepath.Base(p.Path) != "a-docker" {
		t.Errorf("expected first discovered path to win, got %s", p.Path)
	}
}

func TestDiscover_MissingDir(t *testing.T) {
	if _, err := Discover(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Error("expected error for missing providers dir")
	}
}

func TestValidateManifest(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
		wantErr  bool
	}{
		{
			name: "valid",
			manifest: Manifest{
				Name:       "docker",
				Protocol:   1,
				Entrypoint: "run.sh",
				Commands:   Commands{{Name: "start"}},
			},
		},
		{
			name:     "missing name",
			manifest: Manifest{Protocol: 1, Entrypoint: "run.sh", Commands: Commands{{Name: "start"}}},
			wantErr:  true,
		},
		{
			name:     "missing protocol",
			manifest: Manifest{Name: "x", Entrypoint: "run.sh", Commands: Commands{{Name: "start"}}},
			wantErr:  true,
		},
		{
			name:     "no commands",
			manifest: Manifest{Name: "x", Protocol: 1, Entrypoint: "run.sh"},
			wantErr:  true,
		},
		{
			name:     "traversal entrypoint",
			manifest: Manifest{Name: "x", Protocol: 1, Entrypoint: "../run.sh", Commands: Commands{{Name: "start"}}},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateManifest(&tt.manifest)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateManifest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
