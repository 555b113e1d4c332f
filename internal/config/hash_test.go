package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestChecksums_RoundTrip(t *testing.T) {
	path := writeConfig(t, "agent:\n  name: hashed\n")

	if err := GenerateChecksums(path); err != nil {
		t.Fatalf("GenerateChecksums: %v", err)
	}
	if err := VerifyConfigFile(path); err != nil {
		t.Errorf("verification of untouched config failed: %v", err)
	}

	manifest, err := LoadChecksums(filepath.Dir(path))
	if err != nil {
		t.Fatalf("LoadChecksums: %v", err)
	}
	if manifest == nil || len(manifest.Hashes) != 1 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
}

func TestChecksums_DetectsTampering(t *testing.T) {
	path := writeConfig(t, "agent:\n  name: original\n")

	if err := GenerateChecksums(path); err != nil {
		t.Fatalf("GenerateChecksums: %v", err)
	}
	if err := os.WriteFile(path, []byte("agent:\n  name: tampered\n"), 0644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if err := VerifyConfigFile(path); err == nil {
		t.Error("expected hash mismatch after edit")
	}
	if _, err := Load(path); err == nil {
		t.Error("Load must fail when the guarded config was modified")
	}
}

func TestVerifyConfigFile_NoManifestIsSkipped(t *testing.T) {
	path := writeConfig(t, "agent:\n  name: unguarded\n")
	if err := VerifyConfigFile(path); err != nil {
		t.Errorf("verification without a manifest should pass: %v", err)
	}
}
