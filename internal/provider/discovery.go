package provider

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/landoncolburn/devpod/internal/protocol"
)

const manifestFilename = "manifest.yaml"

// Registry holds discovered providers indexed by name.
type Registry struct {
	providers map[string]*Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
	}
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (*Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// All returns all registered providers.
func (r *Registry) All() map[string]*Provider {
	return r.providers
}

// Add registers a provider in the registry.
func (r *Registry) Add(p *Provider) error {
	if _, exists := r.providers[p.Name]; exists {
		return fmt.Errorf("provider %q already registered", p.Name)
	}
	r.providers[p.Name] = p
	return nil
}

// Discover scans providersDir for providers with manifest.yaml and validates
// them. Invalid providers are logged but not fatal.
func Discover(providersDir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoot, err := filepath.Abs(strings.TrimSpace(providersDir))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve providers dir %q: %w", providersDir, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("providers dir does not exist: %s", absRoot)
		}
		return nil, fmt.Errorf("failed to stat providers dir %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("providers dir is not a directory: %s", absRoot)
	}

	registry := NewRegistry()
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		providerPath := filepath.Dir(path)
		p, err := loadProvider(providerPath)
		if err != nil {
			logger("warn", "failed to load provider", "path", providerPath, "error", err.Error())
			return nil
		}

		if err := registry.Add(p); err != nil {
			if existing, ok := registry.Get(p.Name); ok {
				logger(
					"warn",
					"duplicate provider ignored (keeping first discovered)",
					"provider", p.Name,
					"ignored_path", p.Path,
					"kept_path", existing.Path,
				)
			}
			return nil
		}

		logger("info", "loaded provider", "provider", p.Name, "path", p.Path, "version", p.Version)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan providers dir %s: %w", absRoot, err)
	}

	return registry, nil
}

// loadProvider reads and validates a single provider.
func loadProvider(providerPath string) (*Provider, error) {
	manifestPath := filepath.Join(providerPath, manifestFilename)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypointPath := filepath.Join(providerPath, manifest.Entrypoint)
	if err := validateEntrypoint(entrypointPath, providerPath); err != nil {
		return nil, err
	}

	return &Provider{
		Name:        manifest.Name,
		Path:        providerPath,
		Entrypoint:  entrypointPath,
		Protocol:    manifest.Protocol,
		Version:     manifest.Version,
		Description: manifest.Description,
		Commands:    manifest.Commands,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Protocol != protocol.Version {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, protocol.Version)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Commands) == 0 {
		return fmt.Errorf("at least one command must be declared")
	}

	validCommands := map[string]bool{"start": true, "stop": true, "rebuild": true, "status": true}
	for _, cmd := range m.Commands {
		if cmd.Name == "" {
			return fmt.Errorf("command name is required")
		}
		if !validCommands[cmd.Name] {
			return fmt.Errorf("invalid command %q (valid: start, stop, rebuild, status)", cmd.Name)
		}
	}

	return nil
}

// validateEntrypoint checks the entrypoint stays inside the provider
// directory and is executable.
func validateEntrypoint(entrypointPath, providerPath string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedProviderPath, err := filepath.EvalSymlinks(providerPath)
	if err != nil {
		return fmt.Errorf("failed to resolve provider path symlink: %w", err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedProviderPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under provider directory %s", resolvedEntrypoint, resolvedProviderPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	return nil
}
