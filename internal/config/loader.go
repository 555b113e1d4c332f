package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses the agent configuration from a file. Values like
// ${VAR} are expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyDefaults(cfg)

	// When the config is guarded by a checksums manifest, tampering fails
	// the load. An absent manifest just means verification is off.
	if err := VerifyConfigFile(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $DEVPOD_CONFIG, ~/.config/devpod/config.yaml,
// /etc/devpod/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("DEVPOD_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".config", "devpod", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath, nil
		}
	}

	systemPath := "/etc/devpod/config.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath, nil
	}

	legacyPath := "./config.yaml"
	if _, err := os.Stat(legacyPath); err == nil {
		return legacyPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $DEVPOD_CONFIG, ~/.config/devpod/config.yaml, /etc/devpod/config.yaml, ./config.yaml)")
}

func applyDefaults(cfg *Config) {
	def := Defaults()

	if cfg.Agent.Name == "" {
		cfg.Agent.Name = def.Agent.Name
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = def.Agent.LogLevel
	}
	if cfg.Agent.LogFormat == "" {
		cfg.Agent.LogFormat = def.Agent.LogFormat
	}
	if cfg.State.Path == "" {
		cfg.State.Path = def.State.Path
	}
	if cfg.State.LockPath == "" {
		cfg.State.LockPath = cfg.State.Path + ".lock"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.ProvidersDir == "" {
		cfg.ProvidersDir = def.ProvidersDir
	}
	if cfg.Timeouts.Start <= 0 {
		cfg.Timeouts.Start = def.Timeouts.Start
	}
	if cfg.Timeouts.Stop <= 0 {
		cfg.Timeouts.Stop = def.Timeouts.Stop
	}
	if cfg.Timeouts.Rebuild <= 0 {
		cfg.Timeouts.Rebuild = def.Timeouts.Rebuild
	}
	if cfg.Timeouts.Status <= 0 {
		cfg.Timeouts.Status = def.Timeouts.Status
	}
	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = def.Events.BufferSize
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Agent.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("agent.log_level must be one of debug, info, warn, error (got %q)", cfg.Agent.LogLevel)
	}

	switch strings.ToLower(cfg.Agent.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("agent.log_format must be json or text (got %q)", cfg.Agent.LogFormat)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if cfg.API.Auth.APIKey == "" {
			return fmt.Errorf("api.auth.api_key is required when api is enabled")
		}
		if len(cfg.API.Auth.APIKey) < 16 {
			return fmt.Errorf("api.auth.api_key must be at least 16 characters")
		}
	}

	if cfg.ProvidersDir == "" {
		return fmt.Errorf("providers_dir is required")
	}
	return nil
}
