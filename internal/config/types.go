package config

import "time"

// Config represents the complete devpod agent configuration.
type Config struct {
	Agent        AgentConfig    `yaml:"agent"`
	State        StateConfig    `yaml:"state"`
	API          APIConfig      `yaml:"api,omitempty"`
	ProvidersDir string         `yaml:"providers_dir"`
	Timeouts     TimeoutsConfig `yaml:"timeouts,omitempty"`
	Events       EventsConfig   `yaml:"events,omitempty"`
}

// AgentConfig defines core agent settings.
type AgentConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path     string `yaml:"path"`
	LockPath string `yaml:"lock_path,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// TimeoutsConfig defines per-command provider timeouts.
type TimeoutsConfig struct {
	Start   time.Duration `yaml:"start"`
	Stop    time.Duration `yaml:"stop"`
	Rebuild time.Duration `yaml:"rebuild"`
	Status  time.Duration `yaml:"status"`
}

// EventsConfig defines the in-memory event hub settings.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:      "devpod-agent",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:7070",
		},
		ProvidersDir: "./providers",
		Timeouts: TimeoutsConfig{
			Start:   10 * time.Minute,
			Stop:    2 * time.Minute,
			Rebuild: 15 * time.Minute,
			Status:  15 * time.Second,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
	}
}
