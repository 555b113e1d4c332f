package provider

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Command declares a supported provider command and whether it emits
// progress events on stdout while running.
type Command struct {
	Name        string `yaml:"name"`
	Streaming   bool   `yaml:"streaming,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Commands is a list of supported commands.
//
// Accepted manifest formats:
//   - plain string array: commands: [start, stop, status]
//   - object array: commands: [{name: start, streaming: true}, {name: status}]
type Commands []Command

func (c *Commands) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*c = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("commands must be a sequence")
	}

	out := make([]Command, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Command{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp Command
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid command object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid command entry (must be string or object)")
		}
	}

	*c = out
	return nil
}

// Manifest defines the structure of a provider's manifest.yaml file.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Protocol    int      `yaml:"protocol"`
	Entrypoint  string   `yaml:"entrypoint"`
	Description string   `yaml:"description,omitempty"`
	Commands    Commands `yaml:"commands"`
}

// Provider represents a discovered and validated provider.
type Provider struct {
	Name        string   // Provider name from manifest
	Path        string   // Absolute path to provider directory
	Entrypoint  string   // Absolute path to entrypoint executable
	Protocol    int      // Protocol version
	Version     string   // Provider version
	Description string   // Human-readable description
	Commands    Commands // Supported commands (start, stop, rebuild, status)
}

// SupportsCommand checks if the provider supports a given command.
func (p *Provider) SupportsCommand(cmd string) bool {
	for _, c := range p.Commands {
		if c.Name == cmd {
			return true
		}
	}
	return false
}

// IsStreaming reports whether a command emits progress events.
func (p *Provider) IsStreaming(cmd string) bool {
	for _, c := range p.Commands {
		if c.Name == cmd {
			return c.Streaming
		}
	}
	return false
}
