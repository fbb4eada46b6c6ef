// Package sdkmcp implements the SDK MCP adapter (spec §4.3.d): a
// QA-oriented variant that discovers its tool schema dynamically from a
// configured set of remote MCP servers rather than a fixed tool list.
package sdkmcp

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultConfigPath is the well-known location read unless overridden
// by the environment (spec §4.3.d).
const defaultConfigPath = "/etc/agentz/mcp-servers.yaml"

// configPathEnvVar overrides defaultConfigPath.
const configPathEnvVar = "AGENTZ_MCP_CONFIG"

// ServerConfig describes one configured MCP server.
type ServerConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Transport string            `yaml:"transport" json:"transport"` // stdio | sse | http
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	OAuth     bool              `yaml:"oauth,omitempty" json:"oauth,omitempty"`
}

// Config is the top-level MCP server configuration file shape.
type Config struct {
	Servers []ServerConfig `yaml:"servers" json:"servers"`
}

// LoadConfig reads the MCP server configuration from the well-known
// path, or the path named by AGENTZ_MCP_CONFIG if set.
func LoadConfig() (*Config, error) {
	path := os.Getenv(configPathEnvVar)
	if path == "" {
		path = defaultConfigPath
	}
	return loadConfigFrom(path)
}

func loadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sdkmcp: read config %s: %w", path, err)
	}

	var cfg Config
	switch {
	case hasJSONExt(path):
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("sdkmcp: parse json config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("sdkmcp: parse yaml config: %w", err)
		}
	}
	return &cfg, nil
}

func hasJSONExt(path string) bool {
	return len(path) >= 5 && path[len(path)-5:] == ".json"
}
