// Package config provides layered configuration for agentz: defaults,
// then a config.yaml (if present), then AGENTZ_-prefixed environment
// variables, in that order (spec §9 AMBIENT STACK).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every configuration section agentz reads at startup.
type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Store      StoreConfig      `mapstructure:"store"`
	Security   SecurityConfig   `mapstructure:"security"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Server     ServerConfig     `mapstructure:"server"`
}

// SupervisorConfig maps onto supervisor.Config (spec §2, §4.1).
type SupervisorConfig struct {
	Concurrency       int64          `mapstructure:"concurrency"`
	WorktreeIsolation bool           `mapstructure:"worktreeIsolation"`
	DefaultBaseBranch string         `mapstructure:"defaultBaseBranch"`
	DefaultModelLimit int            `mapstructure:"defaultModelLimit"`
	ModelLimits       map[string]int `mapstructure:"modelLimits"`
}

// WorktreeConfig controls git worktree isolation (spec §4.6). Worktrees
// and their branch names live under each repo root itself
// (`<repo>/.<product>/worktrees`, spec §6) rather than a separate base
// path, so the only settings here are the ones worktree.Config takes.
type WorktreeConfig struct {
	Product string `mapstructure:"product"`
}

// StreamConfig controls where the append-only NDJSON event log lives
// (spec §4.4, §6): `<root>/.<product>/streams/...`.
type StreamConfig struct {
	Root string `mapstructure:"root"`
}

// StoreConfig controls session snapshot persistence (spec §4.5).
type StoreConfig struct {
	Dir string `mapstructure:"dir"`
}

// SecurityConfig holds security settings (spec §4.8). AllowedCommands is
// loaded but not read by internal/security, whose command denylist is
// fixed.
type SecurityConfig struct {
	AllowedCommands []string `mapstructure:"allowedCommands"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// LoggingConfig controls the zap-backed process logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig controls the optional cross-process event bus. An empty
// URL means use the in-process MemoryBus instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ServerConfig controls cmd/agentz's control-plane listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.concurrency", 3)
	v.SetDefault("supervisor.worktreeIsolation", true)
	v.SetDefault("supervisor.defaultBaseBranch", "HEAD")
	v.SetDefault("supervisor.defaultModelLimit", 200_000)

	v.SetDefault("worktree.product", "agentz")

	v.SetDefault("stream.root", ".")
	v.SetDefault("store.dir", "~/.agentz/store")

	v.SetDefault("security.allowedCommands", []string{})

	v.SetDefault("tracing.otlpEndpoint", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentz")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9494)
}

// detectDefaultLogFormat follows the teacher's console-in-dev,
// json-in-production convention.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTZ_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// Load reads configuration from defaults, config.yaml (cwd or
// /etc/agentz/), and AGENTZ_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra search path for config.yaml,
// checked before the defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentz/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if disable, ok := os.LookupEnv("DISABLE_WORKTREE_ISOLATION"); ok && truthy(disable) {
		cfg.Supervisor.WorktreeIsolation = false
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// Debug reports whether the raw DEBUG env var is set to a truthy value
// (spec §9: kept as a direct os.Getenv read like DISABLE_WORKTREE_ISOLATION,
// independent of the viper layer, since it's checked before logging —
// and therefore before config — is fully initialized in cmd/agentz).
func Debug() bool {
	return truthy(os.Getenv("DEBUG"))
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Supervisor.Concurrency <= 0 {
		errs = append(errs, "supervisor.concurrency must be positive")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
