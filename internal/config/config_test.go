package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEBUG", "")
	t.Setenv("DISABLE_WORKTREE_ISOLATION", "")
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(3), cfg.Supervisor.Concurrency)
	assert.True(t, cfg.Supervisor.WorktreeIsolation)
	assert.Equal(t, "HEAD", cfg.Supervisor.DefaultBaseBranch)
	assert.Equal(t, 200_000, cfg.Supervisor.DefaultModelLimit)
	assert.Equal(t, "agentz", cfg.Worktree.Product)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 9494, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9494", cfg.Server.Addr())
}

func TestLoad_EnvVarOverride(t *testing.T) {
	t.Setenv("AGENTZ_SUPERVISOR_CONCURRENCY", "7")
	t.Setenv("AGENTZ_SERVER_PORT", "8080")
	t.Setenv("AGENTZ_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.Supervisor.Concurrency)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_ConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("supervisor:\n  concurrency: 9\nserver:\n  port: 1234\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(9), cfg.Supervisor.Concurrency)
	assert.Equal(t, 1234, cfg.Server.Port)
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("supervisor:\n  concurrency: 9\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o644))
	t.Setenv("AGENTZ_SUPERVISOR_CONCURRENCY", "42")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.Supervisor.Concurrency, "env vars must win over the config file")
}

func TestLoad_DisableWorktreeIsolationRawEnvVar(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("DISABLE_WORKTREE_ISOLATION", v)
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)
			assert.False(t, cfg.Supervisor.WorktreeIsolation)
		})
	}
}

func TestLoad_DisableWorktreeIsolationUnsetLeavesDefaultOn(t *testing.T) {
	t.Setenv("DISABLE_WORKTREE_ISOLATION", "")
	os.Unsetenv("DISABLE_WORKTREE_ISOLATION")
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.Supervisor.WorktreeIsolation)
}

func TestDebug_RawEnvVar(t *testing.T) {
	t.Setenv("DEBUG", "true")
	assert.True(t, Debug())

	t.Setenv("DEBUG", "")
	assert.False(t, Debug())

	t.Setenv("DEBUG", "0")
	assert.False(t, Debug())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "non-positive concurrency",
			mutate:  func(c *Config) { c.Supervisor.Concurrency = 0 },
			wantErr: "concurrency",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "bad logging level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)
			tc.mutate(cfg)
			err = validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDetectDefaultLogFormat(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("AGENTZ_ENV", "")
	os.Unsetenv("KUBERNETES_SERVICE_HOST")
	os.Unsetenv("AGENTZ_ENV")
	assert.Equal(t, "console", detectDefaultLogFormat())

	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	assert.Equal(t, "json", detectDefaultLogFormat())
	os.Unsetenv("KUBERNETES_SERVICE_HOST")

	t.Setenv("AGENTZ_ENV", "production")
	assert.Equal(t, "json", detectDefaultLogFormat())
}
