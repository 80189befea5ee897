package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupHome points HOME at a temp dir so the default config path and the
// allowed-directory check both resolve inside the test sandbox.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "qualityd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile_Defaults(t *testing.T) {
	setupHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval.Duration())
	assert.Equal(t, 5*time.Second, cfg.Monitor.CheckTimeout.Duration())
	require.NotNil(t, cfg.Executor.RetryBudget)
	assert.Equal(t, 1, *cfg.Executor.RetryBudget)
	assert.Equal(t, "standard", cfg.Pipeline.DefaultLevel)
	assert.Equal(t, 0.95, cfg.Gates.DefaultThreshold)
	assert.Equal(t, 0.05, cfg.Gates.DefaultHallucinationCeiling)
	assert.Equal(t, 0.70, cfg.Gates.DefaultEscalationLevel)
	assert.Equal(t, "qualityd", cfg.Observability.ServiceName)
	assert.False(t, cfg.Events.NATS.Enabled)
}

func TestLoadWithFile_YAMLValues(t *testing.T) {
	dir := setupHome(t)
	path := writeConfig(t, dir, `
server:
  port: 8088
monitor:
  interval: 10s
pipeline:
  default_level: strict
gates:
  default_threshold: 0.9
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval.Duration())
	assert.Equal(t, "strict", cfg.Pipeline.DefaultLevel)
	assert.Equal(t, 0.9, cfg.Gates.DefaultThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Monitor.CheckTimeout.Duration())
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := setupHome(t)
	path := writeConfig(t, dir, "server:\n  port: 8088\n", 0600)
	t.Setenv("SERVER_PORT", "7001")
	t.Setenv("MONITOR_CHECK_TIMEOUT", "2s")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Monitor.CheckTimeout.Duration())
}

func TestLoadWithFile_ExplicitZeroRetryBudget(t *testing.T) {
	dir := setupHome(t)
	path := writeConfig(t, dir, "executor:\n  retry_budget: 0\n", 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	// An explicit zero means "no retries" and must survive defaulting.
	require.NotNil(t, cfg.Executor.RetryBudget)
	assert.Equal(t, 0, *cfg.Executor.RetryBudget)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	dir := setupHome(t)
	path := writeConfig(t, dir, "server:\n  port: 8088\n", 0644)

	_, err := LoadWithFile(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("server:\n  port: 1\n"), 0600))

	_, err := LoadWithFile(outside)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := base()
		cfg.Server.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad logging format", func(t *testing.T) {
		cfg := base()
		cfg.Logging.Format = "xml"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad pipeline level", func(t *testing.T) {
		cfg := base()
		cfg.Pipeline.DefaultLevel = "paranoid"
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative retry budget", func(t *testing.T) {
		cfg := base()
		budget := -1
		cfg.Executor.RetryBudget = &budget
		assert.Error(t, cfg.Validate())
	})

	t.Run("threshold out of range", func(t *testing.T) {
		cfg := base()
		cfg.Gates.DefaultThreshold = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("escalation above threshold", func(t *testing.T) {
		cfg := base()
		cfg.Gates.DefaultEscalationLevel = 0.99
		assert.Error(t, cfg.Validate())
	})

	t.Run("sample rate out of range", func(t *testing.T) {
		cfg := base()
		cfg.Observability.SampleRate = 1.5
		assert.Error(t, cfg.Validate())
	})
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("250ms")))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var empty Secret
	assert.False(t, empty.IsSet())
	assert.Equal(t, "", empty.String())
}
