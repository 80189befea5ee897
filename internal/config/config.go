// Package config provides configuration loading for qualityd.
package config

import (
	"fmt"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Monitor       MonitorConfig       `koanf:"monitor"`
	Executor      ExecutorConfig      `koanf:"executor"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Events        EventsConfig        `koanf:"events"`
	Gates         GatesConfig         `koanf:"gates"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MonitorConfig controls the agent health loop.
type MonitorConfig struct {
	Interval     Duration `koanf:"interval"`
	CheckTimeout Duration `koanf:"check_timeout"`
}

// ExecutorConfig controls task dispatch.
type ExecutorConfig struct {
	// RetryBudget is the number of re-selections after a failed attempt.
	// An explicit zero disables retries; leaving it unset defaults to 1,
	// hence the pointer.
	RetryBudget     *int     `koanf:"retry_budget"`
	DefaultDeadline Duration `koanf:"default_deadline"`
}

// PipelineConfig controls verification runs.
type PipelineConfig struct {
	StepTimeout  Duration `koanf:"step_timeout"`
	DefaultLevel string   `koanf:"default_level"`
}

// EventsConfig controls the event bus and the optional NATS forwarder.
type EventsConfig struct {
	Buffer int        `koanf:"buffer"`
	NATS   NATSConfig `koanf:"nats"`
}

// NATSConfig configures event forwarding to a NATS server for external
// dashboards. Disabled by default; the in-process bus works without it.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Token   Secret `koanf:"token"`
}

// GatesConfig controls quality-gate defaults and the per-team config file.
type GatesConfig struct {
	// ConfigPath points at a yaml file of per-team gate settings, watched
	// for hot reload. Empty disables the watcher.
	ConfigPath string `koanf:"config_path"`

	DefaultThreshold            float64 `koanf:"default_threshold"`
	DefaultHallucinationCeiling float64 `koanf:"default_hallucination_ceiling"`
	DefaultEscalationLevel      float64 `koanf:"default_escalation_level"`
	RollbackEnabled             bool    `koanf:"rollback_enabled"`
}

// ObservabilityConfig controls tracing export.
type ObservabilityConfig struct {
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	Insecure     bool    `koanf:"insecure"`
	SampleRate   float64 `koanf:"sample_rate"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = Duration(30 * time.Second)
	}
	if cfg.Monitor.CheckTimeout == 0 {
		cfg.Monitor.CheckTimeout = Duration(5 * time.Second)
	}

	if cfg.Executor.RetryBudget == nil {
		budget := 1
		cfg.Executor.RetryBudget = &budget
	}
	if cfg.Executor.DefaultDeadline == 0 {
		cfg.Executor.DefaultDeadline = Duration(30 * time.Second)
	}

	if cfg.Pipeline.StepTimeout == 0 {
		cfg.Pipeline.StepTimeout = Duration(30 * time.Second)
	}
	if cfg.Pipeline.DefaultLevel == "" {
		cfg.Pipeline.DefaultLevel = "standard"
	}

	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = 64
	}
	if cfg.Events.NATS.URL == "" {
		cfg.Events.NATS.URL = "nats://localhost:4222"
	}

	if cfg.Gates.DefaultThreshold == 0 {
		cfg.Gates.DefaultThreshold = 0.95
	}
	if cfg.Gates.DefaultHallucinationCeiling == 0 {
		cfg.Gates.DefaultHallucinationCeiling = 0.05
	}
	if cfg.Gates.DefaultEscalationLevel == 0 {
		cfg.Gates.DefaultEscalationLevel = 0.70
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "qualityd"
	}
	if cfg.Observability.SampleRate == 0 {
		cfg.Observability.SampleRate = 1.0
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in [1,65535], got %d", c.Server.Port)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	switch c.Pipeline.DefaultLevel {
	case "basic", "standard", "strict", "critical":
	default:
		return fmt.Errorf("pipeline default_level must be one of basic|standard|strict|critical, got %q",
			c.Pipeline.DefaultLevel)
	}

	if b := c.Executor.RetryBudget; b != nil && *b < 0 {
		return fmt.Errorf("executor retry_budget must be >= 0, got %d", *b)
	}

	if t := c.Gates.DefaultThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("gates default_threshold must be in (0,1], got %f", t)
	}
	if h := c.Gates.DefaultHallucinationCeiling; h <= 0 || h > 1 {
		return fmt.Errorf("gates default_hallucination_ceiling must be in (0,1], got %f", h)
	}
	if e := c.Gates.DefaultEscalationLevel; e <= 0 || e > 1 {
		return fmt.Errorf("gates default_escalation_level must be in (0,1], got %f", e)
	}
	if c.Gates.DefaultEscalationLevel > c.Gates.DefaultThreshold {
		return fmt.Errorf("gates default_escalation_level (%f) must not exceed default_threshold (%f)",
			c.Gates.DefaultEscalationLevel, c.Gates.DefaultThreshold)
	}

	if r := c.Observability.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability sample_rate must be in [0,1], got %f", r)
	}

	return nil
}
