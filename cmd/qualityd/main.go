// Command qualityd runs the agent orchestration and quality verification
// daemon: an agent registry with health monitoring, a scored selector, a
// leveled verification pipeline, and per-team quality gates behind an HTTP
// API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/agent"
	"github.com/silhouettelabs/qualityd/internal/config"
	"github.com/silhouettelabs/qualityd/internal/events"
	"github.com/silhouettelabs/qualityd/internal/executor"
	httpapi "github.com/silhouettelabs/qualityd/internal/http"
	"github.com/silhouettelabs/qualityd/internal/logging"
	"github.com/silhouettelabs/qualityd/internal/orchestrator"
	"github.com/silhouettelabs/qualityd/internal/pipeline"
	"github.com/silhouettelabs/qualityd/internal/quality"
	"github.com/silhouettelabs/qualityd/internal/registry"
	"github.com/silhouettelabs/qualityd/internal/selector"
	"github.com/silhouettelabs/qualityd/internal/telemetry"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "qualityd",
		Short:         "Agent orchestration and quality verification daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serve)

	gates := &cobra.Command{
		Use:   "gates",
		Short: "Print the effective quality gate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGates(cmd, configPath)
		},
	}
	root.AddCommand(gates)

	return root
}

// runGates resolves the gate configuration exactly as serve would (config
// defaults plus the per-team gates file, when configured) and prints it.
func runGates(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	defaults := quality.GateConfig{
		Enabled:              true,
		Threshold:            cfg.Gates.DefaultThreshold,
		HallucinationCeiling: cfg.Gates.DefaultHallucinationCeiling,
		EscalationLevel:      cfg.Gates.DefaultEscalationLevel,
		RollbackEnabled:      cfg.Gates.RollbackEnabled,
		AutoVerification:     true,
	}
	coord := quality.NewCoordinator(defaults, nil, nil, zap.NewNop())

	if cfg.Gates.ConfigPath != "" {
		teams, err := quality.LoadGateFile(cfg.Gates.ConfigPath)
		if err != nil {
			return err
		}
		coord.ReplaceAll(teams)
	}

	out := struct {
		Default quality.GateConfig            `json:"default"`
		Teams   map[string]quality.GateConfig `json:"teams"`
	}{
		Default: coord.TeamConfig(""),
		Teams:   coord.Teams(),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runServe(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	bus := events.NewBus(cfg.Events.Buffer, logger)
	bus.Start()
	defer bus.Close()

	if cfg.Events.NATS.Enabled {
		forwarder, err := events.Connect(cfg.Events.NATS.URL, cfg.Events.NATS.Token.Value(), logger)
		if err != nil {
			return fmt.Errorf("nats forwarder: %w", err)
		}
		forwarder.Attach(bus)
		defer forwarder.Close()
	}

	reg := registry.New(logger)
	if err := registerAgents(reg); err != nil {
		return fmt.Errorf("registering agents: %w", err)
	}
	if err := reg.InitializeAll(ctx); err != nil {
		return fmt.Errorf("initializing agents: %w", err)
	}

	monitor := registry.NewMonitor(reg, registry.MonitorConfig{
		Interval:     cfg.Monitor.Interval.Duration(),
		CheckTimeout: cfg.Monitor.CheckTimeout.Duration(),
	}, bus, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	sel := selector.New(reg, nil)
	exec := executor.New(sel, reg, executor.Config{
		RetryBudget:     *cfg.Executor.RetryBudget,
		DefaultDeadline: cfg.Executor.DefaultDeadline.Duration(),
	}, logger)
	pipe := pipeline.New(exec, pipeline.Config{
		StepTimeout:  cfg.Pipeline.StepTimeout.Duration(),
		DefaultLevel: pipeline.Level(cfg.Pipeline.DefaultLevel),
	}, logger)

	coord := quality.NewCoordinator(quality.GateConfig{
		Enabled:              true,
		Threshold:            cfg.Gates.DefaultThreshold,
		HallucinationCeiling: cfg.Gates.DefaultHallucinationCeiling,
		EscalationLevel:      cfg.Gates.DefaultEscalationLevel,
		RollbackEnabled:      cfg.Gates.RollbackEnabled,
		AutoVerification:     true,
	}, loggingRollback(logger), bus, logger)

	if cfg.Gates.ConfigPath != "" {
		watcher, err := quality.NewConfigWatcher(cfg.Gates.ConfigPath, coord, logger)
		if err != nil {
			return fmt.Errorf("gate config watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("gate config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	orch := orchestrator.New(reg, pipe, coord, logger)

	srv, err := httpapi.NewServer(orch, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("qualityd started",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("monitor_interval", cfg.Monitor.Interval.Duration()))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// registerAgents installs the built-in agent roster. Verification and
// detection are mandatory: the pipeline cannot produce a meaningful
// verdict without them. The rest degrade gracefully when absent.
func registerAgents(reg *registry.Registry) error {
	descriptors := []*registry.Descriptor{
		{
			ID:             "info-verifier",
			Name:           "Information Verifier",
			Capability:     agent.CapabilityVerification,
			MaxConcurrency: 4,
			Mandatory:      true,
			Agent:          agent.NewInformationVerifier(),
		},
		{
			ID:             "fact-checker",
			Name:           "Fact Checker",
			Capability:     agent.CapabilityVerification,
			MaxConcurrency: 4,
			Agent:          agent.NewFactChecker(),
		},
		{
			ID:             "cross-referencer",
			Name:           "Cross Referencer",
			Capability:     agent.CapabilityVerification,
			Weight:         1.5,
			MaxConcurrency: 2,
			Agent:          agent.NewCrossReference(),
		},
		{
			ID:             "hallucination-detector",
			Name:           "Hallucination Detector",
			Capability:     agent.CapabilityDetection,
			MaxConcurrency: 4,
			Mandatory:      true,
			Agent:          agent.NewHallucinationDetector(),
		},
		{
			ID:             "reasoning-engine",
			Name:           "Reasoning Engine",
			Capability:     agent.CapabilityReasoning,
			MaxConcurrency: 2,
			Agent:          agent.NewReasoningEngine(),
		},
		{
			ID:             "gate-keeper",
			Name:           "Gate Keeper",
			Capability:     agent.CapabilityQualityGate,
			MaxConcurrency: 4,
			Agent:          agent.NewGateKeeper(),
		},
	}

	for _, desc := range descriptors {
		if err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

// loggingRollback is the default rollback hook: it records the signal and
// succeeds. Deployments integrate their own collaborator by replacing it.
func loggingRollback(logger *zap.Logger) quality.RollbackFunc {
	return func(ctx context.Context, team string, snapshot *pipeline.VerificationResult) error {
		operationID := ""
		if snapshot != nil {
			operationID = snapshot.OperationID
		}
		logger.Warn("rollback signaled",
			zap.String("team", team),
			zap.String("operation_id", operationID))
		return nil
	}
}
