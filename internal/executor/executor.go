// Package executor dispatches tasks to selected agents under a deadline,
// feeds outcomes back into health records, and retries transient failures
// against a different agent.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/agent"
	"github.com/silhouettelabs/qualityd/internal/registry"
	"github.com/silhouettelabs/qualityd/internal/selector"
)

const instrumentationName = "github.com/silhouettelabs/qualityd/internal/executor"

// Errors for task execution.
var (
	// ErrTaskTimeout marks an attempt that exceeded the task deadline.
	ErrTaskTimeout = errors.New("task deadline exceeded")

	// ErrTaskExecution marks an attempt that failed for any other reason.
	ErrTaskExecution = errors.New("task execution failed")
)

// Config controls executor behavior.
type Config struct {
	// RetryBudget is the number of re-selections after the first failed
	// attempt. Retrying is always safe: verification and detection tasks
	// are idempotent from the caller's perspective.
	RetryBudget int

	// DefaultDeadline applies when a task carries none.
	DefaultDeadline time.Duration
}

// Executor runs tasks against the agent pool.
type Executor struct {
	selector *selector.Selector
	registry *registry.Registry
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
}

// New creates an executor.
func New(sel *selector.Selector, reg *registry.Registry, cfg Config, logger *zap.Logger) *Executor {
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		selector: sel,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  NewMetrics(),
	}
}

// Execute resolves an agent for the task, invokes it under the task
// deadline, and records the outcome in the agent's health record. On
// failure or timeout it re-selects, excluding the agent that just failed,
// until the retry budget is spent. The returned error wraps
// selector.ErrNoAgentAvailable, ErrTaskTimeout, or ErrTaskExecution so
// callers can branch on the class of failure.
func (e *Executor) Execute(ctx context.Context, task agent.Task) (*agent.Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", string(task.Type)),
		))
	defer span.End()

	deadline := task.Deadline
	if deadline <= 0 {
		deadline = e.cfg.DefaultDeadline
	}

	exclude := make(map[string]struct{})
	attempts := e.cfg.RetryBudget + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		desc, err := e.selector.SelectBest(task.Type, exclude)
		if err != nil {
			if lastErr != nil {
				// A retry found the pool exhausted; report the original
				// failure rather than the empty-pool condition.
				return nil, lastErr
			}
			return nil, err
		}

		res, err := e.attempt(ctx, desc, task, deadline)
		if err == nil {
			span.SetAttributes(attribute.String("agent.id", desc.ID))
			return res, nil
		}

		lastErr = err
		exclude[desc.ID] = struct{}{}
		e.logger.Warn("task attempt failed",
			zap.String("task_id", task.ID),
			zap.String("agent_id", desc.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, lastErr
}

// attempt runs one invocation against one agent and updates its health
// record with the outcome.
func (e *Executor) attempt(ctx context.Context, desc *registry.Descriptor, task agent.Task, deadline time.Duration) (*agent.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	e.registry.IncInFlight(desc.ID)
	start := time.Now()
	res, err := desc.Agent.Execute(attemptCtx, task)
	observed := time.Since(start)
	e.registry.DecInFlight(desc.ID)

	if err != nil {
		e.registry.RecordFailure(desc.ID, observed)
		e.metrics.ObserveTask(string(task.Type), "failure", observed)
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() != nil {
			return nil, fmt.Errorf("%w: agent %s after %s", ErrTaskTimeout, desc.ID, observed)
		}
		return nil, fmt.Errorf("%w: agent %s: %v", ErrTaskExecution, desc.ID, err)
	}

	e.registry.RecordSuccess(desc.ID, observed)
	e.metrics.ObserveTask(string(task.Type), "success", observed)
	res.AgentID = desc.ID
	res.Duration = observed
	return res, nil
}
