// Package orchestrator is the facade tying the agent registry, the
// verification pipeline, and the quality gates into one operation flow.
// Callers submit content once and get back a single integrated verdict.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/pipeline"
	"github.com/silhouettelabs/qualityd/internal/quality"
	"github.com/silhouettelabs/qualityd/internal/registry"
)

const instrumentationName = "github.com/silhouettelabs/qualityd/internal/orchestrator"

// Errors for operation submission.
var (
	ErrEmptyPayload = errors.New("operation payload is empty")
	ErrUnknownLevel = errors.New("unknown verification level")
)

// OperationRequest is one quality operation as submitted by a caller.
type OperationRequest struct {
	// Type is a caller-chosen label for the operation (e.g.
	// "content_verification", "release_note_check"). Informational.
	Type string `json:"type"`

	// Payload is the content under verification.
	Payload string `json:"payload"`

	// Context carries caller-supplied hints (sources, claimed facts)
	// passed through to the agents.
	Context map[string]any `json:"context,omitempty"`

	// Team selects the quality-gate configuration. Empty uses defaults.
	Team string `json:"team,omitempty"`

	// Level selects the verification depth. Empty uses the pipeline
	// default.
	Level pipeline.Level `json:"level,omitempty"`
}

// IntegratedResult is the combined outcome of verification plus gating.
type IntegratedResult struct {
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`

	// Success is true only when verification found the content valid AND
	// every gate passed.
	Success bool `json:"success"`

	Confidence      float64                      `json:"confidence"`
	Verification    *pipeline.VerificationResult `json:"verification"`
	Gate            *pipeline.QualityGateResult  `json:"gate"`
	Recommendations []string                     `json:"recommendations,omitempty"`
	Duration        time.Duration                `json:"duration"`
	Timestamp       time.Time                    `json:"timestamp"`
}

// AgentStatus is one agent's entry in the status snapshot.
type AgentStatus struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Capability     string                `json:"capability"`
	Health         registry.HealthRecord `json:"health"`
	MaxConcurrency int                   `json:"max_concurrency"`

	// Utilization is InFlight over MaxConcurrency, in [0,1].
	Utilization float64 `json:"utilization"`
}

// Orchestrator wires the subsystems together.
type Orchestrator struct {
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	quality  *quality.Coordinator
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates an orchestrator over already-constructed subsystems.
func New(reg *registry.Registry, pipe *pipeline.Pipeline, coord *quality.Coordinator, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: reg,
		pipeline: pipe,
		quality:  coord,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// SubmitQualityOperation verifies the payload at the requested level, then
// evaluates the result against the team's quality gates. The operation
// fails with an error only on invalid input or a failed rollback hook;
// content that merely fails verification or gating comes back as a normal
// result with Success false.
func (o *Orchestrator) SubmitQualityOperation(ctx context.Context, req OperationRequest) (*IntegratedResult, error) {
	if req.Payload == "" {
		return nil, ErrEmptyPayload
	}
	if req.Level != "" && !req.Level.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLevel, req.Level)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.SubmitQualityOperation",
		trace.WithAttributes(
			attribute.String("operation.type", req.Type),
			attribute.String("operation.team", req.Team),
		))
	defer span.End()

	start := time.Now()
	verification, err := o.pipeline.Verify(ctx, pipeline.Input{
		Content: req.Payload,
		Context: req.Context,
		Level:   req.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("verification: %w", err)
	}

	gate, err := o.quality.Evaluate(ctx, req.Team, verification)
	if err != nil {
		return nil, fmt.Errorf("quality gate: %w", err)
	}

	res := &IntegratedResult{
		OperationID:     verification.OperationID,
		Type:            req.Type,
		Success:         verification.Valid && gate.Passed,
		Confidence:      verification.Confidence,
		Verification:    verification,
		Gate:            gate,
		Recommendations: gate.Recommendations,
		Duration:        time.Since(start),
		Timestamp:       time.Now(),
	}

	span.SetAttributes(
		attribute.String("operation.id", res.OperationID),
		attribute.Bool("operation.success", res.Success),
		attribute.Float64("operation.confidence", res.Confidence),
	)
	o.logger.Info("quality operation completed",
		zap.String("operation_id", res.OperationID),
		zap.String("type", req.Type),
		zap.String("team", req.Team),
		zap.Bool("success", res.Success),
		zap.Float64("confidence", res.Confidence),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// AgentStatusSnapshot returns every agent's descriptor summary and current
// health record, in registration order.
func (o *Orchestrator) AgentStatusSnapshot() []AgentStatus {
	descs := o.registry.Descriptors()
	out := make([]AgentStatus, 0, len(descs))
	for _, desc := range descs {
		rec, err := o.registry.Health(desc.ID)
		if err != nil {
			continue
		}
		utilization := 0.0
		if desc.MaxConcurrency > 0 {
			utilization = float64(rec.InFlight) / float64(desc.MaxConcurrency)
		}
		out = append(out, AgentStatus{
			ID:             desc.ID,
			Name:           desc.Name,
			Capability:     string(desc.Capability),
			Health:         rec,
			MaxConcurrency: desc.MaxConcurrency,
			Utilization:    utilization,
		})
	}
	return out
}

// QualityGateStatus returns the effective gate configuration for a team.
func (o *Orchestrator) QualityGateStatus(team string) quality.GateConfig {
	return o.quality.TeamConfig(team)
}

// RestartAgent re-initializes a (typically inactive) agent so it rejoins
// the selection pool.
func (o *Orchestrator) RestartAgent(ctx context.Context, id string) error {
	if err := o.registry.Restart(ctx, id); err != nil {
		return err
	}
	o.logger.Info("agent restart requested", zap.String("agent_id", id))
	return nil
}
