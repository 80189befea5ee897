package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/agent"
	"github.com/silhouettelabs/qualityd/internal/selector"
)

const instrumentationName = "github.com/silhouettelabs/qualityd/internal/pipeline"

// TaskRunner dispatches one task to an agent. Satisfied by
// executor.Executor; tests substitute fakes.
type TaskRunner interface {
	Execute(ctx context.Context, task agent.Task) (*agent.Result, error)
}

// StepDef is a static step definition. MinLevel is the lowest pipeline
// level that includes the step; DependsOn names a step that must complete
// first, or is empty for independent steps.
type StepDef struct {
	Name       string
	Capability agent.Capability
	Weight     float64
	DependsOn  string
	MinLevel   Level
}

// StepDefs lists every known step. Cross-referencing is weighted above
// the rest: agreement with external sources is the strongest evidence
// the pipeline collects.
var StepDefs = []StepDef{
	{Name: "information_verification", Capability: agent.CapabilityVerification, Weight: 1.0, MinLevel: LevelBasic},
	{Name: "hallucination_detection", Capability: agent.CapabilityDetection, Weight: 1.0, MinLevel: LevelStandard},
	{Name: "fact_check", Capability: agent.CapabilityVerification, Weight: 1.0, MinLevel: LevelStandard},
	{Name: "cross_reference", Capability: agent.CapabilityVerification, Weight: 1.5, DependsOn: "information_verification", MinLevel: LevelStrict},
	{Name: "reasoning", Capability: agent.CapabilityReasoning, Weight: 1.0, MinLevel: LevelCritical},
}

// Aggregation penalties. Applied multiplicatively after the weighted
// average, so they can only lower confidence, never raise it.
const (
	failedStepPenalty    = 0.9
	criticalIssuePenalty = 0.8
)

// Config controls pipeline behavior.
type Config struct {
	// StepTimeout bounds each step's agent invocation. Defaults to 30s.
	StepTimeout time.Duration

	// DefaultLevel applies when an input carries no level. Defaults to
	// standard.
	DefaultLevel Level
}

// Pipeline runs leveled verification.
type Pipeline struct {
	runner  TaskRunner
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

// New creates a pipeline over the given task runner.
func New(runner TaskRunner, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = LevelStandard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		metrics: NewMetrics(),
	}
}

// StepsFor returns the step definitions included at the given level, in
// definition order.
func StepsFor(level Level) []StepDef {
	out := make([]StepDef, 0, len(StepDefs))
	for _, def := range StepDefs {
		if def.MinLevel.rank() <= level.rank() {
			out = append(out, def)
		}
	}
	return out
}

// Verify runs the pipeline for the input's level and aggregates the step
// outcomes into one result. Independent steps run concurrently; a step
// whose dependency did not complete is skipped, not failed. Verify always
// returns a result: step errors are folded into it rather than aborting
// the run.
func (p *Pipeline) Verify(ctx context.Context, in Input) (*VerificationResult, error) {
	level := in.Level
	if level == "" {
		level = p.cfg.DefaultLevel
	}
	if !level.Valid() {
		return nil, fmt.Errorf("unknown verification level %q", level)
	}

	operationID := uuid.NewString()
	ctx, span := p.tracer.Start(ctx, "pipeline.Verify",
		trace.WithAttributes(
			attribute.String("operation.id", operationID),
			attribute.String("verification.level", string(level)),
		))
	defer span.End()

	start := time.Now()
	defs := StepsFor(level)
	outcomes := make(map[string]*StepOutcome, len(defs))

	// First wave: every step without a dependency, concurrently.
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, def := range defs {
		if def.DependsOn != "" {
			continue
		}
		wg.Add(1)
		go func(def StepDef) {
			defer wg.Done()
			out := p.runStep(ctx, def, in)
			mu.Lock()
			outcomes[def.Name] = out
			mu.Unlock()
		}(def)
	}
	wg.Wait()

	// Second wave: dependent steps, gated on their dependency's outcome.
	for _, def := range defs {
		if def.DependsOn == "" {
			continue
		}
		wg.Add(1)
		go func(def StepDef) {
			defer wg.Done()
			mu.Lock()
			dep := outcomes[def.DependsOn]
			mu.Unlock()
			var out *StepOutcome
			if dep == nil || dep.Status != StepCompleted {
				out = &StepOutcome{
					Name:   def.Name,
					Status: StepSkipped,
					Error:  fmt.Sprintf("dependency %s did not complete", def.DependsOn),
				}
			} else {
				out = p.runStep(ctx, def, in)
			}
			mu.Lock()
			outcomes[def.Name] = out
			mu.Unlock()
		}(def)
	}
	wg.Wait()

	res := p.aggregate(operationID, level, defs, outcomes)
	res.Duration = time.Since(start)
	res.Timestamp = time.Now()

	outcome := "invalid"
	if res.Valid {
		outcome = "valid"
	}
	p.metrics.ObserveVerification(string(level), outcome, res.Duration)
	span.SetAttributes(
		attribute.Bool("verification.valid", res.Valid),
		attribute.Float64("verification.confidence", res.Confidence),
	)
	p.logger.Debug("verification completed",
		zap.String("operation_id", operationID),
		zap.String("level", string(level)),
		zap.Bool("valid", res.Valid),
		zap.Float64("confidence", res.Confidence))
	return res, nil
}

// runStep dispatches one step to an agent and maps the result or error
// into a step outcome.
func (p *Pipeline) runStep(ctx context.Context, def StepDef, in Input) *StepOutcome {
	task := agent.Task{
		ID:       uuid.NewString(),
		Type:     def.Capability,
		Content:  in.Content,
		Context:  in.Context,
		Deadline: p.cfg.StepTimeout,
	}

	start := time.Now()
	res, err := p.runner.Execute(ctx, task)
	if err != nil {
		out := &StepOutcome{
			Name:     def.Name,
			Duration: time.Since(start),
			Error:    err.Error(),
		}
		// An empty capability pool degrades the step, it does not fail
		// the content under test.
		if isNoAgent(err) {
			out.Status = StepSkipped
		} else {
			out.Status = StepFailed
		}
		return out
	}

	return &StepOutcome{
		Name:                     def.Name,
		Status:                   StepCompleted,
		AgentID:                  res.AgentID,
		Valid:                    res.Valid,
		Confidence:               res.Confidence,
		HallucinationProbability: res.HallucinationProbability,
		Issues:                   res.Issues,
		Sources:                  res.Sources,
		Duration:                 res.Duration,
	}
}

// aggregate folds step outcomes into one verdict: a weighted average of
// completed steps' confidence, capped at the average of the steps that
// agreed when any step contradicts, then multiplicative penalties for
// failed steps and critical findings.
func (p *Pipeline) aggregate(operationID string, level Level, defs []StepDef, outcomes map[string]*StepOutcome) *VerificationResult {
	res := &VerificationResult{
		OperationID: operationID,
		Level:       level,
		Valid:       true,
	}

	var weightedSum, weightTotal float64
	var agreedSum, agreedWeight float64
	failedSteps, invalidSteps := 0, 0
	seenSources := make(map[string]struct{})

	for _, def := range defs {
		out := outcomes[def.Name]
		if out == nil {
			continue
		}
		res.Steps = append(res.Steps, *out)

		switch out.Status {
		case StepCompleted:
			weightedSum += out.Confidence * def.Weight
			weightTotal += def.Weight
			if out.Valid {
				agreedSum += out.Confidence * def.Weight
				agreedWeight += def.Weight
			} else {
				res.Valid = false
				invalidSteps++
				res.Issues = append(res.Issues, Issue{
					Step:        def.Name,
					Severity:    SeverityCritical,
					Description: "content flagged invalid",
				})
			}
			for _, iss := range out.Issues {
				res.Issues = append(res.Issues, Issue{
					Step:        def.Name,
					Severity:    SeverityWarning,
					Description: iss,
				})
			}
			for _, src := range out.Sources {
				if _, dup := seenSources[src]; !dup {
					seenSources[src] = struct{}{}
					res.Sources = append(res.Sources, src)
				}
			}
			if out.HallucinationProbability > res.HallucinationProbability {
				res.HallucinationProbability = out.HallucinationProbability
			}
		case StepFailed:
			res.Valid = false
			failedSteps++
			res.Issues = append(res.Issues, Issue{
				Step:        def.Name,
				Severity:    SeverityCritical,
				Description: out.Error,
			})
		case StepSkipped:
			res.Issues = append(res.Issues, Issue{
				Step:        def.Name,
				Severity:    SeverityInfo,
				Description: "step skipped: " + out.Error,
			})
		}
	}

	if weightTotal > 0 {
		res.Confidence = weightedSum / weightTotal
		// A contradicting step may dilute the aggregate but never raise
		// it above what the agreeing steps alone support; the penalty
		// below then pushes it strictly lower.
		if invalidSteps > 0 {
			agreed := 0.0
			if agreedWeight > 0 {
				agreed = agreedSum / agreedWeight
			}
			if agreed < res.Confidence {
				res.Confidence = agreed
			}
		}
	} else {
		res.Valid = false
	}

	for i := 0; i < failedSteps; i++ {
		res.Confidence *= failedStepPenalty
	}
	for i := 0; i < invalidSteps; i++ {
		res.Confidence *= criticalIssuePenalty
	}

	return res
}

// isNoAgent reports whether err stems from an empty capability pool.
func isNoAgent(err error) bool {
	return errors.Is(err, selector.ErrNoAgentAvailable)
}
