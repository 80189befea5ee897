// Package quality evaluates verification results against per-team quality
// gates and coordinates the consequences: rollback signaling, escalation,
// and gate outcome events.
package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/silhouettelabs/qualityd/internal/events"
	"github.com/silhouettelabs/qualityd/internal/pipeline"
)

// Gate defaults. The escalation level sits well below the pass threshold:
// a gate failure is routine, an escalation means quality collapsed.
const (
	DefaultThreshold            = 0.95
	DefaultHallucinationCeiling = 0.05
	DefaultEscalationLevel      = 0.70
)

// Gate names as they appear in QualityGateResult.Gates.
const (
	GateConfidence     = "confidence"
	GateHallucination  = "hallucination"
	GateCriticalIssues = "critical_issues"
)

// GateConfig is one team's gate thresholds.
type GateConfig struct {
	Enabled              bool    `koanf:"enabled" json:"enabled"`
	Threshold            float64 `koanf:"threshold" json:"threshold"`
	HallucinationCeiling float64 `koanf:"hallucination_ceiling" json:"hallucination_ceiling"`
	AutoVerification     bool    `koanf:"auto_verification" json:"auto_verification"`
	RollbackEnabled      bool    `koanf:"rollback_enabled" json:"rollback_enabled"`
	EscalationLevel      float64 `koanf:"escalation_level" json:"escalation_level"`
}

// DefaultGateConfig returns the stock gate configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Enabled:              true,
		Threshold:            DefaultThreshold,
		HallucinationCeiling: DefaultHallucinationCeiling,
		AutoVerification:     true,
		RollbackEnabled:      false,
		EscalationLevel:      DefaultEscalationLevel,
	}
}

// normalize fills zero-valued thresholds with the defaults so a sparse
// yaml entry behaves sensibly.
func (c GateConfig) normalize() GateConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.HallucinationCeiling <= 0 {
		c.HallucinationCeiling = DefaultHallucinationCeiling
	}
	if c.EscalationLevel <= 0 {
		c.EscalationLevel = DefaultEscalationLevel
	}
	return c
}

// RollbackFunc is the external collaborator's rollback hook. The
// coordinator invokes it when a gate fails for a team with rollback
// enabled; the hook's own failure is fatal for the operation.
type RollbackFunc func(ctx context.Context, team string, snapshot *pipeline.VerificationResult) error

// Coordinator evaluates gates per team.
type Coordinator struct {
	mu       sync.RWMutex
	teams    map[string]GateConfig
	defaults GateConfig

	rollback RollbackFunc
	bus      *events.Bus

	// limiter bounds escalation emission so a flood of failing
	// operations does not bury the alert channel. Escalations over the
	// limit are still logged and counted.
	limiter *rate.Limiter

	logger  *zap.Logger
	metrics *Metrics
}

// NewCoordinator creates a coordinator. rollback and bus may be nil; a nil
// rollback with RollbackEnabled fails gate evaluation for that team.
func NewCoordinator(defaults GateConfig, rollback RollbackFunc, bus *events.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		teams:    make(map[string]GateConfig),
		defaults: defaults.normalize(),
		rollback: rollback,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 10),
		logger:   logger,
		metrics:  NewMetrics(),
	}
}

// SetTeamConfig installs or replaces one team's gate configuration.
func (c *Coordinator) SetTeamConfig(team string, cfg GateConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teams[team] = cfg.normalize()
}

// TeamConfig returns the effective configuration for a team, falling back
// to the defaults for unknown teams.
func (c *Coordinator) TeamConfig(team string) GateConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cfg, ok := c.teams[team]; ok {
		return cfg
	}
	return c.defaults
}

// Teams returns a copy of every explicitly configured team.
func (c *Coordinator) Teams() map[string]GateConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]GateConfig, len(c.teams))
	for team, cfg := range c.teams {
		out[team] = cfg
	}
	return out
}

// ReplaceAll swaps the whole per-team mapping. Used by the config watcher
// on hot reload.
func (c *Coordinator) ReplaceAll(teams map[string]GateConfig) {
	normalized := make(map[string]GateConfig, len(teams))
	for team, cfg := range teams {
		normalized[team] = cfg.normalize()
	}
	c.mu.Lock()
	c.teams = normalized
	c.mu.Unlock()
	c.logger.Info("gate configuration replaced", zap.Int("teams", len(normalized)))
}

// Evaluate checks a verification result against the team's gates. The
// verdict is a strict conjunction: confidence at or above threshold,
// hallucination probability under the ceiling, and no critical issue. A
// nil result fails closed. Returns an error only when a required rollback
// hook fails; a failed gate is a normal, non-error outcome.
func (c *Coordinator) Evaluate(ctx context.Context, team string, res *pipeline.VerificationResult) (*pipeline.QualityGateResult, error) {
	cfg := c.TeamConfig(team)

	out := &pipeline.QualityGateResult{
		Team:      team,
		Timestamp: time.Now(),
	}

	if res == nil {
		// No verification ran; nothing to trust.
		out.Gates = append(out.Gates, pipeline.GateResult{
			Name: GateConfidence, Passed: false, Observed: 0, Threshold: cfg.Threshold,
			Message: "no verification result available",
		})
		out.Recommendations = append(out.Recommendations,
			"no verification result available; rerun with verification enabled")
		c.finish(ctx, cfg, out, nil)
		return out, nil
	}

	out.Confidence = res.Confidence

	if !cfg.Enabled {
		out.Passed = true
		c.finish(ctx, cfg, out, res)
		return out, nil
	}

	criticalIssues := 0
	for _, iss := range res.Issues {
		if iss.Severity == pipeline.SeverityCritical {
			criticalIssues++
		}
	}

	out.Gates = []pipeline.GateResult{
		{
			Name:      GateConfidence,
			Passed:    res.Confidence >= cfg.Threshold,
			Observed:  res.Confidence,
			Threshold: cfg.Threshold,
		},
		{
			Name:      GateHallucination,
			Passed:    res.HallucinationProbability < cfg.HallucinationCeiling,
			Observed:  res.HallucinationProbability,
			Threshold: cfg.HallucinationCeiling,
		},
		{
			Name:      GateCriticalIssues,
			Passed:    criticalIssues == 0,
			Observed:  float64(criticalIssues),
			Threshold: 0,
		},
	}
	for i := range out.Gates {
		out.Gates[i].Message = gateMessage(out.Gates[i])
	}

	out.Passed = true
	for _, g := range out.Gates {
		if !g.Passed {
			out.Passed = false
		}
	}
	out.Recommendations = recommendations(out, res)

	// A rollback failure is fatal for the operation, but escalation and
	// the gate outcome event must still go out: a broken rollback path is
	// exactly when the alert matters most.
	var rollbackErr error
	if !out.Passed && cfg.RollbackEnabled {
		switch {
		case c.rollback == nil:
			rollbackErr = fmt.Errorf("rollback enabled for team %s but no rollback hook configured", team)
		default:
			if err := c.rollback(ctx, team, res); err != nil {
				c.metrics.ObserveRollback(team, false)
				rollbackErr = fmt.Errorf("rollback for team %s: %w", team, err)
			} else {
				out.RolledBack = true
				c.metrics.ObserveRollback(team, true)
				c.logger.Warn("quality gate rollback signaled",
					zap.String("team", team),
					zap.String("operation_id", res.OperationID),
					zap.Float64("confidence", res.Confidence))
			}
		}
	}

	c.finish(ctx, cfg, out, res)
	return out, rollbackErr
}

// finish emits escalation and gate outcome events and records metrics.
// Escalation is independent of rollback: confidence under the escalation
// level always raises the alarm, even after a clean rollback.
func (c *Coordinator) finish(ctx context.Context, cfg GateConfig, out *pipeline.QualityGateResult, res *pipeline.VerificationResult) {
	operationID := ""
	if res != nil {
		operationID = res.OperationID
	}

	if out.Confidence < cfg.EscalationLevel {
		out.Escalated = true
		c.escalate(ctx, out.Team, operationID, out.Confidence, res)
	}

	verdict := "failed"
	if out.Passed {
		verdict = "passed"
	}
	c.metrics.ObserveEvaluation(out.Team, verdict)

	if c.bus != nil {
		if err := c.bus.PublishGateOutcome(ctx, events.GateOutcome{
			Team:        out.Team,
			OperationID: operationID,
			Passed:      out.Passed,
			Confidence:  out.Confidence,
			Timestamp:   out.Timestamp,
		}); err != nil {
			c.logger.Warn("gate outcome publish failed", zap.Error(err))
		}
	}
}

// escalate emits one escalation event, subject to the rate limit.
func (c *Coordinator) escalate(ctx context.Context, team, operationID string, confidence float64, res *pipeline.VerificationResult) {
	c.metrics.ObserveEscalation(team)
	c.logger.Error("quality escalation",
		zap.String("team", team),
		zap.String("operation_id", operationID),
		zap.Float64("confidence", confidence))

	if c.bus == nil {
		return
	}
	if !c.limiter.Allow() {
		c.logger.Warn("escalation rate limit exceeded, event not forwarded",
			zap.String("team", team))
		return
	}
	if err := c.bus.PublishEscalation(ctx, events.Escalation{
		Team:        team,
		OperationID: operationID,
		Confidence:  confidence,
		Snapshot:    res,
		Timestamp:   time.Now(),
	}); err != nil {
		c.logger.Warn("escalation publish failed", zap.Error(err))
	}
}

// gateMessage renders one gate's verdict as human-readable text.
func gateMessage(g pipeline.GateResult) string {
	switch g.Name {
	case GateConfidence:
		if g.Passed {
			return fmt.Sprintf("confidence %.3f meets threshold %.3f", g.Observed, g.Threshold)
		}
		return fmt.Sprintf("confidence %.3f below threshold %.3f", g.Observed, g.Threshold)
	case GateHallucination:
		if g.Passed {
			return fmt.Sprintf("hallucination probability %.3f under ceiling %.3f", g.Observed, g.Threshold)
		}
		return fmt.Sprintf("hallucination probability %.3f at or above ceiling %.3f", g.Observed, g.Threshold)
	case GateCriticalIssues:
		if g.Passed {
			return "no critical issues"
		}
		return fmt.Sprintf("%d critical issue(s) unresolved", int(g.Observed))
	}
	return ""
}

// recommendations derives actionable follow-ups from the failing gates.
func recommendations(out *pipeline.QualityGateResult, res *pipeline.VerificationResult) []string {
	var recs []string
	for _, g := range out.Gates {
		if g.Passed {
			continue
		}
		switch g.Name {
		case GateConfidence:
			recs = append(recs, fmt.Sprintf(
				"confidence %.3f below threshold %.3f; re-verify at a stricter level or add sources",
				g.Observed, g.Threshold))
		case GateHallucination:
			recs = append(recs, fmt.Sprintf(
				"hallucination probability %.3f at or above ceiling %.3f; review flagged passages",
				g.Observed, g.Threshold))
		case GateCriticalIssues:
			recs = append(recs, fmt.Sprintf(
				"%d critical issue(s) unresolved; resolve before resubmitting", int(g.Observed)))
		}
	}
	if len(recs) == 0 && res != nil && len(res.Issues) > 0 {
		recs = append(recs, "warnings present; review step issues before publishing")
	}
	return recs
}
