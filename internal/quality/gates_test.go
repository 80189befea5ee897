package quality

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/events"
	"github.com/silhouettelabs/qualityd/internal/pipeline"
)

func verification(confidence, hallucination float64, issues ...pipeline.Issue) *pipeline.VerificationResult {
	return &pipeline.VerificationResult{
		OperationID:              "op-1",
		Level:                    pipeline.LevelStandard,
		Valid:                    true,
		Confidence:               confidence,
		HallucinationProbability: hallucination,
		Issues:                   issues,
		Timestamp:                time.Now(),
	}
}

func gateByName(t *testing.T, res *pipeline.QualityGateResult, name string) pipeline.GateResult {
	t.Helper()
	for _, g := range res.Gates {
		if g.Name == name {
			return g
		}
	}
	t.Fatalf("gate %s not found", name)
	return pipeline.GateResult{}
}

func TestEvaluate_AllGatesPass(t *testing.T) {
	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())

	res, err := c.Evaluate(context.Background(), "platform", verification(0.97, 0.01))
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.False(t, res.Escalated)
	assert.False(t, res.RolledBack)
	assert.Empty(t, res.Recommendations)
}

func TestEvaluate_FailsOnConfidenceAlone(t *testing.T) {
	// Confidence 0.93 against threshold 0.95: the gate fails, but 0.93 is
	// comfortably above the 0.70 escalation level, so no alarm.
	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())

	res, err := c.Evaluate(context.Background(), "platform", verification(0.93, 0.02))
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.False(t, gateByName(t, res, GateConfidence).Passed)
	assert.True(t, gateByName(t, res, GateHallucination).Passed)
	assert.True(t, gateByName(t, res, GateCriticalIssues).Passed)
	assert.False(t, res.Escalated)
	assert.NotEmpty(t, res.Recommendations)
}

func TestEvaluate_EscalatesBelowFloor(t *testing.T) {
	bus := events.NewBus(8, zap.NewNop())
	escalations := make(chan events.Escalation, 8)
	bus.OnEscalation(func(e events.Escalation) { escalations <- e })
	bus.Start()
	defer bus.Close()

	c := NewCoordinator(DefaultGateConfig(), nil, bus, zap.NewNop())

	res, err := c.Evaluate(context.Background(), "platform", verification(0.60, 0.01))
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.True(t, res.Escalated)

	select {
	case e := <-escalations:
		assert.Equal(t, "platform", e.Team)
		assert.Equal(t, "op-1", e.OperationID)
		assert.InDelta(t, 0.60, e.Confidence, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no escalation delivered")
	}
}

func TestEvaluate_HallucinationCeiling(t *testing.T) {
	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())

	res, err := c.Evaluate(context.Background(), "platform", verification(0.99, 0.06))
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.True(t, gateByName(t, res, GateConfidence).Passed)
	assert.False(t, gateByName(t, res, GateHallucination).Passed)
}

func TestEvaluate_CriticalIssueFails(t *testing.T) {
	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())

	v := verification(0.99, 0.01, pipeline.Issue{
		Step:        "fact_check",
		Severity:    pipeline.SeverityCritical,
		Description: "claim contradicts source",
	})
	res, err := c.Evaluate(context.Background(), "platform", v)
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.False(t, gateByName(t, res, GateCriticalIssues).Passed)
}

func TestEvaluate_WarningsDoNotFail(t *testing.T) {
	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())

	v := verification(0.97, 0.01, pipeline.Issue{
		Step:        "fact_check",
		Severity:    pipeline.SeverityWarning,
		Description: "numeric claim without a cited source",
	})
	res, err := c.Evaluate(context.Background(), "platform", v)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestEvaluate_StrictConjunction(t *testing.T) {
	tests := []struct {
		name          string
		confidence    float64
		hallucination float64
		critical      bool
		wantPassed    bool
	}{
		{"all pass", 0.96, 0.01, false, true},
		{"confidence fails", 0.94, 0.01, false, false},
		{"hallucination fails", 0.96, 0.05, false, false},
		{"critical issue fails", 0.96, 0.01, true, false},
		{"everything fails", 0.50, 0.50, true, false},
	}

	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var issues []pipeline.Issue
			if tt.critical {
				issues = append(issues, pipeline.Issue{
					Step: "x", Severity: pipeline.SeverityCritical, Description: "bad",
				})
			}
			res, err := c.Evaluate(context.Background(), "team", verification(tt.confidence, tt.hallucination, issues...))
			require.NoError(t, err)
			assert.Equal(t, tt.wantPassed, res.Passed)
		})
	}
}

func TestEvaluate_NilResultFailsClosed(t *testing.T) {
	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())

	res, err := c.Evaluate(context.Background(), "platform", nil)
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.True(t, res.Escalated) // zero confidence is under the floor
	assert.NotEmpty(t, res.Recommendations)
}

func TestEvaluate_DisabledGatePasses(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.Enabled = false
	c := NewCoordinator(cfg, nil, nil, zap.NewNop())

	res, err := c.Evaluate(context.Background(), "platform", verification(0.10, 0.90))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Gates)
}

func TestEvaluate_RollbackInvokedOnFailure(t *testing.T) {
	var rolledBackTeam string
	rollback := func(ctx context.Context, team string, snapshot *pipeline.VerificationResult) error {
		rolledBackTeam = team
		return nil
	}

	cfg := DefaultGateConfig()
	cfg.RollbackEnabled = true
	c := NewCoordinator(cfg, rollback, nil, zap.NewNop())

	res, err := c.Evaluate(context.Background(), "platform", verification(0.80, 0.01))
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.True(t, res.RolledBack)
	assert.Equal(t, "platform", rolledBackTeam)
}

func TestEvaluate_RollbackHookFailureIsFatal(t *testing.T) {
	rollback := func(ctx context.Context, team string, snapshot *pipeline.VerificationResult) error {
		return errors.New("collaborator unreachable")
	}

	cfg := DefaultGateConfig()
	cfg.RollbackEnabled = true
	c := NewCoordinator(cfg, rollback, nil, zap.NewNop())

	_, err := c.Evaluate(context.Background(), "platform", verification(0.80, 0.01))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rollback")
}

func TestEvaluate_RollbackHookFailureStillEscalates(t *testing.T) {
	bus := events.NewBus(8, zap.NewNop())
	escalations := make(chan events.Escalation, 8)
	outcomes := make(chan events.GateOutcome, 8)
	bus.OnEscalation(func(e events.Escalation) { escalations <- e })
	bus.OnGateOutcome(func(g events.GateOutcome) { outcomes <- g })
	bus.Start()
	defer bus.Close()

	cfg := DefaultGateConfig()
	cfg.RollbackEnabled = true
	rollback := func(ctx context.Context, team string, snapshot *pipeline.VerificationResult) error {
		return errors.New("collaborator unreachable")
	}
	c := NewCoordinator(cfg, rollback, bus, zap.NewNop())

	// Confidence under the floor plus a broken rollback path: the
	// operation fails, but the alarm and the outcome event still go out.
	res, err := c.Evaluate(context.Background(), "platform", verification(0.60, 0.01))
	require.Error(t, err)
	require.NotNil(t, res)

	assert.False(t, res.RolledBack)
	assert.True(t, res.Escalated)

	select {
	case e := <-escalations:
		assert.Equal(t, "platform", e.Team)
		assert.InDelta(t, 0.60, e.Confidence, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("escalation lost behind the rollback failure")
	}
	select {
	case g := <-outcomes:
		assert.False(t, g.Passed)
	case <-time.After(2 * time.Second):
		t.Fatal("gate outcome lost behind the rollback failure")
	}
}

func TestEvaluate_GateMessages(t *testing.T) {
	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())

	res, err := c.Evaluate(context.Background(), "platform", verification(0.93, 0.06))
	require.NoError(t, err)

	assert.Equal(t, "confidence 0.930 below threshold 0.950",
		gateByName(t, res, GateConfidence).Message)
	assert.Equal(t, "hallucination probability 0.060 at or above ceiling 0.050",
		gateByName(t, res, GateHallucination).Message)
	assert.Equal(t, "no critical issues",
		gateByName(t, res, GateCriticalIssues).Message)
}

func TestEvaluate_EscalationIndependentOfRollback(t *testing.T) {
	bus := events.NewBus(8, zap.NewNop())
	escalations := make(chan events.Escalation, 8)
	bus.OnEscalation(func(e events.Escalation) { escalations <- e })
	bus.Start()
	defer bus.Close()

	cfg := DefaultGateConfig()
	cfg.RollbackEnabled = true
	rollback := func(ctx context.Context, team string, snapshot *pipeline.VerificationResult) error {
		return nil
	}
	c := NewCoordinator(cfg, rollback, bus, zap.NewNop())

	res, err := c.Evaluate(context.Background(), "platform", verification(0.40, 0.01))
	require.NoError(t, err)
	assert.True(t, res.RolledBack)
	assert.True(t, res.Escalated)

	select {
	case <-escalations:
	case <-time.After(2 * time.Second):
		t.Fatal("escalation lost despite clean rollback")
	}
}

func TestCoordinator_PerTeamConfigs(t *testing.T) {
	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())
	lax := GateConfig{Enabled: true, Threshold: 0.80, HallucinationCeiling: 0.10, EscalationLevel: 0.50}
	c.SetTeamConfig("experimental", lax)

	// 0.85 fails the default team but passes the lax team.
	res, err := c.Evaluate(context.Background(), "platform", verification(0.85, 0.02))
	require.NoError(t, err)
	assert.False(t, res.Passed)

	res, err = c.Evaluate(context.Background(), "experimental", verification(0.85, 0.02))
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestCoordinator_ReplaceAllNormalizes(t *testing.T) {
	c := NewCoordinator(DefaultGateConfig(), nil, nil, zap.NewNop())
	c.ReplaceAll(map[string]GateConfig{
		"sparse": {Enabled: true}, // thresholds filled from defaults
	})

	cfg := c.TeamConfig("sparse")
	assert.Equal(t, DefaultThreshold, cfg.Threshold)
	assert.Equal(t, DefaultHallucinationCeiling, cfg.HallucinationCeiling)
	assert.Equal(t, DefaultEscalationLevel, cfg.EscalationLevel)
}

func TestEvaluate_PublishesGateOutcome(t *testing.T) {
	bus := events.NewBus(8, zap.NewNop())
	outcomes := make(chan events.GateOutcome, 8)
	bus.OnGateOutcome(func(g events.GateOutcome) { outcomes <- g })
	bus.Start()
	defer bus.Close()

	c := NewCoordinator(DefaultGateConfig(), nil, bus, zap.NewNop())
	for i := 0; i < 2; i++ {
		_, err := c.Evaluate(context.Background(), fmt.Sprintf("team-%d", i), verification(0.97, 0.01))
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		select {
		case g := <-outcomes:
			assert.True(t, g.Passed)
		case <-time.After(2 * time.Second):
			t.Fatal("gate outcome lost")
		}
	}
}
