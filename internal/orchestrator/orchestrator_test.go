package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/agent"
	"github.com/silhouettelabs/qualityd/internal/executor"
	"github.com/silhouettelabs/qualityd/internal/pipeline"
	"github.com/silhouettelabs/qualityd/internal/quality"
	"github.com/silhouettelabs/qualityd/internal/registry"
	"github.com/silhouettelabs/qualityd/internal/selector"
)

// newTestOrchestrator assembles the real stack over the built-in agents.
func newTestOrchestrator(t *testing.T, gates quality.GateConfig) *Orchestrator {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New(logger)
	descriptors := []*registry.Descriptor{
		{ID: "info-verifier", Name: "Information Verifier", Capability: agent.CapabilityVerification, MaxConcurrency: 4, Agent: agent.NewInformationVerifier()},
		{ID: "fact-checker", Name: "Fact Checker", Capability: agent.CapabilityVerification, MaxConcurrency: 4, Agent: agent.NewFactChecker()},
		{ID: "hallucination-detector", Name: "Hallucination Detector", Capability: agent.CapabilityDetection, MaxConcurrency: 4, Agent: agent.NewHallucinationDetector()},
		{ID: "reasoning-engine", Name: "Reasoning Engine", Capability: agent.CapabilityReasoning, MaxConcurrency: 2, Agent: agent.NewReasoningEngine()},
	}
	for _, desc := range descriptors {
		require.NoError(t, reg.Register(desc))
	}
	require.NoError(t, reg.InitializeAll(context.Background()))

	sel := selector.New(reg, nil)
	exec := executor.New(sel, reg, executor.Config{RetryBudget: 1}, logger)
	pipe := pipeline.New(exec, pipeline.Config{}, logger)
	coord := quality.NewCoordinator(gates, nil, nil, logger)

	return New(reg, pipe, coord, logger)
}

func TestSubmitQualityOperation_ValidInput(t *testing.T) {
	o := newTestOrchestrator(t, quality.DefaultGateConfig())

	res, err := o.SubmitQualityOperation(context.Background(), OperationRequest{
		Type:    "content_verification",
		Payload: "The harbor bridge opened to traffic in 1932.",
		Context: map[string]any{"sources": []string{"city-archive", "encyclopedia"}},
		Team:    "platform",
		Level:   pipeline.LevelStandard,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.OperationID)
	assert.Equal(t, "content_verification", res.Type)
	require.NotNil(t, res.Verification)
	require.NotNil(t, res.Gate)
	assert.Equal(t, res.Verification.Confidence, res.Confidence)
	assert.Len(t, res.Verification.Steps, 3)
}

func TestSubmitQualityOperation_Idempotent(t *testing.T) {
	o := newTestOrchestrator(t, quality.DefaultGateConfig())

	req := OperationRequest{
		Type:    "content_verification",
		Payload: "Rainfall probably exceeded the seasonal average, some say.",
		Team:    "platform",
		Level:   pipeline.LevelStandard,
	}

	first, err := o.SubmitQualityOperation(context.Background(), req)
	require.NoError(t, err)
	second, err := o.SubmitQualityOperation(context.Background(), req)
	require.NoError(t, err)

	// Same content, same verdict: re-verification has no side effects on
	// the outcome, only fresh operation ids.
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Success, second.Success)
	assert.Equal(t, first.Verification.HallucinationProbability, second.Verification.HallucinationProbability)
	assert.NotEqual(t, first.OperationID, second.OperationID)
}

func TestSubmitQualityOperation_HedgedContentFailsGate(t *testing.T) {
	o := newTestOrchestrator(t, quality.DefaultGateConfig())

	res, err := o.SubmitQualityOperation(context.Background(), OperationRequest{
		Payload: "It is believed the results might be wrong, allegedly, some say, citation needed.",
		Team:    "platform",
		Level:   pipeline.LevelStandard,
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Recommendations)
}

func TestSubmitQualityOperation_InvalidInput(t *testing.T) {
	o := newTestOrchestrator(t, quality.DefaultGateConfig())

	_, err := o.SubmitQualityOperation(context.Background(), OperationRequest{Payload: ""})
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = o.SubmitQualityOperation(context.Background(), OperationRequest{
		Payload: "x",
		Level:   "paranoid",
	})
	assert.ErrorIs(t, err, ErrUnknownLevel)
}

func TestAgentStatusSnapshot(t *testing.T) {
	o := newTestOrchestrator(t, quality.DefaultGateConfig())

	snapshot := o.AgentStatusSnapshot()
	require.Len(t, snapshot, 4)
	assert.Equal(t, "info-verifier", snapshot[0].ID)
	assert.Equal(t, string(registry.StatusActive), string(snapshot[0].Health.Status))
	assert.Equal(t, 0.0, snapshot[0].Utilization)
	assert.Equal(t, 4, snapshot[0].MaxConcurrency)
}

func TestQualityGateStatus(t *testing.T) {
	o := newTestOrchestrator(t, quality.DefaultGateConfig())

	cfg := o.QualityGateStatus("unknown-team")
	assert.Equal(t, quality.DefaultThreshold, cfg.Threshold)
	assert.Equal(t, quality.DefaultEscalationLevel, cfg.EscalationLevel)
}

func TestRestartAgent(t *testing.T) {
	o := newTestOrchestrator(t, quality.DefaultGateConfig())

	require.NoError(t, o.RestartAgent(context.Background(), "info-verifier"))

	err := o.RestartAgent(context.Background(), "no-such-agent")
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}
