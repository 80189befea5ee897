// Package pipeline runs leveled verification over content: a set of steps,
// each dispatched to an agent, aggregated into a single confidence score.
// The result types for both verification and quality-gate evaluation live
// here so the quality coordinator and the orchestrator share one vocabulary.
package pipeline

import (
	"time"
)

// Level selects how many verification steps run and how strict the
// aggregation is. Each level is a superset of the one below it.
type Level string

const (
	// LevelBasic runs information verification only.
	LevelBasic Level = "basic"

	// LevelStandard adds hallucination detection and fact checking.
	LevelStandard Level = "standard"

	// LevelStrict adds cross-referencing against provided sources.
	LevelStrict Level = "strict"

	// LevelCritical adds logical reasoning validation.
	LevelCritical Level = "critical"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelBasic, LevelStandard, LevelStrict, LevelCritical:
		return true
	}
	return false
}

// rank orders levels for superset checks.
func (l Level) rank() int {
	switch l {
	case LevelBasic:
		return 0
	case LevelStandard:
		return 1
	case LevelStrict:
		return 2
	case LevelCritical:
		return 3
	}
	return -1
}

// StepStatus is the lifecycle state of one verification step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"

	// StepSkipped marks a step whose dependency did not complete.
	StepSkipped StepStatus = "skipped"
)

// Severity classifies an issue found during verification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is a single finding attributed to a step.
type Issue struct {
	Step        string   `json:"step"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Input is one verification request.
type Input struct {
	Content string         `json:"content"`
	Context map[string]any `json:"context,omitempty"`
	Level   Level          `json:"level"`
}

// StepOutcome records how one step went.
type StepOutcome struct {
	Name                     string        `json:"name"`
	Status                   StepStatus    `json:"status"`
	AgentID                  string        `json:"agent_id,omitempty"`
	Valid                    bool          `json:"valid"`
	Confidence               float64       `json:"confidence"`
	HallucinationProbability float64       `json:"hallucination_probability,omitempty"`
	Issues                   []string      `json:"issues,omitempty"`
	Sources                  []string      `json:"sources,omitempty"`
	Duration                 time.Duration `json:"duration"`
	Error                    string        `json:"error,omitempty"`
}

// VerificationResult is the aggregated outcome of one pipeline run.
type VerificationResult struct {
	OperationID string `json:"operation_id"`
	Level       Level  `json:"level"`

	// Valid is true when every step that ran completed and reported the
	// content valid.
	Valid bool `json:"valid"`

	// Confidence is the weighted average over completed steps, capped at
	// the agreeing steps' average when any step contradicts, then reduced
	// by penalties for failed steps and critical issues. Contradicting
	// evidence only ever lowers it.
	Confidence float64 `json:"confidence"`

	// HallucinationProbability is the strongest hallucination signal seen
	// across detection steps. Independent of Confidence.
	HallucinationProbability float64 `json:"hallucination_probability"`

	Steps     []StepOutcome `json:"steps"`
	Issues    []Issue       `json:"issues,omitempty"`
	Sources   []string      `json:"sources,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// GateResult is one quality gate's verdict.
type GateResult struct {
	Name      string  `json:"name"`
	Passed    bool    `json:"passed"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// QualityGateResult is the combined verdict for a team's gate set. All
// gates must pass for the result to pass.
type QualityGateResult struct {
	Team            string       `json:"team"`
	Passed          bool         `json:"passed"`
	Confidence      float64      `json:"confidence"`
	Gates           []GateResult `json:"gates"`
	RolledBack      bool         `json:"rolled_back,omitempty"`
	Escalated       bool         `json:"escalated,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
}
