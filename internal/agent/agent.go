// Package agent defines the verification agent contract and the task/result
// data model shared by the registry, selector, executor, and pipeline.
package agent

import (
	"context"
	"errors"
	"time"
)

// Errors for agent operations.
var (
	ErrNotInitialized = errors.New("agent not initialized")
	ErrUnsupported    = errors.New("task type not supported by agent")
)

// Capability identifies the kind of work an agent can perform. Tasks carry
// a Capability as their type tag; the selector matches agents to tasks by
// capability, so several agents (e.g. an information verifier and a fact
// checker) can serve the same capability pool.
type Capability string

const (
	CapabilityVerification Capability = "verification"
	CapabilityDetection    Capability = "detection"
	CapabilityReasoning    Capability = "reasoning"
	CapabilityQualityGate  Capability = "quality-gate"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityVerification, CapabilityDetection, CapabilityReasoning, CapabilityQualityGate:
		return true
	}
	return false
}

// Task is a single unit of verification/detection work. Tasks are transient:
// created per call and discarded once the result is returned or logged.
type Task struct {
	ID      string         `json:"id"`
	Type    Capability     `json:"type"`
	Content string         `json:"content"`
	Context map[string]any `json:"context,omitempty"`

	// Deadline bounds a single agent invocation. The executor applies it
	// per attempt; retries get a fresh deadline.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// Result is the outcome of one agent invocation.
type Result struct {
	TaskID     string  `json:"task_id"`
	AgentID    string  `json:"agent_id"`
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`

	// HallucinationProbability is only meaningful for detection tasks.
	// It is reported as a signal independent of Confidence.
	HallucinationProbability float64 `json:"hallucination_probability,omitempty"`

	Issues   []string      `json:"issues,omitempty"`
	Sources  []string      `json:"sources,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Metrics is an agent's lightweight self-report, polled by the health
// monitor. Producing it must be cheap; it never performs real work.
type Metrics struct {
	TasksProcessed int64         `json:"tasks_processed"`
	TasksFailed    int64         `json:"tasks_failed"`
	AvgLatency     time.Duration `json:"avg_latency"`
}

// Agent is a pluggable unit performing one verification/detection
// capability. Implementations must be safe for concurrent use: the
// executor may dispatch overlapping tasks up to the descriptor's
// MaxConcurrency.
type Agent interface {
	// Initialize prepares the agent for work. Called once at startup and
	// again on restart; must be idempotent.
	Initialize(ctx context.Context) error

	// Execute performs the agent's capability on the task. Verification
	// and detection have no side effects on shared state, so re-invoking
	// with the same task is always safe.
	Execute(ctx context.Context, task Task) (*Result, error)

	// Metrics returns the lightweight self-report used by health checks.
	Metrics(ctx context.Context) (*Metrics, error)

	// CheckHealth performs a deeper liveness probe than Metrics. Used by
	// restart flows to confirm an agent recovered.
	CheckHealth(ctx context.Context) error
}
