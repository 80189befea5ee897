package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// The built-in agents below are illustrative scoring stubs: they apply
// deterministic lexical heuristics so that identical input always yields
// the identical verdict. Real model backends plug in behind the same
// Agent interface.

// hedgeMarkers lower confidence: language that signals unverified claims.
var hedgeMarkers = []string{
	"i think", "probably", "might be", "allegedly", "unverified",
	"citation needed", "some say", "it is believed",
}

// contradictionMarkers signal internally inconsistent content.
var contradictionMarkers = [][2]string{
	{"always", "never"},
	{"all", "none"},
	{"increase", "decrease"},
}

// contentScore derives a deterministic base confidence in [0.80, 0.99]
// from the content. The FNV hash supplies stable per-content variation so
// distinct inputs do not all score identically.
func contentScore(content string) float64 {
	h := fnv.New32a()
	h.Write([]byte(content))
	jitter := float64(h.Sum32()%200) / 10000 // [0, 0.02)

	score := 0.97 + jitter
	lower := strings.ToLower(content)
	for _, marker := range hedgeMarkers {
		if strings.Contains(lower, marker) {
			score -= 0.06
		}
	}
	if score < 0.80 {
		score = 0.80
	}
	return score
}

// stubAgent carries the bookkeeping shared by all built-in agents.
type stubAgent struct {
	name string

	mu          sync.Mutex
	initialized bool
	processed   int64
	failed      int64
	totalWork   time.Duration
}

func (a *stubAgent) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = true
	a.processed = 0
	a.failed = 0
	a.totalWork = 0
	return nil
}

func (a *stubAgent) Metrics(ctx context.Context) (*Metrics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return nil, fmt.Errorf("%s: %w", a.name, ErrNotInitialized)
	}
	m := &Metrics{TasksProcessed: a.processed, TasksFailed: a.failed}
	if a.processed > 0 {
		m.AvgLatency = a.totalWork / time.Duration(a.processed)
	}
	return m, nil
}

func (a *stubAgent) CheckHealth(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return fmt.Errorf("%s: %w", a.name, ErrNotInitialized)
	}
	return nil
}

// record tracks one completed invocation for the self-report.
func (a *stubAgent) record(d time.Duration, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processed++
	a.totalWork += d
	if failed {
		a.failed++
	}
}

func (a *stubAgent) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return fmt.Errorf("%s: %w", a.name, ErrNotInitialized)
	}
	return nil
}

// InformationVerifier scores how well content reads as verifiable
// information (capability: verification).
type InformationVerifier struct {
	stubAgent
}

// NewInformationVerifier returns the built-in information verifier.
func NewInformationVerifier() *InformationVerifier {
	return &InformationVerifier{stubAgent{name: "information-verifier"}}
}

func (a *InformationVerifier) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	start := time.Now()

	confidence := contentScore(task.Content)
	var issues []string
	lower := strings.ToLower(task.Content)
	for _, marker := range hedgeMarkers {
		if strings.Contains(lower, marker) {
			issues = append(issues, fmt.Sprintf("unverified claim marker: %q", marker))
		}
	}

	d := time.Since(start)
	a.record(d, false)
	return &Result{
		TaskID:     task.ID,
		Valid:      confidence >= 0.5,
		Confidence: confidence,
		Issues:     issues,
		Duration:   d,
	}, nil
}

// FactChecker validates factual statements, penalizing numeric claims
// without any cited source (capability: verification).
type FactChecker struct {
	stubAgent
}

// NewFactChecker returns the built-in fact checker.
func NewFactChecker() *FactChecker {
	return &FactChecker{stubAgent{name: "fact-checker"}}
}

func (a *FactChecker) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	start := time.Now()

	confidence := contentScore(task.Content)
	var issues []string
	hasDigit := strings.ContainsAny(task.Content, "0123456789")
	hasSource := sourcesFromContext(task.Context) != nil ||
		strings.Contains(strings.ToLower(task.Content), "source:")
	if hasDigit && !hasSource {
		confidence -= 0.04
		issues = append(issues, "numeric claim without a cited source")
	}

	d := time.Since(start)
	a.record(d, false)
	return &Result{
		TaskID:     task.ID,
		Valid:      confidence >= 0.5,
		Confidence: confidence,
		Issues:     issues,
		Duration:   d,
	}, nil
}

// CrossReference corroborates content against the sources supplied in the
// task context; more independent sources raise confidence (capability:
// verification).
type CrossReference struct {
	stubAgent
}

// NewCrossReference returns the built-in cross-reference agent.
func NewCrossReference() *CrossReference {
	return &CrossReference{stubAgent{name: "cross-reference"}}
}

func (a *CrossReference) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	start := time.Now()

	confidence := contentScore(task.Content)
	sources := sourcesFromContext(task.Context)
	var issues []string
	switch {
	case len(sources) >= 2:
		confidence += 0.01
	case len(sources) == 1:
		// single-source corroboration carries no bonus
	default:
		confidence -= 0.05
		issues = append(issues, "no sources available for cross-referencing")
	}
	if confidence > 0.99 {
		confidence = 0.99
	}

	d := time.Since(start)
	a.record(d, false)
	return &Result{
		TaskID:     task.ID,
		Valid:      confidence >= 0.5,
		Confidence: confidence,
		Sources:    sources,
		Issues:     issues,
		Duration:   d,
	}, nil
}

// HallucinationDetector estimates the probability that content is
// fabricated (capability: detection). The probability is reported as its
// own signal and is never folded into verification confidence.
type HallucinationDetector struct {
	stubAgent
}

// NewHallucinationDetector returns the built-in hallucination detector.
func NewHallucinationDetector() *HallucinationDetector {
	return &HallucinationDetector{stubAgent{name: "hallucination-detector"}}
}

func (a *HallucinationDetector) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	start := time.Now()

	lower := strings.ToLower(task.Content)
	probability := 0.01
	var issues []string
	for _, marker := range hedgeMarkers {
		if strings.Contains(lower, marker) {
			probability += 0.03
		}
	}
	for _, pair := range contradictionMarkers {
		if strings.Contains(lower, pair[0]) && strings.Contains(lower, pair[1]) {
			probability += 0.05
			issues = append(issues, fmt.Sprintf("contradictory terms: %q vs %q", pair[0], pair[1]))
		}
	}
	if probability > 1 {
		probability = 1
	}

	d := time.Since(start)
	a.record(d, false)
	return &Result{
		TaskID:                   task.ID,
		Valid:                    probability < 0.5,
		Confidence:               1 - probability,
		HallucinationProbability: probability,
		Issues:                   issues,
		Duration:                 d,
	}, nil
}

// ReasoningEngine checks content for internal logical consistency
// (capability: reasoning).
type ReasoningEngine struct {
	stubAgent
}

// NewReasoningEngine returns the built-in reasoning engine.
func NewReasoningEngine() *ReasoningEngine {
	return &ReasoningEngine{stubAgent{name: "reasoning-engine"}}
}

func (a *ReasoningEngine) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	start := time.Now()

	confidence := contentScore(task.Content)
	lower := strings.ToLower(task.Content)
	var issues []string
	for _, pair := range contradictionMarkers {
		if strings.Contains(lower, pair[0]) && strings.Contains(lower, pair[1]) {
			confidence -= 0.08
			issues = append(issues, fmt.Sprintf("inconsistent reasoning: %q contradicts %q", pair[0], pair[1]))
		}
	}
	if confidence < 0 {
		confidence = 0
	}

	d := time.Since(start)
	a.record(d, false)
	return &Result{
		TaskID:     task.ID,
		Valid:      len(issues) == 0,
		Confidence: confidence,
		Issues:     issues,
		Duration:   d,
	}, nil
}

// GateKeeper produces a summary pass/fail judgement over already-scored
// content (capability: quality-gate). It exists so the quality-gate
// capability pool is never empty; the real gate decision lives in the
// coordinator.
type GateKeeper struct {
	stubAgent
}

// NewGateKeeper returns the built-in quality-gate agent.
func NewGateKeeper() *GateKeeper {
	return &GateKeeper{stubAgent{name: "gate-keeper"}}
}

func (a *GateKeeper) Execute(ctx context.Context, task Task) (*Result, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	start := time.Now()

	confidence := contentScore(task.Content)
	d := time.Since(start)
	a.record(d, false)
	return &Result{
		TaskID:     task.ID,
		Valid:      confidence >= 0.9,
		Confidence: confidence,
		Duration:   d,
	}, nil
}

// sourcesFromContext extracts the "sources" entry from a task context.
func sourcesFromContext(taskCtx map[string]any) []string {
	if taskCtx == nil {
		return nil
	}
	raw, ok := taskCtx["sources"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
