// Package selector routes tasks to the best available agent for a
// capability, scored from live health records.
package selector

import (
	"errors"
	"fmt"

	"github.com/silhouettelabs/qualityd/internal/agent"
	"github.com/silhouettelabs/qualityd/internal/registry"
)

// ErrNoAgentAvailable signals that no active agent serves the requested
// capability. Callers may degrade gracefully (e.g. skip an optional
// verification step) instead of failing the whole operation.
var ErrNoAgentAvailable = errors.New("no agent available")

// ScoreFunc ranks an agent from its health record; higher is better.
type ScoreFunc func(rec registry.HealthRecord) float64

// DefaultScore is the stock ranking policy: success rate minus response
// time normalized by 10s, which puts both terms on roughly the same
// magnitude. The calibration is heuristic; supply a custom ScoreFunc to
// tune it.
func DefaultScore(rec registry.HealthRecord) float64 {
	return rec.SuccessRate - float64(rec.ResponseTime.Milliseconds())/10000
}

// Selector picks agents from a registry.
type Selector struct {
	registry *registry.Registry
	score    ScoreFunc
}

// New creates a selector over the given registry. A nil score falls back
// to DefaultScore.
func New(reg *registry.Registry, score ScoreFunc) *Selector {
	if score == nil {
		score = DefaultScore
	}
	return &Selector{registry: reg, score: score}
}

// SelectBest returns the highest-scoring active agent serving the task
// type, skipping any ids in exclude (used by the executor to avoid
// re-picking an agent that just failed). Ties go to the earliest
// registered agent, keeping selection deterministic.
//
// Selection reads health snapshots without holding registry locks: a pick
// may act on a record up to one monitor interval stale, which is the
// accepted throughput tradeoff.
func (s *Selector) SelectBest(taskType agent.Capability, exclude map[string]struct{}) (*registry.Descriptor, error) {
	var (
		best      *registry.Descriptor
		bestScore float64
		found     bool
	)

	for _, desc := range s.registry.Descriptors() {
		if desc.Capability != taskType {
			continue
		}
		if _, skip := exclude[desc.ID]; skip {
			continue
		}
		rec, err := s.registry.Health(desc.ID)
		if err != nil || rec.Status != registry.StatusActive {
			continue
		}
		if rec.InFlight >= desc.MaxConcurrency {
			continue
		}
		score := s.score(rec)
		if !found || score > bestScore {
			best = desc
			bestScore = score
			found = true
		}
	}

	if !found {
		return nil, fmt.Errorf("%w: capability %s", ErrNoAgentAvailable, taskType)
	}
	return best, nil
}
