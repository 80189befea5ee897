// Package registry manages the agent roster and the rolling health record
// kept for every registered agent.
//
// The registry is read-mostly after startup: descriptors are immutable once
// registered (only the live Agent handle is replaced on restart), while the
// per-agent health records are written by the health monitor and by the task
// executor's post-task callback. Each health record is guarded by its own
// mutex so the two writers never interleave destructively, and readers get
// stale-but-safe snapshots without contending on a global lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/agent"
)

// Errors for registry operations.
var (
	ErrDuplicateAgent      = errors.New("agent already registered")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrInvalidDescriptor   = errors.New("invalid agent descriptor")
	ErrAgentInitialization = errors.New("agent initialization failed")
)

// Status is an agent's health state.
type Status string

const (
	// StatusActive marks an agent eligible for selection.
	StatusActive Status = "active"

	// StatusError marks an agent whose last check failed. The selector
	// only considers active agents, so one failed check takes the agent
	// out of rotation until a successful check restores it.
	StatusError Status = "error"

	// StatusInactive excludes an agent from selection until a restart
	// succeeds. Reached after three consecutive check failures.
	StatusInactive Status = "inactive"
)

// consecutiveFailureLimit is the number of consecutive failed checks after
// which an agent is taken out of rotation.
const consecutiveFailureLimit = 3

// Descriptor describes a registered agent. Immutable after registration
// except for the Agent handle, which Restart replaces.
type Descriptor struct {
	ID             string
	Name           string
	Capability     agent.Capability
	Weight         float64
	MaxConcurrency int

	// Mandatory agents must initialize at startup; a mandatory failure
	// aborts InitializeAll.
	Mandatory bool

	Agent agent.Agent
}

// HealthRecord is the rolling performance snapshot for one agent.
type HealthRecord struct {
	Status       Status        `json:"status"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	SuccessRate  float64       `json:"success_rate"`
	ErrorCount   int64         `json:"error_count"`

	// ConsecutiveFailures drives the error -> inactive transition.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// InFlight is the number of tasks currently dispatched to the agent.
	InFlight int `json:"in_flight"`
}

// healthState pairs a record with its own lock: single-writer-at-a-time
// per agent id.
type healthState struct {
	mu  sync.Mutex
	rec HealthRecord
}

// Registry holds agent descriptors and their health records.
type Registry struct {
	mu          sync.RWMutex
	order       []string // registration order, used for selection tie-breaks
	descriptors map[string]*Descriptor

	healthMu sync.RWMutex
	health   map[string]*healthState

	logger  *zap.Logger
	metrics *Metrics
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		descriptors: make(map[string]*Descriptor),
		health:      make(map[string]*healthState),
		logger:      logger,
		metrics:     NewMetrics(),
	}
}

// Register adds an agent descriptor. Returns ErrDuplicateAgent if the id is
// taken. Descriptors registered first win selection tie-breaks.
func (r *Registry) Register(desc *Descriptor) error {
	if desc == nil || desc.ID == "" || desc.Agent == nil {
		return ErrInvalidDescriptor
	}
	if !desc.Capability.Valid() {
		return fmt.Errorf("%w: unknown capability %q", ErrInvalidDescriptor, desc.Capability)
	}
	if desc.Weight <= 0 {
		desc.Weight = 1
	}
	if desc.MaxConcurrency <= 0 {
		desc.MaxConcurrency = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, desc.ID)
	}
	r.descriptors[desc.ID] = desc
	r.order = append(r.order, desc.ID)

	r.healthMu.Lock()
	r.health[desc.ID] = &healthState{rec: HealthRecord{
		Status:      StatusActive,
		SuccessRate: 1.0,
	}}
	r.healthMu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", desc.ID),
		zap.String("capability", string(desc.Capability)))
	return nil
}

// InitializeAll initializes every registered agent in parallel. Mandatory
// agents fail fast: their errors are aggregated and startup must abort.
// Optional agents that fail are marked errored and logged but do not block
// startup.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.RLock()
	descs := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		descs = append(descs, r.descriptors[id])
	}
	r.mu.RUnlock()

	type initResult struct {
		desc *Descriptor
		err  error
	}

	results := make(chan initResult, len(descs))
	var wg sync.WaitGroup
	for _, desc := range descs {
		wg.Add(1)
		go func(d *Descriptor) {
			defer wg.Done()
			results <- initResult{desc: d, err: d.Agent.Initialize(ctx)}
		}(desc)
	}
	wg.Wait()
	close(results)

	var mandatoryErrs []error
	for res := range results {
		if res.err == nil {
			continue
		}
		if res.desc.Mandatory {
			mandatoryErrs = append(mandatoryErrs,
				fmt.Errorf("%w: %s: %v", ErrAgentInitialization, res.desc.ID, res.err))
			continue
		}
		r.logger.Warn("optional agent failed to initialize",
			zap.String("agent_id", res.desc.ID), zap.Error(res.err))
		r.withHealth(res.desc.ID, func(rec *HealthRecord) {
			rec.Status = StatusError
			rec.ErrorCount++
		})
	}

	if len(mandatoryErrs) > 0 {
		return errors.Join(mandatoryErrs...)
	}
	return nil
}

// Get returns the descriptor for the given agent id.
func (r *Registry) Get(id string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return desc, nil
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descriptors[id])
	}
	return out
}

// Health returns a copy of the health record for the given agent id.
func (r *Registry) Health(id string) (HealthRecord, error) {
	r.healthMu.RLock()
	state, ok := r.health[id]
	r.healthMu.RUnlock()
	if !ok {
		return HealthRecord{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.rec, nil
}

// Snapshot returns a copy of every agent's health record, keyed by agent
// id. The copies may be up to one monitor interval stale; that is the
// accepted tradeoff for lock-free selection.
func (r *Registry) Snapshot() map[string]HealthRecord {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	out := make(map[string]HealthRecord, len(ids))
	for _, id := range ids {
		if rec, err := r.Health(id); err == nil {
			out[id] = rec
		}
	}
	return out
}

// RecordSuccess blends a successful task or check outcome into the agent's
// health record. Response time uses a half-half blend; success rate an
// exponential moving average with a 0.9 decay.
func (r *Registry) RecordSuccess(id string, observed time.Duration) {
	r.withHealth(id, func(rec *HealthRecord) {
		rec.SuccessRate = rec.SuccessRate*0.9 + 0.1
		rec.ResponseTime = (rec.ResponseTime + observed) / 2
		rec.ConsecutiveFailures = 0
		rec.LastCheck = time.Now()
		if rec.Status != StatusInactive {
			rec.Status = StatusActive
		}
	})
	r.publishMetrics(id)
}

// RecordFailure blends a failed task or check outcome into the agent's
// health record. Three consecutive failures take the agent out of rotation
// until a restart succeeds.
func (r *Registry) RecordFailure(id string, observed time.Duration) {
	var inactivated bool
	r.withHealth(id, func(rec *HealthRecord) {
		rec.SuccessRate = rec.SuccessRate * 0.9
		if observed > 0 {
			rec.ResponseTime = (rec.ResponseTime + observed) / 2
		}
		rec.ErrorCount++
		rec.ConsecutiveFailures++
		rec.LastCheck = time.Now()
		if rec.ConsecutiveFailures >= consecutiveFailureLimit {
			inactivated = rec.Status != StatusInactive
			rec.Status = StatusInactive
		} else {
			rec.Status = StatusError
		}
	})
	if inactivated {
		r.logger.Warn("agent taken out of rotation",
			zap.String("agent_id", id),
			zap.Int("consecutive_failures", consecutiveFailureLimit))
	}
	r.publishMetrics(id)
}

// IncInFlight marks one more task dispatched to the agent.
func (r *Registry) IncInFlight(id string) {
	r.withHealth(id, func(rec *HealthRecord) { rec.InFlight++ })
}

// DecInFlight marks one task completed by the agent.
func (r *Registry) DecInFlight(id string) {
	r.withHealth(id, func(rec *HealthRecord) {
		if rec.InFlight > 0 {
			rec.InFlight--
		}
	})
}

// Restart re-initializes an agent and, on success, resets its health
// record so it rejoins the selection pool. This is the only path out of
// StatusInactive.
func (r *Registry) Restart(ctx context.Context, id string) error {
	desc, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := desc.Agent.Initialize(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAgentInitialization, id, err)
	}
	if err := desc.Agent.CheckHealth(ctx); err != nil {
		return fmt.Errorf("%w: %s: health check after restart: %v", ErrAgentInitialization, id, err)
	}

	r.withHealth(id, func(rec *HealthRecord) {
		*rec = HealthRecord{
			Status:      StatusActive,
			SuccessRate: 1.0,
			LastCheck:   time.Now(),
		}
	})
	r.publishMetrics(id)
	r.logger.Info("agent restarted", zap.String("agent_id", id))
	return nil
}

// withHealth runs fn with the agent's record locked. Unknown ids are
// ignored: records only disappear when the process does.
func (r *Registry) withHealth(id string, fn func(*HealthRecord)) {
	r.healthMu.RLock()
	state, ok := r.health[id]
	r.healthMu.RUnlock()
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	fn(&state.rec)
}

// publishMetrics pushes the agent's current record into the prometheus
// gauges.
func (r *Registry) publishMetrics(id string) {
	rec, err := r.Health(id)
	if err != nil {
		return
	}
	r.metrics.ObserveHealth(id, rec.SuccessRate, rec.ResponseTime, rec.Status)
}
