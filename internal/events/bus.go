// Package events provides the in-process event bus for qualityd.
//
// Each event category gets its own buffered channel consumed by a dedicated
// dispatcher goroutine, replacing listener fan-out with explicit message
// passing. Escalations are delivered with backpressure (a publish blocks
// when the channel is full) because alerts must not be lost; health updates
// are best-effort and dropped under load.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthUpdate reports one agent's health record after a monitor tick or a
// task outcome.
type HealthUpdate struct {
	AgentID             string        `json:"agent_id"`
	Status              string        `json:"status"`
	SuccessRate         float64       `json:"success_rate"`
	ResponseTime        time.Duration `json:"response_time"`
	ErrorCount          int64         `json:"error_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Timestamp           time.Time     `json:"timestamp"`
}

// Escalation is raised when an operation's confidence falls below the
// escalation threshold, independent of the gate verdict.
type Escalation struct {
	Team        string    `json:"team"`
	OperationID string    `json:"operation_id"`
	Confidence  float64   `json:"confidence"`
	Snapshot    any       `json:"snapshot,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// GateOutcome records a completed quality-gate evaluation.
type GateOutcome struct {
	Team        string    `json:"team"`
	OperationID string    `json:"operation_id"`
	Passed      bool      `json:"passed"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// HealthHandler consumes health updates.
type HealthHandler func(HealthUpdate)

// EscalationHandler consumes escalation events.
type EscalationHandler func(Escalation)

// GateHandler consumes gate outcomes.
type GateHandler func(GateOutcome)

// Bus routes events from producers to registered handlers. Handlers run on
// the category's dispatcher goroutine, so a slow handler only delays its
// own category.
type Bus struct {
	health      chan HealthUpdate
	escalations chan Escalation
	gates       chan GateOutcome

	mu                 sync.RWMutex
	healthHandlers     []HealthHandler
	escalationHandlers []EscalationHandler
	gateHandlers       []GateHandler

	logger  *zap.Logger
	dropped int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewBus creates a bus with the given per-category buffer size.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		health:      make(chan HealthUpdate, buffer),
		escalations: make(chan Escalation, buffer),
		gates:       make(chan GateOutcome, buffer),
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// OnHealth registers a handler for health updates.
func (b *Bus) OnHealth(h HealthHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthHandlers = append(b.healthHandlers, h)
}

// OnEscalation registers a handler for escalation events.
func (b *Bus) OnEscalation(h EscalationHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.escalationHandlers = append(b.escalationHandlers, h)
}

// OnGateOutcome registers a handler for gate outcomes.
func (b *Bus) OnGateOutcome(h GateHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gateHandlers = append(b.gateHandlers, h)
}

// Start launches one dispatcher goroutine per category. Safe to call once;
// subsequent calls are no-ops.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(3)
		go b.dispatchHealth()
		go b.dispatchEscalations()
		go b.dispatchGates()
	})
}

// PublishHealth enqueues a health update. Drops the update when the
// channel is full: health is republished every monitor tick, so a dropped
// update only delays freshness by one interval.
func (b *Bus) PublishHealth(u HealthUpdate) {
	select {
	case b.health <- u:
	case <-b.done:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// PublishEscalation enqueues an escalation, blocking until the dispatcher
// has room or ctx is done. Escalations are never silently dropped.
func (b *Bus) PublishEscalation(ctx context.Context, e Escalation) error {
	select {
	case b.escalations <- e:
		return nil
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishGateOutcome enqueues a gate outcome, blocking like escalations.
func (b *Bus) PublishGateOutcome(ctx context.Context, g GateOutcome) error {
	select {
	case b.gates <- g:
		return nil
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of health updates discarded under load.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops the dispatchers after draining queued events. Publishes after
// Close are discarded.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func (b *Bus) dispatchHealth() {
	defer b.wg.Done()
	for {
		select {
		case u := <-b.health:
			b.mu.RLock()
			handlers := append([]HealthHandler(nil), b.healthHandlers...)
			b.mu.RUnlock()
			for _, h := range handlers {
				h(u)
			}
		case <-b.done:
			b.drainHealth()
			return
		}
	}
}

func (b *Bus) dispatchEscalations() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.escalations:
			b.deliverEscalation(e)
		case <-b.done:
			for {
				select {
				case e := <-b.escalations:
					b.deliverEscalation(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatchGates() {
	defer b.wg.Done()
	for {
		select {
		case g := <-b.gates:
			b.deliverGate(g)
		case <-b.done:
			for {
				select {
				case g := <-b.gates:
					b.deliverGate(g)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) drainHealth() {
	for {
		select {
		case <-b.health:
		default:
			return
		}
	}
}

func (b *Bus) deliverEscalation(e Escalation) {
	b.mu.RLock()
	handlers := append([]EscalationHandler(nil), b.escalationHandlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) deliverGate(g GateOutcome) {
	b.mu.RLock()
	handlers := append([]GateHandler(nil), b.gateHandlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(g)
	}
}
