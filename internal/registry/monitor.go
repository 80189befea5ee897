package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/events"
)

// Monitor polls every registered agent's lightweight self-report on a
// fixed interval and folds the outcome into the health records.
//
// Checks for different agents run concurrently and are settle-all: a
// timeout or error on one agent is captured against that agent alone and
// never blocks the rest of the tick.
type Monitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	bus      *events.Bus
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// MonitorConfig configures the health loop.
type MonitorConfig struct {
	// Interval between ticks. Defaults to 30s.
	Interval time.Duration

	// CheckTimeout bounds each per-agent self-report call. Defaults to 5s.
	CheckTimeout time.Duration
}

// NewMonitor creates a monitor for the given registry. The bus may be nil
// when no consumer wants health updates.
func NewMonitor(reg *Registry, cfg MonitorConfig, bus *events.Bus, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		registry: reg,
		interval: cfg.Interval,
		timeout:  cfg.CheckTimeout,
		bus:      bus,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the health loop. The loop owns its own goroutine and
// stops when Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop cancels the loop and waits for the in-flight tick to finish, so
// shutdown leaks no timers or goroutines. A no-op when Start never ran.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		<-m.done
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// First pass immediately so selection has fresh records at startup.
	m.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs one health check pass over every registered agent.
// Exported so restart flows and tests can force a tick.
func (m *Monitor) CheckAll(ctx context.Context) {
	descs := m.registry.Descriptors()

	var wg sync.WaitGroup
	for _, desc := range descs {
		wg.Add(1)
		go func(d *Descriptor) {
			defer wg.Done()
			m.checkOne(ctx, d)
		}(desc)
	}
	wg.Wait()
}

// checkOne polls one agent's self-report under the check timeout and
// records the outcome.
func (m *Monitor) checkOne(ctx context.Context, desc *Descriptor) {
	// Inactive agents are only re-admitted through Restart; polling them
	// would just churn the error count.
	if rec, err := m.registry.Health(desc.ID); err == nil && rec.Status == StatusInactive {
		m.publish(desc.ID)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	_, err := desc.Agent.Metrics(checkCtx)
	observed := time.Since(start)

	if err != nil {
		m.logger.Warn("health check failed",
			zap.String("agent_id", desc.ID),
			zap.Duration("observed", observed),
			zap.Error(err))
		m.registry.RecordFailure(desc.ID, observed)
		m.registry.metrics.ObserveCheck(desc.ID, false)
	} else {
		m.registry.RecordSuccess(desc.ID, observed)
		m.registry.metrics.ObserveCheck(desc.ID, true)
	}
	m.publish(desc.ID)
}

// publish emits the agent's current record on the bus for dashboard
// consumers.
func (m *Monitor) publish(id string) {
	if m.bus == nil {
		return
	}
	rec, err := m.registry.Health(id)
	if err != nil {
		return
	}
	m.bus.PublishHealth(events.HealthUpdate{
		AgentID:             id,
		Status:              string(rec.Status),
		SuccessRate:         rec.SuccessRate,
		ResponseTime:        rec.ResponseTime,
		ErrorCount:          rec.ErrorCount,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		Timestamp:           time.Now(),
	})
}
