package registry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for agent health.
type Metrics struct {
	SuccessRate  *prometheus.GaugeVec
	ResponseTime *prometheus.GaugeVec
	AgentUp      *prometheus.GaugeVec
	ChecksTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers the agent health metrics.
//
// sync.Once guards registration so multiple registries (tests, embedded
// use) never trip the duplicate-collector panic. All metrics carry the
// "qualityd_" prefix.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SuccessRate: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "qualityd_agent_success_rate",
					Help: "Exponentially smoothed success rate per agent",
				},
				[]string{"agent"},
			),
			ResponseTime: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "qualityd_agent_response_time_seconds",
					Help: "Blended response time per agent in seconds",
				},
				[]string{"agent"},
			),
			AgentUp: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "qualityd_agent_up",
					Help: "1 when the agent is active, 0 when errored or inactive",
				},
				[]string{"agent"},
			),
			ChecksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "qualityd_health_checks_total",
					Help: "Health checks performed, labeled by outcome",
				},
				[]string{"agent", "outcome"},
			),
		}
	})
	return globalMetrics
}

// ObserveHealth updates the per-agent health gauges.
func (m *Metrics) ObserveHealth(agent string, successRate float64, responseTime time.Duration, status Status) {
	m.SuccessRate.WithLabelValues(agent).Set(successRate)
	m.ResponseTime.WithLabelValues(agent).Set(responseTime.Seconds())
	up := 0.0
	if status == StatusActive {
		up = 1.0
	}
	m.AgentUp.WithLabelValues(agent).Set(up)
}

// ObserveCheck counts one health check by outcome.
func (m *Metrics) ObserveCheck(agent string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.ChecksTotal.WithLabelValues(agent, outcome).Inc()
}
