package quality

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for gate evaluation.
type Metrics struct {
	EvaluationsTotal *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec
	RollbacksTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers quality-gate metrics, once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EvaluationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "qualityd_gate_evaluations_total",
					Help: "Gate evaluations labeled by team and verdict",
				},
				[]string{"team", "verdict"},
			),
			EscalationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "qualityd_escalations_total",
					Help: "Escalations raised per team",
				},
				[]string{"team"},
			),
			RollbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "qualityd_rollbacks_total",
					Help: "Rollback hook invocations labeled by team and outcome",
				},
				[]string{"team", "outcome"},
			),
		}
	})
	return globalMetrics
}

// ObserveEvaluation counts one gate evaluation.
func (m *Metrics) ObserveEvaluation(team, verdict string) {
	m.EvaluationsTotal.WithLabelValues(team, verdict).Inc()
}

// ObserveEscalation counts one escalation.
func (m *Metrics) ObserveEscalation(team string) {
	m.EscalationsTotal.WithLabelValues(team).Inc()
}

// ObserveRollback counts one rollback hook invocation.
func (m *Metrics) ObserveRollback(team string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.RollbacksTotal.WithLabelValues(team, outcome).Inc()
}
