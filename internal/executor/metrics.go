package executor

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

// Metrics holds Prometheus metrics for task execution.
type Metrics struct {
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers task execution metrics, once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "qualityd_tasks_total",
					Help: "Task attempts labeled by capability and outcome",
				},
				[]string{"capability", "outcome"},
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "qualityd_task_duration_seconds",
					Help:    "Duration of task attempts in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
				},
				[]string{"capability"},
			),
		}
	})
	return globalMetrics
}

// ObserveTask counts one attempt and records its duration.
func (m *Metrics) ObserveTask(capability, outcome string, d time.Duration) {
	m.TasksTotal.WithLabelValues(capability, outcome).Inc()
	m.TaskDuration.WithLabelValues(capability).Observe(d.Seconds())
}
