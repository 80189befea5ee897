package pipeline

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

// Metrics holds Prometheus metrics for pipeline runs.
type Metrics struct {
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers pipeline metrics, once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			VerificationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "qualityd_verifications_total",
					Help: "Pipeline runs labeled by level and verdict",
				},
				[]string{"level", "outcome"},
			),
			VerificationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "qualityd_verification_duration_seconds",
					Help:    "End-to-end pipeline duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
				},
				[]string{"level"},
			),
		}
	})
	return globalMetrics
}

// ObserveVerification counts one pipeline run and records its duration.
func (m *Metrics) ObserveVerification(level, outcome string, d time.Duration) {
	m.VerificationsTotal.WithLabelValues(level, outcome).Inc()
	m.VerificationDuration.WithLabelValues(level).Observe(d.Seconds())
}
