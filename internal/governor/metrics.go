package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the governor's Prometheus metrics.
type Metrics struct {
	LimitUpdates *prometheus.CounterVec
	OpenSessions prometheus.Gauge
	RuntimeMs    prometheus.Counter
}

// NewMetrics creates and registers the governor metrics. A nil registerer
// uses the process-wide default; tests pass their own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		LimitUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_limit_updates_total",
				Help: "Live resource limit updates by plan",
			},
			[]string{"plan"},
		),

		OpenSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_open_sessions",
				Help: "Tenants currently accruing awake time",
			},
		),

		RuntimeMs: f.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_runtime_ms_total",
				Help: "Awake milliseconds accumulated across closed sessions",
			},
		),
	}
}
