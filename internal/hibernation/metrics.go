package hibernation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the controller's Prometheus metrics.
type Metrics struct {
	Ticks       prometheus.Counter
	Transitions *prometheus.CounterVec
	Errors      prometheus.Counter
}

// NewMetrics creates and registers the hibernation metrics. A nil registerer
// uses the process-wide default; tests pass their own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Ticks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hibernation_ticks_total",
				Help: "Idle sweeps executed",
			},
		),

		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hibernation_transitions_total",
				Help: "State transitions applied by the sweep",
			},
			[]string{"action"},
		),

		Errors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hibernation_errors_total",
				Help: "Engine calls that failed during sweeps",
			},
		),
	}
}
