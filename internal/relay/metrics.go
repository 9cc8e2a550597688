package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay's Prometheus metrics.
type Metrics struct {
	ForwardsTotal    *prometheus.CounterVec
	DeliveriesTotal  *prometheus.CounterVec
	RevocationBlocks prometheus.Counter
	RevocationsTotal prometheus.Counter
	QueueDrops       prometheus.Counter
	WakesTriggered   prometheus.Counter
	PendingDepth     prometheus.Gauge
	WSConnections    prometheus.Gauge
	RequestDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the relay metrics. A nil registerer uses
// the process-wide default; tests pass their own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ForwardsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_forwards_total",
				Help: "Capability-enforced forwards by outcome",
			},
			[]string{"status"}, // delivered, queued, rejected
		),

		DeliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_deliveries_total",
				Help: "Envelope deliveries by method",
			},
			[]string{"method"}, // websocket, callback, pending
		),

		RevocationBlocks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_revocation_blocks_total",
				Help: "Forwards refused because the capability was revoked",
			},
		),

		RevocationsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_revocations_total",
				Help: "Revocations accepted by this pod",
			},
		),

		QueueDrops: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_queue_drops_total",
				Help: "Envelopes evicted from full pending queues",
			},
		),

		WakesTriggered: f.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_wakes_triggered_total",
				Help: "Sandbox wakes requested while routing envelopes",
			},
		),

		PendingDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_pending_messages",
				Help: "Envelopes queued across all recipients",
			},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_ws_connections",
				Help: "Open relay websockets",
			},
		),

		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "HTTP handler latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// RecordForward records a forward outcome and, for deliveries, the method.
func (m *Metrics) RecordForward(status, method string) {
	m.ForwardsTotal.WithLabelValues(status).Inc()
	if method != "" {
		m.DeliveriesTotal.WithLabelValues(method).Inc()
	}
}
