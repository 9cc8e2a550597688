package wake

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus metrics.
type Metrics struct {
	Requests         *prometheus.CounterVec
	Successes        prometheus.Counter
	Failures         prometheus.Counter
	Timeouts         prometheus.Counter
	DuplicateWaiters prometheus.Counter
	HealthTimeouts   prometheus.Counter
	InFlight         prometheus.Gauge
	Duration         prometheus.Histogram
}

// NewMetrics creates and registers the wake metrics. A nil registerer uses
// the process-wide default; tests pass their own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wake_requests_total",
				Help: "Wake requests by reason",
			},
			[]string{"reason"},
		),

		Successes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wake_success_total",
				Help: "Wakes that brought a sandbox to running",
			},
		),

		Failures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wake_failures_total",
				Help: "Wakes that failed on an engine error",
			},
		),

		Timeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wake_timeouts_total",
				Help: "Wakes abandoned at the wake budget",
			},
		),

		DuplicateWaiters: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wake_duplicate_waiters_total",
				Help: "Callers that joined an already in-flight wake",
			},
		),

		HealthTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wake_health_timeouts_total",
				Help: "Wakes whose sandbox never answered the health gate",
			},
		),

		InFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "wake_inflight",
				Help: "Wakes currently underway",
			},
		),

		Duration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wake_duration_seconds",
				Help:    "Time from wake start to running",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
	}
}

// Stats is the JSON mirror of the counters, served by the admin API.
type Stats struct {
	Total            int64            `json:"total"`
	Successes        int64            `json:"successes"`
	Failures         int64            `json:"failures"`
	Timeouts         int64            `json:"timeouts"`
	AlreadyRunning   int64            `json:"alreadyRunning"`
	DuplicateWaiters int64            `json:"duplicateWaiters"`
	ByReason         map[Reason]int64 `json:"byReason"`
	AvgWakeMs        float64          `json:"avgWakeMs"`
	InFlight         int              `json:"inFlight"`
}

type statsCounters struct {
	mu               sync.Mutex
	total            int64
	successes        int64
	failures         int64
	timeouts         int64
	alreadyRun       int64
	duplicateWaiters int64
	byReason         map[Reason]int64
	totalWakeMs      int64
	inFlight         int
}

func (s *statsCounters) request(reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byReason == nil {
		s.byReason = make(map[Reason]int64)
	}
	s.total++
	s.byReason[reason]++
}

func (s *statsCounters) alreadyRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alreadyRun++
}

func (s *statsCounters) duplicateWaiter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicateWaiters++
}

func (s *statsCounters) success(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	s.totalWakeMs += elapsed.Milliseconds()
}

func (s *statsCounters) failure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

func (s *statsCounters) timeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts++
}

func (s *statsCounters) setInFlight(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight += delta
}

// Stats snapshots the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	s := &c.stats
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Total:            s.total,
		Successes:        s.successes,
		Failures:         s.failures,
		Timeouts:         s.timeouts,
		AlreadyRunning:   s.alreadyRun,
		DuplicateWaiters: s.duplicateWaiters,
		ByReason:         make(map[Reason]int64, len(s.byReason)),
		InFlight:         s.inFlight,
	}
	for r, n := range s.byReason {
		out.ByReason[r] = n
	}
	if s.successes > 0 {
		out.AvgWakeMs = float64(s.totalWakeMs) / float64(s.successes)
	}
	return out
}
