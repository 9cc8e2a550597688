// Package governor applies per-plan resource limits to live sandboxes and
// accounts for the runtime they consume.
//
// Limits come from the plan catalog, never from the caller, so a tenant can
// only be moved between envelopes an operator defined. The session ledger
// counts awake time: wake opens a session, pause or stop closes it, and
// cost is billable milliseconds times the plan's hourly rate.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/plan"
	"github.com/ocmt/backend/internal/registry"
	"github.com/ocmt/backend/internal/runtime"
)

// Session is one closed awake interval.
type Session struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	DurationMs int64     `json:"durationMs"`
}

// Ledger is the accumulated runtime accounting for one tenant.
type Ledger struct {
	TotalRuntimeMs      int64      `json:"totalRuntimeMs"`
	CurrentSessionStart *time.Time `json:"currentSessionStart,omitempty"`
	Sessions            []Session  `json:"sessions"`
}

// CostReport prices a ledger against a plan.
type CostReport struct {
	TenantID       string    `json:"tenantId"`
	Plan           plan.Tier `json:"plan"`
	TotalRuntimeMs int64     `json:"totalRuntimeMs"`
	OpenSessionMs  int64     `json:"openSessionMs"`
	BillableMs     int64     `json:"billableMs"`
	HourlyRateUSD  float64   `json:"hourlyRateUsd"`
	CostUSD        float64   `json:"costUsd"`
	Sessions       []Session `json:"sessions"`
}

// maxSessions bounds the per-tenant session history; the total keeps
// accumulating after older entries are trimmed.
const maxSessions = 100

// Governor is safe for concurrent use.
type Governor struct {
	rt      runtime.SandboxRuntime
	reg     *registry.Registry
	catalog *plan.Catalog
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	ledgers map[string]*Ledger

	metrics *Metrics
}

// New wires a governor over the runtime and registry.
func New(rt runtime.SandboxRuntime, reg *registry.Registry, catalog *plan.Catalog, m *Metrics, logger *slog.Logger, now func() time.Time) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Governor{
		rt:      rt,
		reg:     reg,
		catalog: catalog,
		log:     logger.With("component", "governor"),
		now:     now,
		ledgers: make(map[string]*Ledger),
		metrics: m,
	}
}

// ApplyLimits resolves the tier to its envelope and pushes it to the live
// sandbox. The sandbox must currently be running.
func (g *Governor) ApplyLimits(ctx context.Context, tenantID string, tier plan.Tier) (plan.Limits, error) {
	sb, ok := g.reg.Get(tenantID)
	if !ok {
		return plan.Limits{}, errdefs.Newf(errdefs.KindNotFound, "unknown tenant %q", tenantID)
	}
	if sb.State != registry.StateRunning {
		return plan.Limits{}, errdefs.New(errdefs.KindMustBeRunning, "must be running").
			WithField("tenant", tenantID).
			WithField("state", string(sb.State))
	}

	limits := g.catalog.Limits(tier)
	err := g.rt.Update(ctx, sb.Handle, runtime.Limits{
		MemoryBytes:     limits.MemoryBytes,
		MemorySwapBytes: limits.MemorySwapBytes,
		CPUShares:       limits.CPUShares,
		CPUQuota:        limits.CPUQuota,
		CPUPeriod:       limits.CPUPeriod,
		PidsLimit:       limits.PidsLimit,
	})
	if err != nil {
		return plan.Limits{}, err
	}

	g.metrics.LimitUpdates.WithLabelValues(string(tier)).Inc()
	// A sandbox we just resized is definitionally awake; make sure the
	// ledger has an open session even if the wake path was bypassed.
	g.StartSession(tenantID)

	g.log.Info("applied plan limits",
		"tenant", tenantID,
		"plan", tier,
		"memBytes", limits.MemoryBytes,
		"cpuQuota", limits.CPUQuota)
	return limits, nil
}

// Stats samples live usage for the tenant's sandbox.
func (g *Governor) Stats(ctx context.Context, tenantID string) (runtime.Stats, error) {
	sb, ok := g.reg.Get(tenantID)
	if !ok {
		return runtime.Stats{}, errdefs.Newf(errdefs.KindNotFound, "unknown tenant %q", tenantID)
	}
	if sb.State == registry.StateStopped {
		return runtime.Stats{}, errdefs.New(errdefs.KindMustBeRunning, "must be running").
			WithField("tenant", tenantID).
			WithField("state", string(sb.State))
	}
	return g.rt.Stats(ctx, sb.Handle)
}

// StartSession opens an awake interval if none is open.
func (g *Governor) StartSession(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	led := g.ledgerLocked(tenantID)
	if led.CurrentSessionStart != nil {
		return
	}
	t := g.now()
	led.CurrentSessionStart = &t
	g.metrics.OpenSessions.Inc()
}

// CloseSession closes the open interval, if any, and accumulates it.
func (g *Governor) CloseSession(tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	led, ok := g.ledgers[tenantID]
	if !ok || led.CurrentSessionStart == nil {
		return
	}
	start := *led.CurrentSessionStart
	end := g.now()
	dur := end.Sub(start).Milliseconds()
	if dur < 0 {
		dur = 0
	}
	led.Sessions = append(led.Sessions, Session{Start: start, End: end, DurationMs: dur})
	if len(led.Sessions) > maxSessions {
		led.Sessions = led.Sessions[len(led.Sessions)-maxSessions:]
	}
	led.TotalRuntimeMs += dur
	led.CurrentSessionStart = nil
	g.metrics.OpenSessions.Dec()
	g.metrics.RuntimeMs.Add(float64(dur))
}

// Ledger returns a copy of the tenant's accounting state.
func (g *Governor) Ledger(tenantID string) Ledger {
	g.mu.Lock()
	defer g.mu.Unlock()
	led, ok := g.ledgers[tenantID]
	if !ok {
		return Ledger{}
	}
	out := Ledger{TotalRuntimeMs: led.TotalRuntimeMs}
	if led.CurrentSessionStart != nil {
		t := *led.CurrentSessionStart
		out.CurrentSessionStart = &t
	}
	out.Sessions = append([]Session(nil), led.Sessions...)
	return out
}

// Cost prices the tenant's ledger, open session included, at the tier's
// hourly rate.
func (g *Governor) Cost(tenantID string, tier plan.Tier) CostReport {
	led := g.Ledger(tenantID)
	report := CostReport{
		TenantID:       tenantID,
		Plan:           tier,
		TotalRuntimeMs: led.TotalRuntimeMs,
		HourlyRateUSD:  g.catalog.HourlyRate(tier),
		Sessions:       led.Sessions,
	}
	if led.CurrentSessionStart != nil {
		open := g.now().Sub(*led.CurrentSessionStart).Milliseconds()
		if open > 0 {
			report.OpenSessionMs = open
		}
	}
	report.BillableMs = report.TotalRuntimeMs + report.OpenSessionMs
	report.CostUSD = float64(report.BillableMs) / float64(time.Hour/time.Millisecond) * report.HourlyRateUSD
	return report
}

func (g *Governor) ledgerLocked(tenantID string) *Ledger {
	led, ok := g.ledgers[tenantID]
	if !ok {
		led = &Ledger{}
		g.ledgers[tenantID] = led
	}
	return led
}
