// Package hibernation reclaims resources from idle sandboxes. A periodic
// sweep inspects every registered sandbox through the engine, pauses the
// ones idle past the pause threshold, and stops the ones that have sat
// paused past the stop threshold. The registry record always follows the
// externally observed state, never the other way around.
package hibernation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/registry"
	"github.com/ocmt/backend/internal/runtime"
)

// Defaults for the idle thresholds and sweep cadence.
const (
	DefaultPauseAfter = 30 * time.Minute
	DefaultStopAfter  = 4 * time.Hour
	DefaultInterval   = time.Minute
	DefaultStopGrace  = 30 * time.Second
)

// WakeProbe reports whether a wake is underway for a tenant. The controller
// leaves those sandboxes alone for the tick.
type WakeProbe interface {
	InFlight(tenantID string) bool
}

// SessionCloser closes a tenant's open cost session when its sandbox leaves
// the running state.
type SessionCloser interface {
	CloseSession(tenantID string)
}

// Recorder receives lifecycle events for the audit trail.
type Recorder interface {
	Emit(eventType, tenantID string, fields map[string]interface{})
}

// Options tune a Controller. Zero values select defaults.
type Options struct {
	PauseAfter time.Duration
	StopAfter  time.Duration
	Interval   time.Duration
	StopGrace  time.Duration

	Wakes    WakeProbe
	Sessions SessionCloser
	Audit    Recorder

	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Controller owns the idle sweep. Construct with New and drive it with Run,
// or call Tick directly from tests.
type Controller struct {
	rt  runtime.SandboxRuntime
	reg *registry.Registry

	pauseAfter time.Duration
	stopAfter  time.Duration
	interval   time.Duration
	stopGrace  time.Duration

	wakes    WakeProbe
	sessions SessionCloser
	audit    Recorder

	// single collapses overlapping ticks: a tenant whose check from the
	// previous sweep is still inspecting is not checked again.
	single singleflight.Group

	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time
}

// New builds a controller over the engine and registry.
func New(rt runtime.SandboxRuntime, reg *registry.Registry, opts Options) *Controller {
	if opts.PauseAfter <= 0 {
		opts.PauseAfter = DefaultPauseAfter
	}
	if opts.StopAfter <= 0 {
		opts.StopAfter = DefaultStopAfter
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		rt:         rt,
		reg:        reg,
		pauseAfter: opts.PauseAfter,
		stopAfter:  opts.StopAfter,
		interval:   opts.Interval,
		stopGrace:  opts.StopGrace,
		wakes:      opts.Wakes,
		sessions:   opts.Sessions,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		log:        opts.Logger.With("component", "hibernation"),
		now:        opts.Now,
	}
}

// Run sweeps on the configured interval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	c.log.Info("hibernation controller started",
		"interval", c.interval,
		"pauseAfter", c.pauseAfter,
		"stopAfter", c.stopAfter)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("hibernation controller stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick sweeps every registered sandbox once. Each check runs in its own
// goroutine so one slow engine call cannot stall the rest of the sweep.
func (c *Controller) Tick(ctx context.Context) {
	c.metrics.Ticks.Inc()
	var wg sync.WaitGroup
	for _, sb := range c.reg.List() {
		if c.wakes != nil && c.wakes.InFlight(sb.TenantID) {
			continue
		}
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			c.single.Do(tenantID, func() (interface{}, error) {
				c.check(ctx, tenantID)
				return nil, nil
			})
		}(sb.TenantID)
	}
	wg.Wait()
}

// check inspects one sandbox and applies at most one transition. It holds
// the tenant's transition lock so wake and the sweep never race an engine
// operation for the same sandbox.
func (c *Controller) check(ctx context.Context, tenantID string) {
	lock := c.reg.TransitionLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	sb, ok := c.reg.Get(tenantID)
	if !ok {
		return
	}

	ins, err := c.rt.Inspect(ctx, sb.Handle)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			c.reg.Remove(tenantID)
			c.closeSession(tenantID)
			c.metrics.Transitions.WithLabelValues("remove").Inc()
			c.log.Info("sandbox gone from engine, dropping record",
				"tenant", tenantID, "handle", sb.Handle)
			c.emit("sandbox.removed", tenantID, map[string]interface{}{"handle": sb.Handle})
			return
		}
		c.metrics.Errors.Inc()
		c.log.Warn("inspect failed during idle sweep", "tenant", tenantID, "error", err)
		return
	}

	now := c.now()
	switch {
	case !ins.Running && !ins.Paused:
		// The engine already reclaimed it; record what happened.
		if sb.State != registry.StateStopped {
			c.reg.SetState(tenantID, registry.StateStopped)
			c.closeSession(tenantID)
			c.metrics.Transitions.WithLabelValues("record-stop").Inc()
			c.log.Info("sandbox found stopped", "tenant", tenantID, "status", ins.Status)
			c.emit("sandbox.stopped", tenantID, map[string]interface{}{"observed": true})
		}

	case ins.Paused:
		if sb.State != registry.StatePaused {
			// Paused outside our control; stamp it now and judge stop
			// eligibility from here on the next sweeps.
			c.reg.SetState(tenantID, registry.StatePaused)
			c.closeSession(tenantID)
			return
		}
		if now.Sub(sb.PausedAt) > c.stopAfter-c.pauseAfter {
			if err := c.rt.Stop(ctx, sb.Handle, c.stopGrace); err != nil {
				c.metrics.Errors.Inc()
				c.log.Warn("stop failed", "tenant", tenantID, "error", err)
				return
			}
			c.reg.SetState(tenantID, registry.StateStopped)
			c.metrics.Transitions.WithLabelValues("stop").Inc()
			c.log.Info("stopped hibernated sandbox",
				"tenant", tenantID,
				"pausedForMs", now.Sub(sb.PausedAt).Milliseconds())
			c.emit("sandbox.stopped", tenantID, nil)
		}

	default: // running
		if sb.State != registry.StateRunning {
			c.reg.SetState(tenantID, registry.StateRunning)
		}
		if now.Sub(sb.LastActivity) > c.pauseAfter {
			if err := c.rt.Pause(ctx, sb.Handle); err != nil {
				c.metrics.Errors.Inc()
				c.log.Warn("pause failed", "tenant", tenantID, "error", err)
				return
			}
			c.reg.SetState(tenantID, registry.StatePaused)
			c.closeSession(tenantID)
			c.metrics.Transitions.WithLabelValues("pause").Inc()
			c.log.Info("paused idle sandbox",
				"tenant", tenantID,
				"idleMs", now.Sub(sb.LastActivity).Milliseconds())
			c.emit("sandbox.paused", tenantID, map[string]interface{}{
				"idleMs": now.Sub(sb.LastActivity).Milliseconds(),
			})
		}
	}
}

func (c *Controller) closeSession(tenantID string) {
	if c.sessions != nil {
		c.sessions.CloseSession(tenantID)
	}
}

func (c *Controller) emit(eventType, tenantID string, fields map[string]interface{}) {
	if c.audit != nil {
		c.audit.Emit(eventType, tenantID, fields)
	}
}
