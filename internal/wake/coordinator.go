// Package wake serializes sandbox wake-ups.
//
// One wake is in flight per tenant at any time: the first caller starts the
// engine operation and every concurrent caller awaits the same shared
// outcome. The shared operation runs on its own clock, so a caller hanging
// up never fails the wake for the waiters behind it.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/registry"
	"github.com/ocmt/backend/internal/runtime"
)

// Reason describes what triggered a wake.
type Reason string

const (
	ReasonOnRequest Reason = "on-request"
	ReasonDirect    Reason = "direct"
	ReasonReconnect Reason = "reconnect"
)

// Wake outcome statuses.
const (
	StatusAlreadyRunning = "already-running"
	StatusAwoke          = "awoke"
)

// Result is the outcome every waiter of a wake observes.
type Result struct {
	Status     string `json:"status"`
	WakeTimeMs int64  `json:"wakeTimeMs"`
	Queued     bool   `json:"queued,omitempty"`
	Healthy    bool   `json:"healthy"`
}

// CostRecorder receives session-open events; the governor implements it.
type CostRecorder interface {
	StartSession(tenantID string)
}

// Options tunes a Coordinator. Zero values take the defaults noted.
type Options struct {
	Timeout       time.Duration // whole-wake budget, default 30s
	HealthTimeout time.Duration // health gate budget, default 5s
	ProbeInterval time.Duration // health probe spacing, default 200ms
	MaxConcurrent int64         // simultaneous engine wakes, default 8

	// HealthURL builds the probe target for a sandbox. The default probes
	// /health on the ingress port via loopback.
	HealthURL  func(sb registry.Sandbox) string
	HTTPClient *http.Client

	Costs   CostRecorder
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type entry struct {
	done   chan struct{}
	result Result
	err    error
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	rt  runtime.SandboxRuntime
	reg *registry.Registry

	timeout       time.Duration
	healthTimeout time.Duration
	probeInterval time.Duration
	healthURL     func(sb registry.Sandbox) string
	httpClient    *http.Client

	sem     *semaphore.Weighted
	costs   CostRecorder
	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]*entry

	stats statsCounters
}

// New wires a coordinator over the runtime and registry.
func New(rt runtime.SandboxRuntime, reg *registry.Registry, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 200 * time.Millisecond
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.HealthURL == nil {
		opts.HealthURL = func(sb registry.Sandbox) string {
			if sb.IngressPort == 0 {
				return ""
			}
			return fmt.Sprintf("http://127.0.0.1:%d/health", sb.IngressPort)
		}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Second}
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
	return &Coordinator{
		rt:            rt,
		reg:           reg,
		timeout:       opts.Timeout,
		healthTimeout: opts.HealthTimeout,
		probeInterval: opts.ProbeInterval,
		healthURL:     opts.HealthURL,
		httpClient:    opts.HTTPClient,
		sem:           semaphore.NewWeighted(opts.MaxConcurrent),
		costs:         opts.Costs,
		metrics:       opts.Metrics,
		log:           opts.Logger.With("component", "wake"),
		now:           opts.Now,
		inflight:      make(map[string]*entry),
	}
}

// Wake brings the tenant's sandbox to running. Concurrent calls for the
// same tenant share one engine operation and one outcome; callers that join
// an in-flight wake come back with Queued set.
func (c *Coordinator) Wake(ctx context.Context, tenantID string, reason Reason) (Result, error) {
	sb, ok := c.reg.Get(tenantID)
	if !ok {
		return Result{}, errdefs.Newf(errdefs.KindNotFound, "unknown tenant %q", tenantID)
	}

	c.metrics.Requests.WithLabelValues(string(reason)).Inc()
	c.stats.request(reason)

	// Fast path: already running, just record the activity.
	if sb.State == registry.StateRunning {
		c.reg.Touch(tenantID)
		c.stats.alreadyRunning()
		return Result{Status: StatusAlreadyRunning, WakeTimeMs: 0, Healthy: true}, nil
	}

	c.mu.Lock()
	if e, ok := c.inflight[tenantID]; ok {
		c.mu.Unlock()
		c.metrics.DuplicateWaiters.Inc()
		c.stats.duplicateWaiter()
		return c.await(ctx, e, true)
	}
	e := &entry{done: make(chan struct{})}
	c.inflight[tenantID] = e
	c.mu.Unlock()

	go c.run(e, tenantID, reason, sb)
	return c.await(ctx, e, false)
}

// InFlight reports whether a wake is currently underway for the tenant.
func (c *Coordinator) InFlight(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[tenantID]
	return ok
}

// await blocks until the shared outcome lands or the caller gives up. A
// caller timing out does not cancel the wake for anyone else.
func (c *Coordinator) await(ctx context.Context, e *entry, queued bool) (Result, error) {
	select {
	case <-e.done:
		res := e.result
		res.Queued = queued
		return res, e.err
	case <-ctx.Done():
		return Result{}, errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "gave up waiting for wake")
	}
}

// run executes the shared wake and then removes the entry before releasing
// the waiters, so anyone arriving after completion starts a fresh wake.
func (c *Coordinator) run(e *entry, tenantID string, reason Reason, sb registry.Sandbox) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.metrics.InFlight.Inc()
	c.stats.setInFlight(+1)

	res, err := c.perform(ctx, tenantID, reason, sb)

	e.result, e.err = res, err

	c.mu.Lock()
	delete(c.inflight, tenantID)
	c.mu.Unlock()

	c.metrics.InFlight.Dec()
	c.stats.setInFlight(-1)
	close(e.done)
}

func (c *Coordinator) perform(ctx context.Context, tenantID string, reason Reason, sb registry.Sandbox) (Result, error) {
	start := c.now()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Result{}, c.fail(ctx, tenantID, reason, errdefs.Wrap(errdefs.KindTimeout, err, "wake queue full"))
	}
	defer c.sem.Release(1)

	lock := c.reg.TransitionLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	ins, err := c.rt.Inspect(ctx, sb.Handle)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			c.reg.Remove(tenantID)
			c.log.Warn("sandbox vanished during wake", "tenant", tenantID, "handle", sb.Handle)
		}
		return Result{}, c.fail(ctx, tenantID, reason, err)
	}

	switch {
	case ins.Paused:
		err = c.rt.Unpause(ctx, sb.Handle)
	case !ins.Running:
		err = c.rt.Start(ctx, sb.Handle)
	}
	if err != nil {
		return Result{}, c.fail(ctx, tenantID, reason, err)
	}

	// Confirm the engine observed the transition before gating on health.
	ins, err = c.rt.Inspect(ctx, sb.Handle)
	if err != nil {
		return Result{}, c.fail(ctx, tenantID, reason, err)
	}
	if !ins.Running || ins.Paused {
		return Result{}, c.fail(ctx, tenantID, reason,
			errdefs.Newf(errdefs.KindInternal, "sandbox did not reach running (status %s)", ins.Status))
	}

	healthy := c.probeHealth(ctx, sb)

	c.reg.SetState(tenantID, registry.StateRunning)
	c.reg.Touch(tenantID)
	if c.costs != nil {
		c.costs.StartSession(tenantID)
	}

	elapsed := c.now().Sub(start)
	c.metrics.Successes.Inc()
	c.metrics.Duration.Observe(elapsed.Seconds())
	c.stats.success(elapsed)

	c.log.Info("sandbox awoke",
		"tenant", tenantID,
		"reason", reason,
		"wakeMs", elapsed.Milliseconds(),
		"healthy", healthy)

	return Result{Status: StatusAwoke, WakeTimeMs: elapsed.Milliseconds(), Healthy: healthy}, nil
}

// probeHealth polls the sandbox ingress until it answers 2xx or the health
// budget runs out. An unhealthy result is advisory: the sandbox is running,
// it just has not answered yet.
func (c *Coordinator) probeHealth(ctx context.Context, sb registry.Sandbox) bool {
	url := c.healthURL(sb)
	if url == "" {
		c.log.Warn("no ingress port on record, skipping health gate", "tenant", sb.TenantID)
		return false
	}

	deadline := time.NewTimer(c.healthTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.probeInterval)
	defer tick.Stop()

	for {
		if c.probeOnce(ctx, url) {
			return true
		}
		select {
		case <-deadline.C:
			c.metrics.HealthTimeouts.Inc()
			c.log.Warn("sandbox awake but health probe never answered",
				"tenant", sb.TenantID, "url", url, "budget", c.healthTimeout)
			return false
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

func (c *Coordinator) probeOnce(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// fail classifies and counts a wake failure. An engine error surfaced after
// the wake budget expired counts as a timeout, not an engine fault.
func (c *Coordinator) fail(ctx context.Context, tenantID string, reason Reason, err error) error {
	if ctx.Err() != nil && !errdefs.IsKind(err, errdefs.KindTimeout) {
		err = errdefs.Wrap(errdefs.KindTimeout, err, "wake timed out")
	}
	if errdefs.IsKind(err, errdefs.KindTimeout) {
		c.metrics.Timeouts.Inc()
		c.stats.timeout()
	} else {
		c.metrics.Failures.Inc()
		c.stats.failure()
	}
	c.log.Error("wake failed", "tenant", tenantID, "reason", reason, "error", err)
	return err
}
