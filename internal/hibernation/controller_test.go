package hibernation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/registry"
	"github.com/ocmt/backend/internal/runtime"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeWakes struct {
	mu       sync.Mutex
	inflight map[string]bool
}

func (f *fakeWakes) set(tenant string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight == nil {
		f.inflight = make(map[string]bool)
	}
	f.inflight[tenant] = v
}

func (f *fakeWakes) InFlight(tenant string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[tenant]
}

type fakeSessions struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeSessions) CloseSession(tenant string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, tenant)
}

func (f *fakeSessions) count(tenant string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.closed {
		if id == tenant {
			n++
		}
	}
	return n
}

func newTestController(t *testing.T, opts Options) (*Controller, *runtime.Fake, *registry.Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	rt := runtime.NewFake()
	reg := registry.New(registry.Options{Now: clock.Now})
	opts.Metrics = NewMetrics(prometheus.NewRegistry())
	opts.Now = clock.Now
	return New(rt, reg, opts), rt, reg, clock
}

func seedRunning(rt *runtime.Fake, reg *registry.Registry, tenant, handle string, lastActivity time.Time) {
	rt.Add(runtime.FakeSandbox{Handle: handle, Name: "ocmt-" + tenant, Running: true})
	reg.Upsert(registry.Sandbox{
		TenantID:     tenant,
		Handle:       handle,
		Name:         "ocmt-" + tenant,
		State:        registry.StateRunning,
		LastActivity: lastActivity,
	})
}

func TestTickPausesIdleSandbox(t *testing.T) {
	sessions := &fakeSessions{}
	c, rt, reg, clock := newTestController(t, Options{Sessions: sessions})
	seedRunning(rt, reg, "acme", "c1", clock.Now())

	clock.Advance(31 * time.Minute)
	c.Tick(context.Background())

	assert.Equal(t, 1, rt.Calls("pause"))
	sb, ok := reg.Get("acme")
	require.True(t, ok)
	assert.Equal(t, registry.StatePaused, sb.State)
	assert.Equal(t, clock.Now(), sb.PausedAt)
	assert.Equal(t, 1, sessions.count("acme"))
}

func TestTickLeavesActiveSandboxAlone(t *testing.T) {
	c, rt, reg, clock := newTestController(t, Options{})
	seedRunning(rt, reg, "acme", "c1", clock.Now())

	clock.Advance(29 * time.Minute)
	c.Tick(context.Background())

	assert.Zero(t, rt.Calls("pause"))
	sb, _ := reg.Get("acme")
	assert.Equal(t, registry.StateRunning, sb.State)
}

func TestTickStopsLongPausedSandbox(t *testing.T) {
	sessions := &fakeSessions{}
	c, rt, reg, clock := newTestController(t, Options{Sessions: sessions})
	seedRunning(rt, reg, "acme", "c1", clock.Now())

	// First sweep pauses, the engine keeps memory, the clock rolls past the
	// stop threshold, the second sweep stops.
	clock.Advance(31 * time.Minute)
	c.Tick(context.Background())
	require.Equal(t, 1, rt.Calls("pause"))

	clock.Advance(3*time.Hour + 31*time.Minute)
	c.Tick(context.Background())

	assert.Equal(t, 1, rt.Calls("stop"))
	sb, ok := reg.Get("acme")
	require.True(t, ok)
	assert.Equal(t, registry.StateStopped, sb.State)

	// One session closed at pause; stop of an already-paused sandbox does
	// not close another.
	assert.Equal(t, 1, sessions.count("acme"))
}

func TestTickKeepsFreshPause(t *testing.T) {
	c, rt, reg, clock := newTestController(t, Options{})
	seedRunning(rt, reg, "acme", "c1", clock.Now())

	clock.Advance(31 * time.Minute)
	c.Tick(context.Background())
	require.Equal(t, registry.StatePaused, mustGet(t, reg, "acme").State)

	// Two hours paused is within the stop budget.
	clock.Advance(2 * time.Hour)
	c.Tick(context.Background())

	assert.Zero(t, rt.Calls("stop"))
	assert.Equal(t, registry.StatePaused, mustGet(t, reg, "acme").State)
}

func TestTickSkipsInFlightWake(t *testing.T) {
	wakes := &fakeWakes{}
	c, rt, reg, clock := newTestController(t, Options{Wakes: wakes})
	seedRunning(rt, reg, "acme", "c1", clock.Now())

	wakes.set("acme", true)
	clock.Advance(31 * time.Minute)
	c.Tick(context.Background())

	assert.Zero(t, rt.Calls("inspect"))
	assert.Zero(t, rt.Calls("pause"))

	wakes.set("acme", false)
	c.Tick(context.Background())
	assert.Equal(t, 1, rt.Calls("pause"))
}

func TestTickRemovesVanishedSandbox(t *testing.T) {
	c, rt, reg, clock := newTestController(t, Options{})
	seedRunning(rt, reg, "acme", "c1", clock.Now())
	rt.Delete("c1")

	c.Tick(context.Background())

	_, ok := reg.Get("acme")
	assert.False(t, ok)
}

func TestTickRecordsExternalStop(t *testing.T) {
	c, rt, reg, clock := newTestController(t, Options{})
	seedRunning(rt, reg, "acme", "c1", clock.Now())

	// Engine reports exited; nothing left to reclaim.
	rt.Add(runtime.FakeSandbox{Handle: "c1", Name: "ocmt-acme", Running: false})
	c.Tick(context.Background())

	assert.Zero(t, rt.Calls("stop"))
	sb, ok := reg.Get("acme")
	require.True(t, ok)
	assert.Equal(t, registry.StateStopped, sb.State)
}

func TestTickAdoptsExternalPause(t *testing.T) {
	c, rt, reg, clock := newTestController(t, Options{})
	seedRunning(rt, reg, "acme", "c1", clock.Now())

	// Paused behind our back: the registry still says running.
	rt.Add(runtime.FakeSandbox{Handle: "c1", Name: "ocmt-acme", Running: true, Paused: true})
	clock.Advance(5 * time.Hour)
	c.Tick(context.Background())

	// The sweep stamps the pause instead of stopping off a stale clock.
	sb, _ := reg.Get("acme")
	assert.Equal(t, registry.StatePaused, sb.State)
	assert.Zero(t, rt.Calls("stop"))

	// From that stamp the usual budget applies.
	clock.Advance(4 * time.Hour)
	c.Tick(context.Background())
	assert.Equal(t, 1, rt.Calls("stop"))
}

func TestTickSweepsTenantsIndependently(t *testing.T) {
	c, rt, reg, clock := newTestController(t, Options{})
	seedRunning(rt, reg, "idle", "c1", clock.Now())

	clock.Advance(31 * time.Minute)
	seedRunning(rt, reg, "busy", "c2", clock.Now())

	c.Tick(context.Background())

	assert.Equal(t, registry.StatePaused, mustGet(t, reg, "idle").State)
	assert.Equal(t, registry.StateRunning, mustGet(t, reg, "busy").State)
}

func TestPauseFailureLeavesRecord(t *testing.T) {
	c, rt, reg, clock := newTestController(t, Options{})
	seedRunning(rt, reg, "acme", "c1", clock.Now())
	rt.SetErr("pause", assert.AnError)

	clock.Advance(31 * time.Minute)
	c.Tick(context.Background())

	sb, ok := reg.Get("acme")
	require.True(t, ok)
	assert.Equal(t, registry.StateRunning, sb.State)
}

func mustGet(t *testing.T, reg *registry.Registry, tenant string) registry.Sandbox {
	t.Helper()
	sb, ok := reg.Get(tenant)
	require.True(t, ok)
	return sb
}
