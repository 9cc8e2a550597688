package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/runtime"
	"github.com/ocmt/backend/internal/workspace"
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

func TestTouchAndQuickStatus(t *testing.T) {
	clock := newFakeClock()
	r := New(Options{Now: clock.Now})

	r.Upsert(Sandbox{TenantID: "acme", Handle: "c1", Name: "ocmt-acme", State: StateRunning, LastActivity: clock.Now()})

	clock.Advance(90 * time.Second)
	st, ok := r.QuickStatus("acme")
	require.True(t, ok)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, int64(90_000), st.IdleMs)

	require.True(t, r.Touch("acme"))
	st, _ = r.QuickStatus("acme")
	assert.Zero(t, st.IdleMs)

	// Activity implies the sandbox is serving again.
	r.SetState("acme", StatePaused)
	require.True(t, r.Touch("acme"))
	st, _ = r.QuickStatus("acme")
	assert.Equal(t, StateRunning, st.State)
	assert.Zero(t, st.PausedAtUnixMs)

	assert.False(t, r.Touch("ghost"))
	_, ok = r.QuickStatus("ghost")
	assert.False(t, ok)
}

func TestSetStateMaintainsStamps(t *testing.T) {
	clock := newFakeClock()
	r := New(Options{Now: clock.Now})
	r.Upsert(Sandbox{TenantID: "acme", State: StateRunning})

	clock.Advance(time.Minute)
	require.True(t, r.SetState("acme", StatePaused))
	sb, _ := r.Get("acme")
	assert.Equal(t, clock.Now(), sb.PausedAt)

	// Re-setting the same state keeps the original stamp.
	clock.Advance(time.Minute)
	require.True(t, r.SetState("acme", StatePaused))
	sb, _ = r.Get("acme")
	assert.Equal(t, clock.Now().Add(-time.Minute), sb.PausedAt)

	require.True(t, r.SetState("acme", StateStopped))
	sb, _ = r.Get("acme")
	assert.Equal(t, clock.Now(), sb.StoppedAt)

	require.True(t, r.SetState("acme", StateRunning))
	sb, _ = r.Get("acme")
	assert.True(t, sb.PausedAt.IsZero())
	assert.True(t, sb.StoppedAt.IsZero())

	assert.False(t, r.SetState("ghost", StateRunning))
}

func TestTransitionLockIsPerTenant(t *testing.T) {
	r := New(Options{})
	a1 := r.TransitionLock("a")
	a2 := r.TransitionLock("a")
	b := r.TransitionLock("b")
	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
}

func TestRebuildFromScan(t *testing.T) {
	clock := newFakeClock()
	r := New(Options{Now: clock.Now})
	ctx := context.Background()

	layout := workspace.NewLayout(t.TempDir())
	cfg, err := layout.Provision("acme", 4410)
	require.NoError(t, err)

	rt := runtime.NewFake()
	rt.Add(runtime.FakeSandbox{Handle: "c1", Name: "ocmt-acme", Running: true})
	rt.Add(runtime.FakeSandbox{Handle: "c2", Name: "ocmt-beta", Running: true, Paused: true})
	rt.Add(runtime.FakeSandbox{Handle: "c3", Name: "postgres"})

	// A record the engine no longer knows about must be dropped.
	r.Upsert(Sandbox{TenantID: "stale", Handle: "gone"})

	n, err := r.Rebuild(ctx, rt, "ocmt-", layout)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	acme, ok := r.Get("acme")
	require.True(t, ok)
	assert.Equal(t, StateRunning, acme.State)
	assert.Equal(t, cfg.GatewayToken, acme.GatewayToken)
	assert.Equal(t, 4410, acme.IngressPort)
	assert.Equal(t, clock.Now(), acme.LastActivity)

	beta, ok := r.Get("beta")
	require.True(t, ok)
	assert.Equal(t, StatePaused, beta.State)
	assert.Equal(t, clock.Now(), beta.PausedAt)
	assert.Empty(t, beta.GatewayToken) // no provisioning record on disk

	_, ok = r.Get("stale")
	assert.False(t, ok)
	_, ok = r.Get("postgres")
	assert.False(t, ok)
}
