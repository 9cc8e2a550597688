package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/errdefs"
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

var errBackend = errors.New("backend down")

func failing() error { return errBackend }
func succeeding() error { return nil }

func newTestBreaker(t *testing.T) (*Breaker, *fakeClock, *[]string) {
	t.Helper()
	clk := newFakeClock()
	var transitions []string
	cfg := DefaultConfig("relay-1")
	cfg.Now = clk.Now
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	return New(cfg), clk, &transitions
}

func TestTripsAfterThreeConsecutiveFailures(t *testing.T) {
	b, _, transitions := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Do(failing), errBackend)
		assert.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Do(failing), errBackend)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []string{"closed->open"}, *transitions)

	err := b.Do(succeeding)
	assert.Equal(t, errdefs.KindCircuitOpen, errdefs.KindOf(err), "open circuit blocks calls")
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, _, _ := newTestBreaker(t)

	require.Error(t, b.Do(failing))
	require.Error(t, b.Do(failing))
	require.NoError(t, b.Do(succeeding))
	require.Error(t, b.Do(failing))
	require.Error(t, b.Do(failing))
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures do not trip")

	require.Error(t, b.Do(failing))
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	b, clk, transitions := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.Do(failing)
	}
	require.Equal(t, StateOpen, b.State())

	clk.Advance(61 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(succeeding))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, *transitions)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b, clk, _ := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		b.Do(failing)
	}
	clk.Advance(61 * time.Second)

	require.ErrorIs(t, b.Do(failing), errBackend)
	assert.Equal(t, StateOpen, b.State())

	// The reset window starts over.
	clk.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clk.Advance(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenProbeBudget(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig("relay-1")
	cfg.Now = clk.Now
	cfg.MaxProbes = 1
	b := New(cfg)

	for i := 0; i < 3; i++ {
		b.Do(failing)
	}
	clk.Advance(61 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// First probe is admitted; a concurrent second is rejected.
	gen, err := b.before()
	require.NoError(t, err)
	err = b.Allow()
	assert.Equal(t, errdefs.KindCircuitOpen, errdefs.KindOf(err))
	b.after(gen, true)
	assert.Equal(t, StateClosed, b.State())
}

func TestStaleResultIgnoredAcrossGenerations(t *testing.T) {
	b, clk, _ := newTestBreaker(t)

	gen, err := b.before()
	require.NoError(t, err)

	// The breaker trips while the slow call is still in flight.
	for i := 0; i < 3; i++ {
		b.Do(failing)
	}
	require.Equal(t, StateOpen, b.State())

	clk.Advance(61 * time.Second)
	require.NoError(t, b.Do(succeeding)) // closes via half-open probe

	b.after(gen, false)
	assert.Equal(t, StateClosed, b.State(), "result from an old generation cannot re-trip")
}

func TestAllowWhenClosed(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	assert.NoError(t, b.Allow())
}

func TestManagerReusesBreakersPerName(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig("")
	cfg.Now = clk.Now
	m := NewManager(cfg)

	a1 := m.Get("relay-a")
	a2 := m.Get("relay-a")
	bb := m.Get("relay-b")
	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, bb)
	assert.Equal(t, "relay-a", a1.Name())

	for i := 0; i < 3; i++ {
		a1.Do(failing)
	}
	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "open", stats["relay-a"].State)
	assert.Equal(t, "closed", stats["relay-b"].State)
}

func TestDoPanicCountsAsFailure(t *testing.T) {
	b, _, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		assert.Panics(t, func() {
			b.Do(func() error { panic("boom") })
		})
	}
	assert.Equal(t, StateOpen, b.State())
}
