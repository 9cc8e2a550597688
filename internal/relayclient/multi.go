package relayclient

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ocmt/backend/internal/circuitbreaker"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

// Strategy selects how the composite orders relays for failover calls.
type Strategy string

const (
	// StrategyPrimary always starts from the first configured relay.
	StrategyPrimary Strategy = "primary"

	// StrategyRoundRobin rotates the starting relay per call.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategyLatency starts from the relay with the lowest observed
	// health-probe latency. Unprobed relays keep configuration order after
	// the probed ones.
	StrategyLatency Strategy = "latency"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

var errNoRelays = errdefs.New(errdefs.KindRelayUnreachable, "no relays configured")

// MultiOptions tune the composite client.
type MultiOptions struct {
	Strategy Strategy

	// Breaker configures the per-relay circuit breakers; nil selects the
	// defaults (trip after 3 consecutive failures, one probe after 60s).
	Breaker *circuitbreaker.Config

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// TryWhenOpen retries a failover sweep without breaker gating when every
	// breaker refused, instead of failing with the aggregated error.
	TryWhenOpen bool

	Logger *slog.Logger
}

// Multi composes single-relay clients into one mesh client. Failover ops try
// relays in strategy order until one succeeds; registry and snapshot
// mutations fan out to the whole mesh. A circuit breaker per relay keeps
// dead relays from absorbing timeouts on every call.
type Multi struct {
	clients     []*Client
	strategy    Strategy
	breakers    *circuitbreaker.Manager
	tryWhenOpen bool

	probeInterval time.Duration
	probeTimeout  time.Duration
	single        singleflight.Group

	mu      sync.RWMutex
	latency map[string]time.Duration

	rr  atomic.Uint64
	log *slog.Logger
}

// NewMulti composes clients; slice order defines primary preference.
func NewMulti(clients []*Client, opts MultiOptions) *Multi {
	if opts.Strategy == "" {
		opts.Strategy = StrategyPrimary
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Breaker
	if cfg == nil {
		cfg = circuitbreaker.DefaultConfig("")
	}
	return &Multi{
		clients:       clients,
		strategy:      opts.Strategy,
		breakers:      circuitbreaker.NewManager(cfg),
		tryWhenOpen:   opts.TryWhenOpen,
		probeInterval: opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
		latency:       make(map[string]time.Duration),
		log:           opts.Logger.With("component", "relay-multi"),
	}
}

// NewMultiFromURLs builds one client per URL with shared single-client
// options and composes them.
func NewMultiFromURLs(urls []string, single Options, opts MultiOptions) *Multi {
	clients := make([]*Client, 0, len(urls))
	for _, u := range urls {
		clients = append(clients, New(u, single))
	}
	return NewMulti(clients, opts)
}

// ============================================================================
// REGISTRY (broadcast)
// ============================================================================

// Register announces the container's keys to every relay. Registration
// succeeds when any relay accepted; a relay that was down picks the
// registration up on the next sync.
func (m *Multi) Register(ctx context.Context, req relayapi.RegisterRequest, priv ed25519.PrivateKey) (relayapi.RegisterResponse, error) {
	var (
		mu  sync.Mutex
		out relayapi.RegisterResponse
	)
	err := m.broadcast("register", false, func(c *Client) error {
		resp, err := c.Register(ctx, req, priv)
		if err == nil {
			mu.Lock()
			out = resp
			mu.Unlock()
		}
		return err
	})
	return out, err
}

// Update changes the mutable registration fields mesh-wide.
func (m *Multi) Update(ctx context.Context, req relayapi.UpdateRequest, priv ed25519.PrivateKey) (relayapi.LookupResponse, error) {
	var (
		mu  sync.Mutex
		out relayapi.LookupResponse
	)
	err := m.broadcast("update", false, func(c *Client) error {
		resp, err := c.Update(ctx, req, priv)
		if err == nil {
			mu.Lock()
			out = resp
			mu.Unlock()
		}
		return err
	})
	return out, err
}

// Unregister removes the registration mesh-wide.
func (m *Multi) Unregister(ctx context.Context, priv ed25519.PrivateKey) (relayapi.UnregisterResponse, error) {
	var (
		mu  sync.Mutex
		out relayapi.UnregisterResponse
	)
	err := m.broadcast("unregister", false, func(c *Client) error {
		resp, err := c.Unregister(ctx, priv)
		if err == nil {
			mu.Lock()
			out = resp
			mu.Unlock()
		}
		return err
	})
	return out, err
}

// Lookup fetches a registration from the first relay that has it.
func (m *Multi) Lookup(ctx context.Context, containerID string) (relayapi.LookupResponse, error) {
	var out relayapi.LookupResponse
	err := m.failover("lookup", func(c *Client) error {
		resp, err := c.Lookup(ctx, containerID)
		if err == nil {
			out = resp
		}
		return err
	})
	return out, err
}

// ============================================================================
// MESSAGING
// ============================================================================

// Forward ships an envelope through the first relay that accepts it.
func (m *Multi) Forward(ctx context.Context, req relayapi.ForwardRequest) (relayapi.ForwardResponse, error) {
	var out relayapi.ForwardResponse
	err := m.failover("forward", func(c *Client) error {
		resp, err := c.Forward(ctx, req)
		if err == nil {
			out = resp
		}
		return err
	})
	return out, err
}

// Send ships a plain envelope through the first relay that accepts it.
func (m *Multi) Send(ctx context.Context, req relayapi.SendRequest) (relayapi.SendResponse, error) {
	var out relayapi.SendResponse
	err := m.failover("send", func(c *Client) error {
		resp, err := c.Send(ctx, req)
		if err == nil {
			out = resp
		}
		return err
	})
	return out, err
}

// Pending merges the caller's queues across every relay. An envelope lands
// on whichever relay the sender reached, so polling one relay is not enough.
// Succeeds when at least one relay answered.
func (m *Multi) Pending(ctx context.Context, limit int) (relayapi.PendingResponse, error) {
	if len(m.clients) == 0 {
		return relayapi.PendingResponse{}, errNoRelays
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		msgs    []relayapi.PendingMessage
		oks     int
		details []string
	)
	for _, c := range m.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			var resp relayapi.PendingResponse
			err := m.breakers.Get(c.BaseURL()).Do(func() error {
				var cerr error
				resp, cerr = c.Pending(ctx, limit)
				return cerr
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				details = append(details, c.BaseURL()+": "+err.Error())
				return
			}
			oks++
			msgs = append(msgs, resp.Messages...)
		}(c)
	}
	wg.Wait()

	if oks == 0 {
		return relayapi.PendingResponse{}, errdefs.Newf(errdefs.KindRelayUnreachable,
			"pending poll failed on all relays: %s", strings.Join(details, "; "))
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	return relayapi.PendingResponse{Count: len(msgs), Messages: msgs}, nil
}

// Ack fans the ack to every relay; only the relay holding an envelope
// removes it, the rest ack zero. The total counts actual removals.
func (m *Multi) Ack(ctx context.Context, messageIDs []string) (relayapi.AckResponse, error) {
	var (
		mu    sync.Mutex
		total int
	)
	err := m.broadcast("ack", false, func(c *Client) error {
		resp, err := c.Ack(ctx, messageIDs)
		if err == nil {
			mu.Lock()
			total += resp.Acked
			mu.Unlock()
		}
		return err
	})
	return relayapi.AckResponse{Acked: total}, err
}

// ============================================================================
// REVOCATION
// ============================================================================

// Revoke pushes a revocation to every relay. Partial coverage is a real
// failure here: a relay that missed the revocation would keep honoring the
// capability, so the caller must re-queue unless the whole mesh accepted.
func (m *Multi) Revoke(ctx context.Context, req relayapi.RevokeRequest) (relayapi.RevokeResponse, error) {
	var (
		mu  sync.Mutex
		out relayapi.RevokeResponse
	)
	err := m.broadcast("revoke", true, func(c *Client) error {
		resp, err := c.Revoke(ctx, req)
		if err == nil {
			mu.Lock()
			out = resp
			mu.Unlock()
		}
		return err
	})
	return out, err
}

// RevocationStatus checks one capability id against the first relay that
// answers.
func (m *Multi) RevocationStatus(ctx context.Context, capabilityID string) (relayapi.RevocationStatus, error) {
	var out relayapi.RevocationStatus
	err := m.failover("revocation-status", func(c *Client) error {
		resp, err := c.RevocationStatus(ctx, capabilityID)
		if err == nil {
			out = resp
		}
		return err
	})
	return out, err
}

// CheckRevocations batch-checks capability ids against the first relay that
// answers. Mesh-wide convergence comes from Revoke requiring every relay.
func (m *Multi) CheckRevocations(ctx context.Context, capabilityIDs []string) (relayapi.BatchCheckResponse, error) {
	var out relayapi.BatchCheckResponse
	err := m.failover("check-revocations", func(c *Client) error {
		resp, err := c.CheckRevocations(ctx, capabilityIDs)
		if err == nil {
			out = resp
		}
		return err
	})
	return out, err
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

// StoreSnapshot replicates a snapshot to every relay, succeeding when any
// relay stored it.
func (m *Multi) StoreSnapshot(ctx context.Context, snap relayapi.Snapshot) error {
	return m.broadcast("store-snapshot", false, func(c *Client) error {
		return c.StoreSnapshot(ctx, snap)
	})
}

// GetSnapshot fetches a snapshot from the first relay holding a live copy.
func (m *Multi) GetSnapshot(ctx context.Context, capabilityID string) (relayapi.Snapshot, error) {
	var out relayapi.Snapshot
	err := m.failover("get-snapshot", func(c *Client) error {
		resp, err := c.GetSnapshot(ctx, capabilityID)
		if err == nil {
			out = resp
		}
		return err
	})
	return out, err
}

// DeleteSnapshot removes a snapshot mesh-wide. Deletion is idempotent, so
// any success counts.
func (m *Multi) DeleteSnapshot(ctx context.Context, capabilityID string) error {
	return m.broadcast("delete-snapshot", false, func(c *Client) error {
		return c.DeleteSnapshot(ctx, capabilityID)
	})
}

// ListSnapshots lists the recipient's snapshots from the first relay that
// answers.
func (m *Multi) ListSnapshots(ctx context.Context, req relayapi.SnapshotListRequest) (relayapi.SnapshotListResponse, error) {
	var out relayapi.SnapshotListResponse
	err := m.failover("list-snapshots", func(c *Client) error {
		resp, err := c.ListSnapshots(ctx, req)
		if err == nil {
			out = resp
		}
		return err
	})
	return out, err
}

// ============================================================================
// KEYS
// ============================================================================

// AnnounceRotation publishes a rotation notice mesh-wide, succeeding when
// any relay recorded it. A relay that missed the notice rejects tokens under
// the new key until the container's next registration sync.
func (m *Multi) AnnounceRotation(ctx context.Context, notice relayapi.RotationNotice) error {
	return m.broadcast("announce-rotation", false, func(c *Client) error {
		return c.AnnounceRotation(ctx, notice)
	})
}

// KeyHistory fetches a container's key generations from the first relay
// that answers.
func (m *Multi) KeyHistory(ctx context.Context, containerID string) (relayapi.KeyHistoryResponse, error) {
	var out relayapi.KeyHistoryResponse
	err := m.failover("key-history", func(c *Client) error {
		resp, err := c.KeyHistory(ctx, containerID)
		if err == nil {
			out = resp
		}
		return err
	})
	return out, err
}

// ============================================================================
// SWEEPS
// ============================================================================

// failover tries relays in strategy order until one accepts the call.
// Failures every relay would reproduce (bad signatures, denied scopes) stop
// the sweep at once; relay-local failures move on to the next relay.
func (m *Multi) failover(op string, call func(*Client) error) error {
	if len(m.clients) == 0 {
		return errNoRelays
	}
	relays := m.order()

	var (
		details []string
		blocked int
	)
	for _, c := range relays {
		err := m.breakers.Get(c.BaseURL()).Do(func() error { return call(c) })
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyProbes) {
			blocked++
			details = append(details, c.BaseURL()+": "+err.Error())
			continue
		}
		if !relayLocal(errdefs.KindOf(err)) {
			return err
		}
		details = append(details, c.BaseURL()+": "+err.Error())
	}

	if blocked == len(relays) {
		if m.tryWhenOpen {
			m.log.Warn("every relay circuit is open, trying anyway", "op", op)
			details = details[:0]
			for _, c := range relays {
				err := call(c)
				if err == nil {
					return nil
				}
				if !relayLocal(errdefs.KindOf(err)) {
					return err
				}
				details = append(details, c.BaseURL()+": "+err.Error())
			}
			return errdefs.Newf(errdefs.KindRelayUnreachable,
				"%s failed on all relays: %s", op, strings.Join(details, "; "))
		}
		return errdefs.Newf(errdefs.KindCircuitOpen,
			"%s blocked, every relay circuit is open: %s", op, strings.Join(details, "; "))
	}
	return errdefs.Newf(errdefs.KindRelayUnreachable,
		"%s failed on all relays: %s", op, strings.Join(details, "; "))
}

// broadcast fans the call out to every relay concurrently. With requireAll
// false it succeeds when any relay accepted; with true, every relay must.
func (m *Multi) broadcast(op string, requireAll bool, call func(*Client) error) error {
	if len(m.clients) == 0 {
		return errNoRelays
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		oks     int
		details []string
	)
	for _, c := range m.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			err := m.breakers.Get(c.BaseURL()).Do(func() error { return call(c) })
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				details = append(details, c.BaseURL()+": "+err.Error())
				return
			}
			oks++
		}(c)
	}
	wg.Wait()

	if len(details) > 0 && oks > 0 {
		m.log.Warn("broadcast reached only part of the mesh",
			"op", op, "succeeded", oks, "failed", len(details))
	}
	if requireAll && len(details) > 0 {
		return errdefs.Newf(errdefs.KindRelayUnreachable,
			"%s did not reach every relay: %s", op, strings.Join(details, "; "))
	}
	if oks == 0 {
		return errdefs.Newf(errdefs.KindRelayUnreachable,
			"%s failed on all relays: %s", op, strings.Join(details, "; "))
	}
	return nil
}

// order returns the relays to try, best first, per the configured strategy.
func (m *Multi) order() []*Client {
	switch m.strategy {
	case StrategyRoundRobin:
		n := len(m.clients)
		start := int((m.rr.Add(1) - 1) % uint64(n))
		out := make([]*Client, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, m.clients[(start+i)%n])
		}
		return out
	case StrategyLatency:
		out := append([]*Client(nil), m.clients...)
		m.mu.RLock()
		defer m.mu.RUnlock()
		sort.SliceStable(out, func(i, j int) bool {
			return m.probedLatency(out[i]) < m.probedLatency(out[j])
		})
		return out
	default:
		return m.clients
	}
}

// probedLatency is read under m.mu.
func (m *Multi) probedLatency(c *Client) time.Duration {
	if d, ok := m.latency[c.BaseURL()]; ok {
		return d
	}
	return math.MaxInt64
}

// relayLocal reports whether a failure can differ between relays, making the
// next relay worth trying. Authorization and request-shape failures are
// rejected identically everywhere, so sweeps stop on those.
func relayLocal(kind errdefs.Kind) bool {
	switch kind {
	case errdefs.KindNotFound, errdefs.KindTimeout, errdefs.KindRelayUnreachable,
		errdefs.KindCircuitOpen, errdefs.KindResourceBusy, errdefs.KindRateLimited,
		errdefs.KindInternal:
		return true
	default:
		return false
	}
}

// ============================================================================
// HEALTH PROBES
// ============================================================================

// Run drives the periodic health probes until ctx ends.
func (m *Multi) Run(ctx context.Context) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.ProbeAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.ProbeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeAll checks every relay's health endpoint once, concurrently.
func (m *Multi) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			m.probe(ctx, c)
		}(c)
	}
	wg.Wait()
}

// probe runs one health check through the relay's breaker so sustained
// outages open the circuit and recoveries close it without real traffic.
// Concurrent probes of the same relay collapse into one.
func (m *Multi) probe(ctx context.Context, c *Client) {
	m.single.Do(c.BaseURL(), func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		defer cancel()

		start := time.Now()
		err := m.breakers.Get(c.BaseURL()).Do(func() error {
			_, herr := c.Health(pctx)
			return herr
		})
		if err != nil {
			if !errors.Is(err, circuitbreaker.ErrOpen) && !errors.Is(err, circuitbreaker.ErrTooManyProbes) {
				m.log.Warn("relay health probe failed", "relay", c.BaseURL(), "error", err)
			}
			return nil, nil
		}
		m.mu.Lock()
		m.latency[c.BaseURL()] = time.Since(start)
		m.mu.Unlock()
		return nil, nil
	})
}

// RelayStat is one relay's point-in-time view.
type RelayStat struct {
	URL       string                `json:"url"`
	State     string                `json:"state"`
	LatencyMs int64                 `json:"latencyMs,omitempty"`
	Counts    circuitbreaker.Counts `json:"counts"`
}

// Stats snapshots breaker state and probe latency per relay, in
// configuration order.
func (m *Multi) Stats() []RelayStat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RelayStat, 0, len(m.clients))
	for _, c := range m.clients {
		br := m.breakers.Get(c.BaseURL())
		st := RelayStat{
			URL:    c.BaseURL(),
			State:  br.State().String(),
			Counts: br.Counts(),
		}
		if d, ok := m.latency[c.BaseURL()]; ok {
			st.LatencyMs = d.Milliseconds()
		}
		out = append(out, st)
	}
	return out
}
