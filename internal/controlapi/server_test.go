package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/audit"
	"github.com/ocmt/backend/internal/governor"
	"github.com/ocmt/backend/internal/plan"
	"github.com/ocmt/backend/internal/registry"
	"github.com/ocmt/backend/internal/runtime"
	"github.com/ocmt/backend/internal/tenancy"
	"github.com/ocmt/backend/internal/wake"
)

const adminToken = "operator-secret"

// fixture is a control plane API over a fake engine. The health stub makes
// the wake coordinator's health gate pass immediately.
type fixture struct {
	rt  *runtime.Fake
	reg *registry.Registry
	bus *audit.Bus
	srv *httptest.Server
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	rt := runtime.NewFake()
	reg := registry.New(registry.Options{})
	bus := audit.NewBus()

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(health.Close)

	gov := governor.New(rt, reg, plan.NewCatalog(), governor.NewMetrics(prometheus.NewRegistry()), nil, nil)
	wakes := wake.New(rt, reg, wake.Options{
		Timeout:       5 * time.Second,
		HealthTimeout: 2 * time.Second,
		ProbeInterval: 10 * time.Millisecond,
		HealthURL:     func(registry.Sandbox) string { return health.URL + "/health" },
		Costs:         gov,
		Metrics:       wake.NewMetrics(prometheus.NewRegistry()),
	})

	cfg := Config{
		AdminToken: adminToken,
		Audit:      bus,
		Registerer: prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	api := NewServer(reg, wakes, gov, cfg)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &fixture{rt: rt, reg: reg, bus: bus, srv: srv}
}

// seed registers a tenant sandbox in both the registry and the fake engine.
func (f *fixture) seed(tenantID string, state registry.State) registry.Sandbox {
	sb := registry.Sandbox{
		TenantID:     tenantID,
		Handle:       "h-" + tenantID,
		Name:         "ocmt-" + tenantID,
		IngressPort:  18080,
		GatewayToken: "gw-secret",
		State:        state,
		LastActivity: time.Now(),
	}
	f.reg.Upsert(sb)
	f.rt.Add(runtime.FakeSandbox{
		Handle:  sb.Handle,
		Name:    sb.Name,
		Running: state == registry.StateRunning || state == registry.StatePaused,
		Paused:  state == registry.StatePaused,
	})
	return sb
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v))
}

func TestHealthIsUnauthenticated(t *testing.T) {
	f := newFixture(t, nil)
	f.seed("t1", registry.StateRunning)

	code, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)

	var hr healthResponse
	decode(t, body, &hr)
	assert.Equal(t, "healthy", hr.Status)
	assert.EqualValues(t, 1, hr.Components["sandboxes"])
}

func TestAPIRequiresAdminToken(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/api/containers", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	var er struct {
		Kind string `json:"kind"`
	}
	decode(t, body, &er)
	assert.Equal(t, "auth_failed", er.Kind)

	code, _ = f.do(t, http.MethodGet, "/api/containers", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/api/containers", adminToken, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestListAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.seed("t-b", registry.StatePaused)
	f.seed("t-a", registry.StateRunning)

	code, body := f.do(t, http.MethodGet, "/api/containers", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	var list listResponse
	decode(t, body, &list)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "t-a", list.Containers[0].TenantID)
	assert.Equal(t, "t-b", list.Containers[1].TenantID)

	code, body = f.do(t, http.MethodGet, "/api/containers/t-b/status", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	var st registry.Status
	decode(t, body, &st)
	assert.Equal(t, registry.StatePaused, st.State)

	code, _ = f.do(t, http.MethodGet, "/api/containers/ghost/status", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWakeUnpausesAndAudits(t *testing.T) {
	f := newFixture(t, nil)
	f.seed("t1", registry.StatePaused)
	events := f.bus.Subscribe(audit.TypeSandboxWoken)

	code, body := f.do(t, http.MethodPost, "/api/containers/t1/wake", adminToken,
		map[string]string{"reason": "on-request"})
	require.Equal(t, http.StatusOK, code)

	var res wake.Result
	decode(t, body, &res)
	assert.Equal(t, wake.StatusAwoke, res.Status)
	assert.True(t, res.Healthy)
	assert.Equal(t, 1, f.rt.Calls("unpause"))

	st, ok := f.reg.QuickStatus("t1")
	require.True(t, ok)
	assert.Equal(t, registry.StateRunning, st.State)

	select {
	case e := <-events:
		assert.Equal(t, "t1", e.TenantID)
		assert.Equal(t, "on-request", e.Fields["reason"])
	case <-time.After(time.Second):
		t.Fatal("no audit event for the wake")
	}

	// A second wake finds the sandbox running and is not an audit event.
	code, body = f.do(t, http.MethodPost, "/api/containers/t1/wake", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	decode(t, body, &res)
	assert.Equal(t, wake.StatusAlreadyRunning, res.Status)
	assert.Equal(t, 1, f.rt.Calls("unpause"))
	assert.Len(t, events, 0)
}

func TestWakeRejectsUnknownReason(t *testing.T) {
	f := newFixture(t, nil)
	f.seed("t1", registry.StatePaused)

	code, body := f.do(t, http.MethodPost, "/api/containers/t1/wake", adminToken,
		map[string]string{"reason": "because"})
	require.Equal(t, http.StatusBadRequest, code)
	var er struct {
		Kind string `json:"kind"`
	}
	decode(t, body, &er)
	assert.Equal(t, "invalid_input", er.Kind)
}

func TestWakeSuspendedTenantIsDenied(t *testing.T) {
	dir, err := tenancy.NewStatic(map[string]string{"t1": "pro"}, "")
	require.NoError(t, err)
	dir.Suspend("t1")

	f := newFixture(t, func(cfg *Config) { cfg.Tenants = dir })
	f.seed("t1", registry.StatePaused)

	code, body := f.do(t, http.MethodPost, "/api/containers/t1/wake", adminToken, nil)
	require.Equal(t, http.StatusForbidden, code)
	var er struct {
		Kind string `json:"kind"`
	}
	decode(t, body, &er)
	assert.Equal(t, "scope_denied", er.Kind)
	assert.Equal(t, 0, f.rt.Calls("unpause"))
}

func TestLimitsAppliesRequestedPlan(t *testing.T) {
	f := newFixture(t, nil)
	sb := f.seed("t1", registry.StateRunning)
	events := f.bus.Subscribe(audit.TypeLimitsApplied)

	code, body := f.do(t, http.MethodPost, "/api/containers/t1/limits", adminToken,
		map[string]string{"plan": "pro"})
	require.Equal(t, http.StatusOK, code)

	var lr limitsResponse
	decode(t, body, &lr)
	assert.Equal(t, plan.TierPro, lr.Plan)
	assert.Equal(t, int64(2<<30), lr.Limits.MemoryBytes)

	got, ok := f.rt.Sandbox(sb.Handle)
	require.True(t, ok)
	assert.Equal(t, int64(2<<30), got.Limits.MemoryBytes)

	select {
	case e := <-events:
		assert.Equal(t, "pro", e.Fields["plan"])
	case <-time.After(time.Second):
		t.Fatal("no audit event for the limits change")
	}
}

func TestLimitsResolvesPlanFromDirectory(t *testing.T) {
	dir, err := tenancy.NewStatic(map[string]string{"t1": "enterprise"}, "")
	require.NoError(t, err)

	f := newFixture(t, func(cfg *Config) { cfg.Tenants = dir })
	f.seed("t1", registry.StateRunning)

	code, body := f.do(t, http.MethodPost, "/api/containers/t1/limits", adminToken, nil)
	require.Equal(t, http.StatusOK, code)

	var lr limitsResponse
	decode(t, body, &lr)
	assert.Equal(t, plan.TierEnterprise, lr.Plan)
	assert.Equal(t, int64(8<<30), lr.Limits.MemoryBytes)
}

func TestLimitsWithoutDirectoryRequiresPlan(t *testing.T) {
	f := newFixture(t, nil)
	f.seed("t1", registry.StateRunning)

	code, _ := f.do(t, http.MethodPost, "/api/containers/t1/limits", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/containers/t1/limits", adminToken,
		map[string]string{"plan": "platinum"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLimitsRequireRunningSandbox(t *testing.T) {
	f := newFixture(t, nil)
	f.seed("t1", registry.StateStopped)

	code, body := f.do(t, http.MethodPost, "/api/containers/t1/limits", adminToken,
		map[string]string{"plan": "pro"})
	require.Equal(t, http.StatusConflict, code)
	var er struct {
		Kind string `json:"kind"`
	}
	decode(t, body, &er)
	assert.Equal(t, "must_be_running", er.Kind)
}

func TestStatsReportsLiveUsage(t *testing.T) {
	f := newFixture(t, nil)
	f.rt.Add(runtime.FakeSandbox{
		Handle:  "h-t1",
		Name:    "ocmt-t1",
		Running: true,
		Usage:   runtime.Stats{CPUPercent: 12.5, MemoryBytes: 100 << 20, Pids: 7},
	})
	f.reg.Upsert(registry.Sandbox{TenantID: "t1", Handle: "h-t1", State: registry.StateRunning})

	code, body := f.do(t, http.MethodGet, "/api/containers/t1/stats", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	var st runtime.Stats
	decode(t, body, &st)
	assert.Equal(t, 12.5, st.CPUPercent)
	assert.EqualValues(t, 7, st.Pids)

	code, _ = f.do(t, http.MethodGet, "/api/containers/ghost/stats", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCostUsesDirectoryPlan(t *testing.T) {
	dir, err := tenancy.NewStatic(map[string]string{"t1": "pro"}, "")
	require.NoError(t, err)

	f := newFixture(t, func(cfg *Config) { cfg.Tenants = dir })
	f.seed("t1", registry.StateRunning)

	code, body := f.do(t, http.MethodGet, "/api/containers/t1/cost", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	var rep governor.CostReport
	decode(t, body, &rep)
	assert.Equal(t, "t1", rep.TenantID)
	assert.Equal(t, plan.TierPro, rep.Plan)
	assert.Equal(t, 0.12, rep.HourlyRateUSD)
}

func TestWakeMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.seed("t1", registry.StatePaused)

	code, _ := f.do(t, http.MethodPost, "/api/containers/t1/wake", adminToken, nil)
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodGet, "/api/wake/metrics", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	var stats wake.Stats
	decode(t, body, &stats)
	assert.EqualValues(t, 1, stats.Total)
	assert.EqualValues(t, 1, stats.Successes)
	assert.EqualValues(t, 1, stats.ByReason[wake.ReasonDirect])
}

type fakeAuditStore struct {
	mu         sync.Mutex
	lastTenant string
	lastLimit  int
	events     []audit.Event
}

func (f *fakeAuditStore) Recent(_ context.Context, tenantID string, limit int) ([]audit.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTenant = tenantID
	f.lastLimit = limit
	return f.events, nil
}

func TestAuditEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	code, _ := f.do(t, http.MethodGet, "/api/audit", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, code)

	store := &fakeAuditStore{events: []audit.Event{
		{ID: "e1", Type: audit.TypeSandboxWoken, TenantID: "t1"},
		{ID: "e2", Type: audit.TypeLimitsApplied, TenantID: "t1"},
	}}
	f = newFixture(t, func(cfg *Config) { cfg.AuditStore = store })

	code, body := f.do(t, http.MethodGet, "/api/audit?tenant=t1&limit=5", adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	var ar auditResponse
	decode(t, body, &ar)
	assert.Equal(t, 2, ar.Count)
	assert.Equal(t, "t1", store.lastTenant)
	assert.Equal(t, 5, store.lastLimit)

	code, _ = f.do(t, http.MethodGet, "/api/audit?limit=soon", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUnlockRouteSkipsAdminAuth(t *testing.T) {
	var gotTenant string
	unlock := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = mux.Vars(r)["tenantId"]
		w.WriteHeader(http.StatusOK)
	})

	f := newFixture(t, func(cfg *Config) { cfg.Unlock = unlock })

	// No Authorization header: the bridge route must still be reachable
	// because the bridge does its own token check.
	code, _ := f.do(t, http.MethodGet, "/api/containers/t9/unlock", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "t9", gotTenant)
}
