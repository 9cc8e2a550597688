// Package controlapi is the operator-facing HTTP surface of the control
// plane: sandbox inventory, wakes, plan limits, live stats, runtime cost,
// and the vault unlock bridge. Every route under /api except the unlock
// socket requires the admin bearer token; the unlock socket authenticates
// inside the bridge because browsers cannot set websocket headers.
package controlapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocmt/backend/internal/audit"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/governor"
	"github.com/ocmt/backend/internal/httpx"
	"github.com/ocmt/backend/internal/plan"
	"github.com/ocmt/backend/internal/registry"
	"github.com/ocmt/backend/internal/tenancy"
	"github.com/ocmt/backend/internal/wake"
)

// AuditStore serves recent audit events over the API. The postgres store
// implements it; deployments without a database leave it nil and the audit
// route reports not_found.
type AuditStore interface {
	Recent(ctx context.Context, tenantID string, limit int) ([]audit.Event, error)
}

// Config tunes a Server. Zero values select defaults.
type Config struct {
	// AdminToken is the operator bearer token, compared constant-time.
	AdminToken string

	MaxBodyBytes int64

	// Tenants gates wakes and resolves plans when set. A nil directory
	// means every tenant is taken at face value.
	Tenants tenancy.Directory

	// Audit receives lifecycle events. Nil falls back to audit.Nop.
	Audit audit.Emitter

	// AuditStore backs GET /api/audit when set.
	AuditStore AuditStore

	// Unlock is the vault unlock websocket handler; the bridge provides
	// it. Nil leaves the route unmounted.
	Unlock http.Handler

	Logger     *slog.Logger
	Now        func() time.Time
	Registerer prometheus.Registerer
}

// Server exposes the control plane API over a mux router.
type Server struct {
	log        *slog.Logger
	now        func() time.Time
	adminToken string
	maxBody    int64

	reg        *registry.Registry
	wakes      *wake.Coordinator
	gov        *governor.Governor
	tenants    tenancy.Directory
	audit      audit.Emitter
	auditStore AuditStore
	unlock     http.Handler

	reqDuration *prometheus.HistogramVec
}

// NewServer assembles the API over the registry, wake coordinator, and
// governor.
func NewServer(reg *registry.Registry, wakes *wake.Coordinator, gov *governor.Governor, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "controlapi")
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = httpx.DefaultMaxBodyBytes
	}
	emitter := cfg.Audit
	if emitter == nil {
		emitter = audit.Nop{}
	}
	promReg := cfg.Registerer
	if promReg == nil {
		promReg = prometheus.DefaultRegisterer
	}

	return &Server{
		log:        log,
		now:        now,
		adminToken: cfg.AdminToken,
		maxBody:    maxBody,
		reg:        reg,
		wakes:      wakes,
		gov:        gov,
		tenants:    cfg.Tenants,
		audit:      emitter,
		auditStore: cfg.AuditStore,
		unlock:     cfg.Unlock,

		reqDuration: promauto.With(promReg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_request_duration_seconds",
				Help:    "HTTP handler latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// Router builds the HTTP routes. The unlock socket is registered on the
// root router so the admin auth middleware never sees it.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.unlock != nil {
		r.Handle("/api/containers/{tenantId}/unlock", s.unlock).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authed)

	api.HandleFunc("/containers", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/containers/{tenantId}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/containers/{tenantId}/wake", s.handleWake).Methods(http.MethodPost)
	api.HandleFunc("/containers/{tenantId}/limits", s.handleLimits).Methods(http.MethodPost)
	api.HandleFunc("/containers/{tenantId}/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/containers/{tenantId}/cost", s.handleCost).Methods(http.MethodGet)
	api.HandleFunc("/wake/metrics", s.handleWakeMetrics).Methods(http.MethodGet)
	api.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)

	return r
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.reqDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) authed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := httpx.RequireBearer(r, s.adminToken); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// HEALTH
// ============================================================================

type healthResponse struct {
	Status     string                 `json:"status"`
	Components map[string]interface{} `json:"components,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	wakeStats := s.wakes.Stats()
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: s.now().Unix(),
		Components: map[string]interface{}{
			"sandboxes":     s.reg.Len(),
			"wakesInFlight": wakeStats.InFlight,
			"wakesTotal":    wakeStats.Total,
		},
	})
}

// ============================================================================
// INVENTORY
// ============================================================================

type listResponse struct {
	Containers []registry.Status `json:"containers"`
	Count      int               `json:"count"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	all := s.reg.StatusAll()
	httpx.WriteJSON(w, http.StatusOK, listResponse{Containers: all, Count: len(all)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	st, ok := s.reg.QuickStatus(tenantID)
	if !ok {
		httpx.WriteError(w, s.log, errdefs.Newf(errdefs.KindNotFound, "tenant %s has no sandbox", tenantID))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

// ============================================================================
// WAKE
// ============================================================================

type wakeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]

	var req wakeRequest
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
	}
	reason := wake.Reason(req.Reason)
	switch reason {
	case "":
		reason = wake.ReasonDirect
	case wake.ReasonOnRequest, wake.ReasonDirect, wake.ReasonReconnect:
	default:
		httpx.WriteError(w, s.log, errdefs.Newf(errdefs.KindInvalidInput, "unknown wake reason %q", req.Reason))
		return
	}

	if err := s.tenantActive(r.Context(), tenantID); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	res, err := s.wakes.Wake(r.Context(), tenantID, reason)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if res.Status == wake.StatusAwoke {
		s.audit.Emit(audit.TypeSandboxWoken, tenantID, map[string]interface{}{
			"reason":     string(reason),
			"wakeTimeMs": res.WakeTimeMs,
			"healthy":    res.Healthy,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// tenantActive rejects operations on suspended tenants. Without a directory
// every tenant passes.
func (s *Server) tenantActive(ctx context.Context, tenantID string) error {
	if s.tenants == nil {
		return nil
	}
	t, err := s.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	if !t.Active() {
		return errdefs.Newf(errdefs.KindScopeDenied, "tenant %s is suspended", tenantID)
	}
	return nil
}

// ============================================================================
// LIMITS, STATS, COST
// ============================================================================

type limitsRequest struct {
	Plan string `json:"plan"`
}

type limitsResponse struct {
	TenantID string      `json:"tenantId"`
	Plan     plan.Tier   `json:"plan"`
	Limits   plan.Limits `json:"limits"`
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]

	var req limitsRequest
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
	}

	var tier plan.Tier
	if req.Plan != "" {
		t, err := plan.Parse(req.Plan)
		if err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		tier = t
	} else {
		t, err := s.resolveTier(r.Context(), tenantID)
		if err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		tier = t
	}

	limits, err := s.gov.ApplyLimits(r.Context(), tenantID, tier)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	s.audit.Emit(audit.TypeLimitsApplied, tenantID, map[string]interface{}{
		"plan":        string(tier),
		"memoryBytes": limits.MemoryBytes,
		"cpuQuota":    limits.CPUQuota,
	})
	httpx.WriteJSON(w, http.StatusOK, limitsResponse{TenantID: tenantID, Plan: tier, Limits: limits})
}

// resolveTier asks the tenant directory for the plan. Without a directory
// the plan must arrive in the request body.
func (s *Server) resolveTier(ctx context.Context, tenantID string) (plan.Tier, error) {
	if s.tenants == nil {
		return "", errdefs.New(errdefs.KindInvalidInput, "plan is required")
	}
	t, err := s.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.Plan, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	st, err := s.gov.Stats(r.Context(), tenantID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	tier := plan.TierFree
	if s.tenants != nil {
		if t, err := s.tenants.Resolve(r.Context(), tenantID); err == nil {
			tier = t.Plan
		}
	}
	httpx.WriteJSON(w, http.StatusOK, s.gov.Cost(tenantID, tier))
}

func (s *Server) handleWakeMetrics(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.wakes.Stats())
}

// ============================================================================
// AUDIT
// ============================================================================

type auditResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindNotFound, "audit store is not configured"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.WriteError(w, s.log, errdefs.Newf(errdefs.KindInvalidInput, "bad limit %q", raw))
			return
		}
		limit = n
	}
	events, err := s.auditStore.Recent(r.Context(), r.URL.Query().Get("tenant"), limit)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, auditResponse{Events: events, Count: len(events)})
}
