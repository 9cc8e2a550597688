// Package gateway is the vault daemon's HTTP surface inside a sandbox. It
// exposes the encrypted vault, capability issuance under the permission
// ceiling, metered execution, revocation, key rotation, and relay messaging
// to the local agent, and the websocket the control plane bridge splices
// operator unlock sessions onto.
//
// Everything except /health and the relay push callback requires the
// per-sandbox gateway token. The daemon binds to the sandbox network
// namespace only; credential plaintext never crosses this surface except to
// the authenticated local caller.
package gateway

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ocmt/backend/internal/ceiling"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/httpx"
	"github.com/ocmt/backend/internal/vault"
	"github.com/ocmt/backend/pkg/relayapi"
)

// Mesh is the slice of the relay mesh client the gateway uses.
// *relayclient.Multi implements it. A nil mesh runs the vault offline:
// issuance and revocation still work, relay propagation queues for later.
type Mesh interface {
	Register(ctx context.Context, req relayapi.RegisterRequest, priv ed25519.PrivateKey) (relayapi.RegisterResponse, error)
	Unregister(ctx context.Context, priv ed25519.PrivateKey) (relayapi.UnregisterResponse, error)
	Forward(ctx context.Context, req relayapi.ForwardRequest) (relayapi.ForwardResponse, error)
	Pending(ctx context.Context, limit int) (relayapi.PendingResponse, error)
	Ack(ctx context.Context, messageIDs []string) (relayapi.AckResponse, error)
	Revoke(ctx context.Context, req relayapi.RevokeRequest) (relayapi.RevokeResponse, error)
	StoreSnapshot(ctx context.Context, snap relayapi.Snapshot) error
	GetSnapshot(ctx context.Context, capabilityID string) (relayapi.Snapshot, error)
	ListSnapshots(ctx context.Context, req relayapi.SnapshotListRequest) (relayapi.SnapshotListResponse, error)
	AnnounceRotation(ctx context.Context, notice relayapi.RotationNotice) error
}

// Config tunes a Server. Zero values select defaults.
type Config struct {
	// GatewayToken authenticates every caller except /health, compared
	// constant-time.
	GatewayToken string

	// RelayToken authenticates inbound push callbacks from the relays.
	// Empty leaves the callback route open to the sandbox network.
	RelayToken string

	MaxBodyBytes int64

	// OnUnlock runs after every successful unlock; the relay sync loop
	// hooks it to register immediately instead of waiting a tick.
	OnUnlock func()

	Logger     *slog.Logger
	Now        func() time.Time
	Registerer prometheus.Registerer
}

// Server routes gateway requests to the vault and the relay mesh.
type Server struct {
	log        *slog.Logger
	now        func() time.Time
	token      string
	relayToken string
	maxBody    int64

	vault    *vault.Vault
	ceilings *ceiling.Manager
	mesh     Mesh
	inbox    *Inbox
	onUnlock func()

	upgrader    websocket.Upgrader
	reqDuration *prometheus.HistogramVec
}

// NewServer assembles the gateway over an assembled vault and ceiling store.
// mesh may be nil for offline operation.
func NewServer(v *vault.Vault, ceilings *ceiling.Manager, mesh Mesh, inbox *Inbox, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "gateway")
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = httpx.DefaultMaxBodyBytes
	}
	if inbox == nil {
		inbox = NewInbox(0)
	}
	promReg := cfg.Registerer
	if promReg == nil {
		promReg = prometheus.DefaultRegisterer
	}

	return &Server{
		log:        log,
		now:        now,
		token:      cfg.GatewayToken,
		relayToken: cfg.RelayToken,
		maxBody:    maxBody,
		vault:      v,
		ceilings:   ceilings,
		mesh:       mesh,
		inbox:      inbox,
		onUnlock:   cfg.OnUnlock,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		reqDuration: promauto.With(promReg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultd_request_duration_seconds",
				Help:    "HTTP handler latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Push delivery from the relays; authenticated by the relay token,
	// not the gateway token.
	r.HandleFunc("/relay/callback", s.handleRelayCallback).Methods(http.MethodPost)

	api := r.PathPrefix("/vault").Subrouter()
	api.Use(s.authed)

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/initialize", s.handleInitialize).Methods(http.MethodPost)
	api.HandleFunc("/unlock", s.handleUnlock).Methods(http.MethodPost)
	api.HandleFunc("/lock", s.handleLock).Methods(http.MethodPost)
	api.HandleFunc("/extend", s.handleExtend).Methods(http.MethodPost)
	api.HandleFunc("/identity", s.handleIdentity).Methods(http.MethodGet)

	api.HandleFunc("/integrations", s.handleIntegrationList).Methods(http.MethodGet)
	api.HandleFunc("/integrations/{provider}", s.handleIntegrationPut).Methods(http.MethodPut)
	api.HandleFunc("/integrations/{provider}", s.handleIntegrationGet).Methods(http.MethodGet)
	api.HandleFunc("/integrations/{provider}", s.handleIntegrationDelete).Methods(http.MethodDelete)

	api.HandleFunc("/apikeys/{provider}", s.handleAPIKeyPut).Methods(http.MethodPut)
	api.HandleFunc("/apikeys/{provider}", s.handleAPIKeyGet).Methods(http.MethodGet)
	api.HandleFunc("/apikeys/{provider}", s.handleAPIKeyDelete).Methods(http.MethodDelete)

	api.HandleFunc("/capabilities", s.handleGrantList).Methods(http.MethodGet)
	api.HandleFunc("/capabilities/issue", s.handleIssue).Methods(http.MethodPost)
	api.HandleFunc("/capabilities/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/capabilities/received", s.handleReceivedList).Methods(http.MethodGet)
	api.HandleFunc("/capabilities/received", s.handleReceivedStore).Methods(http.MethodPost)
	api.HandleFunc("/capabilities/{id}/revoke", s.handleRevoke).Methods(http.MethodPost)
	api.HandleFunc("/capabilities/{id}/reissue", s.handleReissue).Methods(http.MethodPost)

	api.HandleFunc("/ceiling/{agentId}", s.handleCeilingGet).Methods(http.MethodGet)
	api.HandleFunc("/ceiling/{agentId}", s.handleCeilingSet).Methods(http.MethodPut)
	api.HandleFunc("/escalations", s.handleEscalationList).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}", s.handleEscalationGet).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}/approve", s.handleEscalationApprove).Methods(http.MethodPost)
	api.HandleFunc("/escalations/{id}/deny", s.handleEscalationDeny).Methods(http.MethodPost)

	api.HandleFunc("/rotate", s.handleRotate).Methods(http.MethodPost)
	api.HandleFunc("/rotate/complete", s.handleRotateComplete).Methods(http.MethodPost)
	api.HandleFunc("/rotate/password", s.handleRotatePassword).Methods(http.MethodPost)
	api.HandleFunc("/keys/history", s.handleKeyHistory).Methods(http.MethodGet)

	api.HandleFunc("/messages/send", s.handleSend).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/messages/ack", s.handleMessageAck).Methods(http.MethodPost)

	api.HandleFunc("/snapshots", s.handleSnapshotList).Methods(http.MethodGet)
	api.HandleFunc("/snapshots/{capabilityId}", s.handleSnapshotRedeem).Methods(http.MethodGet)

	api.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)

	return r
}

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
		if err := httpx.RequireBearer(r, s.token); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireMesh guards routes that cannot work without relay connectivity.
func (s *Server) requireMesh() error {
	if s.mesh == nil {
		return errdefs.New(errdefs.KindRelayUnreachable, "no relay mesh configured")
	}
	return nil
}

// ============================================================================
// LOCK STATE
// ============================================================================

type healthResponse struct {
	Status     string                 `json:"status"`
	Components map[string]interface{} `json:"components,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
}

// handleHealth answers without authentication: the control plane's wake
// health gate probes it before the agent has any token to present.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.vault.Status()
	httpx.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: s.now().Unix(),
		Components: map[string]interface{}{
			"initialized": st.Initialized,
			"unlocked":    st.Unlocked,
			"inbox":       s.inbox.Len(),
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.vault.Status())
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.vault.Initialize(req.Password); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if s.onUnlock != nil {
		s.onUnlock()
	}
	httpx.WriteJSON(w, http.StatusCreated, s.vault.Status())
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.vault.Unlock(req.Password); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if s.onUnlock != nil {
		s.onUnlock()
	}
	httpx.WriteJSON(w, http.StatusOK, s.vault.Status())
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.vault.Lock()
	httpx.WriteJSON(w, http.StatusOK, s.vault.Status())
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Extend(); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.vault.Status())
}

type identityResponse struct {
	PublicKey           string `json:"publicKey"`
	EncryptionPublicKey string `json:"encryptionPublicKey"`
	KeyID               string `json:"keyId"`
	Version             int    `json:"version"`
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	signPub, encPub, keyID, version, err := s.vault.Identity()
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, identityResponse{
		PublicKey:           signPub,
		EncryptionPublicKey: encPub,
		KeyID:               keyID,
		Version:             version,
	})
}

// ============================================================================
// CREDENTIALS
// ============================================================================

func (s *Server) handleIntegrationList(w http.ResponseWriter, r *http.Request) {
	list, err := s.vault.ListIntegrations()
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"integrations": list,
		"count":        len(list),
	})
}

func (s *Server) handleIntegrationPut(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	var in vault.Integration
	if err := httpx.ReadJSON(w, r, &in, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.vault.SetIntegration(provider, in); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"provider": provider, "stored": true})
}

func (s *Server) handleIntegrationGet(w http.ResponseWriter, r *http.Request) {
	in, err := s.vault.GetIntegration(mux.Vars(r)["provider"])
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, in)
}

func (s *Server) handleIntegrationDelete(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	if err := s.vault.RemoveIntegration(provider); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"provider": provider, "removed": true})
}

type apiKeyRequest struct {
	Key      string            `json:"key"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleAPIKeyPut(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	var req apiKeyRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.vault.SetAPIKey(provider, req.Key, req.Metadata); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"provider": provider, "stored": true})
}

func (s *Server) handleAPIKeyGet(w http.ResponseWriter, r *http.Request) {
	key, err := s.vault.GetAPIKey(mux.Vars(r)["provider"])
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, key)
}

func (s *Server) handleAPIKeyDelete(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	if err := s.vault.RemoveAPIKey(provider); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"provider": provider, "removed": true})
}

// ============================================================================
// CAPABILITIES
// ============================================================================

type issueRequest struct {
	AgentID                 string   `json:"agentId,omitempty"`
	SubjectPublicKey        string   `json:"subjectPublicKey"`
	Resource                string   `json:"resource"`
	Scope                   []string `json:"scope"`
	ExpiresInSec            int64    `json:"expiresInSec"`
	MaxCalls                int      `json:"maxCalls,omitempty"`
	RateLimit               float64  `json:"rateLimit,omitempty"`
	IPAllowlist             []string `json:"ipAllowlist,omitempty"`
	Tier                    string   `json:"tier,omitempty"`
	SubjectEncryptionKey    string   `json:"subjectEncryptionKey,omitempty"`
	CacheRefreshIntervalSec int64    `json:"cacheRefreshIntervalSec,omitempty"`
	Audience                string   `json:"audience,omitempty"`
}

type issueResponse struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
	Tier      string `json:"tier"`

	// SnapshotPushed reports whether a CACHED snapshot reached a relay. A
	// false value means the sync loop will keep retrying the push.
	SnapshotPushed bool `json:"snapshotPushed,omitempty"`
}

// defaultAgentID attributes ceiling checks when the caller does not name an
// agent.
const defaultAgentID = "default"

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = defaultAgentID
	}

	if err := s.ceilings.ValidateOrEscalate(agentID, req.Resource, req.Scope,
		req.SubjectPublicKey, req.ExpiresInSec, req.MaxCalls); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	res, err := s.vault.IssueCapability(req.SubjectPublicKey, req.Resource, req.Scope, req.ExpiresInSec, vault.IssueOptions{
		MaxCalls:                req.MaxCalls,
		RateLimit:               req.RateLimit,
		IPAllowlist:             req.IPAllowlist,
		Tier:                    req.Tier,
		SubjectEncryptionKey:    req.SubjectEncryptionKey,
		CacheRefreshIntervalSec: req.CacheRefreshIntervalSec,
		Audience:                req.Audience,
	})
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	out := issueResponse{
		ID:        res.ID,
		Token:     res.Token,
		ExpiresAt: res.Claims.ExpiresAt,
		Tier:      res.Claims.Tier,
	}
	if res.Snapshot != nil && s.mesh != nil {
		if err := s.mesh.StoreSnapshot(r.Context(), *res.Snapshot); err != nil {
			s.log.Warn("snapshot push failed, sync will retry",
				"capabilityId", res.ID, "error", err)
		} else if err := s.vault.MarkSnapshotPushed(res.ID); err == nil {
			out.SnapshotPushed = true
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, out)
}

type executeRequest struct {
	Token     string                 `json:"token"`
	Operation string                 `json:"operation"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	res, err := s.vault.ExecuteCapability(req.Token, req.Operation, req.Params)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleGrantList(w http.ResponseWriter, r *http.Request) {
	grants, err := s.vault.Grants()
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": grants,
		"count":        len(grants),
	})
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type revokeResponse struct {
	CapabilityID string `json:"capabilityId"`
	Revoked      bool   `json:"revoked"`

	// Propagated is true once every configured relay accepted the
	// revocation; otherwise the request is queued and retried.
	Propagated   bool   `json:"propagated"`
	Queued       bool   `json:"queued,omitempty"`
	RevocationID string `json:"revocationId,omitempty"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req revokeRequest
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
	}

	signed, err := s.vault.RevokeCapability(id, req.Reason)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	out := revokeResponse{CapabilityID: id, Revoked: true}
	if s.mesh == nil {
		if qerr := s.vault.QueuePendingRevocation(signed); qerr != nil {
			s.log.Warn("revocation not queued", "capabilityId", id, "error", qerr)
		} else {
			out.Queued = true
		}
		httpx.WriteJSON(w, http.StatusOK, out)
		return
	}

	res, err := s.mesh.Revoke(r.Context(), signed)
	if err != nil {
		s.log.Warn("revocation did not reach the whole mesh, queued for retry",
			"capabilityId", id, "error", err)
		if qerr := s.vault.QueuePendingRevocation(signed); qerr != nil {
			s.log.Warn("revocation not queued", "capabilityId", id, "error", qerr)
		} else {
			out.Queued = true
		}
		httpx.WriteJSON(w, http.StatusOK, out)
		return
	}
	out.Propagated = res.Success
	out.RevocationID = res.RevocationID
	httpx.WriteJSON(w, http.StatusOK, out)
}

type reissueRequest struct {
	ExpiresInSec int64 `json:"expiresInSec"`
}

func (s *Server) handleReissue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req reissueRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	res, err := s.vault.ReissueCapability(id, req.ExpiresInSec)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, issueResponse{
		ID:        res.ID,
		Token:     res.Token,
		ExpiresAt: res.Claims.ExpiresAt,
		Tier:      res.Claims.Tier,
	})
}

type storeReceivedRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleReceivedStore(w http.ResponseWriter, r *http.Request) {
	var req storeReceivedRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	rc, err := s.vault.StoreReceivedCapability(req.Token)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rc)
}

func (s *Server) handleReceivedList(w http.ResponseWriter, r *http.Request) {
	list, err := s.vault.ReceivedCapabilities()
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": list,
		"count":        len(list),
	})
}

// ============================================================================
// CEILING & ESCALATIONS
// ============================================================================

type ceilingView struct {
	AgentID string   `json:"agentId"`
	Ceiling []string `json:"ceiling"`
}

func (s *Server) handleCeilingGet(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentId"]
	httpx.WriteJSON(w, http.StatusOK, ceilingView{
		AgentID: agentID,
		Ceiling: s.ceilings.Ceiling(agentID),
	})
}

type setCeilingRequest struct {
	Permissions []string `json:"permissions"`
	SetBy       string   `json:"setBy"`
	Reason      string   `json:"reason,omitempty"`
}

func (s *Server) handleCeilingSet(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentId"]
	var req setCeilingRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.ceilings.SetCeiling(agentID, req.Permissions, req.SetBy, req.Reason); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ceilingView{
		AgentID: agentID,
		Ceiling: s.ceilings.Ceiling(agentID),
	})
}

func (s *Server) handleEscalationList(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	status := ceiling.Status(r.URL.Query().Get("status"))
	list := s.ceilings.ListEscalations(agent, status)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": list,
		"count":       len(list),
	})
}

func (s *Server) handleEscalationGet(w http.ResponseWriter, r *http.Request) {
	esc, err := s.ceilings.Escalation(mux.Vars(r)["id"])
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, esc)
}

type approveRequest struct {
	ApprovedBy string `json:"approvedBy"`
}

func (s *Server) handleEscalationApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req approveRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	scope, err := s.ceilings.Approve(id, req.ApprovedBy)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":             id,
		"status":         ceiling.StatusApproved,
		"grantableScope": scope,
	})
}

type denyRequest struct {
	DeniedBy string `json:"deniedBy"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleEscalationDeny(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req denyRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.ceilings.Deny(id, req.DeniedBy, req.Reason); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": ceiling.StatusDenied,
	})
}

// ============================================================================
// ROTATION
// ============================================================================

type rotateRequest struct {
	TransitionHours int    `json:"transitionHours,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type rotateResponse struct {
	Notice relayapi.RotationNotice `json:"notice"`

	// Announced is true once the rotation notice reached a relay.
	Announced bool `json:"announced"`
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
	}
	notice, err := s.vault.Rotate(req.TransitionHours, req.Reason)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	out := rotateResponse{Notice: notice}
	if s.mesh != nil {
		if err := s.mesh.AnnounceRotation(r.Context(), notice); err != nil {
			s.log.Warn("rotation notice did not reach a relay", "error", err)
		} else {
			out.Announced = true
		}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleRotateComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.CompleteTransition(); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.vault.Status())
}

type rotatePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleRotatePassword(w http.ResponseWriter, r *http.Request) {
	var req rotatePasswordRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.vault.RotateVaultKey(req.CurrentPassword, req.NewPassword); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.vault.Status())
}

func (s *Server) handleKeyHistory(w http.ResponseWriter, r *http.Request) {
	keys, err := s.vault.KeyHistory()
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// ============================================================================
// MESSAGING
// ============================================================================

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if err := s.requireMesh(); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	var req relayapi.ForwardRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	res, err := s.mesh.Forward(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpx.WriteError(w, s.log, errdefs.Newf(errdefs.KindInvalidInput, "bad limit %q", raw))
			return
		}
		limit = n
	}
	msgs := s.inbox.List(limit)
	httpx.WriteJSON(w, http.StatusOK, relayapi.PendingResponse{Count: len(msgs), Messages: msgs})
}

func (s *Server) handleMessageAck(w http.ResponseWriter, r *http.Request) {
	var req relayapi.AckRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, relayapi.AckResponse{Acked: s.inbox.Remove(req.MessageIDs)})
}

// handleRelayCallback ingests one envelope pushed by a relay. Delivery here
// counts as final on the relay side, so the envelope goes straight into the
// inbox; the dedupe check absorbs replays.
func (s *Server) handleRelayCallback(w http.ResponseWriter, r *http.Request) {
	if s.relayToken != "" {
		if err := httpx.RequireBearer(r, s.relayToken); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
	}
	var msg relayapi.PendingMessage
	if err := httpx.ReadJSON(w, r, &msg, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if msg.ID == "" {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "message id is required"))
		return
	}
	if s.inbox.Put(msg) {
		s.log.Debug("callback envelope accepted", "messageId", msg.ID, "from", msg.From)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

// ============================================================================
// SNAPSHOT REDEMPTION
// ============================================================================

type snapshotInfo struct {
	CapabilityID string `json:"capabilityId"`
	IssuerPub    string `json:"issuerPub"`
	CreatedAt    int64  `json:"createdAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	if err := s.requireMesh(); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	signPub, _, _, _, err := s.vault.Identity()
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	priv, err := s.vault.SigningKey()
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	req := relayapi.SnapshotListRequest{
		RecipientPublicKey: signPub,
		Timestamp:          s.now().Unix(),
	}
	relayapi.SignSnapshotList(&req, priv)
	res, err := s.mesh.ListSnapshots(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	infos := make([]snapshotInfo, 0, len(res.Snapshots))
	for _, snap := range res.Snapshots {
		infos = append(infos, snapshotInfo{
			CapabilityID: snap.CapabilityID,
			IssuerPub:    snap.IssuerPub,
			CreatedAt:    snap.CreatedAt,
			ExpiresAt:    snap.ExpiresAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": infos,
		"count":     len(infos),
	})
}

type redeemResponse struct {
	CapabilityID string                 `json:"capabilityId"`
	Data         map[string]interface{} `json:"data"`
	StalenessMs  int64                  `json:"stalenessMs"`
}

// handleSnapshotRedeem fetches a CACHED snapshot from the mesh and opens it
// with this vault's encryption key. The issuer being offline is the point.
func (s *Server) handleSnapshotRedeem(w http.ResponseWriter, r *http.Request) {
	if err := s.requireMesh(); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	capabilityID := mux.Vars(r)["capabilityId"]
	snap, err := s.mesh.GetSnapshot(r.Context(), capabilityID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	data, err := s.vault.DecryptCachedSnapshot(snap)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, redeemResponse{
		CapabilityID: capabilityID,
		Data:         data.Data,
		StalenessMs:  data.StalenessMs,
	})
}
