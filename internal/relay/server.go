package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocmt/backend/internal/capability"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/httpx"
	"github.com/ocmt/backend/internal/identity"
	"github.com/ocmt/backend/internal/revocation"
	"github.com/ocmt/backend/internal/snapshot"
	"github.com/ocmt/backend/pkg/relayapi"
)

// DefaultCallbackTimeout bounds one callback delivery attempt.
const DefaultCallbackTimeout = 5 * time.Second

// Waker asks the control plane to wake a hibernating sandbox before delivery.
// It reports whether a wake was actually triggered; a wake failure is
// advisory and the envelope still queues.
type Waker interface {
	Wake(ctx context.Context, containerID string) (bool, error)
}

// WakerFunc adapts a function to the Waker interface.
type WakerFunc func(ctx context.Context, containerID string) (bool, error)

func (f WakerFunc) Wake(ctx context.Context, containerID string) (bool, error) {
	return f(ctx, containerID)
}

// Config tunes a relay server. Zero values select defaults.
type Config struct {
	// AuthToken is the mesh bearer token every /relay call must carry.
	AuthToken string

	MaxBodyBytes    int64
	CallbackTimeout time.Duration
	QueueDepth      int

	Logger     *slog.Logger
	Now        func() time.Time
	Registerer prometheus.Registerer
}

// Server is one relay pod: registry, delivery, revocation, snapshots, and
// key-rotation tracking behind a single mux router.
type Server struct {
	log       *slog.Logger
	now       func() time.Time
	authToken string
	maxBody   int64

	store       Store
	hub         *Hub
	queues      *PendingQueues
	revStore    *revocation.Store
	revocations *revocation.Service
	guard       *revocation.Middleware
	snapshots   *snapshot.Store
	waker       Waker
	fanout      *RevocationFanout
	metrics     *Metrics
	gatherer    prometheus.Gatherer

	callbackTimeout time.Duration
	httpClient      *http.Client
	upgrader        websocket.Upgrader
}

// NewServer assembles a relay pod over its stores. waker may be nil when no
// control plane is reachable; forwards then rely on callbacks and queues.
func NewServer(store Store, revStore *revocation.Store, snaps *snapshot.Store, waker Waker, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "relay")
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = httpx.DefaultMaxBodyBytes
	}
	cbTimeout := cfg.CallbackTimeout
	if cbTimeout <= 0 {
		cbTimeout = DefaultCallbackTimeout
	}

	metrics := NewMetrics(cfg.Registerer)
	gatherer, ok := cfg.Registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		log:         log,
		now:         now,
		authToken:   cfg.AuthToken,
		maxBody:     maxBody,
		store:       store,
		revStore:    revStore,
		revocations: revocation.NewService(revStore, revocation.ServiceOptions{Logger: log, Now: now}),
		guard:       revocation.NewMiddleware(revStore),
		snapshots:   snaps,
		waker:       waker,
		metrics:     metrics,
		gatherer:    gatherer,

		callbackTimeout: cbTimeout,
		httpClient:      &http.Client{Timeout: cbTimeout},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.hub = NewHub(log, func(count int) {
		metrics.WSConnections.Set(float64(count))
	})
	s.queues = NewPendingQueues(cfg.QueueDepth, func() {
		metrics.QueueDrops.Inc()
	})
	return s
}

// SetFanout attaches cross-pod revocation replication. Call before serving.
func (s *Server) SetFanout(f *RevocationFanout) { s.fanout = f }

// Hub exposes the connection hub, used during shutdown.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the relay's HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/relay").Subrouter()

	api.HandleFunc("/registry/register", s.withContainer(s.handleRegister)).Methods(http.MethodPost)
	api.HandleFunc("/registry/update", s.withContainer(s.handleUpdate)).Methods(http.MethodPost)
	api.HandleFunc("/registry", s.withContainer(s.handleUnregister)).Methods(http.MethodDelete)
	api.HandleFunc("/registry/{containerId}", s.authed(s.handleLookup)).Methods(http.MethodGet)

	api.HandleFunc("/forward", s.withContainer(s.handleForward)).Methods(http.MethodPost)
	api.HandleFunc("/send", s.withContainer(s.handleSend)).Methods(http.MethodPost)
	api.HandleFunc("/messages/pending", s.withContainer(s.handlePending)).Methods(http.MethodGet)
	api.HandleFunc("/messages/ack", s.withContainer(s.handleAck)).Methods(http.MethodPost)

	api.HandleFunc("/revoke", s.authed(s.handleRevoke)).Methods(http.MethodPost)
	api.HandleFunc("/revocation/{id}", s.authed(s.handleRevocationStatus)).Methods(http.MethodGet)
	api.HandleFunc("/revocations/stats", s.authed(s.handleRevocationStats)).Methods(http.MethodGet)
	api.HandleFunc("/check-revocations", s.authed(s.handleCheckRevocations)).Methods(http.MethodPost)

	api.HandleFunc("/snapshots", s.authed(s.handleSnapshotStore)).Methods(http.MethodPost)
	api.HandleFunc("/snapshots/list", s.authed(s.handleSnapshotList)).Methods(http.MethodPost)
	api.HandleFunc("/snapshots/{id}", s.authed(s.handleSnapshotGet)).Methods(http.MethodGet)
	api.HandleFunc("/snapshots/{id}", s.authed(s.handleSnapshotDelete)).Methods(http.MethodDelete)

	api.HandleFunc("/keys/rotation", s.withContainer(s.handleRotationNotice)).Methods(http.MethodPost)
	api.HandleFunc("/keys/history/{containerId}", s.authed(s.handleKeyHistory)).Methods(http.MethodGet)

	api.HandleFunc("/ws", s.withContainer(s.handleSocket)).Methods(http.MethodGet)

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
		s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := httpx.RequireBearer(r, s.authToken); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) withContainer(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(relayapi.HeaderContainerID)
		if id == "" {
			httpx.WriteError(w, s.log, errdefs.New(errdefs.KindAuthFailed, "X-Container-Id header is required"))
			return
		}
		next(w, r, id)
	})
}

// ============================================================================
// REGISTRY
// ============================================================================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, containerID string) {
	var req relayapi.RegisterRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	pub, err := capability.DecodeKey(req.PublicKey)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if req.EncryptionPublicKey != "" {
		if _, err := capability.DecodeKey(req.EncryptionPublicKey); err != nil {
			httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "encryption public key must be base64 raw 32 bytes"))
			return
		}
	}
	if req.CallbackURL != "" {
		if err := validateCallbackURL(req.CallbackURL); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
	}
	if err := verifyChallenge(req.Challenge, req.Signature, pub); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	ctx := r.Context()
	if owner, err := s.store.FindBySigningKey(ctx, req.PublicKey); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	} else if owner != "" && owner != containerID {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindAlreadyExists, "signing key is registered to another container"))
		return
	}

	now := s.now().Unix()
	reg, err := s.store.LoadRegistration(ctx, containerID)
	switch {
	case errdefs.IsKind(err, errdefs.KindNotFound):
		reg = &Registration{
			ContainerID:  containerID,
			PublicKey:    req.PublicKey,
			RegisteredAt: now,
			KeyHistory: []relayapi.KeyHistoryEntry{{
				KeyID:     identity.KeyIDFor(req.PublicKey),
				PublicKey: req.PublicKey,
				Version:   1,
			}},
		}
	case err != nil:
		httpx.WriteError(w, s.log, err)
		return
	case reg.PublicKey != req.PublicKey:
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindAlreadyExists,
			"container is registered under a different signing key; announce a rotation instead"))
		return
	}

	reg.EncryptionPublicKey = req.EncryptionPublicKey
	reg.CallbackURL = req.CallbackURL
	reg.LastSeenAt = now
	if err := s.store.SaveRegistration(ctx, reg); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	s.log.Info("sandbox registered",
		"containerId", containerID,
		"keyId", identity.KeyIDFor(req.PublicKey),
		"hasCallback", req.CallbackURL != "",
	)
	httpx.WriteJSON(w, http.StatusOK, relayapi.RegisterResponse{Registered: true, ContainerID: containerID})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, containerID string) {
	var req relayapi.UpdateRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	ctx := r.Context()
	reg, err := s.store.LoadRegistration(ctx, containerID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	pub, err := capability.DecodeKey(reg.PublicKey)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := verifyChallenge(req.Challenge, req.Signature, pub); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	if req.EncryptionPublicKey != "" {
		if _, err := capability.DecodeKey(req.EncryptionPublicKey); err != nil {
			httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "encryption public key must be base64 raw 32 bytes"))
			return
		}
		reg.EncryptionPublicKey = req.EncryptionPublicKey
	}
	if req.CallbackURL != "" {
		if err := validateCallbackURL(req.CallbackURL); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		reg.CallbackURL = req.CallbackURL
	}
	reg.LastSeenAt = s.now().Unix()
	if err := s.store.SaveRegistration(ctx, reg); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.lookupResponse(reg))
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request, containerID string) {
	var req relayapi.UnregisterRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	ctx := r.Context()
	reg, err := s.store.LoadRegistration(ctx, containerID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	pub, err := capability.DecodeKey(reg.PublicKey)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := verifyChallenge(req.Challenge, req.Signature, pub); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	if err := s.store.DeleteRegistration(ctx, containerID); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	s.hub.Close(containerID)
	if dropped := s.queues.Drop(containerID); dropped > 0 {
		s.log.Info("pending queue discarded with registration", "containerId", containerID, "envelopes", dropped)
	}

	s.log.Info("sandbox unregistered", "containerId", containerID)
	httpx.WriteJSON(w, http.StatusOK, relayapi.UnregisterResponse{Unregistered: true, ContainerID: containerID})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	containerID := mux.Vars(r)["containerId"]
	reg, err := s.store.LoadRegistration(r.Context(), containerID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.lookupResponse(reg))
}

func (s *Server) lookupResponse(reg *Registration) relayapi.LookupResponse {
	return relayapi.LookupResponse{
		ContainerID:         reg.ContainerID,
		PublicKey:           reg.PublicKey,
		EncryptionPublicKey: reg.EncryptionPublicKey,
		Online:              s.hub.Online(reg.ContainerID),
		RegisteredAt:        reg.RegisteredAt,
		LastSeenAt:          reg.LastSeenAt,
	}
}

// ============================================================================
// FORWARD & SEND
// ============================================================================

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request, from string) {
	var req relayapi.ForwardRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if req.ToContainerID == "" || req.CapabilityToken == "" || req.EncryptedPayload == "" {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput,
			"toContainerId, capabilityToken and encryptedPayload are required"))
		return
	}

	claims, err := s.verifyForwardToken(r.Context(), req.CapabilityToken, req.ToContainerID)
	if err != nil {
		s.metrics.RecordForward("rejected", "")
		httpx.WriteError(w, s.log, err)
		return
	}

	// Revocation gate: checked after signature and expiry, before delivery.
	if blocked, rec := s.guard.ShouldBlock(claims.ID); blocked {
		s.metrics.RevocationBlocks.Inc()
		s.metrics.RecordForward("rejected", "")
		rerr := errdefs.Newf(errdefs.KindRevoked, "capability %s is revoked", claims.ID).
			WithField("capabilityId", claims.ID)
		if rec != nil && rec.Reason != "" {
			rerr = rerr.WithField("reason", rec.Reason)
		}
		httpx.WriteError(w, s.log, rerr)
		return
	}

	msgID, status, method, wake, err := s.deliver(r.Context(), from, req.ToContainerID, req.EncryptedPayload)
	if err != nil {
		s.metrics.RecordForward("rejected", "")
		httpx.WriteError(w, s.log, err)
		return
	}
	s.metrics.RecordForward(status, method)
	httpx.WriteJSON(w, http.StatusOK, relayapi.ForwardResponse{
		MessageID:      msgID,
		CapabilityID:   claims.ID,
		Status:         status,
		DeliveryMethod: method,
		WakeTriggered:  wake,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, from string) {
	var req relayapi.SendRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if req.ToContainerID == "" || req.EncryptedPayload == "" {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "toContainerId and encryptedPayload are required"))
		return
	}
	msgID, status, method, _, err := s.deliver(r.Context(), from, req.ToContainerID, req.EncryptedPayload)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, relayapi.SendResponse{
		MessageID:      msgID,
		Status:         status,
		DeliveryMethod: method,
	})
}

// verifyForwardToken runs the forward-time token checks in order: decode,
// signature, rotation-aware key acceptance, expiry, audience.
func (s *Server) verifyForwardToken(ctx context.Context, token, target string) (capability.Claims, error) {
	claims, sig, err := capability.Decode(token)
	if err != nil {
		return capability.Claims{}, err
	}
	pub, err := capability.DecodeKey(claims.Iss)
	if err != nil {
		return claims, err
	}
	if err := capability.Verify(claims, sig, pub); err != nil {
		return claims, err
	}

	// A token signed by a retired key still passes raw verification. It is
	// honored only inside its issuer's transition window; afterwards the
	// issuer must reissue under the current key. Keys the relay has never
	// seen stay acceptable; a zero-knowledge relay cannot know every issuer.
	owner, err := s.store.FindBySigningKey(ctx, claims.Iss)
	if err != nil {
		return claims, err
	}
	if owner == "" {
		rk, err := s.store.LoadRetiredKey(ctx, claims.Iss)
		if err != nil {
			return claims, err
		}
		if rk != nil && s.now().Unix() >= rk.TransitionEndsAt {
			return claims, errdefs.Newf(errdefs.KindInvalidSignature,
				"capability %s was signed by a rotated-out key; reissue it under the current key", claims.ID).
				WithField("capabilityId", claims.ID).
				WithField("retiredKeyId", identity.KeyIDFor(claims.Iss))
		}
	}

	if err := capability.CheckExpiry(claims, s.now()); err != nil {
		return claims, err
	}
	if claims.Aud != "" && claims.Aud != target {
		return claims, errdefs.Newf(errdefs.KindNotForMe, "capability %s is pinned to container %s", claims.ID, claims.Aud).
			WithField("capabilityId", claims.ID)
	}
	return claims, nil
}

// deliver routes one opaque envelope: websocket first, callback second,
// pending queue last. Only metadata is ever logged.
func (s *Server) deliver(ctx context.Context, from, to, payload string) (msgID, status, method string, wakeTriggered bool, err error) {
	reg, err := s.store.LoadRegistration(ctx, to)
	if err != nil {
		return "", "", "", false, err
	}

	if s.waker != nil {
		triggered, werr := s.waker.Wake(ctx, to)
		if werr != nil {
			s.log.Warn("wake request failed", "containerId", to, "error", werr)
		} else if triggered {
			wakeTriggered = true
			s.metrics.WakesTriggered.Inc()
		}
	}

	msg := relayapi.PendingMessage{
		ID:        uuid.New().String(),
		From:      from,
		Payload:   payload,
		Size:      len(payload),
		Timestamp: s.now().Unix(),
	}

	if s.hub.Online(to) {
		if derr := s.hub.Deliver(to, msg); derr == nil {
			s.log.Info("envelope delivered",
				"messageId", msg.ID, "from", from, "to", to,
				"bytes", msg.Size, "method", relayapi.DeliveryWebSocket,
			)
			return msg.ID, relayapi.StatusDelivered, relayapi.DeliveryWebSocket, wakeTriggered, nil
		}
		s.log.Warn("websocket delivery failed, falling back", "messageId", msg.ID, "to", to)
	}

	if reg.CallbackURL != "" {
		if cerr := s.postCallback(ctx, reg.CallbackURL, msg); cerr == nil {
			s.log.Info("envelope delivered",
				"messageId", msg.ID, "from", from, "to", to,
				"bytes", msg.Size, "method", relayapi.DeliveryCallback,
			)
			return msg.ID, relayapi.StatusDelivered, relayapi.DeliveryCallback, wakeTriggered, nil
		} else {
			s.log.Warn("callback delivery failed, queueing", "messageId", msg.ID, "to", to, "error", cerr)
		}
	}

	s.queues.Enqueue(to, msg)
	s.metrics.PendingDepth.Set(float64(s.queues.Total()))
	s.log.Info("envelope queued",
		"messageId", msg.ID, "from", from, "to", to,
		"bytes", msg.Size, "queueDepth", s.queues.Len(to),
	)
	return msg.ID, relayapi.StatusQueued, relayapi.DeliveryPending, wakeTriggered, nil
}

func (s *Server) postCallback(ctx context.Context, callbackURL string, msg relayapi.PendingMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.callbackTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// The shared relay token doubles as the callback credential so the
	// receiving gateway can tell relays from strangers.
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errdefs.Newf(errdefs.KindRelayUnreachable, "callback returned status %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// PENDING & ACK
// ============================================================================

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request, containerID string) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "limit must be a positive integer"))
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	if ack := r.URL.Query().Get("ack"); ack != "" {
		var ids []string
		for _, id := range strings.Split(ack, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if n := s.queues.Ack(containerID, ids); n > 0 {
			s.metrics.PendingDepth.Set(float64(s.queues.Total()))
		}
	}

	msgs := s.queues.Peek(containerID, limit)
	httpx.WriteJSON(w, http.StatusOK, relayapi.PendingResponse{Count: len(msgs), Messages: msgs})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, containerID string) {
	var req relayapi.AckRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	acked := s.queues.Ack(containerID, req.MessageIDs)
	s.metrics.PendingDepth.Set(float64(s.queues.Total()))
	httpx.WriteJSON(w, http.StatusOK, relayapi.AckResponse{Acked: acked})
}

// ============================================================================
// REVOCATION
// ============================================================================

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req relayapi.RevokeRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	resp, err := s.revocations.HandleRevoke(req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	s.metrics.RevocationsTotal.Inc()
	if s.fanout != nil {
		if res := s.revStore.IsRevoked(req.CapabilityID); res.Record != nil {
			s.fanout.Publish(r.Context(), *res.Record)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevocationStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	httpx.WriteJSON(w, http.StatusOK, s.revocations.Status(id))
}

// handleRevocationStats reports blocklist size and Bloom filter health for
// operators sizing a relay pod.
func (s *Server) handleRevocationStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.revStore.Stats())
}

func (s *Server) handleCheckRevocations(w http.ResponseWriter, r *http.Request) {
	var req relayapi.BatchCheckRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.revocations.CheckBatch(req.CapabilityIDs))
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

func (s *Server) handleSnapshotStore(w http.ResponseWriter, r *http.Request) {
	var snap relayapi.Snapshot
	if err := httpx.ReadJSON(w, r, &snap, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.snapshots.Put(snap); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"stored":       true,
		"capabilityId": snap.CapabilityID,
	})
}

func (s *Server) handleSnapshotGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap := s.snapshots.Get(id)
	if snap == nil {
		httpx.WriteError(w, s.log, errdefs.Newf(errdefs.KindNotFound, "no live snapshot for capability %s", id))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.snapshots.Delete(id)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	var req relayapi.SnapshotListRequest
	if err := httpx.ReadJSON(w, r, &req, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if req.RecipientPublicKey == "" || req.Signature == "" || req.Timestamp == 0 {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "recipientPublicKey, signature and timestamp are required"))
		return
	}

	skew := s.now().Unix() - req.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > revocation.MaxClockSkew {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "list request timestamp is outside the accepted window"))
		return
	}

	pub, err := capability.DecodeKey(req.RecipientPublicKey)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidSignature, "signature must be base64 of 64 bytes"))
		return
	}
	if !ed25519.Verify(pub, relayapi.SnapshotListPayload(req.Timestamp), sig) {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidSignature, "list request signature verification failed"))
		return
	}

	// The request is signed by the recipient's Ed25519 key; snapshots are
	// addressed to its X25519 key. The registration bridges the two.
	ctx := r.Context()
	owner, err := s.store.FindBySigningKey(ctx, req.RecipientPublicKey)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if owner == "" {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindNotFound, "recipient key is not registered"))
		return
	}
	reg, err := s.store.LoadRegistration(ctx, owner)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if reg.EncryptionPublicKey == "" && len(reg.RetiredEncryptionKeys) == 0 {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "recipient registered without an encryption key"))
		return
	}

	snaps := s.snapshots.ListByRecipient(reg.EncryptionPublicKey)
	for _, old := range reg.RetiredEncryptionKeys {
		snaps = append(snaps, s.snapshots.ListByRecipient(old)...)
	}
	httpx.WriteJSON(w, http.StatusOK, relayapi.SnapshotListResponse{Count: len(snaps), Snapshots: snaps})
}

// ============================================================================
// KEY ROTATION
// ============================================================================

func (s *Server) handleRotationNotice(w http.ResponseWriter, r *http.Request, containerID string) {
	var wire relayapi.RotationNotice
	if err := httpx.ReadJSON(w, r, &wire, s.maxBody); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	notice := identity.Notice{
		Type:                  wire.Type,
		OldKeyID:              wire.OldKeyID,
		NewKeyID:              wire.NewKeyID,
		NewPub:                wire.NewPub,
		NewEncPub:             wire.NewEncPub,
		TransitionEndsAt:      wire.TransitionEndsAt,
		AffectedCapabilityIDs: wire.AffectedCapabilityIDs,
		Timestamp:             wire.Timestamp,
		Sig:                   wire.Sig,
	}
	if err := identity.VerifyNotice(notice); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	now := s.now()
	skew := now.Unix() - notice.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > revocation.MaxClockSkew {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "notice timestamp is outside the accepted window"))
		return
	}
	if notice.TransitionEndsAt <= now.Unix() {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "transition window is already closed"))
		return
	}

	ctx := r.Context()
	reg, err := s.store.LoadRegistration(ctx, containerID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if identity.KeyIDFor(reg.PublicKey) != notice.OldKeyID {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindInvalidInput, "notice does not chain from the registered signing key").
			WithField("registeredKeyId", identity.KeyIDFor(reg.PublicKey)).
			WithField("oldKeyId", notice.OldKeyID))
		return
	}
	if owner, err := s.store.FindBySigningKey(ctx, notice.NewPub); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	} else if owner != "" && owner != containerID {
		httpx.WriteError(w, s.log, errdefs.New(errdefs.KindAlreadyExists, "announced key is registered to another container"))
		return
	}

	if err := s.store.SaveRetiredKey(ctx, RetiredKey{
		ContainerID:      containerID,
		PublicKey:        reg.PublicKey,
		SuccessorKey:     notice.NewPub,
		RetiredAt:        now.Unix(),
		TransitionEndsAt: notice.TransitionEndsAt,
	}); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	for i := range reg.KeyHistory {
		if reg.KeyHistory[i].KeyID == notice.OldKeyID {
			reg.KeyHistory[i].RotatedAt = now.Unix()
			reg.KeyHistory[i].TransitionEndsAt = notice.TransitionEndsAt
		}
	}
	reg.KeyHistory = append(reg.KeyHistory, relayapi.KeyHistoryEntry{
		KeyID:     notice.NewKeyID,
		PublicKey: notice.NewPub,
		Version:   len(reg.KeyHistory) + 1,
	})
	if notice.NewEncPub != "" && notice.NewEncPub != reg.EncryptionPublicKey {
		if reg.EncryptionPublicKey != "" {
			reg.RetiredEncryptionKeys = append(reg.RetiredEncryptionKeys, reg.EncryptionPublicKey)
		}
		reg.EncryptionPublicKey = notice.NewEncPub
	}
	reg.PublicKey = notice.NewPub
	reg.LastSeenAt = now.Unix()
	if err := s.store.SaveRegistration(ctx, reg); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	s.log.Info("signing key rotation recorded",
		"containerId", containerID,
		"oldKeyId", notice.OldKeyID,
		"newKeyId", notice.NewKeyID,
		"transitionEndsAt", notice.TransitionEndsAt,
		"affectedCapabilities", len(notice.AffectedCapabilityIDs),
	)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"accepted":    true,
		"activeKeyId": notice.NewKeyID,
	})
}

func (s *Server) handleKeyHistory(w http.ResponseWriter, r *http.Request) {
	containerID := mux.Vars(r)["containerId"]
	reg, err := s.store.LoadRegistration(r.Context(), containerID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}

	now := s.now().Unix()
	resp := relayapi.KeyHistoryResponse{ContainerID: containerID}
	for i := len(reg.KeyHistory) - 1; i >= 0; i-- {
		e := reg.KeyHistory[i]
		if e.PublicKey == reg.PublicKey {
			e.Active = true
		} else {
			e.Active = e.TransitionEndsAt > now
		}
		resp.Keys = append(resp.Keys, e)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// ============================================================================
// WEBSOCKET & HEALTH
// ============================================================================

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, containerID string) {
	if _, err := s.store.LoadRegistration(r.Context(), containerID); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "containerId", containerID, "error", err)
		return
	}
	s.hub.Attach(containerID, conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	regs, err := s.store.CountRegistrations(r.Context())
	if err != nil {
		s.log.Warn("registry count unavailable", "error", err)
	}
	httpx.WriteJSON(w, http.StatusOK, relayapi.HealthResponse{
		Status:    "healthy",
		Timestamp: s.now().Unix(),
		Components: map[string]interface{}{
			"registrations":   regs,
			"wsConnections":   s.hub.Count(),
			"pendingMessages": s.queues.Total(),
			"revocations":     s.revStore.Count(),
			"snapshots":       s.snapshots.Count(),
		},
	})
}

// ============================================================================
// VALIDATION HELPERS
// ============================================================================

func verifyChallenge(challenge, sig string, pub ed25519.PublicKey) error {
	raw, err := base64.StdEncoding.DecodeString(challenge)
	if err != nil {
		return errdefs.New(errdefs.KindInvalidInput, "challenge is not valid base64")
	}
	if len(raw) < 16 {
		return errdefs.New(errdefs.KindInvalidInput, "challenge must be at least 16 bytes")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(sigRaw) != ed25519.SignatureSize {
		return errdefs.New(errdefs.KindInvalidSignature, "signature must be base64 of 64 bytes")
	}
	if !ed25519.Verify(pub, raw, sigRaw) {
		return errdefs.New(errdefs.KindInvalidSignature, "challenge signature verification failed")
	}
	return nil
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errdefs.New(errdefs.KindInvalidInput, "callbackUrl must be an absolute http(s) URL")
	}
	return nil
}
