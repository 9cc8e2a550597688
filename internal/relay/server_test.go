package relay

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/capability"
	"github.com/ocmt/backend/internal/identity"
	"github.com/ocmt/backend/internal/revocation"
	"github.com/ocmt/backend/internal/snapshot"
	"github.com/ocmt/backend/pkg/relayapi"
)

const meshToken = "relay-mesh-token"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeWaker records wake requests the relay sends toward the control plane.
type fakeWaker struct {
	mu      sync.Mutex
	calls   []string
	trigger bool
	err     error
}

func (f *fakeWaker) Wake(_ context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, containerID)
	return f.trigger, f.err
}

func (f *fakeWaker) woken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	clock *fakeClock
	relay *Server
	srv   *httptest.Server
}

// newFixture builds a relay over in-memory registrations and fresh file
// stores. waker may be nil.
func newFixture(t *testing.T, waker Waker) *fixture {
	t.Helper()
	dir := t.TempDir()
	clock := newFakeClock()

	revs, err := revocation.NewStore(filepath.Join(dir, "revocations.json"), revocation.StoreOptions{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = revs.Close() })

	snaps, err := snapshot.NewStore(filepath.Join(dir, "snapshots.json"), snapshot.StoreOptions{Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = snaps.Close() })

	rs := NewServer(NewMemoryStore(), revs, snaps, waker, Config{
		AuthToken:  meshToken,
		Now:        clock.Now,
		Registerer: prometheus.NewRegistry(),
	})
	srv := httptest.NewServer(rs.Router())
	t.Cleanup(srv.Close)

	return &fixture{clock: clock, relay: rs, srv: srv}
}

// peer is one sandbox identity: signing keypair plus encryption public key.
type peer struct {
	id       string
	signPub  string
	signPriv ed25519.PrivateKey
	encPub   string
}

func newPeer(t *testing.T, id string) peer {
	t.Helper()
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	encPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return peer{
		id:       id,
		signPub:  base64.StdEncoding.EncodeToString(signPub),
		signPriv: signPriv,
		encPub:   base64.StdEncoding.EncodeToString(encPriv.PublicKey().Bytes()),
	}
}

func (f *fixture) request(t *testing.T, method, path, token, containerID string, body interface{}) (int, []byte) {
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
	if containerID != "" {
		req.Header.Set(relayapi.HeaderContainerID, containerID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// do sends an authenticated relay call as the given container.
func (f *fixture) do(t *testing.T, method, path, containerID string, body interface{}) (int, []byte) {
	t.Helper()
	return f.request(t, method, path, meshToken, containerID, body)
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v), "body: %s", data)
}

func randB64(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

// register announces p to the relay with a signed challenge.
func (f *fixture) register(t *testing.T, p peer, callbackURL string) {
	t.Helper()
	req := relayapi.RegisterRequest{
		PublicKey:           p.signPub,
		EncryptionPublicKey: p.encPub,
		CallbackURL:         callbackURL,
	}
	require.NoError(t, relayapi.SignChallenge(&req, p.signPriv))
	status, body := f.do(t, http.MethodPost, "/relay/registry/register", p.id, req)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
}

// mintToken issues a capability from iss to sub, valid for an hour of relay
// time. mutate patches the claims before signing.
func (f *fixture) mintToken(t *testing.T, iss, sub peer, mutate func(*capability.Claims)) (string, string) {
	t.Helper()
	claims := capability.Claims{
		V:         capability.ClaimsVersion,
		ID:        capability.NewID(),
		Iss:       iss.signPub,
		Sub:       sub.signPub,
		Resource:  "openai",
		Scope:     []string{"read"},
		IssuedAt:  f.clock.Now().Unix(),
		ExpiresAt: f.clock.Now().Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(&claims)
	}
	token, err := capability.Encode(claims, iss.signPriv)
	require.NoError(t, err)
	return token, claims.ID
}

func (f *fixture) forward(t *testing.T, from peer, to, token, payload string) (int, []byte) {
	t.Helper()
	return f.do(t, http.MethodPost, "/relay/forward", from.id, relayapi.ForwardRequest{
		ToContainerID:    to,
		CapabilityToken:  token,
		EncryptedPayload: payload,
	})
}

func (f *fixture) pending(t *testing.T, p peer, query string) relayapi.PendingResponse {
	t.Helper()
	status, body := f.do(t, http.MethodGet, "/relay/messages/pending"+query, p.id, nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var out relayapi.PendingResponse
	decode(t, body, &out)
	return out
}

func (f *fixture) revoke(t *testing.T, issuer peer, capID, reason string) {
	t.Helper()
	req := relayapi.RevokeRequest{
		CapabilityID: capID,
		RevokedBy:    issuer.signPub,
		Reason:       reason,
		Timestamp:    f.clock.Now().Unix(),
	}
	require.NoError(t, relayapi.SignRevoke(&req, issuer.signPriv))
	status, body := f.do(t, http.MethodPost, "/relay/revoke", "", req)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var resp relayapi.RevokeResponse
	decode(t, body, &resp)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.RevocationID)
}

// mintSnapshot builds a snapshot addressed to recipientEncPub and signs it
// with the issuer's key. The ciphertext is junk; the relay never looks inside.
func (f *fixture) mintSnapshot(t *testing.T, issuer peer, recipientEncPub, capID string, ttl time.Duration) relayapi.Snapshot {
	t.Helper()
	snap := relayapi.Snapshot{
		CapabilityID: capID,
		IssuerPub:    issuer.signPub,
		RecipientPub: recipientEncPub,
		EphemeralPub: randB64(t, 32),
		Nonce:        randB64(t, 12),
		Tag:          randB64(t, 16),
		Ciphertext:   randB64(t, 64),
		CreatedAt:    f.clock.Now().Unix(),
		ExpiresAt:    f.clock.Now().Add(ttl).Unix(),
	}
	snap.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(issuer.signPriv, snap.SignaturePayload()))
	return snap
}

// signedNotice crafts a rotation notice from oldKeyID to succ and signs it
// with the successor key, mirroring what a vault emits.
func signedNotice(t *testing.T, oldKeyID string, succ peer, endsAt, ts int64) relayapi.RotationNotice {
	t.Helper()
	n := identity.Notice{
		Type:             "key_rotation",
		OldKeyID:         oldKeyID,
		NewKeyID:         identity.KeyIDFor(succ.signPub),
		NewPub:           succ.signPub,
		NewEncPub:        succ.encPub,
		TransitionEndsAt: endsAt,
		Timestamp:        ts,
	}
	payload, err := json.Marshal(n)
	require.NoError(t, err)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(succ.signPriv, payload))
	return relayapi.RotationNotice{
		Type:             n.Type,
		OldKeyID:         n.OldKeyID,
		NewKeyID:         n.NewKeyID,
		NewPub:           n.NewPub,
		NewEncPub:        n.NewEncPub,
		TransitionEndsAt: n.TransitionEndsAt,
		Timestamp:        n.Timestamp,
		Sig:              sig,
	}
}

// ============================================================================
// AUTH & HEALTH
// ============================================================================

func TestRelayRoutesRequireMeshToken(t *testing.T) {
	f := newFixture(t, nil)

	status, _ := f.request(t, http.MethodPost, "/relay/forward", "", "sand-a", relayapi.ForwardRequest{})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.request(t, http.MethodPost, "/relay/forward", "wrong-token", "sand-a", relayapi.ForwardRequest{})
	assert.Equal(t, http.StatusUnauthorized, status)

	// Sandbox routes also need the caller's container id.
	status, body := f.request(t, http.MethodPost, "/relay/forward", meshToken, "", relayapi.ForwardRequest{})
	assert.Equal(t, http.StatusUnauthorized, status)
	var errResp relayapi.ErrorResponse
	decode(t, body, &errResp)
	assert.Contains(t, errResp.Error, relayapi.HeaderContainerID)

	// Lookup needs only the mesh token; 404 means auth already passed.
	status, _ = f.request(t, http.MethodGet, "/relay/registry/nobody", meshToken, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthIsUnauthenticatedAndCounts(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	token, _ := f.mintToken(t, a, b, nil)
	status, _ := f.forward(t, a, b.id, token, randB64(t, 32))
	require.Equal(t, http.StatusOK, status)

	status, body := f.request(t, http.MethodGet, "/health", "", "", nil)
	require.Equal(t, http.StatusOK, status)
	var health relayapi.HealthResponse
	decode(t, body, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.EqualValues(t, 2, health.Components["registrations"])
	assert.EqualValues(t, 1, health.Components["pendingMessages"])
	assert.EqualValues(t, 0, health.Components["wsConnections"])
}

// ============================================================================
// REGISTRY
// ============================================================================

func TestRegisterAndLookup(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	f.register(t, a, "")

	status, body := f.do(t, http.MethodGet, "/relay/registry/sand-a", "", nil)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var look relayapi.LookupResponse
	decode(t, body, &look)
	assert.Equal(t, "sand-a", look.ContainerID)
	assert.Equal(t, a.signPub, look.PublicKey)
	assert.Equal(t, a.encPub, look.EncryptionPublicKey)
	assert.False(t, look.Online)
	assert.NotZero(t, look.RegisteredAt)
	assert.NotZero(t, look.LastSeenAt)

	// Re-registering under the same key is a refresh, not a conflict.
	f.register(t, a, "")
}

func TestRegisterRejectsBadChallenges(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	stranger := newPeer(t, "stranger")

	// Challenge signed by a key other than the one being registered.
	req := relayapi.RegisterRequest{PublicKey: a.signPub}
	require.NoError(t, relayapi.SignChallenge(&req, stranger.signPriv))
	status, _ := f.do(t, http.MethodPost, "/relay/registry/register", a.id, req)
	assert.Equal(t, http.StatusUnauthorized, status)

	// Challenge too short to prove anything.
	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	req = relayapi.RegisterRequest{
		PublicKey: a.signPub,
		Challenge: short,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(a.signPriv, []byte("tiny"))),
	}
	status, body := f.do(t, http.MethodPost, "/relay/registry/register", a.id, req)
	assert.Equal(t, http.StatusBadRequest, status, "body: %s", body)

	// Malformed public key.
	req = relayapi.RegisterRequest{PublicKey: "not-a-key"}
	status, _ = f.do(t, http.MethodPost, "/relay/registry/register", a.id, req)
	assert.Equal(t, http.StatusBadRequest, status)

	// Relative callback URLs are refused before any crypto.
	req = relayapi.RegisterRequest{PublicKey: a.signPub, CallbackURL: "/cb"}
	require.NoError(t, relayapi.SignChallenge(&req, a.signPriv))
	status, _ = f.do(t, http.MethodPost, "/relay/registry/register", a.id, req)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/relay/registry/sand-a", "", nil)
	assert.Equal(t, http.StatusNotFound, status, "no failed attempt may leave a registration behind")
}

func TestRegisterKeyConflicts(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	f.register(t, a, "")

	// Another container claiming a's signing key.
	req := relayapi.RegisterRequest{PublicKey: a.signPub}
	require.NoError(t, relayapi.SignChallenge(&req, a.signPriv))
	status, body := f.do(t, http.MethodPost, "/relay/registry/register", "sand-b", req)
	assert.Equal(t, http.StatusConflict, status, "body: %s", body)

	// The same container showing up with a brand-new key must rotate instead.
	fresh := newPeer(t, a.id)
	req = relayapi.RegisterRequest{PublicKey: fresh.signPub}
	require.NoError(t, relayapi.SignChallenge(&req, fresh.signPriv))
	status, body = f.do(t, http.MethodPost, "/relay/registry/register", a.id, req)
	assert.Equal(t, http.StatusConflict, status)
	var errResp relayapi.ErrorResponse
	decode(t, body, &errResp)
	assert.Contains(t, errResp.Error, "rotation")
}

func TestUpdateRegistration(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	f.register(t, a, "")

	// Swap the encryption key under a challenge signed by the registered key.
	newEnc, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	newEncPub := base64.StdEncoding.EncodeToString(newEnc.PublicKey().Bytes())
	upd := relayapi.UpdateRequest{EncryptionPublicKey: newEncPub}
	require.NoError(t, relayapi.SignUpdate(&upd, a.signPriv))
	status, body := f.do(t, http.MethodPost, "/relay/registry/update", a.id, upd)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var look relayapi.LookupResponse
	decode(t, body, &look)
	assert.Equal(t, newEncPub, look.EncryptionPublicKey)

	// A stranger's signature opens nothing.
	stranger := newPeer(t, "stranger")
	upd = relayapi.UpdateRequest{CallbackURL: "http://127.0.0.1:9/cb"}
	require.NoError(t, relayapi.SignUpdate(&upd, stranger.signPriv))
	status, _ = f.do(t, http.MethodPost, "/relay/registry/update", a.id, upd)
	assert.Equal(t, http.StatusUnauthorized, status)

	// Unknown containers cannot be updated.
	upd = relayapi.UpdateRequest{CallbackURL: "http://127.0.0.1:9/cb"}
	require.NoError(t, relayapi.SignUpdate(&upd, a.signPriv))
	status, _ = f.do(t, http.MethodPost, "/relay/registry/update", "sand-ghost", upd)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUnregisterRequiresOwnKeyAndDropsQueue(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	// Queue one envelope for b.
	token, _ := f.mintToken(t, a, b, nil)
	status, _ := f.forward(t, a, b.id, token, randB64(t, 32))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, f.pending(t, b, "").Count)

	// A foreign signature cannot unregister b.
	unreg := relayapi.UnregisterRequest{}
	require.NoError(t, relayapi.SignUnregister(&unreg, a.signPriv))
	status, _ = f.do(t, http.MethodDelete, "/relay/registry", b.id, unreg)
	assert.Equal(t, http.StatusUnauthorized, status)

	unreg = relayapi.UnregisterRequest{}
	require.NoError(t, relayapi.SignUnregister(&unreg, b.signPriv))
	status, body := f.do(t, http.MethodDelete, "/relay/registry", b.id, unreg)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var resp relayapi.UnregisterResponse
	decode(t, body, &resp)
	assert.True(t, resp.Unregistered)

	status, _ = f.do(t, http.MethodGet, "/relay/registry/sand-b", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// The pending queue does not survive the registration.
	f.register(t, b, "")
	assert.Zero(t, f.pending(t, b, "").Count)
}

// ============================================================================
// FORWARD & PENDING
// ============================================================================

func TestForwardQueuesForOfflineRecipient(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	payload := randB64(t, 48)
	token, capID := f.mintToken(t, a, b, nil)
	status, body := f.forward(t, a, b.id, token, payload)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var fwd relayapi.ForwardResponse
	decode(t, body, &fwd)
	assert.NotEmpty(t, fwd.MessageID)
	assert.Equal(t, capID, fwd.CapabilityID)
	assert.Equal(t, relayapi.StatusQueued, fwd.Status)
	assert.Equal(t, relayapi.DeliveryPending, fwd.DeliveryMethod)
	assert.False(t, fwd.WakeTriggered)

	got := f.pending(t, b, "")
	require.Equal(t, 1, got.Count)
	assert.Equal(t, fwd.MessageID, got.Messages[0].ID)
	assert.Equal(t, a.id, got.Messages[0].From)
	assert.Equal(t, payload, got.Messages[0].Payload)
	assert.Equal(t, len(payload), got.Messages[0].Size)

	// Peek does not consume; only an ack removes the envelope.
	require.Equal(t, 1, f.pending(t, b, "").Count)
	status, body = f.do(t, http.MethodPost, "/relay/messages/ack", b.id, relayapi.AckRequest{MessageIDs: []string{fwd.MessageID}})
	require.Equal(t, http.StatusOK, status)
	var ack relayapi.AckResponse
	decode(t, body, &ack)
	assert.Equal(t, 1, ack.Acked)
	assert.Zero(t, f.pending(t, b, "").Count)
}

func TestForwardValidation(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	// Required fields.
	status, _ := f.do(t, http.MethodPost, "/relay/forward", a.id, relayapi.ForwardRequest{ToContainerID: b.id})
	assert.Equal(t, http.StatusBadRequest, status)

	// Garbage token.
	status, _ = f.forward(t, a, b.id, "!!not-a-token!!", randB64(t, 8))
	assert.Equal(t, http.StatusBadRequest, status)

	// Claims naming a's key but signed by someone else.
	forged, _ := f.mintToken(t, a, b, nil)
	claims, _, err := capability.Decode(forged)
	require.NoError(t, err)
	stranger := newPeer(t, "stranger")
	resigned, err := capability.Encode(claims, stranger.signPriv)
	require.NoError(t, err)
	status, _ = f.forward(t, a, b.id, resigned, randB64(t, 8))
	assert.Equal(t, http.StatusUnauthorized, status)

	// Expired token.
	expired, _ := f.mintToken(t, a, b, func(c *capability.Claims) {
		c.ExpiresAt = f.clock.Now().Add(-time.Minute).Unix()
	})
	status, _ = f.forward(t, a, b.id, expired, randB64(t, 8))
	assert.Equal(t, http.StatusForbidden, status)

	// Token pinned to a different target container.
	pinned, _ := f.mintToken(t, a, b, func(c *capability.Claims) {
		c.Aud = "sand-c"
	})
	status, body := f.forward(t, a, b.id, pinned, randB64(t, 8))
	assert.Equal(t, http.StatusForbidden, status)
	var errResp relayapi.ErrorResponse
	decode(t, body, &errResp)
	assert.Contains(t, errResp.Error, "pinned")

	// Unknown recipient.
	token, _ := f.mintToken(t, a, b, nil)
	status, _ = f.forward(t, a, "sand-ghost", token, randB64(t, 8))
	assert.Equal(t, http.StatusNotFound, status)

	assert.Zero(t, f.pending(t, b, "").Count, "rejected forwards must not queue")
}

func TestForwardAcceptsUnknownIssuer(t *testing.T) {
	f := newFixture(t, nil)
	b := newPeer(t, "sand-b")
	f.register(t, b, "")

	// The issuer never registered with this relay. Its signature still counts:
	// the relay cannot know every key in the mesh.
	outsider := newPeer(t, "sand-outsider")
	token, _ := f.mintToken(t, outsider, b, nil)
	status, body := f.forward(t, outsider, b.id, token, randB64(t, 16))
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var fwd relayapi.ForwardResponse
	decode(t, body, &fwd)
	assert.Equal(t, relayapi.StatusQueued, fwd.Status)
}

func TestPendingLimitAndInlineAck(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	var ids []string
	for i := 0; i < 3; i++ {
		token, _ := f.mintToken(t, a, b, nil)
		status, body := f.forward(t, a, b.id, token, randB64(t, 16))
		require.Equal(t, http.StatusOK, status)
		var fwd relayapi.ForwardResponse
		decode(t, body, &fwd)
		ids = append(ids, fwd.MessageID)
	}

	got := f.pending(t, b, "?limit=2")
	require.Equal(t, 2, got.Count)
	assert.Equal(t, ids[0], got.Messages[0].ID, "oldest first")
	assert.Equal(t, ids[1], got.Messages[1].ID)

	status, _ := f.do(t, http.MethodGet, "/relay/messages/pending?limit=zero", b.id, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodGet, "/relay/messages/pending?limit=-1", b.id, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// Acking through the poll query acknowledges before peeking.
	got = f.pending(t, b, "?ack="+ids[0]+","+ids[1])
	require.Equal(t, 1, got.Count)
	assert.Equal(t, ids[2], got.Messages[0].ID)
}

func TestSendBetweenSandboxes(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	payload := randB64(t, 24)
	status, body := f.do(t, http.MethodPost, "/relay/send", a.id, relayapi.SendRequest{
		ToContainerID:    b.id,
		EncryptedPayload: payload,
	})
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var sent relayapi.SendResponse
	decode(t, body, &sent)
	assert.Equal(t, relayapi.StatusQueued, sent.Status)
	assert.Equal(t, relayapi.DeliveryPending, sent.DeliveryMethod)

	got := f.pending(t, b, "")
	require.Equal(t, 1, got.Count)
	assert.Equal(t, payload, got.Messages[0].Payload)

	status, _ = f.do(t, http.MethodPost, "/relay/send", a.id, relayapi.SendRequest{ToContainerID: b.id})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/relay/send", a.id, relayapi.SendRequest{
		ToContainerID:    "sand-ghost",
		EncryptedPayload: payload,
	})
	assert.Equal(t, http.StatusNotFound, status)
}

// ============================================================================
// DELIVERY PATHS
// ============================================================================

func TestForwardDeliversThroughCallback(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")

	type hit struct {
		bearer string
		msg    relayapi.PendingMessage
	}
	hits := make(chan hit, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg relayapi.PendingMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		hits <- hit{bearer: r.Header.Get("Authorization"), msg: msg}
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	f.register(t, a, "")
	f.register(t, b, receiver.URL+"/relay/callback")

	payload := randB64(t, 32)
	token, _ := f.mintToken(t, a, b, nil)
	status, body := f.forward(t, a, b.id, token, payload)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var fwd relayapi.ForwardResponse
	decode(t, body, &fwd)
	assert.Equal(t, relayapi.StatusDelivered, fwd.Status)
	assert.Equal(t, relayapi.DeliveryCallback, fwd.DeliveryMethod)

	select {
	case got := <-hits:
		assert.Equal(t, "Bearer "+meshToken, got.bearer, "callbacks authenticate with the mesh token")
		assert.Equal(t, fwd.MessageID, got.msg.ID)
		assert.Equal(t, a.id, got.msg.From)
		assert.Equal(t, payload, got.msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never arrived")
	}
	assert.Zero(t, f.pending(t, b, "").Count, "callback delivery is final")
}

func TestForwardFallsBackToQueueWhenCallbackFails(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sandbox gateway is mid-restart", http.StatusInternalServerError)
	}))
	defer receiver.Close()

	f.register(t, a, "")
	f.register(t, b, receiver.URL+"/relay/callback")

	token, _ := f.mintToken(t, a, b, nil)
	status, body := f.forward(t, a, b.id, token, randB64(t, 16))
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var fwd relayapi.ForwardResponse
	decode(t, body, &fwd)
	assert.Equal(t, relayapi.StatusQueued, fwd.Status)
	assert.Equal(t, relayapi.DeliveryPending, fwd.DeliveryMethod)
	assert.Equal(t, 1, f.pending(t, b, "").Count)
}

func TestForwardTriggersWake(t *testing.T) {
	waker := &fakeWaker{trigger: true}
	f := newFixture(t, waker)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	token, _ := f.mintToken(t, a, b, nil)
	status, body := f.forward(t, a, b.id, token, randB64(t, 16))
	require.Equal(t, http.StatusOK, status)
	var fwd relayapi.ForwardResponse
	decode(t, body, &fwd)
	assert.True(t, fwd.WakeTriggered)
	assert.Equal(t, []string{b.id}, waker.woken())
}

func TestForwardSurvivesWakeFailure(t *testing.T) {
	waker := &fakeWaker{err: context.DeadlineExceeded}
	f := newFixture(t, waker)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	token, _ := f.mintToken(t, a, b, nil)
	status, body := f.forward(t, a, b.id, token, randB64(t, 16))
	require.Equal(t, http.StatusOK, status, "a wake failure must not block delivery")
	var fwd relayapi.ForwardResponse
	decode(t, body, &fwd)
	assert.False(t, fwd.WakeTriggered)
	assert.Equal(t, relayapi.StatusQueued, fwd.Status)
}

func TestWebSocketDelivery(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+meshToken)
	hdr.Set(relayapi.HeaderContainerID, b.id)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/relay/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.relay.Hub().Online(b.id) }, 2*time.Second, 10*time.Millisecond)

	status, body := f.do(t, http.MethodGet, "/relay/registry/sand-b", "", nil)
	require.Equal(t, http.StatusOK, status)
	var look relayapi.LookupResponse
	decode(t, body, &look)
	assert.True(t, look.Online)

	payload := randB64(t, 32)
	token, _ := f.mintToken(t, a, b, nil)
	status, body = f.forward(t, a, b.id, token, payload)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var fwd relayapi.ForwardResponse
	decode(t, body, &fwd)
	assert.Equal(t, relayapi.StatusDelivered, fwd.Status)
	assert.Equal(t, relayapi.DeliveryWebSocket, fwd.DeliveryMethod)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg relayapi.PendingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, fwd.MessageID, msg.ID)
	assert.Equal(t, a.id, msg.From)
	assert.Equal(t, payload, msg.Payload)
	assert.Zero(t, f.pending(t, b, "").Count, "socket delivery is final")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !f.relay.Hub().Online(b.id) }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRequiresRegistration(t *testing.T) {
	f := newFixture(t, nil)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+meshToken)
	hdr.Set(relayapi.HeaderContainerID, "sand-ghost")
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/relay/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ============================================================================
// REVOCATION
// ============================================================================

func TestForwardBlocksRevokedCapability(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	token, capID := f.mintToken(t, a, b, nil)
	f.revoke(t, a, capID, "credential leaked")

	status, body := f.forward(t, a, b.id, token, randB64(t, 16))
	assert.Equal(t, http.StatusForbidden, status)
	var errResp relayapi.ErrorResponse
	decode(t, body, &errResp)
	assert.Equal(t, "revoked", errResp.Kind)
	assert.Equal(t, capID, errResp.Fields["capabilityId"])
	assert.Equal(t, "credential leaked", errResp.Fields["reason"])
	assert.Zero(t, f.pending(t, b, "").Count)

	status, body = f.do(t, http.MethodGet, "/relay/revocation/"+capID, "", nil)
	require.Equal(t, http.StatusOK, status)
	var st relayapi.RevocationStatus
	decode(t, body, &st)
	assert.True(t, st.Revoked)
	assert.Equal(t, "credential leaked", st.Reason)
	assert.NotZero(t, st.RevokedAt)

	status, body = f.do(t, http.MethodPost, "/relay/check-revocations", "", relayapi.BatchCheckRequest{
		CapabilityIDs: []string{capID, "cap-never-issued"},
	})
	require.Equal(t, http.StatusOK, status)
	var batch relayapi.BatchCheckResponse
	decode(t, body, &batch)
	require.Len(t, batch.Results, 2)
	assert.True(t, batch.Results[capID].Revoked)
	assert.False(t, batch.Results["cap-never-issued"].Revoked)

	status, body = f.do(t, http.MethodGet, "/relay/revocations/stats", "", nil)
	require.Equal(t, http.StatusOK, status)
	var stats map[string]interface{}
	decode(t, body, &stats)
	assert.EqualValues(t, 1, stats["records"])
}

func TestRevokeRejectsForgeriesAndStaleClocks(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	stranger := newPeer(t, "stranger")

	// Signature by a key other than revokedBy.
	req := relayapi.RevokeRequest{
		CapabilityID: capability.NewID(),
		RevokedBy:    a.signPub,
		Timestamp:    f.clock.Now().Unix(),
	}
	require.NoError(t, relayapi.SignRevoke(&req, stranger.signPriv))
	status, _ := f.do(t, http.MethodPost, "/relay/revoke", "", req)
	assert.Equal(t, http.StatusUnauthorized, status)

	// Replayed request from outside the clock-skew window.
	req = relayapi.RevokeRequest{
		CapabilityID: capability.NewID(),
		RevokedBy:    a.signPub,
		Timestamp:    f.clock.Now().Add(-10 * time.Minute).Unix(),
	}
	require.NoError(t, relayapi.SignRevoke(&req, a.signPriv))
	status, _ = f.do(t, http.MethodPost, "/relay/revoke", "", req)
	assert.Equal(t, http.StatusBadRequest, status)

	// Tampered field after signing.
	req = relayapi.RevokeRequest{
		CapabilityID: capability.NewID(),
		RevokedBy:    a.signPub,
		Timestamp:    f.clock.Now().Unix(),
	}
	require.NoError(t, relayapi.SignRevoke(&req, a.signPriv))
	req.Reason = "edited after signing"
	status, _ = f.do(t, http.MethodPost, "/relay/revoke", "", req)
	assert.Equal(t, http.StatusUnauthorized, status)
}

// ============================================================================
// KEY ROTATION
// ============================================================================

func TestRotationKeepsOldTokensInsideWindow(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	// Long-lived token under the v1 key; it must outlive the rotation window
	// so a post-window refusal is about the key, not the expiry.
	oldToken, _ := f.mintToken(t, a, b, func(c *capability.Claims) {
		c.ExpiresAt = f.clock.Now().Add(72 * time.Hour).Unix()
	})

	state := identity.RotationState{Current: identity.VersionedIdentity{
		Version:   1,
		KeyID:     identity.KeyIDFor(a.signPub),
		SignPub:   a.signPub,
		SignPriv:  base64.StdEncoding.EncodeToString(a.signPriv),
		EncPub:    a.encPub,
		Algo:      identity.Algo,
		CreatedAt: f.clock.Now().Unix(),
	}}
	next, notice, err := identity.Rotate(state, time.Hour, "scheduled", nil, f.clock.Now())
	require.NoError(t, err)

	wire := relayapi.RotationNotice{
		Type:                  notice.Type,
		OldKeyID:              notice.OldKeyID,
		NewKeyID:              notice.NewKeyID,
		NewPub:                notice.NewPub,
		NewEncPub:             notice.NewEncPub,
		TransitionEndsAt:      notice.TransitionEndsAt,
		AffectedCapabilityIDs: notice.AffectedCapabilityIDs,
		Timestamp:             notice.Timestamp,
		Sig:                   notice.Sig,
	}
	status, body := f.do(t, http.MethodPost, "/relay/keys/rotation", a.id, wire)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var accepted map[string]interface{}
	decode(t, body, &accepted)
	assert.Equal(t, true, accepted["accepted"])
	assert.Equal(t, notice.NewKeyID, accepted["activeKeyId"])

	// The registration now carries the successor key.
	status, body = f.do(t, http.MethodGet, "/relay/registry/sand-a", "", nil)
	require.Equal(t, http.StatusOK, status)
	var look relayapi.LookupResponse
	decode(t, body, &look)
	assert.Equal(t, notice.NewPub, look.PublicKey)
	assert.Equal(t, notice.NewEncPub, look.EncryptionPublicKey)

	// Inside the window both generations forward.
	status, _ = f.forward(t, a, b.id, oldToken, randB64(t, 16))
	assert.Equal(t, http.StatusOK, status, "old-key token must keep working inside the window")

	succPriv, err := next.Current.SigningPrivateKey()
	require.NoError(t, err)
	newClaims := capability.Claims{
		V:         capability.ClaimsVersion,
		ID:        capability.NewID(),
		Iss:       next.Current.SignPub,
		Sub:       b.signPub,
		Resource:  "openai",
		Scope:     []string{"read"},
		IssuedAt:  f.clock.Now().Unix(),
		ExpiresAt: f.clock.Now().Add(72 * time.Hour).Unix(),
	}
	newToken, err := capability.Encode(newClaims, succPriv)
	require.NoError(t, err)
	status, _ = f.forward(t, a, b.id, newToken, randB64(t, 16))
	assert.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodGet, "/relay/keys/history/sand-a", "", nil)
	require.Equal(t, http.StatusOK, status)
	var hist relayapi.KeyHistoryResponse
	decode(t, body, &hist)
	require.Len(t, hist.Keys, 2)
	assert.Equal(t, notice.NewKeyID, hist.Keys[0].KeyID, "newest first")
	assert.Equal(t, 2, hist.Keys[0].Version)
	assert.True(t, hist.Keys[0].Active)
	assert.Equal(t, identity.KeyIDFor(a.signPub), hist.Keys[1].KeyID)
	assert.True(t, hist.Keys[1].Active, "retired key stays visible inside its window")
	assert.NotZero(t, hist.Keys[1].RotatedAt)

	// Window closes: the old key is permanently refused, the new one keeps
	// working.
	f.clock.Advance(2 * time.Hour)
	status, body = f.forward(t, a, b.id, oldToken, randB64(t, 16))
	assert.Equal(t, http.StatusUnauthorized, status)
	var errResp relayapi.ErrorResponse
	decode(t, body, &errResp)
	assert.Contains(t, errResp.Error, "rotated-out")

	status, _ = f.forward(t, a, b.id, newToken, randB64(t, 16))
	assert.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodGet, "/relay/keys/history/sand-a", "", nil)
	require.Equal(t, http.StatusOK, status)
	decode(t, body, &hist)
	assert.False(t, hist.Keys[1].Active, "window closed")
}

func TestRotationNoticeRejectsBadChains(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	now := f.clock.Now().Unix()
	endsAt := f.clock.Now().Add(time.Hour).Unix()
	succ := newPeer(t, "successor")

	// Notice chaining from a key the container never registered.
	other := newPeer(t, "other")
	wire := signedNotice(t, identity.KeyIDFor(other.signPub), succ, endsAt, now)
	status, body := f.do(t, http.MethodPost, "/relay/keys/rotation", a.id, wire)
	assert.Equal(t, http.StatusBadRequest, status, "body: %s", body)

	// Announcing a key already registered to another container.
	wire = signedNotice(t, identity.KeyIDFor(a.signPub), b, endsAt, now)
	status, _ = f.do(t, http.MethodPost, "/relay/keys/rotation", a.id, wire)
	assert.Equal(t, http.StatusConflict, status)

	// Transition window already closed at announcement time.
	wire = signedNotice(t, identity.KeyIDFor(a.signPub), succ, now-10, now)
	status, _ = f.do(t, http.MethodPost, "/relay/keys/rotation", a.id, wire)
	assert.Equal(t, http.StatusBadRequest, status)

	// Tampered signature.
	wire = signedNotice(t, identity.KeyIDFor(a.signPub), succ, endsAt, now)
	wire.TransitionEndsAt = endsAt + 60
	status, _ = f.do(t, http.MethodPost, "/relay/keys/rotation", a.id, wire)
	assert.Equal(t, http.StatusUnauthorized, status)

	// Notice timestamp outside the accepted skew.
	stale := f.clock.Now().Add(-10 * time.Minute).Unix()
	wire = signedNotice(t, identity.KeyIDFor(a.signPub), succ, endsAt, stale)
	status, _ = f.do(t, http.MethodPost, "/relay/keys/rotation", a.id, wire)
	assert.Equal(t, http.StatusBadRequest, status)

	// The registration is untouched after every refusal.
	status, body = f.do(t, http.MethodGet, "/relay/registry/sand-a", "", nil)
	require.Equal(t, http.StatusOK, status)
	var look relayapi.LookupResponse
	decode(t, body, &look)
	assert.Equal(t, a.signPub, look.PublicKey)
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

func TestSnapshotLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	capID := capability.NewID()
	snap := f.mintSnapshot(t, a, b.encPub, capID, time.Hour)
	status, body := f.do(t, http.MethodPost, "/relay/snapshots", "", snap)
	require.Equal(t, http.StatusOK, status, "body: %s", body)

	status, body = f.do(t, http.MethodGet, "/relay/snapshots/"+capID, "", nil)
	require.Equal(t, http.StatusOK, status)
	var got relayapi.Snapshot
	decode(t, body, &got)
	assert.Equal(t, snap.Ciphertext, got.Ciphertext)
	assert.Equal(t, snap.EphemeralPub, got.EphemeralPub)

	// Listing requires a fresh signature by the recipient's signing key; the
	// registration maps it to the encryption key snapshots are addressed to.
	list := relayapi.SnapshotListRequest{
		RecipientPublicKey: b.signPub,
		Timestamp:          f.clock.Now().Unix(),
	}
	relayapi.SignSnapshotList(&list, b.signPriv)
	status, body = f.do(t, http.MethodPost, "/relay/snapshots/list", "", list)
	require.Equal(t, http.StatusOK, status, "body: %s", body)
	var listed relayapi.SnapshotListResponse
	decode(t, body, &listed)
	require.Equal(t, 1, listed.Count)
	assert.Equal(t, capID, listed.Snapshots[0].CapabilityID)

	status, _ = f.do(t, http.MethodDelete, "/relay/snapshots/"+capID, "", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodGet, "/relay/snapshots/"+capID, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSnapshotStoreValidation(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")

	// Missing fields.
	snap := f.mintSnapshot(t, a, b.encPub, capability.NewID(), time.Hour)
	snap.Tag = ""
	status, _ := f.do(t, http.MethodPost, "/relay/snapshots", "", snap)
	assert.Equal(t, http.StatusBadRequest, status)

	// Issuer signature over tampered ciphertext.
	snap = f.mintSnapshot(t, a, b.encPub, capability.NewID(), time.Hour)
	snap.Ciphertext = randB64(t, 64)
	status, _ = f.do(t, http.MethodPost, "/relay/snapshots", "", snap)
	assert.Equal(t, http.StatusUnauthorized, status)

	// Already expired on arrival.
	snap = f.mintSnapshot(t, a, b.encPub, capability.NewID(), -time.Hour)
	status, _ = f.do(t, http.MethodPost, "/relay/snapshots", "", snap)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestSnapshotListValidation(t *testing.T) {
	f := newFixture(t, nil)
	a := newPeer(t, "sand-a")
	b := newPeer(t, "sand-b")
	f.register(t, a, "")
	f.register(t, b, "")

	snap := f.mintSnapshot(t, a, b.encPub, capability.NewID(), time.Hour)
	status, _ := f.do(t, http.MethodPost, "/relay/snapshots", "", snap)
	require.Equal(t, http.StatusOK, status)

	// Signature by a key that is not the claimed recipient.
	stranger := newPeer(t, "stranger")
	list := relayapi.SnapshotListRequest{
		RecipientPublicKey: b.signPub,
		Timestamp:          f.clock.Now().Unix(),
	}
	relayapi.SignSnapshotList(&list, stranger.signPriv)
	status, _ = f.do(t, http.MethodPost, "/relay/snapshots/list", "", list)
	assert.Equal(t, http.StatusUnauthorized, status)

	// A valid signature under a key nobody registered lists nothing.
	list = relayapi.SnapshotListRequest{
		RecipientPublicKey: stranger.signPub,
		Timestamp:          f.clock.Now().Unix(),
	}
	relayapi.SignSnapshotList(&list, stranger.signPriv)
	status, _ = f.do(t, http.MethodPost, "/relay/snapshots/list", "", list)
	assert.Equal(t, http.StatusNotFound, status)

	// Stale request timestamp.
	list = relayapi.SnapshotListRequest{
		RecipientPublicKey: b.signPub,
		Timestamp:          f.clock.Now().Add(-10 * time.Minute).Unix(),
	}
	relayapi.SignSnapshotList(&list, b.signPriv)
	status, _ = f.do(t, http.MethodPost, "/relay/snapshots/list", "", list)
	assert.Equal(t, http.StatusBadRequest, status)

	// Missing signature material.
	status, _ = f.do(t, http.MethodPost, "/relay/snapshots/list", "", relayapi.SnapshotListRequest{
		RecipientPublicKey: b.signPub,
	})
	assert.Equal(t, http.StatusBadRequest, status)
}
