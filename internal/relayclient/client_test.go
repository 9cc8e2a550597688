package relayclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			writeJSONStatus(w, http.StatusServiceUnavailable, relayapi.ErrorResponse{
				Error: "backend down", Kind: "relay_unreachable",
			})
			return
		}
		writeJSONStatus(w, http.StatusOK, relayapi.LookupResponse{ContainerID: "peer-1", Online: true})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{Retries: 2, Backoff: time.Millisecond})
	resp, err := c.Lookup(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.Equal(t, "peer-1", resp.ContainerID)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClientDoesNotRetryAuthFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		writeJSONStatus(w, http.StatusUnauthorized, relayapi.ErrorResponse{
			Error: "bad token", Kind: "auth_failed",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{Retries: 2, Backoff: time.Millisecond})
	_, err := c.Lookup(context.Background(), "peer-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindAuthFailed))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClientClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		writeJSONStatus(w, http.StatusOK, relayapi.LookupResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{Timeout: 20 * time.Millisecond, Retries: -1})
	_, err := c.Lookup(context.Background(), "peer-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindTimeout))
}

func TestClientErrorFieldsSurvive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusForbidden, relayapi.ErrorResponse{
			Error:  "capability cap-9 is revoked",
			Kind:   "revoked",
			Fields: map[string]interface{}{"capabilityId": "cap-9"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{Retries: -1})
	_, err := c.Forward(context.Background(), relayapi.ForwardRequest{
		ToContainerID: "peer-1", CapabilityToken: "tok", EncryptedPayload: "cipher",
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindRevoked))

	var e *errdefs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "cap-9", e.Field("capabilityId"))
}

func TestClientRegisterSignsFreshChallenge(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req relayapi.RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		raw, err := base64.StdEncoding.DecodeString(req.Challenge)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(raw), 16)
		sig, err := base64.StdEncoding.DecodeString(req.Signature)
		require.NoError(t, err)
		if !ed25519.Verify(pub, raw, sig) {
			writeJSONStatus(w, http.StatusUnauthorized, relayapi.ErrorResponse{
				Error: "challenge signature verification failed", Kind: "invalid_signature",
			})
			return
		}
		writeJSONStatus(w, http.StatusOK, relayapi.RegisterResponse{
			Registered: true, ContainerID: r.Header.Get(relayapi.HeaderContainerID),
		})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{ContainerID: "sandbox-7", Retries: -1})
	resp, err := c.Register(context.Background(), relayapi.RegisterRequest{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	}, priv)
	require.NoError(t, err)
	assert.True(t, resp.Registered)
	assert.Equal(t, "sandbox-7", resp.ContainerID)
}

func TestClientSendsAuthAndContainerHeaders(t *testing.T) {
	var (
		gotAuth      atomic.Value
		gotContainer atomic.Value
		gotQuery     atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotContainer.Store(r.Header.Get(relayapi.HeaderContainerID))
		gotQuery.Store(r.URL.RawQuery)
		writeJSONStatus(w, http.StatusOK, relayapi.PendingResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL, Options{AuthToken: "relay-token", ContainerID: "sandbox-7", Retries: -1})
	_, err := c.Pending(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, "Bearer relay-token", gotAuth.Load())
	assert.Equal(t, "sandbox-7", gotContainer.Load())
	assert.Equal(t, "limit=25", gotQuery.Load())
}

func TestClientUnreachableRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	c := New(srv.URL, Options{Retries: -1})
	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindRelayUnreachable))
}
