// Package relayclient is the sandbox-side HTTP client for relay servers: a
// single-relay Client with per-request timeouts and bounded retries, and a
// Multi composite that adds failover strategies, per-relay circuit breakers,
// and periodic health probes.
package relayclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

const (
	// DefaultTimeout bounds one request attempt.
	DefaultTimeout = 5 * time.Second

	// DefaultRetries is how many times a retryable failure is attempted
	// again after the first try.
	DefaultRetries = 2

	// DefaultBackoff is the base delay before the first retry; each further
	// retry doubles it.
	DefaultBackoff = 100 * time.Millisecond

	// maxResponseBytes caps how much of a relay response is read. Snapshot
	// lists are the largest legitimate payload.
	maxResponseBytes = 8 << 20
)

// Options tune a single-relay Client. Zero values select defaults.
type Options struct {
	// AuthToken is the shared relay bearer token.
	AuthToken string

	// ContainerID is sent as the container id header on every request so
	// container-scoped endpoints know who is calling.
	ContainerID string

	Timeout time.Duration
	Retries int
	Backoff time.Duration

	// HTTPClient overrides the transport. Per-attempt timeouts still come
	// from Timeout via the request context.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to one relay. Authorization failures surface immediately;
// transport failures and retryable kinds are retried with exponential
// backoff before giving up.
type Client struct {
	baseURL     string
	authToken   string
	containerID string
	timeout     time.Duration
	retries     int
	backoff     time.Duration
	http        *http.Client
	log         *slog.Logger
}

// New builds a client for the relay at baseURL.
func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		authToken:   opts.AuthToken,
		containerID: opts.ContainerID,
		timeout:     opts.Timeout,
		retries:     opts.Retries,
		backoff:     opts.Backoff,
		http:        opts.HTTPClient,
		log:         opts.Logger.With("component", "relay-client", "relay", strings.TrimRight(baseURL, "/")),
	}
}

// BaseURL returns the relay address this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// REGISTRY
// ============================================================================

// Register proves possession of priv by signing a fresh challenge (unless
// the request already carries one) and registers the container's keys.
func (c *Client) Register(ctx context.Context, req relayapi.RegisterRequest, priv ed25519.PrivateKey) (relayapi.RegisterResponse, error) {
	if err := relayapi.SignChallenge(&req, priv); err != nil {
		return relayapi.RegisterResponse{}, errdefs.Wrap(errdefs.KindInvalidInput, err, "sign registration challenge")
	}
	var out relayapi.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/relay/registry/register", req, &out)
	return out, err
}

// Update changes the mutable parts of the registration.
func (c *Client) Update(ctx context.Context, req relayapi.UpdateRequest, priv ed25519.PrivateKey) (relayapi.LookupResponse, error) {
	if err := relayapi.SignUpdate(&req, priv); err != nil {
		return relayapi.LookupResponse{}, errdefs.Wrap(errdefs.KindInvalidInput, err, "sign update challenge")
	}
	var out relayapi.LookupResponse
	err := c.do(ctx, http.MethodPost, "/relay/registry/update", req, &out)
	return out, err
}

// Unregister removes the registration and discards the pending queue.
func (c *Client) Unregister(ctx context.Context, priv ed25519.PrivateKey) (relayapi.UnregisterResponse, error) {
	var req relayapi.UnregisterRequest
	if err := relayapi.SignUnregister(&req, priv); err != nil {
		return relayapi.UnregisterResponse{}, errdefs.Wrap(errdefs.KindInvalidInput, err, "sign unregister challenge")
	}
	var out relayapi.UnregisterResponse
	err := c.do(ctx, http.MethodDelete, "/relay/registry", req, &out)
	return out, err
}

// Lookup fetches another container's registration.
func (c *Client) Lookup(ctx context.Context, containerID string) (relayapi.LookupResponse, error) {
	var out relayapi.LookupResponse
	err := c.do(ctx, http.MethodGet, "/relay/registry/"+url.PathEscape(containerID), nil, &out)
	return out, err
}

// ============================================================================
// MESSAGING
// ============================================================================

// Forward ships a capability-bearing envelope to its target.
func (c *Client) Forward(ctx context.Context, req relayapi.ForwardRequest) (relayapi.ForwardResponse, error) {
	var out relayapi.ForwardResponse
	err := c.do(ctx, http.MethodPost, "/relay/forward", req, &out)
	return out, err
}

// Send ships a plain envelope without capability enforcement.
func (c *Client) Send(ctx context.Context, req relayapi.SendRequest) (relayapi.SendResponse, error) {
	var out relayapi.SendResponse
	err := c.do(ctx, http.MethodPost, "/relay/send", req, &out)
	return out, err
}

// Pending polls the caller's queue without consuming it. limit <= 0 takes
// the server default.
func (c *Client) Pending(ctx context.Context, limit int) (relayapi.PendingResponse, error) {
	path := "/relay/messages/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out relayapi.PendingResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Ack removes delivered envelopes from the caller's queue.
func (c *Client) Ack(ctx context.Context, messageIDs []string) (relayapi.AckResponse, error) {
	var out relayapi.AckResponse
	err := c.do(ctx, http.MethodPost, "/relay/messages/ack", relayapi.AckRequest{MessageIDs: messageIDs}, &out)
	return out, err
}

// ============================================================================
// REVOCATION
// ============================================================================

// Revoke registers a signed revocation on the relay's blocklist.
func (c *Client) Revoke(ctx context.Context, req relayapi.RevokeRequest) (relayapi.RevokeResponse, error) {
	var out relayapi.RevokeResponse
	err := c.do(ctx, http.MethodPost, "/relay/revoke", req, &out)
	return out, err
}

// RevocationStatus checks one capability id.
func (c *Client) RevocationStatus(ctx context.Context, capabilityID string) (relayapi.RevocationStatus, error) {
	var out relayapi.RevocationStatus
	err := c.do(ctx, http.MethodGet, "/relay/revocation/"+url.PathEscape(capabilityID), nil, &out)
	return out, err
}

// CheckRevocations checks many capability ids at once.
func (c *Client) CheckRevocations(ctx context.Context, capabilityIDs []string) (relayapi.BatchCheckResponse, error) {
	var out relayapi.BatchCheckResponse
	err := c.do(ctx, http.MethodPost, "/relay/check-revocations", relayapi.BatchCheckRequest{CapabilityIDs: capabilityIDs}, &out)
	return out, err
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

// StoreSnapshot uploads an encrypted credential snapshot. Same capability id
// replaces the previous snapshot.
func (c *Client) StoreSnapshot(ctx context.Context, snap relayapi.Snapshot) error {
	return c.do(ctx, http.MethodPost, "/relay/snapshots", snap, nil)
}

// GetSnapshot fetches one snapshot; not_found covers absent and expired.
func (c *Client) GetSnapshot(ctx context.Context, capabilityID string) (relayapi.Snapshot, error) {
	var out relayapi.Snapshot
	err := c.do(ctx, http.MethodGet, "/relay/snapshots/"+url.PathEscape(capabilityID), nil, &out)
	return out, err
}

// DeleteSnapshot removes one snapshot. Deleting an absent snapshot succeeds.
func (c *Client) DeleteSnapshot(ctx context.Context, capabilityID string) error {
	return c.do(ctx, http.MethodDelete, "/relay/snapshots/"+url.PathEscape(capabilityID), nil, nil)
}

// ListSnapshots returns every live snapshot addressed to the signed
// recipient. Build the request with relayapi.SignSnapshotList.
func (c *Client) ListSnapshots(ctx context.Context, req relayapi.SnapshotListRequest) (relayapi.SnapshotListResponse, error) {
	var out relayapi.SnapshotListResponse
	err := c.do(ctx, http.MethodPost, "/relay/snapshots/list", req, &out)
	return out, err
}

// ============================================================================
// KEYS & HEALTH
// ============================================================================

// AnnounceRotation publishes a signing-key rotation notice.
func (c *Client) AnnounceRotation(ctx context.Context, notice relayapi.RotationNotice) error {
	return c.do(ctx, http.MethodPost, "/relay/keys/rotation", notice, nil)
}

// KeyHistory fetches a container's published key generations, newest first.
func (c *Client) KeyHistory(ctx context.Context, containerID string) (relayapi.KeyHistoryResponse, error) {
	var out relayapi.KeyHistoryResponse
	err := c.do(ctx, http.MethodGet, "/relay/keys/history/"+url.PathEscape(containerID), nil, &out)
	return out, err
}

// Health probes relay liveness with a single attempt; the probe schedule is
// the retry mechanism.
func (c *Client) Health(ctx context.Context) (relayapi.HealthResponse, error) {
	var out relayapi.HealthResponse
	err := c.once(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// ============================================================================
// TRANSPORT
// ============================================================================

// do runs one call with retries. Only transport failures and retryable kinds
// are attempted again; authorization and validation failures surface at once.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errdefs.Wrap(errdefs.KindInvalidInput, err, "encode relay request")
		}
		body = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff<<(attempt-1)); err != nil {
				return lastErr
			}
			c.log.Debug("retrying relay call", "method", method, "path", path, "attempt", attempt)
		}
		err := c.attempt(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errdefs.Retryable(errdefs.KindOf(err)) {
			return err
		}
	}
	return lastErr
}

// once runs a single attempt without the retry loop.
func (c *Client) once(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errdefs.Wrap(errdefs.KindInvalidInput, err, "encode relay request")
		}
		body = b
	}
	return c.attempt(ctx, method, path, body, out)
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidInput, err, "build relay request")
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if c.containerID != "" {
		req.Header.Set(relayapi.HeaderContainerID, c.containerID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errdefs.Wrap(errdefs.KindTimeout, err, "relay request timed out")
		}
		return errdefs.Wrap(errdefs.KindRelayUnreachable, err, "relay request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errdefs.Wrap(errdefs.KindRelayUnreachable, err, "read relay response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errdefs.Wrap(errdefs.KindInternal, err, "decode relay response")
		}
	}
	return nil
}

// decodeError rebuilds a classified error from a relay error payload. An
// unparseable body falls back to a kind inferred from the status code.
func decodeError(status int, body []byte) error {
	var wire relayapi.ErrorResponse
	if err := json.Unmarshal(body, &wire); err == nil && wire.Kind != "" {
		e := errdefs.New(errdefs.Kind(wire.Kind), wire.Error)
		for k, v := range wire.Fields {
			e = e.WithField(k, v)
		}
		return e
	}

	kind := errdefs.KindInternal
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = errdefs.KindAuthFailed
	case status == http.StatusNotFound:
		kind = errdefs.KindNotFound
	case status == http.StatusTooManyRequests:
		kind = errdefs.KindRateLimited
	case status >= 500:
		kind = errdefs.KindRelayUnreachable
	case status >= 400:
		kind = errdefs.KindInvalidInput
	}
	return errdefs.Newf(kind, "relay returned status %d", status)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
