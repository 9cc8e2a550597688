package vault

import (
	"encoding/base64"
	"sort"

	"golang.org/x/time/rate"

	"github.com/ocmt/backend/internal/capability"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/identity"
	"github.com/ocmt/backend/pkg/relayapi"
)

// IssueOptions tunes a capability beyond subject/resource/scope/expiry.
type IssueOptions struct {
	// MaxCalls caps executions; zero means unlimited.
	MaxCalls int

	// RateLimit caps executions per second; zero means no limit.
	RateLimit float64

	// IPAllowlist restricts callers by source address when non-empty.
	IPAllowlist []string

	// Tier is LIVE (default) or CACHED.
	Tier string

	// SubjectEncryptionKey is the subject's base64 X25519 key; required for
	// CACHED so the snapshot can be encrypted end to end.
	SubjectEncryptionKey string

	// CacheRefreshIntervalSec drives periodic snapshot refresh for CACHED.
	CacheRefreshIntervalSec int64

	// Audience pins the token to one target container id. Relays refuse to
	// forward an audience-bearing token anywhere else. Empty leaves the token
	// routable to any container holding the subject key.
	Audience string
}

// IssueResult is what a successful issuance hands back to the caller.
type IssueResult struct {
	ID     string
	Token  string
	Claims capability.Claims

	// Snapshot is populated for CACHED issuance and must be pushed to the
	// relay by the caller.
	Snapshot *relayapi.Snapshot
}

// IssueCapability mints a signed capability token for a subject sandbox and
// records the grant. The vault must own the named resource: a capability can
// never delegate authority the issuer does not hold.
func (v *Vault) IssueCapability(subjectSignPub, resource string, scope []string, expiresInSec int64, opts IssueOptions) (IssueResult, error) {
	if _, err := capability.DecodeKey(subjectSignPub); err != nil {
		return IssueResult{}, err
	}
	if resource == "" {
		return IssueResult{}, errdefs.New(errdefs.KindInvalidInput, "resource must not be empty")
	}
	if err := capability.ValidateScope(scope); err != nil {
		return IssueResult{}, err
	}
	if expiresInSec <= 0 {
		return IssueResult{}, errdefs.New(errdefs.KindInvalidInput, "expiresInSec must be positive")
	}
	tier := opts.Tier
	if tier == "" {
		tier = capability.TierLive
	}
	if tier != capability.TierLive && tier != capability.TierCached {
		return IssueResult{}, errdefs.Newf(errdefs.KindInvalidInput, "unknown tier %q", tier)
	}
	if tier == capability.TierCached && opts.SubjectEncryptionKey == "" {
		return IssueResult{}, errdefs.New(errdefs.KindInvalidInput, "CACHED issuance requires the subject encryption key")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return IssueResult{}, err
	}
	if _, ok := v.record.Integrations[resource]; !ok {
		if _, ok := v.record.APIKeys[resource]; !ok {
			return IssueResult{}, errdefs.Newf(errdefs.KindNotFound, "no credential stored for resource %q", resource)
		}
	}

	now := v.now()
	cur := v.record.Rotation.Current
	claims := capability.Claims{
		V:         capability.ClaimsVersion,
		ID:        capability.NewID(),
		Iss:       cur.SignPub,
		Sub:       subjectSignPub,
		Aud:       opts.Audience,
		Resource:  resource,
		Scope:     append([]string(nil), scope...),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Unix() + expiresInSec,
		Tier:      tier,
	}
	if opts.MaxCalls > 0 || opts.RateLimit > 0 || len(opts.IPAllowlist) > 0 {
		claims.Constraints = &capability.Constraints{
			MaxCalls:    opts.MaxCalls,
			RateLimit:   opts.RateLimit,
			IPAllowlist: opts.IPAllowlist,
		}
	}
	if tier == capability.TierCached {
		claims.IssEnc = cur.EncPub
		claims.SubEnc = opts.SubjectEncryptionKey
	}

	priv, err := cur.SigningPrivateKey()
	if err != nil {
		return IssueResult{}, err
	}
	token, err := capability.Encode(claims, priv)
	if err != nil {
		return IssueResult{}, err
	}

	grant := &Grant{
		ID:                      claims.ID,
		Subject:                 subjectSignPub,
		Resource:                resource,
		Scope:                   claims.Scope,
		ExpiresAt:               claims.ExpiresAt,
		MaxCalls:                opts.MaxCalls,
		RateLimit:               opts.RateLimit,
		Tier:                    tier,
		CacheRefreshIntervalSec: opts.CacheRefreshIntervalSec,
		SubjectEncPub:           opts.SubjectEncryptionKey,
		SignerVersion:           cur.Version,
		CreatedAt:               now.Unix(),
	}

	result := IssueResult{ID: claims.ID, Token: token, Claims: claims}
	if tier == capability.TierCached {
		snap, err := v.buildSnapshotLocked(grant)
		if err != nil {
			return IssueResult{}, err
		}
		grant.PendingPush = true
		grant.LastSnapshotAt = now.Unix()
		result.Snapshot = snap
	}

	v.record.Grants[claims.ID] = grant
	if err := v.persistLocked(); err != nil {
		return IssueResult{}, err
	}
	v.log.Info("capability issued", "capabilityId", claims.ID, "resource", resource, "tier", tier, "expiresAt", claims.ExpiresAt)
	return result, nil
}

// ExecuteResult is the outcome of a metered capability execution.
type ExecuteResult struct {
	CapabilityID string                 `json:"capabilityId"`
	Operation    string                 `json:"operation"`
	Resource     string                 `json:"resource"`
	Tier         string                 `json:"tier"`
	Data         map[string]interface{} `json:"data"`
	CallsUsed    int                    `json:"callsUsed"`

	// CallsRemaining is -1 for unlimited grants.
	CallsRemaining int `json:"callsRemaining"`
}

// ExecuteCapability verifies a presented token end to end (signature with
// rotation-aware key lookup, expiry, local grant state, scope, call budget,
// rate limit) and on success dereferences the local credential. The call
// count is incremented and persisted before the result is returned.
func (v *Vault) ExecuteCapability(token, operation string, params map[string]interface{}) (ExecuteResult, error) {
	claims, sigB64, err := capability.Decode(token)
	if err != nil {
		return ExecuteResult{}, err
	}
	if operation == "" {
		return ExecuteResult{}, errdefs.New(errdefs.KindInvalidInput, "operation must not be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return ExecuteResult{}, err
	}

	if !v.ownsKeyLocked(claims.Iss) {
		return ExecuteResult{}, errdefs.New(errdefs.KindNotForMe, "capability was issued by another vault")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return ExecuteResult{}, errdefs.Wrap(errdefs.KindInvalidSignature, err, "signature is not valid base64")
	}
	payload, err := capability.CanonicalJSON(claims)
	if err != nil {
		return ExecuteResult{}, err
	}
	now := v.now()
	if res := identity.VerifyWithAnyValidKey(v.record.Rotation, payload, sig, claims.Iss, now); !res.Valid {
		return ExecuteResult{}, errdefs.New(errdefs.KindInvalidSignature, "capability signature verification failed")
	}
	if err := capability.CheckExpiry(claims, now); err != nil {
		return ExecuteResult{}, err
	}

	grant, ok := v.record.Grants[claims.ID]
	if !ok {
		return ExecuteResult{}, errdefs.Newf(errdefs.KindNotFound, "no grant recorded for capability %s", claims.ID)
	}
	if grant.Revoked {
		return ExecuteResult{}, errdefs.Newf(errdefs.KindRevoked, "capability %s is revoked", claims.ID)
	}
	if !capability.ScopeAllows(claims.Scope, operation) {
		return ExecuteResult{}, errdefs.Newf(errdefs.KindScopeDenied, "operation %q is outside the granted scope", operation)
	}
	if grant.MaxCalls > 0 && grant.CallCount >= grant.MaxCalls {
		return ExecuteResult{}, errdefs.Newf(errdefs.KindCallLimitExceeded, "capability %s exhausted its %d calls", claims.ID, grant.MaxCalls)
	}
	if grant.RateLimit > 0 && !v.limiterLocked(grant).Allow() {
		return ExecuteResult{}, errdefs.Newf(errdefs.KindRateLimited, "capability %s exceeded %.2f calls/sec", claims.ID, grant.RateLimit)
	}

	data, err := v.credentialDataLocked(grant.Resource)
	if err != nil {
		return ExecuteResult{}, err
	}

	grant.CallCount++
	if err := v.persistLocked(); err != nil {
		grant.CallCount--
		return ExecuteResult{}, err
	}

	remaining := -1
	if grant.MaxCalls > 0 {
		remaining = grant.MaxCalls - grant.CallCount
	}
	v.log.Info("capability executed",
		"capabilityId", claims.ID,
		"operation", operation,
		"resource", grant.Resource,
		"params", len(params),
		"callsUsed", grant.CallCount,
	)
	return ExecuteResult{
		CapabilityID:   claims.ID,
		Operation:      operation,
		Resource:       grant.Resource,
		Tier:           grant.Tier,
		Data:           data,
		CallsUsed:      grant.CallCount,
		CallsRemaining: remaining,
	}, nil
}

// credentialDataLocked dereferences the stored credential for a resource.
func (v *Vault) credentialDataLocked(resource string) (map[string]interface{}, error) {
	if in, ok := v.record.Integrations[resource]; ok {
		data := map[string]interface{}{
			"provider":    in.Provider,
			"accessToken": in.AccessToken,
		}
		if in.RefreshToken != "" {
			data["refreshToken"] = in.RefreshToken
		}
		if in.ExpiresAt != 0 {
			data["expiresAt"] = in.ExpiresAt
		}
		if len(in.Scopes) > 0 {
			data["scopes"] = in.Scopes
		}
		return data, nil
	}
	if k, ok := v.record.APIKeys[resource]; ok {
		return map[string]interface{}{"provider": k.Provider, "apiKey": k.Key}, nil
	}
	return nil, errdefs.Newf(errdefs.KindNotFound, "credential for resource %q no longer stored", resource)
}

// limiterLocked returns the per-grant rate limiter, creating it on first use.
func (v *Vault) limiterLocked(g *Grant) *rate.Limiter {
	if l, ok := v.limiters[g.ID]; ok {
		return l
	}
	burst := int(g.RateLimit)
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(g.RateLimit), burst)
	v.limiters[g.ID] = l
	return l
}

// ownsKeyLocked reports whether a base64 signing key belongs to any identity
// version this vault has ever held.
func (v *Vault) ownsKeyLocked(signPub string) bool {
	rot := v.record.Rotation
	if rot.Current.SignPub == signPub {
		return true
	}
	if rot.Previous != nil && rot.Previous.SignPub == signPub {
		return true
	}
	for _, ak := range rot.ArchivedKeys {
		if ak.Identity.SignPub == signPub {
			return true
		}
	}
	return false
}

// ============================================================================
// REVOCATION
// ============================================================================

// RevokeCapability marks a grant revoked and returns a signed revoke request
// for relay distribution. Revoking an already-revoked grant is idempotent and
// returns a fresh signed request.
func (v *Vault) RevokeCapability(id, reason string) (relayapi.RevokeRequest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return relayapi.RevokeRequest{}, err
	}
	grant, ok := v.record.Grants[id]
	if !ok {
		return relayapi.RevokeRequest{}, errdefs.Newf(errdefs.KindNotFound, "no grant recorded for capability %s", id)
	}

	cur := v.record.Rotation.Current
	req := relayapi.RevokeRequest{
		CapabilityID:   id,
		RevokedBy:      cur.SignPub,
		Reason:         reason,
		OriginalExpiry: grant.ExpiresAt,
		Timestamp:      v.now().Unix(),
	}
	priv, err := cur.SigningPrivateKey()
	if err != nil {
		return relayapi.RevokeRequest{}, err
	}
	if err := relayapi.SignRevoke(&req, priv); err != nil {
		return relayapi.RevokeRequest{}, err
	}

	if !grant.Revoked {
		grant.Revoked = true
		if err := v.persistLocked(); err != nil {
			return relayapi.RevokeRequest{}, err
		}
	}
	v.log.Info("capability revoked locally", "capabilityId", id, "reason", reason)
	return req, nil
}

// QueuePendingRevocation stores a revoke request the relay could not accept;
// it is retried on the next reconnect.
func (v *Vault) QueuePendingRevocation(req relayapi.RevokeRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	for _, p := range v.record.PendingRevocations {
		if p.CapabilityID == req.CapabilityID {
			return nil
		}
	}
	v.record.PendingRevocations = append(v.record.PendingRevocations, req)
	return v.persistLocked()
}

// TakePendingRevocations drains the retry queue. Requests the caller fails to
// deliver should be queued again.
func (v *Vault) TakePendingRevocations() ([]relayapi.RevokeRequest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	out := v.record.PendingRevocations
	if len(out) == 0 {
		return nil, nil
	}
	v.record.PendingRevocations = nil
	if err := v.persistLocked(); err != nil {
		v.record.PendingRevocations = out
		return nil, err
	}
	return out, nil
}

// ============================================================================
// RECEIVED CAPABILITIES
// ============================================================================

// StoreReceivedCapability verifies and persists a token granted to this
// vault. The issuer signature and expiry are checked before anything is
// stored; tokens addressed to a different subject are refused.
func (v *Vault) StoreReceivedCapability(token string) (*ReceivedCapability, error) {
	claims, sigB64, err := capability.Decode(token)
	if err != nil {
		return nil, err
	}
	issPub, err := capability.DecodeKey(claims.Iss)
	if err != nil {
		return nil, err
	}
	if err := capability.Verify(claims, sigB64, issPub); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	now := v.now()
	if err := capability.CheckExpiry(claims, now); err != nil {
		return nil, err
	}
	if !v.ownsKeyLocked(claims.Sub) {
		return nil, errdefs.New(errdefs.KindNotForMe, "capability subject is another vault")
	}

	rc := &ReceivedCapability{
		ID:        claims.ID,
		Issuer:    claims.Iss,
		Resource:  claims.Resource,
		Scope:     claims.Scope,
		ExpiresAt: claims.ExpiresAt,
		Token:     token,
		StoredAt:  now.Unix(),
	}
	v.record.Received[claims.ID] = rc
	if err := v.persistLocked(); err != nil {
		return nil, err
	}
	v.log.Info("capability stored", "capabilityId", claims.ID, "resource", claims.Resource)
	cp := *rc
	return &cp, nil
}

// ReceivedCapabilities lists stored tokens, newest first.
func (v *Vault) ReceivedCapabilities() ([]ReceivedCapability, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return nil, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	out := make([]ReceivedCapability, 0, len(v.record.Received))
	for _, rc := range v.record.Received {
		out = append(out, *rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt > out[j].StoredAt })
	return out, nil
}

// Grants lists issued grants, newest first.
func (v *Vault) Grants() ([]Grant, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return nil, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	out := make([]Grant, 0, len(v.record.Grants))
	for _, g := range v.record.Grants {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Grant returns one issued grant by capability id.
func (v *Vault) Grant(id string) (*Grant, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return nil, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	g, ok := v.record.Grants[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no grant recorded for capability %s", id)
	}
	cp := *g
	return &cp, nil
}
