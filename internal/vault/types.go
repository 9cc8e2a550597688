// Package vault implements the per-sandbox encrypted secret store: credential
// records, the sandbox's versioned identity, capability issuance, metered
// execution, and cached-snapshot production. The vault file never leaves the
// sandbox filesystem and its plaintext never reaches the control plane or a
// relay.
package vault

import (
	"github.com/ocmt/backend/internal/identity"
	"github.com/ocmt/backend/pkg/relayapi"
)

// recordVersion guards the plaintext record layout inside the sealed file.
const recordVersion = 1

// Integration is a stored OAuth-style credential for one provider.
type Integration struct {
	Provider     string            `json:"provider"`
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	ExpiresAt    int64             `json:"expiresAt,omitempty"`
	Email        string            `json:"email,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    int64             `json:"updatedAt"`
}

// IntegrationSummary is the listing view; it never includes token material.
type IntegrationSummary struct {
	Provider  string `json:"provider"`
	Email     string `json:"email,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// APIKey is a stored raw API key for one provider.
type APIKey struct {
	Provider string            `json:"provider"`
	Key      string            `json:"key"`
	Metadata map[string]string `json:"metadata,omitempty"`
	AddedAt  int64             `json:"addedAt"`
}

// Grant is the issuer-side record of a capability this vault minted.
type Grant struct {
	ID        string   `json:"id"`
	Subject   string   `json:"subject"` // base64 signing key of the subject
	Resource  string   `json:"resource"`
	Scope     []string `json:"scope"`
	ExpiresAt int64    `json:"expires"`
	Revoked   bool     `json:"revoked"`
	CallCount int      `json:"callCount"`

	// MaxCalls caps executions; zero means unlimited.
	MaxCalls int `json:"maxCalls,omitempty"`

	// RateLimit caps executions per second; zero means no limit.
	RateLimit float64 `json:"rateLimit,omitempty"`

	Tier string `json:"tier"`

	// CacheRefreshIntervalSec drives periodic snapshot refresh for CACHED
	// grants.
	CacheRefreshIntervalSec int64 `json:"cacheRefreshInterval,omitempty"`
	LastSnapshotAt          int64 `json:"lastSnapshotAt,omitempty"`

	// PendingPush marks a snapshot generated but not yet confirmed stored on
	// a relay.
	PendingPush bool `json:"pendingPush,omitempty"`

	// SubjectEncPub is kept for CACHED grants so snapshots can be refreshed.
	SubjectEncPub string `json:"subjectEncPub,omitempty"`

	// SignerVersion is the identity version whose key signed the token.
	SignerVersion int   `json:"signerVersion"`
	CreatedAt     int64 `json:"createdAt"`
}

// ReceivedCapability is the subject-side record of a capability granted to
// this vault by another sandbox.
type ReceivedCapability struct {
	ID        string   `json:"id"`
	Issuer    string   `json:"issuer"` // base64 signing key of the issuer
	Resource  string   `json:"resource"`
	Scope     []string `json:"scope"`
	ExpiresAt int64    `json:"expires"`
	Token     string   `json:"token"`
	StoredAt  int64    `json:"storedAt"`
}

// Record is the vault plaintext: everything the sandbox must survive a
// restart with. It only ever exists decrypted in memory while a session is
// open.
type Record struct {
	Version      int                            `json:"version"`
	APIKeys      map[string]APIKey              `json:"apiKeys"`
	Integrations map[string]Integration         `json:"integrations"`
	Rotation     identity.RotationState         `json:"keyRotationState"`
	Grants       map[string]*Grant              `json:"grants"`
	Received     map[string]*ReceivedCapability `json:"capabilities"`

	// PendingRevocations are signed revoke requests that could not reach a
	// relay; they are retried on the next successful relay contact.
	PendingRevocations []relayapi.RevokeRequest `json:"pendingRevocations,omitempty"`
}

func newRecord(rotation identity.RotationState) *Record {
	return &Record{
		Version:      recordVersion,
		APIKeys:      make(map[string]APIKey),
		Integrations: make(map[string]Integration),
		Rotation:     rotation,
		Grants:       make(map[string]*Grant),
		Received:     make(map[string]*ReceivedCapability),
	}
}

// Status is the lock-state view exposed over the sandbox gateway API.
type Status struct {
	Initialized      bool   `json:"initialized"`
	Unlocked         bool   `json:"unlocked"`
	SessionExpiresAt int64  `json:"sessionExpiresAt,omitempty"`
	KeyID            string `json:"keyId,omitempty"`
	IdentityVersion  int    `json:"identityVersion,omitempty"`
	Integrations     int    `json:"integrations"`
	Grants           int    `json:"grants"`
	Received         int    `json:"received"`
}
