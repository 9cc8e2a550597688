package vault

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/identity"
)

// DefaultSessionTimeout is how long an unlocked vault stays open without an
// extend call.
const DefaultSessionTimeout = 30 * time.Minute

// Options configures a Vault.
type Options struct {
	// SessionTimeout overrides DefaultSessionTimeout.
	SessionTimeout time.Duration

	// Algorithm selects the AEAD used for new writes. Defaults to
	// XChaCha20-Poly1305; legacy AES-256-GCM files are upgraded on the next
	// write.
	Algorithm string

	Logger *slog.Logger

	// Now is a clock hook for tests.
	Now func() time.Time
}

// Vault is the per-sandbox secret store. All mutating operations are
// serialized by a single writer lock; the derived key exists in memory only
// between Unlock and Lock and is overwritten on lock.
type Vault struct {
	mu             sync.RWMutex
	path           string
	log            *slog.Logger
	now            func() time.Time
	sessionTimeout time.Duration
	algorithm      string

	file          *File
	key           []byte
	record        *Record
	sessionExpiry time.Time
	sessionTimer  *time.Timer

	// limiters enforces per-grant rate limits; in-memory only.
	limiters map[string]*rate.Limiter
}

// New creates a vault bound to a file path. The file may not exist yet.
func New(path string, opts Options) *Vault {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Algorithm == "" {
		opts.Algorithm = AlgXChaCha20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Vault{
		path:           path,
		log:            opts.Logger.With("component", "vault"),
		now:            opts.Now,
		sessionTimeout: opts.SessionTimeout,
		algorithm:      opts.Algorithm,
		limiters:       make(map[string]*rate.Limiter),
	}
}

// Initialized reports whether a vault file exists on disk.
func (v *Vault) Initialized() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Unlocked reports whether a session is open.
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.record != nil
}

// Status summarizes lock state without exposing secret material.
func (v *Vault) Status() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st := Status{Initialized: v.Initialized()}
	if v.record == nil {
		return st
	}
	st.Unlocked = true
	st.SessionExpiresAt = v.sessionExpiry.Unix()
	st.KeyID = v.record.Rotation.Current.KeyID
	st.IdentityVersion = v.record.Rotation.Current.Version
	st.Integrations = len(v.record.Integrations)
	st.Grants = len(v.record.Grants)
	st.Received = len(v.record.Received)
	return st
}

// Initialize creates a fresh vault: a version-1 identity, empty credential
// and capability maps, and a sealed file written atomically with 0600
// permissions. The vault is left unlocked with a running session.
func (v *Vault) Initialize(password string) error {
	if password == "" {
		return errdefs.New(errdefs.KindInvalidInput, "password must not be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Initialized() {
		return errdefs.New(errdefs.KindAlreadyExists, "vault is already initialized")
	}

	rotation, err := identity.NewState()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	kdf, err := newKDFParams()
	if err != nil {
		return err
	}
	key, err := deriveKey(password, kdf)
	if err != nil {
		return err
	}

	v.key = key
	v.record = newRecord(rotation)
	v.file = &File{Version: FileVersion, Algorithm: v.algorithm, KDF: kdf}
	if err := v.persistLocked(); err != nil {
		zeroBytes(v.key)
		v.key = nil
		v.record = nil
		v.file = nil
		return err
	}
	v.startSessionLocked()
	v.log.Info("vault initialized", "keyId", rotation.Current.KeyID)
	return nil
}

// Unlock derives the key with the stored KDF parameters and authenticates it
// by decrypting the record. A wrong password fails with invalid_password and
// leaves no state behind. Unlocking an already-open vault re-verifies the
// password and resets the session.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := loadFile(v.path)
	if err != nil {
		return err
	}
	key, err := deriveKey(password, f.KDF)
	if err != nil {
		return err
	}
	plaintext, err := openRecord(key, f)
	if err != nil {
		zeroBytes(key)
		return err
	}
	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		zeroBytes(key)
		return errdefs.Wrap(errdefs.KindInvalidInput, err, "vault record is corrupt")
	}
	if rec.Version != recordVersion {
		zeroBytes(key)
		return errdefs.Newf(errdefs.KindInvalidInput, "unsupported vault record version %d", rec.Version)
	}
	if rec.Grants == nil {
		rec.Grants = make(map[string]*Grant)
	}
	if rec.Received == nil {
		rec.Received = make(map[string]*ReceivedCapability)
	}
	if rec.Integrations == nil {
		rec.Integrations = make(map[string]Integration)
	}
	if rec.APIKeys == nil {
		rec.APIKeys = make(map[string]APIKey)
	}

	if v.key != nil {
		zeroBytes(v.key)
	}
	v.key = key
	v.record = &rec
	v.file = f
	v.startSessionLocked()
	v.log.Info("vault unlocked", "keyId", rec.Rotation.Current.KeyID, "sessionTimeout", v.sessionTimeout)
	return nil
}

// Lock closes the session, overwrites the derived key, and drops the
// decrypted record.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lockLocked()
}

func (v *Vault) lockLocked() {
	if v.sessionTimer != nil {
		v.sessionTimer.Stop()
		v.sessionTimer = nil
	}
	if v.key != nil {
		zeroBytes(v.key)
		v.key = nil
	}
	v.record = nil
	v.limiters = make(map[string]*rate.Limiter)
	v.sessionExpiry = time.Time{}
	v.log.Info("vault locked")
}

// Extend resets the session idle timer.
func (v *Vault) Extend() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.record == nil {
		return errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	v.startSessionLocked()
	return nil
}

// SessionExpiry returns when the current session auto-locks.
func (v *Vault) SessionExpiry() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sessionExpiry
}

func (v *Vault) startSessionLocked() {
	v.sessionExpiry = v.now().Add(v.sessionTimeout)
	if v.sessionTimer != nil {
		v.sessionTimer.Stop()
	}
	v.sessionTimer = time.AfterFunc(v.sessionTimeout, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.record != nil {
			v.log.Info("vault session expired")
			v.lockLocked()
		}
	})
}

// requireUnlockedLocked guards mutating operations. Callers hold v.mu.
func (v *Vault) requireUnlockedLocked() error {
	if v.record == nil {
		return errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	return nil
}

// persistLocked seals the record and writes it atomically. Callers hold v.mu
// with a valid key. Writes always use the current default AEAD, upgrading
// legacy files in place.
func (v *Vault) persistLocked() error {
	plaintext, err := json.Marshal(v.record)
	if err != nil {
		return fmt.Errorf("serialize vault record: %w", err)
	}
	f, err := sealRecord(v.key, plaintext, v.file.KDF, v.algorithm)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize vault file: %w", err)
	}
	if err := atomicWrite(v.path, data, 0o600); err != nil {
		return fmt.Errorf("write vault file: %w", err)
	}
	v.file = f
	return nil
}

// ============================================================================
// INTEGRATIONS & API KEYS
// ============================================================================

// SetIntegration upserts a provider credential.
func (v *Vault) SetIntegration(provider string, in Integration) error {
	if provider == "" {
		return errdefs.New(errdefs.KindInvalidInput, "provider must not be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	in.Provider = provider
	in.UpdatedAt = v.now().Unix()
	v.record.Integrations[provider] = in
	return v.persistLocked()
}

// GetIntegration returns the full credential record, or nil when the
// provider is absent.
func (v *Vault) GetIntegration(provider string) (*Integration, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return nil, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	in, ok := v.record.Integrations[provider]
	if !ok {
		return nil, nil
	}
	cp := in
	return &cp, nil
}

// RemoveIntegration deletes a provider credential. Idempotent.
func (v *Vault) RemoveIntegration(provider string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	if _, ok := v.record.Integrations[provider]; !ok {
		return nil
	}
	delete(v.record.Integrations, provider)
	return v.persistLocked()
}

// ListIntegrations returns summaries sorted by provider.
func (v *Vault) ListIntegrations() ([]IntegrationSummary, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return nil, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	out := make([]IntegrationSummary, 0, len(v.record.Integrations))
	for _, in := range v.record.Integrations {
		out = append(out, IntegrationSummary{Provider: in.Provider, Email: in.Email, ExpiresAt: in.ExpiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// SetAPIKey stores a raw provider key alongside the integrations.
func (v *Vault) SetAPIKey(provider, key string, metadata map[string]string) error {
	if provider == "" || key == "" {
		return errdefs.New(errdefs.KindInvalidInput, "provider and key must not be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	v.record.APIKeys[provider] = APIKey{
		Provider: provider,
		Key:      key,
		Metadata: metadata,
		AddedAt:  v.now().Unix(),
	}
	return v.persistLocked()
}

// GetAPIKey returns a stored key record, or nil when absent.
func (v *Vault) GetAPIKey(provider string) (*APIKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return nil, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	k, ok := v.record.APIKeys[provider]
	if !ok {
		return nil, nil
	}
	cp := k
	return &cp, nil
}

// RemoveAPIKey deletes a stored key. Idempotent.
func (v *Vault) RemoveAPIKey(provider string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return err
	}
	if _, ok := v.record.APIKeys[provider]; !ok {
		return nil
	}
	delete(v.record.APIKeys, provider)
	return v.persistLocked()
}

// Identity returns the current versioned identity's public half. Available
// only while unlocked.
func (v *Vault) Identity() (signPub, encPub, keyID string, version int, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return "", "", "", 0, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	cur := v.record.Rotation.Current
	return cur.SignPub, cur.EncPub, cur.KeyID, cur.Version, nil
}

// SigningKey returns the current identity's Ed25519 private key so the relay
// sync loop can sign registration challenges. Available only while unlocked;
// the returned key must never be persisted outside the vault.
func (v *Vault) SigningKey() (ed25519.PrivateKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.record == nil {
		return nil, errdefs.New(errdefs.KindVaultLocked, "vault is locked")
	}
	return v.record.Rotation.Current.SigningPrivateKey()
}
