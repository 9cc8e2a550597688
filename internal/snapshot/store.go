// Package snapshot stores end-to-end encrypted credential captures for
// offline redemption. The relay holds these as opaque blobs: it verifies the
// issuer's signature and the expiry, and never sees inside the ciphertext.
package snapshot

import (
	"crypto/ed25519"
	"encoding/base64"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ocmt/backend/internal/capability"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/fsjson"
	"github.com/ocmt/backend/pkg/relayapi"
)

const storeVersion = 1

// DefaultSaveDebounce batches snapshot churn into one disk write.
const DefaultSaveDebounce = time.Second

type fileState struct {
	Version   int                           `json:"version"`
	Snapshots map[string]*relayapi.Snapshot `json:"snapshots"`
}

// StoreOptions tune a Store. Zero values select defaults.
type StoreOptions struct {
	SaveDebounce time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Store keeps snapshots keyed by capability id with overwrite semantics.
type Store struct {
	mu       sync.RWMutex
	path     string
	log      *slog.Logger
	now      func() time.Time
	debounce time.Duration

	snaps map[string]*relayapi.Snapshot

	saveTimer *time.Timer
	dirty     bool
	closed    bool
}

// NewStore loads the store at path, hard-refusing unknown versions.
func NewStore(path string, opts StoreOptions) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	debounce := opts.SaveDebounce
	if debounce <= 0 {
		debounce = DefaultSaveDebounce
	}

	s := &Store{
		path:     path,
		log:      log.With("component", "snapshot-store"),
		now:      now,
		debounce: debounce,
		snaps:    make(map[string]*relayapi.Snapshot),
	}
	var st fileState
	err := fsjson.Load(path, &st)
	switch {
	case errdefs.IsKind(err, errdefs.KindNotFound):
		// First run.
	case err != nil:
		return nil, err
	case st.Version != storeVersion:
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "snapshot store version %d is not supported", st.Version)
	default:
		for id, snap := range st.Snapshots {
			if snap != nil {
				s.snaps[id] = snap
			}
		}
	}
	return s, nil
}

// Put validates and stores a snapshot, replacing any prior one for the same
// capability. The issuer signature must cover the snapshot payload, and the
// snapshot must not already be expired.
func (s *Store) Put(snap relayapi.Snapshot) error {
	if snap.CapabilityID == "" || snap.IssuerPub == "" || snap.RecipientPub == "" ||
		snap.EphemeralPub == "" || snap.Nonce == "" || snap.Tag == "" ||
		snap.Ciphertext == "" || snap.Signature == "" || snap.ExpiresAt == 0 {
		return errdefs.New(errdefs.KindInvalidInput, "snapshot is missing required fields")
	}
	issuerPub, err := capability.DecodeKey(snap.IssuerPub)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(snap.Signature)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidSignature, err, "snapshot signature is not valid base64")
	}
	if len(sig) != ed25519.SignatureSize {
		return errdefs.Newf(errdefs.KindInvalidSignature, "snapshot signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(issuerPub), snap.SignaturePayload(), sig) {
		return errdefs.New(errdefs.KindInvalidSignature, "snapshot signature verification failed")
	}
	if snap.ExpiresAt <= s.now().Unix() {
		return errdefs.Newf(errdefs.KindExpired, "snapshot for capability %s is already expired", snap.CapabilityID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errdefs.New(errdefs.KindInternal, "snapshot store is closed")
	}
	_, replacing := s.snaps[snap.CapabilityID]
	stored := snap
	s.snaps[snap.CapabilityID] = &stored
	s.scheduleSaveLocked()
	s.log.Info("snapshot stored",
		"capabilityId", snap.CapabilityID,
		"replaced", replacing,
		"expiresAt", snap.ExpiresAt,
		"ciphertextBytes", len(snap.Ciphertext),
	)
	return nil
}

// Get returns the snapshot for a capability, or nil when absent or expired.
func (s *Store) Get(capabilityID string) *relayapi.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[capabilityID]
	if !ok || snap.ExpiresAt <= s.now().Unix() {
		return nil
	}
	out := *snap
	return &out
}

// Delete removes a snapshot. Idempotent.
func (s *Store) Delete(capabilityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[capabilityID]; !ok {
		return
	}
	delete(s.snaps, capabilityID)
	s.scheduleSaveLocked()
}

// ListByRecipient returns the non-expired snapshots encrypted to a recipient
// key, newest first.
func (s *Store) ListByRecipient(recipientEncPub string) []relayapi.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().Unix()
	var out []relayapi.Snapshot
	for _, snap := range s.snaps {
		if snap.RecipientPub == recipientEncPub && snap.ExpiresAt > now {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Cleanup removes expired snapshots and saves immediately when any were
// dropped. Returns how many were removed.
func (s *Store) Cleanup() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	removed := 0
	for id, snap := range s.snaps {
		if snap.ExpiresAt <= now {
			delete(s.snaps, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.flushLocked(); err != nil {
		return removed, err
	}
	s.log.Info("expired snapshots removed", "removed", removed, "remaining", len(s.snaps))
	return removed, nil
}

// Count returns the number of stored snapshots, expired included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// Flush forces any pending debounced write to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.flushLocked()
}

// Close flushes and stops the debounce timer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if !s.dirty {
		return nil
	}
	return s.flushLocked()
}

// Stats summarizes store contents for diagnostics.
func (s *Store) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().Unix()
	expired := 0
	for _, snap := range s.snaps {
		if snap.ExpiresAt <= now {
			expired++
		}
	}
	return map[string]interface{}{
		"snapshots": len(s.snaps),
		"expired":   expired,
		"dirty":     s.dirty,
	}
}

func (s *Store) scheduleSaveLocked() {
	s.dirty = true
	if s.saveTimer != nil || s.closed {
		return
	}
	s.saveTimer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.saveTimer = nil
		if !s.dirty || s.closed {
			return
		}
		if err := s.flushLocked(); err != nil {
			s.log.Error("debounced snapshot save failed", "error", err)
			s.scheduleSaveLocked()
		}
	})
}

func (s *Store) flushLocked() error {
	st := fileState{Version: storeVersion, Snapshots: s.snaps}
	if err := fsjson.Save(s.path, st, 0o600); err != nil {
		return err
	}
	s.dirty = false
	return nil
}
