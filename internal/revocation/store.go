// Package revocation maintains the relay's capability blocklist: a
// persistent record store fronted by a Bloom filter so the hot path can
// answer "definitely not revoked" without touching the authoritative map.
package revocation

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocmt/backend/internal/bloom"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/fsjson"
)

const storeVersion = 1

// DefaultSaveDebounce batches bursts of revocations into one disk write.
const DefaultSaveDebounce = time.Second

// Sources reported by IsRevoked.
const (
	SourceBloomFilter = "bloom-filter"
	SourceDatabase    = "database"
)

// Record is one revoked capability.
type Record struct {
	RevocationID   string `json:"revocationId"`
	CapabilityID   string `json:"capabilityId"`
	RevokedBy      string `json:"revokedBy"`
	Reason         string `json:"reason,omitempty"`
	OriginalExpiry int64  `json:"originalExpiry,omitempty"`
	RevokedAt      int64  `json:"revokedAt"`
}

// Result is the answer to an IsRevoked query.
type Result struct {
	Revoked bool
	Record  *Record

	// Source is bloom-filter when the fast path answered, database when
	// the record map was consulted.
	Source string
}

type fileState struct {
	Version int                `json:"version"`
	Records map[string]*Record `json:"records"`
}

// StoreOptions tune a Store. Zero values select defaults.
type StoreOptions struct {
	SaveDebounce      time.Duration
	ExpectedItems     int
	FalsePositiveRate float64
	Logger            *slog.Logger
	Now               func() time.Time
}

// Store owns the records file and the derived Bloom filter sidecar.
type Store struct {
	mu        sync.RWMutex
	path      string
	bloomPath string
	log       *slog.Logger
	now       func() time.Time
	debounce  time.Duration
	expected  int
	fpr       float64

	records map[string]*Record
	filter  *bloom.Filter

	saveTimer *time.Timer
	dirty     bool
	closed    bool
}

// NewStore loads the records at path (hard-refusing unknown versions) and
// the Bloom sidecar at path+".bloom", rebuilding the filter from records
// when the sidecar is absent, corrupt, or sized differently.
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
	expected := opts.ExpectedItems
	if expected <= 0 {
		expected = bloom.DefaultExpectedItems
	}
	fpr := opts.FalsePositiveRate
	if fpr <= 0 {
		fpr = bloom.DefaultFalsePositiveRate
	}

	s := &Store{
		path:      path,
		bloomPath: path + ".bloom",
		log:       log.With("component", "revocation-store"),
		now:       now,
		debounce:  debounce,
		expected:  expected,
		fpr:       fpr,
		records:   make(map[string]*Record),
	}

	var st fileState
	err := fsjson.Load(path, &st)
	switch {
	case errdefs.IsKind(err, errdefs.KindNotFound):
		// First run.
	case err != nil:
		return nil, err
	case st.Version != storeVersion:
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "revocation store version %d is not supported", st.Version)
	default:
		for id, rec := range st.Records {
			if rec != nil {
				s.records[id] = rec
			}
		}
	}

	s.filter = s.loadOrRebuildFilter()
	return s, nil
}

// loadOrRebuildFilter restores the Bloom sidecar, falling back to a rebuild
// from the authoritative records. A rebuild can only widen the filter, never
// lose a revoked id.
func (s *Store) loadOrRebuildFilter() *bloom.Filter {
	blob, err := os.ReadFile(s.bloomPath)
	if err == nil {
		if f, derr := bloom.Deserialize(blob); derr == nil {
			if s.filterCovers(f) {
				return f
			}
			s.log.Warn("bloom sidecar misses revoked ids, rebuilding")
		} else {
			s.log.Warn("bloom sidecar corrupt, rebuilding", "error", derr)
		}
	} else if !os.IsNotExist(err) {
		s.log.Warn("bloom sidecar unreadable, rebuilding", "error", err)
	}

	return s.rebuildFilterLocked()
}

// rebuildFilterLocked builds a fresh filter from the records at the
// configured geometry.
func (s *Store) rebuildFilterLocked() *bloom.Filter {
	f := bloom.NewOptimal(s.expected, s.fpr)
	for id := range s.records {
		f.Add(id)
	}
	return f
}

// filterCovers verifies the no-false-negative invariant against the records.
func (s *Store) filterCovers(f *bloom.Filter) bool {
	for id := range s.records {
		if !f.MightContain(id) {
			return false
		}
	}
	return true
}

// RevokeOptions carry the optional fields of a revocation.
type RevokeOptions struct {
	Reason         string
	OriginalExpiry int64
}

// Revoke records a capability as revoked. Idempotent: revoking an already
// revoked id returns the existing record and reports it as such.
func (s *Store) Revoke(capabilityID, revokedBy string, opts RevokeOptions) (*Record, bool, error) {
	if capabilityID == "" {
		return nil, false, errdefs.New(errdefs.KindInvalidInput, "capabilityId must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, errdefs.New(errdefs.KindInternal, "revocation store is closed")
	}
	if existing, ok := s.records[capabilityID]; ok {
		return existing.clone(), true, nil
	}
	rec := &Record{
		RevocationID:   uuid.New().String(),
		CapabilityID:   capabilityID,
		RevokedBy:      revokedBy,
		Reason:         opts.Reason,
		OriginalExpiry: opts.OriginalExpiry,
		RevokedAt:      s.now().Unix(),
	}
	s.records[capabilityID] = rec
	s.filter.Add(capabilityID)
	s.scheduleSaveLocked()
	s.log.Info("capability revoked",
		"capabilityId", capabilityID,
		"revocationId", rec.RevocationID,
		"reason", opts.Reason,
	)
	return rec.clone(), false, nil
}

// Apply inserts a record produced elsewhere (another relay pod, a restored
// backup) exactly as given, preserving its revocation id and timestamp.
// Returns false when the capability was already recorded locally.
func (s *Store) Apply(rec Record) (bool, error) {
	if rec.CapabilityID == "" || rec.RevocationID == "" {
		return false, errdefs.New(errdefs.KindInvalidInput, "record must carry capabilityId and revocationId")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errdefs.New(errdefs.KindInternal, "revocation store is closed")
	}
	if _, ok := s.records[rec.CapabilityID]; ok {
		return false, nil
	}
	cp := rec
	s.records[rec.CapabilityID] = &cp
	s.filter.Add(rec.CapabilityID)
	s.scheduleSaveLocked()
	s.log.Info("replicated revocation applied",
		"capabilityId", rec.CapabilityID,
		"revocationId", rec.RevocationID,
	)
	return true, nil
}

// IsRevoked answers with the Bloom fast path when possible: a negative
// filter answer is definitive, a positive one falls through to the records.
func (s *Store) IsRevoked(capabilityID string) Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.filter.MightContain(capabilityID) {
		return Result{Revoked: false, Source: SourceBloomFilter}
	}
	if rec, ok := s.records[capabilityID]; ok {
		return Result{Revoked: true, Record: rec.clone(), Source: SourceDatabase}
	}
	return Result{Revoked: false, Source: SourceDatabase}
}

// Count returns the number of revocation records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Cleanup drops records whose original expiry has passed (a capability that
// can no longer verify needs no blocklist entry) and rebuilds the filter to
// reclaim its accuracy. Saves immediately.
func (s *Store) Cleanup() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	removed := 0
	for id, rec := range s.records {
		if rec.OriginalExpiry > 0 && rec.OriginalExpiry < now {
			delete(s.records, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	s.filter = s.rebuildFilterLocked()
	if err := s.flushLocked(); err != nil {
		return removed, err
	}
	s.log.Info("revocation records cleaned", "removed", removed, "remaining", len(s.records))
	return removed, nil
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

// Close flushes and stops the debounce timer. The store rejects writes
// afterwards.
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

// Stats summarizes store and filter state for diagnostics.
func (s *Store) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.filter.Stats()
	stats["records"] = len(s.records)
	stats["dirty"] = s.dirty
	return stats
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
			s.log.Error("debounced revocation save failed", "error", err)
			s.scheduleSaveLocked()
		}
	})
}

func (s *Store) flushLocked() error {
	st := fileState{Version: storeVersion, Records: s.records}
	if err := fsjson.Save(s.path, st, 0o600); err != nil {
		return err
	}
	blob, err := s.filter.Serialize()
	if err != nil {
		return err
	}
	if err := fsjson.SaveRaw(s.bloomPath, blob, 0o600); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (r *Record) clone() *Record {
	out := *r
	return &out
}
