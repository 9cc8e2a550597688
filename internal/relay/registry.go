// Package relay implements the zero-knowledge envelope router. It
// authenticates sandboxes by signing key, verifies capability tokens without
// ever decrypting payloads, consults the revocation blocklist before every
// delivery, and hands ciphertext to its recipient over an open websocket, a
// callback URL, or a per-recipient pending queue. The relay stores routing
// metadata only; credential bytes cross it encrypted end to end.
package relay

import (
	"context"
	"sync"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

func errNotRegistered(containerID string) error {
	return errdefs.Newf(errdefs.KindNotFound, "container %s is not registered", containerID).
		WithField("containerId", containerID)
}

// Registration is one sandbox's relay identity: its container id, the signing
// key that authenticates it, the encryption key snapshots are addressed to,
// and how to push messages when no websocket is open.
type Registration struct {
	ContainerID         string `json:"containerId"`
	PublicKey           string `json:"publicKey"`
	EncryptionPublicKey string `json:"encryptionPublicKey,omitempty"`
	CallbackURL         string `json:"callbackUrl,omitempty"`
	RegisteredAt        int64  `json:"registeredAt"`
	LastSeenAt          int64  `json:"lastSeenAt"`

	// KeyHistory records every signing-key generation the relay has observed
	// for this container, oldest first.
	KeyHistory []relayapi.KeyHistoryEntry `json:"keyHistory,omitempty"`

	// RetiredEncryptionKeys keeps older X25519 keys so snapshots encrypted
	// before a rotation stay listable by their recipient.
	RetiredEncryptionKeys []string `json:"retiredEncryptionKeys,omitempty"`
}

func (r *Registration) clone() *Registration {
	cp := *r
	cp.KeyHistory = append([]relayapi.KeyHistoryEntry(nil), r.KeyHistory...)
	cp.RetiredEncryptionKeys = append([]string(nil), r.RetiredEncryptionKeys...)
	return &cp
}

// RetiredKey marks a signing key phased out by rotation. Tokens issued under
// it verify only until the transition window closes; after that they must be
// reissued under the successor key. Retired keys are never forgotten: a key
// outside its window is permanently refused, not treated as unknown.
type RetiredKey struct {
	ContainerID      string `json:"containerId"`
	PublicKey        string `json:"publicKey"`
	SuccessorKey     string `json:"successorKey"`
	RetiredAt        int64  `json:"retiredAt"`
	TransitionEndsAt int64  `json:"transitionEndsAt"`
}

// Store persists registrations and retired keys. Implementations must be safe
// for concurrent use. LoadRegistration reports not_found for unknown
// containers; the key lookups return zero values for unknown keys because an
// unknown issuer is the common, non-error case on a zero-knowledge relay.
type Store interface {
	SaveRegistration(ctx context.Context, reg *Registration) error
	LoadRegistration(ctx context.Context, containerID string) (*Registration, error)
	DeleteRegistration(ctx context.Context, containerID string) error

	// FindBySigningKey maps a current signing key to its container id, or ""
	// when no registration carries it.
	FindBySigningKey(ctx context.Context, pubB64 string) (string, error)

	SaveRetiredKey(ctx context.Context, key RetiredKey) error

	// LoadRetiredKey returns nil when the key was never retired.
	LoadRetiredKey(ctx context.Context, pubB64 string) (*RetiredKey, error)

	CountRegistrations(ctx context.Context) (int, error)
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore is the single-pod Store. Multi-pod deployments share a
// RedisStore instead; the relay falls back here when Redis is unreachable.
type MemoryStore struct {
	mu      sync.RWMutex
	regs    map[string]*Registration
	byKey   map[string]string
	retired map[string]*RetiredKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regs:    make(map[string]*Registration),
		byKey:   make(map[string]string),
		retired: make(map[string]*RetiredKey),
	}
}

func (m *MemoryStore) SaveRegistration(_ context.Context, reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.regs[reg.ContainerID]; ok && prev.PublicKey != reg.PublicKey {
		delete(m.byKey, prev.PublicKey)
	}
	m.regs[reg.ContainerID] = reg.clone()
	m.byKey[reg.PublicKey] = reg.ContainerID
	return nil
}

func (m *MemoryStore) LoadRegistration(_ context.Context, containerID string) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.regs[containerID]
	if !ok {
		return nil, errNotRegistered(containerID)
	}
	return reg.clone(), nil
}

func (m *MemoryStore) DeleteRegistration(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.regs[containerID]; ok {
		delete(m.byKey, reg.PublicKey)
		delete(m.regs, containerID)
	}
	return nil
}

func (m *MemoryStore) FindBySigningKey(_ context.Context, pubB64 string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byKey[pubB64], nil
}

func (m *MemoryStore) SaveRetiredKey(_ context.Context, key RetiredKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := key
	m.retired[key.PublicKey] = &cp
	return nil
}

func (m *MemoryStore) LoadRetiredKey(_ context.Context, pubB64 string) (*RetiredKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rk, ok := m.retired[pubB64]
	if !ok {
		return nil, nil
	}
	cp := *rk
	return &cp, nil
}

func (m *MemoryStore) CountRegistrations(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regs), nil
}
