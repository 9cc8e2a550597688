// Package audit carries the control plane's audit trail: lifecycle
// transitions, wakes, revocations, capability issuance and key rotations.
// Events fan out through an in-process Bus; optional sinks replicate them to
// Pub/Sub or Postgres. Events carry ids and public keys but never secret
// material or payload bytes.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is one audit record.
type Event struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	TenantID string                 `json:"tenantId,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	At       time.Time              `json:"at"`
}

// Emitter is the producer-facing surface. Both the in-memory Bus and the
// Pub/Sub sink satisfy it.
type Emitter interface {
	Emit(eventType, tenantID string, fields map[string]interface{})
}

// Event types emitted across the system.
const (
	TypeSandboxCreated   = "sandbox.created"
	TypeSandboxPaused    = "sandbox.paused"
	TypeSandboxStopped   = "sandbox.stopped"
	TypeSandboxWoken     = "sandbox.woken"
	TypeLimitsApplied    = "sandbox.limits_applied"
	TypeCapabilityIssued = "capability.issued"
	TypeCapabilityCalled = "capability.executed"
	TypeRevocation       = "capability.revoked"
	TypeEscalation       = "ceiling.escalation"
	TypeKeyRotation      = "identity.rotated"
	TypeVaultUnlocked    = "vault.unlocked"
	TypeVaultLocked      = "vault.locked"
)

const subscriberBuffer = 100

// Bus is an in-process fan-out. Delivery is non-blocking: a subscriber that
// stops draining loses events rather than stalling emitters.
type Bus struct {
	mu     sync.RWMutex
	byType map[string][]chan Event
	all    []chan Event

	dropped atomic.Uint64
	now     func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		byType: make(map[string][]chan Event),
		now:    time.Now,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when no types are named. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(types ...string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if len(types) == 0 {
		b.all = append(b.all, ch)
		return ch
	}
	for _, t := range types {
		b.byType[t] = append(b.byType[t], ch)
	}
	return ch
}

// Unsubscribe removes the channel from every subscription list and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.byType {
		b.byType[t] = without(subs, ch)
	}
	b.all = without(b.all, ch)
	close(ch)
}

func without(subs []chan Event, ch chan Event) []chan Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

// NewEvent stamps a fresh event with an id and the current time.
func NewEvent(eventType, tenantID string, fields map[string]interface{}) Event {
	return Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		TenantID: tenantID,
		Fields:   fields,
		At:       time.Now(),
	}
}

// Emit builds an event and publishes it.
func (b *Bus) Emit(eventType, tenantID string, fields map[string]interface{}) {
	b.Publish(NewEvent(eventType, tenantID, fields))
}

// Publish delivers a pre-built event, filling ID and At when unset.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.byType[e.Type] {
		b.send(ch, e)
	}
	for _, ch := range b.all {
		b.send(ch, e)
	}
}

func (b *Bus) send(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// SubscriberCount returns the number of active subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.all)
	for _, subs := range b.byType {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped on full subscriber
// channels.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

var _ Emitter = (*Bus)(nil)

// Nop discards every event. Useful where an Emitter is required but no trail
// is configured.
type Nop struct{}

func (Nop) Emit(string, string, map[string]interface{}) {}

var _ Emitter = Nop{}
