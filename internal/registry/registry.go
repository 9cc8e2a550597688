// Package registry tracks which sandbox serves each tenant and what
// lifecycle state it was last known to be in.
//
// The registry is the control plane's in-memory source of truth between
// engine round-trips: status reads come from here, and hibernation and wake
// reconcile it against the engine as they act. It is rebuilt from a scan at
// startup, so losing the process never loses sandboxes.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is a sandbox's lifecycle position.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

// Sandbox is the registry record for one tenant. GatewayToken is the secret
// the control plane presents to the sandbox's vault gateway; it never
// appears in JSON views.
type Sandbox struct {
	TenantID     string
	Handle       string
	Name         string
	IngressPort  int
	GatewayToken string
	State        State
	LastActivity time.Time
	PausedAt     time.Time
	StoppedAt    time.Time
}

// Status is the external view of a record, timestamps in unix millis.
type Status struct {
	TenantID           string `json:"tenantId"`
	Handle             string `json:"handle"`
	Name               string `json:"name"`
	State              State  `json:"state"`
	IngressPort        int    `json:"ingressPort"`
	LastActivityUnixMs int64  `json:"lastActivityUnixMs"`
	IdleMs             int64  `json:"idleMs"`
	PausedAtUnixMs     int64  `json:"pausedAtUnixMs,omitempty"`
	StoppedAtUnixMs    int64  `json:"stoppedAtUnixMs,omitempty"`
}

// Options configures a Registry.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Registry is safe for concurrent use. TransitionLock hands out a per-tenant
// mutex so wake and hibernation serialize state changes for one sandbox
// without stalling every other tenant.
type Registry struct {
	mu       sync.RWMutex
	byTenant map[string]*Sandbox

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	log *slog.Logger
	now func() time.Time
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		byTenant: make(map[string]*Sandbox),
		locks:    make(map[string]*sync.Mutex),
		log:      opts.Logger.With("component", "registry"),
		now:      opts.Now,
	}
}

// TransitionLock returns the mutex guarding lifecycle transitions for one
// tenant. The mutex outlives the record so callers can hold it across
// remove-and-recreate sequences.
func (r *Registry) TransitionLock(tenantID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	mu, ok := r.locks[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[tenantID] = mu
	}
	return mu
}

// Get returns a copy of the tenant's record.
func (r *Registry) Get(tenantID string) (Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.byTenant[tenantID]
	if !ok {
		return Sandbox{}, false
	}
	return *sb, true
}

// Upsert inserts or replaces a record.
func (r *Registry) Upsert(sb Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := sb
	r.byTenant[sb.TenantID] = &cp
}

// Touch records activity for the tenant and moves the record to running.
// Activity only flows through a sandbox that is actually serving, so the
// stamps from an earlier pause or stop no longer apply.
func (r *Registry) Touch(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.byTenant[tenantID]
	if !ok {
		return false
	}
	sb.LastActivity = r.now()
	sb.State = StateRunning
	sb.PausedAt = time.Time{}
	sb.StoppedAt = time.Time{}
	return true
}

// SetState moves a record to st and maintains the transition stamps. Moving
// into paused or stopped records when it happened; moving into running
// clears both.
func (r *Registry) SetState(tenantID string, st State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.byTenant[tenantID]
	if !ok {
		return false
	}
	if sb.State == st {
		return true
	}
	sb.State = st
	switch st {
	case StateRunning:
		sb.PausedAt = time.Time{}
		sb.StoppedAt = time.Time{}
	case StatePaused:
		sb.PausedAt = r.now()
	case StateStopped:
		sb.StoppedAt = r.now()
	}
	return true
}

// Remove drops the tenant's record, typically after the sandbox vanished
// from the engine.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTenant, tenantID)
}

// Len reports how many sandboxes are tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTenant)
}

// List returns copies of all records ordered by tenant id.
func (r *Registry) List() []Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sandbox, 0, len(r.byTenant))
	for _, sb := range r.byTenant {
		out = append(out, *sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// QuickStatus answers a status probe from memory alone, no engine call.
func (r *Registry) QuickStatus(tenantID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.byTenant[tenantID]
	if !ok {
		return Status{}, false
	}
	return r.statusLocked(sb), true
}

// StatusAll lists quick statuses for every tenant, ordered by tenant id.
func (r *Registry) StatusAll() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.byTenant))
	for _, sb := range r.byTenant {
		out = append(out, r.statusLocked(sb))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (r *Registry) statusLocked(sb *Sandbox) Status {
	st := Status{
		TenantID:    sb.TenantID,
		Handle:      sb.Handle,
		Name:        sb.Name,
		State:       sb.State,
		IngressPort: sb.IngressPort,
	}
	if !sb.LastActivity.IsZero() {
		st.LastActivityUnixMs = sb.LastActivity.UnixMilli()
		st.IdleMs = r.now().Sub(sb.LastActivity).Milliseconds()
	}
	if !sb.PausedAt.IsZero() {
		st.PausedAtUnixMs = sb.PausedAt.UnixMilli()
	}
	if !sb.StoppedAt.IsZero() {
		st.StoppedAtUnixMs = sb.StoppedAt.UnixMilli()
	}
	return st
}
