// Package ceiling enforces per-agent permission upper bounds. An agent may
// hold credentials for many resources, but the scopes it can grant to other
// sandboxes are capped by its ceiling; anything above requires an approved
// escalation from a human operator.
package ceiling

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocmt/backend/internal/capability"
	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/fsjson"
)

const storeVersion = 1

// DefaultEscalationTTL is how long a pending escalation request stays
// approvable before it is denied automatically.
const DefaultEscalationTTL = 24 * time.Hour

// DefaultCeiling applies to agents with no explicit entry.
func DefaultCeiling() []string {
	return []string{capability.PermRead, capability.PermList}
}

// Entry is one agent's configured ceiling.
type Entry struct {
	Ceiling []string `json:"ceiling"`
	SetBy   string   `json:"setBy"`
	SetAt   int64    `json:"setAt"`
	Reason  string   `json:"reason,omitempty"`
}

// Status of an escalation request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Escalation is a persisted request to grant above-ceiling permissions.
type Escalation struct {
	ID             string   `json:"id"`
	AgentID        string   `json:"agentId"`
	Resource       string   `json:"resource"`
	RequestedScope []string `json:"requestedScope"`

	// Grantable permissions sit within the ceiling; Escalated are the ones
	// that need the approval.
	Grantable []string `json:"grantable"`
	Escalated []string `json:"escalated"`

	SubjectPub   string `json:"subjectPub"`
	ExpiresInSec int64  `json:"expiresInSec"`
	MaxCalls     int    `json:"maxCalls,omitempty"`

	Status           Status `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
	RequestExpiresAt int64  `json:"requestExpiresAt"`
	DecidedBy        string `json:"decidedBy,omitempty"`
	DecidedAt        int64  `json:"decidedAt,omitempty"`
	DenyReason       string `json:"denyReason,omitempty"`
}

type fileState struct {
	Version     int                    `json:"version"`
	Agents      map[string]*Entry      `json:"agents"`
	Escalations map[string]*Escalation `json:"escalations"`
}

// Options tune a Manager. Zero values select defaults.
type Options struct {
	EscalationTTL time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager owns the ceiling store file and the escalation workflow.
type Manager struct {
	mu    sync.RWMutex
	path  string
	log   *slog.Logger
	now   func() time.Time
	ttl   time.Duration
	state *fileState
}

// NewManager loads the store at path, or starts empty when none exists.
// A store written by a newer build is refused rather than reinterpreted.
func NewManager(path string, opts Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ttl := opts.EscalationTTL
	if ttl <= 0 {
		ttl = DefaultEscalationTTL
	}

	m := &Manager{
		path: path,
		log:  log.With("component", "ceiling"),
		now:  now,
		ttl:  ttl,
	}
	var st fileState
	err := fsjson.Load(path, &st)
	switch {
	case errdefs.IsKind(err, errdefs.KindNotFound):
		st = fileState{Version: storeVersion}
	case err != nil:
		return nil, err
	case st.Version != storeVersion:
		return nil, errdefs.Newf(errdefs.KindInvalidInput, "ceiling store version %d is not supported", st.Version)
	}
	if st.Agents == nil {
		st.Agents = make(map[string]*Entry)
	}
	if st.Escalations == nil {
		st.Escalations = make(map[string]*Escalation)
	}
	m.state = &st
	return m, nil
}

func (m *Manager) persistLocked() error {
	return fsjson.Save(m.path, m.state, 0o600)
}

// Ceiling returns the agent's effective ceiling, falling back to the default.
func (m *Manager) Ceiling(agentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ceilingLocked(agentID)
}

func (m *Manager) ceilingLocked(agentID string) []string {
	if e, ok := m.state.Agents[agentID]; ok {
		out := make([]string, len(e.Ceiling))
		copy(out, e.Ceiling)
		return out
	}
	return DefaultCeiling()
}

// SetCeiling replaces an agent's ceiling. Permissions must be known; the
// wildcard is not a ceiling.
func (m *Manager) SetCeiling(agentID string, permissions []string, setBy, reason string) error {
	if agentID == "" {
		return errdefs.New(errdefs.KindInvalidInput, "agentId must not be empty")
	}
	if len(permissions) == 0 {
		return errdefs.New(errdefs.KindInvalidInput, "ceiling must contain at least one permission")
	}
	seen := make(map[string]bool, len(permissions))
	cleaned := make([]string, 0, len(permissions))
	for _, p := range permissions {
		if capability.Ord(p) < 0 {
			return errdefs.Newf(errdefs.KindInvalidInput, "unknown permission %q", p)
		}
		if !seen[p] {
			seen[p] = true
			cleaned = append(cleaned, p)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Agents[agentID] = &Entry{
		Ceiling: cleaned,
		SetBy:   setBy,
		SetAt:   m.now().Unix(),
		Reason:  reason,
	}
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.log.Info("ceiling set", "agentId", agentID, "ceiling", cleaned, "setBy", setBy)
	return nil
}

// RemoveCeiling reverts an agent to the default ceiling. Idempotent.
func (m *Manager) RemoveCeiling(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.Agents[agentID]; !ok {
		return nil
	}
	delete(m.state.Agents, agentID)
	return m.persistLocked()
}

// Validate checks a requested scope against the agent's ceiling. Exceeding
// it fails with ceiling_exceeded carrying the full context for operators.
func (m *Manager) Validate(agentID string, requestedScope []string) error {
	if err := capability.ValidateScope(requestedScope); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateLocked(agentID, requestedScope)
}

func (m *Manager) validateLocked(agentID string, requestedScope []string) error {
	ceil := m.ceilingLocked(agentID)
	_, escalated := capability.AboveCeiling(requestedScope, ceil)
	if len(escalated) == 0 {
		return nil
	}
	return errdefs.Newf(errdefs.KindCeilingExceeded, "agent %s requested permissions above its ceiling", agentID).
		WithField("agentId", agentID).
		WithField("requestedScope", requestedScope).
		WithField("ceiling", ceil).
		WithField("escalatedPermissions", escalated)
}

// CreateEscalation records a pending request for the above-ceiling part of a
// scope. Scopes fully inside the ceiling need no escalation and are refused.
func (m *Manager) CreateEscalation(agentID, resource string, requestedScope []string, subjectPub string, expiresInSec int64, maxCalls int) (*Escalation, error) {
	if agentID == "" || resource == "" || subjectPub == "" {
		return nil, errdefs.New(errdefs.KindInvalidInput, "agentId, resource, and subjectPub are required")
	}
	if err := capability.ValidateScope(requestedScope); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	grantable, escalated := capability.AboveCeiling(requestedScope, m.ceilingLocked(agentID))
	if len(escalated) == 0 {
		return nil, errdefs.New(errdefs.KindInvalidInput, "requested scope is within the ceiling; no escalation needed")
	}
	now := m.now()
	esc := &Escalation{
		ID:               uuid.New().String(),
		AgentID:          agentID,
		Resource:         resource,
		RequestedScope:   append([]string(nil), requestedScope...),
		Grantable:        grantable,
		Escalated:        escalated,
		SubjectPub:       subjectPub,
		ExpiresInSec:     expiresInSec,
		MaxCalls:         maxCalls,
		Status:           StatusPending,
		CreatedAt:        now.Unix(),
		RequestExpiresAt: now.Add(m.ttl).Unix(),
	}
	m.state.Escalations[esc.ID] = esc
	if err := m.persistLocked(); err != nil {
		delete(m.state.Escalations, esc.ID)
		return nil, err
	}
	m.log.Info("escalation requested",
		"escalationId", esc.ID,
		"agentId", agentID,
		"resource", resource,
		"escalated", escalated,
	)
	return esc.clone(), nil
}

// ValidateOrEscalate is the issuance-path check: scopes within the ceiling
// pass, everything else opens an escalation request and fails with
// ceiling_exceeded carrying the request id.
func (m *Manager) ValidateOrEscalate(agentID, resource string, requestedScope []string, subjectPub string, expiresInSec int64, maxCalls int) error {
	err := m.Validate(agentID, requestedScope)
	if err == nil {
		return nil
	}
	if !errdefs.IsKind(err, errdefs.KindCeilingExceeded) {
		return err
	}
	esc, cerr := m.CreateEscalation(agentID, resource, requestedScope, subjectPub, expiresInSec, maxCalls)
	if cerr != nil {
		return cerr
	}
	var classified *errdefs.Error
	if errors.As(err, &classified) {
		return classified.WithField("escalationRequestId", esc.ID)
	}
	return err
}

// Escalation returns a copy of a stored request.
func (m *Manager) Escalation(id string) (*Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	esc, ok := m.state.Escalations[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "escalation %s does not exist", id)
	}
	return esc.clone(), nil
}

// Approve marks a pending request approved and returns the full scope the
// issuer may now mint. Expired requests are denied instead.
func (m *Manager) Approve(id, humanID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.state.Escalations[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "escalation %s does not exist", id)
	}
	if esc.Status != StatusPending {
		return nil, errdefs.Newf(errdefs.KindAlreadyExists, "escalation %s is already %s", id, esc.Status)
	}
	now := m.now()
	if now.Unix() >= esc.RequestExpiresAt {
		m.denyLocked(esc, "system", "request expired", now)
		if err := m.persistLocked(); err != nil {
			return nil, err
		}
		return nil, errdefs.Newf(errdefs.KindExpired, "escalation %s expired before approval", id)
	}
	esc.Status = StatusApproved
	esc.DecidedBy = humanID
	esc.DecidedAt = now.Unix()
	if err := m.persistLocked(); err != nil {
		esc.Status = StatusPending
		esc.DecidedBy = ""
		esc.DecidedAt = 0
		return nil, err
	}
	m.log.Info("escalation approved", "escalationId", id, "agentId", esc.AgentID, "by", humanID)
	out := make([]string, len(esc.RequestedScope))
	copy(out, esc.RequestedScope)
	return out, nil
}

// Deny marks a pending request denied.
func (m *Manager) Deny(id, humanID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.state.Escalations[id]
	if !ok {
		return errdefs.Newf(errdefs.KindNotFound, "escalation %s does not exist", id)
	}
	if esc.Status != StatusPending {
		return errdefs.Newf(errdefs.KindAlreadyExists, "escalation %s is already %s", id, esc.Status)
	}
	m.denyLocked(esc, humanID, reason, m.now())
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.log.Info("escalation denied", "escalationId", id, "agentId", esc.AgentID, "by", humanID, "reason", reason)
	return nil
}

func (m *Manager) denyLocked(esc *Escalation, humanID, reason string, now time.Time) {
	esc.Status = StatusDenied
	esc.DecidedBy = humanID
	esc.DecidedAt = now.Unix()
	esc.DenyReason = reason
}

// ListEscalations filters by agent and status; empty values match all.
// Newest first.
func (m *Manager) ListEscalations(agentID string, status Status) []*Escalation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Escalation
	for _, esc := range m.state.Escalations {
		if agentID != "" && esc.AgentID != agentID {
			continue
		}
		if status != "" && esc.Status != status {
			continue
		}
		out = append(out, esc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// SweepExpired denies pending requests past their TTL. Returns how many were
// denied.
func (m *Manager) SweepExpired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	denied := 0
	for _, esc := range m.state.Escalations {
		if esc.Status == StatusPending && now.Unix() >= esc.RequestExpiresAt {
			m.denyLocked(esc, "system", "request expired", now)
			denied++
		}
	}
	if denied == 0 {
		return 0, nil
	}
	if err := m.persistLocked(); err != nil {
		return 0, err
	}
	m.log.Info("expired escalations denied", "count", denied)
	return denied, nil
}

// Stats summarizes store contents for diagnostics.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byStatus := map[Status]int{}
	for _, esc := range m.state.Escalations {
		byStatus[esc.Status]++
	}
	return map[string]interface{}{
		"agents":               len(m.state.Agents),
		"escalations":          len(m.state.Escalations),
		"escalationsPending":   byStatus[StatusPending],
		"escalationsApproved":  byStatus[StatusApproved],
		"escalationsDenied":    byStatus[StatusDenied],
		"defaultCeiling":       DefaultCeiling(),
		"escalationTtlSeconds": int64(m.ttl.Seconds()),
	}
}

func (e *Escalation) clone() *Escalation {
	out := *e
	out.RequestedScope = append([]string(nil), e.RequestedScope...)
	out.Grantable = append([]string(nil), e.Grantable...)
	out.Escalated = append([]string(nil), e.Escalated...)
	return &out
}
