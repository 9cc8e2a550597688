// Package tenancy resolves tenant ids to their subscription plan and account
// status. The control plane consults the directory before creating or waking
// sandboxes; suspended tenants are refused.
package tenancy

import (
	"context"
	"strings"
	"sync"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/plan"
)

// Account statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Tenant is one resolved account.
type Tenant struct {
	TenantID string    `json:"tenantId"`
	Name     string    `json:"name,omitempty"`
	Plan     plan.Tier `json:"plan"`
	Status   string    `json:"status"`
}

// Active reports whether the account may run sandboxes.
func (t Tenant) Active() bool { return t.Status == StatusActive }

// Directory looks tenants up.
type Directory interface {
	Resolve(ctx context.Context, tenantID string) (Tenant, error)
}

// Static serves a fixed map, typically loaded from configuration. When
// DefaultTier is set, unknown tenants resolve to it instead of failing;
// that keeps single-team deployments working without a tenant table.
type Static struct {
	mu          sync.RWMutex
	tenants     map[string]Tenant
	defaultTier plan.Tier
}

// NewStatic builds a directory from tenantID to tier name. Unparseable tier
// names fail fast.
func NewStatic(plans map[string]string, defaultTier plan.Tier) (*Static, error) {
	tenants := make(map[string]Tenant, len(plans))
	for id, tierName := range plans {
		tier, err := plan.Parse(tierName)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidInput, err, "tenant "+id)
		}
		tenants[id] = Tenant{TenantID: id, Plan: tier, Status: StatusActive}
	}
	return &Static{tenants: tenants, defaultTier: defaultTier}, nil
}

func (s *Static) Resolve(_ context.Context, tenantID string) (Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Tenant{}, errdefs.New(errdefs.KindInvalidInput, "tenant id is required")
	}

	s.mu.RLock()
	t, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}
	if s.defaultTier != "" {
		return Tenant{TenantID: tenantID, Plan: s.defaultTier, Status: StatusActive}, nil
	}
	return Tenant{}, errdefs.Newf(errdefs.KindNotFound, "tenant %s is not provisioned", tenantID)
}

// Suspend marks a tenant suspended, adding it if absent.
func (s *Static) Suspend(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		t = Tenant{TenantID: tenantID, Plan: s.defaultTier}
	}
	t.Status = StatusSuspended
	s.tenants[tenantID] = t
}

var _ Directory = (*Static)(nil)
