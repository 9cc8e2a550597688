package tenancy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/plan"
)

// DefaultCacheTTL bounds how stale a resolved tenant may be served.
const DefaultCacheTTL = 60 * time.Second

// tenantRow mirrors the tenants table.
type tenantRow struct {
	TenantID         string `json:"tenant_id"`
	TenantName       string `json:"tenant_name,omitempty"`
	SubscriptionTier string `json:"subscription_tier"`
	Status           string `json:"status"`
}

// Supabase resolves tenants from a Supabase "tenants" table, caching hits so
// the hot wake path does not pay a network round-trip per request.
type Supabase struct {
	fetch func(ctx context.Context, tenantID string) ([]tenantRow, error)
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedTenant
}

type cachedTenant struct {
	tenant  Tenant
	fetched time.Time
}

// SupabaseOptions tune the directory. Zero values select defaults.
type SupabaseOptions struct {
	CacheTTL time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewSupabase connects with a service key.
func NewSupabase(url, serviceKey string, opts SupabaseOptions) (*Supabase, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "create supabase client")
	}
	fetch := func(_ context.Context, tenantID string) ([]tenantRow, error) {
		var rows []tenantRow
		_, err := client.From("tenants").
			Select("*", "", false).
			Eq("tenant_id", tenantID).
			ExecuteTo(&rows)
		return rows, err
	}
	return newSupabase(fetch, opts), nil
}

func newSupabase(fetch func(context.Context, string) ([]tenantRow, error), opts SupabaseOptions) *Supabase {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supabase{
		fetch: fetch,
		ttl:   opts.CacheTTL,
		now:   opts.Now,
		log:   opts.Logger.With("component", "tenancy"),
		cache: make(map[string]cachedTenant),
	}
}

func (d *Supabase) Resolve(ctx context.Context, tenantID string) (Tenant, error) {
	if tenantID == "" {
		return Tenant{}, errdefs.New(errdefs.KindInvalidInput, "tenant id is required")
	}

	d.mu.Lock()
	if c, ok := d.cache[tenantID]; ok && d.now().Sub(c.fetched) < d.ttl {
		d.mu.Unlock()
		return c.tenant, nil
	}
	d.mu.Unlock()

	rows, err := d.fetch(ctx, tenantID)
	if err != nil {
		return Tenant{}, errdefs.Wrap(errdefs.KindInternal, err, "query tenants")
	}
	if len(rows) == 0 {
		return Tenant{}, errdefs.Newf(errdefs.KindNotFound, "tenant %s is not provisioned", tenantID)
	}
	t := d.fromRow(rows[0])

	d.mu.Lock()
	d.cache[tenantID] = cachedTenant{tenant: t, fetched: d.now()}
	d.mu.Unlock()
	return t, nil
}

// fromRow maps a table row, defaulting unknown tiers to free rather than
// locking the tenant out over a bad row.
func (d *Supabase) fromRow(row tenantRow) Tenant {
	tier, err := plan.Parse(row.SubscriptionTier)
	if err != nil {
		d.log.Warn("tenant has unknown subscription tier, defaulting to free",
			"tenant", row.TenantID, "tier", row.SubscriptionTier)
		tier = plan.TierFree
	}
	status := row.Status
	if status == "" {
		status = StatusActive
	}
	return Tenant{TenantID: row.TenantID, Name: row.TenantName, Plan: tier, Status: status}
}

// Invalidate drops a tenant from the cache, forcing the next Resolve to hit
// the table.
func (d *Supabase) Invalidate(tenantID string) {
	d.mu.Lock()
	delete(d.cache, tenantID)
	d.mu.Unlock()
}

var _ Directory = (*Supabase)(nil)
