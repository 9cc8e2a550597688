package registry

import (
	"context"
	"strings"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/runtime"
	"github.com/ocmt/backend/internal/workspace"
)

// ConfigSource supplies per-tenant provisioning records during a scan.
// *workspace.Layout satisfies it.
type ConfigSource interface {
	ReadConfig(tenantID string) (*workspace.TenantConfig, error)
}

// Rebuild repopulates the registry from the engine: every container whose
// name starts with prefix is treated as a sandbox, its tenant id derived
// from the name remainder and its gateway token read from the tenant's
// on-disk config. Records for sandboxes the engine no longer knows are
// dropped. Returns how many sandboxes were registered.
//
// Freshly scanned running sandboxes get a full idle grace period, and
// paused ones restart their stop clock, so a control plane restart never
// triggers an immediate transition.
func (r *Registry) Rebuild(ctx context.Context, rt runtime.SandboxRuntime, prefix string, cfgs ConfigSource) (int, error) {
	rows, err := rt.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	now := r.now()
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		tenantID := strings.TrimPrefix(row.Name, prefix)
		if tenantID == row.Name || !workspace.ValidTenantID(tenantID) {
			r.log.Warn("scan: skipping container with unusable name", "name", row.Name)
			continue
		}

		sb := Sandbox{
			TenantID: tenantID,
			Handle:   row.Handle,
			Name:     row.Name,
		}
		switch row.State {
		case "running":
			sb.State = StateRunning
			sb.LastActivity = now
		case "paused":
			sb.State = StatePaused
			sb.PausedAt = now
		case "exited", "dead":
			sb.State = StateStopped
			sb.StoppedAt = now
		default:
			// created, restarting, removing: let hibernation reconcile.
			sb.State = StateUnknown
		}

		cfg, err := cfgs.ReadConfig(tenantID)
		switch {
		case err == nil:
			sb.GatewayToken = cfg.GatewayToken
			sb.IngressPort = cfg.IngressPort
		case errdefs.IsKind(err, errdefs.KindNotFound):
			r.log.Warn("scan: tenant has no provisioning record, gateway unreachable until provisioned",
				"tenant", tenantID)
		default:
			return 0, err
		}

		r.Upsert(sb)
		seen[tenantID] = true
	}

	r.mu.Lock()
	for tenantID := range r.byTenant {
		if !seen[tenantID] {
			delete(r.byTenant, tenantID)
		}
	}
	total := len(r.byTenant)
	r.mu.Unlock()

	r.log.Info("registry rebuilt from engine scan", "sandboxes", total, "prefix", prefix)
	return total, nil
}
