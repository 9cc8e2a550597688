// Package plan maps subscription tiers to sandbox resource envelopes.
//
// The control plane never trusts limits supplied by callers: an admin names a
// tier, the tier resolves to concrete limits here, and the governor applies
// them to the runtime. Hourly rates feed the cost ledger for awake time.
package plan

import (
	"strings"

	"github.com/ocmt/backend/internal/errdefs"
)

// Tier is a subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Limits is the resource envelope a sandbox runs under. CPUQuota and
// CPUPeriod are in microseconds per the cgroup CFS convention, so quota
// 50000 over period 100000 is half a core.
type Limits struct {
	MemoryBytes     int64 `json:"memoryBytes" yaml:"memoryBytes"`
	MemorySwapBytes int64 `json:"memorySwapBytes" yaml:"memorySwapBytes"`
	CPUShares       int64 `json:"cpuShares" yaml:"cpuShares"`
	CPUQuota        int64 `json:"cpuQuota" yaml:"cpuQuota"`
	CPUPeriod       int64 `json:"cpuPeriod" yaml:"cpuPeriod"`
	PidsLimit       int64 `json:"pidsLimit" yaml:"pidsLimit"`
}

const (
	mib = int64(1) << 20
	gib = int64(1) << 30

	cfsPeriod = 100000
)

func defaultLimits() map[Tier]Limits {
	return map[Tier]Limits{
		TierFree: {
			MemoryBytes:     512 * mib,
			MemorySwapBytes: 1 * gib,
			CPUShares:       512,
			CPUQuota:        cfsPeriod / 2,
			CPUPeriod:       cfsPeriod,
			PidsLimit:       256,
		},
		TierPro: {
			MemoryBytes:     2 * gib,
			MemorySwapBytes: 4 * gib,
			CPUShares:       1024,
			CPUQuota:        cfsPeriod,
			CPUPeriod:       cfsPeriod,
			PidsLimit:       512,
		},
		TierEnterprise: {
			MemoryBytes:     8 * gib,
			MemorySwapBytes: 16 * gib,
			CPUShares:       2048,
			CPUQuota:        4 * cfsPeriod,
			CPUPeriod:       cfsPeriod,
			PidsLimit:       2048,
		},
	}
}

func defaultRates() map[Tier]float64 {
	return map[Tier]float64{
		TierFree:       0,
		TierPro:        0.12,
		TierEnterprise: 0.48,
	}
}

// Parse normalizes and validates a tier name.
func Parse(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierPro, TierEnterprise:
		return t, nil
	default:
		return "", errdefs.Newf(errdefs.KindInvalidInput, "unknown plan %q", s)
	}
}

// Catalog resolves tiers to limits and hourly rates. Deployments override
// individual tiers from config; anything not overridden keeps the default.
type Catalog struct {
	limits map[Tier]Limits
	rates  map[Tier]float64
}

// NewCatalog returns a catalog preloaded with the built-in tiers.
func NewCatalog() *Catalog {
	return &Catalog{limits: defaultLimits(), rates: defaultRates()}
}

// SetLimits replaces the resource envelope for a tier.
func (c *Catalog) SetLimits(t Tier, l Limits) { c.limits[t] = l }

// SetRate replaces the hourly USD rate for a tier.
func (c *Catalog) SetRate(t Tier, usdPerHour float64) { c.rates[t] = usdPerHour }

// Limits returns the envelope for a tier, falling back to the free tier for
// anything unknown so a stale directory entry can never grant extra resources.
func (c *Catalog) Limits(t Tier) Limits {
	if l, ok := c.limits[t]; ok {
		return l
	}
	return c.limits[TierFree]
}

// HourlyRate returns the USD cost of one hour awake on the given tier.
func (c *Catalog) HourlyRate(t Tier) float64 {
	if r, ok := c.rates[t]; ok {
		return r
	}
	return c.rates[TierFree]
}
