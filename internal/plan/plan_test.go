package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmt/backend/internal/errdefs"
)

func TestParse(t *testing.T) {
	for _, s := range []string{"free", "Pro", " ENTERPRISE "} {
		tier, err := Parse(s)
		require.NoError(t, err, s)
		assert.NotEmpty(t, tier)
	}

	_, err := Parse("platinum")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidInput))
}

func TestCatalogDefaults(t *testing.T) {
	c := NewCatalog()

	free := c.Limits(TierFree)
	pro := c.Limits(TierPro)
	ent := c.Limits(TierEnterprise)

	assert.Less(t, free.MemoryBytes, pro.MemoryBytes)
	assert.Less(t, pro.MemoryBytes, ent.MemoryBytes)
	assert.Less(t, free.CPUQuota, pro.CPUQuota)
	assert.Less(t, pro.PidsLimit, ent.PidsLimit)

	// Swap headroom is at least the memory limit on every tier.
	for _, l := range []Limits{free, pro, ent} {
		assert.GreaterOrEqual(t, l.MemorySwapBytes, l.MemoryBytes)
		assert.Equal(t, int64(100000), l.CPUPeriod)
	}

	assert.Zero(t, c.HourlyRate(TierFree))
	assert.Less(t, c.HourlyRate(TierPro), c.HourlyRate(TierEnterprise))
}

func TestCatalogUnknownTierFallsBackToFree(t *testing.T) {
	c := NewCatalog()
	assert.Equal(t, c.Limits(TierFree), c.Limits(Tier("platinum")))
	assert.Equal(t, c.HourlyRate(TierFree), c.HourlyRate(Tier("platinum")))
}

func TestCatalogOverrides(t *testing.T) {
	c := NewCatalog()
	custom := Limits{MemoryBytes: 42, MemorySwapBytes: 84, CPUShares: 7, CPUQuota: 1, CPUPeriod: 2, PidsLimit: 3}
	c.SetLimits(TierPro, custom)
	c.SetRate(TierPro, 9.5)

	assert.Equal(t, custom, c.Limits(TierPro))
	assert.Equal(t, 9.5, c.HourlyRate(TierPro))
}
