package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterd/backend/internal/domain/metering"
)

func TestNewTenant(t *testing.T) {
	t.Run("creates active free tenant", func(t *testing.T) {
		tenant, err := NewTenant("acme", "Acme Weddings")

		require.NoError(t, err)
		assert.Equal(t, "ACME", tenant.Code)
		assert.Equal(t, "Acme Weddings", tenant.Name)
		assert.Equal(t, TenantStatusActive, tenant.Status)
		assert.Equal(t, metering.TierFree, tenant.Tier)
		assert.Nil(t, tenant.TierChangedAt)
	})

	t.Run("rejects empty code", func(t *testing.T) {
		_, err := NewTenant("", "Acme")
		assert.Error(t, err)
	})

	t.Run("rejects empty name", func(t *testing.T) {
		_, err := NewTenant("acme", "  ")
		assert.Error(t, err)
	})
}

func TestSetTier(t *testing.T) {
	tenant, err := NewTenant("acme", "Acme")
	require.NoError(t, err)

	t.Run("upgrades tier and records change time", func(t *testing.T) {
		err := tenant.SetTier(metering.TierStarter)

		require.NoError(t, err)
		assert.Equal(t, metering.TierStarter, tenant.Tier)
		require.NotNil(t, tenant.TierChangedAt)
	})

	t.Run("same tier is a no-op", func(t *testing.T) {
		changedAt := tenant.TierChangedAt
		version := tenant.GetVersion()

		require.NoError(t, tenant.SetTier(metering.TierStarter))

		assert.Equal(t, changedAt, tenant.TierChangedAt)
		assert.Equal(t, version, tenant.GetVersion())
	})

	t.Run("rejects unknown tier", func(t *testing.T) {
		err := tenant.SetTier(metering.Tier("platinum"))
		assert.ErrorIs(t, err, metering.ErrUnknownTier)
	})
}

func TestTenantLifecycle(t *testing.T) {
	tenant, err := NewTenant("acme", "Acme")
	require.NoError(t, err)

	require.NoError(t, tenant.SetExternalBillingRef("cus_9xK2"))
	assert.Equal(t, "cus_9xK2", tenant.ExternalBillingRef)

	tenant.Suspend()
	assert.False(t, tenant.IsActive())

	tenant.Activate()
	assert.True(t, tenant.IsActive())
}
