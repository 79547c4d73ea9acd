package metering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meterd/backend/internal/domain/metering"
	"github.com/meterd/backend/internal/domain/shared"
)

func newLedgerService(t *testing.T) (*LedgerService, *mockLedger, *mockTenantRepo) {
	t.Helper()
	ledger := new(mockLedger)
	tenants := new(mockTenantRepo)
	svc := NewLedgerService(ledger, tenants, metering.DefaultPricingTable(), nil, nil, zap.NewNop())
	return svc, ledger, tenants
}

func TestLedgerService_RecordUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("records event with frozen unit cost", func(t *testing.T) {
		svc, ledger, tenants := newLedgerService(t)
		tenant := newActiveTenant(metering.TierStarter)

		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)
		ledger.On("Append", ctx, mock.AnythingOfType("*metering.UsageEvent"), mock.AnythingOfType("metering.TierLimits")).Return(nil)

		dto, err := svc.RecordUsage(ctx, RecordUsageInput{
			TenantID: tenant.ID,
			Kind:     "sms",
			Quantity: 3,
		})
		require.NoError(t, err)

		assert.Equal(t, tenant.ID, dto.TenantID)
		assert.Equal(t, "sms", dto.Kind)
		assert.Equal(t, int64(3), dto.Quantity)
		assert.True(t, dto.UnitCost.Equal(decimal.NewFromFloat(0.05)))
		assert.True(t, dto.TotalCost.Equal(decimal.NewFromFloat(0.15)))
		assert.Equal(t, "pending", dto.SyncState)
		ledger.AssertExpectations(t)
	})

	t.Run("passes tier limits to the ledger", func(t *testing.T) {
		svc, ledger, tenants := newLedgerService(t)
		tenant := newActiveTenant(metering.TierStarter)

		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)
		ledger.On("Append", ctx, mock.Anything, mock.MatchedBy(func(limits metering.TierLimits) bool {
			return limits.Tier == metering.TierStarter && limits.LimitFor(metering.EventKindSMS) == 1000
		})).Return(nil)

		_, err := svc.RecordUsage(ctx, RecordUsageInput{TenantID: tenant.ID, Kind: "sms", Quantity: 1})
		require.NoError(t, err)
		ledger.AssertExpectations(t)
	})

	t.Run("honors explicit occurred_at for month bucketing", func(t *testing.T) {
		svc, ledger, tenants := newLedgerService(t)
		tenant := newActiveTenant(metering.TierFree)

		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)
		ledger.On("Append", ctx, mock.Anything, mock.Anything).Return(nil)

		occurred := time.Date(2026, 3, 31, 23, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))
		dto, err := svc.RecordUsage(ctx, RecordUsageInput{
			TenantID:   tenant.ID,
			Kind:       "email",
			Quantity:   1,
			OccurredAt: &occurred,
		})
		require.NoError(t, err)
		// 23:30 UTC+5 on March 31 is 18:30 UTC, still March
		assert.Equal(t, "2026-03", dto.BillingMonth)
	})

	t.Run("rejects unknown kind before touching storage", func(t *testing.T) {
		svc, ledger, tenants := newLedgerService(t)

		_, err := svc.RecordUsage(ctx, RecordUsageInput{TenantID: uuid.New(), Kind: "fax", Quantity: 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, metering.ErrUnknownEventKind)
		tenants.AssertNotCalled(t, "FindByID")
		ledger.AssertNotCalled(t, "Append")
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		svc, ledger, tenants := newLedgerService(t)
		tenant := newActiveTenant(metering.TierFree)
		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)

		_, err := svc.RecordUsage(ctx, RecordUsageInput{TenantID: tenant.ID, Kind: "sms", Quantity: 0})
		require.Error(t, err)
		assert.ErrorIs(t, err, metering.ErrInvalidQuantity)
		ledger.AssertNotCalled(t, "Append")
	})

	t.Run("propagates unknown tenant", func(t *testing.T) {
		svc, ledger, tenants := newLedgerService(t)
		missing := uuid.New()
		tenants.On("FindByID", ctx, missing).Return(nil, shared.ErrNotFound)

		_, err := svc.RecordUsage(ctx, RecordUsageInput{TenantID: missing, Kind: "sms", Quantity: 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrNotFound)
		ledger.AssertNotCalled(t, "Append")
	})

	t.Run("price change only affects later events", func(t *testing.T) {
		ledger := new(mockLedger)
		tenants := new(mockTenantRepo)
		pricing := metering.DefaultPricingTable()
		svc := NewLedgerService(ledger, tenants, pricing, nil, nil, zap.NewNop())

		tenant := newActiveTenant(metering.TierStarter)
		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)
		ledger.On("Append", ctx, mock.Anything, mock.Anything).Return(nil)

		before, err := svc.RecordUsage(ctx, RecordUsageInput{TenantID: tenant.ID, Kind: "sms", Quantity: 1})
		require.NoError(t, err)

		pricing.SetUnitCost(metering.EventKindSMS, decimal.NewFromFloat(0.10))

		after, err := svc.RecordUsage(ctx, RecordUsageInput{TenantID: tenant.ID, Kind: "sms", Quantity: 1})
		require.NoError(t, err)

		assert.True(t, before.UnitCost.Equal(decimal.NewFromFloat(0.05)))
		assert.True(t, after.UnitCost.Equal(decimal.NewFromFloat(0.10)))
	})
}

func TestLedgerService_RecordAdjustment(t *testing.T) {
	ctx := context.Background()

	t.Run("records negative quantity with negative cost", func(t *testing.T) {
		svc, ledger, tenants := newLedgerService(t)
		tenant := newActiveTenant(metering.TierStarter)

		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)
		ledger.On("Append", ctx, mock.MatchedBy(func(event *metering.UsageEvent) bool {
			return event.Quantity == -2 && event.SyncState == metering.SyncStateSynced
		}), mock.Anything).Return(nil)

		dto, err := svc.RecordAdjustment(ctx, RecordUsageInput{TenantID: tenant.ID, Kind: "sms", Quantity: -2})
		require.NoError(t, err)

		assert.Equal(t, int64(-2), dto.Quantity)
		assert.True(t, dto.TotalCost.Equal(decimal.NewFromFloat(-0.10)))
		// Adjustments are local corrections, never pushed to the provider
		assert.Equal(t, "synced", dto.SyncState)
		ledger.AssertExpectations(t)
	})

	t.Run("rejects positive quantity", func(t *testing.T) {
		svc, ledger, tenants := newLedgerService(t)
		tenant := newActiveTenant(metering.TierStarter)
		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)

		_, err := svc.RecordAdjustment(ctx, RecordUsageInput{TenantID: tenant.ID, Kind: "sms", Quantity: 2})
		require.Error(t, err)
		ledger.AssertNotCalled(t, "Append")
	})
}

// recordingSummaryCache remembers which summary entries were invalidated
type recordingSummaryCache struct {
	invalidated []string
}

func (c *recordingSummaryCache) Get(ctx context.Context, tenantID uuid.UUID, billingMonth string) (*metering.MonthlySummary, bool) {
	return nil, false
}

func (c *recordingSummaryCache) Set(ctx context.Context, summary *metering.MonthlySummary) {}

func (c *recordingSummaryCache) Invalidate(ctx context.Context, tenantID uuid.UUID, billingMonth string) {
	c.invalidated = append(c.invalidated, tenantID.String()+":"+billingMonth)
}

// recordingUsageMetrics remembers every recorded usage event
type recordingUsageMetrics struct {
	kinds  []string
	totals []decimal.Decimal
}

func (m *recordingUsageMetrics) RecordUsageEvent(ctx context.Context, tenantID uuid.UUID, kind string, totalCost decimal.Decimal) {
	m.kinds = append(m.kinds, kind)
	m.totals = append(m.totals, totalCost)
}

func TestLedgerService_WriteSideEffects(t *testing.T) {
	ctx := context.Background()

	newInstrumented := func() (*LedgerService, *mockLedger, *mockTenantRepo, *recordingSummaryCache, *recordingUsageMetrics) {
		ledger := new(mockLedger)
		tenants := new(mockTenantRepo)
		cache := &recordingSummaryCache{}
		metrics := &recordingUsageMetrics{}
		svc := NewLedgerService(ledger, tenants, metering.DefaultPricingTable(), cache, metrics, zap.NewNop())
		return svc, ledger, tenants, cache, metrics
	}

	t.Run("recording usage invalidates the cached summary and counts the event", func(t *testing.T) {
		svc, ledger, tenants, cache, metrics := newInstrumented()
		tenant := newActiveTenant(metering.TierStarter)
		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)
		ledger.On("Append", ctx, mock.Anything, mock.Anything).Return(nil)

		dto, err := svc.RecordUsage(ctx, RecordUsageInput{TenantID: tenant.ID, Kind: "sms", Quantity: 2})
		require.NoError(t, err)

		require.Len(t, cache.invalidated, 1)
		assert.Equal(t, tenant.ID.String()+":"+dto.BillingMonth, cache.invalidated[0])
		require.Len(t, metrics.kinds, 1)
		assert.Equal(t, "sms", metrics.kinds[0])
		assert.True(t, metrics.totals[0].Equal(decimal.NewFromFloat(0.10)))
	})

	t.Run("adjustments invalidate their billing month too", func(t *testing.T) {
		svc, ledger, tenants, cache, metrics := newInstrumented()
		tenant := newActiveTenant(metering.TierStarter)
		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)
		ledger.On("Append", ctx, mock.Anything, mock.Anything).Return(nil)

		dto, err := svc.RecordAdjustment(ctx, RecordUsageInput{TenantID: tenant.ID, Kind: "sms", Quantity: -1})
		require.NoError(t, err)

		require.Len(t, cache.invalidated, 1)
		assert.Equal(t, tenant.ID.String()+":"+dto.BillingMonth, cache.invalidated[0])
		require.Len(t, metrics.kinds, 1)
		assert.True(t, metrics.totals[0].Equal(decimal.NewFromFloat(-0.05)))
	})

	t.Run("a failed append leaves cache and counters untouched", func(t *testing.T) {
		svc, ledger, tenants, cache, metrics := newInstrumented()
		tenant := newActiveTenant(metering.TierStarter)
		tenants.On("FindByID", ctx, tenant.ID).Return(tenant, nil)
		ledger.On("Append", ctx, mock.Anything, mock.Anything).Return(errors.New("connection reset"))

		_, err := svc.RecordUsage(ctx, RecordUsageInput{TenantID: tenant.ID, Kind: "sms", Quantity: 2})
		require.Error(t, err)
		assert.Empty(t, cache.invalidated)
		assert.Empty(t, metrics.kinds)
	})
}
