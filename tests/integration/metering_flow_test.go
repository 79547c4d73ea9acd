// Package integration tests the critical metering flows against a real
// PostgreSQL database:
// - Recording usage freezes cost and updates the monthly summary atomically
// - Adjustments offset earlier usage without touching the original events
// - The reconciler pushes pending events to the billing provider
// - Permanent provider rejections dead-letter the event; requeue recovers it
package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	identityapp "github.com/meterd/backend/internal/application/identity"
	meteringapp "github.com/meterd/backend/internal/application/metering"
	"github.com/meterd/backend/internal/domain/metering"
	"github.com/meterd/backend/internal/infrastructure/billing"
	"github.com/meterd/backend/internal/infrastructure/persistence"
)

// rejectingProvider simulates a provider that permanently rejects every
// submission, as Stripe does for an unknown subscription item.
type rejectingProvider struct{}

func (p *rejectingProvider) SubmitUsage(ctx context.Context, req billing.SubmitRequest) (*billing.SubmitResult, error) {
	return nil, &billing.ProviderError{
		StatusCode: http.StatusNotFound,
		Code:       "resource_missing",
		Message:    "no such subscription item",
	}
}

// overloadedProvider simulates a provider outage that should be retried.
type overloadedProvider struct{}

func (p *overloadedProvider) SubmitUsage(ctx context.Context, req billing.SubmitRequest) (*billing.SubmitResult, error) {
	return nil, &billing.ProviderError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    "provider overloaded",
	}
}

type meteringEnv struct {
	tdb       *TestDB
	tenants   *identityapp.TenantService
	ledger    *meteringapp.LedgerService
	summaries *meteringapp.SummaryService
	events    *persistence.GormUsageEventRepository
}

func newMeteringEnv(t *testing.T) *meteringEnv {
	t.Helper()

	tdb := NewTestDB(t)
	log := zap.NewNop()

	tenantRepo := persistence.NewGormTenantRepository(tdb.DB)
	eventRepo := persistence.NewGormUsageEventRepository(tdb.DB)
	summaryRepo := persistence.NewGormMonthlySummaryRepository(tdb.DB)
	ledger := persistence.NewGormLedger(tdb.DB)
	pricing := metering.DefaultPricingTable()

	return &meteringEnv{
		tdb:       tdb,
		tenants:   identityapp.NewTenantService(tenantRepo, log),
		ledger:    meteringapp.NewLedgerService(ledger, tenantRepo, pricing, nil, nil, log),
		summaries: meteringapp.NewSummaryService(summaryRepo, tenantRepo, pricing, nil, log),
		events:    eventRepo,
	}
}

func (env *meteringEnv) reconciler(provider billing.Provider, maxAttempts int) *meteringapp.ReconcileService {
	tenantRepo := persistence.NewGormTenantRepository(env.tdb.DB)
	config := meteringapp.DefaultReconcileConfig()
	config.MaxAttempts = maxAttempts
	return meteringapp.NewReconcileService(env.events, tenantRepo, provider, nil, zap.NewNop(), config)
}

func (env *meteringEnv) createTenant(t *testing.T, code string, tier metering.Tier) *identityapp.TenantDTO {
	t.Helper()

	tenant, err := env.tenants.Create(context.Background(), identityapp.CreateTenantInput{
		Code: code,
		Name: code + " Inc",
		Tier: string(tier),
	})
	require.NoError(t, err)
	return tenant
}

func (env *meteringEnv) record(t *testing.T, tenantID uuid.UUID, kind string, quantity int64) *meteringapp.UsageEventDTO {
	t.Helper()

	event, err := env.ledger.RecordUsage(context.Background(), meteringapp.RecordUsageInput{
		TenantID: tenantID,
		Kind:     kind,
		Quantity: quantity,
	})
	require.NoError(t, err)
	return event
}

func TestRecordUsageUpdatesSummary(t *testing.T) {
	env := newMeteringEnv(t)
	ctx := context.Background()
	tenant := env.createTenant(t, "ACME", metering.TierStarter)

	// Record a mix of kinds; each append must land in the summary row
	env.record(t, tenant.ID, "sms", 10)
	env.record(t, tenant.ID, "sms", 5)
	aiEvent := env.record(t, tenant.ID, "ai_query", 3)

	// Costs are frozen at write time from the pricing table
	assert.True(t, aiEvent.UnitCost.Equal(decimal.NewFromFloat(0.02)),
		"unit cost: got %s", aiEvent.UnitCost)
	assert.True(t, aiEvent.TotalCost.Equal(decimal.NewFromFloat(0.06)),
		"total cost: got %s", aiEvent.TotalCost)
	assert.Equal(t, "pending", aiEvent.SyncState)

	summary, err := env.summaries.GetSummary(ctx, tenant.ID, "")
	require.NoError(t, err)

	tallies := map[string]meteringapp.KindTallyDTO{}
	for _, tally := range summary.Kinds {
		tallies[tally.Kind] = tally
	}
	assert.Equal(t, int64(15), tallies["sms"].Count)
	assert.True(t, tallies["sms"].Cost.Equal(decimal.NewFromFloat(0.75)),
		"sms cost: got %s", tallies["sms"].Cost)
	assert.Equal(t, int64(3), tallies["ai_query"].Count)
	assert.Equal(t, int64(0), tallies["email"].Count)
	assert.True(t, summary.TotalCost.Equal(decimal.NewFromFloat(0.81)),
		"total cost: got %s", summary.TotalCost)
}

func TestAdjustmentOffsetsSummary(t *testing.T) {
	env := newMeteringEnv(t)
	ctx := context.Background()
	tenant := env.createTenant(t, "ACME", metering.TierStarter)

	env.record(t, tenant.ID, "sms", 10)

	adjustment, err := env.ledger.RecordAdjustment(ctx, meteringapp.RecordUsageInput{
		TenantID: tenant.ID,
		Kind:     "sms",
		Quantity: -4,
	})
	require.NoError(t, err)
	assert.True(t, adjustment.TotalCost.Equal(decimal.NewFromFloat(-0.2)),
		"adjustment cost: got %s", adjustment.TotalCost)

	summary, err := env.summaries.GetSummary(ctx, tenant.ID, "")
	require.NoError(t, err)
	for _, tally := range summary.Kinds {
		if tally.Kind == "sms" {
			assert.Equal(t, int64(6), tally.Count)
			assert.True(t, tally.Cost.Equal(decimal.NewFromFloat(0.3)),
				"sms cost after adjustment: got %s", tally.Cost)
		}
	}
}

func TestQuotaExceededKeepsAccruing(t *testing.T) {
	env := newMeteringEnv(t)
	ctx := context.Background()
	tenant := env.createTenant(t, "ACME", metering.TierFree)

	// The free tier allows 10 AI queries; recording past the limit must
	// not fail, it marks the kind exceeded and keeps counting
	env.record(t, tenant.ID, "ai_query", 10)
	over := env.record(t, tenant.ID, "ai_query", 5)
	require.NotNil(t, over)

	statuses, err := env.summaries.CheckLimits(ctx, tenant.ID)
	require.NoError(t, err)

	var aiStatus *metering.LimitStatus
	for i := range statuses {
		if statuses[i].Kind == metering.EventKindAIQuery {
			aiStatus = &statuses[i]
		}
	}
	require.NotNil(t, aiStatus)
	assert.Equal(t, int64(15), aiStatus.Current)
	assert.Equal(t, int64(10), aiStatus.Limit)
	assert.True(t, aiStatus.Exceeded)
}

func TestReconcilerSyncsPendingEvents(t *testing.T) {
	env := newMeteringEnv(t)
	ctx := context.Background()
	tenant := env.createTenant(t, "ACME", metering.TierStarter)

	_, err := env.tenants.SetBillingRef(ctx, tenant.ID, "si_acme_usage")
	require.NoError(t, err)

	first := env.record(t, tenant.ID, "sms", 3)
	second := env.record(t, tenant.ID, "email", 100)

	svc := env.reconciler(billing.NewNoopProvider(), 8)
	report, err := svc.SyncBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Discovered)
	assert.Equal(t, 2, report.Synced)
	assert.Zero(t, report.Failed)

	for _, id := range []uuid.UUID{first.ID, second.ID} {
		event, err := env.events.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, metering.SyncStateSynced, event.SyncState)
		assert.NotEmpty(t, event.ExternalRef)
		assert.Empty(t, event.LeaseToken, "lease must be released after sync")
	}

	// A second pass finds nothing left to do
	report, err = svc.SyncBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Discovered)
}

func TestReconcilerDeadLettersPermanentRejections(t *testing.T) {
	env := newMeteringEnv(t)
	ctx := context.Background()
	tenant := env.createTenant(t, "ACME", metering.TierStarter)

	recorded := env.record(t, tenant.ID, "whatsapp", 1)

	svc := env.reconciler(&rejectingProvider{}, 8)
	report, err := svc.SyncBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	page, err := svc.DeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, recorded.ID, page.Events[0].ID)
	assert.Contains(t, page.Events[0].LastError, "resource_missing")

	// Requeue resets the event; a healthy provider then syncs it
	_, err = svc.Requeue(ctx, recorded.ID)
	require.NoError(t, err)

	healthy := env.reconciler(billing.NewNoopProvider(), 8)
	report, err = healthy.SyncBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)

	event, err := env.events.GetByID(ctx, recorded.ID)
	require.NoError(t, err)
	assert.Equal(t, metering.SyncStateSynced, event.SyncState)
}

func TestTransientFailureBacksOff(t *testing.T) {
	env := newMeteringEnv(t)
	ctx := context.Background()
	tenant := env.createTenant(t, "ACME", metering.TierStarter)

	recorded := env.record(t, tenant.ID, "invitation", 2)

	svc := env.reconciler(&overloadedProvider{}, 8)

	report, err := svc.SyncBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.DeadLettered)

	event, err := env.events.GetByID(ctx, recorded.ID)
	require.NoError(t, err)
	assert.Equal(t, metering.SyncStateFailed, event.SyncState)
	assert.Equal(t, 1, event.AttemptCount)
	assert.True(t, event.NextAttemptAt.After(time.Now()),
		"failed event must wait out its backoff")

	// Still backing off, so the next pass skips it
	report, err = svc.SyncBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Discovered)
}
