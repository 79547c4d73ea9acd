package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/meterd/backend/internal/domain/metering"
)

// MonthlySummaryModelSQLite is a SQLite-compatible version of MonthlySummaryModel for testing
type MonthlySummaryModelSQLite struct {
	ID           string `gorm:"primaryKey"`
	TenantID     string `gorm:"not null;uniqueIndex:idx_summaries_tenant_month,priority:1"`
	BillingMonth string `gorm:"not null;uniqueIndex:idx_summaries_tenant_month,priority:2"`

	InvitationCount           int64           `gorm:"column:invitation_count;not null;default:0"`
	InvitationCost            decimal.Decimal `gorm:"column:invitation_cost;type:decimal(18,6);not null;default:0"`
	InvitationLimit           int64           `gorm:"column:invitation_limit;not null;default:0"`
	InvitationExceeded        bool            `gorm:"column:invitation_exceeded;not null;default:false"`
	InvitationFirstExceededAt *time.Time      `gorm:"column:invitation_first_exceeded_at"`

	SMSCount           int64           `gorm:"column:sms_count;not null;default:0"`
	SMSCost            decimal.Decimal `gorm:"column:sms_cost;type:decimal(18,6);not null;default:0"`
	SMSLimit           int64           `gorm:"column:sms_limit;not null;default:0"`
	SMSExceeded        bool            `gorm:"column:sms_exceeded;not null;default:false"`
	SMSFirstExceededAt *time.Time      `gorm:"column:sms_first_exceeded_at"`

	AIQueryCount           int64           `gorm:"column:ai_query_count;not null;default:0"`
	AIQueryCost            decimal.Decimal `gorm:"column:ai_query_cost;type:decimal(18,6);not null;default:0"`
	AIQueryLimit           int64           `gorm:"column:ai_query_limit;not null;default:0"`
	AIQueryExceeded        bool            `gorm:"column:ai_query_exceeded;not null;default:false"`
	AIQueryFirstExceededAt *time.Time      `gorm:"column:ai_query_first_exceeded_at"`

	WhatsAppCount           int64           `gorm:"column:whatsapp_count;not null;default:0"`
	WhatsAppCost            decimal.Decimal `gorm:"column:whatsapp_cost;type:decimal(18,6);not null;default:0"`
	WhatsAppLimit           int64           `gorm:"column:whatsapp_limit;not null;default:0"`
	WhatsAppExceeded        bool            `gorm:"column:whatsapp_exceeded;not null;default:false"`
	WhatsAppFirstExceededAt *time.Time      `gorm:"column:whatsapp_first_exceeded_at"`

	EmailCount           int64           `gorm:"column:email_count;not null;default:0"`
	EmailCost            decimal.Decimal `gorm:"column:email_cost;type:decimal(18,6);not null;default:0"`
	EmailLimit           int64           `gorm:"column:email_limit;not null;default:0"`
	EmailExceeded        bool            `gorm:"column:email_exceeded;not null;default:false"`
	EmailFirstExceededAt *time.Time      `gorm:"column:email_first_exceeded_at"`

	TotalCost decimal.Decimal `gorm:"type:decimal(18,6);not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MonthlySummaryModelSQLite) TableName() string {
	return "monthly_summaries"
}

func setupSummaryTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// a single connection keeps concurrent writers serialized in sqlite
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&MonthlySummaryModelSQLite{})
	require.NoError(t, err)

	return db
}

func starterLimits(t *testing.T) metering.TierLimits {
	t.Helper()
	limits, err := metering.DefaultPricingTable().LimitsFor(metering.TierStarter)
	require.NoError(t, err)
	return limits
}

func newSMSEvent(t *testing.T, tenantID uuid.UUID, quantity int64) *metering.UsageEvent {
	t.Helper()
	event, err := metering.NewUsageEvent(tenantID, metering.EventKindSMS, quantity, decimal.NewFromFloat(0.05))
	require.NoError(t, err)
	return event
}

func TestMonthlySummaryRepository_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("first apply seeds the row with tier limits", func(t *testing.T) {
		db := setupSummaryTestDB(t)
		repo := NewGormMonthlySummaryRepository(db)
		tenantID := uuid.New()

		event := newSMSEvent(t, tenantID, 3)
		require.NoError(t, repo.Apply(ctx, event, starterLimits(t)))

		summary, err := repo.Get(ctx, tenantID, event.BillingMonth())
		require.NoError(t, err)

		tally := summary.TallyFor(metering.EventKindSMS)
		assert.Equal(t, int64(3), tally.Count)
		assert.True(t, tally.Cost.Equal(decimal.NewFromFloat(0.15)))
		assert.Equal(t, int64(1000), tally.Limit)
		assert.False(t, tally.Exceeded)
		assert.True(t, summary.TotalCost.Equal(decimal.NewFromFloat(0.15)))
	})

	t.Run("subsequent applies increment in place", func(t *testing.T) {
		db := setupSummaryTestDB(t)
		repo := NewGormMonthlySummaryRepository(db)
		tenantID := uuid.New()

		var month string
		for i := 0; i < 5; i++ {
			event := newSMSEvent(t, tenantID, 2)
			month = event.BillingMonth()
			require.NoError(t, repo.Apply(ctx, event, starterLimits(t)))
		}

		summary, err := repo.Get(ctx, tenantID, month)
		require.NoError(t, err)
		assert.Equal(t, int64(10), summary.TallyFor(metering.EventKindSMS).Count)
		assert.InDelta(t, 0.50, summary.TotalCost.InexactFloat64(), 0.0001)
	})

	t.Run("limits are snapshotted at first event of the month", func(t *testing.T) {
		db := setupSummaryTestDB(t)
		repo := NewGormMonthlySummaryRepository(db)
		tenantID := uuid.New()

		first := newSMSEvent(t, tenantID, 1)
		require.NoError(t, repo.Apply(ctx, first, starterLimits(t)))

		// the tenant upgrades mid-month; later applies carry the new limits
		// but the stored snapshot must not move
		enterprise, err := metering.DefaultPricingTable().LimitsFor(metering.TierEnterprise)
		require.NoError(t, err)
		second := newSMSEvent(t, tenantID, 1)
		require.NoError(t, repo.Apply(ctx, second, enterprise))

		summary, err := repo.Get(ctx, tenantID, first.BillingMonth())
		require.NoError(t, err)
		assert.Equal(t, int64(1000), summary.TallyFor(metering.EventKindSMS).Limit)
		assert.Equal(t, int64(2), summary.TallyFor(metering.EventKindSMS).Count)
	})

	t.Run("exceeded flag flips past the limit", func(t *testing.T) {
		db := setupSummaryTestDB(t)
		repo := NewGormMonthlySummaryRepository(db)
		tenantID := uuid.New()

		event := newSMSEvent(t, tenantID, 1000)
		require.NoError(t, repo.Apply(ctx, event, starterLimits(t)))

		summary, err := repo.Get(ctx, tenantID, event.BillingMonth())
		require.NoError(t, err)
		assert.False(t, summary.IsExceeded(metering.EventKindSMS))
		assert.Nil(t, summary.TallyFor(metering.EventKindSMS).FirstExceededAt)

		over := newSMSEvent(t, tenantID, 1)
		require.NoError(t, repo.Apply(ctx, over, starterLimits(t)))

		summary, err = repo.Get(ctx, tenantID, event.BillingMonth())
		require.NoError(t, err)
		tally := summary.TallyFor(metering.EventKindSMS)
		assert.Equal(t, int64(1001), tally.Count)
		assert.True(t, tally.Exceeded)
		require.NotNil(t, tally.FirstExceededAt)
	})

	t.Run("first exceeded timestamp does not move on later events", func(t *testing.T) {
		db := setupSummaryTestDB(t)
		repo := NewGormMonthlySummaryRepository(db)
		tenantID := uuid.New()

		over := newSMSEvent(t, tenantID, 1001)
		require.NoError(t, repo.Apply(ctx, over, starterLimits(t)))

		summary, err := repo.Get(ctx, tenantID, over.BillingMonth())
		require.NoError(t, err)
		firstExceededAt := summary.TallyFor(metering.EventKindSMS).FirstExceededAt
		require.NotNil(t, firstExceededAt)

		more := newSMSEvent(t, tenantID, 10)
		require.NoError(t, repo.Apply(ctx, more, starterLimits(t)))

		summary, err = repo.Get(ctx, tenantID, over.BillingMonth())
		require.NoError(t, err)
		got := summary.TallyFor(metering.EventKindSMS).FirstExceededAt
		require.NotNil(t, got)
		assert.WithinDuration(t, *firstExceededAt, *got, time.Second)
	})

	t.Run("unlimited tier never exceeds", func(t *testing.T) {
		db := setupSummaryTestDB(t)
		repo := NewGormMonthlySummaryRepository(db)
		tenantID := uuid.New()

		enterprise, err := metering.DefaultPricingTable().LimitsFor(metering.TierEnterprise)
		require.NoError(t, err)

		event := newSMSEvent(t, tenantID, 50000)
		require.NoError(t, repo.Apply(ctx, event, enterprise))

		summary, err := repo.Get(ctx, tenantID, event.BillingMonth())
		require.NoError(t, err)
		assert.Equal(t, int64(50000), summary.TallyFor(metering.EventKindSMS).Count)
		assert.False(t, summary.IsExceeded(metering.EventKindSMS))
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		db := setupSummaryTestDB(t)
		repo := NewGormMonthlySummaryRepository(db)

		event := newSMSEvent(t, uuid.New(), 1)
		event.Kind = metering.EventKind("fax")

		err := repo.Apply(ctx, event, starterLimits(t))
		assert.ErrorIs(t, err, metering.ErrUnknownEventKind)
	})
}

func TestMonthlySummaryRepository_ConcurrentApply(t *testing.T) {
	db := setupSummaryTestDB(t)
	repo := NewGormMonthlySummaryRepository(db)
	ctx := context.Background()
	tenantID := uuid.New()
	limits := starterLimits(t)

	const workers = 100
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event, err := metering.NewUsageEvent(tenantID, metering.EventKindSMS, 1, decimal.NewFromFloat(0.05))
			if err != nil {
				errs <- err
				return
			}
			errs <- repo.Apply(ctx, event, limits)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	summary, err := repo.Get(ctx, tenantID, metering.BillingMonthOf(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(workers), summary.TallyFor(metering.EventKindSMS).Count)
	assert.InDelta(t, 5.0, summary.TotalCost.InexactFloat64(), 0.001)
}

func TestMonthlySummaryRepository_Get(t *testing.T) {
	db := setupSummaryTestDB(t)
	repo := NewGormMonthlySummaryRepository(db)
	ctx := context.Background()

	t.Run("missing summary", func(t *testing.T) {
		_, err := repo.Get(ctx, uuid.New(), "2026-08")
		assert.ErrorIs(t, err, metering.ErrSummaryNotFound)
	})
}

func TestMonthlySummaryRepository_ListByTenant(t *testing.T) {
	db := setupSummaryTestDB(t)
	repo := NewGormMonthlySummaryRepository(db)
	ctx := context.Background()
	tenantID := uuid.New()
	limits := starterLimits(t)

	months := []time.Time{
		time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
	}
	for _, occurredAt := range months {
		event := newSMSEvent(t, tenantID, 1)
		event.WithOccurredAt(occurredAt)
		require.NoError(t, repo.Apply(ctx, event, limits))
	}

	summaries, err := repo.ListByTenant(ctx, tenantID, 2)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "2026-08", summaries[0].BillingMonth)
	assert.Equal(t, "2026-07", summaries[1].BillingMonth)
}
