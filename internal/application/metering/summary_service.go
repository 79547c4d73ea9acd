package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meterd/backend/internal/domain/identity"
	"github.com/meterd/backend/internal/domain/metering"
	"github.com/meterd/backend/internal/domain/shared"
)

// KindTallyDTO is the API representation of one kind's monthly counters
type KindTallyDTO struct {
	Kind            string          `json:"kind"`
	Count           int64           `json:"count"`
	Cost            decimal.Decimal `json:"cost"`
	Limit           int64           `json:"limit"`
	Exceeded        bool            `json:"exceeded"`
	FirstExceededAt *time.Time      `json:"first_exceeded_at,omitempty"`
}

// MonthlySummaryDTO is the API representation of a tenant's billing month
type MonthlySummaryDTO struct {
	TenantID     uuid.UUID       `json:"tenant_id"`
	BillingMonth string          `json:"billing_month"`
	Kinds        []KindTallyDTO  `json:"kinds"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func summaryToDTO(summary *metering.MonthlySummary) *MonthlySummaryDTO {
	kinds := make([]KindTallyDTO, 0, len(metering.AllEventKinds()))
	for _, kind := range metering.AllEventKinds() {
		tally := summary.TallyFor(kind)
		kinds = append(kinds, KindTallyDTO{
			Kind:            kind.String(),
			Count:           tally.Count,
			Cost:            tally.Cost,
			Limit:           tally.Limit,
			Exceeded:        tally.Exceeded,
			FirstExceededAt: tally.FirstExceededAt,
		})
	}
	return &MonthlySummaryDTO{
		TenantID:     summary.TenantID,
		BillingMonth: summary.BillingMonth,
		Kinds:        kinds,
		TotalCost:    summary.TotalCost,
		UpdatedAt:    summary.UpdatedAt,
	}
}

// SummaryCache is a short-TTL read-through cache over summary rows. Staleness
// is bounded by the TTL; the database row stays the source of truth.
type SummaryCache interface {
	Get(ctx context.Context, tenantID uuid.UUID, billingMonth string) (*metering.MonthlySummary, bool)
	Set(ctx context.Context, summary *metering.MonthlySummary)
	Invalidate(ctx context.Context, tenantID uuid.UUID, billingMonth string)
}

// SummaryService serves billing summaries and quota positions from the
// aggregate rows. It never recomputes from the event table.
type SummaryService struct {
	summaries metering.MonthlySummaryRepository
	tenants   identity.TenantRepository
	pricing   *metering.PricingTable
	cache     SummaryCache
	logger    *zap.Logger
}

// NewSummaryService creates a new summary service. The cache may be nil.
func NewSummaryService(
	summaries metering.MonthlySummaryRepository,
	tenants identity.TenantRepository,
	pricing *metering.PricingTable,
	cache SummaryCache,
	logger *zap.Logger,
) *SummaryService {
	return &SummaryService{
		summaries: summaries,
		tenants:   tenants,
		pricing:   pricing,
		cache:     cache,
		logger:    logger,
	}
}

// GetSummary returns a tenant's summary for the given "YYYY-MM" month.
// An empty month means the current month.
func (s *SummaryService) GetSummary(ctx context.Context, tenantID uuid.UUID, billingMonth string) (*MonthlySummaryDTO, error) {
	if billingMonth == "" {
		billingMonth = metering.BillingMonthOf(time.Now())
	}
	if _, err := time.Parse("2006-01", billingMonth); err != nil {
		return nil, shared.NewDomainError("INVALID_INPUT",
			fmt.Sprintf("invalid billing month %q: expected YYYY-MM", billingMonth))
	}

	summary, err := s.loadSummary(ctx, tenantID, billingMonth)
	if err != nil {
		return nil, err
	}
	return summaryToDTO(summary), nil
}

// ListSummaries returns a tenant's recent months, newest first
func (s *SummaryService) ListSummaries(ctx context.Context, tenantID uuid.UUID, limit int) ([]*MonthlySummaryDTO, error) {
	if limit <= 0 || limit > 36 {
		limit = 12
	}
	summaries, err := s.summaries.ListByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}

	dtos := make([]*MonthlySummaryDTO, 0, len(summaries))
	for _, summary := range summaries {
		dtos = append(dtos, summaryToDTO(summary))
	}
	return dtos, nil
}

// CheckLimits reports the current month's quota position per kind for a
// tenant: count against the snapshotted limit, grace progress, and the
// overage rate that applies past the grace window. It only reports; the
// caller decides whether to act on an exceeded kind.
func (s *SummaryService) CheckLimits(ctx context.Context, tenantID uuid.UUID) ([]metering.LimitStatus, error) {
	tenant, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tenant: %w", err)
	}

	limits, err := s.pricing.LimitsFor(tenant.Tier)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	billingMonth := metering.BillingMonthOf(now)

	summary, err := s.loadSummary(ctx, tenantID, billingMonth)
	if err != nil {
		// A tenant with no events this month has a clean quota position
		if errors.Is(err, metering.ErrSummaryNotFound) {
			summary = metering.NewMonthlySummary(tenantID, billingMonth, limits)
		} else {
			return nil, err
		}
	}

	statuses := make([]metering.LimitStatus, 0, len(metering.AllEventKinds()))
	for _, kind := range metering.AllEventKinds() {
		tally := summary.TallyFor(kind)
		statuses = append(statuses, metering.LimitStatus{
			Kind:             kind,
			Current:          tally.Count,
			Limit:            tally.Limit,
			Exceeded:         tally.Exceeded,
			GraceDaysElapsed: summary.GraceDaysElapsed(kind, now),
			GracePeriodDays:  limits.GracePeriodDays,
			OverageRate:      limits.OverageRateFor(kind),
		})
	}
	return statuses, nil
}

func (s *SummaryService) loadSummary(ctx context.Context, tenantID uuid.UUID, billingMonth string) (*metering.MonthlySummary, error) {
	if s.cache != nil {
		if summary, ok := s.cache.Get(ctx, tenantID, billingMonth); ok {
			return summary, nil
		}
	}

	summary, err := s.summaries.Get(ctx, tenantID, billingMonth)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, summary)
	}
	return summary, nil
}
