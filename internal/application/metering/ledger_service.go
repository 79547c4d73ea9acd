package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meterd/backend/internal/domain/identity"
	"github.com/meterd/backend/internal/domain/metering"
	"github.com/meterd/backend/internal/infrastructure/telemetry"
)

// RecordUsageInput contains input for recording a usage event
type RecordUsageInput struct {
	TenantID uuid.UUID `json:"tenant_id" binding:"required"`
	Kind     string    `json:"kind" binding:"required"`
	Quantity int64     `json:"quantity" binding:"required"`
	// OccurredAt lets callers backfill late-arriving events; nil means now
	OccurredAt *time.Time `json:"occurred_at"`
}

// UsageEventDTO is the API representation of a usage event
type UsageEventDTO struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	Kind         string          `json:"kind"`
	Quantity     int64           `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	OccurredAt   time.Time       `json:"occurred_at"`
	RecordedAt   time.Time       `json:"recorded_at"`
	BillingMonth string          `json:"billing_month"`
	SyncState    string          `json:"sync_state"`
	AttemptCount int             `json:"attempt_count,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

func usageEventToDTO(event *metering.UsageEvent) *UsageEventDTO {
	return &UsageEventDTO{
		ID:           event.ID,
		TenantID:     event.TenantID,
		Kind:         event.Kind.String(),
		Quantity:     event.Quantity,
		UnitCost:     event.UnitCost,
		TotalCost:    event.TotalCost,
		OccurredAt:   event.OccurredAt,
		RecordedAt:   event.RecordedAt,
		BillingMonth: event.BillingMonth(),
		SyncState:    event.SyncState.String(),
		AttemptCount: event.AttemptCount,
		LastError:    event.LastError,
	}
}

// UsageMetrics counts appended ledger events. Implementations must be cheap
// and non-blocking; a nil metrics sink disables instrumentation.
type UsageMetrics interface {
	RecordUsageEvent(ctx context.Context, tenantID uuid.UUID, kind string, totalCost decimal.Decimal)
}

// LedgerService records usage events. The unit cost is frozen from the
// pricing table at write time, so later price changes never alter history.
type LedgerService struct {
	ledger  metering.Ledger
	tenants identity.TenantRepository
	pricing *metering.PricingTable
	cache   SummaryCache
	metrics UsageMetrics
	logger  *zap.Logger
}

// NewLedgerService creates a new ledger service. The cache and metrics sink
// may be nil.
func NewLedgerService(
	ledger metering.Ledger,
	tenants identity.TenantRepository,
	pricing *metering.PricingTable,
	cache SummaryCache,
	metrics UsageMetrics,
	logger *zap.Logger,
) *LedgerService {
	return &LedgerService{
		ledger:  ledger,
		tenants: tenants,
		pricing: pricing,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
	}
}

// recorded runs the post-append bookkeeping shared by usage and adjustment
// events: the cached summary for the event's month is now stale, and the
// ingestion counters tick.
func (s *LedgerService) recorded(ctx context.Context, event *metering.UsageEvent) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, event.TenantID, event.BillingMonth())
	}
	if s.metrics != nil {
		s.metrics.RecordUsageEvent(ctx, event.TenantID, event.Kind.String(), event.TotalCost)
	}
}

// RecordUsage validates and appends a usage event, updating the tenant's
// monthly summary in the same transaction. Recording never blocks on quota:
// exceeded kinds keep accruing and are priced at overage rates downstream.
func (s *LedgerService) RecordUsage(ctx context.Context, input RecordUsageInput) (*UsageEventDTO, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "usage", "record")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrTenantID, input.TenantID.String(),
		telemetry.SpanAttrEventKind, input.Kind,
		telemetry.SpanAttrQuantity, input.Quantity,
	)

	kind, err := metering.ParseEventKind(input.Kind)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	tenant, err := s.tenants.FindByID(ctx, input.TenantID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to resolve tenant: %w", err)
	}

	limits, err := s.pricing.LimitsFor(tenant.Tier)
	if err != nil {
		return nil, err
	}

	event, err := metering.NewUsageEvent(tenant.ID, kind, input.Quantity, s.pricing.CostOf(kind))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if input.OccurredAt != nil {
		event.WithOccurredAt(*input.OccurredAt)
	}

	if err := s.ledger.Append(ctx, event, limits); err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("Failed to append usage event",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("kind", kind.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	s.recorded(ctx, event)
	telemetry.SetAttributes(span,
		telemetry.SpanAttrEventID, event.ID.String(),
		telemetry.SpanAttrBillingMonth, event.BillingMonth(),
	)

	s.logger.Debug("Recorded usage event",
		zap.String("event_id", event.ID.String()),
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("kind", kind.String()),
		zap.Int64("quantity", event.Quantity),
		zap.String("billing_month", event.BillingMonth()))

	return usageEventToDTO(event), nil
}

// RecordAdjustment appends an offsetting event with a negative quantity.
// The original event is never touched; adjustments are new ledger entries
// and are not mirrored to the billing provider.
func (s *LedgerService) RecordAdjustment(ctx context.Context, input RecordUsageInput) (*UsageEventDTO, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "usage", "adjust")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrTenantID, input.TenantID.String(),
		telemetry.SpanAttrEventKind, input.Kind,
		telemetry.SpanAttrQuantity, input.Quantity,
	)

	kind, err := metering.ParseEventKind(input.Kind)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	tenant, err := s.tenants.FindByID(ctx, input.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tenant: %w", err)
	}

	limits, err := s.pricing.LimitsFor(tenant.Tier)
	if err != nil {
		return nil, err
	}

	event, err := metering.NewAdjustmentEvent(tenant.ID, kind, input.Quantity, s.pricing.CostOf(kind))
	if err != nil {
		return nil, err
	}
	if input.OccurredAt != nil {
		event.WithOccurredAt(*input.OccurredAt)
	}

	if err := s.ledger.Append(ctx, event, limits); err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error("Failed to append adjustment event",
			zap.String("tenant_id", tenant.ID.String()),
			zap.String("kind", kind.String()),
			zap.Error(err))
		return nil, fmt.Errorf("failed to record adjustment: %w", err)
	}
	s.recorded(ctx, event)

	s.logger.Info("Recorded adjustment event",
		zap.String("event_id", event.ID.String()),
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("kind", kind.String()),
		zap.Int64("quantity", event.Quantity))

	return usageEventToDTO(event), nil
}
