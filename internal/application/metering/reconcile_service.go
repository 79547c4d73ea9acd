package metering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterd/backend/internal/domain/identity"
	"github.com/meterd/backend/internal/domain/metering"
	"github.com/meterd/backend/internal/domain/shared"
	"github.com/meterd/backend/internal/infrastructure/billing"
	"github.com/meterd/backend/internal/infrastructure/telemetry"
)

// ReconcileConfig contains configuration for the reconciliation pass
type ReconcileConfig struct {
	// BatchSize is the number of events discovered per pass
	BatchSize int

	// Workers is the number of concurrent submitters per pass
	Workers int

	// MaxAttempts is the attempt ceiling before an event is dead-lettered
	MaxAttempts int

	// BackoffBase is the delay after the first failure (exponential backoff)
	BackoffBase time.Duration

	// BackoffMax caps the backoff delay
	BackoffMax time.Duration

	// LeaseDuration is how long a worker's claim on an event lasts
	LeaseDuration time.Duration

	// ProviderTimeout bounds each provider call
	ProviderTimeout time.Duration
}

// DefaultReconcileConfig returns default configuration
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		BatchSize:       50,
		Workers:         4,
		MaxAttempts:     8,
		BackoffBase:     30 * time.Second,
		BackoffMax:      6 * time.Hour,
		LeaseDuration:   time.Minute,
		ProviderTimeout: 10 * time.Second,
	}
}

// SyncReport summarizes one reconciliation pass
type SyncReport struct {
	Discovered     int   `json:"discovered"`
	Synced         int   `json:"synced"`
	Failed         int   `json:"failed"`
	DeadLettered   int   `json:"dead_lettered"`
	ClaimLost      int   `json:"claim_lost"`
	LeasesReleased int64 `json:"leases_released"`
}

// SyncStats is the current shape of the ledger's sync states
type SyncStats struct {
	Pending      int64 `json:"pending"`
	InFlight     int64 `json:"in_flight"`
	Synced       int64 `json:"synced"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
}

// DeadLetterPage is one page of dead-lettered events
type DeadLetterPage struct {
	Events []*UsageEventDTO `json:"events"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// SyncMetrics counts provider submission attempts by outcome (synced,
// failed, dead_lettered, claim_lost). A nil sink disables instrumentation.
type SyncMetrics interface {
	RecordSyncAttempt(ctx context.Context, outcome string)
}

// ReconcileService pushes pending and retry-due usage events to the billing
// provider. Claims are lease-based so concurrent passes never submit the same
// event twice, and the event ID doubles as the provider idempotency key so
// even a lost acknowledgement cannot double-charge.
type ReconcileService struct {
	events   metering.UsageEventRepository
	tenants  identity.TenantRepository
	provider billing.Provider
	metrics  SyncMetrics
	logger   *zap.Logger
	config   ReconcileConfig
}

// NewReconcileService creates a new reconcile service. The metrics sink may
// be nil.
func NewReconcileService(
	events metering.UsageEventRepository,
	tenants identity.TenantRepository,
	provider billing.Provider,
	metrics SyncMetrics,
	logger *zap.Logger,
	config ReconcileConfig,
) *ReconcileService {
	return &ReconcileService{
		events:   events,
		tenants:  tenants,
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		config:   config,
	}
}

// SyncBatch runs one reconciliation pass: release lapsed leases, discover
// eligible events oldest first, then claim and submit each one.
func (s *ReconcileService) SyncBatch(ctx context.Context) (*SyncReport, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "reconcile", "sync_batch")
	defer span.End()

	report := &SyncReport{}

	released, err := s.events.ReleaseExpiredLeases(ctx, time.Now())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to release expired leases: %w", err)
	}
	report.LeasesReleased = released
	if released > 0 {
		s.logger.Warn("Released expired leases", zap.Int64("count", released))
	}

	eligible, err := s.events.ListEligible(ctx, time.Now(), s.config.MaxAttempts, s.config.BatchSize)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to discover eligible events: %w", err)
	}
	report.Discovered = len(eligible)
	telemetry.SetAttribute(span, telemetry.SpanAttrBatchSize, len(eligible))
	if len(eligible) == 0 {
		return report, nil
	}

	workers := s.config.Workers
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	queue := make(chan *metering.UsageEvent)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range queue {
				outcome := s.submitOne(ctx, event)
				if s.metrics != nil {
					s.metrics.RecordSyncAttempt(ctx, string(outcome))
				}
				mu.Lock()
				switch outcome {
				case outcomeSynced:
					report.Synced++
				case outcomeFailed:
					report.Failed++
				case outcomeDeadLettered:
					report.DeadLettered++
				case outcomeClaimLost:
					report.ClaimLost++
				}
				mu.Unlock()
			}
		}()
	}

	for _, event := range eligible {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return report, ctx.Err()
		case queue <- event:
		}
	}
	close(queue)
	wg.Wait()

	s.logger.Info("Completed reconciliation pass",
		zap.Int("discovered", report.Discovered),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed),
		zap.Int("dead_lettered", report.DeadLettered),
		zap.Int("claim_lost", report.ClaimLost))

	return report, nil
}

type submitOutcome string

const (
	outcomeSynced       submitOutcome = "synced"
	outcomeFailed       submitOutcome = "failed"
	outcomeDeadLettered submitOutcome = "dead_lettered"
	outcomeClaimLost    submitOutcome = "claim_lost"
)

// submitOne claims an event, submits it to the provider and records the
// result. Every state update is guarded by the lease token, so a worker that
// lost its lease cannot clobber another worker's result.
func (s *ReconcileService) submitOne(ctx context.Context, event *metering.UsageEvent) submitOutcome {
	leaseToken := uuid.NewString()
	leaseExpiresAt := time.Now().Add(s.config.LeaseDuration)

	claimed, err := s.events.Claim(ctx, event.ID, leaseToken, leaseExpiresAt)
	if err != nil {
		s.logger.Error("Failed to claim event",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return outcomeClaimLost
	}
	if !claimed {
		return outcomeClaimLost
	}

	externalRef := ""
	tenant, err := s.tenants.FindByID(ctx, event.TenantID)
	if err == nil {
		externalRef = tenant.ExternalBillingRef
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	result, err := s.provider.SubmitUsage(callCtx, billing.SubmitRequest{
		TenantID:       event.TenantID,
		ExternalRef:    externalRef,
		Kind:           event.Kind,
		Quantity:       event.Quantity,
		OccurredAt:     event.OccurredAt,
		IdempotencyKey: event.IdempotencyKey(),
	})
	if err != nil {
		return s.recordFailure(ctx, event, leaseToken, err)
	}

	if err := s.events.MarkSynced(ctx, event.ID, leaseToken, result.ProviderRecordID); err != nil {
		// The provider accepted the usage but our lease lapsed before the
		// acknowledgement landed. The event goes back to pending and the
		// idempotency key makes the replay harmless.
		s.logger.Warn("Provider accepted but lease was lost",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return outcomeClaimLost
	}

	s.logger.Debug("Synced usage event",
		zap.String("event_id", event.ID.String()),
		zap.String("provider_record_id", result.ProviderRecordID))
	return outcomeSynced
}

func (s *ReconcileService) recordFailure(ctx context.Context, event *metering.UsageEvent, leaseToken string, submitErr error) submitOutcome {
	if billing.IsPermanent(submitErr) {
		if err := s.events.MarkDeadLettered(ctx, event.ID, leaseToken, submitErr.Error(), s.config.MaxAttempts); err != nil {
			s.logger.Error("Failed to dead-letter event",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			return outcomeClaimLost
		}
		telemetry.AddEvent(telemetry.SpanFromContext(ctx), "event_dead_lettered",
			telemetry.SpanAttrEventID, event.ID.String(),
			telemetry.SpanAttrAttempt, event.AttemptCount,
		)
		s.logger.Warn("Dead-lettered usage event",
			zap.String("event_id", event.ID.String()),
			zap.String("reason", submitErr.Error()))
		return outcomeDeadLettered
	}

	nextAttemptAt := time.Now().Add(s.backoff(event.AttemptCount + 1))
	if err := s.events.MarkFailed(ctx, event.ID, leaseToken, submitErr.Error(), nextAttemptAt); err != nil {
		s.logger.Error("Failed to record submission failure",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		return outcomeClaimLost
	}

	s.logger.Warn("Usage event submission failed",
		zap.String("event_id", event.ID.String()),
		zap.Int("attempt", event.AttemptCount+1),
		zap.Time("next_attempt_at", nextAttemptAt),
		zap.Error(submitErr))
	return outcomeFailed
}

// backoff computes the delay before the next attempt given the number of
// failures so far: base * 2^attemptCount, capped at the configured maximum.
// After the nth consecutive failure the retry waits at least base * 2^n.
func (s *ReconcileService) backoff(attemptCount int) time.Duration {
	// Prevent overflow - cap at reasonable exponent
	if attemptCount > 30 {
		return s.config.BackoffMax
	}

	delay := s.config.BackoffBase * time.Duration(1<<uint(attemptCount))
	if delay > s.config.BackoffMax || delay <= 0 {
		delay = s.config.BackoffMax
	}
	return delay
}

// Stats returns event counts per sync state, with dead-lettered events
// split out of the failed bucket.
func (s *ReconcileService) Stats(ctx context.Context) (*SyncStats, error) {
	counts, err := s.events.CountBySyncState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	_, deadLettered, err := s.events.ListDeadLettered(ctx, s.config.MaxAttempts, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead-lettered events: %w", err)
	}

	return &SyncStats{
		Pending:      counts[metering.SyncStatePending],
		InFlight:     counts[metering.SyncStateInFlight],
		Synced:       counts[metering.SyncStateSynced],
		Failed:       counts[metering.SyncStateFailed] - deadLettered,
		DeadLettered: deadLettered,
	}, nil
}

// DeadLetters returns a page of events that exhausted their attempts
func (s *ReconcileService) DeadLetters(ctx context.Context, limit, offset int) (*DeadLetterPage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	events, total, err := s.events.ListDeadLettered(ctx, s.config.MaxAttempts, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-lettered events: %w", err)
	}

	dtos := make([]*UsageEventDTO, 0, len(events))
	for _, event := range events {
		dtos = append(dtos, usageEventToDTO(event))
	}
	return &DeadLetterPage{Events: dtos, Total: total, Limit: limit, Offset: offset}, nil
}

// Requeue resets a dead-lettered event for a fresh round of attempts.
// Only operators call this, typically after fixing the underlying rejection.
func (s *ReconcileService) Requeue(ctx context.Context, id uuid.UUID) (*UsageEventDTO, error) {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !event.IsDeadLettered(s.config.MaxAttempts) {
		return nil, shared.NewDomainError("INVALID_STATE", fmt.Sprintf("event %s is not dead-lettered", id))
	}

	if err := s.events.Requeue(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to requeue event: %w", err)
	}

	s.logger.Info("Requeued dead-lettered event", zap.String("event_id", id.String()))

	event, err = s.events.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return usageEventToDTO(event), nil
}
