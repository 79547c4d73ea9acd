package metering

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterd/backend/internal/domain/shared"
)

// UsageEvent is one immutable entry in the append-only usage ledger.
// After creation the billable fields (tenant, kind, quantity, costs,
// occurrence time) never change; corrections are recorded as new
// offsetting events. Only the sync bookkeeping fields are mutable,
// and only the reconciler mutates them.
//
// The event ID doubles as the idempotency key for external submission,
// so a retried submission of the same event can never double-charge.
type UsageEvent struct {
	shared.BaseEntity
	TenantID   uuid.UUID
	Kind       EventKind
	Quantity   int64
	UnitCost   decimal.Decimal // frozen at write time, never re-read from pricing
	TotalCost  decimal.Decimal // quantity * unit cost, computed once
	OccurredAt time.Time       // event time, used for month bucketing
	RecordedAt time.Time       // ingestion time

	SyncState      SyncState
	ExternalRef    string
	LastError      string
	AttemptCount   int
	NextAttemptAt  time.Time
	LeaseToken     string
	LeaseExpiresAt *time.Time
}

// NewUsageEvent creates a validated usage event with the unit cost frozen
// from the pricing table current at call time.
func NewUsageEvent(tenantID uuid.UUID, kind EventKind, quantity int64, unitCost decimal.Decimal) (*UsageEvent, error) {
	if tenantID == uuid.Nil {
		return nil, ErrInvalidTenant
	}
	if !kind.IsValid() {
		return nil, ErrUnknownEventKind
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	now := time.Now().UTC()
	return &UsageEvent{
		BaseEntity: shared.NewBaseEntity(),
		TenantID:   tenantID,
		Kind:       kind,
		Quantity:   quantity,
		UnitCost:   unitCost,
		TotalCost:  unitCost.Mul(decimal.NewFromInt(quantity)),
		OccurredAt: now,
		RecordedAt: now,
		SyncState:  SyncStatePending,
	}, nil
}

// NewAdjustmentEvent creates an offsetting event with a negative quantity.
// Adjustments are how corrections enter the ledger; existing events are
// never edited or deleted.
func NewAdjustmentEvent(tenantID uuid.UUID, kind EventKind, quantity int64, unitCost decimal.Decimal) (*UsageEvent, error) {
	if tenantID == uuid.Nil {
		return nil, ErrInvalidTenant
	}
	if !kind.IsValid() {
		return nil, ErrUnknownEventKind
	}
	if quantity >= 0 {
		return nil, shared.NewDomainError("INVALID_EVENT", "Adjustment quantity must be negative")
	}

	now := time.Now().UTC()
	return &UsageEvent{
		BaseEntity: shared.NewBaseEntity(),
		TenantID:   tenantID,
		Kind:       kind,
		Quantity:   quantity,
		UnitCost:   unitCost,
		TotalCost:  unitCost.Mul(decimal.NewFromInt(quantity)),
		OccurredAt: now,
		RecordedAt: now,
		// Adjustments are local corrections and are not mirrored
		// to the provider, so they start life already synced.
		SyncState: SyncStateSynced,
	}, nil
}

// WithOccurredAt sets a custom occurrence time (useful for late-arriving events)
func (e *UsageEvent) WithOccurredAt(t time.Time) *UsageEvent {
	e.OccurredAt = t.UTC()
	return e
}

// BillingMonth returns the month bucket this event falls into, as "YYYY-MM" in UTC
func (e *UsageEvent) BillingMonth() string {
	return e.OccurredAt.UTC().Format("2006-01")
}

// IdempotencyKey returns the key used to de-duplicate submissions on the
// provider side. It is simply the event's own ID.
func (e *UsageEvent) IdempotencyKey() string {
	return e.ID.String()
}

// MarkInFlight records a worker's claim on the event
func (e *UsageEvent) MarkInFlight(leaseToken string, leaseExpiresAt time.Time) {
	e.SyncState = SyncStateInFlight
	e.LeaseToken = leaseToken
	e.LeaseExpiresAt = &leaseExpiresAt
	e.UpdatedAt = time.Now().UTC()
}

// MarkSynced records a successful submission to the provider
func (e *UsageEvent) MarkSynced(externalRef string) {
	e.SyncState = SyncStateSynced
	e.ExternalRef = externalRef
	e.LastError = ""
	e.LeaseToken = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = time.Now().UTC()
}

// MarkFailed records a transient submission failure and schedules the next attempt
func (e *UsageEvent) MarkFailed(lastError string, nextAttemptAt time.Time) {
	e.SyncState = SyncStateFailed
	e.LastError = lastError
	e.AttemptCount++
	e.NextAttemptAt = nextAttemptAt
	e.LeaseToken = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = time.Now().UTC()
}

// MarkDeadLettered records a permanent rejection. The attempt count jumps to
// maxAttempts so the discovery query never picks the event up again; it is
// surfaced through the dead-letter view instead.
func (e *UsageEvent) MarkDeadLettered(lastError string, maxAttempts int) {
	e.SyncState = SyncStateFailed
	e.LastError = lastError
	e.AttemptCount = maxAttempts
	e.LeaseToken = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = time.Now().UTC()
}

// IsDeadLettered reports whether the event has exhausted its attempts
func (e *UsageEvent) IsDeadLettered(maxAttempts int) bool {
	return e.SyncState == SyncStateFailed && e.AttemptCount >= maxAttempts
}

// LeaseExpired reports whether a claim on the event has lapsed
func (e *UsageEvent) LeaseExpired(now time.Time) bool {
	return e.SyncState == SyncStateInFlight && e.LeaseExpiresAt != nil && !now.Before(*e.LeaseExpiresAt)
}
