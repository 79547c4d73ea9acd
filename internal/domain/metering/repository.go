package metering

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger persists a usage event together with its monthly summary increment.
// Both writes happen in one transaction: no event may exist without its
// aggregate reflecting it, and vice versa.
type Ledger interface {
	// Append durably stores the event and applies it to the summary for
	// (event.TenantID, event.BillingMonth()). When no summary row exists
	// yet, one is created seeded with the given tier limits.
	Append(ctx context.Context, event *UsageEvent, limits TierLimits) error
}

// UsageEventRepository provides access to the append-only event ledger.
// Billable fields are write-once; only sync bookkeeping is ever updated.
type UsageEventRepository interface {
	// Create inserts a new event
	Create(ctx context.Context, event *UsageEvent) error

	// GetByID retrieves one event
	GetByID(ctx context.Context, id uuid.UUID) (*UsageEvent, error)

	// ListEligible returns up to limit events ready for submission, oldest
	// first: pending events, and failed events whose attempt count is below
	// maxAttempts and whose next attempt time has passed.
	ListEligible(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*UsageEvent, error)

	// Claim atomically moves an eligible event to in-flight under the given
	// lease token. It returns false when another worker got there first or
	// the event is no longer eligible.
	Claim(ctx context.Context, id uuid.UUID, leaseToken string, leaseExpiresAt time.Time) (bool, error)

	// ReleaseExpiredLeases returns events whose lease has lapsed to pending
	// so they become eligible again. Returns the number released.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	// MarkSynced records a provider acknowledgement. The update only applies
	// while the caller still holds the lease.
	MarkSynced(ctx context.Context, id uuid.UUID, leaseToken, externalRef string) error

	// MarkFailed records a transient failure, increments the attempt count
	// atomically and schedules the next attempt. Lease-guarded like MarkSynced.
	MarkFailed(ctx context.Context, id uuid.UUID, leaseToken, lastError string, nextAttemptAt time.Time) error

	// MarkDeadLettered records a permanent rejection, pinning the attempt
	// count to maxAttempts so discovery never returns the event again.
	MarkDeadLettered(ctx context.Context, id uuid.UUID, leaseToken, lastError string, maxAttempts int) error

	// ListDeadLettered returns failed events that exhausted their attempts,
	// newest first, with the total count for pagination.
	ListDeadLettered(ctx context.Context, maxAttempts, limit, offset int) ([]*UsageEvent, int64, error)

	// Requeue resets a dead-lettered event for a fresh round of attempts
	Requeue(ctx context.Context, id uuid.UUID) error

	// CountBySyncState returns event counts grouped by sync state
	CountBySyncState(ctx context.Context) (map[SyncState]int64, error)

	// SumQuantityByKind totals event quantities per kind for a tenant within
	// [from, to). Used by consistency checks, never by the read path.
	SumQuantityByKind(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (map[EventKind]int64, error)
}

// MonthlySummaryRepository provides access to aggregate rows
type MonthlySummaryRepository interface {
	// Apply upserts the summary for the event's (tenant, month): it creates
	// the row seeded with the given limits when absent, otherwise adds the
	// event's quantity and cost to the matching kind in a single atomic
	// statement. Concurrent calls for the same row must not lose increments.
	Apply(ctx context.Context, event *UsageEvent, limits TierLimits) error

	// Get retrieves the summary for a tenant and month, ErrSummaryNotFound
	// when the tenant has no events in that month.
	Get(ctx context.Context, tenantID uuid.UUID, billingMonth string) (*MonthlySummary, error)

	// ListByTenant returns a tenant's summaries, most recent month first
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*MonthlySummary, error)
}
