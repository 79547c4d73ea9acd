package metering

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meterd/backend/internal/domain/shared"
)

// KindTally holds the per-kind counters of a monthly summary
type KindTally struct {
	Count           int64
	Cost            decimal.Decimal
	Limit           int64 // snapshotted from the tenant's tier, UnlimitedQuota means no cap
	Exceeded        bool
	FirstExceededAt *time.Time
}

// MonthlySummary is the single aggregate row for one tenant and one billing
// month. It is upserted on every ledger append and is the only read path for
// dashboards and quota checks; it is never recomputed from the event table.
//
// Limits are snapshotted from the tenant's tier at the first event of the
// month. A mid-month tier change takes effect the following month.
type MonthlySummary struct {
	shared.BaseEntity
	TenantID     uuid.UUID
	BillingMonth string // "YYYY-MM" in UTC
	Kinds        map[EventKind]KindTally
	TotalCost    decimal.Decimal
}

// NewMonthlySummary creates an empty summary seeded with the given tier limits
func NewMonthlySummary(tenantID uuid.UUID, billingMonth string, limits TierLimits) *MonthlySummary {
	kinds := make(map[EventKind]KindTally, len(AllEventKinds()))
	for _, kind := range AllEventKinds() {
		kinds[kind] = KindTally{
			Count: 0,
			Cost:  decimal.Zero,
			Limit: limits.LimitFor(kind),
		}
	}
	return &MonthlySummary{
		BaseEntity:   shared.NewBaseEntity(),
		TenantID:     tenantID,
		BillingMonth: billingMonth,
		Kinds:        kinds,
		TotalCost:    decimal.Zero,
	}
}

// ApplyEvent adds an event's quantity and cost to the matching kind's tally
// and recomputes the exceeded flag. Persistence performs the equivalent
// update as a single atomic statement; this method exists for seeding new
// rows and for in-memory reasoning in tests.
func (s *MonthlySummary) ApplyEvent(event *UsageEvent) {
	tally := s.Kinds[event.Kind]
	tally.Count += event.Quantity
	tally.Cost = tally.Cost.Add(event.TotalCost)
	wasExceeded := tally.Exceeded
	tally.Exceeded = tally.Limit != UnlimitedQuota && tally.Count > tally.Limit
	if tally.Exceeded && !wasExceeded && tally.FirstExceededAt == nil {
		now := time.Now().UTC()
		tally.FirstExceededAt = &now
	}
	s.Kinds[event.Kind] = tally
	s.TotalCost = s.TotalCost.Add(event.TotalCost)
	s.UpdatedAt = time.Now().UTC()
}

// TallyFor returns the tally for a kind, zero-valued if absent
func (s *MonthlySummary) TallyFor(kind EventKind) KindTally {
	if tally, ok := s.Kinds[kind]; ok {
		return tally
	}
	return KindTally{Cost: decimal.Zero}
}

// IsExceeded reports whether the kind's count has passed its snapshotted limit
func (s *MonthlySummary) IsExceeded(kind EventKind) bool {
	return s.TallyFor(kind).Exceeded
}

// GraceDaysElapsed returns whole days since the kind first exceeded its
// limit, or -1 if the kind has never exceeded.
func (s *MonthlySummary) GraceDaysElapsed(kind EventKind, now time.Time) int {
	tally := s.TallyFor(kind)
	if tally.FirstExceededAt == nil {
		return -1
	}
	return int(now.UTC().Sub(tally.FirstExceededAt.UTC()).Hours() / 24)
}

// BillingMonthOf formats a point in time as a "YYYY-MM" month bucket in UTC
func BillingMonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// LimitStatus is the quota position reported for one kind. Callers decide
// what to do with it; this subsystem never blocks an action itself.
type LimitStatus struct {
	Kind             EventKind       `json:"kind"`
	Current          int64           `json:"current"`
	Limit            int64           `json:"limit"`
	Exceeded         bool            `json:"exceeded"`
	GraceDaysElapsed int             `json:"grace_days_elapsed"` // -1 when never exceeded
	GracePeriodDays  int             `json:"grace_period_days"`
	OverageRate      decimal.Decimal `json:"overage_rate"`
}

// InGracePeriod reports whether the kind is exceeded but still inside the
// tier's grace window.
func (ls LimitStatus) InGracePeriod() bool {
	return ls.Exceeded && ls.GraceDaysElapsed >= 0 && ls.GraceDaysElapsed < ls.GracePeriodDays
}
