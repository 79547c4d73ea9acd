package metering

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Tier identifies a subscription plan
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// UnlimitedQuota is the sentinel limit for kinds with no monthly cap
const UnlimitedQuota int64 = -1

// IsValid checks if the tier is a known value
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierStarter, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// String returns the string representation
func (t Tier) String() string {
	return string(t)
}

// ParseTier parses a string into a Tier, rejecting unknown values
func ParseTier(s string) (Tier, error) {
	tier := Tier(s)
	if !tier.IsValid() {
		return "", ErrUnknownTier
	}
	return tier, nil
}

// TierLimits holds a tier's monthly quotas, overage rates and grace window.
// A limit of UnlimitedQuota means the kind is never capped for this tier.
type TierLimits struct {
	Tier            Tier
	Limits          map[EventKind]int64
	OverageRates    map[EventKind]decimal.Decimal
	GracePeriodDays int
}

// LimitFor returns the monthly quota for a kind, defaulting to zero for
// kinds the tier does not include.
func (l TierLimits) LimitFor(kind EventKind) int64 {
	if limit, ok := l.Limits[kind]; ok {
		return limit
	}
	return 0
}

// OverageRateFor returns the per-unit overage cost for a kind
func (l TierLimits) OverageRateFor(kind EventKind) decimal.Decimal {
	if rate, ok := l.OverageRates[kind]; ok {
		return rate
	}
	return decimal.Zero
}

// PricingTable maps event kinds to unit costs and tiers to their limits.
// Unit costs may be updated at runtime; events already recorded keep the
// cost that was current when they were written.
type PricingTable struct {
	mu        sync.RWMutex
	unitCosts map[EventKind]decimal.Decimal
	tiers     map[Tier]TierLimits
}

// NewPricingTable creates a pricing table with the given unit costs and tier limits
func NewPricingTable(unitCosts map[EventKind]decimal.Decimal, tiers map[Tier]TierLimits) *PricingTable {
	costs := make(map[EventKind]decimal.Decimal, len(unitCosts))
	for k, v := range unitCosts {
		costs[k] = v
	}
	tierCopy := make(map[Tier]TierLimits, len(tiers))
	for k, v := range tiers {
		tierCopy[k] = v
	}
	return &PricingTable{unitCosts: costs, tiers: tierCopy}
}

// DefaultPricingTable returns the standard catalog
func DefaultPricingTable() *PricingTable {
	return NewPricingTable(
		map[EventKind]decimal.Decimal{
			EventKindInvitation: decimal.NewFromFloat(0.01),
			EventKindSMS:        decimal.NewFromFloat(0.05),
			EventKindAIQuery:    decimal.NewFromFloat(0.02),
			EventKindWhatsApp:   decimal.NewFromFloat(0.04),
			EventKindEmail:      decimal.NewFromFloat(0.001),
		},
		map[Tier]TierLimits{
			TierFree: {
				Tier: TierFree,
				Limits: map[EventKind]int64{
					EventKindInvitation: 100,
					EventKindSMS:        0,
					EventKindAIQuery:    10,
					EventKindWhatsApp:   0,
					EventKindEmail:      100,
				},
				OverageRates:    map[EventKind]decimal.Decimal{},
				GracePeriodDays: 0,
			},
			TierStarter: {
				Tier: TierStarter,
				Limits: map[EventKind]int64{
					EventKindInvitation: 1000,
					EventKindSMS:        1000,
					EventKindAIQuery:    100,
					EventKindWhatsApp:   500,
					EventKindEmail:      2000,
				},
				OverageRates: map[EventKind]decimal.Decimal{
					EventKindInvitation: decimal.NewFromFloat(0.015),
					EventKindSMS:        decimal.NewFromFloat(0.06),
					EventKindAIQuery:    decimal.NewFromFloat(0.03),
					EventKindWhatsApp:   decimal.NewFromFloat(0.05),
					EventKindEmail:      decimal.NewFromFloat(0.002),
				},
				GracePeriodDays: 3,
			},
			TierProfessional: {
				Tier: TierProfessional,
				Limits: map[EventKind]int64{
					EventKindInvitation: 5000,
					EventKindSMS:        5000,
					EventKindAIQuery:    1000,
					EventKindWhatsApp:   5000,
					EventKindEmail:      20000,
				},
				OverageRates: map[EventKind]decimal.Decimal{
					EventKindInvitation: decimal.NewFromFloat(0.012),
					EventKindSMS:        decimal.NewFromFloat(0.055),
					EventKindAIQuery:    decimal.NewFromFloat(0.025),
					EventKindWhatsApp:   decimal.NewFromFloat(0.045),
					EventKindEmail:      decimal.NewFromFloat(0.0015),
				},
				GracePeriodDays: 7,
			},
			TierEnterprise: {
				Tier: TierEnterprise,
				Limits: map[EventKind]int64{
					EventKindInvitation: UnlimitedQuota,
					EventKindSMS:        UnlimitedQuota,
					EventKindAIQuery:    UnlimitedQuota,
					EventKindWhatsApp:   UnlimitedQuota,
					EventKindEmail:      UnlimitedQuota,
				},
				OverageRates:    map[EventKind]decimal.Decimal{},
				GracePeriodDays: 30,
			},
		},
	)
}

// CostOf returns the current unit cost for a kind. Kinds missing from the
// catalog cost zero.
func (p *PricingTable) CostOf(kind EventKind) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cost, ok := p.unitCosts[kind]; ok {
		return cost
	}
	return decimal.Zero
}

// SetUnitCost updates the unit cost for a kind. The change applies only to
// events recorded afterwards.
func (p *PricingTable) SetUnitCost(kind EventKind, cost decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unitCosts[kind] = cost
}

// LimitsFor returns the limits for a tier
func (p *PricingTable) LimitsFor(tier Tier) (TierLimits, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	limits, ok := p.tiers[tier]
	if !ok {
		return TierLimits{}, ErrUnknownTier
	}
	return limits, nil
}
