package identity

import (
	"strings"
	"time"

	"github.com/meterd/backend/internal/domain/metering"
	"github.com/meterd/backend/internal/domain/shared"
)

// TenantStatus represents the status of a tenant
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
)

// Tenant represents a metered customer account. Every usage event and
// summary row is partitioned by tenant.
type Tenant struct {
	shared.BaseAggregateRoot
	Code   string        `gorm:"type:varchar(50);not null;uniqueIndex"`
	Name   string        `gorm:"type:varchar(200);not null"`
	Status TenantStatus  `gorm:"type:varchar(20);not null;default:'active'"`
	Tier   metering.Tier `gorm:"type:varchar(20);not null;default:'free'"`
	// ExternalBillingRef is the customer reference on the metered-billing
	// provider's side, passed along with every usage submission.
	ExternalBillingRef string `gorm:"type:varchar(200)"`
	// TierChangedAt records when the tier last changed. Tier changes take
	// effect for quota snapshots at the start of the following month.
	TierChangedAt *time.Time
}

// TableName returns the table name for GORM
func (Tenant) TableName() string {
	return "tenants"
}

// NewTenant creates a new tenant on the free tier
func NewTenant(code, name string) (*Tenant, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || len(code) > 50 {
		return nil, shared.NewDomainError("INVALID_CODE", "Tenant code must be 1-50 characters")
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 200 {
		return nil, shared.NewDomainError("INVALID_NAME", "Tenant name must be 1-200 characters")
	}

	return &Tenant{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		Code:              code,
		Name:              name,
		Status:            TenantStatusActive,
		Tier:              metering.TierFree,
	}, nil
}

// SetTier changes the tenant's subscription tier
func (t *Tenant) SetTier(tier metering.Tier) error {
	if !tier.IsValid() {
		return metering.ErrUnknownTier
	}
	if tier == t.Tier {
		return nil
	}

	now := time.Now().UTC()
	t.Tier = tier
	t.TierChangedAt = &now
	t.UpdatedAt = now
	t.IncrementVersion()
	return nil
}

// SetExternalBillingRef links the tenant to its provider-side customer record
func (t *Tenant) SetExternalBillingRef(ref string) error {
	if len(ref) > 200 {
		return shared.NewDomainError("INVALID_BILLING_REF", "Billing reference cannot exceed 200 characters")
	}
	t.ExternalBillingRef = ref
	t.UpdatedAt = time.Now().UTC()
	t.IncrementVersion()
	return nil
}

// Suspend marks the tenant as suspended. Suspension does not stop metering;
// events keep accruing so the ledger stays complete.
func (t *Tenant) Suspend() {
	t.Status = TenantStatusSuspended
	t.UpdatedAt = time.Now().UTC()
	t.IncrementVersion()
}

// Activate returns a suspended tenant to active status
func (t *Tenant) Activate() {
	t.Status = TenantStatusActive
	t.UpdatedAt = time.Now().UTC()
	t.IncrementVersion()
}

// IsActive returns true if the tenant is active
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}
