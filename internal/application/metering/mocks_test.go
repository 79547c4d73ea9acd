package metering

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/meterd/backend/internal/domain/identity"
	"github.com/meterd/backend/internal/domain/metering"
)

// mockLedger is a mock implementation of metering.Ledger
type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Append(ctx context.Context, event *metering.UsageEvent, limits metering.TierLimits) error {
	args := m.Called(ctx, event, limits)
	return args.Error(0)
}

// mockTenantRepo is a mock implementation of identity.TenantRepository
type mockTenantRepo struct {
	mock.Mock
}

func (m *mockTenantRepo) FindByID(ctx context.Context, id uuid.UUID) (*identity.Tenant, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.Tenant), args.Error(1)
}

func (m *mockTenantRepo) FindByCode(ctx context.Context, code string) (*identity.Tenant, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.Tenant), args.Error(1)
}

func (m *mockTenantRepo) FindAll(ctx context.Context) ([]identity.Tenant, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]identity.Tenant), args.Error(1)
}

func (m *mockTenantRepo) Save(ctx context.Context, tenant *identity.Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

func (m *mockTenantRepo) ExistsByCode(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

// mockSummaryRepo is a mock implementation of metering.MonthlySummaryRepository
type mockSummaryRepo struct {
	mock.Mock
}

func (m *mockSummaryRepo) Apply(ctx context.Context, event *metering.UsageEvent, limits metering.TierLimits) error {
	args := m.Called(ctx, event, limits)
	return args.Error(0)
}

func (m *mockSummaryRepo) Get(ctx context.Context, tenantID uuid.UUID, billingMonth string) (*metering.MonthlySummary, error) {
	args := m.Called(ctx, tenantID, billingMonth)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metering.MonthlySummary), args.Error(1)
}

func (m *mockSummaryRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*metering.MonthlySummary, error) {
	args := m.Called(ctx, tenantID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*metering.MonthlySummary), args.Error(1)
}

// newActiveTenant builds a persisted-looking tenant for service tests
func newActiveTenant(tier metering.Tier) *identity.Tenant {
	tenant, err := identity.NewTenant("ACME", "Acme Corp")
	if err != nil {
		panic(err)
	}
	if err := tenant.SetTier(tier); err != nil {
		panic(err)
	}
	tenant.ExternalBillingRef = "si_acme"
	return tenant
}
