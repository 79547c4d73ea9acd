package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterd/backend/internal/domain/identity"
	"github.com/meterd/backend/internal/domain/metering"
	"github.com/meterd/backend/internal/domain/shared"
)

// TenantService handles tenant account management
type TenantService struct {
	tenants identity.TenantRepository
	logger  *zap.Logger
}

// NewTenantService creates a new tenant service
func NewTenantService(tenants identity.TenantRepository, logger *zap.Logger) *TenantService {
	return &TenantService{
		tenants: tenants,
		logger:  logger,
	}
}

// CreateTenantInput contains input for creating a tenant
type CreateTenantInput struct {
	Code               string `json:"code" binding:"required"`
	Name               string `json:"name" binding:"required"`
	Tier               string `json:"tier"`
	ExternalBillingRef string `json:"external_billing_ref"`
}

// TenantDTO represents tenant data transfer object
type TenantDTO struct {
	ID                 uuid.UUID  `json:"id"`
	Code               string     `json:"code"`
	Name               string     `json:"name"`
	Status             string     `json:"status"`
	Tier               string     `json:"tier"`
	ExternalBillingRef string     `json:"external_billing_ref,omitempty"`
	TierChangedAt      *time.Time `json:"tier_changed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Create creates a new tenant. Tier defaults to free when not given.
func (s *TenantService) Create(ctx context.Context, input CreateTenantInput) (*TenantDTO, error) {
	s.logger.Info("Creating new tenant",
		zap.String("code", input.Code),
		zap.String("name", input.Name))

	exists, err := s.tenants.ExistsByCode(ctx, input.Code)
	if err != nil {
		s.logger.Error("Failed to check tenant code existence", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to check code availability")
	}
	if exists {
		return nil, shared.NewDomainError("CODE_EXISTS", "Tenant code already exists")
	}

	tenant, err := identity.NewTenant(input.Code, input.Name)
	if err != nil {
		return nil, err
	}

	if input.Tier != "" {
		if err := tenant.SetTier(metering.Tier(input.Tier)); err != nil {
			return nil, err
		}
	}
	if input.ExternalBillingRef != "" {
		if err := tenant.SetExternalBillingRef(input.ExternalBillingRef); err != nil {
			return nil, err
		}
	}

	if err := s.tenants.Save(ctx, tenant); err != nil {
		s.logger.Error("Failed to create tenant", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to create tenant")
	}

	s.logger.Info("Tenant created",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("code", tenant.Code),
		zap.String("tier", string(tenant.Tier)))

	return toTenantDTO(tenant), nil
}

// GetByID retrieves a tenant by ID
func (s *TenantService) GetByID(ctx context.Context, id uuid.UUID) (*TenantDTO, error) {
	tenant, err := s.findTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	return toTenantDTO(tenant), nil
}

// GetByCode retrieves a tenant by code
func (s *TenantService) GetByCode(ctx context.Context, code string) (*TenantDTO, error) {
	tenant, err := s.tenants.FindByCode(ctx, code)
	if err != nil {
		if err == shared.ErrNotFound {
			return nil, shared.NewDomainError("TENANT_NOT_FOUND", "Tenant not found")
		}
		s.logger.Error("Failed to find tenant by code", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to find tenant")
	}
	return toTenantDTO(tenant), nil
}

// List returns all tenants ordered by code
func (s *TenantService) List(ctx context.Context) ([]TenantDTO, error) {
	tenants, err := s.tenants.FindAll(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to list tenants")
	}

	dtos := make([]TenantDTO, len(tenants))
	for i := range tenants {
		dtos[i] = *toTenantDTO(&tenants[i])
	}
	return dtos, nil
}

// SetTier changes a tenant's subscription tier. Quota limits frozen into
// existing monthly summaries are unaffected; the new tier applies to
// summaries created from the following month on.
func (s *TenantService) SetTier(ctx context.Context, id uuid.UUID, tier string) (*TenantDTO, error) {
	tenant, err := s.findTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := tenant.SetTier(metering.Tier(tier)); err != nil {
		return nil, err
	}

	if err := s.tenants.Save(ctx, tenant); err != nil {
		s.logger.Error("Failed to update tenant tier", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to update tenant tier")
	}

	s.logger.Info("Tenant tier updated",
		zap.String("tenant_id", id.String()),
		zap.String("tier", tier))

	return toTenantDTO(tenant), nil
}

// SetBillingRef links a tenant to its customer record on the billing provider
func (s *TenantService) SetBillingRef(ctx context.Context, id uuid.UUID, ref string) (*TenantDTO, error) {
	tenant, err := s.findTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := tenant.SetExternalBillingRef(ref); err != nil {
		return nil, err
	}

	if err := s.tenants.Save(ctx, tenant); err != nil {
		s.logger.Error("Failed to update billing reference", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to update billing reference")
	}

	s.logger.Info("Tenant billing reference updated", zap.String("tenant_id", id.String()))

	return toTenantDTO(tenant), nil
}

// Suspend marks a tenant as suspended. Metering continues while suspended
// so the ledger stays complete.
func (s *TenantService) Suspend(ctx context.Context, id uuid.UUID) (*TenantDTO, error) {
	tenant, err := s.findTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	tenant.Suspend()

	if err := s.tenants.Save(ctx, tenant); err != nil {
		s.logger.Error("Failed to suspend tenant", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to suspend tenant")
	}

	s.logger.Info("Tenant suspended", zap.String("tenant_id", id.String()))

	return toTenantDTO(tenant), nil
}

// Activate returns a suspended tenant to active status
func (s *TenantService) Activate(ctx context.Context, id uuid.UUID) (*TenantDTO, error) {
	tenant, err := s.findTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	tenant.Activate()

	if err := s.tenants.Save(ctx, tenant); err != nil {
		s.logger.Error("Failed to activate tenant", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to activate tenant")
	}

	s.logger.Info("Tenant activated", zap.String("tenant_id", id.String()))

	return toTenantDTO(tenant), nil
}

func (s *TenantService) findTenant(ctx context.Context, id uuid.UUID) (*identity.Tenant, error) {
	tenant, err := s.tenants.FindByID(ctx, id)
	if err != nil {
		if err == shared.ErrNotFound {
			return nil, shared.NewDomainError("TENANT_NOT_FOUND", "Tenant not found")
		}
		s.logger.Error("Failed to find tenant", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to find tenant")
	}
	return tenant, nil
}

// toTenantDTO converts domain Tenant to TenantDTO
func toTenantDTO(tenant *identity.Tenant) *TenantDTO {
	return &TenantDTO{
		ID:                 tenant.ID,
		Code:               tenant.Code,
		Name:               tenant.Name,
		Status:             string(tenant.Status),
		Tier:               string(tenant.Tier),
		ExternalBillingRef: tenant.ExternalBillingRef,
		TierChangedAt:      tenant.TierChangedAt,
		CreatedAt:          tenant.CreatedAt,
		UpdatedAt:          tenant.UpdatedAt,
	}
}
