package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meterd/backend/internal/domain/identity"
	"github.com/meterd/backend/internal/domain/metering"
	"github.com/meterd/backend/internal/domain/shared"
)

// TenantModel is the GORM model for tenants
type TenantModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Code               string    `gorm:"type:varchar(50);not null;uniqueIndex"`
	Name               string    `gorm:"type:varchar(200);not null"`
	Status             string    `gorm:"type:varchar(20);not null;default:'active'"`
	Tier               string    `gorm:"type:varchar(20);not null;default:'free'"`
	ExternalBillingRef string    `gorm:"type:varchar(200)"`
	TierChangedAt      *time.Time
	Version            int       `gorm:"not null;default:1"`
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (TenantModel) TableName() string {
	return "tenants"
}

// ToEntity converts the model to a domain entity
func (m *TenantModel) ToEntity() *identity.Tenant {
	tenant := &identity.Tenant{
		Code:               m.Code,
		Name:               m.Name,
		Status:             identity.TenantStatus(m.Status),
		Tier:               metering.Tier(m.Tier),
		ExternalBillingRef: m.ExternalBillingRef,
		TierChangedAt:      m.TierChangedAt,
	}
	tenant.ID = m.ID
	tenant.Version = m.Version
	tenant.CreatedAt = m.CreatedAt
	tenant.UpdatedAt = m.UpdatedAt
	return tenant
}

// TenantModelFromEntity creates a model from a domain entity
func TenantModelFromEntity(e *identity.Tenant) *TenantModel {
	return &TenantModel{
		ID:                 e.ID,
		Code:               e.Code,
		Name:               e.Name,
		Status:             string(e.Status),
		Tier:               e.Tier.String(),
		ExternalBillingRef: e.ExternalBillingRef,
		TierChangedAt:      e.TierChangedAt,
		Version:            e.Version,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

// GormTenantRepository implements identity.TenantRepository using GORM
type GormTenantRepository struct {
	db *gorm.DB
}

// NewGormTenantRepository creates a new GormTenantRepository
func NewGormTenantRepository(db *gorm.DB) *GormTenantRepository {
	return &GormTenantRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormTenantRepository) WithTx(tx *gorm.DB) *GormTenantRepository {
	return &GormTenantRepository{db: tx}
}

// FindByID finds a tenant by its ID
func (r *GormTenantRepository) FindByID(ctx context.Context, id uuid.UUID) (*identity.Tenant, error) {
	var model TenantModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindByCode finds a tenant by its unique code
func (r *GormTenantRepository) FindByCode(ctx context.Context, code string) (*identity.Tenant, error) {
	var model TenantModel
	if err := r.db.WithContext(ctx).
		Where("UPPER(code) = ?", strings.ToUpper(code)).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// FindAll returns all tenants, ordered by code
func (r *GormTenantRepository) FindAll(ctx context.Context) ([]identity.Tenant, error) {
	var models []TenantModel
	if err := r.db.WithContext(ctx).Order("code ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	tenants := make([]identity.Tenant, len(models))
	for i, model := range models {
		tenants[i] = *model.ToEntity()
	}
	return tenants, nil
}

// Save creates or updates a tenant
func (r *GormTenantRepository) Save(ctx context.Context, tenant *identity.Tenant) error {
	model := TenantModelFromEntity(tenant)
	return r.db.WithContext(ctx).Save(model).Error
}

// ExistsByCode checks if a tenant with the given code exists
func (r *GormTenantRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&TenantModel{}).
		Where("UPPER(code) = ?", strings.ToUpper(code)).
		Count(&count).Error
	return count > 0, err
}

// Ensure GormTenantRepository implements the interface
var _ identity.TenantRepository = (*GormTenantRepository)(nil)
