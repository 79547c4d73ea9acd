package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/meterd/backend/internal/domain/metering"
)

// UsageEventModel is the GORM model for ledger entries
type UsageEventModel struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID       `gorm:"type:uuid;index;not null"`
	Kind           string          `gorm:"type:varchar(20);not null;index"`
	Quantity       int64           `gorm:"not null"`
	UnitCost       decimal.Decimal `gorm:"type:decimal(18,6);not null"`
	TotalCost      decimal.Decimal `gorm:"type:decimal(18,6);not null"`
	OccurredAt     time.Time       `gorm:"not null;index"`
	RecordedAt     time.Time       `gorm:"not null"`
	SyncState      string          `gorm:"type:varchar(20);not null;default:'pending';index:idx_usage_events_sync,priority:1"`
	ExternalRef    string          `gorm:"type:varchar(200)"`
	LastError      string          `gorm:"type:text"`
	AttemptCount   int             `gorm:"not null;default:0"`
	NextAttemptAt  time.Time       `gorm:"index:idx_usage_events_sync,priority:2"`
	LeaseToken     string          `gorm:"type:varchar(64)"`
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (UsageEventModel) TableName() string {
	return "usage_events"
}

// ToEntity converts the model to a domain entity
func (m *UsageEventModel) ToEntity() *metering.UsageEvent {
	event := &metering.UsageEvent{
		TenantID:       m.TenantID,
		Kind:           metering.EventKind(m.Kind),
		Quantity:       m.Quantity,
		UnitCost:       m.UnitCost,
		TotalCost:      m.TotalCost,
		OccurredAt:     m.OccurredAt,
		RecordedAt:     m.RecordedAt,
		SyncState:      metering.SyncState(m.SyncState),
		ExternalRef:    m.ExternalRef,
		LastError:      m.LastError,
		AttemptCount:   m.AttemptCount,
		NextAttemptAt:  m.NextAttemptAt,
		LeaseToken:     m.LeaseToken,
		LeaseExpiresAt: m.LeaseExpiresAt,
	}
	event.ID = m.ID
	event.CreatedAt = m.CreatedAt
	event.UpdatedAt = m.UpdatedAt
	return event
}

// UsageEventModelFromEntity creates a model from a domain entity
func UsageEventModelFromEntity(e *metering.UsageEvent) *UsageEventModel {
	return &UsageEventModel{
		ID:             e.ID,
		TenantID:       e.TenantID,
		Kind:           e.Kind.String(),
		Quantity:       e.Quantity,
		UnitCost:       e.UnitCost,
		TotalCost:      e.TotalCost,
		OccurredAt:     e.OccurredAt,
		RecordedAt:     e.RecordedAt,
		SyncState:      e.SyncState.String(),
		ExternalRef:    e.ExternalRef,
		LastError:      e.LastError,
		AttemptCount:   e.AttemptCount,
		NextAttemptAt:  e.NextAttemptAt,
		LeaseToken:     e.LeaseToken,
		LeaseExpiresAt: e.LeaseExpiresAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

// GormUsageEventRepository implements metering.UsageEventRepository.
// Ledger rows are append-only: Create is the only insert path, and the
// update methods touch nothing but the sync bookkeeping columns.
type GormUsageEventRepository struct {
	db *gorm.DB
}

// NewGormUsageEventRepository creates a new usage event repository
func NewGormUsageEventRepository(db *gorm.DB) *GormUsageEventRepository {
	return &GormUsageEventRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormUsageEventRepository) WithTx(tx *gorm.DB) *GormUsageEventRepository {
	return &GormUsageEventRepository{db: tx}
}

// Create inserts a new ledger entry
func (r *GormUsageEventRepository) Create(ctx context.Context, event *metering.UsageEvent) error {
	model := UsageEventModelFromEntity(event)
	return r.db.WithContext(ctx).Create(model).Error
}

// GetByID retrieves one event
func (r *GormUsageEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*metering.UsageEvent, error) {
	var model UsageEventModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, metering.ErrEventNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// ListEligible returns events ready for submission, oldest first. Pending
// rows also wait out next_attempt_at: a released lease puts a previously
// failed event back to pending without erasing its retry schedule.
func (r *GormUsageEventRepository) ListEligible(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*metering.UsageEvent, error) {
	var models []UsageEventModel
	err := r.db.WithContext(ctx).
		Where("(sync_state = ? AND next_attempt_at <= ?) OR (sync_state = ? AND attempt_count < ? AND next_attempt_at <= ?)",
			metering.SyncStatePending.String(), now, metering.SyncStateFailed.String(), maxAttempts, now).
		Order("recorded_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]*metering.UsageEvent, len(models))
	for i, model := range models {
		events[i] = model.ToEntity()
	}
	return events, nil
}

// Claim atomically moves an eligible event to in-flight under a lease.
// The state check in the WHERE clause is what makes two concurrent workers
// safe: only one UPDATE can match, the loser sees zero rows affected.
func (r *GormUsageEventRepository) Claim(ctx context.Context, id uuid.UUID, leaseToken string, leaseExpiresAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Where("id = ? AND sync_state IN ?", id,
			[]string{metering.SyncStatePending.String(), metering.SyncStateFailed.String()}).
		Updates(map[string]any{
			"sync_state":       metering.SyncStateInFlight.String(),
			"lease_token":      leaseToken,
			"lease_expires_at": leaseExpiresAt,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseExpiredLeases returns lapsed in-flight events to pending
func (r *GormUsageEventRepository) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Where("sync_state = ? AND lease_expires_at <= ?", metering.SyncStateInFlight.String(), now).
		Updates(map[string]any{
			"sync_state":       metering.SyncStatePending.String(),
			"lease_token":      "",
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// MarkSynced records a provider acknowledgement, guarded by the lease token
func (r *GormUsageEventRepository) MarkSynced(ctx context.Context, id uuid.UUID, leaseToken, externalRef string) error {
	result := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Where("id = ? AND sync_state = ? AND lease_token = ?",
			id, metering.SyncStateInFlight.String(), leaseToken).
		Updates(map[string]any{
			"sync_state":       metering.SyncStateSynced.String(),
			"external_ref":     externalRef,
			"last_error":       "",
			"lease_token":      "",
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return metering.ErrLeaseNotHeld
	}
	return nil
}

// MarkFailed records a transient failure. The attempt counter is incremented
// in the database so concurrent bookkeeping can never lose an increment.
func (r *GormUsageEventRepository) MarkFailed(ctx context.Context, id uuid.UUID, leaseToken, lastError string, nextAttemptAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Where("id = ? AND sync_state = ? AND lease_token = ?",
			id, metering.SyncStateInFlight.String(), leaseToken).
		Updates(map[string]any{
			"sync_state":       metering.SyncStateFailed.String(),
			"last_error":       lastError,
			"attempt_count":    gorm.Expr("attempt_count + 1"),
			"next_attempt_at":  nextAttemptAt,
			"lease_token":      "",
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return metering.ErrLeaseNotHeld
	}
	return nil
}

// MarkDeadLettered records a permanent rejection by pinning attempt_count
// to maxAttempts
func (r *GormUsageEventRepository) MarkDeadLettered(ctx context.Context, id uuid.UUID, leaseToken, lastError string, maxAttempts int) error {
	result := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Where("id = ? AND sync_state = ? AND lease_token = ?",
			id, metering.SyncStateInFlight.String(), leaseToken).
		Updates(map[string]any{
			"sync_state":       metering.SyncStateFailed.String(),
			"last_error":       lastError,
			"attempt_count":    maxAttempts,
			"lease_token":      "",
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return metering.ErrLeaseNotHeld
	}
	return nil
}

// ListDeadLettered returns exhausted events, newest failure first
func (r *GormUsageEventRepository) ListDeadLettered(ctx context.Context, maxAttempts, limit, offset int) ([]*metering.UsageEvent, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Where("sync_state = ? AND attempt_count >= ?", metering.SyncStateFailed.String(), maxAttempts)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []UsageEventModel
	if err := query.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&models).Error; err != nil {
		return nil, 0, err
	}

	events := make([]*metering.UsageEvent, len(models))
	for i, model := range models {
		events[i] = model.ToEntity()
	}
	return events, total, nil
}

// Requeue resets a dead-lettered event for a fresh round of attempts
func (r *GormUsageEventRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Where("id = ? AND sync_state = ?", id, metering.SyncStateFailed.String()).
		Updates(map[string]any{
			"sync_state":      metering.SyncStatePending.String(),
			"attempt_count":   0,
			"next_attempt_at": time.Now().UTC(),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return metering.ErrEventNotFound
	}
	return nil
}

// CountBySyncState returns event counts grouped by sync state
func (r *GormUsageEventRepository) CountBySyncState(ctx context.Context) (map[metering.SyncState]int64, error) {
	type row struct {
		SyncState string
		Total     int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Select("sync_state, COUNT(*) as total").
		Group("sync_state").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[metering.SyncState]int64, len(rows))
	for _, r := range rows {
		counts[metering.SyncState(r.SyncState)] = r.Total
	}
	return counts, nil
}

// SumQuantityByKind totals event quantities per kind for a tenant in [from, to)
func (r *GormUsageEventRepository) SumQuantityByKind(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (map[metering.EventKind]int64, error) {
	type row struct {
		Kind  string
		Total int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&UsageEventModel{}).
		Select("kind, COALESCE(SUM(quantity), 0) as total").
		Where("tenant_id = ? AND occurred_at >= ? AND occurred_at < ?", tenantID, from, to).
		Group("kind").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	sums := make(map[metering.EventKind]int64, len(rows))
	for _, r := range rows {
		sums[metering.EventKind(r.Kind)] = r.Total
	}
	return sums, nil
}

// Ensure GormUsageEventRepository implements the interface
var _ metering.UsageEventRepository = (*GormUsageEventRepository)(nil)
