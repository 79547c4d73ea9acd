package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meterd/backend/internal/domain/metering"
)

// MonthlySummaryModel is the GORM model for aggregate rows. The per-kind
// counters are flattened into columns so a single UPDATE expression can
// increment them atomically.
type MonthlySummaryModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_summaries_tenant_month,priority:1"`
	BillingMonth string    `gorm:"type:varchar(7);not null;uniqueIndex:idx_summaries_tenant_month,priority:2"`

	InvitationCount           int64           `gorm:"column:invitation_count;not null;default:0"`
	InvitationCost            decimal.Decimal `gorm:"column:invitation_cost;type:decimal(18,6);not null;default:0"`
	InvitationLimit           int64           `gorm:"column:invitation_limit;not null;default:0"`
	InvitationExceeded        bool            `gorm:"column:invitation_exceeded;not null;default:false"`
	InvitationFirstExceededAt *time.Time      `gorm:"column:invitation_first_exceeded_at"`

	SMSCount           int64           `gorm:"column:sms_count;not null;default:0"`
	SMSCost            decimal.Decimal `gorm:"column:sms_cost;type:decimal(18,6);not null;default:0"`
	SMSLimit           int64           `gorm:"column:sms_limit;not null;default:0"`
	SMSExceeded        bool            `gorm:"column:sms_exceeded;not null;default:false"`
	SMSFirstExceededAt *time.Time      `gorm:"column:sms_first_exceeded_at"`

	AIQueryCount           int64           `gorm:"column:ai_query_count;not null;default:0"`
	AIQueryCost            decimal.Decimal `gorm:"column:ai_query_cost;type:decimal(18,6);not null;default:0"`
	AIQueryLimit           int64           `gorm:"column:ai_query_limit;not null;default:0"`
	AIQueryExceeded        bool            `gorm:"column:ai_query_exceeded;not null;default:false"`
	AIQueryFirstExceededAt *time.Time      `gorm:"column:ai_query_first_exceeded_at"`

	WhatsAppCount           int64           `gorm:"column:whatsapp_count;not null;default:0"`
	WhatsAppCost            decimal.Decimal `gorm:"column:whatsapp_cost;type:decimal(18,6);not null;default:0"`
	WhatsAppLimit           int64           `gorm:"column:whatsapp_limit;not null;default:0"`
	WhatsAppExceeded        bool            `gorm:"column:whatsapp_exceeded;not null;default:false"`
	WhatsAppFirstExceededAt *time.Time      `gorm:"column:whatsapp_first_exceeded_at"`

	EmailCount           int64           `gorm:"column:email_count;not null;default:0"`
	EmailCost            decimal.Decimal `gorm:"column:email_cost;type:decimal(18,6);not null;default:0"`
	EmailLimit           int64           `gorm:"column:email_limit;not null;default:0"`
	EmailExceeded        bool            `gorm:"column:email_exceeded;not null;default:false"`
	EmailFirstExceededAt *time.Time      `gorm:"column:email_first_exceeded_at"`

	TotalCost decimal.Decimal `gorm:"type:decimal(18,6);not null;default:0"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (MonthlySummaryModel) TableName() string {
	return "monthly_summaries"
}

// ToEntity converts the model to a domain entity
func (m *MonthlySummaryModel) ToEntity() *metering.MonthlySummary {
	summary := &metering.MonthlySummary{
		TenantID:     m.TenantID,
		BillingMonth: m.BillingMonth,
		TotalCost:    m.TotalCost,
		Kinds: map[metering.EventKind]metering.KindTally{
			metering.EventKindInvitation: {
				Count: m.InvitationCount, Cost: m.InvitationCost, Limit: m.InvitationLimit,
				Exceeded: m.InvitationExceeded, FirstExceededAt: m.InvitationFirstExceededAt,
			},
			metering.EventKindSMS: {
				Count: m.SMSCount, Cost: m.SMSCost, Limit: m.SMSLimit,
				Exceeded: m.SMSExceeded, FirstExceededAt: m.SMSFirstExceededAt,
			},
			metering.EventKindAIQuery: {
				Count: m.AIQueryCount, Cost: m.AIQueryCost, Limit: m.AIQueryLimit,
				Exceeded: m.AIQueryExceeded, FirstExceededAt: m.AIQueryFirstExceededAt,
			},
			metering.EventKindWhatsApp: {
				Count: m.WhatsAppCount, Cost: m.WhatsAppCost, Limit: m.WhatsAppLimit,
				Exceeded: m.WhatsAppExceeded, FirstExceededAt: m.WhatsAppFirstExceededAt,
			},
			metering.EventKindEmail: {
				Count: m.EmailCount, Cost: m.EmailCost, Limit: m.EmailLimit,
				Exceeded: m.EmailExceeded, FirstExceededAt: m.EmailFirstExceededAt,
			},
		},
	}
	summary.ID = m.ID
	summary.CreatedAt = m.CreatedAt
	summary.UpdatedAt = m.UpdatedAt
	return summary
}

// MonthlySummaryModelFromEntity creates a model from a domain entity
func MonthlySummaryModelFromEntity(e *metering.MonthlySummary) *MonthlySummaryModel {
	invitation := e.TallyFor(metering.EventKindInvitation)
	sms := e.TallyFor(metering.EventKindSMS)
	aiQuery := e.TallyFor(metering.EventKindAIQuery)
	whatsapp := e.TallyFor(metering.EventKindWhatsApp)
	email := e.TallyFor(metering.EventKindEmail)

	return &MonthlySummaryModel{
		ID:           e.ID,
		TenantID:     e.TenantID,
		BillingMonth: e.BillingMonth,

		InvitationCount: invitation.Count, InvitationCost: invitation.Cost, InvitationLimit: invitation.Limit,
		InvitationExceeded: invitation.Exceeded, InvitationFirstExceededAt: invitation.FirstExceededAt,

		SMSCount: sms.Count, SMSCost: sms.Cost, SMSLimit: sms.Limit,
		SMSExceeded: sms.Exceeded, SMSFirstExceededAt: sms.FirstExceededAt,

		AIQueryCount: aiQuery.Count, AIQueryCost: aiQuery.Cost, AIQueryLimit: aiQuery.Limit,
		AIQueryExceeded: aiQuery.Exceeded, AIQueryFirstExceededAt: aiQuery.FirstExceededAt,

		WhatsAppCount: whatsapp.Count, WhatsAppCost: whatsapp.Cost, WhatsAppLimit: whatsapp.Limit,
		WhatsAppExceeded: whatsapp.Exceeded, WhatsAppFirstExceededAt: whatsapp.FirstExceededAt,

		EmailCount: email.Count, EmailCost: email.Cost, EmailLimit: email.Limit,
		EmailExceeded: email.Exceeded, EmailFirstExceededAt: email.FirstExceededAt,

		TotalCost: e.TotalCost,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// summaryColumnPrefix maps an event kind to its column prefix. Kinds are a
// closed enum, so the prefix is safe to splice into SQL expressions.
func summaryColumnPrefix(kind metering.EventKind) (string, error) {
	if !kind.IsValid() {
		return "", metering.ErrUnknownEventKind
	}
	return kind.String(), nil
}

// GormMonthlySummaryRepository implements metering.MonthlySummaryRepository
type GormMonthlySummaryRepository struct {
	db *gorm.DB
}

// NewGormMonthlySummaryRepository creates a new monthly summary repository
func NewGormMonthlySummaryRepository(db *gorm.DB) *GormMonthlySummaryRepository {
	return &GormMonthlySummaryRepository{db: db}
}

// WithTx returns a new repository instance with the given transaction
func (r *GormMonthlySummaryRepository) WithTx(tx *gorm.DB) *GormMonthlySummaryRepository {
	return &GormMonthlySummaryRepository{db: tx}
}

// Apply upserts the summary row for the event's (tenant, month).
//
// The insert path seeds a fresh row with the tier limits current at the
// first event of the month. The conflict path runs a single atomic UPDATE
// whose expressions read the existing row, so concurrent Apply calls for
// the same row serialize inside the database and no increment is lost.
// The exceeded flag and first-exceeded timestamp are recomputed in the
// same statement.
func (r *GormMonthlySummaryRepository) Apply(ctx context.Context, event *metering.UsageEvent, limits metering.TierLimits) error {
	prefix, err := summaryColumnPrefix(event.Kind)
	if err != nil {
		return err
	}

	seed := metering.NewMonthlySummary(event.TenantID, event.BillingMonth(), limits)
	seed.ApplyEvent(event)
	model := MonthlySummaryModelFromEntity(seed)

	now := time.Now().UTC()
	countCol := prefix + "_count"
	costCol := prefix + "_cost"
	limitCol := prefix + "_limit"
	exceededCol := prefix + "_exceeded"
	firstExceededCol := prefix + "_first_exceeded_at"
	exceededExpr := fmt.Sprintf("(%s <> -1 AND %s + ? > %s)", limitCol, countCol, limitCol)

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "billing_month"}},
		DoUpdates: clause.Assignments(map[string]any{
			countCol:    gorm.Expr(countCol+" + ?", event.Quantity),
			costCol:     gorm.Expr(costCol+" + ?", event.TotalCost),
			"total_cost": gorm.Expr("total_cost + ?", event.TotalCost),
			exceededCol: gorm.Expr(exceededExpr, event.Quantity),
			firstExceededCol: gorm.Expr(
				fmt.Sprintf("CASE WHEN %s AND %s IS NULL THEN ? ELSE %s END", exceededExpr, firstExceededCol, firstExceededCol),
				event.Quantity, now,
			),
			"updated_at": now,
		}),
	}).Create(model).Error
}

// Get retrieves the summary for a tenant and month
func (r *GormMonthlySummaryRepository) Get(ctx context.Context, tenantID uuid.UUID, billingMonth string) (*metering.MonthlySummary, error) {
	var model MonthlySummaryModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND billing_month = ?", tenantID, billingMonth).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, metering.ErrSummaryNotFound
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// ListByTenant returns a tenant's summaries, most recent month first
func (r *GormMonthlySummaryRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*metering.MonthlySummary, error) {
	var models []MonthlySummaryModel
	query := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("billing_month DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	summaries := make([]*metering.MonthlySummary, len(models))
	for i, model := range models {
		summaries[i] = model.ToEntity()
	}
	return summaries, nil
}

// Ensure GormMonthlySummaryRepository implements the interface
var _ metering.MonthlySummaryRepository = (*GormMonthlySummaryRepository)(nil)
