package persistence

import (
	"context"

	"gorm.io/gorm"

	"github.com/meterd/backend/internal/domain/metering"
)

// GormLedger implements metering.Ledger: the event insert and the summary
// upsert commit or roll back together.
type GormLedger struct {
	db        *gorm.DB
	events    *GormUsageEventRepository
	summaries *GormMonthlySummaryRepository
}

// NewGormLedger creates a new transactional ledger
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{
		db:        db,
		events:    NewGormUsageEventRepository(db),
		summaries: NewGormMonthlySummaryRepository(db),
	}
}

// Append stores the event and applies it to its monthly summary in one
// transaction. A failure on either side leaves no partial state: the caller
// can treat the billable action as not having happened.
func (l *GormLedger) Append(ctx context.Context, event *metering.UsageEvent, limits metering.TierLimits) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.events.WithTx(tx).Create(ctx, event); err != nil {
			return err
		}
		return l.summaries.WithTx(tx).Apply(ctx, event, limits)
	})
}

// Ensure GormLedger implements the interface
var _ metering.Ledger = (*GormLedger)(nil)
