// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// MeteringMetrics tracks usage ingestion and billing reconciliation health.
type MeteringMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	// Counter metrics (monotonically increasing)
	eventsRecordedTotal *Counter
	usageCostTotal      *Counter
	syncAttemptsTotal   *Counter

	// Gauge metrics (point-in-time values)
	syncBacklog *Gauge

	// Periodic collector
	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once

	statsProvider SyncStatsProvider
}

// SyncStatsProvider provides ledger sync state counts for periodic
// collection. This interface lets the telemetry layer observe the
// reconciler without depending on the application layer directly.
type SyncStatsProvider interface {
	// CountBySyncState returns event counts per sync state label
	CountBySyncState(ctx context.Context) (map[string]int64, error)
}

// MeteringMetricsConfig holds configuration for metering metrics.
type MeteringMetricsConfig struct {
	Meter           metric.Meter
	Logger          *zap.Logger
	CollectInterval time.Duration // Default: 1 minute
	StatsProvider   SyncStatsProvider
}

// NewMeteringMetrics creates a new MeteringMetrics instance.
func NewMeteringMetrics(cfg MeteringMetricsConfig) (*MeteringMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mm := &MeteringMetrics{
		meter:         cfg.Meter,
		logger:        logger,
		stopChan:      make(chan struct{}),
		statsProvider: cfg.StatsProvider,
	}

	var err error

	mm.eventsRecordedTotal, err = NewCounter(
		cfg.Meter,
		"meterd_usage_events_recorded_total",
		"Total number of usage events appended to the ledger",
		"{events}",
	)
	if err != nil {
		return nil, err
	}

	mm.usageCostTotal, err = NewCounter(
		cfg.Meter,
		"meterd_usage_cost_total",
		"Total recorded usage cost in cents",
		"{cents}",
	)
	if err != nil {
		return nil, err
	}

	mm.syncAttemptsTotal, err = NewCounter(
		cfg.Meter,
		"meterd_sync_attempts_total",
		"Total billing provider submission attempts by outcome",
		"{attempts}",
	)
	if err != nil {
		return nil, err
	}

	mm.syncBacklog, err = NewGauge(
		cfg.Meter,
		"meterd_sync_backlog",
		"Number of ledger events per sync state",
		"{events}",
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

// RecordUsageEvent records one appended ledger event with its frozen cost.
// Cost is converted to cents so the counter stays integral.
func (mm *MeteringMetrics) RecordUsageEvent(ctx context.Context, tenantID uuid.UUID, kind string, totalCost decimal.Decimal) {
	mm.eventsRecordedTotal.Inc(ctx,
		AttrTenantID.String(tenantID.String()),
		AttrEventKind.String(kind),
	)

	costCents := totalCost.Mul(decimal.NewFromInt(100)).IntPart()
	mm.usageCostTotal.Add(ctx, costCents,
		AttrTenantID.String(tenantID.String()),
		AttrEventKind.String(kind),
	)
}

// SyncOutcome labels the result of one provider submission attempt.
type SyncOutcome string

const (
	SyncOutcomeSynced       SyncOutcome = "synced"
	SyncOutcomeFailed       SyncOutcome = "failed"
	SyncOutcomeDeadLettered SyncOutcome = "dead_lettered"
	SyncOutcomeClaimLost    SyncOutcome = "claim_lost"
)

// RecordSyncAttempt records the outcome of one provider submission attempt
func (mm *MeteringMetrics) RecordSyncAttempt(ctx context.Context, outcome SyncOutcome) {
	mm.syncAttemptsTotal.Inc(ctx,
		AttrSyncOutcome.String(string(outcome)),
	)
}

// RecordBacklog records the current event count for a sync state
func (mm *MeteringMetrics) RecordBacklog(ctx context.Context, state string, count int64) {
	mm.syncBacklog.Record(ctx, count,
		AttrSyncState.String(state),
	)
}

// StartPeriodicCollection starts periodic collection of the backlog gauge.
// Non-blocking; use Stop() to stop collection.
func (mm *MeteringMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	mm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = time.Minute
		}
		go mm.runPeriodicCollection(ctx, interval)
	})
}

func (mm *MeteringMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	mm.collectBacklog(ctx)

	for {
		select {
		case <-mm.stopChan:
			mm.logger.Info("Stopping periodic metering metrics collection")
			return
		case <-ctx.Done():
			mm.logger.Info("Context cancelled, stopping periodic metering metrics collection")
			return
		case <-ticker.C:
			mm.collectBacklog(ctx)
		}
	}
}

func (mm *MeteringMetrics) collectBacklog(ctx context.Context) {
	if mm.statsProvider == nil {
		mm.logger.Debug("No stats provider configured, skipping backlog collection")
		return
	}

	counts, err := mm.statsProvider.CountBySyncState(ctx)
	if err != nil {
		mm.logger.Error("Failed to collect sync backlog", zap.Error(err))
		return
	}

	for state, count := range counts {
		mm.RecordBacklog(ctx, state, count)
	}
}

// Stop stops the periodic collection.
func (mm *MeteringMetrics) Stop() {
	mm.stopOnce.Do(func() {
		close(mm.stopChan)
	})
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewMeteringMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
