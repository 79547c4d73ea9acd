package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meterd/backend/internal/application/metering"
)

// Syncer runs one reconciliation pass against the billing provider
type Syncer interface {
	SyncBatch(ctx context.Context) (*metering.SyncReport, error)
}

// Reconciler runs the billing reconciliation loop in the background,
// polling the ledger for pending and retry-due events on a fixed interval.
type Reconciler struct {
	syncer    Syncer
	logger    *zap.Logger
	config    ReconcilerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// ReconcilerConfig holds configuration for the reconciliation loop
type ReconcilerConfig struct {
	// Enabled determines if the loop is active
	Enabled bool

	// PollInterval is how often a sync pass runs
	PollInterval time.Duration

	// PassTimeout is the maximum time for one sync pass
	PassTimeout time.Duration
}

// DefaultReconcilerConfig returns default configuration
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Enabled:      true,
		PollInterval: 15 * time.Second,
		PassTimeout:  5 * time.Minute,
	}
}

// NewReconciler creates a new background reconciler
func NewReconciler(syncer Syncer, logger *zap.Logger, config ReconcilerConfig) *Reconciler {
	return &Reconciler{
		syncer: syncer,
		logger: logger,
		config: config,
	}
}

// Start starts the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return nil
	}
	if !r.config.Enabled {
		r.mu.Unlock()
		r.logger.Info("Billing reconciler is disabled")
		return nil
	}
	if r.config.PollInterval <= 0 {
		r.mu.Unlock()
		return ErrInvalidConfig
	}
	r.isRunning = true
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.runPollLoop(ctx)

	r.logger.Info("Billing reconciler started",
		zap.Duration("poll_interval", r.config.PollInterval))

	return nil
}

// Stop gracefully stops the reconciler. In-flight submissions finish their
// current pass; anything left mid-claim is recovered later by lease expiry.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Billing reconciler stopped gracefully")
		return nil
	case <-ctx.Done():
		r.logger.Warn("Billing reconciler stop timed out")
		return ctx.Err()
	}
}

// runPollLoop runs a sync pass on every tick
func (r *Reconciler) runPollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	// First pass runs immediately so a restart does not wait a full interval
	r.executePass(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Reconciliation loop stopping")
			return
		case <-ticker.C:
			r.executePass(ctx)
		}
	}
}

// executePass runs one reconciliation pass with a timeout
func (r *Reconciler) executePass(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, r.config.PassTimeout)
	defer cancel()

	startTime := time.Now()
	report, err := r.syncer.SyncBatch(passCtx)
	duration := time.Since(startTime)

	if err != nil {
		r.logger.Error("Reconciliation pass failed",
			zap.Duration("duration", duration),
			zap.Error(err))
		return
	}

	if report.Discovered == 0 && report.LeasesReleased == 0 {
		r.logger.Debug("Reconciliation pass found nothing to do",
			zap.Duration("duration", duration))
		return
	}

	r.logger.Info("Reconciliation pass completed",
		zap.Int("discovered", report.Discovered),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed),
		zap.Int("dead_lettered", report.DeadLettered),
		zap.Int("claim_lost", report.ClaimLost),
		zap.Int64("leases_released", report.LeasesReleased),
		zap.Duration("duration", duration))
}

// TriggerImmediateSync runs a sync pass outside the regular schedule
func (r *Reconciler) TriggerImmediateSync(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("Triggering immediate reconciliation pass")

	go func() {
		defer r.wg.Done()
		r.executePass(ctx)
	}()

	return nil
}

// IsRunning returns whether the reconciler is running
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isRunning
}
