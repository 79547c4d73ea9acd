package billing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/usagerecord"
	"go.uber.org/zap"
)

// StripeAdapter reports metered usage to Stripe
type StripeAdapter struct {
	config *StripeConfig
	logger *zap.Logger
}

// NewStripeAdapter creates a new Stripe adapter
func NewStripeAdapter(config *StripeConfig, logger *zap.Logger) (*StripeAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Initialize Stripe client
	config.InitStripeClient()

	return &StripeAdapter{
		config: config,
		logger: logger,
	}, nil
}

var _ Provider = (*StripeAdapter)(nil)

// SubmitUsage reports a single usage event to Stripe as a usage record.
// The request's idempotency key makes replays after lost responses safe.
func (a *StripeAdapter) SubmitUsage(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	a.logger.Debug("Reporting usage to Stripe",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("external_ref", req.ExternalRef),
		zap.String("kind", req.Kind.String()),
		zap.Int64("quantity", req.Quantity))

	if req.ExternalRef == "" {
		return nil, &ProviderError{
			StatusCode: 400,
			Code:       "missing_external_ref",
			Message:    "tenant has no billing reference",
		}
	}

	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(a.config.ResolveSubscriptionItem(req.ExternalRef)),
		Quantity:         stripe.Int64(req.Quantity),
		Action:           stripe.String("increment"),
	}
	params.Context = ctx

	if !req.OccurredAt.IsZero() {
		params.Timestamp = stripe.Int64(req.OccurredAt.Unix())
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	record, err := usagerecord.New(params)
	if err != nil {
		classified := classifyStripeError(err)
		a.logger.Error("Failed to report usage to Stripe",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("external_ref", req.ExternalRef),
			zap.Bool("permanent", IsPermanent(classified)),
			zap.Error(err))
		return nil, classified
	}

	a.logger.Info("Reported usage to Stripe",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("usage_record_id", record.ID),
		zap.String("subscription_item_id", record.SubscriptionItem),
		zap.Int64("quantity", record.Quantity))

	return &SubmitResult{
		ProviderRecordID: record.ID,
		SubmittedAt:      time.Unix(record.Timestamp, 0),
	}, nil
}

// classifyStripeError converts a Stripe SDK error into a ProviderError so
// callers can distinguish retryable failures from permanent rejections.
// Non-Stripe errors (network, context) pass through unchanged and are
// treated as transient.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return &ProviderError{
			StatusCode: stripeErr.HTTPStatusCode,
			Code:       string(stripeErr.Code),
			Message:    stripeErr.Msg,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("stripe: network error: %w", err)
	}

	return fmt.Errorf("stripe: failed to report usage: %w", err)
}
