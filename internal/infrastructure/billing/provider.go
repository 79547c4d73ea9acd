package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/meterd/backend/internal/domain/metering"
)

// SubmitRequest contains a single usage event to push to the billing provider
type SubmitRequest struct {
	TenantID uuid.UUID
	// ExternalRef is the provider-side target for the usage, for Stripe a
	// subscription item ID (si_xxx)
	ExternalRef string
	Kind        metering.EventKind
	Quantity    int64
	OccurredAt  time.Time
	// IdempotencyKey deduplicates retried submissions on the provider side.
	// Callers use the usage event ID so a replay after a lost response is a no-op.
	IdempotencyKey string
}

// SubmitResult contains the provider's acknowledgement of a usage submission
type SubmitResult struct {
	ProviderRecordID string
	SubmittedAt      time.Time
}

// Provider pushes metered usage to an external billing system
type Provider interface {
	SubmitUsage(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
}

// ProviderError wraps a failure from the billing provider with enough
// information to decide between retrying and dead-lettering
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("billing provider: %s (status %d, code %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("billing provider: %s (status %d)", e.Message, e.StatusCode)
}

// Permanent reports whether the failure will not succeed on retry.
// Client errors are permanent except for request timeouts and rate limits.
func (e *ProviderError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is a provider failure that should be
// dead-lettered instead of retried. Network errors, timeouts, and server
// errors are all considered transient.
func IsPermanent(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Permanent()
	}
	return false
}

// NoopProvider acknowledges every submission without calling out anywhere.
// Used in development and as the default when no provider is configured.
type NoopProvider struct{}

func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

func (p *NoopProvider) SubmitUsage(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &SubmitResult{
		ProviderRecordID: "noop_" + req.IdempotencyKey,
		SubmittedAt:      time.Now(),
	}, nil
}

var _ Provider = (*NoopProvider)(nil)
