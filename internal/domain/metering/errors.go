package metering

import "github.com/meterd/backend/internal/domain/shared"

// Metering domain errors
var (
	ErrUnknownEventKind = shared.NewDomainError("INVALID_EVENT", "Unknown event kind")
	ErrInvalidQuantity  = shared.NewDomainError("INVALID_EVENT", "Quantity must be positive")
	ErrInvalidTenant    = shared.NewDomainError("INVALID_EVENT", "Tenant ID cannot be empty")
	ErrSummaryNotFound  = shared.NewDomainError("NOT_FOUND", "Monthly summary not found")
	ErrEventNotFound    = shared.NewDomainError("NOT_FOUND", "Usage event not found")
	ErrUnknownTier      = shared.NewDomainError("INVALID_TIER", "Unknown subscription tier")
	ErrLeaseNotHeld     = shared.NewDomainError("CONCURRENCY_CONFLICT", "Event lease is held by another worker")
)
