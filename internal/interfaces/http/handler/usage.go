package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appmetering "github.com/meterd/backend/internal/application/metering"
	"github.com/meterd/backend/internal/domain/shared"
	"github.com/meterd/backend/internal/interfaces/http/middleware"
)

// IdempotencyKeyHeader carries the client's idempotency key for ingestion
// retries. A replayed key within the TTL is acknowledged without recording.
const IdempotencyKeyHeader = "Idempotency-Key"

// UsageHandler handles usage ingestion and summary read requests
type UsageHandler struct {
	BaseHandler
	ledger      *appmetering.LedgerService
	summaries   *appmetering.SummaryService
	idempotency shared.IdempotencyStore
	idemConfig  shared.IdempotencyConfig
	logger      *zap.Logger
}

// NewUsageHandler creates a new usage handler. The idempotency store may be
// nil, in which case the Idempotency-Key header is ignored.
func NewUsageHandler(
	ledger *appmetering.LedgerService,
	summaries *appmetering.SummaryService,
	idempotency shared.IdempotencyStore,
	idemConfig shared.IdempotencyConfig,
	logger *zap.Logger,
) *UsageHandler {
	return &UsageHandler{
		ledger:      ledger,
		summaries:   summaries,
		idempotency: idempotency,
		idemConfig:  idemConfig,
		logger:      logger,
	}
}

// RecordUsageResponse wraps a recorded event with the duplicate marker
//
//	@Description	Recorded usage event, or a duplicate acknowledgement
type RecordUsageResponse struct {
	Event     *appmetering.UsageEventDTO `json:"event,omitempty"`
	Duplicate bool                       `json:"duplicate"`
}

// RecordUsage godoc
//
//	@ID				recordUsage
//	@Summary		Record a usage event
//	@Description	Appends a usage event to the tenant's ledger and updates the monthly summary. Cost is frozen at write time. Send an Idempotency-Key header to make retries safe.
//	@Tags			usage
//	@Accept			json
//	@Produce		json
//	@Param			request	body	appmetering.RecordUsageInput	true	"Usage event"
//	@Success		201	{object}	APIResponse[RecordUsageResponse]
//	@Success		200	{object}	APIResponse[RecordUsageResponse]	"Duplicate idempotency key"
//	@Failure		400	{object}	ErrorResponse
//	@Failure		422	{object}	ErrorResponse
//	@Router			/usage [post]
func (h *UsageHandler) RecordUsage(c *gin.Context) {
	h.record(c, h.ledger.RecordUsage)
}

// RecordAdjustment godoc
//
//	@ID				recordAdjustment
//	@Summary		Record an offsetting adjustment
//	@Description	Appends a correction event with a negative quantity. The original event is never modified.
//	@Tags			usage
//	@Accept			json
//	@Produce		json
//	@Param			request	body	appmetering.RecordUsageInput	true	"Adjustment event"
//	@Success		201	{object}	APIResponse[RecordUsageResponse]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		422	{object}	ErrorResponse
//	@Router			/usage/adjustments [post]
func (h *UsageHandler) RecordAdjustment(c *gin.Context) {
	h.record(c, h.ledger.RecordAdjustment)
}

type recordFunc func(ctx context.Context, input appmetering.RecordUsageInput) (*appmetering.UsageEventDTO, error)

func (h *UsageHandler) record(c *gin.Context, fn recordFunc) {
	var input appmetering.RecordUsageInput
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	c.Set(middleware.TenantIDKey, input.TenantID.String())

	key := c.GetHeader(IdempotencyKeyHeader)
	if key != "" && h.idempotency != nil && h.idemConfig.Enabled {
		seen, err := h.idempotency.IsProcessed(c.Request.Context(), key)
		if err != nil {
			// A broken idempotency store must not block ingestion
			h.logger.Warn("Idempotency lookup failed, recording anyway",
				zap.String("key", key),
				zap.Error(err))
		} else if seen {
			h.Success(c, RecordUsageResponse{Duplicate: true})
			return
		}
	}

	event, err := fn(c.Request.Context(), input)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if key != "" && h.idempotency != nil && h.idemConfig.Enabled {
		if _, err := h.idempotency.MarkProcessed(c.Request.Context(), key, h.idemConfig.TTL); err != nil {
			h.logger.Warn("Failed to mark idempotency key",
				zap.String("key", key),
				zap.Error(err))
		}
	}

	h.Created(c, RecordUsageResponse{Event: event})
}

// GetSummary godoc
//
//	@ID				getMonthlySummary
//	@Summary		Get a tenant's monthly summary
//	@Description	Returns the pre-aggregated summary row for one billing month. Defaults to the current month.
//	@Tags			usage
//	@Produce		json
//	@Param			id		path	string	true	"Tenant ID"
//	@Param			month	query	string	false	"Billing month (YYYY-MM)"
//	@Success		200	{object}	APIResponse[appmetering.MonthlySummaryDTO]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Router			/tenants/{id}/summary [get]
func (h *UsageHandler) GetSummary(c *gin.Context) {
	tenantID, err := parseIDParam(c, "id")
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	c.Set(middleware.TenantIDKey, tenantID.String())

	summary, err := h.summaries.GetSummary(c.Request.Context(), tenantID, c.Query("month"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, summary)
}

// ListSummaries godoc
//
//	@ID				listMonthlySummaries
//	@Summary		List a tenant's recent monthly summaries
//	@Tags			usage
//	@Produce		json
//	@Param			id		path	string	true	"Tenant ID"
//	@Param			limit	query	int		false	"Number of months (default 12, max 36)"
//	@Success		200	{object}	APIResponse[[]appmetering.MonthlySummaryDTO]
//	@Failure		400	{object}	ErrorResponse
//	@Router			/tenants/{id}/summaries [get]
func (h *UsageHandler) ListSummaries(c *gin.Context) {
	tenantID, err := parseIDParam(c, "id")
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	c.Set(middleware.TenantIDKey, tenantID.String())

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			h.BadRequest(c, "Invalid limit")
			return
		}
	}

	summaries, err := h.summaries.ListSummaries(c.Request.Context(), tenantID, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, summaries)
}

// CheckLimits godoc
//
//	@ID				checkTenantLimits
//	@Summary		Report quota position per event kind
//	@Description	Returns current counts against the tier limits snapshotted into this month's summary, including grace period progress. Reporting only; nothing is blocked.
//	@Tags			usage
//	@Produce		json
//	@Param			id	path	string	true	"Tenant ID"
//	@Success		200	{object}	APIResponse[[]metering.LimitStatus]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Router			/tenants/{id}/limits [get]
func (h *UsageHandler) CheckLimits(c *gin.Context) {
	tenantID, err := parseIDParam(c, "id")
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	c.Set(middleware.TenantIDKey, tenantID.String())

	statuses, err := h.summaries.CheckLimits(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, statuses)
}

// RegisterRoutes registers all usage routes
func (h *UsageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/usage", h.RecordUsage)
	rg.POST("/usage/adjustments", h.RecordAdjustment)
	rg.GET("/tenants/:id/summary", h.GetSummary)
	rg.GET("/tenants/:id/summaries", h.ListSummaries)
	rg.GET("/tenants/:id/limits", h.CheckLimits)
}
