package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	appmetering "github.com/meterd/backend/internal/application/metering"
	"github.com/meterd/backend/internal/interfaces/http/dto"
)

// SyncTrigger is the scheduler surface the handler needs: kick off an
// out-of-band pass and report liveness.
type SyncTrigger interface {
	TriggerImmediateSync(ctx context.Context) error
	IsRunning() bool
}

// ReconcilerHandler exposes the operator endpoints for the billing sync loop
type ReconcilerHandler struct {
	BaseHandler
	reconcile *appmetering.ReconcileService
	trigger   SyncTrigger
}

// NewReconcilerHandler creates a new reconciler handler. The trigger may be
// nil when the background loop is disabled; the manual sync endpoint then
// returns 409.
func NewReconcilerHandler(reconcile *appmetering.ReconcileService, trigger SyncTrigger) *ReconcilerHandler {
	return &ReconcilerHandler{
		reconcile: reconcile,
		trigger:   trigger,
	}
}

// ReconcilerStatusResponse reports loop liveness and per-state event counts
//
//	@Description	Reconciler status with counts by sync state
type ReconcilerStatusResponse struct {
	Running bool                   `json:"running"`
	Stats   *appmetering.SyncStats `json:"stats"`
}

// GetStatus godoc
//
//	@ID				getReconcilerStatus
//	@Summary		Get reconciler status
//	@Description	Returns whether the background loop is running and how many events sit in each sync state.
//	@Tags			reconciler
//	@Produce		json
//	@Success		200	{object}	APIResponse[ReconcilerStatusResponse]
//	@Failure		500	{object}	ErrorResponse
//	@Router			/reconciler/status [get]
func (h *ReconcilerHandler) GetStatus(c *gin.Context) {
	stats, err := h.reconcile.Stats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	running := false
	if h.trigger != nil {
		running = h.trigger.IsRunning()
	}

	h.Success(c, ReconcilerStatusResponse{
		Running: running,
		Stats:   stats,
	})
}

// ListDeadLetters godoc
//
//	@ID				listDeadLetters
//	@Summary		List dead-lettered events
//	@Description	Returns events that exhausted their retry budget or hit a permanent provider rejection, newest first, with the last provider error for inspection.
//	@Tags			reconciler
//	@Produce		json
//	@Param			limit	query	int	false	"Page size (default 50)"
//	@Param			offset	query	int	false	"Page offset"
//	@Success		200	{object}	APIResponse[[]appmetering.UsageEventDTO]
//	@Failure		400	{object}	ErrorResponse
//	@Router			/reconciler/dead-letter [get]
func (h *ReconcilerHandler) ListDeadLetters(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		h.BadRequest(c, "Invalid limit")
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		h.BadRequest(c, "Invalid offset")
		return
	}

	page, err := h.reconcile.DeadLetters(c.Request.Context(), limit, offset)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	pageNum := 1
	if page.Limit > 0 {
		pageNum = page.Offset/page.Limit + 1
	}
	h.SuccessWithMeta(c, page.Events, page.Total, pageNum, page.Limit)
}

// TriggerSync godoc
//
//	@ID				triggerReconcilerSync
//	@Summary		Trigger an immediate sync pass
//	@Description	Asks the background loop to run a pass now instead of waiting for the next tick.
//	@Tags			reconciler
//	@Produce		json
//	@Success		202	{object}	SuccessResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/reconciler/sync [post]
func (h *ReconcilerHandler) TriggerSync(c *gin.Context) {
	if h.trigger == nil {
		h.Conflict(c, "Reconciler loop is not enabled")
		return
	}
	if err := h.trigger.TriggerImmediateSync(c.Request.Context()); err != nil {
		h.Conflict(c, "Reconciler loop is not running")
		return
	}
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(gin.H{"triggered": true}))
}

// RequeueDeadLetter godoc
//
//	@ID				requeueDeadLetter
//	@Summary		Requeue a dead-lettered event
//	@Description	Resets a dead-lettered event to pending with a fresh attempt budget so the next pass retries it.
//	@Tags			reconciler
//	@Produce		json
//	@Param			id	path	string	true	"Event ID"
//	@Success		200	{object}	APIResponse[appmetering.UsageEventDTO]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		422	{object}	ErrorResponse
//	@Router			/reconciler/dead-letter/{id}/requeue [post]
func (h *ReconcilerHandler) RequeueDeadLetter(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		h.BadRequest(c, "Invalid event ID")
		return
	}

	event, err := h.reconcile.Requeue(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, event)
}

// intQuery parses an integer query parameter with a default
func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// RegisterRoutes registers all reconciler routes
func (h *ReconcilerHandler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/reconciler")
	group.GET("/status", h.GetStatus)
	group.GET("/dead-letter", h.ListDeadLetters)
	group.POST("/sync", h.TriggerSync)
	group.POST("/dead-letter/:id/requeue", h.RequeueDeadLetter)
}
