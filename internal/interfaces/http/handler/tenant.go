package handler

import (
	"github.com/gin-gonic/gin"

	appidentity "github.com/meterd/backend/internal/application/identity"
	"github.com/meterd/backend/internal/interfaces/http/middleware"
)

// TenantHandler handles tenant registry HTTP requests
type TenantHandler struct {
	BaseHandler
	tenants *appidentity.TenantService
}

// NewTenantHandler creates a new tenant handler
func NewTenantHandler(tenants *appidentity.TenantService) *TenantHandler {
	return &TenantHandler{tenants: tenants}
}

// SetTierRequest is the request body for changing a tenant's tier
//
//	@Description	Tier change request
type SetTierRequest struct {
	Tier string `json:"tier" binding:"required" example:"professional"`
}

// SetBillingRefRequest is the request body for updating the provider reference
//
//	@Description	External billing reference update
type SetBillingRefRequest struct {
	ExternalBillingRef string `json:"external_billing_ref" binding:"required" example:"si_acme_usage"`
}

// CreateTenant godoc
//
//	@ID				createTenant
//	@Summary		Create a tenant
//	@Description	Registers a tenant. Tier defaults to free, codes are uppercased and must be unique.
//	@Tags			tenants
//	@Accept			json
//	@Produce		json
//	@Param			request	body	appidentity.CreateTenantInput	true	"Tenant"
//	@Success		201	{object}	APIResponse[appidentity.TenantDTO]
//	@Failure		400	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/tenants [post]
func (h *TenantHandler) CreateTenant(c *gin.Context) {
	var input appidentity.CreateTenantInput
	if err := c.ShouldBindJSON(&input); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	tenant, err := h.tenants.Create(c.Request.Context(), input)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, tenant)
}

// ListTenants godoc
//
//	@ID				listTenants
//	@Summary		List tenants
//	@Tags			tenants
//	@Produce		json
//	@Success		200	{object}	APIResponse[[]appidentity.TenantDTO]
//	@Router			/tenants [get]
func (h *TenantHandler) ListTenants(c *gin.Context) {
	tenants, err := h.tenants.List(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, tenants)
}

// GetTenant godoc
//
//	@ID				getTenant
//	@Summary		Get a tenant by ID
//	@Tags			tenants
//	@Produce		json
//	@Param			id	path	string	true	"Tenant ID"
//	@Success		200	{object}	APIResponse[appidentity.TenantDTO]
//	@Failure		404	{object}	ErrorResponse
//	@Router			/tenants/{id} [get]
func (h *TenantHandler) GetTenant(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	c.Set(middleware.TenantIDKey, id.String())

	tenant, err := h.tenants.GetByID(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, tenant)
}

// SetTier godoc
//
//	@ID				setTenantTier
//	@Summary		Change a tenant's subscription tier
//	@Description	Quota limits already frozen into existing monthly summaries are unaffected; the new tier's limits apply from the next billing month.
//	@Tags			tenants
//	@Accept			json
//	@Produce		json
//	@Param			id		path	string			true	"Tenant ID"
//	@Param			request	body	SetTierRequest	true	"New tier"
//	@Success		200	{object}	APIResponse[appidentity.TenantDTO]
//	@Failure		404	{object}	ErrorResponse
//	@Failure		422	{object}	ErrorResponse
//	@Router			/tenants/{id}/tier [put]
func (h *TenantHandler) SetTier(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	c.Set(middleware.TenantIDKey, id.String())

	var req SetTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	tenant, err := h.tenants.SetTier(c.Request.Context(), id, req.Tier)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, tenant)
}

// SetBillingRef godoc
//
//	@ID				setTenantBillingRef
//	@Summary		Set the external billing reference
//	@Description	Stores the billing provider's subscription item reference used when submitting usage.
//	@Tags			tenants
//	@Accept			json
//	@Produce		json
//	@Param			id		path	string					true	"Tenant ID"
//	@Param			request	body	SetBillingRefRequest	true	"Reference"
//	@Success		200	{object}	APIResponse[appidentity.TenantDTO]
//	@Failure		404	{object}	ErrorResponse
//	@Router			/tenants/{id}/billing-ref [put]
func (h *TenantHandler) SetBillingRef(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}
	c.Set(middleware.TenantIDKey, id.String())

	var req SetBillingRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	tenant, err := h.tenants.SetBillingRef(c.Request.Context(), id, req.ExternalBillingRef)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, tenant)
}

// SuspendTenant godoc
//
//	@ID				suspendTenant
//	@Summary		Suspend a tenant
//	@Description	Marks the tenant suspended. Usage metering continues; suspension only gates what callers choose to gate.
//	@Tags			tenants
//	@Produce		json
//	@Param			id	path	string	true	"Tenant ID"
//	@Success		200	{object}	APIResponse[appidentity.TenantDTO]
//	@Failure		404	{object}	ErrorResponse
//	@Router			/tenants/{id}/suspend [post]
func (h *TenantHandler) SuspendTenant(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	tenant, err := h.tenants.Suspend(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, tenant)
}

// ActivateTenant godoc
//
//	@ID				activateTenant
//	@Summary		Reactivate a suspended tenant
//	@Tags			tenants
//	@Produce		json
//	@Param			id	path	string	true	"Tenant ID"
//	@Success		200	{object}	APIResponse[appidentity.TenantDTO]
//	@Failure		404	{object}	ErrorResponse
//	@Router			/tenants/{id}/activate [post]
func (h *TenantHandler) ActivateTenant(c *gin.Context) {
	id, err := parseIDParam(c, "id")
	if err != nil {
		h.BadRequest(c, "Invalid tenant ID")
		return
	}

	tenant, err := h.tenants.Activate(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, tenant)
}

// RegisterRoutes registers all tenant routes
func (h *TenantHandler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/tenants")
	group.POST("", h.CreateTenant)
	group.GET("", h.ListTenants)
	group.GET("/:id", h.GetTenant)
	group.PUT("/:id/tier", h.SetTier)
	group.PUT("/:id/billing-ref", h.SetBillingRef)
	group.POST("/:id/suspend", h.SuspendTenant)
	group.POST("/:id/activate", h.ActivateTenant)
}
