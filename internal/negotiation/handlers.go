package negotiation

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/envelope"
	"github.com/mbd888/servicedesk/internal/pagination"
)

// Handler provides HTTP endpoints for offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up routes for any authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.List)
	r.GET("/offers/:id", h.Get)
}

// RegisterResponderRoutes sets up routes for admins and freelancers.
func (h *Handler) RegisterResponderRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.Create)
}

// RegisterCustomerRoutes sets up customer-only routes.
func (h *Handler) RegisterCustomerRoutes(r *gin.RouterGroup) {
	r.POST("/accept-reject-offer", h.AcceptReject)
}

// Create handles POST /offers
func (h *Handler) Create(c *gin.Context) {
	var req CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	o, err := h.service.CreateOffer(c.Request.Context(), auth.MustIdentity(c), req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.Created(c, "Offer created", o.ToView())
}

// Get handles GET /offers/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.GetForViewer(c.Request.Context(), auth.MustIdentity(c), c.Param("id"))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Offer", o.ToView())
}

// List handles GET /offers. Customers see offers made to them, responders
// see the offers they created.
func (h *Handler) List(c *gin.Context) {
	id := auth.MustIdentity(c)
	limit := pagination.Limit(c.Query("limit"))

	var (
		os  []*Offer
		err error
	)
	if id.Role == auth.RoleCustomer {
		os, err = h.service.ListForCustomer(c.Request.Context(), id.ID, limit)
	} else {
		os, err = h.service.ListByCreator(c.Request.Context(), id.ID, limit)
	}
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Offers", offerViews(os))
}

// AcceptReject handles POST /accept-reject-offer
func (h *Handler) AcceptReject(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	o, err := h.service.AcceptOrReject(c.Request.Context(), auth.MustIdentity(c).ID, req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	msg := "Offer accepted"
	if o.Status == StatusRejected {
		msg = "Offer rejected"
	}
	envelope.OK(c, msg, o.ToView())
}
