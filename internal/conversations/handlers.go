package conversations

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/envelope"
	"github.com/mbd888/servicedesk/internal/pagination"
)

// Handler provides HTTP endpoints for conversations. Sending messages goes
// through the realtime gateway, not HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new conversations handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterResponderRoutes sets up routes for admins and freelancers.
func (h *Handler) RegisterResponderRoutes(r *gin.RouterGroup) {
	r.POST("/conversations", h.Open)
}

// RegisterRoutes sets up routes for any authenticated participant.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/conversations", h.List)
	r.GET("/conversations/:id/messages", h.History)
}

// Open handles POST /conversations
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	id := auth.MustIdentity(c)
	conv, created, err := h.service.Open(c.Request.Context(), id, req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	if created {
		envelope.Created(c, "Conversation created", conv.ToView(SideResponder))
		return
	}
	envelope.OK(c, "Conversation already exists", conv.ToView(SideResponder))
}

// List handles GET /conversations
func (h *Handler) List(c *gin.Context) {
	id := auth.MustIdentity(c)
	ss, err := h.service.ListForUser(c.Request.Context(), id.ID, pagination.Limit(c.Query("limit")))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Conversations", summaryViews(id, ss))
}

// History handles GET /conversations/:id/messages
func (h *Handler) History(c *gin.Context) {
	id := auth.MustIdentity(c)
	page, err := h.service.History(c.Request.Context(), id, c.Param("id"),
		c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Messages", historyView(page))
}
