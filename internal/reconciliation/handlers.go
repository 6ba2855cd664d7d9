package reconciliation

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/servicedesk/internal/envelope"
)

// Handler exposes reconciliation to admins.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes mounts GET /admin/reconciliation.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.Run)
}

// Run handles GET /admin/reconciliation. ?cached=true returns the last
// report without running a new one.
func (h *Handler) Run(c *gin.Context) {
	if c.Query("cached") == "true" {
		if last := h.service.Last(); last != nil {
			envelope.OK(c, "Reconciliation report", last)
			return
		}
	}
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Reconciliation report", report)
}
