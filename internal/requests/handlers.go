package requests

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/envelope"
	"github.com/mbd888/servicedesk/internal/pagination"
)

// Handler provides HTTP endpoints for service requests and jobs.
type Handler struct {
	service *Service
}

// NewHandler creates a new requests handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterCustomerRoutes sets up routes only customers may call.
func (h *Handler) RegisterCustomerRoutes(r *gin.RouterGroup) {
	r.POST("/forms", h.Submit)
	r.GET("/forms", h.ListMine)
	r.PUT("/forms/:id", h.Update)
	r.POST("/forms/:id/cancel", h.Cancel)
	r.POST("/create-review", h.CreateReview)
	r.POST("/create-report", h.CreateReport)
}

// RegisterSharedRoutes sets up routes any authenticated participant may call.
func (h *Handler) RegisterSharedRoutes(r *gin.RouterGroup) {
	r.GET("/forms/:id", h.Get)
	r.GET("/forms/:id/progress", h.Progress)
}

// RegisterResponderRoutes sets up job board routes for admins and freelancers.
func (h *Handler) RegisterResponderRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.OpenJobs)
	r.GET("/jobs/awarded", h.AwardedJobs)
	r.GET("/jobs/pending", h.PendingJobs)
	r.POST("/update-job-progress", h.UpdateProgress)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/forms/:id/complete", h.Complete)
}

// Submit handles POST /forms
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	id := auth.MustIdentity(c)
	r, j, err := h.service.Submit(c.Request.Context(), id.ID, req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.Created(c, "Service request submitted", ListingView{RequestView: r.ToView(), Job: j.ToView()})
}

// ListMine handles GET /forms
func (h *Handler) ListMine(c *gin.Context) {
	id := auth.MustIdentity(c)
	rs, err := h.service.ListByCustomer(c.Request.Context(), id.ID, pagination.Limit(c.Query("limit")))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	views := make([]RequestView, len(rs))
	for i, r := range rs {
		views[i] = r.ToView()
	}
	envelope.OK(c, "Service requests", views)
}

// Get handles GET /forms/:id
func (h *Handler) Get(c *gin.Context) {
	r, j, err := h.service.GetForViewer(c.Request.Context(), auth.MustIdentity(c), c.Param("id"))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Service request", ListingView{RequestView: r.ToView(), Job: j.ToView()})
}

// Update handles PUT /forms/:id
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	id := auth.MustIdentity(c)
	r, err := h.service.Update(c.Request.Context(), id.ID, c.Param("id"), req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Service request updated", r.ToView())
}

// Cancel handles POST /forms/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	id := auth.MustIdentity(c)
	cancellation, refund, err := h.service.Cancel(c.Request.Context(), id.ID, c.Param("id"), req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Service request cancelled", cancellationView(cancellation, refund))
}

// Complete handles POST /forms/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	r, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Service request completed", r.ToView())
}

// OpenJobs handles GET /jobs
func (h *Handler) OpenJobs(c *gin.Context) {
	id := auth.MustIdentity(c)
	ls, err := h.service.ListOpenJobs(c.Request.Context(), id.Role, pagination.Limit(c.Query("limit")))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Open jobs", listingViews(ls))
}

// AwardedJobs handles GET /jobs/awarded
func (h *Handler) AwardedJobs(c *gin.Context) {
	id := auth.MustIdentity(c)
	ls, err := h.service.ListAwardedJobs(c.Request.Context(), id.ID, pagination.Limit(c.Query("limit")))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Awarded jobs", listingViews(ls))
}

// PendingJobs handles GET /jobs/pending
func (h *Handler) PendingJobs(c *gin.Context) {
	ls, err := h.service.PendingJobs(c.Request.Context(), auth.MustIdentity(c), pagination.Limit(c.Query("limit")))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Pending jobs", listingViews(ls))
}

// CreateReview handles POST /create-review
func (h *Handler) CreateReview(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	id := auth.MustIdentity(c)
	rv, err := h.service.CreateReview(c.Request.Context(), id.ID, req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.Created(c, "Review created", rv.ToView())
}

// CreateReport handles POST /create-report
func (h *Handler) CreateReport(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	id := auth.MustIdentity(c)
	rp, err := h.service.CreateReport(c.Request.Context(), id.ID, req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.Created(c, "Report submitted", rp.ToView())
}

// UpdateProgress handles POST /update-job-progress
func (h *Handler) UpdateProgress(c *gin.Context) {
	var req ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	u, err := h.service.UpdateProgress(c.Request.Context(), auth.MustIdentity(c), req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.Created(c, "Job progress updated", u.ToView())
}

// Progress handles GET /forms/:id/progress
func (h *Handler) Progress(c *gin.Context) {
	us, err := h.service.ListProgress(c.Request.Context(), auth.MustIdentity(c), c.Param("id"), pagination.Limit(c.Query("limit")))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	views := make([]ProgressView, len(us))
	for i, u := range us {
		views[i] = u.ToView()
	}
	envelope.OK(c, "Job progress", views)
}
