package ledger

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/envelope"
	"github.com/mbd888/servicedesk/internal/pagination"
	"github.com/mbd888/servicedesk/internal/validation"
)

// Handler provides HTTP endpoints for wallets and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterFreelancerRoutes sets up routes for authenticated freelancers.
func (h *Handler) RegisterFreelancerRoutes(r *gin.RouterGroup) {
	r.POST("/withdraw-earnings", h.Withdraw)
	r.GET("/earnings-history", h.History)
	r.GET("/wallet", h.Wallet)
}

// RegisterAdminRoutes sets up admin-only withdrawal routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/withdrawals", h.ListPending)
	r.POST("/admin/withdrawals/:id/process", h.Process)
	r.POST("/admin/withdrawals/:id/reject", h.Reject)
}

// WithdrawRequest is the body of POST /withdraw-earnings.
type WithdrawRequest struct {
	Amount string `json:"amount"`
}

// Withdraw handles POST /withdraw-earnings
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}
	if err := validation.Validate(validation.Required("amount", req.Amount)).Err(); err != nil {
		envelope.Error(c, err)
		return
	}

	id := auth.MustIdentity(c)
	w, wallet, err := h.service.Withdraw(c.Request.Context(), id.ID, req.Amount)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.Created(c, "Withdrawal requested", gin.H{
		"withdrawal": w.ToView(),
		"wallet":     wallet.ToView(),
	})
}

// History handles GET /earnings-history
func (h *Handler) History(c *gin.Context) {
	id := auth.MustIdentity(c)
	ctx := c.Request.Context()

	page, err := h.service.History(ctx, id.ID, c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	wallet, err := h.service.Wallet(ctx, id.ID)
	if err != nil {
		envelope.Error(c, err)
		return
	}

	entries := make([]EntryView, len(page.Items))
	for i, e := range page.Items {
		entries[i] = e.ToView()
	}
	envelope.OK(c, "Earnings history", gin.H{
		"wallet": wallet.ToView(),
		"entries": pagination.Page[EntryView]{
			Items:      entries,
			NextCursor: page.NextCursor,
			HasMore:    page.HasMore,
		},
	})
}

// Wallet handles GET /wallet
func (h *Handler) Wallet(c *gin.Context) {
	id := auth.MustIdentity(c)
	wallet, err := h.service.Wallet(c.Request.Context(), id.ID)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Wallet", wallet.ToView())
}

// ListPending handles GET /admin/withdrawals
func (h *Handler) ListPending(c *gin.Context) {
	ws, err := h.service.ListPending(c.Request.Context(), pagination.Limit(c.Query("limit")))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Pending withdrawals", withdrawalViews(ws))
}

// Process handles POST /admin/withdrawals/:id/process
func (h *Handler) Process(c *gin.Context) {
	w, err := h.service.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Withdrawal processed", w.ToView())
}

// RejectRequest is the body of POST /admin/withdrawals/:id/reject.
type RejectRequest struct {
	Note string `json:"note"`
}

// Reject handles POST /admin/withdrawals/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}
	note := validation.SanitizeString(req.Note, 500)
	if err := validation.Validate(validation.Required("note", note)).Err(); err != nil {
		envelope.Error(c, err)
		return
	}

	w, err := h.service.Reject(c.Request.Context(), c.Param("id"), note)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Withdrawal rejected", w.ToView())
}
