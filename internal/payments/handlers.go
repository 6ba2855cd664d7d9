package payments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/envelope"
	"github.com/mbd888/servicedesk/internal/logging"
)

const maxWebhookBody = 64 << 10

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new payments handler. Webhooks are refused when
// webhookSecret is empty.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterCustomerRoutes sets up customer-only routes.
func (h *Handler) RegisterCustomerRoutes(r *gin.RouterGroup) {
	r.POST("/payment", h.MakePayment)
	r.GET("/payments/:id", h.Get)
	r.POST("/payments/:id/confirm", h.Confirm)
}

// RegisterWebhookRoutes sets up the unauthenticated processor callback.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// MakePayment handles POST /payment
func (h *Handler) MakePayment(c *gin.Context) {
	var req MakePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		envelope.BadRequest(c, "Invalid request body")
		return
	}

	co, err := h.service.MakePayment(c.Request.Context(), auth.MustIdentity(c), req)
	if err != nil {
		envelope.Error(c, err)
		return
	}
	if co.Replayed {
		envelope.OK(c, "Payment already initiated", co.ToView())
		return
	}
	envelope.Created(c, "Payment initiated", co.ToView())
}

// Get handles GET /payments/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), auth.MustIdentity(c).ID, c.Param("id"))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Payment", p.ToView())
}

// Confirm handles POST /payments/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	p, err := h.service.Confirm(c.Request.Context(), auth.MustIdentity(c).ID, c.Param("id"))
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Payment confirmed", p.ToView())
}

// StripeWebhook handles POST /webhooks/stripe. Only payment_intent.succeeded
// is acted on; other events are acknowledged and dropped.
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.webhookSecret == "" {
		envelope.Failure(c, http.StatusServiceUnavailable, "webhooks_disabled", "Webhooks are not configured", nil)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		envelope.BadRequest(c, "Unreadable body")
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		envelope.Failure(c, http.StatusBadRequest, "invalid_signature", "Invalid webhook signature", nil)
		return
	}

	log := logging.L(c.Request.Context())
	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		envelope.OK(c, "Event ignored", nil)
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		envelope.BadRequest(c, "Malformed payment intent")
		return
	}

	p, err := h.service.ConfirmByIntent(c.Request.Context(), pi.ID)
	if errors.Is(err, ErrNotFound) {
		log.Warn("webhook for unknown payment intent", "intent", pi.ID, "event", event.ID)
		envelope.OK(c, "Event ignored", nil)
		return
	}
	if err != nil {
		envelope.Error(c, err)
		return
	}
	envelope.OK(c, "Payment confirmed", p.ToView())
}
