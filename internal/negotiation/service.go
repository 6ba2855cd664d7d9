package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/idgen"
	"github.com/mbd888/servicedesk/internal/metrics"
	"github.com/mbd888/servicedesk/internal/requests"
	"github.com/mbd888/servicedesk/internal/validation"
)

const (
	maxDeliverables      = 50
	maxDeliverableLength = 500
)

// RequestLookup checks that a request belongs to a customer.
type RequestLookup interface {
	Owned(ctx context.Context, customerID, id string) (*requests.ServiceRequest, error)
}

// PaymentCheck reports whether a customer has started paying for an offer.
type PaymentCheck interface {
	PaymentExists(ctx context.Context, customerID, offerID string) (bool, error)
}

// Service implements offer creation and resolution.
type Service struct {
	store    Store
	requests RequestLookup
	payments PaymentCheck
	logger   *slog.Logger
}

// NewService creates a new negotiation service.
func NewService(store Store, reqs RequestLookup, logger *slog.Logger) *Service {
	return &Service{store: store, requests: reqs, logger: logger}
}

// WithPayments wires the payment check that blocks rejecting an offer the
// customer is already paying for.
func (s *Service) WithPayments(p PaymentCheck) *Service {
	s.payments = p
	return s
}

// CreateOffer records a pending offer from responder on the customer's request.
func (s *Service) CreateOffer(ctx context.Context, responder *auth.Identity, req CreateOfferRequest) (*Offer, error) {
	if !responder.Role.IsResponder() {
		return nil, ErrNotResponder
	}

	errs := validation.Validate(
		validation.Required("customerId", req.CustomerID),
		validation.Required("requestId", req.RequestID),
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.MaxLength("description", req.Description, 5000),
		validation.MaxLength("type", req.Type, 100),
		validation.MaxLength("timeline", req.Timeline, 200),
		validation.Required("budget", req.Budget),
		validation.ValidAmount("budget", req.Budget),
	)
	if len(req.Deliverables) > maxDeliverables {
		errs = append(errs, validation.ValidationError{Field: "deliverables", Message: "too many items"})
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	r, err := s.requests.Owned(ctx, req.CustomerID, req.RequestID)
	if err != nil {
		return nil, err
	}
	if r.Status == requests.StatusCancelled || r.Status == requests.StatusCompleted {
		return nil, ErrRequestClosed
	}

	deliverables := make([]string, 0, len(req.Deliverables))
	for _, d := range req.Deliverables {
		if d = validation.SanitizeString(d, maxDeliverableLength); d != "" {
			deliverables = append(deliverables, d)
		}
	}

	o := &Offer{
		ID:            idgen.WithPrefix("off_"),
		CustomerID:    r.CustomerID,
		RequestID:     r.ID,
		CreatedByID:   responder.ID,
		CreatedByRole: responder.Role,
		Name:          validation.SanitizeString(req.Name, 200),
		Description:   validation.SanitizeString(req.Description, 5000),
		Type:          validation.SanitizeString(req.Type, 100),
		Timeline:      validation.SanitizeString(req.Timeline, 200),
		Budget:        decimal.RequireFromString(req.Budget),
		Deliverables:  deliverables,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	metrics.OffersTotal.WithLabelValues("created").Inc()
	s.logger.Info("offer created", "offer", o.ID, "request", o.RequestID, "creator", o.CreatedByID, "budget", o.Budget.StringFixed(2))
	return o, nil
}

// Get returns an offer without access checks.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// GetForViewer returns an offer visible to its customer and its creator.
func (s *Service) GetForViewer(ctx context.Context, viewer *auth.Identity, id string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case viewer.Role == auth.RoleCustomer && viewer.ID == o.CustomerID:
	case viewer.Role.IsResponder() && viewer.ID == o.CreatedByID:
	case viewer.Role == auth.RoleAdmin:
	default:
		return nil, ErrNotOwner
	}
	return o, nil
}

// AcceptOrReject resolves a pending offer on behalf of its customer.
func (s *Service) AcceptOrReject(ctx context.Context, customerID string, req ResolveRequest) (*Offer, error) {
	if err := validation.Validate(validation.Required("offerId", req.OfferID)).Err(); err != nil {
		return nil, err
	}
	if req.Status != StatusAccepted && req.Status != StatusRejected {
		return nil, ErrInvalidDecision
	}

	o, err := s.store.Get(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, ErrNotOwner
	}
	if o.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	if req.Status == StatusRejected && s.payments != nil {
		paying, err := s.payments.PaymentExists(ctx, customerID, o.ID)
		if err != nil {
			return nil, fmt.Errorf("check payment: %w", err)
		}
		if paying {
			return nil, ErrPaymentPending
		}
	}

	resolved, err := s.store.Resolve(ctx, o.ID, req.Status, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.OffersTotal.WithLabelValues(string(req.Status)).Inc()
	s.logger.Info("offer resolved", "offer", o.ID, "status", req.Status, "customer", customerID)
	return resolved, nil
}

// MarkAccepted accepts an offer during settlement. Accepting an accepted
// offer is a no-op; a rejected offer yields ErrAlreadyResolved.
func (s *Service) MarkAccepted(ctx context.Context, id string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case StatusAccepted:
		return o, nil
	case StatusRejected:
		return nil, ErrAlreadyResolved
	}

	resolved, err := s.store.Resolve(ctx, id, StatusAccepted, time.Now().UTC())
	if errors.Is(err, ErrAlreadyResolved) {
		// lost a race; fine if the winner also accepted
		if o, gerr := s.store.Get(ctx, id); gerr == nil && o.Status == StatusAccepted {
			return o, nil
		}
	}
	if err != nil {
		return nil, err
	}
	metrics.OffersTotal.WithLabelValues(string(StatusAccepted)).Inc()
	return resolved, nil
}

// Sendable checks that sender may deliver the offer in a conversation about
// requestID with customerID, and that it has not been delivered yet.
func (s *Service) Sendable(ctx context.Context, sender *auth.Identity, offerID, requestID, customerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.RequestID != requestID || o.CustomerID != customerID {
		return nil, ErrWrongRequest
	}
	if o.CreatedByID != sender.ID {
		return nil, ErrNotCreator
	}
	if o.Sent() {
		return nil, ErrAlreadySent
	}
	return o, nil
}

// LinkMessage records the OFFER message that carried the offer.
func (s *Service) LinkMessage(ctx context.Context, offerID string, link Link) (*Offer, error) {
	o, err := s.store.LinkMessage(ctx, offerID, link)
	if err != nil {
		return nil, err
	}
	metrics.OffersTotal.WithLabelValues("sent").Inc()
	return o, nil
}

// ListForCustomer returns offers addressed to a customer, newest first.
func (s *Service) ListForCustomer(ctx context.Context, customerID string, limit int) ([]*Offer, error) {
	return s.store.ListForCustomer(ctx, customerID, limit)
}

// ListByCreator returns offers a responder created, newest first.
func (s *Service) ListByCreator(ctx context.Context, creatorID string, limit int) ([]*Offer, error) {
	return s.store.ListByCreator(ctx, creatorID, limit)
}
