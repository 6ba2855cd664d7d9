// Package negotiation manages offers: priced proposals a responder makes
// on a service request and sends to the customer inside a conversation.
//
// Flow:
//  1. An admin or freelancer creates an offer for a customer's request (pending)
//  2. The offer is sent as an OFFER chat message, which links it to that message
//  3. The customer accepts or rejects it, exactly once
//  4. Payment settlement marks it accepted if the customer pays without
//     accepting first
package negotiation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/auth"
)

var (
	ErrNotFound        = apierr.New(apierr.NotFound, "offer not found")
	ErrNotOwner        = apierr.New(apierr.Forbidden, "offer belongs to another customer")
	ErrNotResponder    = apierr.New(apierr.Forbidden, "only admins and freelancers can create offers")
	ErrNotCreator      = apierr.New(apierr.Forbidden, "offer was created by another responder")
	ErrAlreadyResolved = apierr.WithCode(apierr.Conflict, "offer_resolved", "offer has already been accepted or rejected")
	ErrAlreadySent     = apierr.WithCode(apierr.Conflict, "offer_already_sent", "offer has already been sent")
	ErrWrongRequest    = apierr.WithCode(apierr.Validation, "offer_mismatch", "offer does not belong to this conversation")
	ErrRequestClosed   = apierr.WithCode(apierr.Conflict, "request_closed", "service request is no longer open")
	ErrInvalidDecision = apierr.WithCode(apierr.Validation, "invalid_decision", "status must be accepted or rejected")
	ErrPaymentPending  = apierr.WithCode(apierr.Conflict, "payment_in_progress", "offer has a payment in progress")
)

// Status is the offer lifecycle state. pending moves to accepted or
// rejected once and never back.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Offer is a priced proposal for one service request.
type Offer struct {
	ID            string
	CustomerID    string
	RequestID     string
	CreatedByID   string
	CreatedByRole auth.Role
	Name          string
	Description   string
	Type          string
	Timeline      string
	Budget        decimal.Decimal
	Deliverables  []string
	Status        Status
	CreatedAt     time.Time
	ResolvedAt    *time.Time

	// Set once, when the offer goes out as an OFFER message.
	ConversationID string
	MessageID      int64
	SentByID       string
	SentByRole     auth.Role
}

// Sent reports whether the offer has been delivered in a conversation.
func (o *Offer) Sent() bool {
	return o.MessageID != 0
}

// CreateOfferRequest is the body of POST /offers.
type CreateOfferRequest struct {
	CustomerID   string   `json:"customerId"`
	RequestID    string   `json:"requestId"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Type         string   `json:"type"`
	Timeline     string   `json:"timeline"`
	Budget       string   `json:"budget"`
	Deliverables []string `json:"deliverables"`
}

// ResolveRequest is the body of POST /accept-reject-offer.
type ResolveRequest struct {
	OfferID string `json:"offerId"`
	Status  Status `json:"status"`
}

// Link records the message that carried an offer.
type Link struct {
	ConversationID string
	MessageID      int64
	SenderID       string
	SenderRole     auth.Role
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)

	// Resolve moves a pending offer to status. A resolved offer yields
	// ErrAlreadyResolved and is left unchanged.
	Resolve(ctx context.Context, id string, status Status, at time.Time) (*Offer, error)

	// LinkMessage sets the link fields if they are unset. Relinking to the
	// same message is a no-op; any other message yields ErrAlreadySent.
	LinkMessage(ctx context.Context, id string, link Link) (*Offer, error)

	ListForCustomer(ctx context.Context, customerID string, limit int) ([]*Offer, error)
	ListByCreator(ctx context.Context, creatorID string, limit int) ([]*Offer, error)
}
