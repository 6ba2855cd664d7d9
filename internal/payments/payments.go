// Package payments settles accepted offers through a card processor.
//
// A payment moves through none → intent_created → confirmed, at most once
// per (customer, offer). Settlement first accepts the offer and awards the
// job to the responder who sent it, and only then writes the ledger fan-out
// in the same transaction as the status change. A payment whose award is
// refused (offer rejected, request closed, job awarded elsewhere) is voided
// and never moves money.
package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/ledger"
	"github.com/mbd888/servicedesk/internal/requests"
)

var (
	ErrNotFound      = apierr.New(apierr.NotFound, "payment not found")
	ErrOfferNotFound = apierr.New(apierr.NotFound, "offer not found")
	ErrNotPayer      = apierr.New(apierr.Forbidden, "offer is not addressed to you")
	ErrOfferMismatch = apierr.WithCode(apierr.Validation, "offer_mismatch", "offer does not belong to this request")
	ErrOfferNotSent  = apierr.WithCode(apierr.Conflict, "offer_not_sent", "offer has not been sent in a conversation")
	ErrOfferRejected = apierr.WithCode(apierr.Conflict, "offer_rejected", "offer was rejected")
	ErrRequestClosed = requests.ErrClosed
	ErrNotSucceeded  = apierr.WithCode(apierr.Conflict, "payment_not_completed", "payment has not completed at the processor")
	ErrVoided        = apierr.WithCode(apierr.Conflict, "payment_voided", "payment was voided and cannot be settled")
)

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusIntentCreated Status = "intent_created"
	StatusConfirmed     Status = "confirmed"
	StatusVoided        Status = "voided"
)

// Breakdown is the fee split for one payment. All amounts are in major
// units, rounded to cents; total = base + tax + fee - discount holds for the
// rounded values.
type Breakdown struct {
	Base        decimal.Decimal
	Tax         decimal.Decimal
	PlatformFee decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal

	exact decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// ComputeBreakdown applies percentage tax and platform fee rates to base.
// Tax, fee and total are computed at full precision and rounded once. The
// rounded fee absorbs the remainder so the stored columns still sum to the
// total.
func ComputeBreakdown(base, taxRate, feeRate, discount decimal.Decimal) Breakdown {
	tax := base.Mul(taxRate).Div(hundred)
	fee := base.Mul(feeRate).Div(hundred)
	exact := base.Add(tax).Add(fee).Sub(discount)

	total := exact.Round(2)
	roundedTax := tax.Round(2)
	return Breakdown{
		Base:        base,
		Tax:         roundedTax,
		PlatformFee: total.Sub(base).Sub(roundedTax).Add(discount),
		Discount:    discount,
		Total:       total,
		exact:       exact,
	}
}

// MinorUnits converts the exact total to the processor's integer amount.
func (b Breakdown) MinorUnits() int64 {
	return b.exact.Mul(hundred).Round(0).IntPart()
}

// Payment is one customer's payment for one offer.
type Payment struct {
	ID                  string
	CustomerID          string
	OfferID             string
	RequestID           string
	Status              Status
	ProcessorCustomerID string
	PaymentIntentID     string
	ClientSecret        string
	EphemeralKey        string
	TaxRate             decimal.Decimal
	PlatformFeeRate     decimal.Decimal
	BaseAmount          decimal.Decimal
	TaxAmount           decimal.Decimal
	PlatformFeeAmount   decimal.Decimal
	DiscountAmount      decimal.Decimal
	TotalAmount         decimal.Decimal
	AmountMinor         int64
	Currency            string
	ResponderID         string
	ResponderRole       auth.Role
	CreatedAt           time.Time
	ConfirmedAt         *time.Time
}

// Posting is the ledger effect of confirming p. Only a freelancer
// responder earns into a wallet.
func (p *Payment) Posting() ledger.Posting {
	posting := ledger.Posting{
		PaymentID:  p.ID,
		CustomerID: p.CustomerID,
		Amount:     p.TotalAmount,
	}
	if p.ResponderRole == auth.RoleFreelancer {
		posting.FreelancerID = p.ResponderID
	}
	return posting
}

// MakePaymentRequest is the body of POST /payment.
type MakePaymentRequest struct {
	OfferID   string `json:"offerId"`
	RequestID string `json:"requestId"`
}

// Checkout is what a client needs to present the processor's payment sheet.
type Checkout struct {
	PaymentIntent  string
	EphemeralKey   string
	Customer       string
	PublishableKey string
	Payment        *Payment
	Replayed       bool
}

// Store persists payments. Create and Confirm write the ledger fan-out in
// the same transaction as the payment row when confirming.
type Store interface {
	// Create inserts p. When p is confirmed its posting is written with it.
	// If a payment already exists for (customer, offer) it is returned with
	// created=false and nothing is written.
	Create(ctx context.Context, p *Payment) (stored *Payment, created bool, err error)
	Get(ctx context.Context, id string) (*Payment, error)
	GetByOffer(ctx context.Context, customerID, offerID string) (*Payment, error)
	GetByIntent(ctx context.Context, intentID string) (*Payment, error)
	// LatestForRequest returns the request's live payment: the newest
	// confirmed one, else the newest intent_created one. Voided payments are
	// skipped.
	LatestForRequest(ctx context.Context, requestID string) (*Payment, error)
	// Confirm moves an intent_created payment to confirmed and writes its
	// posting. Confirming a confirmed or voided payment returns it with
	// changed=false.
	Confirm(ctx context.Context, id string, at time.Time) (p *Payment, changed bool, err error)
	// Void moves an intent_created payment to voided. Other states are
	// returned unchanged with changed=false.
	Void(ctx context.Context, id string) (p *Payment, changed bool, err error)
	// ListPending returns intent_created payments created before cutoff,
	// oldest first.
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error)
}
