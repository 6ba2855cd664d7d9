package payments

import (
	"time"

	"github.com/mbd888/servicedesk/internal/auth"
)

// PaymentView is the JSON projection of a Payment. The client secret only
// travels in CheckoutView.
type PaymentView struct {
	ID                string     `json:"id"`
	OfferID           string     `json:"offerId"`
	RequestID         string     `json:"requestId"`
	Status            Status     `json:"status"`
	PaymentIntentID   string     `json:"paymentIntentId"`
	TaxRate           string     `json:"taxRate"`
	PlatformFeeRate   string     `json:"platformFeeRate"`
	BaseAmount        string     `json:"baseAmount"`
	TaxAmount         string     `json:"taxAmount"`
	PlatformFeeAmount string     `json:"platformFeeAmount"`
	DiscountAmount    string     `json:"discountAmount"`
	TotalAmount       string     `json:"totalAmount"`
	Currency          string     `json:"currency"`
	ResponderID       string     `json:"responderId"`
	ResponderRole     auth.Role  `json:"responderRole"`
	CreatedAt         time.Time  `json:"createdAt"`
	ConfirmedAt       *time.Time `json:"confirmedAt,omitempty"`
}

func (p *Payment) ToView() PaymentView {
	return PaymentView{
		ID:                p.ID,
		OfferID:           p.OfferID,
		RequestID:         p.RequestID,
		Status:            p.Status,
		PaymentIntentID:   p.PaymentIntentID,
		TaxRate:           p.TaxRate.StringFixed(2),
		PlatformFeeRate:   p.PlatformFeeRate.StringFixed(2),
		BaseAmount:        p.BaseAmount.StringFixed(2),
		TaxAmount:         p.TaxAmount.StringFixed(2),
		PlatformFeeAmount: p.PlatformFeeAmount.StringFixed(2),
		DiscountAmount:    p.DiscountAmount.StringFixed(2),
		TotalAmount:       p.TotalAmount.StringFixed(2),
		Currency:          p.Currency,
		ResponderID:       p.ResponderID,
		ResponderRole:     p.ResponderRole,
		CreatedAt:         p.CreatedAt,
		ConfirmedAt:       p.ConfirmedAt,
	}
}

// CheckoutView is what the mobile payment sheet is initialised with.
type CheckoutView struct {
	PaymentIntent  string      `json:"paymentIntent"`
	EphemeralKey   string      `json:"ephemeralKey"`
	Customer       string      `json:"customer"`
	PublishableKey string      `json:"publishableKey"`
	Payment        PaymentView `json:"payment"`
}

func (c *Checkout) ToView() CheckoutView {
	return CheckoutView{
		PaymentIntent:  c.PaymentIntent,
		EphemeralKey:   c.EphemeralKey,
		Customer:       c.Customer,
		PublishableKey: c.PublishableKey,
		Payment:        c.Payment.ToView(),
	}
}
