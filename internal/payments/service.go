package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/config"
	"github.com/mbd888/servicedesk/internal/idgen"
	"github.com/mbd888/servicedesk/internal/metrics"
	"github.com/mbd888/servicedesk/internal/negotiation"
	"github.com/mbd888/servicedesk/internal/requests"
	"github.com/mbd888/servicedesk/internal/syncutil"
	"github.com/mbd888/servicedesk/internal/traces"
	"github.com/mbd888/servicedesk/internal/validation"
)

// pendingGrace is how old an unconfirmed intent must be before the sweeper
// asks the processor about it.
const pendingGrace = time.Minute

// OfferSource is the slice of the negotiation engine settlement needs.
type OfferSource interface {
	Get(ctx context.Context, id string) (*negotiation.Offer, error)
	MarkAccepted(ctx context.Context, id string) (*negotiation.Offer, error)
}

// RequestSource is the slice of the request service settlement needs.
type RequestSource interface {
	Payable(ctx context.Context, customerID, requestID, awardeeID string) (*requests.ServiceRequest, error)
	Awardable(ctx context.Context, requestID, awardeeID string) error
	MarkPaidAndAward(ctx context.Context, requestID, awardeeID string, role requests.AwardRole) error
}

// Settings are the fee and processor parameters applied to new payments.
type Settings struct {
	TaxRate         decimal.Decimal
	PlatformFeeRate decimal.Decimal
	Currency        string
	Mode            string
	PublishableKey  string
}

// SettingsFromConfig extracts payment settings from the app config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		TaxRate:         cfg.TaxRate,
		PlatformFeeRate: cfg.PlatformFeeRate,
		Currency:        cfg.Currency,
		Mode:            cfg.SettlementMode,
		PublishableKey:  cfg.StripePublishableKey,
	}
}

// Service creates and settles payments.
type Service struct {
	store     Store
	processor Processor
	offers    OfferSource
	requests  RequestSource
	settings  Settings
	locks     syncutil.Locker
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a payment service.
func NewService(store Store, processor Processor, offers OfferSource, reqs RequestSource, settings Settings, logger *slog.Logger) *Service {
	if settings.Mode == "" {
		settings.Mode = config.SettleOnConfirmation
	}
	return &Service{
		store:     store,
		processor: processor,
		offers:    offers,
		requests:  reqs,
		settings:  settings,
		locks:     syncutil.NewContextShardedMutex(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithLocker replaces the per-offer lock, e.g. with a Redis-backed chain.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locks = l
	return s
}

// MakePayment returns the checkout for the payer's payment of an offer,
// creating the processor intent on first call. Repeat calls for the same
// offer return the stored payment without touching the processor.
func (s *Service) MakePayment(ctx context.Context, payer *auth.Identity, req MakePaymentRequest) (_ *Checkout, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.MakePayment",
		traces.SubjectID(payer.ID), traces.OfferID(req.OfferID), traces.RequestID(req.RequestID))
	defer func() { traces.End(span, err) }()

	if err := validation.Validate(
		validation.Required("offerId", req.OfferID),
		validation.Required("requestId", req.RequestID),
	).Err(); err != nil {
		return nil, err
	}

	offer, err := s.offers.Get(ctx, req.OfferID)
	if errors.Is(err, negotiation.ErrNotFound) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	switch {
	case offer.CustomerID != payer.ID:
		return nil, ErrNotPayer
	case offer.RequestID != req.RequestID:
		return nil, ErrOfferMismatch
	case !offer.Sent():
		return nil, ErrOfferNotSent
	case offer.Status == negotiation.StatusRejected:
		return nil, ErrOfferRejected
	}

	unlock, err := s.locks.Lock(ctx, "pay:"+payer.ID+":"+offer.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.GetByOffer(ctx, payer.ID, offer.ID)
	if err == nil {
		if existing.Status == StatusVoided {
			return nil, ErrVoided
		}
		metrics.PaymentsTotal.WithLabelValues("replayed").Inc()
		return s.checkout(existing, true), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// refuse before the processor sees anything
	if _, err := s.requests.Payable(ctx, payer.ID, req.RequestID, offer.SentByID); err != nil {
		return nil, err
	}

	p, err := s.createIntent(ctx, payer, offer)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if p.Status == StatusConfirmed {
		// intent mode: the award must hold before the posting is written
		if err := s.award(ctx, p); err != nil {
			metrics.PaymentsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	stored, created, err := s.store.Create(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to store payment: %w", err)
	}
	if !created {
		metrics.PaymentsTotal.WithLabelValues("replayed").Inc()
		return s.checkout(stored, true), nil
	}

	metrics.PaymentsTotal.WithLabelValues("created").Inc()
	metrics.PaymentAmount.Observe(stored.TotalAmount.InexactFloat64())
	s.logger.Info("payment created",
		"payment", stored.ID, "offer", stored.OfferID, "customer", stored.CustomerID,
		"total", stored.TotalAmount.StringFixed(2), "status", stored.Status)
	if stored.Status == StatusConfirmed {
		metrics.PaymentsTotal.WithLabelValues("settled").Inc()
	}
	return s.checkout(stored, false), nil
}

// createIntent runs the three processor calls and builds the unsaved payment.
func (s *Service) createIntent(ctx context.Context, payer *auth.Identity, offer *negotiation.Offer) (*Payment, error) {
	b := ComputeBreakdown(offer.Budget, s.settings.TaxRate, s.settings.PlatformFeeRate, decimal.Zero)
	key := payer.ID + ":" + offer.ID

	customerID, err := s.processor.CreateCustomer(ctx, CustomerParams{
		Email:          payer.Email,
		Name:           payer.Name,
		UserID:         payer.ID,
		IdempotencyKey: "cus:" + key,
	})
	if err != nil {
		return nil, s.upstream("create customer", err)
	}
	ephemeralKey, err := s.processor.CreateEphemeralKey(ctx, customerID)
	if err != nil {
		return nil, s.upstream("create ephemeral key", err)
	}
	intent, err := s.processor.CreatePaymentIntent(ctx, IntentParams{
		AmountMinor: b.MinorUnits(),
		Currency:    s.settings.Currency,
		CustomerID:  customerID,
		Metadata: map[string]string{
			"offer_id":           offer.ID,
			"user_id":            payer.ID,
			"form_submission_id": offer.RequestID,
		},
		IdempotencyKey: "pi:" + key,
	})
	if err != nil {
		return nil, s.upstream("create payment intent", err)
	}

	now := s.now()
	p := &Payment{
		ID:                  idgen.WithPrefix("pay_"),
		CustomerID:          payer.ID,
		OfferID:             offer.ID,
		RequestID:           offer.RequestID,
		Status:              StatusIntentCreated,
		ProcessorCustomerID: customerID,
		PaymentIntentID:     intent.ID,
		ClientSecret:        intent.ClientSecret,
		EphemeralKey:        ephemeralKey,
		TaxRate:             s.settings.TaxRate,
		PlatformFeeRate:     s.settings.PlatformFeeRate,
		BaseAmount:          b.Base,
		TaxAmount:           b.Tax,
		PlatformFeeAmount:   b.PlatformFee,
		DiscountAmount:      b.Discount,
		TotalAmount:         b.Total,
		AmountMinor:         b.MinorUnits(),
		Currency:            s.settings.Currency,
		ResponderID:         offer.SentByID,
		ResponderRole:       offer.SentByRole,
		CreatedAt:           now,
	}
	if s.settings.Mode == config.SettleOnIntent {
		p.Status = StatusConfirmed
		p.ConfirmedAt = &now
	}
	return p, nil
}

func (s *Service) upstream(step string, err error) error {
	s.logger.Warn("payment processor call failed", "step", step, "error", err)
	return apierr.Wrap(apierr.Upstream, "payment processor unavailable", fmt.Errorf("%s: %w", step, err))
}

func (s *Service) checkout(p *Payment, replayed bool) *Checkout {
	return &Checkout{
		PaymentIntent:  p.ClientSecret,
		EphemeralKey:   p.EphemeralKey,
		Customer:       p.ProcessorCustomerID,
		PublishableKey: s.settings.PublishableKey,
		Payment:        p,
		Replayed:       replayed,
	}
}

// Confirm settles a customer's payment once the processor reports the
// intent succeeded.
func (s *Service) Confirm(ctx context.Context, customerID, paymentID string) (_ *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.Confirm", traces.SubjectID(customerID), traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.CustomerID != customerID {
		return nil, ErrNotFound
	}
	switch p.Status {
	case StatusVoided:
		return nil, ErrVoided
	case StatusIntentCreated:
		intent, err := s.processor.GetPaymentIntent(ctx, p.PaymentIntentID)
		if err != nil {
			return nil, s.upstream("get payment intent", err)
		}
		if intent.Status != IntentSucceeded {
			return nil, ErrNotSucceeded
		}
	}
	return s.settle(ctx, p)
}

// ConfirmByIntent settles the payment for a processor intent. It trusts the
// caller to have verified the intent succeeded.
func (s *Service) ConfirmByIntent(ctx context.Context, intentID string) (_ *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "payments.ConfirmByIntent")
	defer func() { traces.End(span, err) }()

	p, err := s.store.GetByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, p)
}

// settle awards the job and then confirms p, writing the ledger fan-out.
// The award runs first so a refused award leaves no money moved; it is
// idempotent, so a crash between the two steps heals on the next attempt.
// A payment whose award can never succeed is voided.
func (s *Service) settle(ctx context.Context, p *Payment) (*Payment, error) {
	if p.Status == StatusVoided {
		return nil, ErrVoided
	}
	if err := s.award(ctx, p); err != nil {
		if unawardable(err) && p.Status == StatusIntentCreated {
			s.void(ctx, p, err)
		}
		return nil, err
	}

	confirmed, changed, err := s.store.Confirm(ctx, p.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to confirm payment: %w", err)
	}
	if confirmed.Status == StatusVoided {
		return nil, ErrVoided
	}
	if changed {
		metrics.PaymentsTotal.WithLabelValues("settled").Inc()
		s.logger.Info("payment confirmed", "payment", confirmed.ID, "offer", confirmed.OfferID,
			"total", confirmed.TotalAmount.StringFixed(2))
	}
	return confirmed, nil
}

// award accepts the offer and hands the job to the responder who sent it.
// The job is checked first so a losing offer is not left accepted.
func (s *Service) award(ctx context.Context, p *Payment) error {
	if err := s.requests.Awardable(ctx, p.RequestID, p.ResponderID); err != nil {
		return fmt.Errorf("award request %s: %w", p.RequestID, err)
	}
	if _, err := s.offers.MarkAccepted(ctx, p.OfferID); err != nil {
		return fmt.Errorf("accept offer %s: %w", p.OfferID, err)
	}
	if err := s.requests.MarkPaidAndAward(ctx, p.RequestID, p.ResponderID, requests.AwardRole(p.ResponderRole)); err != nil {
		return fmt.Errorf("award request %s: %w", p.RequestID, err)
	}
	return nil
}

func (s *Service) void(ctx context.Context, p *Payment, cause error) {
	_, changed, err := s.store.Void(ctx, p.ID)
	if err != nil {
		s.logger.Error("failed to void payment", "payment", p.ID, "error", err)
		return
	}
	if changed {
		metrics.PaymentsTotal.WithLabelValues("voided").Inc()
		s.logger.Warn("payment voided; processor refund required",
			"payment", p.ID, "intent", p.PaymentIntentID, "offer", p.OfferID,
			"total", p.TotalAmount.StringFixed(2), "cause", cause)
	}
}

// unawardable reports award failures that no retry can fix.
func unawardable(err error) bool {
	return errors.Is(err, negotiation.ErrAlreadyResolved) ||
		errors.Is(err, requests.ErrAlreadyAwarded) ||
		errors.Is(err, requests.ErrClosed)
}

// PaymentExists reports whether the customer has a live (not voided)
// payment for the offer.
func (s *Service) PaymentExists(ctx context.Context, customerID, offerID string) (bool, error) {
	p, err := s.store.GetByOffer(ctx, customerID, offerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Status != StatusVoided, nil
}

// Get returns a payment visible to its customer.
func (s *Service) Get(ctx context.Context, customerID, id string) (*Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.CustomerID != customerID {
		return nil, ErrNotFound
	}
	return p, nil
}

// PaymentForRequest reports the request's latest payment for cancellation
// refunds. It returns nil when the request was never paid for.
func (s *Service) PaymentForRequest(ctx context.Context, requestID string) (*requests.PaymentSummary, error) {
	p, err := s.store.LatestForRequest(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &requests.PaymentSummary{
		ID:        p.ID,
		Total:     p.TotalAmount,
		Confirmed: p.Status == StatusConfirmed,
		Pending:   p.Status == StatusIntentCreated,
		CreatedAt: p.CreatedAt,
	}, nil
}

// SweepPending confirms intents the processor reports as succeeded but
// whose webhook never arrived. It returns how many were settled.
func (s *Service) SweepPending(ctx context.Context) int {
	pending, err := s.store.ListPending(ctx, s.now().Add(-pendingGrace), 100)
	if err != nil {
		s.logger.Error("failed to list pending payments", "error", err)
		return 0
	}

	settled := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		intent, err := s.processor.GetPaymentIntent(ctx, p.PaymentIntentID)
		if err != nil {
			s.logger.Warn("failed to check payment intent", "payment", p.ID, "error", err)
			continue
		}
		if intent.Status != IntentSucceeded {
			continue
		}
		if _, err := s.settle(ctx, p); err != nil {
			s.logger.Error("failed to settle swept payment", "payment", p.ID, "error", err)
			continue
		}
		settled++
	}
	if settled > 0 {
		s.logger.Info("settled pending payments", "count", settled)
	}
	return settled
}
