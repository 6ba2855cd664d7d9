package requests

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/idgen"
	"github.com/mbd888/servicedesk/internal/validation"
)

// PaymentSummary is what cancellation needs to know about a request's
// payment. Pending means the processor intent exists but is not settled.
type PaymentSummary struct {
	ID        string
	Total     decimal.Decimal
	Confirmed bool
	Pending   bool
	CreatedAt time.Time
}

// PaymentLookup finds the payment made for a request, if any.
type PaymentLookup interface {
	PaymentForRequest(ctx context.Context, requestID string) (*PaymentSummary, error)
}

// DefaultRefundWindow is how long after paying a customer can cancel for a refund.
const DefaultRefundWindow = 72 * time.Hour

// RefundPolicy decides whether a cancellation earns a refund.
type RefundPolicy struct {
	Window time.Duration
	Now    func() time.Time
}

// Eligible reports whether cancelling r, paid with p, is refundable: the
// payment must be confirmed, the request not completed, and the window since
// payment not yet elapsed.
func (p RefundPolicy) Eligible(r *ServiceRequest, pay *PaymentSummary) bool {
	if pay == nil || !pay.Confirmed || r.Status == StatusCompleted {
		return false
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	window := p.Window
	if window <= 0 {
		window = DefaultRefundWindow
	}
	return now().Sub(pay.CreatedAt) <= window
}

// Service implements request submission, the job board, cancellation and
// post-award feedback.
type Service struct {
	store         Store
	payments      PaymentLookup
	conversations ConversationIndex
	policy        RefundPolicy
	logger        *slog.Logger
}

// NewService creates a new requests service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		policy: RefundPolicy{Window: DefaultRefundWindow},
		logger: logger,
	}
}

// WithPayments wires the payment lookup used for refund decisions.
// Without it no cancellation is refund eligible.
func (s *Service) WithPayments(p PaymentLookup) *Service {
	s.payments = p
	return s
}

// WithRefundPolicy overrides the default refund policy.
func (s *Service) WithRefundPolicy(p RefundPolicy) *Service {
	s.policy = p
	return s
}

// Submit validates the details and creates the request with its job.
func (s *Service) Submit(ctx context.Context, customerID string, req SubmitRequest) (*ServiceRequest, *Job, error) {
	details, err := DecodeDetails(req.Details)
	if err != nil {
		return nil, nil, err
	}

	jobType := req.JobType
	if jobType == "" {
		jobType = JobOpen
	}
	if jobType != JobOpen && jobType != JobInternal {
		return nil, nil, ErrInvalidJobType
	}

	now := time.Now().UTC()
	r := &ServiceRequest{
		ID:            idgen.WithPrefix("req_"),
		CustomerID:    customerID,
		Category:      details.Category(),
		Details:       details,
		Status:        StatusSubmitted,
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	j := &Job{RequestID: r.ID, Type: jobType, CreatedAt: now}

	if err := s.store.Create(ctx, r, j); err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	s.logger.Info("service request submitted",
		"request_id", r.ID,
		"customer_id", customerID,
		"category", string(r.Category),
		"job_type", string(jobType),
	)
	return r, j, nil
}

// Get returns a request by ID.
func (s *Service) Get(ctx context.Context, id string) (*ServiceRequest, error) {
	return s.store.Get(ctx, id)
}

// GetForViewer returns a request and its job if viewer may see it: the
// owning customer, any admin, or a freelancer when the job is open or
// awarded to them.
func (s *Service) GetForViewer(ctx context.Context, viewer *auth.Identity, id string) (*ServiceRequest, *Job, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	switch viewer.Role {
	case auth.RoleAdmin:
	case auth.RoleCustomer:
		if r.CustomerID != viewer.ID {
			return nil, nil, ErrNotOwner
		}
	case auth.RoleFreelancer:
		if j.Type != JobOpen && j.AwardedToID != viewer.ID {
			return nil, nil, apierr.New(apierr.Forbidden, "job is not available to you")
		}
	default:
		return nil, nil, apierr.New(apierr.Forbidden, "job is not available to you")
	}
	return r, j, nil
}

// Owned returns the request if it belongs to customerID.
func (s *Service) Owned(ctx context.Context, customerID, id string) (*ServiceRequest, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.CustomerID != customerID {
		return nil, ErrNotOwner
	}
	return r, nil
}

// ListByCustomer returns the customer's requests, newest first.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*ServiceRequest, error) {
	return s.store.ListByCustomer(ctx, customerID, limit)
}

// Update replaces the details of a submitted request. The category is fixed.
func (s *Service) Update(ctx context.Context, customerID, id string, req UpdateRequest) (*ServiceRequest, error) {
	existing, err := s.Owned(ctx, customerID, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != StatusSubmitted {
		return nil, ErrNotEditable
	}

	details, err := DecodeDetails(req.Details)
	if err != nil {
		return nil, err
	}
	if details.Category() != existing.Category {
		return nil, ErrCategoryChange
	}
	return s.store.UpdateDetails(ctx, id, details)
}

// Payable checks that the customer's request can still be paid for and
// awarded to awardeeID: it must be unpaid and Awardable.
func (s *Service) Payable(ctx context.Context, customerID, requestID, awardeeID string) (*ServiceRequest, error) {
	r, err := s.Owned(ctx, customerID, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCancelled || r.Status == StatusCompleted {
		return nil, ErrClosed
	}
	if r.PaymentStatus == PaymentPaid {
		return nil, ErrAlreadyPaid
	}
	if err := s.Awardable(ctx, requestID, awardeeID); err != nil {
		return nil, err
	}
	return r, nil
}

// Awardable reports whether MarkPaidAndAward would succeed for awardeeID
// right now. A job already awarded to awardeeID is always awardable.
func (s *Service) Awardable(ctx context.Context, requestID, awardeeID string) error {
	j, err := s.store.GetJob(ctx, requestID)
	if err != nil {
		return err
	}
	if j.Type == JobAwarded {
		if j.AwardedToID != awardeeID {
			return ErrAlreadyAwarded
		}
		return nil
	}
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status == StatusCancelled || r.Status == StatusCompleted {
		return ErrClosed
	}
	return nil
}

// MarkOfferPending moves a submitted request to offer_pending. Requests in
// any other state are left unchanged.
func (s *Service) MarkOfferPending(ctx context.Context, id string) error {
	changed, err := s.store.Transition(ctx, id, StatusSubmitted, StatusOfferPending)
	if err != nil {
		return err
	}
	if changed {
		s.logger.Info("service request offer pending", "request_id", id)
	}
	return nil
}

// MarkPaidAndAward records payment and awards the job. Safe to repeat for
// the same awardee.
func (s *Service) MarkPaidAndAward(ctx context.Context, requestID, awardeeID string, role AwardRole) error {
	if role != AwardAdmin && role != AwardFreelancer {
		return apierr.Validationf("award role must be admin or freelancer")
	}
	if err := s.store.Award(ctx, requestID, awardeeID, role, time.Now().UTC()); err != nil {
		return fmt.Errorf("award request %s: %w", requestID, err)
	}
	s.logger.Info("job awarded", "request_id", requestID, "awardee_id", awardeeID, "role", string(role))
	return nil
}

// Complete moves an inprogress request to completed.
func (s *Service) Complete(ctx context.Context, id string) (*ServiceRequest, error) {
	changed, err := s.store.Transition(ctx, id, StatusInProgress, StatusCompleted)
	if err != nil {
		return nil, err
	}
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed && r.Status != StatusCompleted {
		return nil, ErrInvalidStatus
	}
	return r, nil
}

// ListOpenJobs returns the job board for role: open jobs for freelancers,
// open and internal jobs for admins.
func (s *Service) ListOpenJobs(ctx context.Context, role auth.Role, limit int) ([]*Listing, error) {
	types := []JobType{JobOpen}
	if role == auth.RoleAdmin {
		types = append(types, JobInternal)
	}
	return s.store.ListJobs(ctx, types, limit)
}

// ListAwardedJobs returns jobs awarded to awardeeID.
func (s *Service) ListAwardedJobs(ctx context.Context, awardeeID string, limit int) ([]*Listing, error) {
	return s.store.ListAwarded(ctx, awardeeID, limit)
}

// Cancel cancels the customer's request and, when the refund policy allows,
// records a pending refund of the payment total. A request whose payment is
// still pending at the processor cannot be cancelled until it settles.
func (s *Service) Cancel(ctx context.Context, customerID, requestID string, req CancelRequest) (*Cancellation, *Refund, error) {
	reason := validation.SanitizeString(req.Reason, 500)
	if reason == "" {
		return nil, nil, ErrReasonRequired
	}

	r, err := s.Owned(ctx, customerID, requestID)
	if err != nil {
		return nil, nil, err
	}
	switch r.Status {
	case StatusCancelled:
		return nil, nil, ErrAlreadyCancelled
	case StatusCompleted:
		return nil, nil, ErrNotCancellable
	}

	var pay *PaymentSummary
	if s.payments != nil {
		pay, err = s.payments.PaymentForRequest(ctx, requestID)
		if err != nil {
			return nil, nil, fmt.Errorf("look up payment: %w", err)
		}
	}
	if pay != nil && pay.Pending {
		return nil, nil, ErrPaymentPending
	}
	eligible := s.policy.Eligible(r, pay)

	now := time.Now().UTC()
	c := &Cancellation{
		ID:             idgen.WithPrefix("cnl_"),
		CustomerID:     customerID,
		RequestID:      requestID,
		PaymentID:      paymentID(pay),
		Reason:         reason,
		Comments:       validation.SanitizeString(req.Comments, 2000),
		RefundEligible: eligible,
		CreatedAt:      now,
	}
	var refund *Refund
	if eligible {
		refund = &Refund{
			ID:             idgen.WithPrefix("rfd_"),
			CancellationID: c.ID,
			CustomerID:     customerID,
			RequestID:      requestID,
			PaymentID:      pay.ID,
			Amount:         pay.Total,
			Status:         RefundPending,
			CreatedAt:      now,
		}
	}

	if err := s.store.Cancel(ctx, c, refund); err != nil {
		return nil, nil, err
	}

	s.logger.Info("service request cancelled",
		"request_id", requestID,
		"customer_id", customerID,
		"refund_eligible", eligible,
	)
	return c, refund, nil
}

func paymentID(p *PaymentSummary) string {
	if p == nil || !p.Confirmed {
		return ""
	}
	return p.ID
}
