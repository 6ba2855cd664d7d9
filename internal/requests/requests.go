// Package requests manages service requests (structured intake forms), the
// job board entry attached to each one, customer cancellations, and the
// reviews, reports and progress updates that follow an award.
//
// Lifecycle:
//
//	submitted -> offer_pending -> inprogress -> completed
//	    any state except completed -> cancelled
//
// A request becomes inprogress only through MarkPaidAndAward, which the
// payments package calls once a payment is confirmed.
package requests

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/apierr"
)

var (
	ErrNotFound         = apierr.New(apierr.NotFound, "service request not found")
	ErrNotOwner         = apierr.New(apierr.Forbidden, "service request belongs to another customer")
	ErrNotEditable      = apierr.WithCode(apierr.Conflict, "not_editable", "service request can only be edited while submitted")
	ErrCategoryChange   = apierr.WithCode(apierr.Validation, "category_change", "service request category cannot change")
	ErrInvalidJobType   = apierr.New(apierr.Validation, "job_type must be open or internal")
	ErrAlreadyAwarded   = apierr.WithCode(apierr.Conflict, "already_awarded", "job has already been awarded to someone else")
	ErrNotCancellable   = apierr.WithCode(apierr.Conflict, "not_cancellable", "service request can no longer be cancelled")
	ErrAlreadyCancelled = apierr.WithCode(apierr.Conflict, "already_cancelled", "service request has already been cancelled")
	ErrInvalidStatus    = apierr.WithCode(apierr.Conflict, "invalid_status", "service request is not in a valid state for this action")
	ErrReasonRequired   = apierr.New(apierr.Validation, "reason is required")
	ErrClosed           = apierr.WithCode(apierr.Conflict, "request_closed", "service request is closed")
	ErrAlreadyPaid      = apierr.WithCode(apierr.Conflict, "already_paid", "service request has already been paid for")
	ErrPaymentPending   = apierr.WithCode(apierr.Conflict, "payment_in_progress", "a payment for this request is still in progress")
)

// Status is the lifecycle state of a service request.
type Status string

const (
	StatusSubmitted    Status = "submitted"
	StatusOfferPending Status = "offer_pending"
	StatusInProgress   Status = "inprogress"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

// PaymentStatus tracks whether the request has been paid for.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// JobType controls who can see the request on the job board.
type JobType string

const (
	JobOpen     JobType = "open"     // freelancers and admins
	JobInternal JobType = "internal" // admins only
	JobAwarded  JobType = "awarded"
)

// AwardRole is the kind of responder a job was awarded to.
type AwardRole string

const (
	AwardAdmin      AwardRole = "admin"
	AwardFreelancer AwardRole = "freelancer"
)

// ServiceRequest is a customer's submitted intake form.
type ServiceRequest struct {
	ID            string
	CustomerID    string
	Category      Category
	Details       RequestDetails
	Status        Status
	PaymentStatus PaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Title is the details' title projection.
func (r *ServiceRequest) Title() string {
	if r.Details == nil {
		return ""
	}
	return r.Details.Title()
}

// Job is the job board entry for a request. The award fields are either all
// set or all empty.
type Job struct {
	RequestID     string
	Type          JobType
	AwardedToID   string
	AwardedToRole AwardRole
	AwardedAt     *time.Time
	CreatedAt     time.Time
}

// Listing pairs a request with its job.
type Listing struct {
	Request *ServiceRequest
	Job     *Job
}

// Cancellation records a customer cancelling a request. PaymentID is the
// settled payment the cancellation was decided against, if any.
type Cancellation struct {
	ID             string
	CustomerID     string
	RequestID      string
	PaymentID      string
	Reason         string
	Comments       string
	RefundEligible bool
	CreatedAt      time.Time
}

// Refund is a pending refund created by an eligible cancellation.
type Refund struct {
	ID             string
	CancellationID string
	CustomerID     string
	RequestID      string
	PaymentID      string
	Amount         decimal.Decimal
	Status         string
	CreatedAt      time.Time
}

// RefundPending is the only refund status the service creates.
const RefundPending = "pending"

// SubmitRequest is the body of POST /forms.
type SubmitRequest struct {
	Details json.RawMessage `json:"details"`
	JobType JobType         `json:"job_type"`
}

// UpdateRequest is the body of PUT /forms/:id.
type UpdateRequest struct {
	Details json.RawMessage `json:"details"`
}

// CancelRequest is the body of POST /forms/:id/cancel.
type CancelRequest struct {
	Reason   string `json:"reason"`
	Comments string `json:"comments"`
}

// Store persists requests, jobs, cancellations and post-award feedback.
type Store interface {
	// Create inserts the request and its job atomically.
	Create(ctx context.Context, r *ServiceRequest, j *Job) error
	Get(ctx context.Context, id string) (*ServiceRequest, error)
	GetJob(ctx context.Context, requestID string) (*Job, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*ServiceRequest, error)

	// UpdateDetails replaces the details while the request is submitted,
	// otherwise ErrNotEditable.
	UpdateDetails(ctx context.Context, id string, d RequestDetails) (*ServiceRequest, error)

	// Transition moves the request from -> to and reports whether a row
	// changed. A request not in from is left alone.
	Transition(ctx context.Context, id string, from, to Status) (bool, error)

	// Award marks the request inprogress/paid and awards the job in one
	// transaction. Re-awarding to the same awardee succeeds without change;
	// a different awardee is ErrAlreadyAwarded, and an unawarded request
	// that is cancelled or completed is ErrClosed.
	Award(ctx context.Context, requestID, awardeeID string, role AwardRole, at time.Time) error

	ListJobs(ctx context.Context, types []JobType, limit int) ([]*Listing, error)
	ListAwarded(ctx context.Context, awardeeID string, limit int) ([]*Listing, error)

	// Cancel inserts the cancellation, sets the request cancelled and, when
	// refund is non-nil, inserts the refund, all in one transaction. A
	// request that became paid after the caller looked (c.PaymentID empty)
	// is ErrPaymentPending.
	Cancel(ctx context.Context, c *Cancellation, refund *Refund) error

	// ListJobsIn is ListJobs restricted to the given request IDs.
	ListJobsIn(ctx context.Context, requestIDs []string, types []JobType, limit int) ([]*Listing, error)

	// CreateReview inserts rv, or ErrAlreadyReviewed when the reviewer
	// already reviewed the request.
	CreateReview(ctx context.Context, rv *Review) error
	CreateReport(ctx context.Context, rp *Report) error

	// AddProgress inserts u while the request is inprogress, otherwise
	// ErrInvalidStatus.
	AddProgress(ctx context.Context, u *ProgressUpdate) error
	ListProgress(ctx context.Context, requestID string, limit int) ([]*ProgressUpdate, error)
}
