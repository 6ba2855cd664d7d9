package requests

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/idgen"
	"github.com/mbd888/servicedesk/internal/validation"
)

var (
	ErrAlreadyReviewed = apierr.WithCode(apierr.Conflict, "already_reviewed", "you have already reviewed this job")
	ErrNotAwarded      = apierr.WithCode(apierr.Conflict, "not_awarded", "job has not been awarded yet")
	ErrNotAwardee      = apierr.New(apierr.Forbidden, "job is not awarded to you")
	ErrNotParticipant  = apierr.New(apierr.Forbidden, "you are not a participant in this job")
)

// Priority is a report's urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Review is a customer's rating of the responder an awarded job went to.
// Each score is 1 to 5.
type Review struct {
	ID            string
	RequestID     string
	ReviewerID    string
	RevieweeID    string
	RevieweeRole  AwardRole
	Communication int
	QualityOfWork int
	Timeliness    int
	ValueForMoney int
	Body          string
	CreatedAt     time.Time
}

// Report is an issue a customer raises about one of their requests.
type Report struct {
	ID            string
	RequestID     string
	CustomerID    string
	Issue         string
	Description   string
	Priority      Priority
	AttachmentURL string
	CreatedAt     time.Time
}

// ProgressUpdate is the awardee's report of how far along a job is.
type ProgressUpdate struct {
	ID        string
	RequestID string
	AuthorID  string
	Progress  int
	Note      string
	CreatedAt time.Time
}

// ReviewRequest is the body of POST /create-review.
type ReviewRequest struct {
	FormID        string `json:"formId"`
	Review        string `json:"review"`
	Communication int    `json:"communication"`
	QualityOfWork int    `json:"quality_of_work"`
	Timeliness    int    `json:"timeliness"`
	ValueForMoney int    `json:"value_for_money"`
}

// ReportRequest is the body of POST /create-report.
type ReportRequest struct {
	FormID        string `json:"formId"`
	Issue         string `json:"issue"`
	Description   string `json:"description"`
	Priority      string `json:"priority"`
	AttachmentURL string `json:"attachmentUrl"`
}

// ProgressRequest is the body of POST /update-job-progress. Progress is a
// pointer so a missing value is told apart from 0.
type ProgressRequest struct {
	FormID   string `json:"formId"`
	Progress *int   `json:"progress"`
	Note     string `json:"note"`
}

// ConversationIndex lists the requests a responder has conversations about.
type ConversationIndex interface {
	RequestIDsForResponder(ctx context.Context, responderID string) ([]string, error)
}

// WithConversations wires the index behind PendingJobs.
func (s *Service) WithConversations(c ConversationIndex) *Service {
	s.conversations = c
	return s
}

func scoreInRange(field string, v int) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if v < 1 || v > 5 {
			return &validation.ValidationError{Field: field, Message: "must be between 1 and 5"}
		}
		return nil
	}
}

// CreateReview records the customer's review of the responder their
// request was awarded to. One review per request and customer.
func (s *Service) CreateReview(ctx context.Context, customerID string, req ReviewRequest) (*Review, error) {
	if err := validation.Validate(
		validation.Required("formId", req.FormID),
		scoreInRange("communication", req.Communication),
		scoreInRange("quality_of_work", req.QualityOfWork),
		scoreInRange("timeliness", req.Timeliness),
		scoreInRange("value_for_money", req.ValueForMoney),
		validation.MaxLength("review", req.Review, 2000),
	).Err(); err != nil {
		return nil, err
	}

	if _, err := s.Owned(ctx, customerID, req.FormID); err != nil {
		return nil, err
	}
	j, err := s.store.GetJob(ctx, req.FormID)
	if err != nil {
		return nil, err
	}
	if j.Type != JobAwarded {
		return nil, ErrNotAwarded
	}

	rv := &Review{
		ID:            idgen.WithPrefix("rev_"),
		RequestID:     req.FormID,
		ReviewerID:    customerID,
		RevieweeID:    j.AwardedToID,
		RevieweeRole:  j.AwardedToRole,
		Communication: req.Communication,
		QualityOfWork: req.QualityOfWork,
		Timeliness:    req.Timeliness,
		ValueForMoney: req.ValueForMoney,
		Body:          validation.SanitizeString(req.Review, 2000),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateReview(ctx, rv); err != nil {
		return nil, err
	}

	s.logger.Info("review created",
		"request_id", rv.RequestID,
		"reviewer_id", customerID,
		"reviewee_id", rv.RevieweeID,
	)
	return rv, nil
}

// CreateReport records an issue the customer raises about their request.
func (s *Service) CreateReport(ctx context.Context, customerID string, req ReportRequest) (*Report, error) {
	if err := validation.Validate(
		validation.Required("formId", req.FormID),
		validation.Required("issue", req.Issue),
		validation.Required("description", req.Description),
		validation.Required("priority", req.Priority),
		validation.OneOf("priority", req.Priority, string(PriorityLow), string(PriorityMedium), string(PriorityHigh)),
		validation.ValidURL("attachmentUrl", req.AttachmentURL),
	).Err(); err != nil {
		return nil, err
	}

	if _, err := s.Owned(ctx, customerID, req.FormID); err != nil {
		return nil, err
	}

	rp := &Report{
		ID:            idgen.WithPrefix("rpt_"),
		RequestID:     req.FormID,
		CustomerID:    customerID,
		Issue:         validation.SanitizeString(req.Issue, 200),
		Description:   validation.SanitizeString(req.Description, 5000),
		Priority:      Priority(req.Priority),
		AttachmentURL: req.AttachmentURL,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateReport(ctx, rp); err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}

	s.logger.Info("report created",
		"request_id", rp.RequestID,
		"customer_id", customerID,
		"priority", string(rp.Priority),
	)
	return rp, nil
}

// UpdateProgress records progress on a job. Only the awardee may report,
// and only while the request is inprogress.
func (s *Service) UpdateProgress(ctx context.Context, caller *auth.Identity, req ProgressRequest) (*ProgressUpdate, error) {
	if err := validation.Validate(
		validation.Required("formId", req.FormID),
		validation.MaxLength("note", req.Note, 2000),
	).Err(); err != nil {
		return nil, err
	}
	if req.Progress == nil || *req.Progress < 0 || *req.Progress > 100 {
		return nil, apierr.Validationf("progress must be between 0 and 100")
	}

	j, err := s.store.GetJob(ctx, req.FormID)
	if err != nil {
		return nil, err
	}
	if j.Type != JobAwarded || j.AwardedToID != caller.ID || string(j.AwardedToRole) != string(caller.Role) {
		return nil, ErrNotAwardee
	}

	u := &ProgressUpdate{
		ID:        idgen.WithPrefix("prg_"),
		RequestID: req.FormID,
		AuthorID:  caller.ID,
		Progress:  *req.Progress,
		Note:      validation.SanitizeString(req.Note, 2000),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AddProgress(ctx, u); err != nil {
		return nil, err
	}

	s.logger.Info("job progress updated",
		"request_id", u.RequestID,
		"author_id", caller.ID,
		"progress", u.Progress,
	)
	return u, nil
}

// ListProgress returns a job's progress updates, newest first. The owning
// customer, the awardee and admins may read them.
func (s *Service) ListProgress(ctx context.Context, viewer *auth.Identity, requestID string, limit int) ([]*ProgressUpdate, error) {
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	j, err := s.store.GetJob(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch {
	case viewer.Role == auth.RoleAdmin:
	case viewer.Role == auth.RoleCustomer && r.CustomerID == viewer.ID:
	case j.Type == JobAwarded && j.AwardedToID == viewer.ID:
	default:
		return nil, ErrNotParticipant
	}
	return s.store.ListProgress(ctx, requestID, limit)
}

// PendingJobs returns unawarded jobs the responder is already talking to
// the customer about. Freelancers only see open jobs.
func (s *Service) PendingJobs(ctx context.Context, caller *auth.Identity, limit int) ([]*Listing, error) {
	if s.conversations == nil {
		return nil, nil
	}
	ids, err := s.conversations.RequestIDsForResponder(ctx, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	types := []JobType{JobOpen}
	if caller.Role == auth.RoleAdmin {
		types = append(types, JobInternal)
	}
	return s.store.ListJobsIn(ctx, ids, types, limit)
}
