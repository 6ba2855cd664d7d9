package requests

import (
	"encoding/json"
	"time"
)

// RequestView is the JSON projection of a ServiceRequest.
type RequestView struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customerId"`
	Category      Category        `json:"category"`
	FormName      string          `json:"formName"`
	Title         string          `json:"title"`
	Summary       string          `json:"summary"`
	Details       json.RawMessage `json:"details"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (r *ServiceRequest) ToView() RequestView {
	v := RequestView{
		ID:            r.ID,
		CustomerID:    r.CustomerID,
		Category:      r.Category,
		FormName:      r.Category.DisplayName(),
		Status:        r.Status,
		PaymentStatus: r.PaymentStatus,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Details != nil {
		v.Title = r.Details.Title()
		v.Summary = r.Details.Summary()
		v.Details, _ = MarshalDetails(r.Details)
	}
	return v
}

// JobView is the JSON projection of a Job.
type JobView struct {
	Type          JobType    `json:"type"`
	AwardedToID   string     `json:"awardedToId,omitempty"`
	AwardedToRole AwardRole  `json:"awardedToRole,omitempty"`
	AwardedAt     *time.Time `json:"awardedAt,omitempty"`
}

func (j *Job) ToView() JobView {
	return JobView{
		Type:          j.Type,
		AwardedToID:   j.AwardedToID,
		AwardedToRole: j.AwardedToRole,
		AwardedAt:     j.AwardedAt,
	}
}

// ListingView is a request with its job, as shown on the job board.
type ListingView struct {
	RequestView
	Job JobView `json:"job"`
}

func listingViews(ls []*Listing) []ListingView {
	out := make([]ListingView, len(ls))
	for i, l := range ls {
		out[i] = ListingView{RequestView: l.Request.ToView(), Job: l.Job.ToView()}
	}
	return out
}

// CancellationView is the JSON projection of a cancellation and its refund.
type CancellationView struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"requestId"`
	Reason         string      `json:"reason"`
	Comments       string      `json:"comments,omitempty"`
	RefundEligible bool        `json:"refundEligible"`
	Refund         *RefundView `json:"refund"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// RefundView is the JSON projection of a Refund.
type RefundView struct {
	ID        string `json:"id"`
	PaymentID string `json:"paymentId"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
}

func cancellationView(c *Cancellation, r *Refund) CancellationView {
	v := CancellationView{
		ID:             c.ID,
		RequestID:      c.RequestID,
		Reason:         c.Reason,
		Comments:       c.Comments,
		RefundEligible: c.RefundEligible,
		CreatedAt:      c.CreatedAt,
	}
	if r != nil {
		v.Refund = &RefundView{
			ID:        r.ID,
			PaymentID: r.PaymentID,
			Amount:    r.Amount.StringFixed(2),
			Status:    r.Status,
		}
	}
	return v
}

// ReviewView is the JSON projection of a Review.
type ReviewView struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"formId"`
	RevieweeID    string    `json:"revieweeId"`
	RevieweeRole  AwardRole `json:"revieweeRole"`
	Review        string    `json:"review"`
	Communication int       `json:"communication"`
	QualityOfWork int       `json:"quality_of_work"`
	Timeliness    int       `json:"timeliness"`
	ValueForMoney int       `json:"value_for_money"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (rv *Review) ToView() ReviewView {
	return ReviewView{
		ID:            rv.ID,
		RequestID:     rv.RequestID,
		RevieweeID:    rv.RevieweeID,
		RevieweeRole:  rv.RevieweeRole,
		Review:        rv.Body,
		Communication: rv.Communication,
		QualityOfWork: rv.QualityOfWork,
		Timeliness:    rv.Timeliness,
		ValueForMoney: rv.ValueForMoney,
		CreatedAt:     rv.CreatedAt,
	}
}

// ReportView is the JSON projection of a Report.
type ReportView struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"formId"`
	Issue         string    `json:"issue"`
	Description   string    `json:"description"`
	Priority      Priority  `json:"priority"`
	AttachmentURL string    `json:"attachmentUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (rp *Report) ToView() ReportView {
	return ReportView{
		ID:            rp.ID,
		RequestID:     rp.RequestID,
		Issue:         rp.Issue,
		Description:   rp.Description,
		Priority:      rp.Priority,
		AttachmentURL: rp.AttachmentURL,
		CreatedAt:     rp.CreatedAt,
	}
}

// ProgressView is the JSON projection of a ProgressUpdate.
type ProgressView struct {
	ID        string    `json:"id"`
	RequestID string    `json:"formId"`
	AuthorID  string    `json:"authorId"`
	Progress  int       `json:"progress"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (u *ProgressUpdate) ToView() ProgressView {
	return ProgressView{
		ID:        u.ID,
		RequestID: u.RequestID,
		AuthorID:  u.AuthorID,
		Progress:  u.Progress,
		Note:      u.Note,
		CreatedAt: u.CreatedAt,
	}
}
