package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists requests, jobs, cancellations and feedback in
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, customer_id, category, details, status, payment_status, created_at, updated_at`

const listingColumns = `r.id, r.customer_id, r.category, r.details, r.status, r.payment_status, r.created_at, r.updated_at,
	j.job_type, j.awarded_to_id, j.awarded_to_role, j.awarded_at, j.created_at`

func (p *PostgresStore) Create(ctx context.Context, r *ServiceRequest, j *Job) error {
	details, err := MarshalDetails(r.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO service_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.CustomerID, string(r.Category), []byte(details), string(r.Status), string(r.PaymentStatus), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (request_id, job_type, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
	`, j.RequestID, string(j.Type), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*ServiceRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM service_requests WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) GetJob(ctx context.Context, requestID string) (*Job, error) {
	j := &Job{RequestID: requestID}
	var awardedTo, awardedRole sql.NullString
	var awardedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT job_type, awarded_to_id, awarded_to_role, awarded_at, created_at
		FROM jobs WHERE request_id = $1
	`, requestID).Scan(&j.Type, &awardedTo, &awardedRole, &awardedAt, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	setAward(j, awardedTo, awardedRole, awardedAt)
	return j, nil
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM service_requests
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateDetails(ctx context.Context, id string, d RequestDetails) (*ServiceRequest, error) {
	details, err := MarshalDetails(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode details: %w", err)
	}

	r, err := scanRequest(p.db.QueryRowContext(ctx, `
		UPDATE service_requests SET details = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'submitted'
		RETURNING `+requestColumns,
		id, []byte(details)))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotEditable
	}
	return r, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE service_requests SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM service_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// Award locks the request and job rows, checks any existing award, then
// updates the job and the request together. The request lock orders it
// against Cancel.
func (p *PostgresStore) Award(ctx context.Context, requestID, awardeeID string, role AwardRole, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM service_requests WHERE id = $1 FOR UPDATE`, requestID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock request: %w", err)
	}

	var jobType JobType
	var awardedTo, awardedRole sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT job_type, awarded_to_id, awarded_to_role FROM jobs WHERE request_id = $1 FOR UPDATE
	`, requestID).Scan(&jobType, &awardedTo, &awardedRole)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock job: %w", err)
	}

	if jobType == JobAwarded {
		if awardedTo.String != awardeeID || AwardRole(awardedRole.String) != role {
			return ErrAlreadyAwarded
		}
	} else if status == StatusCancelled || status == StatusCompleted {
		return ErrClosed
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET job_type = 'awarded', awarded_to_id = $2, awarded_to_role = $3,
				awarded_at = $4, updated_at = $4
			WHERE request_id = $1 AND job_type <> 'awarded'
		`, requestID, awardeeID, string(role), at)
		if err != nil {
			return fmt.Errorf("failed to award job: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE service_requests SET
			status = CASE WHEN status IN ('submitted', 'offer_pending') THEN 'inprogress' ELSE status END,
			payment_status = 'paid',
			updated_at = $2
		WHERE id = $1
	`, requestID, at)
	if err != nil {
		return fmt.Errorf("failed to mark request paid: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) ListJobs(ctx context.Context, types []JobType, limit int) ([]*Listing, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return p.queryListings(ctx, `
		SELECT `+listingColumns+`
		FROM jobs j JOIN service_requests r ON r.id = j.request_id
		WHERE j.job_type = ANY($1) AND r.status <> 'cancelled'
		ORDER BY r.created_at DESC
		LIMIT $2
	`, pq.Array(names), limit)
}

func (p *PostgresStore) ListAwarded(ctx context.Context, awardeeID string, limit int) ([]*Listing, error) {
	return p.queryListings(ctx, `
		SELECT `+listingColumns+`
		FROM jobs j JOIN service_requests r ON r.id = j.request_id
		WHERE j.job_type = 'awarded' AND j.awarded_to_id = $1
		ORDER BY j.awarded_at DESC
		LIMIT $2
	`, awardeeID, limit)
}

func (p *PostgresStore) queryListings(ctx context.Context, query string, args ...interface{}) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Listing
	for rows.Next() {
		r := &ServiceRequest{}
		j := &Job{}
		var details []byte
		var awardedTo, awardedRole sql.NullString
		var awardedAt sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.CustomerID, &r.Category, &details, &r.Status, &r.PaymentStatus, &r.CreatedAt, &r.UpdatedAt,
			&j.Type, &awardedTo, &awardedRole, &awardedAt, &j.CreatedAt,
		); err != nil {
			return nil, err
		}
		if r.Details, err = unmarshalDetails(details); err != nil {
			return nil, fmt.Errorf("request %s: %w", r.ID, err)
		}
		j.RequestID = r.ID
		setAward(j, awardedTo, awardedRole, awardedAt)
		out = append(out, &Listing{Request: r, Job: j})
	}
	return out, rows.Err()
}

// Cancel writes the cancellation, the status change and the optional refund
// in one transaction.
func (p *PostgresStore) Cancel(ctx context.Context, c *Cancellation, refund *Refund) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status Status
	var paid PaymentStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status, payment_status FROM service_requests WHERE id = $1 FOR UPDATE
	`, c.RequestID).Scan(&status, &paid)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock request: %w", err)
	}
	switch {
	case status == StatusCancelled:
		return ErrAlreadyCancelled
	case status == StatusCompleted:
		return ErrNotCancellable
	case paid == PaymentPaid && c.PaymentID == "":
		return ErrPaymentPending
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cancellations (id, customer_id, request_id, payment_id, reason, comments, refund_eligible, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
	`, c.ID, c.CustomerID, c.RequestID, c.PaymentID, c.Reason, c.Comments, c.RefundEligible, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyCancelled
	}
	if err != nil {
		return fmt.Errorf("failed to insert cancellation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE service_requests SET status = 'cancelled', updated_at = $2 WHERE id = $1
	`, c.RequestID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to cancel request: %w", err)
	}

	if refund != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO refunds (id, cancellation_id, customer_id, request_id, payment_id, amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7, $8)
		`, refund.ID, refund.CancellationID, refund.CustomerID, refund.RequestID, refund.PaymentID,
			refund.Amount, refund.Status, refund.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert refund: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ListJobsIn(ctx context.Context, requestIDs []string, types []JobType, limit int) ([]*Listing, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return p.queryListings(ctx, `
		SELECT `+listingColumns+`
		FROM jobs j JOIN service_requests r ON r.id = j.request_id
		WHERE j.request_id = ANY($1) AND j.job_type = ANY($2) AND r.status <> 'cancelled'
		ORDER BY r.created_at DESC
		LIMIT $3
	`, pq.Array(requestIDs), pq.Array(names), limit)
}

func (p *PostgresStore) CreateReview(ctx context.Context, rv *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (id, request_id, reviewer_id, reviewee_id, reviewee_role,
			communication, quality_of_work, timeliness, value_for_money, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rv.ID, rv.RequestID, rv.ReviewerID, rv.RevieweeID, string(rv.RevieweeRole),
		rv.Communication, rv.QualityOfWork, rv.Timeliness, rv.ValueForMoney, rv.Body, rv.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyReviewed
	}
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateReport(ctx context.Context, rp *Report) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reports (id, request_id, customer_id, issue, description, priority, attachment_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, rp.ID, rp.RequestID, rp.CustomerID, rp.Issue, rp.Description, string(rp.Priority), rp.AttachmentURL, rp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// AddProgress inserts only while the request row says inprogress.
func (p *PostgresStore) AddProgress(ctx context.Context, u *ProgressUpdate) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO job_progress (id, request_id, author_id, progress, note, created_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM service_requests WHERE id = $2 AND status = 'inprogress')
	`, u.ID, u.RequestID, u.AuthorID, u.Progress, u.Note, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := p.Get(ctx, u.RequestID); err != nil {
		return err
	}
	return ErrInvalidStatus
}

func (p *PostgresStore) ListProgress(ctx context.Context, requestID string, limit int) ([]*ProgressUpdate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, author_id, progress, note, created_at FROM job_progress
		WHERE request_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProgressUpdate
	for rows.Next() {
		u := &ProgressUpdate{}
		if err := rows.Scan(&u.ID, &u.RequestID, &u.AuthorID, &u.Progress, &u.Note, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row scanner) (*ServiceRequest, error) {
	r := &ServiceRequest{}
	var details []byte
	if err := row.Scan(&r.ID, &r.CustomerID, &r.Category, &details, &r.Status, &r.PaymentStatus, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := unmarshalDetails(details)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", r.ID, err)
	}
	r.Details = d
	return r, nil
}

func setAward(j *Job, to, role sql.NullString, at sql.NullTime) {
	j.AwardedToID = to.String
	j.AwardedToRole = AwardRole(role.String)
	if at.Valid {
		t := at.Time
		j.AwardedAt = &t
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
