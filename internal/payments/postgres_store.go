package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/ledger"
)

// PostgresStore persists payments in PostgreSQL. Confirmation and the
// ledger fan-out share one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, customer_id, offer_id, request_id, status, processor_customer_id,
	payment_intent_id, client_secret, ephemeral_key, tax_rate, platform_fee_rate, base_amount,
	tax_amount, platform_fee_amount, discount_amount, total_amount, amount_minor, currency,
	responder_id, responder_role, created_at, confirmed_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) (*Payment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10::NUMERIC(6,2), $11::NUMERIC(6,2), $12::NUMERIC(20,2), $13::NUMERIC(20,2),
			$14::NUMERIC(20,2), $15::NUMERIC(20,2), $16::NUMERIC(20,2), $17, $18, $19, $20, $21, $22)
		ON CONFLICT (customer_id, offer_id) DO NOTHING
	`, p.ID, p.CustomerID, p.OfferID, p.RequestID, string(p.Status), p.ProcessorCustomerID,
		p.PaymentIntentID, p.ClientSecret, p.EphemeralKey, p.TaxRate, p.PlatformFeeRate, p.BaseAmount,
		p.TaxAmount, p.PlatformFeeAmount, p.DiscountAmount, p.TotalAmount, p.AmountMinor, p.Currency,
		p.ResponderID, string(p.ResponderRole), p.CreatedAt, nullTime(p.ConfirmedAt))
	if isUniqueViolation(err) {
		// the processor replayed an intent already stored for this offer
		existing, gerr := s.GetByOffer(ctx, p.CustomerID, p.OfferID)
		if gerr != nil {
			return nil, false, fmt.Errorf("failed to insert payment: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// a concurrent request for the same offer won
		existing, err := s.GetByOffer(ctx, p.CustomerID, p.OfferID)
		return existing, false, err
	}

	if p.Status == StatusConfirmed {
		if err := ledger.PostPaymentTx(ctx, tx, p.Posting()); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return copyPayment(p), true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (s *PostgresStore) GetByOffer(ctx context.Context, customerID, offerID string) (*Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE customer_id = $1 AND offer_id = $2
	`, customerID, offerID))
}

func (s *PostgresStore) GetByIntent(ctx context.Context, intentID string) (*Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE payment_intent_id = $1
	`, intentID))
}

func (s *PostgresStore) LatestForRequest(ctx context.Context, requestID string) (*Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE request_id = $1 AND status <> 'voided'
		ORDER BY status = 'confirmed' DESC, created_at DESC
		LIMIT 1
	`, requestID))
}

func (s *PostgresStore) Confirm(ctx context.Context, id string, at time.Time) (*Payment, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback() //nolint:errcheck

	p, err := scanPayment(tx.QueryRowContext(ctx, `
		UPDATE payments SET status = 'confirmed', confirmed_at = $2
		WHERE id = $1 AND status = 'intent_created'
		RETURNING `+paymentColumns, id, at))
	if errors.Is(err, ErrNotFound) {
		// either missing, already confirmed or voided
		existing, gerr := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := ledger.PostPaymentTx(ctx, tx, p.Posting()); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (s *PostgresStore) Void(ctx context.Context, id string) (*Payment, bool, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `
		UPDATE payments SET status = 'voided'
		WHERE id = $1 AND status = 'intent_created'
		RETURNING `+paymentColumns, id))
	if errors.Is(err, ErrNotFound) {
		existing, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'intent_created' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(sc scanner) (*Payment, error) {
	p := &Payment{}
	var status, role string
	var confirmedAt sql.NullTime

	err := sc.Scan(&p.ID, &p.CustomerID, &p.OfferID, &p.RequestID, &status, &p.ProcessorCustomerID,
		&p.PaymentIntentID, &p.ClientSecret, &p.EphemeralKey, &p.TaxRate, &p.PlatformFeeRate, &p.BaseAmount,
		&p.TaxAmount, &p.PlatformFeeAmount, &p.DiscountAmount, &p.TotalAmount, &p.AmountMinor, &p.Currency,
		&p.ResponderID, &role, &p.CreatedAt, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.ResponderRole = auth.Role(role)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		p.ConfirmedAt = &t
	}
	return p, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
