package negotiation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/servicedesk/internal/auth"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, customer_id, request_id, created_by_id, created_by_role, name, description,
	offer_type, timeline, budget, deliverables, status, conversation_id, message_id,
	sent_by_id, sent_by_role, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	deliverables, err := json.Marshal(nonNil(o.Deliverables))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO offers (id, customer_id, request_id, created_by_id, created_by_role, name, description,
			offer_type, timeline, budget, deliverables, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC(20,2), $11, $12, $13)
	`, o.ID, o.CustomerID, o.RequestID, o.CreatedByID, string(o.CreatedByRole), o.Name, o.Description,
		o.Type, o.Timeline, o.Budget.String(), deliverables, string(o.Status), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	return scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, status Status, at time.Time) (*Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `
		UPDATE offers SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+offerColumns, id, string(status), at))
	if errors.Is(err, ErrNotFound) {
		return nil, p.missOrConflict(ctx, id, ErrAlreadyResolved)
	}
	return o, err
}

func (p *PostgresStore) LinkMessage(ctx context.Context, id string, link Link) (*Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `
		UPDATE offers SET conversation_id = $2, message_id = $3, sent_by_id = $4, sent_by_role = $5
		WHERE id = $1 AND (message_id IS NULL OR message_id = $3)
		RETURNING `+offerColumns, id, link.ConversationID, link.MessageID, link.SenderID, string(link.SenderRole)))
	if errors.Is(err, ErrNotFound) {
		return nil, p.missOrConflict(ctx, id, ErrAlreadySent)
	}
	return o, err
}

// missOrConflict tells a missing row apart from a failed condition after a
// conditional UPDATE matched nothing.
func (p *PostgresStore) missOrConflict(ctx context.Context, id string, conflict error) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM offers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return conflict
}

func (p *PostgresStore) ListForCustomer(ctx context.Context, customerID string, limit int) ([]*Offer, error) {
	return p.query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
}

func (p *PostgresStore) ListByCreator(ctx context.Context, creatorID string, limit int) ([]*Offer, error) {
	return p.query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE created_by_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, creatorID, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(sc scanner) (*Offer, error) {
	o := &Offer{}
	var createdByRole, status string
	var deliverables []byte
	var conversationID, sentByID, sentByRole sql.NullString
	var messageID sql.NullInt64
	var resolvedAt sql.NullTime

	err := sc.Scan(&o.ID, &o.CustomerID, &o.RequestID, &o.CreatedByID, &createdByRole, &o.Name, &o.Description,
		&o.Type, &o.Timeline, &o.Budget, &deliverables, &status, &conversationID, &messageID,
		&sentByID, &sentByRole, &o.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(deliverables, &o.Deliverables); err != nil {
		return nil, fmt.Errorf("decode deliverables for offer %s: %w", o.ID, err)
	}
	o.CreatedByRole = auth.Role(createdByRole)
	o.Status = Status(status)
	o.ConversationID = conversationID.String
	o.MessageID = messageID.Int64
	o.SentByID = sentByID.String
	o.SentByRole = auth.Role(sentByRole.String)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		o.ResolvedAt = &t
	}
	return o, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
