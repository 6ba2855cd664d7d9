package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists conversations and messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed conversation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const conversationColumns = `id, request_id, customer_id, responder_id, conversation_type, latest_message_id,
	customer_last_seen_id, customer_unread, responder_last_seen_id, responder_unread, created_at, updated_at`

const messageColumns = `id, conversation_id, sender_customer_id, sender_admin_id, sender_freelancer_id,
	body, message_type, media_url, media_type, offer_id, is_read, created_at`

// counterpartyFilter selects messages sent by the side opposite to side.
func counterpartyFilter(side Side) string {
	if side == SideCustomer {
		return "sender_customer_id IS NULL"
	}
	return "sender_customer_id IS NOT NULL"
}

func (p *PostgresStore) Open(ctx context.Context, c *Conversation) (*Conversation, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO conversations (id, request_id, customer_id, responder_id, conversation_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (request_id, responder_id) DO NOTHING
	`, c.ID, c.RequestID, c.CustomerID, c.ResponderID, string(c.Type), c.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert conversation: %w", err)
	}
	created, _ := res.RowsAffected()

	conv, err := scanConversation(p.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE request_id = $1 AND responder_id = $2
	`, c.RequestID, c.ResponderID))
	if err != nil {
		return nil, false, err
	}
	return conv, created == 1, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	return scanConversation(p.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, limit int) ([]*Summary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE customer_id = $1 OR responder_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Summary
	var latestIDs []int64
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, &Summary{Conversation: c})
		if c.LatestMessageID > 0 {
			latestIDs = append(latestIDs, c.LatestMessageID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(latestIDs) == 0 {
		return out, nil
	}

	mrows, err := p.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ANY($1)`, pq.Array(latestIDs))
	if err != nil {
		return nil, err
	}
	defer mrows.Close()

	latest := make(map[int64]*Message, len(latestIDs))
	for mrows.Next() {
		m, err := scanMessage(mrows)
		if err != nil {
			return nil, err
		}
		latest[m.ID] = m
	}
	for _, s := range out {
		s.Latest = latest[s.Conversation.LatestMessageID]
	}
	return out, mrows.Err()
}

func (p *PostgresStore) RequestIDsForResponder(ctx context.Context, responderID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT request_id FROM conversations WHERE responder_id = $1 ORDER BY request_id
	`, responderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListMessages(ctx context.Context, conversationID string, beforeID int64, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, conversationID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Append(ctx context.Context, m *Message, read bool) (*Message, *Conversation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	stored, err := scanMessage(tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_customer_id, sender_admin_id, sender_freelancer_id,
			body, message_type, media_url, media_type, offer_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11::TIMESTAMPTZ, NOW()))
		RETURNING `+messageColumns,
		m.ConversationID, nullStr(m.SenderCustomerID), nullStr(m.SenderAdminID), nullStr(m.SenderFreelancerID),
		m.Body, string(m.Type), nullStr(m.MediaURL), nullStr(m.MediaType), nullStr(m.OfferID), read, nullTime(m)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrOfferAlreadySent
		}
		if isForeignKeyViolation(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to insert message: %w", err)
	}

	unreadCol := "responder_unread"
	if stored.SenderSide() == SideResponder {
		unreadCol = "customer_unread"
	}
	conv, err := scanConversation(tx.QueryRowContext(ctx, `
		UPDATE conversations SET
			latest_message_id = GREATEST(COALESCE(latest_message_id, 0), $2),
			`+unreadCol+` = CASE WHEN $3 THEN 0 ELSE `+unreadCol+` + 1 END,
			updated_at = $4
		WHERE id = $1
		RETURNING `+conversationColumns,
		m.ConversationID, stored.ID, read, stored.CreatedAt))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return stored, conv, nil
}

func (p *PostgresStore) ReconcileSeen(ctx context.Context, conversationID string, side Side) (Reconciliation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Reconciliation{}, err
	}
	defer tx.Rollback()

	seenCol, unreadCol := "customer_last_seen_id", "customer_unread"
	if side == SideResponder {
		seenCol, unreadCol = "responder_last_seen_id", "responder_unread"
	}
	fromOther := counterpartyFilter(side)

	// Row lock serializes reconcilers for the same conversation.
	var seen sql.NullInt64
	var unread int
	err = tx.QueryRowContext(ctx,
		`SELECT `+seenCol+`, `+unreadCol+` FROM conversations WHERE id = $1 FOR UPDATE`,
		conversationID).Scan(&seen, &unread)
	if errors.Is(err, sql.ErrNoRows) {
		return Reconciliation{}, ErrNotFound
	}
	if err != nil {
		return Reconciliation{}, err
	}

	pointer := seen.Int64
	bootstrapped := !seen.Valid
	if bootstrapped {
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(id), 0) FROM messages
			WHERE conversation_id = $1 AND is_read AND `+fromOther,
			conversationID).Scan(&pointer)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("failed to bootstrap seen pointer: %w", err)
		}
	}

	var maxID sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(id) FROM messages
		WHERE conversation_id = $1 AND id > $2 AND NOT is_read AND `+fromOther,
		conversationID, pointer).Scan(&maxID)
	if err != nil {
		return Reconciliation{}, err
	}

	var res Reconciliation
	switch {
	case maxID.Valid:
		marked, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_read = TRUE
			WHERE conversation_id = $1 AND id > $2 AND id <= $3 AND NOT is_read AND `+fromOther,
			conversationID, pointer, maxID.Int64)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("failed to mark messages read: %w", err)
		}
		res.MarkedRead, _ = marked.RowsAffected()
		pointer = maxID.Int64
		res.UnreadReset = unread > 0
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET `+seenCol+` = $2, `+unreadCol+` = 0 WHERE id = $1`,
			conversationID, pointer)
		if err != nil {
			return Reconciliation{}, err
		}
	case unread > 0 || bootstrapped:
		res.UnreadReset = unread > 0
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET `+seenCol+` = $2, `+unreadCol+` = 0 WHERE id = $1`,
			conversationID, pointer)
		if err != nil {
			return Reconciliation{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Reconciliation{}, err
	}
	res.LastSeenID = pointer
	return res, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row scanner) (*Conversation, error) {
	c := &Conversation{}
	var ctype string
	var latest, custSeen, respSeen sql.NullInt64
	err := row.Scan(&c.ID, &c.RequestID, &c.CustomerID, &c.ResponderID, &ctype, &latest,
		&custSeen, &c.CustomerUnread, &respSeen, &c.ResponderUnread, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Type = Type(ctype)
	c.LatestMessageID = latest.Int64
	if custSeen.Valid {
		v := custSeen.Int64
		c.CustomerLastSeenID = &v
	}
	if respSeen.Valid {
		v := respSeen.Int64
		c.ResponderLastSeenID = &v
	}
	return c, nil
}

func scanMessage(row scanner) (*Message, error) {
	m := &Message{}
	var cust, admin, free, mediaURL, mediaType, offerID sql.NullString
	var mtype string
	err := row.Scan(&m.ID, &m.ConversationID, &cust, &admin, &free,
		&m.Body, &mtype, &mediaURL, &mediaType, &offerID, &m.IsRead, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.SenderCustomerID = cust.String
	m.SenderAdminID = admin.String
	m.SenderFreelancerID = free.String
	m.Type = MessageType(mtype)
	m.MediaURL = mediaURL.String
	m.MediaType = mediaType.String
	m.OfferID = offerID.String
	return m, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(m *Message) sql.NullTime {
	return sql.NullTime{Time: m.CreatedAt, Valid: !m.CreatedAt.IsZero()}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
