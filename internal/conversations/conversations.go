// Package conversations stores the chat sessions attached to service
// requests: one conversation per (request, responder), its messages, and
// each side's read state.
//
// Read state is kept per side. A message counts as unread for a side when
// it was sent by the other side and is_read is false. Two things clear it:
// Append with both participants present (the message is born read), and
// ReconcileSeen when a participant joins the room or marks it read.
package conversations

import (
	"context"
	"time"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/auth"
)

var (
	ErrNotFound         = apierr.New(apierr.NotFound, "conversation not found")
	ErrNotParticipant   = apierr.New(apierr.Forbidden, "you are not a participant in this conversation")
	ErrNotResponder     = apierr.New(apierr.Forbidden, "only admins and freelancers can open conversations")
	ErrRequestClosed    = apierr.WithCode(apierr.Conflict, "request_closed", "service request is no longer open")
	ErrOfferAlreadySent = apierr.WithCode(apierr.Conflict, "offer_already_sent", "offer has already been sent")
)

// Type is the kind of responder on the conversation.
type Type string

const (
	TypeAdmin      Type = "admin"
	TypeFreelancer Type = "freelancer"
)

// Side is one end of a conversation.
type Side string

const (
	SideCustomer  Side = "customer"
	SideResponder Side = "responder"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideCustomer {
		return SideResponder
	}
	return SideCustomer
}

// MessageType is the kind of chat message.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageMedia MessageType = "MEDIA"
	MessageOffer MessageType = "OFFER"
)

// Conversation is a chat between a customer and one responder about one
// service request.
type Conversation struct {
	ID                  string
	RequestID           string
	CustomerID          string
	ResponderID         string
	Type                Type
	LatestMessageID     int64
	CustomerLastSeenID  *int64
	CustomerUnread      int
	ResponderLastSeenID *int64
	ResponderUnread     int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SideOf returns which side id is on, or ErrNotParticipant.
func (c *Conversation) SideOf(id *auth.Identity) (Side, error) {
	switch id.Role {
	case auth.RoleCustomer:
		if id.ID == c.CustomerID {
			return SideCustomer, nil
		}
	case auth.RoleAdmin, auth.RoleFreelancer:
		if id.ID == c.ResponderID && string(id.Role) == string(c.Type) {
			return SideResponder, nil
		}
	}
	return "", ErrNotParticipant
}

// Unread returns the unread count for side.
func (c *Conversation) Unread(side Side) int {
	if side == SideCustomer {
		return c.CustomerUnread
	}
	return c.ResponderUnread
}

// LastSeen returns the seen pointer for side, nil when never set.
func (c *Conversation) LastSeen(side Side) *int64 {
	if side == SideCustomer {
		return c.CustomerLastSeenID
	}
	return c.ResponderLastSeenID
}

// Message is one chat message. Exactly one sender field is set.
type Message struct {
	ID                 int64
	ConversationID     string
	SenderCustomerID   string
	SenderAdminID      string
	SenderFreelancerID string
	Body               string
	Type               MessageType
	MediaURL           string
	MediaType          string
	OfferID            string
	IsRead             bool
	CreatedAt          time.Time
}

// SetSender fills the sender field matching id's role.
func (m *Message) SetSender(id *auth.Identity) {
	m.SenderCustomerID, m.SenderAdminID, m.SenderFreelancerID = "", "", ""
	switch id.Role {
	case auth.RoleCustomer:
		m.SenderCustomerID = id.ID
	case auth.RoleAdmin:
		m.SenderAdminID = id.ID
	case auth.RoleFreelancer:
		m.SenderFreelancerID = id.ID
	}
}

// Sender returns the sender's ID and role.
func (m *Message) Sender() (string, auth.Role) {
	switch {
	case m.SenderCustomerID != "":
		return m.SenderCustomerID, auth.RoleCustomer
	case m.SenderAdminID != "":
		return m.SenderAdminID, auth.RoleAdmin
	default:
		return m.SenderFreelancerID, auth.RoleFreelancer
	}
}

// SenderSide returns the conversation side the message came from.
func (m *Message) SenderSide() Side {
	if m.SenderCustomerID != "" {
		return SideCustomer
	}
	return SideResponder
}

// Summary is a conversation with its latest message, for chat lists.
type Summary struct {
	Conversation *Conversation
	Latest       *Message
}

// Reconciliation reports what ReconcileSeen changed.
type Reconciliation struct {
	MarkedRead  int64 // messages flipped to read
	LastSeenID  int64 // the side's pointer after reconciliation
	UnreadReset bool  // unread counter was nonzero and is now 0
}

// Store persists conversations and messages.
type Store interface {
	// Open inserts c unless a conversation already exists for
	// (RequestID, ResponderID), in which case the existing one is returned
	// with created=false.
	Open(ctx context.Context, c *Conversation) (conv *Conversation, created bool, err error)
	Get(ctx context.Context, id string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]*Summary, error)

	// RequestIDsForResponder returns the distinct request IDs the
	// responder has a conversation about.
	RequestIDsForResponder(ctx context.Context, responderID string) ([]string, error)

	// ListMessages returns messages newest first. beforeID > 0 restricts to
	// ids below it.
	ListMessages(ctx context.Context, conversationID string, beforeID int64, limit int) ([]*Message, error)

	// Append inserts m with is_read = read and, in the same transaction,
	// advances latest_message_id and sets the recipient side's unread
	// counter to 0 when read, otherwise increments it.
	Append(ctx context.Context, m *Message, read bool) (*Message, *Conversation, error)

	// ReconcileSeen advances side's seen pointer over unread counterparty
	// messages, marking them read. Runs atomically per conversation.
	ReconcileSeen(ctx context.Context, conversationID string, side Side) (Reconciliation, error)
}
