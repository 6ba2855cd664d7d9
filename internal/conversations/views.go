package conversations

import (
	"time"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/pagination"
)

// ConversationView is a conversation as seen by one participant. Unread and
// LastSeenMessageID belong to the viewer's side.
type ConversationView struct {
	ID                string       `json:"id"`
	RequestID         string       `json:"requestId"`
	CustomerID        string       `json:"customerId"`
	ResponderID       string       `json:"responderId"`
	Type              Type         `json:"conversationType"`
	LatestMessage     *MessageView `json:"latestMessage,omitempty"`
	LastSeenMessageID *int64       `json:"lastSeenMessageId"`
	UnreadCount       int          `json:"unreadCount"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// ToView projects c for a participant on side.
func (c *Conversation) ToView(side Side) ConversationView {
	return ConversationView{
		ID:                c.ID,
		RequestID:         c.RequestID,
		CustomerID:        c.CustomerID,
		ResponderID:       c.ResponderID,
		Type:              c.Type,
		LastSeenMessageID: c.LastSeen(side),
		UnreadCount:       c.Unread(side),
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

// MessageView is the JSON projection of a Message.
type MessageView struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderRole     auth.Role   `json:"senderRole"`
	Body           string      `json:"body"`
	Type           MessageType `json:"messageType"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	MediaType      string      `json:"mediaType,omitempty"`
	OfferID        string      `json:"offerId,omitempty"`
	IsRead         bool        `json:"isRead"`
	CreatedAt      time.Time   `json:"createdAt"`
}

func (m *Message) ToView() MessageView {
	senderID, role := m.Sender()
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       senderID,
		SenderRole:     role,
		Body:           m.Body,
		Type:           m.Type,
		MediaURL:       m.MediaURL,
		MediaType:      m.MediaType,
		OfferID:        m.OfferID,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	}
}

func summaryViews(viewer *auth.Identity, ss []*Summary) []ConversationView {
	out := make([]ConversationView, 0, len(ss))
	for _, s := range ss {
		side, err := s.Conversation.SideOf(viewer)
		if err != nil {
			continue
		}
		v := s.Conversation.ToView(side)
		if s.Latest != nil {
			mv := s.Latest.ToView()
			v.LatestMessage = &mv
		}
		out = append(out, v)
	}
	return out
}

func historyView(p pagination.Page[*Message]) pagination.Page[MessageView] {
	items := make([]MessageView, len(p.Items))
	for i, m := range p.Items {
		items[i] = m.ToView()
	}
	return pagination.Page[MessageView]{Items: items, NextCursor: p.NextCursor, HasMore: p.HasMore}
}
