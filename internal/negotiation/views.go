package negotiation

import (
	"time"

	"github.com/mbd888/servicedesk/internal/auth"
)

// OfferView is the JSON projection of an Offer.
type OfferView struct {
	ID             string     `json:"id"`
	CustomerID     string     `json:"customerId"`
	RequestID      string     `json:"requestId"`
	CreatedByID    string     `json:"createdById"`
	CreatedByRole  auth.Role  `json:"createdByRole"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Type           string     `json:"type"`
	Timeline       string     `json:"timeline"`
	Budget         string     `json:"budget"`
	Deliverables   []string   `json:"deliverables"`
	Status         Status     `json:"status"`
	ConversationID string     `json:"conversationId,omitempty"`
	MessageID      int64      `json:"messageId,omitempty"`
	SentByRole     auth.Role  `json:"sentByRole,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

func (o *Offer) ToView() OfferView {
	return OfferView{
		ID:             o.ID,
		CustomerID:     o.CustomerID,
		RequestID:      o.RequestID,
		CreatedByID:    o.CreatedByID,
		CreatedByRole:  o.CreatedByRole,
		Name:           o.Name,
		Description:    o.Description,
		Type:           o.Type,
		Timeline:       o.Timeline,
		Budget:         o.Budget.StringFixed(2),
		Deliverables:   nonNil(o.Deliverables),
		Status:         o.Status,
		ConversationID: o.ConversationID,
		MessageID:      o.MessageID,
		SentByRole:     o.SentByRole,
		CreatedAt:      o.CreatedAt,
		ResolvedAt:     o.ResolvedAt,
	}
}

func offerViews(os []*Offer) []OfferView {
	out := make([]OfferView, len(os))
	for i, o := range os {
		out[i] = o.ToView()
	}
	return out
}
