package conversations

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/idgen"
	"github.com/mbd888/servicedesk/internal/metrics"
	"github.com/mbd888/servicedesk/internal/pagination"
	"github.com/mbd888/servicedesk/internal/requests"
	"github.com/mbd888/servicedesk/internal/security"
	"github.com/mbd888/servicedesk/internal/validation"
)

const maxBodyLength = 5000

// RequestLookup resolves the service request a conversation is about.
type RequestLookup interface {
	Get(ctx context.Context, id string) (*requests.ServiceRequest, error)
}

// OpenRequest is the body of POST /conversations.
type OpenRequest struct {
	RequestID string `json:"requestId"`
}

// SendRequest is an outbound chat message before persistence.
type SendRequest struct {
	ConversationID string      `json:"conversation_id"`
	Body           string      `json:"body"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"media_url"`
	MediaType      string      `json:"media_type"`
	OfferID        string      `json:"offer_id"`
}

// Service manages conversations and their messages.
type Service struct {
	store    Store
	requests RequestLookup
	logger   *slog.Logger
}

// NewService creates a new conversations service.
func NewService(store Store, reqs RequestLookup, logger *slog.Logger) *Service {
	return &Service{store: store, requests: reqs, logger: logger}
}

// Open starts a conversation between the request's customer and the calling
// responder, or returns the one that already exists.
func (s *Service) Open(ctx context.Context, responder *auth.Identity, req OpenRequest) (*Conversation, bool, error) {
	if !responder.Role.IsResponder() {
		return nil, false, ErrNotResponder
	}
	if err := validation.Validate(validation.Required("requestId", req.RequestID)).Err(); err != nil {
		return nil, false, err
	}

	r, err := s.requests.Get(ctx, req.RequestID)
	if err != nil {
		return nil, false, err
	}
	if r.Status == requests.StatusCancelled {
		return nil, false, ErrRequestClosed
	}

	now := time.Now().UTC()
	conv, created, err := s.store.Open(ctx, &Conversation{
		ID:          idgen.WithPrefix("conv_"),
		RequestID:   r.ID,
		CustomerID:  r.CustomerID,
		ResponderID: responder.ID,
		Type:        Type(responder.Role),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to open conversation: %w", err)
	}
	if created {
		s.logger.Info("conversation opened", "conversation", conv.ID, "request", r.ID, "responder", responder.ID)
	}
	return conv, created, nil
}

// Get returns a conversation without access checks.
func (s *Service) Get(ctx context.Context, id string) (*Conversation, error) {
	return s.store.Get(ctx, id)
}

// Participant loads a conversation and reports the caller's side in it.
func (s *Service) Participant(ctx context.Context, caller *auth.Identity, id string) (*Conversation, Side, error) {
	conv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	side, err := conv.SideOf(caller)
	if err != nil {
		return nil, "", err
	}
	return conv, side, nil
}

// ListForUser returns the caller's chat list, most recently active first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Summary, error) {
	return s.store.ListForUser(ctx, userID, limit)
}

// RequestIDsForResponder returns the requests responderID is chatting about.
func (s *Service) RequestIDsForResponder(ctx context.Context, responderID string) ([]string, error) {
	return s.store.RequestIDsForResponder(ctx, responderID)
}

// History returns a page of messages, newest first. The cursor is the one
// returned as NextCursor by the previous page.
func (s *Service) History(ctx context.Context, caller *auth.Identity, id, cursor string, limit int) (pagination.Page[*Message], error) {
	if _, _, err := s.Participant(ctx, caller, id); err != nil {
		return pagination.Page[*Message]{}, err
	}

	var beforeID int64
	c, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Message]{}, apierr.Validationf("invalid cursor")
	}
	if c != nil {
		beforeID, err = strconv.ParseInt(c.ID, 10, 64)
		if err != nil {
			return pagination.Page[*Message]{}, apierr.Validationf("invalid cursor")
		}
	}

	msgs, err := s.store.ListMessages(ctx, id, beforeID, limit+1)
	if err != nil {
		return pagination.Page[*Message]{}, err
	}
	return pagination.ComputePage(msgs, limit, func(m *Message) (time.Time, string) {
		return m.CreatedAt, strconv.FormatInt(m.ID, 10)
	}), nil
}

// Validate checks the shape of an outgoing message for its type. Offer
// ownership is checked by the caller, which knows about offers.
func (req *SendRequest) Validate() error {
	req.Body = strings.TrimSpace(req.Body)
	if req.Type == "" {
		req.Type = MessageText
	}
	switch req.Type {
	case MessageText:
		if req.Body == "" {
			return invalid("body", "is required")
		}
	case MessageMedia:
		if req.MediaURL == "" {
			return invalid("media_url", "is required")
		}
		if err := security.CheckPublicURL(req.MediaURL); err != nil {
			return invalid("media_url", err.Error())
		}
	case MessageOffer:
		if req.OfferID == "" {
			return invalid("offer_id", "is required")
		}
	default:
		return invalid("type", "must be one of: TEXT, MEDIA, OFFER")
	}
	return validation.Validate(validation.MaxLength("body", req.Body, maxBodyLength)).Err()
}

// Append stores a message from sender. read is true when both participants
// are in the room, so the recipient sees it immediately.
func (s *Service) Append(ctx context.Context, sender *auth.Identity, req SendRequest, read bool) (*Message, *Conversation, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	conv, _, err := s.Participant(ctx, sender, req.ConversationID)
	if err != nil {
		return nil, nil, err
	}

	m := &Message{
		ConversationID: conv.ID,
		Body:           validation.SanitizeString(req.Body, maxBodyLength),
		Type:           req.Type,
		MediaURL:       req.MediaURL,
		MediaType:      req.MediaType,
		OfferID:        req.OfferID,
		CreatedAt:      time.Now().UTC(),
	}
	m.SetSender(sender)

	stored, conv, err := s.store.Append(ctx, m, read)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to append message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(stored.Type)).Inc()
	return stored, conv, nil
}

// ReconcileSeen marks the counterparty's unread messages read for side.
func (s *Service) ReconcileSeen(ctx context.Context, conversationID string, side Side) (Reconciliation, error) {
	res, err := s.store.ReconcileSeen(ctx, conversationID, side)
	if err != nil {
		return Reconciliation{}, err
	}
	if res.MarkedRead > 0 || res.UnreadReset {
		s.logger.Debug("read state reconciled",
			"conversation", conversationID, "side", side, "marked", res.MarkedRead, "lastSeen", res.LastSeenID)
	}
	return res, nil
}

func invalid(field, message string) error {
	return validation.ValidationErrors{{Field: field, Message: message}}.Err()
}
