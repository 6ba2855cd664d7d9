package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/conversations"
	"github.com/mbd888/servicedesk/internal/negotiation"
	"github.com/mbd888/servicedesk/internal/presence"
)

const eventTimeout = 10 * time.Second

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(raw string) (*auth.Identity, error)
}

// Conversations is the chat store the gateway writes through.
type Conversations interface {
	Participant(ctx context.Context, caller *auth.Identity, id string) (*conversations.Conversation, conversations.Side, error)
	Append(ctx context.Context, sender *auth.Identity, req conversations.SendRequest, read bool) (*conversations.Message, *conversations.Conversation, error)
	ReconcileSeen(ctx context.Context, conversationID string, side conversations.Side) (conversations.Reconciliation, error)
}

// Offers validates and links offers delivered as OFFER messages.
type Offers interface {
	Sendable(ctx context.Context, sender *auth.Identity, offerID, requestID, customerID string) (*negotiation.Offer, error)
	LinkMessage(ctx context.Context, offerID string, link negotiation.Link) (*negotiation.Offer, error)
}

// Requests moves a request to offer_pending once an offer is delivered.
type Requests interface {
	MarkOfferPending(ctx context.Context, id string) error
}

// Gateway serves GET /ws and handles the chat events of each connection.
type Gateway struct {
	hub      *Hub
	tokens   TokenVerifier
	convs    Conversations
	offers   Offers
	requests Requests
	presence presence.Tracker
	logger   *slog.Logger
	upgrader websocket.Upgrader
	origins  []string
}

// NewGateway wires the gateway to its collaborators.
func NewGateway(hub *Hub, tokens TokenVerifier, convs Conversations, offers Offers, reqs Requests, tracker presence.Tracker, logger *slog.Logger) *Gateway {
	g := &Gateway{
		hub:      hub,
		tokens:   tokens,
		convs:    convs,
		offers:   offers,
		requests: reqs,
		presence: tracker,
		logger:   logger,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// WithAllowedOrigins sets browser origins allowed besides the server's own
// host. "*" allows any origin.
func (g *Gateway) WithAllowedOrigins(origins []string) *Gateway {
	g.origins = origins
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	for _, o := range g.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// RegisterRoutes mounts the websocket endpoint. It authenticates on its own.
func (g *Gateway) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", g.HandleWebSocket)
}

// HandleWebSocket upgrades the connection and starts its pumps. A missing
// or invalid token still upgrades, so the client can read the auth_error.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	if g.hub.Full() {
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	var header http.Header
	for _, p := range websocket.Subprotocols(c.Request) {
		if strings.HasPrefix(p, "bearer.") {
			header = http.Header{"Sec-WebSocket-Protocol": {p}}
			break
		}
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := NewSession()
	id, err := g.tokens.Verify(auth.BearerToken(c.Request))
	if err == nil {
		err = session.Authenticate(id)
	}
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, EventAuthError, errorPayload(auth.ErrInvalidToken))
		return
	}

	client := newClient(g.hub, conn, session)
	if err := g.hub.register(client); err != nil {
		closeWith(conn, websocket.CloseTryAgainLater, EventError, ErrorPayload{Code: "unavailable", Message: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go client.writePump()
	go client.readPump(ctx, g.handle, func(c *Client) {
		cancel()
		g.disconnect(c)
	})
}

// handle dispatches one inbound frame.
func (g *Gateway) handle(ctx context.Context, c *Client, f Frame) {
	caller, err := c.session.Ready()
	if err != nil {
		c.emit(EventAuthError, errorPayload(err))
		c.session.Close()
		c.hub.unregister(c)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	switch f.Event {
	case EventJoinRoom:
		var req RoomRequest
		if err := decode(f.Data, &req); err != nil {
			c.emit(EventJoinError, errorPayload(err))
			return
		}
		g.join(ctx, c, caller, req.ConversationID)
	case EventSendMessage:
		var req conversations.SendRequest
		if err := decode(f.Data, &req); err != nil {
			c.emit(EventMessageError, errorPayload(err))
			return
		}
		g.sendMessage(ctx, c, caller, req)
	case EventMarkAsRead:
		var req RoomRequest
		if err := decode(f.Data, &req); err != nil {
			c.emit(EventError, errorPayload(err))
			return
		}
		g.markAsRead(ctx, c, req.ConversationID)
	case EventLeaveRoom:
		var req RoomRequest
		if err := decode(f.Data, &req); err != nil {
			c.emit(EventError, errorPayload(err))
			return
		}
		g.leave(ctx, c, req.ConversationID)
	default:
		c.emit(EventError, errorPayload(ErrUnknownEvent))
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrMalformed
	}
	return nil
}

func (g *Gateway) join(ctx context.Context, c *Client, caller *auth.Identity, room string) {
	if room == "" {
		c.emit(EventJoinError, errorPayload(ErrMissingRoomID))
		return
	}
	conv, side, err := g.convs.Participant(ctx, caller, room)
	if err != nil {
		c.emit(EventJoinError, errorPayload(err))
		return
	}

	if _, ok := c.session.Side(conv.ID); ok {
		n, _ := g.presence.Count(ctx, conv.ID)
		c.emit(EventRoomJoined, RoomJoined{ConversationID: conv.ID, Participants: n})
		return
	}

	n, err := g.presence.Join(ctx, conv.ID)
	if err != nil {
		if !errors.Is(err, presence.ErrRoomFull) {
			g.logger.Error("presence join failed", "conversation", conv.ID, "error", err)
		}
		c.emit(EventJoinError, errorPayload(err))
		return
	}

	res, err := g.convs.ReconcileSeen(ctx, conv.ID, side)
	if err != nil {
		g.releasePresence(conv.ID)
		c.emit(EventJoinError, errorPayload(err))
		return
	}

	if _, err := c.session.Join(conv.ID, side); err != nil {
		g.releasePresence(conv.ID)
		c.emit(EventJoinError, errorPayload(err))
		return
	}
	g.hub.JoinRoom(c, conv.ID)

	c.emit(EventRoomJoined, RoomJoined{ConversationID: conv.ID, Participants: n})
	if res.MarkedRead > 0 {
		g.hub.Broadcast(conv.ID, encode(EventMessagesRead, MessagesRead{
			ConversationID: conv.ID, Reader: side, LastSeenMessageID: res.LastSeenID,
		}), c)
	}
}

func (g *Gateway) sendMessage(ctx context.Context, c *Client, caller *auth.Identity, req conversations.SendRequest) {
	fail := func(err error) { c.emit(EventMessageError, errorPayload(err)) }

	if req.ConversationID == "" {
		fail(ErrMissingRoomID)
		return
	}
	if _, ok := c.session.Side(req.ConversationID); !ok {
		fail(ErrNotInRoom)
		return
	}
	if err := req.Validate(); err != nil {
		fail(err)
		return
	}
	conv, _, err := g.convs.Participant(ctx, caller, req.ConversationID)
	if err != nil {
		fail(err)
		return
	}

	var offer *negotiation.Offer
	if req.Type == conversations.MessageOffer {
		offer, err = g.offers.Sendable(ctx, caller, req.OfferID, conv.RequestID, conv.CustomerID)
		if err != nil {
			fail(err)
			return
		}
	}

	n, err := g.presence.Count(ctx, conv.ID)
	if err != nil {
		g.logger.Warn("presence count failed, storing message as unread", "conversation", conv.ID, "error", err)
		n = 0
	}
	msg, _, err := g.convs.Append(ctx, caller, req, n >= presence.Capacity)
	if err != nil {
		fail(err)
		return
	}

	if offer != nil {
		offer, err = g.deliverOffer(ctx, caller, conv, msg, offer)
		if err != nil {
			g.logger.Error("failed to link offer message", "offer", req.OfferID, "message", msg.ID, "error", err)
			fail(ErrOfferLink)
			return
		}
	}

	payload := MessagePayload{Message: msg.ToView()}
	if offer != nil {
		v := offer.ToView()
		payload.Offer = &v
	}
	g.hub.Broadcast(conv.ID, encode(EventNewMessage, payload), c)
	c.emit(EventMessageSentSuccess, payload)
}

// deliverOffer links the offer to the message that carried it and moves
// the request to offer_pending while the offer is open.
func (g *Gateway) deliverOffer(ctx context.Context, caller *auth.Identity, conv *conversations.Conversation, msg *conversations.Message, offer *negotiation.Offer) (*negotiation.Offer, error) {
	linked, err := g.offers.LinkMessage(ctx, offer.ID, negotiation.Link{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		SenderID:       caller.ID,
		SenderRole:     caller.Role,
	})
	if err != nil {
		return offer, fmt.Errorf("link offer: %w", err)
	}
	if linked.Status == negotiation.StatusPending {
		if err := g.requests.MarkOfferPending(ctx, conv.RequestID); err != nil {
			return linked, fmt.Errorf("mark request %s offer_pending: %w", conv.RequestID, err)
		}
	}
	return linked, nil
}

func (g *Gateway) markAsRead(ctx context.Context, c *Client, room string) {
	side, ok := c.session.Side(room)
	if !ok {
		c.emit(EventError, errorPayload(ErrNotInRoom))
		return
	}
	res, err := g.convs.ReconcileSeen(ctx, room, side)
	if err != nil {
		c.emit(EventError, errorPayload(err))
		return
	}
	frame := encode(EventMessagesRead, MessagesRead{ConversationID: room, Reader: side, LastSeenMessageID: res.LastSeenID})
	g.hub.send(c, frame)
	g.hub.Broadcast(room, frame, c)
}

func (g *Gateway) leave(ctx context.Context, c *Client, room string) {
	if room == "" {
		c.emit(EventError, errorPayload(ErrMissingRoomID))
		return
	}
	if c.session.Leave(room) {
		g.hub.LeaveRoom(c, room)
		if _, err := g.presence.Leave(ctx, room); err != nil {
			g.logger.Warn("presence leave failed", "conversation", room, "error", err)
		}
	}
	c.emit(EventRoomLeft, RoomLeft{ConversationID: room})
}

// disconnect releases presence for every room the connection held.
func (g *Gateway) disconnect(c *Client) {
	for _, room := range c.session.Close() {
		g.hub.LeaveRoom(c, room)
		g.releasePresence(room)
	}
}

func (g *Gateway) releasePresence(room string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.presence.Leave(ctx, room); err != nil {
		g.logger.Warn("presence leave failed", "conversation", room, "error", err)
	}
}
