package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/conversations"
	"github.com/mbd888/servicedesk/internal/negotiation"
	"github.com/mbd888/servicedesk/internal/presence"
	"github.com/mbd888/servicedesk/internal/requests"
)

const solDetails = `{"category":"SOL","project_title":"CRM rollout","requirements":"Migrate sheets"}`

var (
	customer   = &auth.Identity{ID: "cus_1", Role: auth.RoleCustomer}
	freelancer = &auth.Identity{ID: "fl_1", Role: auth.RoleFreelancer}
	stranger   = &auth.Identity{ID: "cus_9", Role: auth.RoleCustomer}
)

type testEnv struct {
	srv     *httptest.Server
	tokens  *auth.TokenManager
	convs   *conversations.Service
	offers  *negotiation.Service
	reqs    *requests.Service
	tracker *presence.MemoryTracker
	conv    *conversations.Conversation
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets a test replace the gateway's request collaborator.
func newTestEnvWith(t *testing.T, wrap func(Requests) Requests) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := slog.Default()

	reqs := requests.NewService(requests.NewMemoryStore(), logger)
	r, _, err := reqs.Submit(ctx, customer.ID, requests.SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)

	convs := conversations.NewService(conversations.NewMemoryStore(), reqs, logger)
	conv, _, err := convs.Open(ctx, freelancer, conversations.OpenRequest{RequestID: r.ID})
	require.NoError(t, err)

	offers := negotiation.NewService(negotiation.NewMemoryStore(), reqs, logger)
	tracker := presence.NewMemoryTracker(time.Hour)
	tokens := auth.NewTokenManager("test-secret", "servicedesk")

	hub := NewHub(logger)
	var gwReqs Requests = reqs
	if wrap != nil {
		gwReqs = wrap(reqs)
	}
	gw := NewGateway(hub, tokens, convs, offers, gwReqs, tracker, logger)
	router := gin.New()
	gw.RegisterRoutes(router.Group("/v1"))

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &testEnv{srv: srv, tokens: tokens, convs: convs, offers: offers, reqs: reqs, tracker: tracker, conv: conv}
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *testEnv) dial(t *testing.T, id *auth.Identity) *websocket.Conn {
	t.Helper()
	token, err := e.tokens.Issue(*id, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emitFrame(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

// expect reads frames until one named event arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event {
			return f.Data
		}
	}
}

func (e *testEnv) join(t *testing.T, conn *websocket.Conn) RoomJoined {
	t.Helper()
	emitFrame(t, conn, EventJoinRoom, RoomRequest{ConversationID: e.conv.ID})
	var joined RoomJoined
	require.NoError(t, json.Unmarshal(expect(t, conn, EventRoomJoined), &joined))
	return joined
}

func decodeMessage(t *testing.T, raw json.RawMessage) MessagePayload {
	t.Helper()
	var p MessagePayload
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func decodeError(t *testing.T, raw json.RawMessage) ErrorPayload {
	t.Helper()
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestGateway_UnauthenticatedGetsAuthError(t *testing.T) {
	e := newTestEnv(t)

	for _, url := range []string{e.wsURL(""), e.wsURL("not-a-token")} {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)

		p := decodeError(t, expect(t, conn, EventAuthError))
		assert.Equal(t, "invalid_token", p.Code)

		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		_ = conn.Close()
	}
}

func TestGateway_TokenInSubprotocol(t *testing.T) {
	e := newTestEnv(t)
	token, err := e.tokens.Issue(*customer, time.Hour)
	require.NoError(t, err)

	dialer := websocket.Dialer{Subprotocols: []string{"bearer." + token}}
	conn, resp, err := dialer.Dial(e.wsURL(""), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "bearer."+token, resp.Header.Get("Sec-WebSocket-Protocol"))

	joined := e.join(t, conn)
	assert.Equal(t, int64(1), joined.Participants)
}

func TestGateway_BothPresentMessageIsRead(t *testing.T) {
	e := newTestEnv(t)
	cust := e.dial(t, customer)
	resp := e.dial(t, freelancer)
	e.join(t, cust)
	assert.Equal(t, int64(2), e.join(t, resp).Participants)

	emitFrame(t, resp, EventSendMessage, map[string]string{
		"conversation_id": e.conv.ID, "body": "hello", "type": "TEXT",
	})
	sent := decodeMessage(t, expect(t, resp, EventMessageSentSuccess))
	assert.True(t, sent.Message.IsRead)

	got := decodeMessage(t, expect(t, cust, EventNewMessage))
	assert.Equal(t, "hello", got.Message.Body)
	assert.Equal(t, freelancer.ID, got.Message.SenderID)
	assert.True(t, got.Message.IsRead)

	conv, err := e.convs.Get(context.Background(), e.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.CustomerUnread)
	assert.Equal(t, sent.Message.ID, conv.LatestMessageID)
}

func TestGateway_OnePresentMessageIsUnread(t *testing.T) {
	e := newTestEnv(t)
	resp := e.dial(t, freelancer)
	e.join(t, resp)

	emitFrame(t, resp, EventSendMessage, map[string]string{
		"conversation_id": e.conv.ID, "body": "are you there?",
	})
	sent := decodeMessage(t, expect(t, resp, EventMessageSentSuccess))
	assert.False(t, sent.Message.IsRead)

	conv, err := e.convs.Get(context.Background(), e.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.CustomerUnread)

	// joining catches the customer up and tells the sender
	cust := e.dial(t, customer)
	e.join(t, cust)
	var read MessagesRead
	require.NoError(t, json.Unmarshal(expect(t, resp, EventMessagesRead), &read))
	assert.Equal(t, conversations.SideCustomer, read.Reader)
	assert.Equal(t, sent.Message.ID, read.LastSeenMessageID)

	conv, err = e.convs.Get(context.Background(), e.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.CustomerUnread)
}

func TestGateway_MarkAsRead(t *testing.T) {
	e := newTestEnv(t)
	cust := e.dial(t, customer)
	e.join(t, cust)

	emitFrame(t, cust, EventMarkAsRead, RoomRequest{ConversationID: e.conv.ID})
	var read MessagesRead
	require.NoError(t, json.Unmarshal(expect(t, cust, EventMessagesRead), &read))
	assert.Equal(t, e.conv.ID, read.ConversationID)
}

func TestGateway_RoomFull(t *testing.T) {
	e := newTestEnv(t)
	e.join(t, e.dial(t, customer))
	e.join(t, e.dial(t, freelancer))

	third := e.dial(t, customer)
	emitFrame(t, third, EventJoinRoom, RoomRequest{ConversationID: e.conv.ID})
	p := decodeError(t, expect(t, third, EventJoinError))
	assert.Equal(t, "room_full", p.Code)

	// the connection stays usable
	emitFrame(t, third, EventLeaveRoom, RoomRequest{ConversationID: e.conv.ID})
	expect(t, third, EventRoomLeft)

	n, err := e.tracker.Count(context.Background(), e.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGateway_JoinRejections(t *testing.T) {
	e := newTestEnv(t)

	conn := e.dial(t, stranger)
	emitFrame(t, conn, EventJoinRoom, RoomRequest{ConversationID: e.conv.ID})
	assert.Equal(t, "forbidden", decodeError(t, expect(t, conn, EventJoinError)).Code)

	emitFrame(t, conn, EventJoinRoom, RoomRequest{ConversationID: "conv_missing"})
	assert.Equal(t, "not_found", decodeError(t, expect(t, conn, EventJoinError)).Code)

	emitFrame(t, conn, EventJoinRoom, RoomRequest{})
	assert.Equal(t, "validation_error", decodeError(t, expect(t, conn, EventJoinError)).Code)
}

func TestGateway_RejoinIsNoop(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, customer)
	e.join(t, conn)
	e.join(t, conn)

	n, err := e.tracker.Count(context.Background(), e.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGateway_SendRequiresJoin(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, customer)

	emitFrame(t, conn, EventSendMessage, map[string]string{"conversation_id": e.conv.ID, "body": "hi"})
	assert.Equal(t, "not_in_room", decodeError(t, expect(t, conn, EventMessageError)).Code)

	e.join(t, conn)
	emitFrame(t, conn, EventSendMessage, map[string]string{"conversation_id": e.conv.ID, "body": "  "})
	assert.Equal(t, "validation_error", decodeError(t, expect(t, conn, EventMessageError)).Code)

	emitFrame(t, conn, EventSendMessage, map[string]string{"conversation_id": e.conv.ID, "type": "MEDIA"})
	assert.Equal(t, "validation_error", decodeError(t, expect(t, conn, EventMessageError)).Code)
}

func TestGateway_OfferMessage(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	o, err := e.offers.CreateOffer(ctx, freelancer, negotiation.CreateOfferRequest{
		CustomerID: customer.ID, RequestID: e.conv.RequestID, Name: "CRM rollout", Budget: "1000",
	})
	require.NoError(t, err)

	cust := e.dial(t, customer)
	resp := e.dial(t, freelancer)
	e.join(t, cust)
	e.join(t, resp)

	// customers cannot send someone else's offer
	emitFrame(t, cust, EventSendMessage, map[string]string{
		"conversation_id": e.conv.ID, "type": "OFFER", "offer_id": o.ID,
	})
	assert.Equal(t, "forbidden", decodeError(t, expect(t, cust, EventMessageError)).Code)

	emitFrame(t, resp, EventSendMessage, map[string]string{
		"conversation_id": e.conv.ID, "type": "OFFER", "offer_id": o.ID, "body": "my offer",
	})
	sent := decodeMessage(t, expect(t, resp, EventMessageSentSuccess))
	require.NotNil(t, sent.Offer)
	assert.Equal(t, e.conv.ID, sent.Offer.ConversationID)
	assert.Equal(t, sent.Message.ID, sent.Offer.MessageID)

	got := decodeMessage(t, expect(t, cust, EventNewMessage))
	require.NotNil(t, got.Offer)
	assert.Equal(t, o.ID, got.Offer.ID)
	assert.Equal(t, "1000.00", got.Offer.Budget)

	r, err := e.reqs.Get(ctx, e.conv.RequestID)
	require.NoError(t, err)
	assert.Equal(t, requests.StatusOfferPending, r.Status)

	emitFrame(t, resp, EventSendMessage, map[string]string{
		"conversation_id": e.conv.ID, "type": "OFFER", "offer_id": o.ID,
	})
	assert.Equal(t, "offer_already_sent", decodeError(t, expect(t, resp, EventMessageError)).Code)
}

type brokenRequests struct{}

func (brokenRequests) MarkOfferPending(context.Context, string) error {
	return errors.New("database unavailable")
}

func TestGateway_OfferLinkFailureReported(t *testing.T) {
	e := newTestEnvWith(t, func(Requests) Requests { return brokenRequests{} })
	ctx := context.Background()

	o, err := e.offers.CreateOffer(ctx, freelancer, negotiation.CreateOfferRequest{
		CustomerID: customer.ID, RequestID: e.conv.RequestID, Name: "CRM rollout", Budget: "1000",
	})
	require.NoError(t, err)

	resp := e.dial(t, freelancer)
	e.join(t, resp)

	emitFrame(t, resp, EventSendMessage, map[string]string{
		"conversation_id": e.conv.ID, "type": "OFFER", "offer_id": o.ID, "body": "my offer",
	})
	assert.Equal(t, "offer_link_failed", decodeError(t, expect(t, resp, EventMessageError)).Code)

	// the next frame is the reply to the next send, not a late success
	emitFrame(t, resp, EventSendMessage, map[string]string{"conversation_id": e.conv.ID, "body": "hello"})
	require.NoError(t, resp.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f Frame
	require.NoError(t, resp.ReadJSON(&f))
	assert.Equal(t, EventMessageSentSuccess, f.Event)
	assert.Equal(t, "hello", decodeMessage(t, f.Data).Message.Body)
}

func TestGateway_DisconnectReleasesPresence(t *testing.T) {
	e := newTestEnv(t)
	cust := e.dial(t, customer)
	e.join(t, cust)
	resp := e.dial(t, freelancer)
	e.join(t, resp)

	_ = cust.Close()
	assert.Eventually(t, func() bool {
		n, err := e.tracker.Count(context.Background(), e.conv.ID)
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)

	_ = resp.Close()
	assert.Eventually(t, func() bool {
		n, err := e.tracker.Count(context.Background(), e.conv.ID)
		return err == nil && n == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestGateway_UnknownEvent(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, customer)

	emitFrame(t, conn, "dance", nil)
	assert.Equal(t, "unknown_event", decodeError(t, expect(t, conn, EventError)).Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "malformed_frame", decodeError(t, expect(t, conn, EventError)).Code)
}
