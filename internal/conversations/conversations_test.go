package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/requests"
)

const solDetails = `{"category":"SOL","project_title":"CRM rollout","requirements":"Migrate sheets"}`

var (
	customer   = &auth.Identity{ID: "cus_1", Role: auth.RoleCustomer}
	admin      = &auth.Identity{ID: "adm_1", Role: auth.RoleAdmin}
	freelancer = &auth.Identity{ID: "fl_1", Role: auth.RoleFreelancer}
)

type fixture struct {
	svc   *Service
	store *MemoryStore
	reqs  *requests.Service
}

func newFixture() *fixture {
	reqs := requests.NewService(requests.NewMemoryStore(), slog.Default())
	store := NewMemoryStore()
	return &fixture{svc: NewService(store, reqs, slog.Default()), store: store, reqs: reqs}
}

func (f *fixture) request(t *testing.T) *requests.ServiceRequest {
	t.Helper()
	r, _, err := f.reqs.Submit(context.Background(), customer.ID, requests.SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)
	return r
}

func (f *fixture) open(t *testing.T, responder *auth.Identity) *Conversation {
	t.Helper()
	conv, _, err := f.svc.Open(context.Background(), responder, OpenRequest{RequestID: f.request(t).ID})
	require.NoError(t, err)
	return conv
}

func (f *fixture) send(t *testing.T, from *auth.Identity, convID, body string, read bool) *Message {
	t.Helper()
	m, _, err := f.svc.Append(context.Background(), from, SendRequest{ConversationID: convID, Body: body}, read)
	require.NoError(t, err)
	return m
}

func TestOpen_IdempotentPerResponder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.request(t)

	first, created, err := f.svc.Open(ctx, admin, OpenRequest{RequestID: r.ID})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, customer.ID, first.CustomerID)
	assert.Equal(t, TypeAdmin, first.Type)
	assert.Contains(t, first.ID, "conv_")

	again, created, err := f.svc.Open(ctx, admin, OpenRequest{RequestID: r.ID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := f.svc.Open(ctx, freelancer, OpenRequest{RequestID: r.ID})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, TypeFreelancer, other.Type)
}

func TestOpen_ConcurrentCallersShareOneConversation(t *testing.T) {
	f := newFixture()
	r := f.request(t)

	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, _, err := f.svc.Open(context.Background(), admin, OpenRequest{RequestID: r.ID})
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestOpen_Rejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.request(t)

	_, _, err := f.svc.Open(ctx, customer, OpenRequest{RequestID: r.ID})
	assert.True(t, errors.Is(err, ErrNotResponder))

	_, _, err = f.svc.Open(ctx, admin, OpenRequest{})
	assert.Equal(t, apierr.Validation, apierr.KindOf(err))

	_, _, err = f.svc.Open(ctx, admin, OpenRequest{RequestID: "req_missing"})
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))

	_, _, err = f.reqs.Cancel(ctx, customer.ID, r.ID, requests.CancelRequest{Reason: "changed my mind"})
	require.NoError(t, err)
	_, _, err = f.svc.Open(ctx, admin, OpenRequest{RequestID: r.ID})
	assert.True(t, errors.Is(err, ErrRequestClosed))
}

func TestSideOf(t *testing.T) {
	conv := &Conversation{CustomerID: "cus_1", ResponderID: "adm_1", Type: TypeAdmin}

	side, err := conv.SideOf(customer)
	require.NoError(t, err)
	assert.Equal(t, SideCustomer, side)

	side, err = conv.SideOf(admin)
	require.NoError(t, err)
	assert.Equal(t, SideResponder, side)

	// same ID, wrong role
	_, err = conv.SideOf(&auth.Identity{ID: "adm_1", Role: auth.RoleFreelancer})
	assert.True(t, errors.Is(err, ErrNotParticipant))

	_, err = conv.SideOf(&auth.Identity{ID: "cus_2", Role: auth.RoleCustomer})
	assert.True(t, errors.Is(err, ErrNotParticipant))
}

func TestAppend_UnreadCounters(t *testing.T) {
	f := newFixture()
	conv := f.open(t, admin)

	// one participant present: the recipient's counter grows
	m := f.send(t, admin, conv.ID, "hello", false)
	assert.False(t, m.IsRead)
	assert.Equal(t, admin.ID, m.SenderAdminID)
	m2 := f.send(t, admin, conv.ID, "are you there?", false)

	got, err := f.store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CustomerUnread)
	assert.Equal(t, 0, got.ResponderUnread)
	assert.Equal(t, m2.ID, got.LatestMessageID)

	// both present: born read and the counter resets
	m3 := f.send(t, customer, conv.ID, "yes", true)
	assert.True(t, m3.IsRead)
	_, conv2, err := f.svc.Append(context.Background(), admin, SendRequest{ConversationID: conv.ID, Body: "great"}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, conv2.CustomerUnread)
	assert.Equal(t, 0, conv2.ResponderUnread)
}

func TestAppend_Validation(t *testing.T) {
	f := newFixture()
	conv := f.open(t, admin)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"blank text", SendRequest{Body: "   "}},
		{"media without url", SendRequest{Type: MessageMedia}},
		{"media to private address", SendRequest{Type: MessageMedia, MediaURL: "http://10.0.0.4/a.png"}},
		{"media with bad scheme", SendRequest{Type: MessageMedia, MediaURL: "ftp://cdn.example.com/a.png"}},
		{"offer without id", SendRequest{Type: MessageOffer}},
		{"unknown type", SendRequest{Type: "VIDEO", Body: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ConversationID = conv.ID
			_, _, err := f.svc.Append(ctx, admin, tt.req, false)
			assert.Equal(t, apierr.Validation, apierr.KindOf(err))
		})
	}

	m, _, err := f.svc.Append(ctx, customer, SendRequest{
		ConversationID: conv.ID, Type: MessageMedia, MediaURL: "https://cdn.example.com/a.png", MediaType: "image/png",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, MessageMedia, m.Type)
}

func TestAppend_NonParticipant(t *testing.T) {
	f := newFixture()
	conv := f.open(t, admin)

	_, _, err := f.svc.Append(context.Background(), freelancer, SendRequest{ConversationID: conv.ID, Body: "hi"}, false)
	assert.True(t, errors.Is(err, ErrNotParticipant))

	_, _, err = f.svc.Append(context.Background(), admin, SendRequest{ConversationID: "conv_missing", Body: "hi"}, false)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAppend_OfferSentOnce(t *testing.T) {
	f := newFixture()
	conv := f.open(t, admin)
	ctx := context.Background()

	req := SendRequest{ConversationID: conv.ID, Type: MessageOffer, OfferID: "off_1"}
	_, _, err := f.svc.Append(ctx, admin, req, false)
	require.NoError(t, err)

	_, _, err = f.svc.Append(ctx, admin, req, false)
	assert.True(t, errors.Is(err, ErrOfferAlreadySent))
	assert.Equal(t, "offer_already_sent", apierr.CodeOf(err))
}

func TestReconcileSeen(t *testing.T) {
	f := newFixture()
	conv := f.open(t, admin)
	ctx := context.Background()

	f.send(t, admin, conv.ID, "one", false)
	f.send(t, admin, conv.ID, "two", false)
	last := f.send(t, admin, conv.ID, "three", false)
	mine := f.send(t, customer, conv.ID, "my own message", false)

	res, err := f.svc.ReconcileSeen(ctx, conv.ID, SideCustomer)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.MarkedRead)
	assert.Equal(t, last.ID, res.LastSeenID)
	assert.True(t, res.UnreadReset)

	got, _ := f.store.Get(ctx, conv.ID)
	assert.Equal(t, 0, got.CustomerUnread)
	assert.Equal(t, 1, got.ResponderUnread, "the customer's own message stays unread for the responder")
	require.NotNil(t, got.CustomerLastSeenID)
	assert.Equal(t, last.ID, *got.CustomerLastSeenID)

	msgs, _ := f.store.ListMessages(ctx, conv.ID, 0, 10)
	for _, m := range msgs {
		assert.Equal(t, m.ID != mine.ID, m.IsRead, "message %d", m.ID)
	}

	// nothing new: no-op
	res, err = f.svc.ReconcileSeen(ctx, conv.ID, SideCustomer)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.MarkedRead)
	assert.False(t, res.UnreadReset)
	assert.Equal(t, last.ID, res.LastSeenID)

	// the responder side reconciles independently
	res, err = f.svc.ReconcileSeen(ctx, conv.ID, SideResponder)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.MarkedRead)
	assert.Equal(t, mine.ID, res.LastSeenID)
}

func TestReconcileSeen_BootstrapsFromReadMessages(t *testing.T) {
	f := newFixture()
	conv := f.open(t, admin)
	ctx := context.Background()

	seen := f.send(t, admin, conv.ID, "both online", true)
	unread := f.send(t, admin, conv.ID, "customer left", false)

	res, err := f.svc.ReconcileSeen(ctx, conv.ID, SideCustomer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.MarkedRead)
	assert.Equal(t, unread.ID, res.LastSeenID)
	assert.Greater(t, unread.ID, seen.ID)
}

func TestReconcileSeen_HealsDriftedCounter(t *testing.T) {
	f := newFixture()
	conv := f.open(t, admin)
	ctx := context.Background()

	f.send(t, admin, conv.ID, "hi", false)
	_, err := f.svc.ReconcileSeen(ctx, conv.ID, SideCustomer)
	require.NoError(t, err)

	// counter drifted without a matching unread message
	f.store.mu.Lock()
	f.store.conversations[conv.ID].CustomerUnread = 4
	f.store.mu.Unlock()

	res, err := f.svc.ReconcileSeen(ctx, conv.ID, SideCustomer)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.MarkedRead)
	assert.True(t, res.UnreadReset)

	got, _ := f.store.Get(ctx, conv.ID)
	assert.Equal(t, 0, got.CustomerUnread)
}

func TestReconcileSeen_ConcurrentJoinersMarkOnce(t *testing.T) {
	f := newFixture()
	conv := f.open(t, admin)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.send(t, admin, conv.ID, fmt.Sprintf("msg %d", i), false)
	}

	var mu sync.Mutex
	var total int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ReconcileSeen(ctx, conv.ID, SideCustomer)
			if err == nil {
				mu.Lock()
				total += res.MarkedRead
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), total)
}

func TestHistory_Paginates(t *testing.T) {
	f := newFixture()
	conv := f.open(t, admin)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.send(t, admin, conv.ID, fmt.Sprintf("msg %d", i), false)
	}

	page, err := f.svc.History(ctx, customer, conv.ID, "", 3)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, "msg 4", page.Items[0].Body)

	next, err := f.svc.History(ctx, customer, conv.ID, page.NextCursor, 3)
	require.NoError(t, err)
	require.Len(t, next.Items, 2)
	assert.False(t, next.HasMore)
	assert.Equal(t, "msg 1", next.Items[0].Body)

	_, err = f.svc.History(ctx, freelancer, conv.ID, "", 3)
	assert.True(t, errors.Is(err, ErrNotParticipant))

	_, err = f.svc.History(ctx, customer, conv.ID, "!!", 3)
	assert.Equal(t, apierr.Validation, apierr.KindOf(err))
}

func TestListForUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.open(t, admin)
	b := f.open(t, freelancer)
	f.send(t, freelancer, b.ID, "quote coming", false)

	ss, err := f.svc.ListForUser(ctx, customer.ID, 10)
	require.NoError(t, err)
	require.Len(t, ss, 2)
	assert.Equal(t, b.ID, ss[0].Conversation.ID, "most recently active first")
	require.NotNil(t, ss[0].Latest)
	assert.Equal(t, "quote coming", ss[0].Latest.Body)
	assert.Equal(t, a.ID, ss[1].Conversation.ID)
	assert.Nil(t, ss[1].Latest)

	ss, err = f.svc.ListForUser(ctx, admin.ID, 10)
	require.NoError(t, err)
	require.Len(t, ss, 1)
}

func TestRequestIDsForResponder_FeedsPendingJobs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.reqs.WithConversations(f.svc)

	conv := f.open(t, freelancer)
	f.open(t, admin)

	ids, err := f.svc.RequestIDsForResponder(ctx, freelancer.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{conv.RequestID}, ids)

	ls, err := f.reqs.PendingJobs(ctx, freelancer, 10)
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, conv.RequestID, ls[0].Request.ID)

	require.NoError(t, f.reqs.MarkPaidAndAward(ctx, conv.RequestID, freelancer.ID, requests.AwardFreelancer))
	ls, err = f.reqs.PendingJobs(ctx, freelancer, 10)
	require.NoError(t, err)
	assert.Empty(t, ls, "awarded jobs are no longer pending")
}
