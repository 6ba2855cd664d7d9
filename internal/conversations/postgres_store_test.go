//go:build integration

package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/requests"
	"github.com/mbd888/servicedesk/internal/testutil"
)

func newPGService(t *testing.T) (*Service, *PostgresStore, *requests.Service, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	reqs := requests.NewService(requests.NewPostgresStore(db), slog.Default())
	store := NewPostgresStore(db)
	return NewService(store, reqs, slog.Default()), store, reqs, cleanup
}

func TestPostgresStore_OpenAndAppend(t *testing.T) {
	svc, store, reqs, cleanup := newPGService(t)
	defer cleanup()
	ctx := context.Background()

	r, _, err := reqs.Submit(ctx, customer.ID, requests.SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)

	conv, created, err := svc.Open(ctx, admin, OpenRequest{RequestID: r.ID})
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := svc.Open(ctx, admin, OpenRequest{RequestID: r.ID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)

	m1, _, err := svc.Append(ctx, admin, SendRequest{ConversationID: conv.ID, Body: "hello"}, false)
	require.NoError(t, err)
	m2, got, err := svc.Append(ctx, admin, SendRequest{ConversationID: conv.ID, Body: "still there?"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CustomerUnread)
	assert.Equal(t, m2.ID, got.LatestMessageID)
	assert.Greater(t, m2.ID, m1.ID)

	_, got, err = svc.Append(ctx, customer, SendRequest{ConversationID: conv.ID, Body: "yes"}, true)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ResponderUnread)

	offer := SendRequest{ConversationID: conv.ID, Type: MessageOffer, OfferID: "off_1"}
	_, _, err = svc.Append(ctx, admin, offer, false)
	require.NoError(t, err)
	_, _, err = svc.Append(ctx, admin, offer, false)
	assert.True(t, errors.Is(err, ErrOfferAlreadySent))

	ids, err := store.RequestIDsForResponder(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, ids)

	ss, err := store.ListForUser(ctx, customer.ID, 10)
	require.NoError(t, err)
	require.Len(t, ss, 1)
	require.NotNil(t, ss[0].Latest)
	assert.Equal(t, MessageOffer, ss[0].Latest.Type)

	page, err := svc.History(ctx, customer, conv.ID, "", 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	next, err := svc.History(ctx, customer, conv.ID, page.NextCursor, 10)
	require.NoError(t, err)
	assert.Len(t, next.Items, 2)
}

func TestPostgresStore_ReconcileSeen(t *testing.T) {
	svc, store, reqs, cleanup := newPGService(t)
	defer cleanup()
	ctx := context.Background()

	r, _, err := reqs.Submit(ctx, customer.ID, requests.SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)
	conv, _, err := svc.Open(ctx, freelancer, OpenRequest{RequestID: r.ID})
	require.NoError(t, err)

	var last *Message
	for _, body := range []string{"a", "b", "c", "d"} {
		last, _, err = svc.Append(ctx, freelancer, SendRequest{ConversationID: conv.ID, Body: body}, false)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var marked int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.ReconcileSeen(ctx, conv.ID, SideCustomer)
			if err == nil {
				mu.Lock()
				marked += res.MarkedRead
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(4), marked, "concurrent joiners never double count")

	got, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CustomerUnread)
	require.NotNil(t, got.CustomerLastSeenID)
	assert.Equal(t, last.ID, *got.CustomerLastSeenID)
	assert.Nil(t, got.ResponderLastSeenID)

	_, err = store.ReconcileSeen(ctx, "conv_missing", SideCustomer)
	assert.True(t, errors.Is(err, ErrNotFound))
}
