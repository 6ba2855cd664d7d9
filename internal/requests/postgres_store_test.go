//go:build integration

package requests

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	svc := NewService(store, slog.Default())

	r, _, err := svc.Submit(ctx, "cus_1", SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "CRM rollout", got.Title())
	assert.Equal(t, CategorySolution, got.Details.Category())

	_, err = svc.Update(ctx, "cus_1", r.ID, UpdateRequest{
		Details: json.RawMessage(`{"category":"SOL","project_title":"CRM v2","requirements":"More"}`),
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkOfferPending(ctx, r.ID))
	_, err = store.UpdateDetails(ctx, r.ID, got.Details)
	assert.True(t, errors.Is(err, ErrNotEditable))

	jobs, err := svc.ListOpenJobs(ctx, auth.RoleFreelancer, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "CRM v2", jobs[0].Request.Title())

	require.NoError(t, svc.MarkPaidAndAward(ctx, r.ID, "fr_1", AwardFreelancer))
	require.NoError(t, svc.MarkPaidAndAward(ctx, r.ID, "fr_1", AwardFreelancer))
	assert.True(t, errors.Is(svc.MarkPaidAndAward(ctx, r.ID, "fr_2", AwardFreelancer), ErrAlreadyAwarded))

	awarded, err := svc.ListAwardedJobs(ctx, "fr_1", 10)
	require.NoError(t, err)
	require.Len(t, awarded, 1)
	assert.Equal(t, StatusInProgress, awarded[0].Request.Status)
	assert.Equal(t, PaymentPaid, awarded[0].Request.PaymentStatus)
	assert.NotNil(t, awarded[0].Job.AwardedAt)

	done, err := svc.Complete(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, _, err = svc.Cancel(ctx, "cus_1", r.ID, CancelRequest{Reason: "late"})
	assert.True(t, errors.Is(err, ErrNotCancellable))
}

func TestPostgresStore_CancelWithRefund(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	r, _, err := NewService(store, slog.Default()).Submit(ctx, "cus_1", SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)

	// refunds reference a real payment row
	_, err = db.ExecContext(ctx, `
		INSERT INTO offers (id, customer_id, request_id, created_by_id, created_by_role, name, budget)
		VALUES ('ofr_1', 'cus_1', $1, 'fr_1', 'freelancer', 'Build', 1000)
	`, r.ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO payments (id, customer_id, offer_id, request_id, status, processor_customer_id,
			payment_intent_id, client_secret, ephemeral_key, tax_rate, platform_fee_rate, base_amount,
			tax_amount, platform_fee_amount, total_amount, amount_minor, currency, responder_id, responder_role)
		VALUES ('pay_1', 'cus_1', 'ofr_1', $1, 'confirmed', 'cus_x', 'pi_1', 'cs', 'ek', 5, 10, 1000, 50, 100, 1150, 115000, 'usd', 'fr_1', 'freelancer')
	`, r.ID)
	require.NoError(t, err)

	svc := NewService(store, slog.Default()).WithPayments(&fakePayments{summary: &PaymentSummary{
		ID: "pay_1", Total: decimal.NewFromInt(1150), Confirmed: true, CreatedAt: time.Now(),
	}})
	c, refund, err := svc.Cancel(ctx, "cus_1", r.ID, CancelRequest{Reason: "budget cut"})
	require.NoError(t, err)
	assert.True(t, c.RefundEligible)
	require.NotNil(t, refund)

	var amount decimal.Decimal
	require.NoError(t, db.QueryRowContext(ctx, `SELECT amount FROM refunds WHERE request_id = $1`, r.ID).Scan(&amount))
	assert.Equal(t, "1150.00", amount.StringFixed(2))

	// a second cancellation is rejected even from the store directly
	err = store.Cancel(ctx, &Cancellation{ID: "cnl_dup", CustomerID: "cus_1", RequestID: r.ID, Reason: "x", CreatedAt: time.Now()}, nil)
	assert.True(t, errors.Is(err, ErrAlreadyCancelled))
}

func TestPostgresStore_AwardAndCancelOrdering(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	svc := NewService(store, slog.Default())

	cancelled, _, err := svc.Submit(ctx, "cus_1", SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)
	_, _, err = svc.Cancel(ctx, "cus_1", cancelled.ID, CancelRequest{Reason: "gone"})
	require.NoError(t, err)
	assert.True(t, errors.Is(svc.MarkPaidAndAward(ctx, cancelled.ID, "fr_1", AwardFreelancer), ErrClosed))
	got, err := store.Get(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentUnpaid, got.PaymentStatus)

	paid, _, err := svc.Submit(ctx, "cus_1", SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)
	require.NoError(t, svc.MarkPaidAndAward(ctx, paid.ID, "fr_1", AwardFreelancer))
	err = store.Cancel(ctx, &Cancellation{ID: "cnl_late", CustomerID: "cus_1", RequestID: paid.ID, Reason: "x", CreatedAt: time.Now()}, nil)
	assert.True(t, errors.Is(err, ErrPaymentPending))
	got, err = store.Get(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestPostgresStore_Feedback(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	svc := NewService(store, slog.Default())

	r, _, err := svc.Submit(ctx, "cus_1", SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)
	other, _, err := svc.Submit(ctx, "cus_1", SubmitRequest{Details: json.RawMessage(solDetails)})
	require.NoError(t, err)

	svc.WithConversations(conversationIndex{"fr_1": {r.ID, other.ID}})
	ls, err := svc.PendingJobs(ctx, &auth.Identity{ID: "fr_1", Role: auth.RoleFreelancer}, 10)
	require.NoError(t, err)
	assert.Len(t, ls, 2)

	awardee := &auth.Identity{ID: "fr_1", Role: auth.RoleFreelancer}
	err = store.AddProgress(ctx, &ProgressUpdate{ID: "prg_early", RequestID: r.ID, AuthorID: "fr_1", Progress: 5, CreatedAt: time.Now()})
	assert.True(t, errors.Is(err, ErrInvalidStatus), "progress needs an inprogress request")

	require.NoError(t, svc.MarkPaidAndAward(ctx, r.ID, "fr_1", AwardFreelancer))
	ls, err = svc.PendingJobs(ctx, awardee, 10)
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, other.ID, ls[0].Request.ID)

	_, err = svc.CreateReview(ctx, "cus_1", ReviewRequest{FormID: r.ID, Communication: 5, QualityOfWork: 5, Timeliness: 5, ValueForMoney: 5})
	require.NoError(t, err)
	_, err = svc.CreateReview(ctx, "cus_1", ReviewRequest{FormID: r.ID, Communication: 1, QualityOfWork: 1, Timeliness: 1, ValueForMoney: 1})
	assert.True(t, errors.Is(err, ErrAlreadyReviewed))

	_, err = svc.CreateReport(ctx, "cus_1", ReportRequest{FormID: r.ID, Issue: "late", Description: "behind", Priority: "low"})
	require.NoError(t, err)

	for _, pct := range []int{10, 55} {
		v := pct
		_, err = svc.UpdateProgress(ctx, awardee, ProgressRequest{FormID: r.ID, Progress: &v})
		require.NoError(t, err)
	}
	list, err := svc.ListProgress(ctx, awardee, r.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 55, list[0].Progress)
}
