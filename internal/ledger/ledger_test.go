package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/servicedesk/internal/apierr"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, slog.Default()), store
}

func fund(t *testing.T, store *MemoryStore, freelancerID, paymentID, amount string) {
	t.Helper()
	require.NoError(t, store.PostPayment(context.Background(), Posting{
		PaymentID:    paymentID,
		CustomerID:   "cus_1",
		FreelancerID: freelancerID,
		Amount:       decimal.RequireFromString(amount),
	}))
}

func TestWithdraw_InsufficientFundsWritesNothing(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	fund(t, store, "fr_1", "pay_1", "50")

	_, _, err := svc.Withdraw(ctx, "fr_1", "100")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.Equal(t, apierr.InsufficientFunds, apierr.KindOf(err))

	wallet, err := svc.Wallet(ctx, "fr_1")
	require.NoError(t, err)
	assert.Equal(t, "50.00", wallet.Balance.StringFixed(2))

	pending, err := store.PendingWithdrawal(ctx, "fr_1")
	require.NoError(t, err)
	assert.Nil(t, pending)
	for _, e := range store.Entries() {
		assert.NotEqual(t, EntryWithdrawal, e.Type)
	}
}

func TestWithdraw_NoWalletIsZeroBalance(t *testing.T) {
	svc, _ := newTestService()
	_, _, err := svc.Withdraw(context.Background(), "fr_new", "1")
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
}

func TestWithdraw_DebitsAndRecordsEntry(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	fund(t, store, "fr_1", "pay_1", "1150")

	w, wallet, err := svc.Withdraw(ctx, "fr_1", "150.50")
	require.NoError(t, err)
	assert.Equal(t, WithdrawalRequested, w.Status)
	assert.Equal(t, "999.50", wallet.Balance.StringFixed(2))
	assert.Equal(t, "1150.00", wallet.TotalEarned.StringFixed(2))

	var found bool
	for _, e := range store.Entries() {
		if e.Type == EntryWithdrawal {
			found = true
			assert.Equal(t, w.ID, e.WithdrawalID)
			assert.Equal(t, "-150.50", e.Amount.StringFixed(2))
		}
	}
	assert.True(t, found, "withdrawal entry missing")
}

func TestWithdraw_OneOutstandingRequest(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	fund(t, store, "fr_1", "pay_1", "500")

	_, _, err := svc.Withdraw(ctx, "fr_1", "100")
	require.NoError(t, err)

	_, _, err = svc.Withdraw(ctx, "fr_1", "100")
	assert.True(t, errors.Is(err, ErrPendingWithdrawal))
	assert.Equal(t, apierr.Conflict, apierr.KindOf(err))

	wallet, _ := svc.Wallet(ctx, "fr_1")
	assert.Equal(t, "400.00", wallet.Balance.StringFixed(2))
}

func TestWithdraw_ConcurrentRequestsOnlyOneWins(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	fund(t, store, "fr_1", "pay_1", "1000")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.Withdraw(ctx, "fr_1", "100"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	wallet, _ := svc.Wallet(ctx, "fr_1")
	assert.Equal(t, "900.00", wallet.Balance.StringFixed(2))
}

func TestWithdraw_InvalidAmounts(t *testing.T) {
	svc, _ := newTestService()
	for _, amt := range []string{"", "abc", "0", "-5", "1.005"} {
		_, _, err := svc.Withdraw(context.Background(), "fr_1", amt)
		assert.Equal(t, apierr.Validation, apierr.KindOf(err), "amount %q", amt)
	}
}

func TestReject_ReversesDebit(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	fund(t, store, "fr_1", "pay_1", "300")

	w, _, err := svc.Withdraw(ctx, "fr_1", "200")
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, w.ID, "bank details invalid")
	require.NoError(t, err)
	assert.Equal(t, WithdrawalRejected, rejected.Status)
	assert.NotNil(t, rejected.ProcessedAt)

	wallet, _ := svc.Wallet(ctx, "fr_1")
	assert.Equal(t, "300.00", wallet.Balance.StringFixed(2))

	// a new request is allowed once the old one is resolved
	_, _, err = svc.Withdraw(ctx, "fr_1", "50")
	assert.NoError(t, err)
}

func TestProcess_Lifecycle(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	fund(t, store, "fr_1", "pay_1", "300")

	w, _, err := svc.Withdraw(ctx, "fr_1", "200")
	require.NoError(t, err)

	pending, err := svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	processed, err := svc.Process(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalProcessed, processed.Status)

	_, err = svc.Process(ctx, w.ID)
	assert.True(t, errors.Is(err, ErrWithdrawalResolved))
	_, err = svc.Reject(ctx, w.ID, "late")
	assert.True(t, errors.Is(err, ErrWithdrawalResolved))
	_, err = svc.Process(ctx, "wd_missing")
	assert.True(t, errors.Is(err, ErrWithdrawalNotFound))

	wallet, _ := svc.Wallet(ctx, "fr_1")
	assert.Equal(t, "100.00", wallet.Balance.StringFixed(2))
}

func TestPostPayment_IdempotentAndAdminSkipsWallet(t *testing.T) {
	_, store := newTestService()
	ctx := context.Background()

	fund(t, store, "fr_1", "pay_1", "1150")
	fund(t, store, "fr_1", "pay_1", "1150")

	wallet, _ := store.GetWallet(ctx, "fr_1")
	assert.Equal(t, "1150.00", wallet.Balance.StringFixed(2))
	assert.Len(t, store.Entries(), 2)

	require.NoError(t, store.PostPayment(ctx, Posting{
		PaymentID:  "pay_2",
		CustomerID: "cus_2",
		Amount:     decimal.NewFromInt(200),
	}))
	entries := store.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, EntryClientPayment, entries[2].Type)
	assert.Equal(t, "cus_2", entries[2].CustomerID)
}

func TestHistory_Paginates(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	for _, id := range []string{"pay_1", "pay_2", "pay_3"} {
		fund(t, store, "fr_1", id, "10")
	}

	page, err := svc.History(ctx, "fr_1", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	next, err := svc.History(ctx, "fr_1", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.False(t, next.HasMore)

	seen := map[string]bool{}
	for _, e := range append(page.Items, next.Items...) {
		assert.False(t, seen[e.ID], "duplicate entry across pages")
		seen[e.ID] = true
	}

	_, err = svc.History(ctx, "fr_1", "!!", 2)
	assert.Equal(t, apierr.Validation, apierr.KindOf(err))
}

func TestWalletTotals_MatchAfterActivity(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	fund(t, store, "fr_1", "pay_1", "500")
	w, _, err := svc.Withdraw(ctx, "fr_1", "120")
	require.NoError(t, err)
	_, err = svc.Reject(ctx, w.ID, "retry later")
	require.NoError(t, err)

	totals, err := svc.WalletTotals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.True(t, totals[0].Balance.Equal(totals[0].LedgerSum))
	assert.True(t, totals[0].TotalEarned.Equal(totals[0].EarningSum))
}
