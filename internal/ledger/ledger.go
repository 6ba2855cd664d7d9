// Package ledger keeps the append-only money ledger, freelancer wallets
// and the withdrawal workflow.
//
// Flow:
//  1. A confirmed payment posts a client_payment_escrow entry and, for a
//     freelancer responder, a freelancer_earning entry plus a wallet credit
//  2. The freelancer requests a withdrawal (balance debited immediately)
//  3. An admin marks it processed, or rejects it and the debit is reversed
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/idgen"
	"github.com/mbd888/servicedesk/internal/metrics"
	"github.com/mbd888/servicedesk/internal/pagination"
	"github.com/mbd888/servicedesk/internal/syncutil"
	"github.com/mbd888/servicedesk/internal/traces"
)

var (
	ErrInvalidAmount      = apierr.New(apierr.Validation, "amount must be a positive number with at most 2 decimal places")
	ErrInsufficientFunds  = apierr.New(apierr.InsufficientFunds, "insufficient balance")
	ErrPendingWithdrawal  = apierr.WithCode(apierr.Conflict, "withdrawal_pending", "a withdrawal request is already pending")
	ErrWithdrawalNotFound = apierr.New(apierr.NotFound, "withdrawal not found")
	ErrWithdrawalResolved = apierr.WithCode(apierr.Conflict, "withdrawal_resolved", "withdrawal has already been resolved")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryClientPayment      EntryType = "client_payment_escrow"
	EntryFreelancerEarning  EntryType = "freelancer_earning"
	EntryWithdrawal         EntryType = "freelancer_withdrawal"
	EntryWithdrawalReversal EntryType = "withdrawal_reversal"
)

// Entry is one append-only ledger row. Exactly one of CustomerID and
// FreelancerID is set. Amount is signed from the owner's point of view.
type Entry struct {
	ID           string
	Type         EntryType
	CustomerID   string
	FreelancerID string
	Amount       decimal.Decimal
	PaymentID    string
	WithdrawalID string
	Description  string
	CreatedAt    time.Time
}

// Wallet is a freelancer's withdrawable balance.
type Wallet struct {
	FreelancerID string
	Balance      decimal.Decimal
	TotalEarned  decimal.Decimal
	UpdatedAt    time.Time
}

// WithdrawalStatus is the lifecycle state of a withdrawal.
type WithdrawalStatus string

const (
	WithdrawalRequested WithdrawalStatus = "requested"
	WithdrawalProcessed WithdrawalStatus = "processed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// Withdrawal is a freelancer payout request.
type Withdrawal struct {
	ID           string
	FreelancerID string
	Amount       decimal.Decimal
	Status       WithdrawalStatus
	Note         string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// Posting is the ledger effect of one confirmed payment. FreelancerID is
// empty when an admin responded, in which case no wallet is credited.
type Posting struct {
	PaymentID    string
	CustomerID   string
	FreelancerID string
	Amount       decimal.Decimal
}

// Entries expands the posting into its ledger rows.
func (p Posting) Entries(now time.Time) []*Entry {
	out := []*Entry{{
		ID:          idgen.WithPrefix("led_"),
		Type:        EntryClientPayment,
		CustomerID:  p.CustomerID,
		Amount:      p.Amount,
		PaymentID:   p.PaymentID,
		Description: "client payment held in escrow",
		CreatedAt:   now,
	}}
	if p.FreelancerID != "" {
		out = append(out, &Entry{
			ID:           idgen.WithPrefix("led_"),
			Type:         EntryFreelancerEarning,
			FreelancerID: p.FreelancerID,
			Amount:       p.Amount,
			PaymentID:    p.PaymentID,
			Description:  "earning for accepted offer",
			CreatedAt:    now,
		})
	}
	return out
}

// WalletTotals pairs a wallet with the sums of its ledger entries.
type WalletTotals struct {
	FreelancerID string
	Balance      decimal.Decimal
	TotalEarned  decimal.Decimal
	LedgerSum    decimal.Decimal
	EarningSum   decimal.Decimal
}

// Store persists ledger data. CreateWithdrawal and ResolveWithdrawal are
// each a single atomic unit covering the withdrawal row, the wallet and the
// ledger entry.
type Store interface {
	PostPayment(ctx context.Context, p Posting) error
	GetWallet(ctx context.Context, freelancerID string) (*Wallet, error)
	PendingWithdrawal(ctx context.Context, freelancerID string) (*Withdrawal, error)
	CreateWithdrawal(ctx context.Context, w *Withdrawal) (*Wallet, error)
	ResolveWithdrawal(ctx context.Context, id string, to WithdrawalStatus, note string) (*Withdrawal, error)
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, status WithdrawalStatus, limit int) ([]*Withdrawal, error)
	ListEntries(ctx context.Context, freelancerID string, cursor *pagination.Cursor, limit int) ([]*Entry, error)
	WalletTotals(ctx context.Context) ([]*WalletTotals, error)
}

// Service implements the withdrawal engine and wallet queries.
type Service struct {
	store  Store
	locker syncutil.Locker
	logger *slog.Logger
}

// NewService creates a ledger service with an in-process per-freelancer lock.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		locker: syncutil.NewContextShardedMutex(),
		logger: logger,
	}
}

// WithLocker replaces the per-freelancer lock, e.g. with a chain that also
// takes a Redis lock when several instances share the database.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locker = l
	return s
}

// Store exposes the underlying store to the payments package, which posts
// settlements through it.
func (s *Service) Store() Store { return s.store }

// ParseAmount parses a user-supplied withdrawal amount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() || d.Exponent() < -2 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Withdraw debits amount from the freelancer's wallet and records a
// requested withdrawal. It fails with ErrPendingWithdrawal while another
// request is outstanding and ErrInsufficientFunds when the balance is short;
// in both cases nothing is written.
func (s *Service) Withdraw(ctx context.Context, freelancerID, amount string) (w *Withdrawal, wallet *Wallet, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Withdraw", traces.SubjectID(freelancerID), traces.Amount(amount))
	defer func() { traces.End(span, err) }()

	amt, err := ParseAmount(amount)
	if err != nil {
		return nil, nil, err
	}

	unlock, err := s.locker.Lock(ctx, "withdraw:"+freelancerID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	// Fast path; the store re-checks inside its transaction.
	pending, err := s.store.PendingWithdrawal(ctx, freelancerID)
	if err != nil {
		return nil, nil, err
	}
	if pending != nil {
		return nil, nil, ErrPendingWithdrawal
	}

	w = &Withdrawal{
		ID:           idgen.WithPrefix("wd_"),
		FreelancerID: freelancerID,
		Amount:       amt,
		Status:       WithdrawalRequested,
		CreatedAt:    time.Now().UTC(),
	}
	wallet, err = s.store.CreateWithdrawal(ctx, w)
	if err != nil {
		return nil, nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(WithdrawalRequested)).Inc()
	s.logger.Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"freelancer_id", freelancerID,
		"amount", amt.StringFixed(2),
		"balance", wallet.Balance.StringFixed(2),
	)
	return w, wallet, nil
}

// Process marks a requested withdrawal as paid out.
func (s *Service) Process(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := s.store.ResolveWithdrawal(ctx, id, WithdrawalProcessed, "")
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(WithdrawalProcessed)).Inc()
	s.logger.Info("withdrawal processed", "withdrawal_id", id, "freelancer_id", w.FreelancerID)
	return w, nil
}

// Reject cancels a requested withdrawal and credits the amount back.
func (s *Service) Reject(ctx context.Context, id, note string) (*Withdrawal, error) {
	w, err := s.store.ResolveWithdrawal(ctx, id, WithdrawalRejected, note)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(string(WithdrawalRejected)).Inc()
	s.logger.Info("withdrawal rejected", "withdrawal_id", id, "freelancer_id", w.FreelancerID, "note", note)
	return w, nil
}

// ListPending returns requested withdrawals, oldest first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, WithdrawalRequested, limit)
}

// Wallet returns the freelancer's wallet. A freelancer with no earnings
// has a zero wallet.
func (s *Service) Wallet(ctx context.Context, freelancerID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, freelancerID)
}

// History returns the freelancer's ledger entries, newest first.
func (s *Service) History(ctx context.Context, freelancerID, cursor string, limit int) (pagination.Page[*Entry], error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Entry]{}, apierr.Validationf("invalid cursor")
	}
	entries, err := s.store.ListEntries(ctx, freelancerID, cur, limit+1)
	if err != nil {
		return pagination.Page[*Entry]{}, err
	}
	return pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	}), nil
}

// WalletTotals exposes per-wallet ledger sums for reconciliation.
func (s *Service) WalletTotals(ctx context.Context) ([]*WalletTotals, error) {
	return s.store.WalletTotals(ctx)
}
