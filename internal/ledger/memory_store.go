package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/idgen"
	"github.com/mbd888/servicedesk/internal/pagination"
)

// MemoryStore is an in-memory ledger for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     []*Entry
	wallets     map[string]*Wallet
	withdrawals map[string]*Withdrawal
	posted      map[string]bool // paymentID|type
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*Wallet),
		withdrawals: make(map[string]*Withdrawal),
		posted:      make(map[string]bool),
	}
}

// PostPayment appends the posting's entries and credits the wallet.
// Entries already posted for the payment are skipped.
func (m *MemoryStore) PostPayment(_ context.Context, p Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, e := range p.Entries(now) {
		key := e.PaymentID + "|" + string(e.Type)
		if m.posted[key] {
			continue
		}
		m.posted[key] = true
		m.entries = append(m.entries, e)

		if e.Type == EntryFreelancerEarning {
			w := m.walletLocked(e.FreelancerID)
			w.Balance = w.Balance.Add(e.Amount)
			w.TotalEarned = w.TotalEarned.Add(e.Amount)
			w.UpdatedAt = now
		}
	}
	return nil
}

// Caller must hold m.mu for writing.
func (m *MemoryStore) walletLocked(freelancerID string) *Wallet {
	w, ok := m.wallets[freelancerID]
	if !ok {
		w = &Wallet{FreelancerID: freelancerID, Balance: decimal.Zero, TotalEarned: decimal.Zero}
		m.wallets[freelancerID] = w
	}
	return w
}

func (m *MemoryStore) GetWallet(_ context.Context, freelancerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[freelancerID]
	if !ok {
		return &Wallet{FreelancerID: freelancerID, Balance: decimal.Zero, TotalEarned: decimal.Zero}, nil
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) PendingWithdrawal(_ context.Context, freelancerID string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w := m.pendingLocked(freelancerID); w != nil {
		cp := *w
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) pendingLocked(freelancerID string) *Withdrawal {
	for _, w := range m.withdrawals {
		if w.FreelancerID == freelancerID && w.Status == WithdrawalRequested {
			return w
		}
	}
	return nil
}

func (m *MemoryStore) CreateWithdrawal(_ context.Context, w *Withdrawal) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingLocked(w.FreelancerID) != nil {
		return nil, ErrPendingWithdrawal
	}
	balance := decimal.Zero
	if wallet, ok := m.wallets[w.FreelancerID]; ok {
		balance = wallet.Balance
	}
	if balance.LessThan(w.Amount) {
		return nil, ErrInsufficientFunds
	}

	wallet := m.walletLocked(w.FreelancerID)
	wallet.Balance = wallet.Balance.Sub(w.Amount)
	wallet.UpdatedAt = w.CreatedAt

	stored := *w
	m.withdrawals[w.ID] = &stored
	m.entries = append(m.entries, &Entry{
		ID:           idgen.WithPrefix("led_"),
		Type:         EntryWithdrawal,
		FreelancerID: w.FreelancerID,
		Amount:       w.Amount.Neg(),
		WithdrawalID: w.ID,
		Description:  "withdrawal requested",
		CreatedAt:    w.CreatedAt,
	})

	cp := *wallet
	return &cp, nil
}

func (m *MemoryStore) ResolveWithdrawal(_ context.Context, id string, to WithdrawalStatus, note string) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	if w.Status != WithdrawalRequested {
		return nil, ErrWithdrawalResolved
	}

	now := time.Now().UTC()
	w.Status = to
	w.Note = note
	w.ProcessedAt = &now

	if to == WithdrawalRejected {
		wallet := m.walletLocked(w.FreelancerID)
		wallet.Balance = wallet.Balance.Add(w.Amount)
		wallet.UpdatedAt = now
		m.entries = append(m.entries, &Entry{
			ID:           idgen.WithPrefix("led_"),
			Type:         EntryWithdrawalReversal,
			FreelancerID: w.FreelancerID,
			Amount:       w.Amount,
			WithdrawalID: w.ID,
			Description:  "withdrawal rejected",
			CreatedAt:    now,
		})
	}

	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWithdrawal(_ context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWithdrawals(_ context.Context, status WithdrawalStatus, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if w.Status == status {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, freelancerID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.FreelancerID != freelancerID {
			continue
		}
		if cursor != nil && !before(e, cursor) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// before reports whether e sorts after the cursor in newest-first order.
func before(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) WalletTotals(_ context.Context) ([]*WalletTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byID := make(map[string]*WalletTotals)
	for id, w := range m.wallets {
		byID[id] = &WalletTotals{
			FreelancerID: id,
			Balance:      w.Balance,
			TotalEarned:  w.TotalEarned,
			LedgerSum:    decimal.Zero,
			EarningSum:   decimal.Zero,
		}
	}
	for _, e := range m.entries {
		if e.FreelancerID == "" {
			continue
		}
		t, ok := byID[e.FreelancerID]
		if !ok {
			t = &WalletTotals{FreelancerID: e.FreelancerID, Balance: decimal.Zero, TotalEarned: decimal.Zero, LedgerSum: decimal.Zero, EarningSum: decimal.Zero}
			byID[e.FreelancerID] = t
		}
		t.LedgerSum = t.LedgerSum.Add(e.Amount)
		if e.Type == EntryFreelancerEarning {
			t.EarningSum = t.EarningSum.Add(e.Amount)
		}
	}

	out := make([]*WalletTotals, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FreelancerID < out[j].FreelancerID })
	return out, nil
}

// Entries returns a copy of every entry in insertion order.
func (m *MemoryStore) Entries() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}
