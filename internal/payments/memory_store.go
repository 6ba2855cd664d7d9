package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/servicedesk/internal/ledger"
)

// LedgerPoster applies a payment's posting. ledger.MemoryStore satisfies it.
type LedgerPoster interface {
	PostPayment(ctx context.Context, p ledger.Posting) error
}

// MemoryStore is an in-memory payment store for development and tests.
// The posting is applied while the store lock is held, so a payment and its
// ledger entries become visible together.
type MemoryStore struct {
	payments map[string]*Payment
	byOffer  map[string]string
	byIntent map[string]string
	ledger   LedgerPoster
	mu       sync.RWMutex
}

// NewMemoryStore creates a payment store that posts confirmations to l.
func NewMemoryStore(l LedgerPoster) *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*Payment),
		byOffer:  make(map[string]string),
		byIntent: make(map[string]string),
		ledger:   l,
	}
}

func offerKey(customerID, offerID string) string { return customerID + "|" + offerID }

func (m *MemoryStore) Create(ctx context.Context, p *Payment) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byOffer[offerKey(p.CustomerID, p.OfferID)]; ok {
		return copyPayment(m.payments[id]), false, nil
	}
	if p.Status == StatusConfirmed {
		if err := m.ledger.PostPayment(ctx, p.Posting()); err != nil {
			return nil, false, err
		}
	}
	m.payments[p.ID] = copyPayment(p)
	m.byOffer[offerKey(p.CustomerID, p.OfferID)] = p.ID
	m.byIntent[p.PaymentIntentID] = p.ID
	return copyPayment(p), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) GetByOffer(ctx context.Context, customerID, offerID string) (*Payment, error) {
	m.mu.RLock()
	id, ok := m.byOffer[offerKey(customerID, offerID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByIntent(ctx context.Context, intentID string) (*Payment, error) {
	m.mu.RLock()
	id, ok := m.byIntent[intentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) LatestForRequest(_ context.Context, requestID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Payment
	for _, p := range m.payments {
		if p.RequestID != requestID || p.Status == StatusVoided {
			continue
		}
		if latest == nil || livelier(p, latest) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyPayment(latest), nil
}

func (m *MemoryStore) Confirm(ctx context.Context, id string, at time.Time) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if p.Status != StatusIntentCreated {
		return copyPayment(p), false, nil
	}
	if err := m.ledger.PostPayment(ctx, p.Posting()); err != nil {
		return nil, false, err
	}
	p.Status = StatusConfirmed
	p.ConfirmedAt = &at
	return copyPayment(p), true, nil
}

func (m *MemoryStore) Void(_ context.Context, id string) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if p.Status != StatusIntentCreated {
		return copyPayment(p), false, nil
	}
	p.Status = StatusVoided
	return copyPayment(p), true, nil
}

func (m *MemoryStore) ListPending(_ context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status == StatusIntentCreated && p.CreatedAt.Before(cutoff) {
			result = append(result, copyPayment(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// livelier orders payments for LatestForRequest: confirmed before pending,
// then newest first.
func livelier(a, b *Payment) bool {
	if (a.Status == StatusConfirmed) != (b.Status == StatusConfirmed) {
		return a.Status == StatusConfirmed
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func copyPayment(p *Payment) *Payment {
	cp := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}
