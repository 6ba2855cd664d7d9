package negotiation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory offer store for development and tests.
type MemoryStore struct {
	offers map[string]*Offer
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*Offer)}
}

func (m *MemoryStore) Create(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = copyOffer(o)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, status Status, at time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}
	o.Status = status
	o.ResolvedAt = &at
	return copyOffer(o), nil
}

func (m *MemoryStore) LinkMessage(_ context.Context, id string, link Link) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Sent() {
		if o.MessageID == link.MessageID {
			return copyOffer(o), nil
		}
		return nil, ErrAlreadySent
	}
	o.ConversationID = link.ConversationID
	o.MessageID = link.MessageID
	o.SentByID = link.SenderID
	o.SentByRole = link.SenderRole
	return copyOffer(o), nil
}

func (m *MemoryStore) ListForCustomer(_ context.Context, customerID string, limit int) ([]*Offer, error) {
	return m.list(func(o *Offer) bool { return o.CustomerID == customerID }, limit), nil
}

func (m *MemoryStore) ListByCreator(_ context.Context, creatorID string, limit int) ([]*Offer, error) {
	return m.list(func(o *Offer) bool { return o.CreatedByID == creatorID }, limit), nil
}

func (m *MemoryStore) list(match func(*Offer) bool, limit int) []*Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if match(o) {
			result = append(result, copyOffer(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func copyOffer(o *Offer) *Offer {
	cp := *o
	cp.Deliverables = append([]string(nil), o.Deliverables...)
	if o.ResolvedAt != nil {
		t := *o.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
