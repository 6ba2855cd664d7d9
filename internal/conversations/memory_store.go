package conversations

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory conversation store for development and tests.
// Every operation holds the store mutex for its whole duration.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	byPair        map[string]string // requestID|responderID -> conversation ID
	messages      map[string][]*Message
	offerMessages map[string]int64
	nextID        int64
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		byPair:        make(map[string]string),
		messages:      make(map[string][]*Message),
		offerMessages: make(map[string]int64),
	}
}

func (m *MemoryStore) Open(_ context.Context, c *Conversation) (*Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair := c.RequestID + "|" + c.ResponderID
	if id, ok := m.byPair[pair]; ok {
		return copyConversation(m.conversations[id]), false, nil
	}
	m.conversations[c.ID] = copyConversation(c)
	m.byPair[pair] = c.ID
	return copyConversation(c), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, limit int) ([]*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Summary
	for _, c := range m.conversations {
		if c.CustomerID != userID && c.ResponderID != userID {
			continue
		}
		s := &Summary{Conversation: copyConversation(c)}
		if msgs := m.messages[c.ID]; len(msgs) > 0 {
			cp := *msgs[len(msgs)-1]
			s.Latest = &cp
		}
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Conversation.UpdatedAt.After(out[b].Conversation.UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RequestIDsForResponder(_ context.Context, responderID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, c := range m.conversations {
		if c.ResponderID == responderID {
			out = append(out, c.RequestID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, beforeID int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	var out []*Message
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeID > 0 && msgs[i].ID >= beforeID {
			continue
		}
		cp := *msgs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Append(_ context.Context, msg *Message, read bool) (*Message, *Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if msg.OfferID != "" {
		if _, sent := m.offerMessages[msg.OfferID]; sent {
			return nil, nil, ErrOfferAlreadySent
		}
	}

	m.nextID++
	stored := *msg
	stored.ID = m.nextID
	stored.IsRead = read
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.messages[c.ID] = append(m.messages[c.ID], &stored)
	if stored.OfferID != "" {
		m.offerMessages[stored.OfferID] = stored.ID
	}

	c.LatestMessageID = stored.ID
	c.UpdatedAt = stored.CreatedAt
	unread := &c.ResponderUnread
	if stored.SenderSide() == SideResponder {
		unread = &c.CustomerUnread
	}
	if read {
		*unread = 0
	} else {
		*unread++
	}

	out := stored
	return &out, copyConversation(c), nil
}

func (m *MemoryStore) ReconcileSeen(_ context.Context, conversationID string, side Side) (Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return Reconciliation{}, ErrNotFound
	}
	msgs := m.messages[conversationID]
	fromOther := func(msg *Message) bool { return msg.SenderSide() != side }

	lastSeen, unread := &c.CustomerLastSeenID, &c.CustomerUnread
	if side == SideResponder {
		lastSeen, unread = &c.ResponderLastSeenID, &c.ResponderUnread
	}

	if *lastSeen == nil {
		var boot int64
		for _, msg := range msgs {
			if fromOther(msg) && msg.IsRead && msg.ID > boot {
				boot = msg.ID
			}
		}
		*lastSeen = &boot
	}
	pointer := **lastSeen

	var res Reconciliation
	maxID := int64(0)
	for _, msg := range msgs {
		if fromOther(msg) && !msg.IsRead && msg.ID > pointer {
			if msg.ID > maxID {
				maxID = msg.ID
			}
		}
	}

	if maxID > 0 {
		for _, msg := range msgs {
			if fromOther(msg) && !msg.IsRead && msg.ID > pointer && msg.ID <= maxID {
				msg.IsRead = true
				res.MarkedRead++
			}
		}
		seen := maxID
		*lastSeen = &seen
		res.UnreadReset = *unread > 0
		*unread = 0
	} else if *unread > 0 {
		*unread = 0
		res.UnreadReset = true
	}
	res.LastSeenID = **lastSeen
	return res, nil
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	if c.CustomerLastSeenID != nil {
		v := *c.CustomerLastSeenID
		cp.CustomerLastSeenID = &v
	}
	if c.ResponderLastSeenID != nil {
		v := *c.ResponderLastSeenID
		cp.ResponderLastSeenID = &v
	}
	return &cp
}
