package realtime

import (
	"sort"
	"sync"

	"github.com/mbd888/servicedesk/internal/apierr"
	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/conversations"
)

// State is where a connection is in its lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateInRoom
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrNotAuthenticated = apierr.New(apierr.Unauthorized, "authentication required")
	ErrSessionClosed    = apierr.WithCode(apierr.Conflict, "session_closed", "connection is closed")
)

// Session is the per-connection state machine:
//
//	unauthenticated --authenticate--> authenticated
//	authenticated|in_room --join--> in_room
//	in_room --leave--> in_room|authenticated
//	any --close--> closed
type Session struct {
	mu       sync.Mutex
	state    State
	identity *auth.Identity
	rooms    map[string]conversations.Side
}

// NewSession returns an unauthenticated session.
func NewSession() *Session {
	return &Session{rooms: make(map[string]conversations.Side)}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated caller, or nil.
func (s *Session) Identity() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Authenticate binds the session to id.
func (s *Session) Authenticate(id *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateUnauthenticated:
		s.identity = id
		s.state = StateAuthenticated
		return nil
	}
	if s.identity.ID != id.ID {
		return ErrNotAuthenticated
	}
	return nil
}

// Ready checks the session may handle events that need an identity.
func (s *Session) Ready() (*auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateUnauthenticated:
		return nil, ErrNotAuthenticated
	case StateClosed:
		return nil, ErrSessionClosed
	}
	return s.identity, nil
}

// Join records membership of room on side. It reports false when the
// session was already a member.
func (s *Session) Join(room string, side conversations.Side) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateUnauthenticated:
		return false, ErrNotAuthenticated
	case StateClosed:
		return false, ErrSessionClosed
	}
	if _, ok := s.rooms[room]; ok {
		return false, nil
	}
	s.rooms[room] = side
	s.state = StateInRoom
	return true, nil
}

// Leave drops membership of room and reports whether it was held.
func (s *Session) Leave(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return false
	}
	delete(s.rooms, room)
	if len(s.rooms) == 0 && s.state == StateInRoom {
		s.state = StateAuthenticated
	}
	return true
}

// Side returns the caller's side in a joined room.
func (s *Session) Side(room string) (conversations.Side, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	side, ok := s.rooms[room]
	return side, ok
}

// Rooms lists joined rooms in stable order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomsLocked()
}

func (s *Session) roomsLocked() []string {
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Close moves the session to closed and returns the rooms it held. A
// second Close returns nothing.
func (s *Session) Close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	rooms := s.roomsLocked()
	s.rooms = make(map[string]conversations.Side)
	s.state = StateClosed
	return rooms
}
