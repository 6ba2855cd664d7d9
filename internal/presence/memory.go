package presence

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/servicedesk/internal/metrics"
)

type roomCount struct {
	n         int64
	expiresAt time.Time
}

// MemoryTracker is a single-process Tracker with the same TTL semantics as
// RedisTracker.
type MemoryTracker struct {
	mu    sync.Mutex
	rooms map[string]*roomCount
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryTracker creates an in-memory tracker. ttl <= 0 uses DefaultTTL.
func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTracker{
		rooms: make(map[string]*roomCount),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Caller must hold t.mu. Expired entries are dropped.
func (t *MemoryTracker) liveLocked(room string) *roomCount {
	rc, ok := t.rooms[room]
	if !ok {
		return nil
	}
	if !t.now().Before(rc.expiresAt) {
		delete(t.rooms, room)
		return nil
	}
	return rc
}

func (t *MemoryTracker) Join(_ context.Context, room string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rc := t.liveLocked(room)
	if rc == nil {
		rc = &roomCount{}
		t.rooms[room] = rc
	}
	if rc.n >= Capacity {
		metrics.PresenceJoinsTotal.WithLabelValues("full").Inc()
		return rc.n, ErrRoomFull
	}
	rc.n++
	rc.expiresAt = t.now().Add(t.ttl)
	metrics.PresenceJoinsTotal.WithLabelValues("accepted").Inc()
	return rc.n, nil
}

func (t *MemoryTracker) Leave(_ context.Context, room string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rc := t.liveLocked(room)
	if rc == nil || rc.n <= 1 {
		delete(t.rooms, room)
		return 0, nil
	}
	rc.n--
	rc.expiresAt = t.now().Add(t.ttl)
	return rc.n, nil
}

func (t *MemoryTracker) Count(_ context.Context, room string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rc := t.liveLocked(room); rc != nil {
		return rc.n, nil
	}
	return 0, nil
}
