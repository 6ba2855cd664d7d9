package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbd888/servicedesk/internal/metrics"
)

// MaxClients is the default cap on concurrent websocket connections.
const MaxClients = 10000

var (
	errHubFull   = errors.New("realtime: too many connections")
	errHubClosed = errors.New("realtime: hub is shut down")
)

// Hub tracks connected clients and which conversation rooms they are in.
type Hub struct {
	clients    map[*Client]struct{}
	rooms      map[string]map[*Client]struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	maxClients int
	closed     bool

	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a new hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		logger:     logger,
		maxClients: MaxClients,
	}
}

// WithMaxClients overrides the connection cap.
func (h *Hub) WithMaxClients(n int) *Hub {
	h.maxClients = n
	return h
}

// Run blocks until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()
	h.logger.Info("realtime hub shutting down, closing client connections")
	h.Shutdown()
	h.logger.Info("realtime hub stopped")
}

// Shutdown closes all clients and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	metrics.ActiveWebSocketClients.Set(0)
}

// Full reports whether the hub is at capacity or shut down.
func (h *Hub) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed || len(h.clients) >= h.maxClients
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errHubClosed
	}
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		return errHubFull
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	return nil
}

// unregister removes c from the hub and all rooms. Safe to call twice.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	h.removeLocked(c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Caller must hold h.mu for writing.
func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room, members := range h.rooms {
		if _, ok := members[c]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	c.closed = true
	close(c.send)
}

// JoinRoom adds c to room's broadcast set.
func (h *Hub) JoinRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

// LeaveRoom removes c from room's broadcast set.
func (h *Hub) LeaveRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize returns how many local clients are in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast queues frame for every client in room except skip. Clients
// whose buffers are full are dropped.
func (h *Hub) Broadcast(room string, frame []byte, skip *Client) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.rooms[room] {
		if c == skip {
			continue
		}
		if !c.enqueueLocked(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	h.dropSlow(slow)
}

// send queues frame for a single client.
func (h *Hub) send(c *Client, frame []byte) {
	h.mu.RLock()
	ok := c.closed || c.enqueueLocked(frame)
	h.mu.RUnlock()
	if !ok {
		h.dropSlow([]*Client{c})
	}
}

func (h *Hub) dropSlow(slow []*Client) {
	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.removeLocked(c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.dropped.Add(int64(len(slow)))
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow websocket clients", "count", len(slow))
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"rooms":            len(h.rooms),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"droppedClients":   h.dropped.Load(),
	}
}
