package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Client is one websocket connection. Events are handled on the read
// goroutine; all writes go through send and the write goroutine.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session *Session
	closed  bool // guarded by hub.mu
}

func newClient(hub *Hub, conn *websocket.Conn, session *Session) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		session: session,
	}
}

// Caller must hold hub.mu. Returns false when the buffer is full.
func (c *Client) enqueueLocked(frame []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// emit queues one event for this client.
func (c *Client) emit(event string, data interface{}) {
	c.hub.send(c, encode(event, data))
}

// readPump reads frames and hands them to handle until the connection
// fails, then runs onClose.
func (c *Client) readPump(ctx context.Context, handle func(context.Context, *Client, Frame), onClose func(*Client)) {
	defer func() {
		onClose(c)
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		if c.session.State() == StateClosed {
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.emit(EventError, errorPayload(ErrMalformed))
			continue
		}
		handle(ctx, c, f)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// closeWith sends a final frame and a close message directly on conn.
// Used before the client is registered with the hub.
func closeWith(conn *websocket.Conn, code int, event string, data interface{}) {
	deadline := time.Now().Add(writeWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, encode(event, data))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, event), deadline)
	_ = conn.Close()
}
