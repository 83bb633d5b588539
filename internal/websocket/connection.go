package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-coordinator/internal/config"
)

// Conn pairs a gorilla websocket with its outbound queue and health
// tracker. Writes go through the buffered send channel so broadcast
// fan-out never blocks on a slow socket.
type Conn struct {
	ID     string
	ws     *websocket.Conn
	health *config.ConnectionHealth

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewConn wraps an upgraded websocket under the given connection id
func NewConn(id string, ws *websocket.Conn, sendBuffer int) *Conn {
	return &Conn{
		ID:     id,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		health: config.NewConnectionHealth(),
	}
}

// Enqueue queues a frame for delivery. Non-blocking: returns false when
// the connection is closed or the send buffer is full, which the
// manager treats as an unresponsive connection.
func (c *Conn) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		c.health.RecordActivity()
		return true
	default:
		return false
	}
}

// Healthy reports whether the connection has answered pings recently
func (c *Conn) Healthy(pongTimeout time.Duration) bool {
	return c.health.CheckHealth(pongTimeout)
}

// HealthStats returns a snapshot of the connection's health counters
func (c *Conn) HealthStats() *config.ConnectionHealth {
	return c.health.GetStats()
}

// Close closes the underlying socket and the send channel, which in
// turn stops the write pump. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	c.ws.Close()
}
