package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"chat-coordinator/internal/chat"
	"chat-coordinator/internal/config"
)

// Manager tracks live websocket connections and turns dispatcher
// results into frame deliveries. Events are marshalled once per
// broadcast, not once per recipient.
type Manager struct {
	mutex       sync.RWMutex
	connections map[string]*Conn
	config      *config.ServerConfig
}

// NewManager creates a websocket connection manager
func NewManager(cfg *config.ServerConfig) *Manager {
	return &Manager{
		connections: make(map[string]*Conn),
		config:      cfg,
	}
}

// Add registers a connection for delivery
func (m *Manager) Add(conn *Conn) {
	m.mutex.Lock()
	m.connections[conn.ID] = conn
	total := len(m.connections)
	m.mutex.Unlock()

	log.Printf("📝 Connection registered: %s (Total: %d/%d)", conn.ID, total, m.config.MaxConnections)
}

// Remove drops a connection from delivery and closes it
func (m *Manager) Remove(connID string) {
	m.mutex.Lock()
	conn, exists := m.connections[connID]
	if exists {
		delete(m.connections, connID)
	}
	total := len(m.connections)
	m.mutex.Unlock()

	if exists {
		conn.Close()
		log.Printf("🗑️ Connection unregistered: %s (Total: %d/%d)", connID, total, m.config.MaxConnections)
	}
}

// Get returns the connection for connID
func (m *Manager) Get(connID string) (*Conn, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	conn, exists := m.connections[connID]
	return conn, exists
}

// Count returns the number of tracked connections
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.connections)
}

// Send delivers one event to one connection
func (m *Manager) Send(connID string, event chat.ServerEvent) {
	frame, err := json.Marshal(event)
	if err != nil {
		log.Printf("⚠️ Failed to marshal event %s: %v", event.Name, err)
		return
	}

	conn, exists := m.Get(connID)
	if !exists {
		return
	}
	if !conn.Enqueue(frame) {
		log.Printf("🔌 Dropping unresponsive connection: %s", connID)
		m.Remove(connID)
	}
}

// Deliver sends the result of a dispatched event: the reply goes to the
// originating connection, each broadcast to its target snapshot
func (m *Manager) Deliver(originID string, result chat.Result) {
	if result.Reply != nil {
		m.Send(originID, *result.Reply)
	}
	for _, broadcast := range result.Broadcasts {
		m.Fanout(broadcast)
	}
}

// Fanout delivers one broadcast to its targets, or to every tracked
// connection when All is set. Connections that cannot absorb the frame
// are dropped.
func (m *Manager) Fanout(broadcast chat.Broadcast) {
	frame, err := json.Marshal(broadcast.Event)
	if err != nil {
		log.Printf("⚠️ Failed to marshal event %s: %v", broadcast.Event.Name, err)
		return
	}

	targets := broadcast.Targets
	if broadcast.All {
		m.mutex.RLock()
		targets = make([]string, 0, len(m.connections))
		for id := range m.connections {
			targets = append(targets, id)
		}
		m.mutex.RUnlock()
	}

	sent := 0
	for _, connID := range targets {
		if connID == broadcast.Exclude {
			continue
		}
		conn, exists := m.Get(connID)
		if !exists {
			continue
		}
		if !conn.Enqueue(frame) {
			log.Printf("🔌 Dropping unresponsive connection: %s", connID)
			m.Remove(connID)
			continue
		}
		sent++
	}

	log.Printf("📡 Broadcasted %s to %d connections", broadcast.Event.Name, sent)
}

// CloseUnhealthy closes connections that stopped answering pings. The
// read pump of each closed connection then drives normal disconnect
// cleanup.
func (m *Manager) CloseUnhealthy(pongTimeout time.Duration) {
	m.mutex.RLock()
	unhealthy := make([]*Conn, 0)
	for _, conn := range m.connections {
		if !conn.Healthy(pongTimeout) {
			unhealthy = append(unhealthy, conn)
		}
	}
	m.mutex.RUnlock()

	for _, conn := range unhealthy {
		log.Printf("💔 Closing unhealthy connection: %s (missed pongs: %d)",
			conn.ID, conn.HealthStats().MissedPongs)
		conn.Close()
	}
}

// AllHealthStats returns health counters for every tracked connection
func (m *Manager) AllHealthStats() map[string]*config.ConnectionHealth {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]*config.ConnectionHealth, len(m.connections))
	for id, conn := range m.connections {
		stats[id] = conn.HealthStats()
	}
	return stats
}
