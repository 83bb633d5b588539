package connection

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a connection id is unknown or already deregistered
	ErrNotFound = errors.New("connection not found")
	// ErrAlreadyAuthenticated is returned when Authenticate is called twice
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// Registry is the sole owner of connection lifecycle state
type Registry interface {
	Register() *Connection
	Authenticate(connID, userID, username string) (*Connection, error)
	Lookup(connID string) (*Connection, error)
	Deregister(connID string) (*Connection, []string, error)
	Count() int
	All() []*Connection
}

// InMemoryRegistry implements Registry using in-memory storage
type InMemoryRegistry struct {
	connections map[string]*Connection
	mutex       sync.RWMutex
}

// NewInMemoryRegistry creates a new in-memory connection registry
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		connections: make(map[string]*Connection),
	}
}

// Register creates a new unauthenticated connection record
func (r *InMemoryRegistry) Register() *Connection {
	now := time.Now()
	conn := &Connection{
		ID:          uuid.New().String(),
		ConnectedAt: now,
		lastSeen:    now,
		rooms:       make(map[string]struct{}),
	}

	r.mutex.Lock()
	r.connections[conn.ID] = conn
	r.mutex.Unlock()

	return conn
}

// Authenticate binds a verified identity to the connection. Fails with
// ErrAlreadyAuthenticated if an identity is already bound.
func (r *InMemoryRegistry) Authenticate(connID, userID, username string) (*Connection, error) {
	conn, err := r.Lookup(connID)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return nil, ErrNotFound
	}
	if conn.authenticated {
		return nil, ErrAlreadyAuthenticated
	}

	conn.userID = userID
	conn.username = username
	conn.authenticated = true
	conn.lastSeen = time.Now()

	return conn, nil
}

// Lookup returns the connection for connID, ErrNotFound if it was never
// registered or already deregistered
func (r *InMemoryRegistry) Lookup(connID string) (*Connection, error) {
	r.mutex.RLock()
	conn, exists := r.connections[connID]
	r.mutex.RUnlock()

	if !exists || conn.Closed() {
		return nil, ErrNotFound
	}
	return conn, nil
}

// Deregister removes the connection record and returns the rooms it was
// joined to so the caller can finish membership cleanup. Idempotent:
// a second call fails with ErrNotFound. Any operation referencing the
// connection id after Deregister returns fails with ErrNotFound.
func (r *InMemoryRegistry) Deregister(connID string) (*Connection, []string, error) {
	r.mutex.Lock()
	conn, exists := r.connections[connID]
	if exists {
		delete(r.connections, connID)
	}
	r.mutex.Unlock()

	if !exists {
		return nil, nil, ErrNotFound
	}

	rooms := conn.close()
	return conn, rooms, nil
}

// Count returns the number of live connections
func (r *InMemoryRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.connections)
}

// All returns a snapshot of all live connections
func (r *InMemoryRegistry) All() []*Connection {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}
