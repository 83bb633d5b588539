package connection

import (
	"sync"
	"time"
)

// Connection represents one live client connection. Identity fields are
// immutable once set by Authenticate; room membership and liveness state
// are guarded by the connection's own mutex.
type Connection struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`

	mu            sync.Mutex
	userID        string
	username      string
	authenticated bool
	closed        bool
	lastSeen      time.Time
	rooms         map[string]struct{}
}

// UserID returns the authenticated user id, empty until Authenticate
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Username returns the authenticated username, empty until Authenticate
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Authenticated reports whether the connection has completed authentication
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Closed reports whether the connection has been deregistered
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Touch refreshes the connection's last-seen timestamp
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// LastSeen returns the last activity timestamp
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Rooms returns a snapshot of the room ids this connection is joined to
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// InRoom reports whether the connection is currently a member of roomID
func (c *Connection) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// WithRooms runs fn while holding the connection lock, giving fn mutable
// access to the joined-room set. It is the hook the room store uses to
// update both sides of a membership under a single critical section;
// the store takes the room lock inside fn (connection lock first, room
// lock second, everywhere). Fails with ErrNotFound once the connection
// has been deregistered, so joins cannot race a disconnect.
func (c *Connection) WithRooms(fn func(rooms map[string]struct{}) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotFound
	}
	return fn(c.rooms)
}

// close marks the connection terminated and hands back the rooms it was
// joined to, clearing the set. Assumes the registry is driving teardown.
func (c *Connection) close() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.rooms = make(map[string]struct{})
	return rooms
}
