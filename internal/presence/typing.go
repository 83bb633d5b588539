package presence

import (
	"sync"
	"time"
)

// Typer is one user currently typing in a room
type Typer struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type typingEntry struct {
	username  string
	expiresAt time.Time
}

// Tracker keeps ephemeral typing state. Entries carry an expiry
// timestamp and are filtered lazily at read time; there is no
// background sweeper. Nothing here survives a restart.
type Tracker struct {
	mutex  sync.Mutex
	byRoom map[string]map[string]typingEntry // room id -> user id -> entry
}

// NewTracker creates an empty typing tracker
func NewTracker() *Tracker {
	return &Tracker{
		byRoom: make(map[string]map[string]typingEntry),
	}
}

// Set marks the user as typing in the room until ttl elapses,
// overwriting any previous state for the (room, user) pair
func (t *Tracker) Set(roomID, userID, username string, ttl time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	room, exists := t.byRoom[roomID]
	if !exists {
		room = make(map[string]typingEntry)
		t.byRoom[roomID] = room
	}

	room[userID] = typingEntry{
		username:  username,
		expiresAt: time.Now().Add(ttl),
	}
}

// Clear removes the typing state for the (room, user) pair. Idempotent.
func (t *Tracker) Clear(roomID, userID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if room, exists := t.byRoom[roomID]; exists {
		delete(room, userID)
		if len(room) == 0 {
			delete(t.byRoom, roomID)
		}
	}
}

// ClearUser removes the user's typing state from each of the given
// rooms, used on disconnect and room leave
func (t *Tracker) ClearUser(userID string, roomIDs []string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, roomID := range roomIDs {
		if room, exists := t.byRoom[roomID]; exists {
			delete(room, userID)
			if len(room) == 0 {
				delete(t.byRoom, roomID)
			}
		}
	}
}

// Active returns the users whose typing state has not yet expired.
// Expired entries are pruned as a side effect.
func (t *Tracker) Active(roomID string) []Typer {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	room, exists := t.byRoom[roomID]
	if !exists {
		return nil
	}

	now := time.Now()
	typers := make([]Typer, 0, len(room))
	for userID, entry := range room {
		if now.After(entry.expiresAt) {
			delete(room, userID)
			continue
		}
		typers = append(typers, Typer{UserID: userID, Username: entry.username})
	}

	if len(room) == 0 {
		delete(t.byRoom, roomID)
	}
	return typers
}
