package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"chat-coordinator/internal/connection"
)

var (
	// ErrNotFound is returned when a room id is unknown
	ErrNotFound = errors.New("room not found")
	// ErrForbidden is returned when the access secret does not match
	ErrForbidden = errors.New("invalid room secret")
	// ErrSecretRequired is returned when a private room is created without a secret
	ErrSecretRequired = errors.New("private room requires a secret")
	// ErrTooManyRooms is returned when the room limit is reached
	ErrTooManyRooms = errors.New("room limit reached")
)

// Store owns room records and is the single writer of membership sets.
// Room ids are unique for the process lifetime: rooms are never deleted
// and ids are never reused, so stale client references stay unambiguous.
// Empty rooms are retained.
type Store struct {
	mutex    sync.RWMutex
	rooms    map[string]*Room
	maxRooms int
}

// NewStore creates a new room store. maxRooms <= 0 means unlimited.
func NewStore(maxRooms int) *Store {
	return &Store{
		rooms:    make(map[string]*Room),
		maxRooms: maxRooms,
	}
}

// Create creates a new room. A private room must carry a non-empty
// secret, which is stored only as a bcrypt hash.
func (s *Store) Create(name string, visibility Visibility, secret, createdBy string) (*Room, error) {
	if visibility == VisibilityPrivate && secret == "" {
		return nil, ErrSecretRequired
	}

	var secretHash []byte
	if visibility == VisibilityPrivate {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		secretHash = hash
	}

	room := &Room{
		ID:         uuid.New().String(),
		Name:       name,
		Visibility: visibility,
		CreatedBy:  createdBy,
		CreatedAt:  time.Now(),
		secretHash: secretHash,
		members:    make(map[string]Member),
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.maxRooms > 0 && len(s.rooms) >= s.maxRooms {
		return nil, ErrTooManyRooms
	}
	s.rooms[room.ID] = room

	return room, nil
}

// Get returns a room by id
func (s *Store) Get(roomID string) (*Room, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	room, exists := s.rooms[roomID]
	if !exists {
		return nil, ErrNotFound
	}
	return room, nil
}

// Join adds the connection to the room. The secret is verified against
// the stored hash for private rooms. Both sides of the membership (the
// room's member set and the connection's joined-room set) are updated
// inside one critical section, connection lock taken before room lock.
// Joining a room the connection is already in is a no-op; alreadyMember
// reports which case occurred. Returns a member snapshot taken after
// the mutation.
func (s *Store) Join(roomID string, conn *connection.Connection, secret string) (snapshot []Member, alreadyMember bool, err error) {
	room, err := s.Get(roomID)
	if err != nil {
		return nil, false, err
	}

	// bcrypt comparison happens outside any lock; the hash is immutable
	if room.Protected() {
		if err := bcrypt.CompareHashAndPassword(room.secretHash, []byte(secret)); err != nil {
			return nil, false, ErrForbidden
		}
	}

	member := Member{
		ConnID:   conn.ID,
		UserID:   conn.UserID(),
		Username: conn.Username(),
	}

	err = conn.WithRooms(func(rooms map[string]struct{}) error {
		room.mu.Lock()
		defer room.mu.Unlock()

		if _, ok := room.members[conn.ID]; ok {
			alreadyMember = true
		} else {
			room.members[conn.ID] = member
			rooms[roomID] = struct{}{}
		}
		snapshot = room.snapshotLocked()
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return snapshot, alreadyMember, nil
}

// Leave removes the connection from the room, symmetric with Join.
// Idempotent: leaving a room the connection is not in succeeds with
// wasMember=false. The room is retained even when it becomes empty.
func (s *Store) Leave(roomID string, conn *connection.Connection) (snapshot []Member, wasMember bool, err error) {
	room, err := s.Get(roomID)
	if err != nil {
		return nil, false, err
	}

	err = conn.WithRooms(func(rooms map[string]struct{}) error {
		room.mu.Lock()
		defer room.mu.Unlock()

		if _, ok := room.members[conn.ID]; ok {
			delete(room.members, conn.ID)
			delete(rooms, roomID)
			wasMember = true
		}
		snapshot = room.snapshotLocked()
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return snapshot, wasMember, nil
}

// RemoveConnection strips connID from each of the given rooms, used for
// disconnect cleanup after the registry has already closed the record.
// Returns the post-removal member snapshot of every room the connection
// was actually in.
func (s *Store) RemoveConnection(connID string, roomIDs []string) map[string][]Member {
	affected := make(map[string][]Member, len(roomIDs))

	for _, roomID := range roomIDs {
		room, err := s.Get(roomID)
		if err != nil {
			continue
		}

		room.mu.Lock()
		if _, ok := room.members[connID]; ok {
			delete(room.members, connID)
			affected[roomID] = room.snapshotLocked()
		}
		room.mu.Unlock()
	}

	return affected
}

// List returns summaries of the rooms visible to viewerConnID: public
// rooms always, private rooms only when the viewer is a member. The
// result is a snapshot; no lock is held across its consumption.
func (s *Store) List(viewerConnID string) []Summary {
	s.mutex.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mutex.RUnlock()

	summaries := make([]Summary, 0, len(rooms))
	for _, room := range rooms {
		if room.Visibility == VisibilityPrivate && !room.HasMember(viewerConnID) {
			continue
		}
		summaries = append(summaries, room.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})

	return summaries
}

// ListPublic returns summaries of public rooms only, for the read-only
// HTTP listing endpoint.
func (s *Store) ListPublic() []Summary {
	s.mutex.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mutex.RUnlock()

	summaries := make([]Summary, 0, len(rooms))
	for _, room := range rooms {
		if room.Visibility != VisibilityPublic {
			continue
		}
		summaries = append(summaries, room.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})

	return summaries
}

// Count returns the number of rooms
func (s *Store) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.rooms)
}
