package message

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for unknown rooms, unknown ids, and tombstoned entries
	ErrNotFound = errors.New("message not found")
	// ErrForbidden is returned when the requester is not the original author
	ErrForbidden = errors.New("not the message author")
)

// Log keeps the per-room ordered message history. Each room's entries
// and sequence counter live behind that room's own lock, so appends to
// different rooms never contend. Entries are never physically removed.
type Log struct {
	mutex sync.RWMutex
	rooms map[string]*roomLog
}

type roomLog struct {
	mu      sync.Mutex
	nextSeq int64
	entries []*Message // entries[i].Seq == int64(i)+1
}

// NewLog creates an empty message log
func NewLog() *Log {
	return &Log{
		rooms: make(map[string]*roomLog),
	}
}

// EnsureRoom allocates history space for a room. Called on room creation.
func (l *Log) EnsureRoom(roomID string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, exists := l.rooms[roomID]; !exists {
		l.rooms[roomID] = &roomLog{nextSeq: 1}
	}
}

func (l *Log) room(roomID string) (*roomLog, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	rl, exists := l.rooms[roomID]
	return rl, exists
}

// Append adds a message to the room's log and assigns the next sequence
// number. The caller is responsible for having checked membership
// against the room store. Returns a copy of the stored entry.
func (l *Log) Append(roomID, userID, username, body string, system bool) (*Message, error) {
	rl, exists := l.room(roomID)
	if !exists {
		return nil, ErrNotFound
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	msg := &Message{
		Seq:       rl.nextSeq,
		ID:        WireID(roomID, rl.nextSeq),
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Body:      body,
		CreatedAt: time.Now(),
		System:    system,
	}
	rl.nextSeq++
	rl.entries = append(rl.entries, msg)

	out := *msg
	return &out, nil
}

// Edit replaces the body of an existing message and stamps EditedAt.
// Only the original author may edit; tombstoned and unknown entries
// fail with ErrNotFound. Returns a copy of the updated entry.
func (l *Log) Edit(roomID string, seq int64, requestingUserID, newBody string) (*Message, error) {
	rl, exists := l.room(roomID)
	if !exists {
		return nil, ErrNotFound
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	msg, err := rl.lookupLocked(seq)
	if err != nil {
		return nil, err
	}
	if msg.UserID != requestingUserID {
		return nil, ErrForbidden
	}

	now := time.Now()
	msg.Body = newBody
	msg.EditedAt = &now

	out := *msg
	return &out, nil
}

// Delete tombstones a message: deleted=true and the body cleared, the
// entry itself stays in place. Same authorization rule as Edit. A
// second delete of the same entry fails with ErrNotFound. Returns a
// copy of the tombstone.
func (l *Log) Delete(roomID string, seq int64, requestingUserID string) (*Message, error) {
	rl, exists := l.room(roomID)
	if !exists {
		return nil, ErrNotFound
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	msg, err := rl.lookupLocked(seq)
	if err != nil {
		return nil, err
	}
	if msg.UserID != requestingUserID {
		return nil, ErrForbidden
	}

	msg.Deleted = true
	msg.Body = ""

	out := *msg
	return &out, nil
}

// lookupLocked resolves a live (non-tombstoned) entry by sequence number
func (rl *roomLog) lookupLocked(seq int64) (*Message, error) {
	if seq < 1 || seq >= rl.nextSeq {
		return nil, ErrNotFound
	}
	msg := rl.entries[seq-1]
	if msg.Deleted {
		return nil, ErrNotFound
	}
	return msg, nil
}

// History returns messages with Seq > sinceSeq in ascending order, at
// most limit entries (limit <= 0 means no cap). Tombstones are included
// so consumers can detect deletions; entries are copies, safe to hold
// after concurrent edits.
func (l *Log) History(roomID string, sinceSeq int64, limit int) ([]*Message, error) {
	rl, exists := l.room(roomID)
	if !exists {
		return nil, ErrNotFound
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	start := sinceSeq
	if start < 0 {
		start = 0
	}
	if start >= rl.nextSeq-1 {
		return []*Message{}, nil
	}

	result := make([]*Message, 0, rl.nextSeq-1-start)
	for _, msg := range rl.entries[start:] {
		out := *msg
		result = append(result, &out)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Tail returns the last n messages of the room in ascending order,
// used for the room snapshot sent on join.
func (l *Log) Tail(roomID string, n int) ([]*Message, error) {
	rl, exists := l.room(roomID)
	if !exists {
		return nil, ErrNotFound
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	start := 0
	if n > 0 && len(rl.entries) > n {
		start = len(rl.entries) - n
	}

	result := make([]*Message, 0, len(rl.entries)-start)
	for _, msg := range rl.entries[start:] {
		out := *msg
		result = append(result, &out)
	}
	return result, nil
}

// Count returns the number of entries (tombstones included) in the room
func (l *Log) Count(roomID string) int {
	rl, exists := l.room(roomID)
	if !exists {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
