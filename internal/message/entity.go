package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message represents one entry in a room's log. Seq is strictly
// increasing within a room; ID is the wire form "<room_id>:<seq>" so a
// message id is globally unambiguous while staying orderable per room.
// Deleted entries are tombstones: the body is cleared but the entry
// keeps its position, so ids and ordering stay stable for clients
// holding stale references.
type Message struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq"`
	RoomID    string     `json:"room_id"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Deleted   bool       `json:"deleted"`
	System    bool       `json:"system"`
}

// WireID builds the wire form of a message id
func WireID(roomID string, seq int64) string {
	return fmt.Sprintf("%s:%d", roomID, seq)
}

// ParseID splits a wire message id into room id and sequence number
func ParseID(id string) (roomID string, seq int64, err error) {
	idx := strings.LastIndex(id, ":")
	if idx <= 0 || idx == len(id)-1 {
		return "", 0, fmt.Errorf("malformed message id %q", id)
	}

	seq, err = strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil || seq <= 0 {
		return "", 0, fmt.Errorf("malformed message id %q", id)
	}

	return id[:idx], seq, nil
}
