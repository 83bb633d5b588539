package room

import (
	"sync"
	"time"
)

// Visibility controls who can discover and join a room
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a known visibility value
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Room represents a chat room. Metadata is immutable after creation;
// the member set is guarded by the room's own mutex so operations on
// different rooms proceed independently.
type Room struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`

	secretHash []byte

	mu      sync.Mutex
	members map[string]Member // connection id -> member
}

// Member identifies one room member
type Member struct {
	ConnID   string `json:"conn_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Protected reports whether joining requires an access secret
func (r *Room) Protected() bool {
	return len(r.secretHash) > 0
}

// Members returns a point-in-time copy of the member set
func (r *Room) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// MemberCount returns the current number of members
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// HasMember reports whether connID is currently a member
func (r *Room) HasMember(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[connID]
	return ok
}

func (r *Room) snapshotLocked() []Member {
	members := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	return members
}

// Summary is the read-model returned by Store.List
type Summary struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Visibility  Visibility `json:"visibility"`
	IsProtected bool       `json:"is_protected"`
	MemberCount int        `json:"member_count"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Summary builds the listing view of the room
func (r *Room) Summary() Summary {
	return Summary{
		ID:          r.ID,
		Name:        r.Name,
		Visibility:  r.Visibility,
		IsProtected: r.Protected(),
		MemberCount: r.MemberCount(),
		CreatedAt:   r.CreatedAt,
	}
}
