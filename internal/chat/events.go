package chat

import (
	"encoding/json"

	"chat-coordinator/internal/message"
	"chat-coordinator/internal/presence"
	"chat-coordinator/internal/room"
)

// Inbound event names
const (
	EventAuthenticate  = "authenticate"
	EventCreateRoom    = "create_room"
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventGetRooms      = "get_rooms"
	EventSendMessage   = "send_message"
	EventUpdateMessage = "update_message"
	EventDeleteMessage = "delete_message"
	EventTypingStatus  = "typing_status"
)

// Outbound event names
const (
	EventConnected        = "connected"
	EventAuthenticated    = "authenticated"
	EventRoomCreated      = "room_created"
	EventRoomsList        = "rooms_list"
	EventRoomInfo         = "room_info"
	EventMemberJoined     = "member_joined"
	EventMemberLeft       = "member_left"
	EventMessageSent      = "message_sent"
	EventMessageUpdated   = "message_updated"
	EventMessageDeleted   = "message_deleted"
	EventTypingChanged    = "typing_changed"
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventError            = "error"
)

// ClientEvent is one inbound protocol event as read off the wire
type ClientEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is one outbound protocol event
type ServerEvent struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Broadcast is one fan-out instruction produced by the dispatcher. The
// transport layer delivers Event to every target connection, or to every
// live connection when All is set, skipping Exclude if non-empty.
type Broadcast struct {
	Targets []string
	All     bool
	Exclude string
	Event   ServerEvent
}

// Result is what handling one inbound event produces: an optional reply
// to the originating connection plus zero or more broadcasts. Broadcasts
// are only present for successful mutations and always reflect
// post-mutation state.
type Result struct {
	Reply      *ServerEvent
	Broadcasts []Broadcast
}

// Inbound payloads

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type CreateRoomPayload struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
	Secret     string `json:"secret,omitempty"`
}

type JoinRoomPayload struct {
	RoomID string `json:"room_id"`
	Secret string `json:"secret,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

type SendMessagePayload struct {
	RoomID string `json:"room_id"`
	Body   string `json:"body"`
}

type UpdateMessagePayload struct {
	MessageID string `json:"message_id"`
	Body      string `json:"body"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"message_id"`
}

type TypingStatusPayload struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// Outbound payloads

type AuthenticatedPayload struct {
	ConnID   string `json:"conn_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type RoomsListPayload struct {
	Rooms []room.Summary `json:"rooms"`
}

type RoomInfoPayload struct {
	Room     room.Summary       `json:"room"`
	Members  []room.Member      `json:"members"`
	Messages []*message.Message `json:"messages"`
}

type MemberChangePayload struct {
	RoomID   string        `json:"room_id"`
	UserID   string        `json:"user_id"`
	Username string        `json:"username"`
	Members  []room.Member `json:"members"`
}

type TypingChangedPayload struct {
	RoomID string           `json:"room_id"`
	Typers []presence.Typer `json:"typers"`
}

type UserPresencePayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}
