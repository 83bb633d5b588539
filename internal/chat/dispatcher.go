package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"chat-coordinator/internal/auth"
	"chat-coordinator/internal/config"
	"chat-coordinator/internal/connection"
	"chat-coordinator/internal/message"
	"chat-coordinator/internal/presence"
	"chat-coordinator/internal/room"
	"chat-coordinator/internal/security"
)

// ErrServerFull is returned by Connect when the connection limit is reached
var ErrServerFull = errors.New("connection limit reached")

// Dispatcher is the single entry point for inbound protocol events. It
// resolves the acting connection, validates authorization against the
// room store, applies the mutation, and only then produces broadcasts,
// so every broadcast reflects post-mutation state. A failed operation
// produces an error reply for the origin and no broadcasts.
type Dispatcher struct {
	registry  connection.Registry
	rooms     *room.Store
	messages  *message.Log
	typing    *presence.Tracker
	auth      auth.Authenticator
	validator *security.InputValidator
	limiter   *config.RateLimiter
	metrics   *config.ServerMetrics
	archiver  message.Archiver
	cfg       *config.ServerConfig
}

// NewDispatcher wires the coordinator components together. archiver may
// be nil when message archiving is disabled.
func NewDispatcher(
	registry connection.Registry,
	rooms *room.Store,
	messages *message.Log,
	typing *presence.Tracker,
	authenticator auth.Authenticator,
	validator *security.InputValidator,
	limiter *config.RateLimiter,
	metrics *config.ServerMetrics,
	archiver message.Archiver,
	cfg *config.ServerConfig,
) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		rooms:     rooms,
		messages:  messages,
		typing:    typing,
		auth:      authenticator,
		validator: validator,
		limiter:   limiter,
		metrics:   metrics,
		archiver:  archiver,
		cfg:       cfg,
	}
}

// Connect registers a new unauthenticated connection
func (d *Dispatcher) Connect() (*connection.Connection, error) {
	if d.cfg.MaxConnections > 0 && d.registry.Count() >= d.cfg.MaxConnections {
		return nil, ErrServerFull
	}

	conn := d.registry.Register()
	d.metrics.IncrementConnections()
	return conn, nil
}

// Disconnect tears down the connection: the registry record is removed
// first, so any later operation referencing the connection id fails
// with not_found, then room membership and typing state are cleaned up.
// Idempotent. The returned result carries the member_left and presence
// broadcasts for the rooms the connection was in.
func (d *Dispatcher) Disconnect(connID string) Result {
	conn, roomIDs, err := d.registry.Deregister(connID)
	if err != nil {
		return Result{}
	}
	d.metrics.DecrementConnections()

	userID := conn.UserID()
	username := conn.Username()

	if conn.Authenticated() {
		d.typing.ClearUser(userID, roomIDs)
	}

	var result Result
	affected := d.rooms.RemoveConnection(connID, roomIDs)
	for roomID, members := range affected {
		result.Broadcasts = append(result.Broadcasts, Broadcast{
			Targets: memberTargets(members),
			Event: ServerEvent{Name: EventMemberLeft, Data: MemberChangePayload{
				RoomID:   roomID,
				UserID:   userID,
				Username: username,
				Members:  members,
			}},
		})
		if sys, err := d.appendSystem(roomID, userID, fmt.Sprintf("%s left the room", username)); err == nil {
			result.Broadcasts = append(result.Broadcasts, Broadcast{
				Targets: memberTargets(members),
				Event:   ServerEvent{Name: EventMessageSent, Data: sys},
			})
		}
	}

	if conn.Authenticated() {
		d.metrics.DecrementUsers()
		result.Broadcasts = append(result.Broadcasts, Broadcast{
			All:     true,
			Exclude: connID,
			Event:   ServerEvent{Name: EventUserDisconnected, Data: UserPresencePayload{UserID: userID, Username: username}},
		})
	}

	return result
}

// Dispatch handles one inbound event from connID. Unauthenticated
// connections may only call authenticate; everything else fails with
// unauthorized.
func (d *Dispatcher) Dispatch(connID string, evt ClientEvent) Result {
	var (
		result Result
		err    error
	)

	switch evt.Name {
	case EventAuthenticate:
		result, err = d.handleAuthenticate(connID, evt.Data)
	case EventCreateRoom:
		result, err = d.handleCreateRoom(connID, evt.Data)
	case EventJoinRoom:
		result, err = d.handleJoinRoom(connID, evt.Data)
	case EventLeaveRoom:
		result, err = d.handleLeaveRoom(connID, evt.Data)
	case EventGetRooms:
		result, err = d.handleGetRooms(connID)
	case EventSendMessage:
		result, err = d.handleSendMessage(connID, evt.Data)
	case EventUpdateMessage:
		result, err = d.handleUpdateMessage(connID, evt.Data)
	case EventDeleteMessage:
		result, err = d.handleDeleteMessage(connID, evt.Data)
	case EventTypingStatus:
		result, err = d.handleTypingStatus(connID, evt.Data)
	default:
		err = NewError(CodeInvalidArgument, fmt.Sprintf("unknown event %q", evt.Name))
	}

	if err != nil {
		return Result{Reply: &ServerEvent{Name: EventError, Data: mapError(err)}}
	}
	return result
}

func (d *Dispatcher) handleAuthenticate(connID string, data json.RawMessage) (Result, error) {
	var payload AuthenticatePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" {
		return Result{}, NewError(CodeInvalidArgument, "authenticate requires a token")
	}

	identity, err := d.auth.Verify(payload.Token)
	if err != nil {
		return Result{}, NewError(CodeUnauthorized, "invalid credentials")
	}

	username, err := d.validator.ValidateUsername(identity.Username)
	if err != nil {
		return Result{}, NewError(CodeInvalidArgument, err.Error())
	}

	conn, err := d.registry.Authenticate(connID, identity.UserID, username)
	if err != nil {
		return Result{}, err
	}
	d.metrics.IncrementUsers()

	return Result{
		Reply: &ServerEvent{Name: EventAuthenticated, Data: AuthenticatedPayload{
			ConnID:   conn.ID,
			UserID:   identity.UserID,
			Username: username,
		}},
		Broadcasts: []Broadcast{{
			All:     true,
			Exclude: connID,
			Event:   ServerEvent{Name: EventUserConnected, Data: UserPresencePayload{UserID: identity.UserID, Username: username}},
		}},
	}, nil
}

func (d *Dispatcher) handleCreateRoom(connID string, data json.RawMessage) (Result, error) {
	conn, err := d.requireAuth(connID)
	if err != nil {
		return Result{}, err
	}

	var payload CreateRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Result{}, NewError(CodeInvalidArgument, "malformed create_room payload")
	}

	name, err := d.validator.ValidateRoomName(payload.Name)
	if err != nil {
		return Result{}, NewError(CodeInvalidArgument, err.Error())
	}

	visibility := room.Visibility(payload.Visibility)
	if payload.Visibility == "" {
		visibility = room.VisibilityPublic
	}
	if !visibility.Valid() {
		return Result{}, NewError(CodeInvalidArgument, fmt.Sprintf("unknown visibility %q", payload.Visibility))
	}

	created, err := d.rooms.Create(name, visibility, payload.Secret, conn.UserID())
	if err != nil {
		return Result{}, err
	}
	d.messages.EnsureRoom(created.ID)
	d.metrics.IncrementRooms()

	return Result{
		Reply: &ServerEvent{Name: EventRoomCreated, Data: created.Summary()},
		Broadcasts: []Broadcast{{
			All:     true,
			Exclude: connID,
			Event:   ServerEvent{Name: EventRoomsList, Data: RoomsListPayload{Rooms: d.rooms.ListPublic()}},
		}},
	}, nil
}

func (d *Dispatcher) handleJoinRoom(connID string, data json.RawMessage) (Result, error) {
	conn, err := d.requireAuth(connID)
	if err != nil {
		return Result{}, err
	}

	var payload JoinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		return Result{}, NewError(CodeInvalidArgument, "join_room requires a room_id")
	}

	members, alreadyMember, err := d.rooms.Join(payload.RoomID, conn, payload.Secret)
	if err != nil {
		return Result{}, err
	}

	// Sampled before the join system message lands, so a cold room log
	// is still observable below
	coldLog := d.messages.Count(payload.RoomID) == 0

	var result Result
	if !alreadyMember {
		result.Broadcasts = append(result.Broadcasts, Broadcast{
			Targets: memberTargets(members),
			Exclude: connID,
			Event: ServerEvent{Name: EventMemberJoined, Data: MemberChangePayload{
				RoomID:   payload.RoomID,
				UserID:   conn.UserID(),
				Username: conn.Username(),
				Members:  members,
			}},
		})
		if sys, err := d.appendSystem(payload.RoomID, conn.UserID(), fmt.Sprintf("%s joined the room", conn.Username())); err == nil {
			result.Broadcasts = append(result.Broadcasts, Broadcast{
				Targets: memberTargets(members),
				Event:   ServerEvent{Name: EventMessageSent, Data: sys},
			})
		}
	}

	joined, err := d.rooms.Get(payload.RoomID)
	if err != nil {
		return Result{}, err
	}

	// The in-memory log is the hot source for the snapshot; when it has
	// nothing for this room yet, fall back to the archive so history
	// written before a restart still reaches the joiner
	var history []*message.Message
	if coldLog && d.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		archived, archiveErr := d.archiver.History(ctx, payload.RoomID, d.cfg.HistoryLimit)
		cancel()
		if archiveErr != nil {
			log.Printf("⚠️ Failed to load archived history for room %s: %v", payload.RoomID, archiveErr)
		} else if len(archived) > 0 {
			history = archived
		}
	}
	if history == nil {
		if tail, tailErr := d.messages.Tail(payload.RoomID, d.cfg.HistoryLimit); tailErr == nil {
			history = tail
		}
	}

	result.Reply = &ServerEvent{Name: EventRoomInfo, Data: RoomInfoPayload{
		Room:     joined.Summary(),
		Members:  joined.Members(),
		Messages: history,
	}}
	return result, nil
}

func (d *Dispatcher) handleLeaveRoom(connID string, data json.RawMessage) (Result, error) {
	conn, err := d.requireAuth(connID)
	if err != nil {
		return Result{}, err
	}

	var payload LeaveRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		return Result{}, NewError(CodeInvalidArgument, "leave_room requires a room_id")
	}

	members, wasMember, err := d.rooms.Leave(payload.RoomID, conn)
	if err != nil {
		return Result{}, err
	}

	change := MemberChangePayload{
		RoomID:   payload.RoomID,
		UserID:   conn.UserID(),
		Username: conn.Username(),
		Members:  members,
	}

	result := Result{Reply: &ServerEvent{Name: EventMemberLeft, Data: change}}
	if wasMember {
		d.typing.Clear(payload.RoomID, conn.UserID())
		result.Broadcasts = append(result.Broadcasts, Broadcast{
			Targets: memberTargets(members),
			Event:   ServerEvent{Name: EventMemberLeft, Data: change},
		})
		if sys, err := d.appendSystem(payload.RoomID, conn.UserID(), fmt.Sprintf("%s left the room", conn.Username())); err == nil {
			result.Broadcasts = append(result.Broadcasts, Broadcast{
				Targets: memberTargets(members),
				Event:   ServerEvent{Name: EventMessageSent, Data: sys},
			})
		}
	}
	return result, nil
}

func (d *Dispatcher) handleGetRooms(connID string) (Result, error) {
	if _, err := d.requireAuth(connID); err != nil {
		return Result{}, err
	}

	return Result{
		Reply: &ServerEvent{Name: EventRoomsList, Data: RoomsListPayload{Rooms: d.rooms.List(connID)}},
	}, nil
}

func (d *Dispatcher) handleSendMessage(connID string, data json.RawMessage) (Result, error) {
	conn, err := d.requireAuth(connID)
	if err != nil {
		return Result{}, err
	}

	var payload SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		return Result{}, NewError(CodeInvalidArgument, "send_message requires a room_id")
	}

	target, err := d.rooms.Get(payload.RoomID)
	if err != nil {
		return Result{}, err
	}
	if !conn.InRoom(payload.RoomID) {
		return Result{}, NewError(CodeForbidden, "not a member of this room")
	}

	userID, username := conn.UserID(), conn.Username()

	if !d.limiter.CheckRateLimit(userID) {
		remaining, limit, reset := d.limiter.GetRateLimitStatus(userID)
		return Result{}, NewError(CodeConflict,
			fmt.Sprintf("rate limit exceeded (%d/%d, resets in %s)", remaining, limit, reset.Round(time.Second)))
	}

	body, err := d.validator.ValidateMessage(payload.Body)
	if err != nil {
		return Result{}, NewError(CodeInvalidArgument, err.Error())
	}

	// Membership is re-checked under the connection lock, the same lock
	// Leave mutates under, so a concurrent leave cannot slip between the
	// check and the append
	var msg *message.Message
	err = conn.WithRooms(func(rooms map[string]struct{}) error {
		if _, ok := rooms[payload.RoomID]; !ok {
			return NewError(CodeForbidden, "not a member of this room")
		}
		var appendErr error
		msg, appendErr = d.messages.Append(payload.RoomID, userID, username, body, false)
		return appendErr
	})
	if err != nil {
		return Result{}, err
	}
	d.metrics.IncrementMessages()
	d.archive(func(ctx context.Context) error { return d.archiver.Save(ctx, msg) }, msg.ID)

	event := ServerEvent{Name: EventMessageSent, Data: msg}
	return Result{
		Reply: &event,
		Broadcasts: []Broadcast{{
			Targets: memberTargets(target.Members()),
			Exclude: connID,
			Event:   event,
		}},
	}, nil
}

func (d *Dispatcher) handleUpdateMessage(connID string, data json.RawMessage) (Result, error) {
	conn, err := d.requireAuth(connID)
	if err != nil {
		return Result{}, err
	}

	var payload UpdateMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.MessageID == "" {
		return Result{}, NewError(CodeInvalidArgument, "update_message requires a message_id")
	}

	roomID, seq, err := message.ParseID(payload.MessageID)
	if err != nil {
		return Result{}, NewError(CodeInvalidArgument, "malformed message_id")
	}

	body, err := d.validator.ValidateMessage(payload.Body)
	if err != nil {
		return Result{}, NewError(CodeInvalidArgument, err.Error())
	}

	msg, err := d.messages.Edit(roomID, seq, conn.UserID(), body)
	if err != nil {
		return Result{}, err
	}
	d.archive(func(ctx context.Context) error { return d.archiver.Update(ctx, msg) }, msg.ID)

	event := ServerEvent{Name: EventMessageUpdated, Data: msg}
	return Result{
		Reply:      &event,
		Broadcasts: d.roomBroadcast(roomID, connID, event),
	}, nil
}

func (d *Dispatcher) handleDeleteMessage(connID string, data json.RawMessage) (Result, error) {
	conn, err := d.requireAuth(connID)
	if err != nil {
		return Result{}, err
	}

	var payload DeleteMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.MessageID == "" {
		return Result{}, NewError(CodeInvalidArgument, "delete_message requires a message_id")
	}

	roomID, seq, err := message.ParseID(payload.MessageID)
	if err != nil {
		return Result{}, NewError(CodeInvalidArgument, "malformed message_id")
	}

	msg, err := d.messages.Delete(roomID, seq, conn.UserID())
	if err != nil {
		return Result{}, err
	}
	d.archive(func(ctx context.Context) error { return d.archiver.Update(ctx, msg) }, msg.ID)

	event := ServerEvent{Name: EventMessageDeleted, Data: msg}
	return Result{
		Reply:      &event,
		Broadcasts: d.roomBroadcast(roomID, connID, event),
	}, nil
}

func (d *Dispatcher) handleTypingStatus(connID string, data json.RawMessage) (Result, error) {
	conn, err := d.requireAuth(connID)
	if err != nil {
		return Result{}, err
	}

	var payload TypingStatusPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		return Result{}, NewError(CodeInvalidArgument, "typing_status requires a room_id")
	}

	target, err := d.rooms.Get(payload.RoomID)
	if err != nil {
		return Result{}, err
	}
	if !conn.InRoom(payload.RoomID) {
		return Result{}, NewError(CodeForbidden, "not a member of this room")
	}

	if payload.IsTyping {
		d.typing.Set(payload.RoomID, conn.UserID(), conn.Username(), d.cfg.TypingTTL)
	} else {
		d.typing.Clear(payload.RoomID, conn.UserID())
	}

	return Result{
		Broadcasts: []Broadcast{{
			Targets: memberTargets(target.Members()),
			Exclude: connID,
			Event: ServerEvent{Name: EventTypingChanged, Data: TypingChangedPayload{
				RoomID: payload.RoomID,
				Typers: d.typing.Active(payload.RoomID),
			}},
		}},
	}, nil
}

// requireAuth resolves connID to an authenticated connection
func (d *Dispatcher) requireAuth(connID string) (*connection.Connection, error) {
	conn, err := d.registry.Lookup(connID)
	if err != nil {
		return nil, err
	}
	if !conn.Authenticated() {
		return nil, NewError(CodeUnauthorized, "authentication required")
	}
	return conn, nil
}

// appendSystem records a system message in the room's log and archives it
func (d *Dispatcher) appendSystem(roomID, userID, body string) (*message.Message, error) {
	msg, err := d.messages.Append(roomID, userID, "system", body, true)
	if err != nil {
		return nil, err
	}
	d.archive(func(ctx context.Context) error { return d.archiver.Save(ctx, msg) }, msg.ID)
	return msg, nil
}

// roomBroadcast builds a single broadcast to the room's current member
// snapshot, skipping the origin connection
func (d *Dispatcher) roomBroadcast(roomID, excludeConnID string, event ServerEvent) []Broadcast {
	target, err := d.rooms.Get(roomID)
	if err != nil {
		return nil
	}
	return []Broadcast{{
		Targets: memberTargets(target.Members()),
		Exclude: excludeConnID,
		Event:   event,
	}}
}

// archive runs op against the configured archiver. Best-effort: failures
// are logged and never affect the hot path.
func (d *Dispatcher) archive(op func(ctx context.Context) error, messageID string) {
	if d.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := op(ctx); err != nil {
		log.Printf("⚠️ Failed to archive message %s: %v", messageID, err)
	}
}

func memberTargets(members []room.Member) []string {
	targets := make([]string, 0, len(members))
	for _, m := range members {
		targets = append(targets, m.ConnID)
	}
	return targets
}

// mapError converts component sentinel errors into typed protocol errors
func mapError(err error) *Error {
	if typed, ok := err.(*Error); ok {
		return typed
	}

	switch {
	case errors.Is(err, connection.ErrNotFound), errors.Is(err, room.ErrNotFound), errors.Is(err, message.ErrNotFound):
		return NewError(CodeNotFound, err.Error())
	case errors.Is(err, connection.ErrAlreadyAuthenticated):
		return NewError(CodeAlreadyAuthenticated, err.Error())
	case errors.Is(err, room.ErrForbidden), errors.Is(err, message.ErrForbidden):
		return NewError(CodeForbidden, err.Error())
	case errors.Is(err, room.ErrSecretRequired):
		return NewError(CodeInvalidArgument, err.Error())
	case errors.Is(err, room.ErrTooManyRooms):
		return NewError(CodeConflict, err.Error())
	default:
		return NewError(CodeInternal, err.Error())
	}
}
