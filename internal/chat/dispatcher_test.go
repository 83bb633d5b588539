package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-coordinator/internal/auth"
	"chat-coordinator/internal/config"
	"chat-coordinator/internal/connection"
	"chat-coordinator/internal/message"
	"chat-coordinator/internal/presence"
	"chat-coordinator/internal/room"
	"chat-coordinator/internal/security"
)

type testCoordinator struct {
	dispatcher *Dispatcher
	issuer     *auth.TokenAuthenticator
	registry   connection.Registry
	rooms      *room.Store
	messages   *message.Log
}

func newTestCoordinator(t *testing.T, mutate func(*config.ServerConfig)) *testCoordinator {
	return newArchivedCoordinator(t, mutate, nil)
}

func newArchivedCoordinator(t *testing.T, mutate func(*config.ServerConfig), archiver message.Archiver) *testCoordinator {
	t.Helper()

	cfg := config.DefaultServerConfig()
	cfg.EnableRateLimit = false
	if mutate != nil {
		mutate(cfg)
	}

	issuer := auth.NewTokenAuthenticator(auth.TokenConfig{
		SecretKey:     cfg.AuthSecret,
		TokenDuration: time.Hour,
		Issuer:        cfg.AuthIssuer,
	})

	registry := connection.NewInMemoryRegistry()
	rooms := room.NewStore(cfg.MaxRooms)
	messages := message.NewLog()

	dispatcher := NewDispatcher(
		registry, rooms, messages, presence.NewTracker(),
		issuer, security.NewInputValidator(cfg), config.NewRateLimiter(cfg),
		config.NewServerMetrics(), archiver, cfg,
	)

	return &testCoordinator{
		dispatcher: dispatcher,
		issuer:     issuer,
		registry:   registry,
		rooms:      rooms,
		messages:   messages,
	}
}

// stubArchiver is an in-memory Archiver for exercising the archive paths
type stubArchiver struct {
	mu      sync.Mutex
	saved   []*message.Message
	history map[string][]*message.Message
}

func newStubArchiver() *stubArchiver {
	return &stubArchiver{history: make(map[string][]*message.Message)}
}

func (s *stubArchiver) Save(ctx context.Context, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, msg)
	return nil
}

func (s *stubArchiver) Update(ctx context.Context, msg *message.Message) error {
	return nil
}

func (s *stubArchiver) History(ctx context.Context, roomID string, limit int) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[roomID], nil
}

func (s *stubArchiver) Close(ctx context.Context) error {
	return nil
}

func (s *stubArchiver) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// connectAs registers a connection and authenticates it as the given user
func (tc *testCoordinator) connectAs(t *testing.T, userID, username string) string {
	t.Helper()

	conn, err := tc.dispatcher.Connect()
	require.NoError(t, err)

	token, err := tc.issuer.Issue(userID, username)
	require.NoError(t, err)

	result := tc.dispatcher.Dispatch(conn.ID, ClientEvent{
		Name: EventAuthenticate,
		Data: mustJSON(t, AuthenticatePayload{Token: token}),
	})
	require.NotNil(t, result.Reply)
	require.Equal(t, EventAuthenticated, result.Reply.Name)

	return conn.ID
}

// createRoom creates a room as connID and returns its summary
func (tc *testCoordinator) createRoom(t *testing.T, connID, name, visibility, secret string) room.Summary {
	t.Helper()

	result := tc.dispatcher.Dispatch(connID, ClientEvent{
		Name: EventCreateRoom,
		Data: mustJSON(t, CreateRoomPayload{Name: name, Visibility: visibility, Secret: secret}),
	})
	require.NotNil(t, result.Reply)
	require.Equal(t, EventRoomCreated, result.Reply.Name)

	summary, ok := result.Reply.Data.(room.Summary)
	require.True(t, ok)
	return summary
}

func errCode(t *testing.T, result Result) Code {
	t.Helper()
	require.NotNil(t, result.Reply)
	require.Equal(t, EventError, result.Reply.Name)
	require.Empty(t, result.Broadcasts, "failed operations must not broadcast")

	failure, ok := result.Reply.Data.(error)
	require.True(t, ok)
	return CodeOf(failure)
}

func TestDispatcher_AuthenticateFlow(t *testing.T) {
	tc := newTestCoordinator(t, nil)

	conn, err := tc.dispatcher.Connect()
	require.NoError(t, err)

	// Unauthenticated connections may only authenticate
	result := tc.dispatcher.Dispatch(conn.ID, ClientEvent{Name: EventGetRooms})
	require.Equal(t, CodeUnauthorized, errCode(t, result))

	// Bad credentials
	result = tc.dispatcher.Dispatch(conn.ID, ClientEvent{
		Name: EventAuthenticate,
		Data: mustJSON(t, AuthenticatePayload{Token: "garbage"}),
	})
	require.Equal(t, CodeUnauthorized, errCode(t, result))

	// Good credentials
	token, err := tc.issuer.Issue("u-alice", "alice")
	require.NoError(t, err)
	result = tc.dispatcher.Dispatch(conn.ID, ClientEvent{
		Name: EventAuthenticate,
		Data: mustJSON(t, AuthenticatePayload{Token: token}),
	})
	require.Equal(t, EventAuthenticated, result.Reply.Name)
	authed := result.Reply.Data.(AuthenticatedPayload)
	require.Equal(t, "u-alice", authed.UserID)
	require.Equal(t, "alice", authed.Username)

	require.Len(t, result.Broadcasts, 1)
	require.True(t, result.Broadcasts[0].All)
	require.Equal(t, conn.ID, result.Broadcasts[0].Exclude)
	require.Equal(t, EventUserConnected, result.Broadcasts[0].Event.Name)

	// Authenticating twice is a state-machine violation
	result = tc.dispatcher.Dispatch(conn.ID, ClientEvent{
		Name: EventAuthenticate,
		Data: mustJSON(t, AuthenticatePayload{Token: token}),
	})
	require.Equal(t, CodeAlreadyAuthenticated, errCode(t, result))
}

func TestDispatcher_PrivateRoomAccess(t *testing.T) {
	tc := newTestCoordinator(t, nil)

	alice := tc.connectAs(t, "u-alice", "alice")
	bob := tc.connectAs(t, "u-bob", "bob")

	r1 := tc.createRoom(t, alice, "r1", "private", "s3cr3t")
	require.True(t, r1.IsProtected)

	result := tc.dispatcher.Dispatch(bob, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID, Secret: "wrong"}),
	})
	require.Equal(t, CodeForbidden, errCode(t, result))

	result = tc.dispatcher.Dispatch(bob, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID, Secret: "s3cr3t"}),
	})
	require.Equal(t, EventRoomInfo, result.Reply.Name)

	info := result.Reply.Data.(RoomInfoPayload)
	require.Equal(t, r1.ID, info.Room.ID)
	memberIDs := make([]string, 0, len(info.Members))
	for _, m := range info.Members {
		memberIDs = append(memberIDs, m.ConnID)
	}
	require.Contains(t, memberIDs, bob)
}

func TestDispatcher_JoinBroadcastsAndIdempotence(t *testing.T) {
	tc := newTestCoordinator(t, nil)

	alice := tc.connectAs(t, "u-alice", "alice")
	r1 := tc.createRoom(t, alice, "r1", "public", "")

	result := tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID}),
	})
	require.Equal(t, EventRoomInfo, result.Reply.Name)
	// First join: member_joined plus the system message
	require.Len(t, result.Broadcasts, 2)
	require.Equal(t, EventMemberJoined, result.Broadcasts[0].Event.Name)
	require.Equal(t, EventMessageSent, result.Broadcasts[1].Event.Name)
	sys := result.Broadcasts[1].Event.Data.(*message.Message)
	require.True(t, sys.System)

	// Re-join is a no-op: no second member_joined, membership not duplicated
	result = tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID}),
	})
	require.Equal(t, EventRoomInfo, result.Reply.Name)
	require.Empty(t, result.Broadcasts)
	info := result.Reply.Data.(RoomInfoPayload)
	require.Len(t, info.Members, 1)

	// Unknown room
	result = tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: "no-such-room"}),
	})
	require.Equal(t, CodeNotFound, errCode(t, result))
}

func TestDispatcher_MessageLifecycle(t *testing.T) {
	tc := newTestCoordinator(t, nil)

	alice := tc.connectAs(t, "u-alice", "alice")
	bob := tc.connectAs(t, "u-bob", "bob")

	r1 := tc.createRoom(t, alice, "r1", "public", "")
	for _, id := range []string{alice, bob} {
		tc.dispatcher.Dispatch(id, ClientEvent{
			Name: EventJoinRoom,
			Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID}),
		})
	}

	// Membership is required to send
	mallory := tc.connectAs(t, "u-mallory", "mallory")
	result := tc.dispatcher.Dispatch(mallory, ClientEvent{
		Name: EventSendMessage,
		Data: mustJSON(t, SendMessagePayload{RoomID: r1.ID, Body: "hi"}),
	})
	require.Equal(t, CodeForbidden, errCode(t, result))

	// Send
	result = tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventSendMessage,
		Data: mustJSON(t, SendMessagePayload{RoomID: r1.ID, Body: "hello"}),
	})
	require.Equal(t, EventMessageSent, result.Reply.Name)
	sent := result.Reply.Data.(*message.Message)
	require.Equal(t, "hello", sent.Body)
	require.Len(t, result.Broadcasts, 1)
	require.Equal(t, alice, result.Broadcasts[0].Exclude)

	// Non-author edit fails and leaves the message unchanged
	result = tc.dispatcher.Dispatch(bob, ClientEvent{
		Name: EventUpdateMessage,
		Data: mustJSON(t, UpdateMessagePayload{MessageID: sent.ID, Body: "hacked"}),
	})
	require.Equal(t, CodeForbidden, errCode(t, result))

	// Author edit succeeds, id is stable, edited_at is set
	result = tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventUpdateMessage,
		Data: mustJSON(t, UpdateMessagePayload{MessageID: sent.ID, Body: "hello world"}),
	})
	require.Equal(t, EventMessageUpdated, result.Reply.Name)
	edited := result.Reply.Data.(*message.Message)
	require.Equal(t, sent.ID, edited.ID)
	require.Equal(t, "hello world", edited.Body)
	require.NotNil(t, edited.EditedAt)

	// Non-author delete fails, author delete tombstones
	result = tc.dispatcher.Dispatch(bob, ClientEvent{
		Name: EventDeleteMessage,
		Data: mustJSON(t, DeleteMessagePayload{MessageID: sent.ID}),
	})
	require.Equal(t, CodeForbidden, errCode(t, result))

	result = tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventDeleteMessage,
		Data: mustJSON(t, DeleteMessagePayload{MessageID: sent.ID}),
	})
	require.Equal(t, EventMessageDeleted, result.Reply.Name)
	tombstone := result.Reply.Data.(*message.Message)
	require.True(t, tombstone.Deleted)
	require.Empty(t, tombstone.Body)

	// Editing a tombstone is a stale reference
	result = tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventUpdateMessage,
		Data: mustJSON(t, UpdateMessagePayload{MessageID: sent.ID, Body: "resurrect"}),
	})
	require.Equal(t, CodeNotFound, errCode(t, result))
}

func TestDispatcher_TypingStatus(t *testing.T) {
	tc := newTestCoordinator(t, nil)

	alice := tc.connectAs(t, "u-alice", "alice")
	bob := tc.connectAs(t, "u-bob", "bob")

	r1 := tc.createRoom(t, alice, "r1", "public", "")
	for _, id := range []string{alice, bob} {
		tc.dispatcher.Dispatch(id, ClientEvent{
			Name: EventJoinRoom,
			Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID}),
		})
	}

	result := tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventTypingStatus,
		Data: mustJSON(t, TypingStatusPayload{RoomID: r1.ID, IsTyping: true}),
	})
	require.Nil(t, result.Reply)
	require.Len(t, result.Broadcasts, 1)
	require.Equal(t, alice, result.Broadcasts[0].Exclude, "typing must not echo to the sender")

	changed := result.Broadcasts[0].Event.Data.(TypingChangedPayload)
	require.Len(t, changed.Typers, 1)
	require.Equal(t, "u-alice", changed.Typers[0].UserID)

	// Explicit stop clears immediately
	result = tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventTypingStatus,
		Data: mustJSON(t, TypingStatusPayload{RoomID: r1.ID, IsTyping: false}),
	})
	changed = result.Broadcasts[0].Event.Data.(TypingChangedPayload)
	require.Empty(t, changed.Typers)

	// Typing requires membership
	mallory := tc.connectAs(t, "u-mallory", "mallory")
	result = tc.dispatcher.Dispatch(mallory, ClientEvent{
		Name: EventTypingStatus,
		Data: mustJSON(t, TypingStatusPayload{RoomID: r1.ID, IsTyping: true}),
	})
	require.Equal(t, CodeForbidden, errCode(t, result))
}

func TestDispatcher_DisconnectCleanup(t *testing.T) {
	tc := newTestCoordinator(t, nil)

	alice := tc.connectAs(t, "u-alice", "alice")
	bob := tc.connectAs(t, "u-bob", "bob")

	r1 := tc.createRoom(t, alice, "r1", "public", "")
	r2 := tc.createRoom(t, alice, "r2", "public", "")
	for _, roomID := range []string{r1.ID, r2.ID} {
		tc.dispatcher.Dispatch(alice, ClientEvent{
			Name: EventJoinRoom,
			Data: mustJSON(t, JoinRoomPayload{RoomID: roomID}),
		})
	}
	tc.dispatcher.Dispatch(bob, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID}),
	})

	result := tc.dispatcher.Disconnect(alice)

	memberLeft := 0
	userDisconnected := 0
	for _, b := range result.Broadcasts {
		switch b.Event.Name {
		case EventMemberLeft:
			memberLeft++
		case EventUserDisconnected:
			userDisconnected++
		}
	}
	require.Equal(t, 2, memberLeft, "one member_left per joined room")
	require.Equal(t, 1, userDisconnected)

	// Both rooms no longer contain the connection
	for _, roomID := range []string{r1.ID, r2.ID} {
		joined, err := tc.rooms.Get(roomID)
		require.NoError(t, err)
		require.False(t, joined.HasMember(alice))
	}

	// Later operations referencing the connection fail deterministically
	result = tc.dispatcher.Dispatch(alice, ClientEvent{Name: EventGetRooms})
	require.Equal(t, CodeNotFound, errCode(t, result))

	// Disconnect is idempotent
	require.Empty(t, tc.dispatcher.Disconnect(alice).Broadcasts)
}

func TestDispatcher_GetRooms(t *testing.T) {
	tc := newTestCoordinator(t, nil)

	alice := tc.connectAs(t, "u-alice", "alice")
	bob := tc.connectAs(t, "u-bob", "bob")

	tc.createRoom(t, alice, "general", "public", "")
	priv := tc.createRoom(t, alice, "ops", "private", "s3cr3t")
	tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: priv.ID, Secret: "s3cr3t"}),
	})

	result := tc.dispatcher.Dispatch(bob, ClientEvent{Name: EventGetRooms})
	require.Equal(t, EventRoomsList, result.Reply.Name)
	listing := result.Reply.Data.(RoomsListPayload)
	require.Len(t, listing.Rooms, 1, "private rooms hidden from non-members")

	result = tc.dispatcher.Dispatch(alice, ClientEvent{Name: EventGetRooms})
	listing = result.Reply.Data.(RoomsListPayload)
	require.Len(t, listing.Rooms, 2)
}

func TestDispatcher_RateLimit(t *testing.T) {
	tc := newTestCoordinator(t, func(cfg *config.ServerConfig) {
		cfg.EnableRateLimit = true
		cfg.RateLimitMessages = 2
		cfg.RateLimitWindow = time.Minute
	})

	alice := tc.connectAs(t, "u-alice", "alice")
	r1 := tc.createRoom(t, alice, "r1", "public", "")
	tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID}),
	})

	for i := 0; i < 2; i++ {
		result := tc.dispatcher.Dispatch(alice, ClientEvent{
			Name: EventSendMessage,
			Data: mustJSON(t, SendMessagePayload{RoomID: r1.ID, Body: "hi"}),
		})
		require.Equal(t, EventMessageSent, result.Reply.Name)
	}

	result := tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventSendMessage,
		Data: mustJSON(t, SendMessagePayload{RoomID: r1.ID, Body: "hi"}),
	})
	require.Equal(t, CodeConflict, errCode(t, result))
}

func TestDispatcher_JoinServesArchivedHistory(t *testing.T) {
	archive := newStubArchiver()
	tc := newArchivedCoordinator(t, nil, archive)

	alice := tc.connectAs(t, "u-alice", "alice")
	r1 := tc.createRoom(t, alice, "r1", "public", "")

	// History written before a restart lives only in the archive
	archive.history[r1.ID] = []*message.Message{
		{ID: message.WireID(r1.ID, 1), Seq: 1, RoomID: r1.ID, UserID: "u-bob", Username: "bob", Body: "old news", CreatedAt: time.Now().Add(-time.Hour)},
	}

	result := tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID}),
	})
	require.Equal(t, EventRoomInfo, result.Reply.Name)

	info := result.Reply.Data.(RoomInfoPayload)
	require.Len(t, info.Messages, 1, "cold room log should be served from the archive")
	require.Equal(t, "old news", info.Messages[0].Body)

	// Write-through still archives the join system message
	require.Equal(t, 1, archive.savedCount())

	// Once the in-memory log is warm, it serves the snapshot
	tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventSendMessage,
		Data: mustJSON(t, SendMessagePayload{RoomID: r1.ID, Body: "fresh"}),
	})

	carol := tc.connectAs(t, "u-carol", "carol")
	result = tc.dispatcher.Dispatch(carol, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID}),
	})
	info = result.Reply.Data.(RoomInfoPayload)
	bodies := make([]string, 0, len(info.Messages))
	for _, msg := range info.Messages {
		bodies = append(bodies, msg.Body)
	}
	require.Contains(t, bodies, "fresh")
	require.NotContains(t, bodies, "old news")
}

func TestDispatcher_SendAfterLeave(t *testing.T) {
	tc := newTestCoordinator(t, nil)

	alice := tc.connectAs(t, "u-alice", "alice")
	r1 := tc.createRoom(t, alice, "r1", "public", "")
	tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventJoinRoom,
		Data: mustJSON(t, JoinRoomPayload{RoomID: r1.ID}),
	})
	tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventLeaveRoom,
		Data: mustJSON(t, LeaveRoomPayload{RoomID: r1.ID}),
	})

	before := tc.messages.Count(r1.ID)

	result := tc.dispatcher.Dispatch(alice, ClientEvent{
		Name: EventSendMessage,
		Data: mustJSON(t, SendMessagePayload{RoomID: r1.ID, Body: "ghost"}),
	})
	require.Equal(t, CodeForbidden, errCode(t, result))
	require.Equal(t, before, tc.messages.Count(r1.ID), "a departed member must not append")
}

func TestDispatcher_ValidationFailures(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	alice := tc.connectAs(t, "u-alice", "alice")

	tests := []struct {
		name  string
		event ClientEvent
		want  Code
	}{
		{
			name:  "unknown event",
			event: ClientEvent{Name: "bogus"},
			want:  CodeInvalidArgument,
		},
		{
			name: "empty room name",
			event: ClientEvent{
				Name: EventCreateRoom,
				Data: mustJSON(t, CreateRoomPayload{Name: ""}),
			},
			want: CodeInvalidArgument,
		},
		{
			name: "bad visibility",
			event: ClientEvent{
				Name: EventCreateRoom,
				Data: mustJSON(t, CreateRoomPayload{Name: "r", Visibility: "secret-club"}),
			},
			want: CodeInvalidArgument,
		},
		{
			name: "private without secret",
			event: ClientEvent{
				Name: EventCreateRoom,
				Data: mustJSON(t, CreateRoomPayload{Name: "r", Visibility: "private"}),
			},
			want: CodeInvalidArgument,
		},
		{
			name: "join without room id",
			event: ClientEvent{
				Name: EventJoinRoom,
				Data: mustJSON(t, JoinRoomPayload{}),
			},
			want: CodeInvalidArgument,
		},
		{
			name: "malformed message id",
			event: ClientEvent{
				Name: EventDeleteMessage,
				Data: mustJSON(t, DeleteMessagePayload{MessageID: "not-an-id"}),
			},
			want: CodeInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tc.dispatcher.Dispatch(alice, tt.event)
			require.Equal(t, tt.want, errCode(t, result))
		})
	}
}
