package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chat-coordinator/internal/auth"
	"chat-coordinator/internal/chat"
	"chat-coordinator/internal/config"
	"chat-coordinator/internal/connection"
	"chat-coordinator/internal/message"
	"chat-coordinator/internal/presence"
	"chat-coordinator/internal/room"
	"chat-coordinator/internal/security"
)

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*httptest.Server, *auth.TokenAuthenticator) {
	t.Helper()

	cfg := config.DefaultServerConfig()
	cfg.EnableRateLimit = false

	issuer := auth.NewTokenAuthenticator(auth.TokenConfig{
		SecretKey:     cfg.AuthSecret,
		TokenDuration: time.Hour,
		Issuer:        cfg.AuthIssuer,
	})

	dispatcher := chat.NewDispatcher(
		connection.NewInMemoryRegistry(), room.NewStore(cfg.MaxRooms),
		message.NewLog(), presence.NewTracker(),
		issuer, security.NewInputValidator(cfg), config.NewRateLimiter(cfg),
		config.NewServerMetrics(), nil, cfg,
	)

	handler := NewHandler(dispatcher, NewManager(cfg), cfg)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server, issuer
}

func dialTestServer(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) wireEvent {
	t.Helper()

	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)

	var event wireEvent
	require.NoError(t, json.Unmarshal(frame, &event))
	return event
}

func sendEvent(t *testing.T, ws *websocket.Conn, name string, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(chat.ClientEvent{Name: name, Data: data})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func TestHandler_EndToEnd(t *testing.T) {
	server, issuer := newTestServer(t)
	ws := dialTestServer(t, server)

	// The server hands out the connection id first
	hello := readEvent(t, ws)
	require.Equal(t, chat.EventConnected, hello.Event)

	// Events before authentication are rejected
	sendEvent(t, ws, chat.EventGetRooms, nil)
	failed := readEvent(t, ws)
	require.Equal(t, chat.EventError, failed.Event)

	token, err := issuer.Issue("u-alice", "alice")
	require.NoError(t, err)
	sendEvent(t, ws, chat.EventAuthenticate, chat.AuthenticatePayload{Token: token})
	authed := readEvent(t, ws)
	require.Equal(t, chat.EventAuthenticated, authed.Event)

	// Create and join a room
	sendEvent(t, ws, chat.EventCreateRoom, chat.CreateRoomPayload{Name: "general"})
	created := readEvent(t, ws)
	require.Equal(t, chat.EventRoomCreated, created.Event)

	var summary room.Summary
	require.NoError(t, json.Unmarshal(created.Data, &summary))
	require.NotEmpty(t, summary.ID)

	sendEvent(t, ws, chat.EventJoinRoom, chat.JoinRoomPayload{RoomID: summary.ID})
	info := readEvent(t, ws)
	require.Equal(t, chat.EventRoomInfo, info.Event)

	// The join system message reaches the new member
	joined := readEvent(t, ws)
	require.Equal(t, chat.EventMessageSent, joined.Event)

	// Send a message and read back the ack
	sendEvent(t, ws, chat.EventSendMessage, chat.SendMessagePayload{RoomID: summary.ID, Body: "hello"})
	ack := readEvent(t, ws)
	require.Equal(t, chat.EventMessageSent, ack.Event)

	var msg message.Message
	require.NoError(t, json.Unmarshal(ack.Data, &msg))
	require.Equal(t, "hello", msg.Body)
	require.Equal(t, "u-alice", msg.UserID)
}

func TestHandler_BroadcastBetweenClients(t *testing.T) {
	server, issuer := newTestServer(t)

	authenticate := func(ws *websocket.Conn, user string) {
		readEvent(t, ws) // connected
		token, err := issuer.Issue("u-"+user, user)
		require.NoError(t, err)
		sendEvent(t, ws, chat.EventAuthenticate, chat.AuthenticatePayload{Token: token})
		require.Equal(t, chat.EventAuthenticated, readEvent(t, ws).Event)
	}

	alice := dialTestServer(t, server)
	authenticate(alice, "alice")

	bob := dialTestServer(t, server)
	authenticate(bob, "bob")

	// alice sees bob come online
	require.Equal(t, chat.EventUserConnected, readEvent(t, alice).Event)

	sendEvent(t, alice, chat.EventCreateRoom, chat.CreateRoomPayload{Name: "general"})
	created := readEvent(t, alice)
	require.Equal(t, chat.EventRoomCreated, created.Event)
	var summary room.Summary
	require.NoError(t, json.Unmarshal(created.Data, &summary))
	require.Equal(t, chat.EventRoomsList, readEvent(t, bob).Event)

	sendEvent(t, alice, chat.EventJoinRoom, chat.JoinRoomPayload{RoomID: summary.ID})
	require.Equal(t, chat.EventRoomInfo, readEvent(t, alice).Event)
	require.Equal(t, chat.EventMessageSent, readEvent(t, alice).Event) // join system message

	sendEvent(t, bob, chat.EventJoinRoom, chat.JoinRoomPayload{RoomID: summary.ID})
	require.Equal(t, chat.EventRoomInfo, readEvent(t, bob).Event)
	require.Equal(t, chat.EventMessageSent, readEvent(t, bob).Event) // join system message
	require.Equal(t, chat.EventMemberJoined, readEvent(t, alice).Event)
	require.Equal(t, chat.EventMessageSent, readEvent(t, alice).Event)

	// A message from bob reaches alice exactly once
	sendEvent(t, bob, chat.EventSendMessage, chat.SendMessagePayload{RoomID: summary.ID, Body: "hi alice"})
	require.Equal(t, chat.EventMessageSent, readEvent(t, bob).Event) // ack

	received := readEvent(t, alice)
	require.Equal(t, chat.EventMessageSent, received.Event)
	var msg message.Message
	require.NoError(t, json.Unmarshal(received.Data, &msg))
	require.Equal(t, "hi alice", msg.Body)
	require.Equal(t, "u-bob", msg.UserID)
}
