package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chat-coordinator/internal/chat"
	"chat-coordinator/internal/config"
)

// Handler upgrades HTTP requests and runs the per-connection read and
// write pumps, feeding inbound events to the dispatcher and delivering
// the resulting replies and broadcasts through the manager.
type Handler struct {
	dispatcher *chat.Dispatcher
	manager    *Manager
	config     *config.ServerConfig
	upgrader   websocket.Upgrader
}

// NewHandler creates the websocket endpoint handler
func NewHandler(dispatcher *chat.Dispatcher, manager *Manager, cfg *config.ServerConfig) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		manager:    manager,
		config:     cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins; tighten behind a reverse proxy
				return true
			},
		},
	}
}

// ServeHTTP handles a websocket upgrade request
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	record, err := h.dispatcher.Connect()
	if err != nil {
		frame, _ := json.Marshal(chat.ServerEvent{
			Name: chat.EventError,
			Data: chat.NewError(chat.CodeConflict, "server is full, try again later"),
		})
		ws.WriteMessage(websocket.TextMessage, frame)
		ws.Close()
		return
	}

	conn := NewConn(record.ID, ws, h.config.SendBuffer)
	h.manager.Add(conn)
	log.Printf("🔗 New WebSocket connection: %s (ID: %s)", ws.RemoteAddr(), record.ID)

	h.manager.Send(record.ID, chat.ServerEvent{
		Name: chat.EventConnected,
		Data: map[string]string{"conn_id": record.ID},
	})

	go h.writePump(conn)
	go h.readPump(conn)
}

// readPump reads inbound events until the socket fails, then drives
// disconnect cleanup: the registry record goes first, so any concurrent
// event from this connection fails with not_found, then the member_left
// broadcasts are fanned out.
func (h *Handler) readPump(conn *Conn) {
	defer func() {
		result := h.dispatcher.Disconnect(conn.ID)
		h.manager.Remove(conn.ID)
		for _, broadcast := range result.Broadcasts {
			h.manager.Fanout(broadcast)
		}
		log.Printf("🔌 Connection closed: %s", conn.ID)
	}()

	conn.ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.health.RecordPong()
		conn.ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket error from %s: %v", conn.ID, err)
			}
			return
		}
		conn.health.RecordActivity()

		var event chat.ClientEvent
		if err := json.Unmarshal(frame, &event); err != nil || event.Name == "" {
			h.manager.Send(conn.ID, chat.ServerEvent{
				Name: chat.EventError,
				Data: chat.NewError(chat.CodeInvalidArgument, "malformed event frame"),
			})
			continue
		}

		result := h.dispatcher.Dispatch(conn.ID, event)
		h.manager.Deliver(conn.ID, result)
	}
}

// writePump drains the send queue onto the socket and keeps the
// connection alive with periodic pings
func (h *Handler) writePump(conn *Conn) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("❌ Failed to send message to %s: %v", conn.ID, err)
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			conn.health.RecordPing()
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("❌ Failed to send ping to %s: %v", conn.ID, err)
				return
			}
		}
	}
}
