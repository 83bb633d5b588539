package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-coordinator/internal/auth"
	"chat-coordinator/internal/chat"
	"chat-coordinator/internal/config"
	"chat-coordinator/internal/connection"
	"chat-coordinator/internal/database"
	"chat-coordinator/internal/message"
	"chat-coordinator/internal/presence"
	"chat-coordinator/internal/room"
	"chat-coordinator/internal/security"
	"chat-coordinator/internal/websocket"
)

func main() {
	cfg, err := config.Load(os.Getenv("CHAT_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	metrics := config.NewServerMetrics()
	limiter := config.NewRateLimiter(cfg)
	validator := security.NewInputValidator(cfg)

	authenticator := auth.NewTokenAuthenticator(auth.TokenConfig{
		SecretKey:     cfg.AuthSecret,
		TokenDuration: 24 * time.Hour,
		Issuer:        cfg.AuthIssuer,
	})

	registry := connection.NewInMemoryRegistry()
	rooms := room.NewStore(cfg.MaxRooms)
	messages := message.NewLog()
	typing := presence.NewTracker()

	var (
		archiver message.Archiver
		mongoDB  *database.MongoDB
	)
	if cfg.ArchiveEnabled {
		mongoDB, err = database.NewMongoDB(&database.MongoConfig{
			URI:            cfg.MongoURI,
			Database:       cfg.MongoDatabase,
			ConnectTimeout: 10 * time.Second,
			PingTimeout:    5 * time.Second,
			MaxPoolSize:    100,
			MinPoolSize:    5,
		})
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		if err := mongoDB.CreateIndexes(); err != nil {
			log.Printf("⚠️ Failed to create MongoDB indexes: %v", err)
		}
		archiver = message.NewMongoArchiver(mongoDB)
	}

	dispatcher := chat.NewDispatcher(
		registry, rooms, messages, typing,
		authenticator, validator, limiter, metrics,
		archiver, cfg,
	)

	manager := websocket.NewManager(cfg)
	wsHandler := websocket.NewHandler(dispatcher, manager, cfg)

	// Drop connections that stop answering pings
	healthDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				manager.CloseUnhealthy(cfg.PongTimeout)
			case <-healthDone:
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/health", handleHealth(registry, rooms, mongoDB))
	mux.HandleFunc("/stats", handleStats(metrics, registry, rooms))
	mux.HandleFunc("/rooms", handleRooms(rooms))

	server := &http.Server{
		Addr:    cfg.Port,
		Handler: mux,
	}

	go func() {
		log.Printf("🚀 Starting Chat Coordinator on port %s", cfg.Port)
		log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down...")

	close(healthDone)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ Server shutdown error: %v", err)
	}

	if archiver != nil {
		if err := archiver.Close(ctx); err != nil {
			log.Printf("⚠️ Archiver close error: %v", err)
		}
	}

	log.Println("✅ Shutdown complete")
}

// handleHealth reports process liveness plus archive reachability
func handleHealth(registry connection.Registry, rooms *room.Store, mongoDB *database.MongoDB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":      "ok",
			"connections": registry.Count(),
			"rooms":       rooms.Count(),
			"time":        time.Now().Format(time.RFC3339),
		}

		if mongoDB != nil {
			if err := mongoDB.HealthCheck(); err != nil {
				status["status"] = "degraded"
				status["archive"] = err.Error()
				w.WriteHeader(http.StatusServiceUnavailable)
			} else {
				status["archive"] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}

// handleStats exposes server metrics
func handleStats(metrics *config.ServerMetrics, registry connection.Registry, rooms *room.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"metrics":            metrics.GetMetrics(),
			"active_connections": registry.Count(),
			"rooms":              rooms.Count(),
		})
	}
}

// handleRooms is the read-only public room listing
func handleRooms(rooms *room.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"rooms": rooms.ListPublic(),
		})
	}
}
