package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	MaxConnections    int           `json:"max_connections"`
	MaxRooms          int           `json:"max_rooms"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	PongTimeout       time.Duration `json:"pong_timeout"`
	SendBuffer        int           `json:"send_buffer"`
	Port              string        `json:"port"`

	// Coordinator settings
	TypingTTL    time.Duration `json:"typing_ttl"`
	HistoryLimit int           `json:"history_limit"`

	// Auth settings
	AuthSecret string `json:"auth_secret"`
	AuthIssuer string `json:"auth_issuer"`

	// Security settings
	MaxMessageLength  int           `json:"max_message_length"`
	MaxUsernameLength int           `json:"max_username_length"`
	MaxRoomNameLength int           `json:"max_room_name_length"`
	RateLimitMessages int           `json:"rate_limit_messages"`
	RateLimitWindow   time.Duration `json:"rate_limit_window"`
	EnableRateLimit   bool          `json:"enable_rate_limit"`

	// Message archive (MongoDB)
	ArchiveEnabled bool   `json:"archive_enabled"`
	MongoURI       string `json:"mongo_uri"`
	MongoDatabase  string `json:"mongo_database"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxConnections:    1000,
		MaxRooms:          100,
		HeartbeatInterval: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PongTimeout:       60 * time.Second,
		SendBuffer:        256,
		Port:              ":9090",

		TypingTTL:    5 * time.Second,
		HistoryLimit: 50,

		AuthSecret: "change-me-in-production",
		AuthIssuer: "chat-coordinator",

		MaxMessageLength:  1000,
		MaxUsernameLength: 50,
		MaxRoomNameLength: 50,
		RateLimitMessages: 10,
		RateLimitWindow:   1 * time.Minute,
		EnableRateLimit:   true,

		ArchiveEnabled: false,
		MongoURI:       "mongodb://localhost:27017",
		MongoDatabase:  "chat_coordinator",
	}
}

// Load builds the configuration from defaults, an optional JSON file,
// a .env file if present, and finally environment variable overrides.
func Load(configPath string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			fmt.Printf("⚠️ Failed to load config file %s: %v\n", configPath, err)
		}
	}

	loadFromEnv(cfg)

	return cfg, nil
}

// loadFromFile loads configuration from a JSON file
func loadFromFile(cfg *ServerConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %v", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("CHAT_PORT"); port != "" {
		cfg.Port = port
	}

	if maxConn := os.Getenv("CHAT_MAX_CONNECTIONS"); maxConn != "" {
		if val, err := strconv.Atoi(maxConn); err == nil {
			cfg.MaxConnections = val
		}
	}

	if maxRooms := os.Getenv("CHAT_MAX_ROOMS"); maxRooms != "" {
		if val, err := strconv.Atoi(maxRooms); err == nil {
			cfg.MaxRooms = val
		}
	}

	if heartbeat := os.Getenv("CHAT_HEARTBEAT_INTERVAL"); heartbeat != "" {
		if val, err := time.ParseDuration(heartbeat); err == nil {
			cfg.HeartbeatInterval = val
		}
	}

	if readTimeout := os.Getenv("CHAT_READ_TIMEOUT"); readTimeout != "" {
		if val, err := time.ParseDuration(readTimeout); err == nil {
			cfg.ReadTimeout = val
		}
	}

	if writeTimeout := os.Getenv("CHAT_WRITE_TIMEOUT"); writeTimeout != "" {
		if val, err := time.ParseDuration(writeTimeout); err == nil {
			cfg.WriteTimeout = val
		}
	}

	if typingTTL := os.Getenv("CHAT_TYPING_TTL"); typingTTL != "" {
		if val, err := time.ParseDuration(typingTTL); err == nil {
			cfg.TypingTTL = val
		}
	}

	if historyLimit := os.Getenv("CHAT_HISTORY_LIMIT"); historyLimit != "" {
		if val, err := strconv.Atoi(historyLimit); err == nil {
			cfg.HistoryLimit = val
		}
	}

	if secret := os.Getenv("CHAT_AUTH_SECRET"); secret != "" {
		cfg.AuthSecret = secret
	}

	if issuer := os.Getenv("CHAT_AUTH_ISSUER"); issuer != "" {
		cfg.AuthIssuer = issuer
	}

	if maxMsgLen := os.Getenv("CHAT_MAX_MESSAGE_LENGTH"); maxMsgLen != "" {
		if val, err := strconv.Atoi(maxMsgLen); err == nil {
			cfg.MaxMessageLength = val
		}
	}

	if maxUserLen := os.Getenv("CHAT_MAX_USERNAME_LENGTH"); maxUserLen != "" {
		if val, err := strconv.Atoi(maxUserLen); err == nil {
			cfg.MaxUsernameLength = val
		}
	}

	if maxRoomLen := os.Getenv("CHAT_MAX_ROOM_NAME_LENGTH"); maxRoomLen != "" {
		if val, err := strconv.Atoi(maxRoomLen); err == nil {
			cfg.MaxRoomNameLength = val
		}
	}

	if rateLimitMsg := os.Getenv("CHAT_RATE_LIMIT_MESSAGES"); rateLimitMsg != "" {
		if val, err := strconv.Atoi(rateLimitMsg); err == nil {
			cfg.RateLimitMessages = val
		}
	}

	if rateLimitWindow := os.Getenv("CHAT_RATE_LIMIT_WINDOW"); rateLimitWindow != "" {
		if val, err := time.ParseDuration(rateLimitWindow); err == nil {
			cfg.RateLimitWindow = val
		}
	}

	if enableRateLimit := os.Getenv("CHAT_ENABLE_RATE_LIMIT"); enableRateLimit != "" {
		cfg.EnableRateLimit = enableRateLimit == "true"
	}

	if archive := os.Getenv("CHAT_ARCHIVE_ENABLED"); archive != "" {
		cfg.ArchiveEnabled = archive == "true"
	}

	if uri := os.Getenv("CHAT_MONGO_URI"); uri != "" {
		cfg.MongoURI = uri
	}

	if db := os.Getenv("CHAT_MONGO_DATABASE"); db != "" {
		cfg.MongoDatabase = db
	}
}
