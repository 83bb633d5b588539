package config

import (
	"sync"
	"time"
)

// ServerMetrics holds server performance metrics
type ServerMetrics struct {
	TotalConnections  int64     `json:"total_connections"`
	ActiveConnections int64     `json:"active_connections"`
	TotalMessages     int64     `json:"total_messages"`
	TotalRooms        int64     `json:"total_rooms"`
	TotalUsers        int64     `json:"total_users"`
	StartTime         time.Time `json:"start_time"`
	LastMessageTime   time.Time `json:"last_message_time"`
	MessageRate       float64   `json:"message_rate"`
	ConnectionRate    float64   `json:"connection_rate"`
	mutex             sync.RWMutex
}

// NewServerMetrics creates new server metrics
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		StartTime: time.Now(),
	}
}

// IncrementConnections increments connection count
func (sm *ServerMetrics) IncrementConnections() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.TotalConnections++
	sm.ActiveConnections++
}

// DecrementConnections decrements active connection count
func (sm *ServerMetrics) DecrementConnections() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.ActiveConnections--
}

// IncrementMessages increments message count
func (sm *ServerMetrics) IncrementMessages() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.TotalMessages++
	sm.LastMessageTime = time.Now()
}

// IncrementRooms increments room count
func (sm *ServerMetrics) IncrementRooms() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.TotalRooms++
}

// IncrementUsers increments user count
func (sm *ServerMetrics) IncrementUsers() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.TotalUsers++
}

// DecrementUsers decrements user count
func (sm *ServerMetrics) DecrementUsers() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.TotalUsers--
}

// GetMetrics returns current metrics with calculated rates
func (sm *ServerMetrics) GetMetrics() *ServerMetrics {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	uptime := time.Since(sm.StartTime).Seconds()
	messageRate := float64(sm.TotalMessages) / uptime
	connectionRate := float64(sm.TotalConnections) / uptime

	return &ServerMetrics{
		TotalConnections:  sm.TotalConnections,
		ActiveConnections: sm.ActiveConnections,
		TotalMessages:     sm.TotalMessages,
		TotalRooms:        sm.TotalRooms,
		TotalUsers:        sm.TotalUsers,
		StartTime:         sm.StartTime,
		LastMessageTime:   sm.LastMessageTime,
		MessageRate:       messageRate,
		ConnectionRate:    connectionRate,
	}
}

// RateLimiter manages rate limiting per user
type RateLimiter struct {
	limits map[string]*UserRateLimit
	mutex  sync.Mutex
	config *ServerConfig
}

// UserRateLimit tracks rate limiting for a specific user
type UserRateLimit struct {
	MessageCount int
	WindowStart  time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *ServerConfig) *RateLimiter {
	return &RateLimiter{
		limits: make(map[string]*UserRateLimit),
		config: config,
	}
}

// CheckRateLimit checks if a user can send a message
func (rl *RateLimiter) CheckRateLimit(userID string) bool {
	if !rl.config.EnableRateLimit {
		return true
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()

	userLimit, exists := rl.limits[userID]
	if !exists {
		userLimit = &UserRateLimit{WindowStart: now}
		rl.limits[userID] = userLimit
	}

	if now.Sub(userLimit.WindowStart) > rl.config.RateLimitWindow {
		userLimit.MessageCount = 0
		userLimit.WindowStart = now
	}

	if userLimit.MessageCount >= rl.config.RateLimitMessages {
		return false
	}

	userLimit.MessageCount++
	return true
}

// GetRateLimitStatus returns remaining messages, the limit, and time until the window resets
func (rl *RateLimiter) GetRateLimitStatus(userID string) (int, int, time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	userLimit, exists := rl.limits[userID]
	if !exists {
		return rl.config.RateLimitMessages, rl.config.RateLimitMessages, 0
	}

	remaining := rl.config.RateLimitMessages - userLimit.MessageCount
	if remaining < 0 {
		remaining = 0
	}

	timeRemaining := rl.config.RateLimitWindow - time.Since(userLimit.WindowStart)
	if timeRemaining < 0 {
		timeRemaining = 0
	}

	return remaining, rl.config.RateLimitMessages, timeRemaining
}
