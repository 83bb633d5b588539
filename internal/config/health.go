package config

import (
	"sync"
	"time"
)

// ConnectionHealth represents the health status of a connection
type ConnectionHealth struct {
	IsHealthy       bool      `json:"is_healthy"`
	LastPingTime    time.Time `json:"last_ping_time"`
	LastPongTime    time.Time `json:"last_pong_time"`
	PingsSent       int64     `json:"pings_sent"`
	PongsReceived   int64     `json:"pongs_received"`
	MissedPongs     int64     `json:"missed_pongs"`
	ConnectionStart time.Time `json:"connection_start"`
	LastActivity    time.Time `json:"last_activity"`
	mutex           sync.RWMutex
}

// NewConnectionHealth creates a new connection health tracker
func NewConnectionHealth() *ConnectionHealth {
	now := time.Now()
	return &ConnectionHealth{
		IsHealthy:       true,
		ConnectionStart: now,
		LastActivity:    now,
	}
}

// RecordPing records a ping sent
func (ch *ConnectionHealth) RecordPing() {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.LastPingTime = time.Now()
	ch.PingsSent++
}

// RecordPong records a pong received
func (ch *ConnectionHealth) RecordPong() {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.LastPongTime = time.Now()
	ch.PongsReceived++
	ch.IsHealthy = true
	ch.MissedPongs = 0
}

// RecordActivity records general activity
func (ch *ConnectionHealth) RecordActivity() {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.LastActivity = time.Now()
}

// CheckHealth checks if connection is healthy
func (ch *ConnectionHealth) CheckHealth(pongTimeout time.Duration) bool {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	// No ping sent yet counts as healthy
	if ch.LastPingTime.IsZero() {
		return true
	}

	if ch.LastPongTime.IsZero() {
		if time.Since(ch.LastPingTime) > pongTimeout {
			ch.IsHealthy = false
			ch.MissedPongs++
			return false
		}
		return true
	}

	if time.Since(ch.LastPongTime) > pongTimeout {
		ch.IsHealthy = false
		ch.MissedPongs++
		return false
	}

	return ch.IsHealthy
}

// GetStats returns health statistics
func (ch *ConnectionHealth) GetStats() *ConnectionHealth {
	ch.mutex.RLock()
	defer ch.mutex.RUnlock()

	return &ConnectionHealth{
		IsHealthy:       ch.IsHealthy,
		LastPingTime:    ch.LastPingTime,
		LastPongTime:    ch.LastPongTime,
		PingsSent:       ch.PingsSent,
		PongsReceived:   ch.PongsReceived,
		MissedPongs:     ch.MissedPongs,
		ConnectionStart: ch.ConnectionStart,
		LastActivity:    ch.LastActivity,
	}
}
