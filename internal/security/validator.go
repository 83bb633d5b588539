package security

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"chat-coordinator/internal/config"
)

var (
	validName  = regexp.MustCompile(`^[\p{L}\p{N}_\-]+$`)
	whitespace = regexp.MustCompile(`\s+`)
)

// InputValidator handles input validation and sanitization
type InputValidator struct {
	config *config.ServerConfig
}

// NewInputValidator creates a new input validator
func NewInputValidator(config *config.ServerConfig) *InputValidator {
	return &InputValidator{
		config: config,
	}
}

// ValidateUsername validates and sanitizes username input
func (v *InputValidator) ValidateUsername(username string) (string, error) {
	username = strings.TrimSpace(username)

	if username == "" {
		return "", fmt.Errorf("username cannot be empty")
	}

	if utf8.RuneCountInString(username) > v.config.MaxUsernameLength {
		return "", fmt.Errorf("username too long (max %d characters)", v.config.MaxUsernameLength)
	}

	// Only letters, numbers, underscore, hyphen
	if !validName.MatchString(username) {
		return "", fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}

	return html.EscapeString(username), nil
}

// ValidateRoomName validates and sanitizes room name input
func (v *InputValidator) ValidateRoomName(roomName string) (string, error) {
	roomName = strings.TrimSpace(roomName)

	if roomName == "" {
		return "", fmt.Errorf("room name cannot be empty")
	}

	if utf8.RuneCountInString(roomName) > v.config.MaxRoomNameLength {
		return "", fmt.Errorf("room name too long (max %d characters)", v.config.MaxRoomNameLength)
	}

	if !validName.MatchString(roomName) {
		return "", fmt.Errorf("room name contains invalid characters (no spaces, only letters, numbers, _, - allowed)")
	}

	return html.EscapeString(roomName), nil
}

// ValidateMessage validates and sanitizes message content
func (v *InputValidator) ValidateMessage(message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message cannot be empty")
	}

	if utf8.RuneCountInString(message) > v.config.MaxMessageLength {
		return "", fmt.Errorf("message too long (max %d characters)", v.config.MaxMessageLength)
	}

	// Collapse runs of whitespace, then escape HTML to prevent XSS
	message = strings.TrimSpace(message)
	message = whitespace.ReplaceAllString(message, " ")

	return html.EscapeString(message), nil
}

// SanitizeHTML escapes HTML special characters in input
func (v *InputValidator) SanitizeHTML(input string) string {
	return html.EscapeString(input)
}
