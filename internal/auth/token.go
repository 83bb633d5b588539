package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
)

// Identity is the verified identity attached to a connection after a
// successful authenticate call.
type Identity struct {
	UserID   string
	Username string
}

// Authenticator turns a credential string into an Identity.
type Authenticator interface {
	Verify(token string) (*Identity, error)
}

// TokenConfig holds signing configuration for HS256 tokens.
type TokenConfig struct {
	SecretKey     string
	TokenDuration time.Duration
	Issuer        string
}

// DefaultTokenConfig returns a default token configuration.
// In production, the secret key should be loaded from environment variables.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		SecretKey:     "your-secret-key-change-in-production",
		TokenDuration: 24 * time.Hour,
		Issuer:        "chat-coordinator",
	}
}

// Claims represents the custom claims carried by coordinator tokens.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenAuthenticator issues and verifies HS256-signed tokens.
type TokenAuthenticator struct {
	config TokenConfig
}

// NewTokenAuthenticator creates a TokenAuthenticator with the given configuration.
func NewTokenAuthenticator(config TokenConfig) *TokenAuthenticator {
	return &TokenAuthenticator{
		config: config,
	}
}

// Issue generates a signed token for the given user.
func (a *TokenAuthenticator) Issue(userID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.TokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.SecretKey))
}

// Verify validates the token and returns the identity it carries.
func (a *TokenAuthenticator) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(a.config.SecretKey), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.Username == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: claims.UserID, Username: claims.Username}, nil
}
