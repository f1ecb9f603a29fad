package live

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims bind a stream token to one widget session. The origin the
// session declared at bootstrap travels inside the token so admission can
// compare it against what the browser presents later.
type SessionClaims struct {
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	Origin         string `json:"origin,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies session tokens with a shared HS256 secret.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec builds a codec. ttl bounds token validity, not connection
// lifetime.
func NewTokenCodec(secret []byte, ttl time.Duration) (*TokenCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("session token secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenCodec{secret: secret, ttl: ttl}, nil
}

// Issue mints a session token.
func (c *TokenCodec) Issue(clientID, conversationID, sessionID, origin string, now time.Time) (string, error) {
	claims := SessionClaims{
		ClientID:       clientID,
		ConversationID: conversationID,
		SessionID:      sessionID,
		Origin:         origin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token.
func (c *TokenCodec) Verify(token string) (SessionClaims, error) {
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return SessionClaims{}, fmt.Errorf("verify session token: %w", err)
	}
	if !parsed.Valid {
		return SessionClaims{}, errors.New("invalid session token")
	}
	if claims.ClientID == "" || claims.ConversationID == "" || claims.SessionID == "" {
		return SessionClaims{}, errors.New("session token missing identity claims")
	}
	return claims, nil
}
