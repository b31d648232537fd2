// Package auth implements owner authentication: signed owner tokens binding a
// connection to a room, and the short-lived checked-auth handoff between the
// HTTP layer and the WebSocket upgrade.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchcinema/watchparty/internal/v1/ident"
	"github.com/golang-jwt/jwt/v5"
)

// Expiration is the owner token lifetime.
const Expiration = 2 * time.Hour

const tokenSubject = "watchparty-owner"

// ErrInvalidToken is returned for any token that fails to decode, verify or
// that has expired.
var ErrInvalidToken = errors.New("invalid owner token")

// OwnerClaims binds an owner token to a room and to the requesting client's
// ip address and user agent.
type OwnerClaims struct {
	RoomID    ident.ID `json:"room_id"`
	IP        string   `json:"ip"`
	UserAgent string   `json:"user_agent"`
	Username  string   `json:"username"`
	jwt.RegisteredClaims
}

// NewOwnerClaims creates claims for a freshly created room, expiring after
// Expiration.
func NewOwnerClaims(roomID ident.ID, ip, userAgent, username string) *OwnerClaims {
	now := time.Now()
	return &OwnerClaims{
		RoomID:    roomID,
		IP:        ip,
		UserAgent: userAgent,
		Username:  username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(Expiration)),
		},
	}
}

// Matches reports whether the claims bind to the given room, ip and user agent.
func (c *OwnerClaims) Matches(roomID ident.ID, ip, userAgent string) bool {
	return c.RoomID == roomID && c.IP == ip && c.UserAgent == userAgent
}

// BoundTo reports whether the claims bind to the given ip and user agent,
// regardless of room.
func (c *OwnerClaims) BoundTo(ip, userAgent string) bool {
	return c.IP == ip && c.UserAgent == userAgent
}

// ExpMillis returns the expiry as wall-clock milliseconds, the form the auth
// bootstrap packet carries.
func (c *OwnerClaims) ExpMillis() int64 {
	if c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.UnixMilli()
}

// Signer signs and verifies owner tokens with an HMAC-SHA256 signature.
// The secret is immutable for the process lifetime.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer from the configured secret.
func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

// Sign encodes and signs the claims.
func (s *Signer) Sign(claims *OwnerClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign owner token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string. Any signature mismatch, decode
// error or expired token yields ErrInvalidToken.
func (s *Signer) Verify(tokenString string) (*OwnerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OwnerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithSubject(tokenSubject), jwt.WithExpirationRequired())

	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*OwnerClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
