package learnhub

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the portal session token claims the SDK cares about.
// The user id feeds the synchronizer's unread accounting.
type TokenClaims struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseTokenClaims extracts claims from a portal session token without
// verifying its signature. The portal signs tokens server-side; a client
// only needs the embedded identity, never trust decisions.
func ParseTokenClaims(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("session token has no user id")
	}
	return claims, nil
}

// LocalUser builds the User identity announced on the event channel from
// session token claims.
func (c *TokenClaims) LocalUser() User {
	return User{ID: c.UserID, Name: c.Name, Role: c.Role}
}
