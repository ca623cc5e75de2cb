// Package permission defines the JWT claims required to connect to the
// fan-out relay and the scopes they can carry.
package permission

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// Scopes understood by the relay
const (
	ScopeSubscribe = "subscribe"
	ScopeRead      = "read"
	ScopeStats     = "stats"
	ScopeAdmin     = "admin"
)

// Token represents the claims in a relay access JWT
type Token struct {

	// UserID identifies the subscriber the connection acts for
	UserID string `json:"userID"`

	// Topic restricts the connection to one room; empty means the
	// user's personal room
	Topic string `json:"topic,omitempty"`

	// Scopes controlling what the connection can do
	Scopes []string `json:"scopes"`

	jwt.RegisteredClaims
}

// NewToken returns a Token populated with the supplied information
func NewToken(audience, userID, topic string, scopes []string, iat, nbf, exp int64) Token {
	return Token{
		UserID: userID,
		Topic:  topic,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Unix(iat, 0)),
			NotBefore: jwt.NewNumericDate(time.Unix(nbf, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(exp, 0)),
			Audience:  []string{audience},
		},
	}
}

// HasRequiredClaims returns false if the Token is missing any required
// elements
func HasRequiredClaims(token Token) bool {
	if token.UserID == "" ||
		len(token.Scopes) == 0 ||
		len(token.RegisteredClaims.Audience) == 0 ||
		token.RegisteredClaims.ExpiresAt == nil ||
		(*token.RegisteredClaims.ExpiresAt).IsZero() {
		return false
	}
	return true
}

// HasScope reports whether the token carries the given scope
func HasScope(token Token, scope string) bool {
	for _, s := range token.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
