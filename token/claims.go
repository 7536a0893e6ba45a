package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiresAt reads the exp claim of a JWT access token without verifying it.
// Opaque tokens, or JWTs without exp, report false. The result is only a hint
// for scheduling a refresh; the remote service remains the authority.
func ExpiresAt(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Expired reports whether raw carries an exp claim at or before now.
func Expired(raw string, now time.Time) bool {
	exp, ok := ExpiresAt(raw)
	return ok && !now.Before(exp)
}
