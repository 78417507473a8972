package signaling

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials describes the relay-issued bearer token. The relay verifies
// the signature; the agent only reads the claims it needs.
type Credentials struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// ParseCredentials reads token claims without verifying the signature and
// refuses tokens that are already expired at now.
func ParseCredentials(token string, now time.Time) (*Credentials, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse relay token: %w", err)
	}

	creds := &Credentials{Token: token, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		creds.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(creds.ExpiresAt) {
			return nil, ErrTokenExpired
		}
	}
	return creds, nil
}

// Remaining returns how long the token stays valid; zero means no expiry.
func (c *Credentials) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}
