// Package domain contains core domain types for the agent hub web tier.
package domain

import (
	"time"
)

// WebSession is a signed-in browser session. The access token itself is never
// stored; TokenHash identifies the session.
type WebSession struct {
	TokenHash  string    `json:"-"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *WebSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TTL returns the time until the session expires.
// Returns 0 if the session has already expired.
func (s *WebSession) TTL(now time.Time) time.Duration {
	ttl := s.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
