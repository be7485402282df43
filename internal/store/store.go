// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agenthub/internal/domain"
)

// Repository defines the interface for persisting web sessions and mirrored subscriptions.
type Repository interface {
	// GetSession retrieves a session by the hash of its access token.
	// Returns nil, nil when no session exists.
	GetSession(ctx context.Context, tokenHash string) (*domain.WebSession, error)

	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, session *domain.WebSession) error

	// TouchSession updates the last_seen_at timestamp of a session.
	TouchSession(ctx context.Context, tokenHash string, lastSeen time.Time) error

	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, tokenHash string) error

	// ExpiredSessions lists sessions whose expiry is at or before now.
	ExpiredSessions(ctx context.Context, now time.Time) ([]*domain.WebSession, error)

	// CleanupExpiredSessions removes sessions whose expiry is at or before now.
	CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// ListSubscriptions returns the agents a user subscribed to, oldest first.
	ListSubscriptions(ctx context.Context, username string) ([]domain.Subscription, error)

	// AddSubscriptions records subscriptions, ignoring ones that already exist.
	AddSubscriptions(ctx context.Context, username string, slugs []string) error

	// RemoveSubscription deletes one subscription.
	RemoveSubscription(ctx context.Context, username, slug string) error

	// ReplaceSubscriptions makes slugs the complete subscription set of a user.
	ReplaceSubscriptions(ctx context.Context, username string, slugs []string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
