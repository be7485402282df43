package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired web sessions are swept.
const DefaultSweepInterval = 5 * time.Minute

// ExpireCallback is called once for every session the sweeper removes.
type ExpireCallback func(username, tokenHash string)

// StartSessionSweeper runs a background goroutine that periodically removes
// expired web sessions and reports each of them to onExpire.
func StartSessionSweeper(ctx context.Context, repo Repository, interval time.Duration, onExpire ExpireCallback) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval)

		for {
			select {
			case now := <-ticker.C:
				SweepExpiredSessions(ctx, repo, now, onExpire)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepExpiredSessions removes sessions expired at now and returns how many were removed.
func SweepExpiredSessions(ctx context.Context, repo Repository, now time.Time, onExpire ExpireCallback) int64 {
	expired, err := repo.ExpiredSessions(ctx, now)
	if err != nil {
		slog.Error("Session sweeper failed to list expired sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	slog.Info("Session sweeper found expired sessions", "count", len(expired))

	deleted, err := repo.CleanupExpiredSessions(ctx, now)
	if err != nil {
		slog.Error("Session sweeper failed to delete expired sessions", "error", err)
		return 0
	}

	if onExpire != nil {
		for _, sess := range expired {
			onExpire(sess.Username, sess.TokenHash)
		}
	}

	slog.Info("Session sweeper cleanup completed", "cleaned", deleted)
	return deleted
}
