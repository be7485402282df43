package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agenthub/internal/domain"
	"github.com/ashureev/agenthub/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	subMu sync.Mutex // serializes subscription writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS web_sessions (
		token_hash TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_web_sessions_expires ON web_sessions(expires_at);

	CREATE TABLE IF NOT EXISTS subscriptions (
		username TEXT NOT NULL,
		slug TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (username, slug)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token hash.
func (s *SQLiteStore) GetSession(ctx context.Context, tokenHash string) (*domain.WebSession, error) {
	query := `
		SELECT token_hash, username, last_seen_at, expires_at, created_at
		FROM web_sessions WHERE token_hash = ?`

	var sess domain.WebSession
	var lastSeen, expiresAt, createdAt int64
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&sess.TokenHash, &sess.Username, &lastSeen, &expiresAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.LastSeenAt = time.Unix(lastSeen, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	sess.CreatedAt = time.Unix(createdAt, 0)
	return &sess, nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.WebSession) error {
	query := `
	INSERT INTO web_sessions (token_hash, username, last_seen_at, expires_at, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(token_hash) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		expires_at = excluded.expires_at`

	_, err := s.db.ExecContext(ctx, query,
		sess.TokenHash, sess.Username,
		sess.LastSeenAt.Unix(), sess.ExpiresAt.Unix(), sess.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// TouchSession updates the last_seen_at timestamp of a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, tokenHash string, lastSeen time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE web_sessions SET last_seen_at = ? WHERE token_hash = ?`,
		lastSeen.Unix(), tokenHash)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchSession affected 0 rows")
	}
	return nil
}

// DeleteSession removes a session.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteSession(ctx context.Context, tokenHash string) error {
	return withBusyRetry(ctx, "DeleteSession", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM web_sessions WHERE token_hash = ?`, tokenHash); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// ExpiredSessions lists sessions whose expiry is at or before now.
func (s *SQLiteStore) ExpiredSessions(ctx context.Context, now time.Time) ([]*domain.WebSession, error) {
	query := `
		SELECT token_hash, username, last_seen_at, expires_at, created_at
		FROM web_sessions WHERE expires_at <= ?`

	rows, err := s.db.QueryContext(ctx, query, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.WebSession
	for rows.Next() {
		var sess domain.WebSession
		var lastSeen, expiresAt, createdAt int64
		if err := rows.Scan(&sess.TokenHash, &sess.Username, &lastSeen, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		sess.LastSeenAt = time.Unix(lastSeen, 0)
		sess.ExpiresAt = time.Unix(expiresAt, 0)
		sess.CreatedAt = time.Unix(createdAt, 0)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}

	return sessions, nil
}

// CleanupExpiredSessions removes sessions whose expiry is at or before now.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := withBusyRetry(ctx, "CleanupExpiredSessions", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM web_sessions WHERE expires_at <= ?`, now.Unix())
		if err != nil {
			return fmt.Errorf("cleanup expired sessions: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// ListSubscriptions returns the agents a user subscribed to, oldest first.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context, username string) ([]domain.Subscription, error) {
	query := `
		SELECT username, slug, created_at
		FROM subscriptions WHERE username = ?
		ORDER BY created_at, slug`

	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close subscription rows", "error", closeErr)
		}
	}()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		var createdAt int64
		if err := rows.Scan(&sub.Username, &sub.Slug, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		sub.CreatedAt = time.Unix(createdAt, 0)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

// AddSubscriptions records subscriptions, ignoring ones that already exist.
func (s *SQLiteStore) AddSubscriptions(ctx context.Context, username string, slugs []string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	return withBusyRetry(ctx, "AddSubscriptions", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin subscription tx: %w", err)
		}
		if err := insertSubscriptions(ctx, tx, username, slugs); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit subscriptions: %w", err)
		}
		return nil
	})
}

// RemoveSubscription deletes one subscription.
func (s *SQLiteStore) RemoveSubscription(ctx context.Context, username, slug string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	return withBusyRetry(ctx, "RemoveSubscription", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM subscriptions WHERE username = ? AND slug = ?`, username, slug)
		if err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		return nil
	})
}

// ReplaceSubscriptions makes slugs the complete subscription set of a user.
// Existing rows keep their created_at.
func (s *SQLiteStore) ReplaceSubscriptions(ctx context.Context, username string, slugs []string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	keep := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		keep[slug] = true
	}

	return withBusyRetry(ctx, "ReplaceSubscriptions", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin subscription tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT slug FROM subscriptions WHERE username = ?`, username)
		if err != nil {
			return fmt.Errorf("query subscriptions: %w", err)
		}
		var stale []string
		for rows.Next() {
			var slug string
			if err := rows.Scan(&slug); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan subscription row: %w", err)
			}
			if !keep[slug] {
				stale = append(stale, slug)
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close subscription rows: %w", err)
		}

		for _, slug := range stale {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM subscriptions WHERE username = ? AND slug = ?`, username, slug); err != nil {
				return fmt.Errorf("delete subscription: %w", err)
			}
		}
		if err := insertSubscriptions(ctx, tx, username, slugs); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit subscriptions: %w", err)
		}
		return nil
	})
}

func insertSubscriptions(ctx context.Context, tx *sql.Tx, username string, slugs []string) error {
	now := time.Now().Unix()
	for _, slug := range slugs {
		if slug == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (username, slug, created_at) VALUES (?, ?, ?)
			ON CONFLICT(username, slug) DO NOTHING`,
			username, slug, now); err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
	}
	return nil
}

// withBusyRetry runs op up to three times, backing off exponentially while
// SQLite reports the database as busy or locked.
func withBusyRetry(ctx context.Context, name string, op func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s failed: %w", name, err)
}
