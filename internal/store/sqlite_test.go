package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/ashureev/agenthub/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "data", "agenthub.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLite_SessionLifecycle(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	got, err := repo.GetSession(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("Expected nil session for unknown hash, got %v, %v", got, err)
	}

	sess := &domain.WebSession{
		TokenHash:  "h1",
		Username:   "kim",
		LastSeenAt: now,
		ExpiresAt:  now.Add(6 * time.Hour),
		CreatedAt:  now,
	}
	if err := repo.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	got, err = repo.GetSession(ctx, "h1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.Username != "kim" || !got.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatalf("Unexpected session: %+v", got)
	}

	later := now.Add(time.Minute)
	if err := repo.TouchSession(ctx, "h1", later); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	got, _ = repo.GetSession(ctx, "h1")
	if !got.LastSeenAt.Equal(later) {
		t.Errorf("Expected last seen %v, got %v", later, got.LastSeenAt)
	}

	if err := repo.DeleteSession(ctx, "h1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	got, _ = repo.GetSession(ctx, "h1")
	if got != nil {
		t.Errorf("Expected session to be deleted, got %+v", got)
	}
}

func TestSQLite_Subscriptions(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.AddSubscriptions(ctx, "kim", []string{"smart-sourcer", "email-ghostwriter"}); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}
	// Duplicates are ignored.
	if err := repo.AddSubscriptions(ctx, "kim", []string{"smart-sourcer"}); err != nil {
		t.Fatalf("AddSubscriptions duplicate failed: %v", err)
	}
	if err := repo.AddSubscriptions(ctx, "lee", []string{"smart-sourcer"}); err != nil {
		t.Fatalf("AddSubscriptions failed: %v", err)
	}

	subs, err := repo.ListSubscriptions(ctx, "kim")
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("Expected 2 subscriptions, got %d", len(subs))
	}

	if err := repo.RemoveSubscription(ctx, "kim", "smart-sourcer"); err != nil {
		t.Fatalf("RemoveSubscription failed: %v", err)
	}
	subs, _ = repo.ListSubscriptions(ctx, "kim")
	if len(subs) != 1 || subs[0].Slug != "email-ghostwriter" {
		t.Errorf("Expected only email-ghostwriter, got %+v", subs)
	}

	if err := repo.ReplaceSubscriptions(ctx, "kim", []string{"a", "b", "email-ghostwriter"}); err != nil {
		t.Fatalf("ReplaceSubscriptions failed: %v", err)
	}
	subs, _ = repo.ListSubscriptions(ctx, "kim")
	var slugs []string
	for _, s := range subs {
		slugs = append(slugs, s.Slug)
	}
	sort.Strings(slugs)
	if len(slugs) != 3 || slugs[0] != "a" || slugs[1] != "b" || slugs[2] != "email-ghostwriter" {
		t.Errorf("Unexpected subscriptions after replace: %v", slugs)
	}

	if err := repo.ReplaceSubscriptions(ctx, "kim", nil); err != nil {
		t.Fatalf("ReplaceSubscriptions failed: %v", err)
	}
	subs, _ = repo.ListSubscriptions(ctx, "kim")
	if len(subs) != 0 {
		t.Errorf("Expected no subscriptions, got %+v", subs)
	}

	other, _ := repo.ListSubscriptions(ctx, "lee")
	if len(other) != 1 {
		t.Errorf("Expected other user's subscriptions untouched, got %+v", other)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for _, s := range []*domain.WebSession{
		{TokenHash: "kim-laptop", Username: "kim", ExpiresAt: now.Add(-time.Minute)},
		{TokenHash: "kim-tablet", Username: "kim", ExpiresAt: now},
		{TokenHash: "kim-phone", Username: "kim", ExpiresAt: now.Add(time.Hour)},
		{TokenHash: "lee-laptop", Username: "lee", ExpiresAt: now.Add(time.Hour)},
	} {
		s.CreatedAt, s.LastSeenAt = now, now
		if err := repo.UpsertSession(ctx, s); err != nil {
			t.Fatalf("UpsertSession failed: %v", err)
		}
	}

	expired := make(map[string]string)
	deleted := SweepExpiredSessions(ctx, repo, now, func(username, tokenHash string) {
		expired[tokenHash] = username
	})

	if deleted != 2 {
		t.Errorf("Expected 2 deleted sessions, got %d", deleted)
	}
	if len(expired) != 2 || expired["kim-laptop"] != "kim" || expired["kim-tablet"] != "kim" {
		t.Errorf("Expected callbacks for kim's two expired sessions only, got %v", expired)
	}
	if _, ok := expired["kim-phone"]; ok {
		t.Error("Expected kim's live session not to be reported")
	}
	for _, hash := range []string{"kim-phone", "lee-laptop"} {
		if got, _ := repo.GetSession(ctx, hash); got == nil {
			t.Errorf("Expected session %s to survive the sweep", hash)
		}
	}

	if n := SweepExpiredSessions(ctx, repo, now, nil); n != 0 {
		t.Errorf("Expected nothing left to sweep, got %d", n)
	}
}
