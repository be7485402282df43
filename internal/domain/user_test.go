package domain

import (
	"testing"
	"time"
)

func TestWebSession_TTL(t *testing.T) {
	now := time.Unix(1_000, 0)
	s := &WebSession{ExpiresAt: now.Add(time.Hour)}

	if s.Expired(now) {
		t.Error("Expected session to be valid")
	}
	if s.TTL(now) != time.Hour {
		t.Errorf("Expected 1h TTL, got %v", s.TTL(now))
	}

	later := now.Add(2 * time.Hour)
	if !s.Expired(later) {
		t.Error("Expected session to be expired")
	}
	if s.TTL(later) != 0 {
		t.Errorf("Expected 0 TTL, got %v", s.TTL(later))
	}
}
