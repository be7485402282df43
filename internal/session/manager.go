package session

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrReplaced completes a run whose tab reconnected with a new handle.
	ErrReplaced = errors.New("agent session replaced by a newer connection")
	// ErrSessionClosed completes a run whose web session was signed out or expired.
	ErrSessionClosed = errors.New("agent session closed")
)

// handle is a Conn together with the web session that acquired it.
type handle struct {
	conn      *Conn
	sessionID string
}

// Manager hands out run channels per user and browser tab.
// A key owns at most one Conn; acquiring a key again terminates the previous handle.
type Manager struct {
	cfg    Config
	mu     sync.RWMutex
	active map[string]map[string]handle
}

// NewManager creates a manager whose connections use cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		active: make(map[string]map[string]handle),
	}
}

// Acquire creates the run channel for a user/tab on behalf of the web session
// sessionID, replacing any previous one.
func (m *Manager) Acquire(userID, sessionID, tabID string) *Conn {
	conn := New(m.cfg)

	m.mu.Lock()
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]handle)
	}
	existing, replaced := m.active[userID][tabID]
	m.active[userID][tabID] = handle{conn: conn, sessionID: sessionID}
	m.mu.Unlock()

	if replaced {
		existing.conn.Terminate(ErrReplaced)
		slog.Info("Agent session replaced", "user", userID, "tab", tabID)
	}
	return conn
}

// GetActive returns the run channel held for a user/tab.
func (m *Manager) GetActive(userID, tabID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tabs, ok := m.active[userID]; ok {
		return tabs[tabID].conn
	}
	return nil
}

// Release cancels conn and forgets it if it is still the handle held for the key.
func (m *Manager) Release(userID, tabID string, conn *Conn) {
	if conn == nil {
		return
	}
	conn.Cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if tabs, ok := m.active[userID]; ok {
		if current, exists := tabs[tabID]; exists && current.conn == conn {
			delete(tabs, tabID)
			if len(tabs) == 0 {
				delete(m.active, userID)
			}
		}
	}
}

// CloseSession terminates the run channels a user acquired through sessionID.
// Tabs signed in with other sessions keep running.
func (m *Manager) CloseSession(userID, sessionID string) {
	var closed []handle
	var tabIDs []string

	m.mu.Lock()
	tabs := m.active[userID]
	for tab, h := range tabs {
		if h.sessionID != sessionID {
			continue
		}
		closed = append(closed, h)
		tabIDs = append(tabIDs, tab)
		delete(tabs, tab)
	}
	if len(tabs) == 0 {
		delete(m.active, userID)
	}
	m.mu.Unlock()

	for i, h := range closed {
		h.conn.Terminate(ErrSessionClosed)
		slog.Info("Agent session closed", "user", userID, "tab", tabIDs[i])
	}
}

// Count returns the number of held handles.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tabs := range m.active {
		n += len(tabs)
	}
	return n
}
