// Package transcript holds the ordered chat log of the active room.
package transcript

import (
	"errors"
	"strconv"
	"time"
)

// Sender identifies who produced an entry.
type Sender string

const (
	// SenderUser marks text the user submitted.
	SenderUser Sender = "user"
	// SenderAgent marks the agent's final rendered answer.
	SenderAgent Sender = "agent"
	// SenderLog marks live narration streamed while a run is in progress.
	SenderLog Sender = "log"
)

// Status is the lifecycle marker of a log entry.
type Status string

const (
	// StatusProcessing means the run feeding this log entry is still streaming.
	StatusProcessing Status = "processing"
	// StatusDone means the log entry is final.
	StatusDone Status = "done"
)

var (
	// ErrRunInProgress is returned when a second processing log entry would be appended.
	ErrRunInProgress = errors.New("a log entry is already processing")
	// ErrStatusRegression is returned when a done entry would go back to processing.
	ErrStatusRegression = errors.New("log entry status cannot go back to processing")
	// ErrInvalidStatus is returned when a status is set on a non-log entry.
	ErrInvalidStatus = errors.New("status applies to log entries only")
)

// Entry is one line item of a transcript.
type Entry struct {
	ID        string `json:"id"`
	RoomID    string `json:"slug"`
	Sender    Sender `json:"sender"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"timestamp"`
	Status    Status `json:"status,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// IsProcessing reports whether e is a log entry that is still streaming.
func (e Entry) IsProcessing() bool {
	return e.Sender == SenderLog && e.Status == StatusProcessing
}

// Store is the ordered entry list for exactly one room.
// It is not safe for concurrent use; the room coordinator's loop owns it.
type Store struct {
	room    string
	entries []Entry
	lastID  int64
	now     func() time.Time
}

// NewStore creates an empty store with no room.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Room returns the room the store currently holds.
func (s *Store) Room() string {
	return s.room
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.entries)
}

// Reset drops every entry and binds the store to room.
func (s *Store) Reset(room string) {
	s.room = room
	s.entries = nil
}

// Load replaces the transcript wholesale with entries saved for room.
// Entries are copied; ids keep increasing past the largest numeric id loaded.
func (s *Store) Load(room string, entries []Entry) {
	s.room = room
	s.entries = make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.RoomID == "" {
			e.RoomID = room
		}
		if n, err := strconv.ParseInt(e.ID, 10, 64); err == nil && n > s.lastID {
			s.lastID = n
		}
		s.entries = append(s.entries, e)
	}
}

// NewEntry builds an entry for the current room with a fresh id.
// The entry is not stored until Append is called.
func (s *Store) NewEntry(sender Sender, content, runID string) Entry {
	now := s.now()
	return Entry{
		ID:        s.nextID(now),
		RoomID:    s.room,
		Sender:    sender,
		Content:   content,
		CreatedAt: now.UnixMilli(),
		RunID:     runID,
	}
}

func (s *Store) nextID(now time.Time) string {
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return strconv.FormatInt(id, 10)
}

// Append adds e at the end of the transcript.
func (s *Store) Append(e Entry) (Entry, error) {
	if e.Status != "" && e.Sender != SenderLog {
		return Entry{}, ErrInvalidStatus
	}
	if e.IsProcessing() {
		if _, busy := s.Processing(); busy {
			return Entry{}, ErrRunInProgress
		}
	}
	if e.ID == "" {
		e.ID = s.nextID(s.now())
	}
	if e.RoomID == "" {
		e.RoomID = s.room
	}
	s.entries = append(s.entries, e)
	return e, nil
}

// Update applies fn to the entry with the given id.
// It reports whether an entry matched.
func (s *Store) Update(id string, fn func(*Entry)) (bool, error) {
	n, err := s.UpdateWhere(func(e Entry) bool { return e.ID == id }, fn)
	return n > 0, err
}

// UpdateWhere applies fn to every entry matching pred and returns how many changed.
// Entries keep their position and id; a done log entry never returns to processing.
func (s *Store) UpdateWhere(pred func(Entry) bool, fn func(*Entry)) (int, error) {
	changed := 0
	for i := range s.entries {
		if !pred(s.entries[i]) {
			continue
		}
		next := s.entries[i]
		fn(&next)
		next.ID = s.entries[i].ID
		if err := s.checkTransition(i, s.entries[i], next); err != nil {
			return changed, err
		}
		s.entries[i] = next
		changed++
	}
	return changed, nil
}

func (s *Store) checkTransition(idx int, prev, next Entry) error {
	if next.Status != "" && next.Sender != SenderLog {
		return ErrInvalidStatus
	}
	if prev.Status == StatusDone && next.Status == StatusProcessing {
		return ErrStatusRegression
	}
	if next.IsProcessing() && !prev.IsProcessing() {
		for i, e := range s.entries {
			if i != idx && e.IsProcessing() {
				return ErrRunInProgress
			}
		}
	}
	return nil
}

// AppendContent appends chunk to the content of the entry with the given id.
func (s *Store) AppendContent(id, chunk string) bool {
	ok, _ := s.Update(id, func(e *Entry) { e.Content += chunk })
	return ok
}

// MarkDone flips a processing log entry to done. Entries already done are left alone.
func (s *Store) MarkDone(id string) bool {
	ok, _ := s.Update(id, func(e *Entry) {
		if e.Sender == SenderLog {
			e.Status = StatusDone
		}
	})
	return ok
}

// Processing returns the log entry that is still streaming, if any.
func (s *Store) Processing() (Entry, bool) {
	for _, e := range s.entries {
		if e.IsProcessing() {
			return e, true
		}
	}
	return Entry{}, false
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (Entry, bool) {
	for _, e := range s.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Snapshot returns a copy of the entries in order.
func (s *Store) Snapshot() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
