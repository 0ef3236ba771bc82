package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidStatus   = errors.New("invalid session status")
)

// Store is the authoritative in-memory map of conversation sessions.
// It owns every Session and Message; callers only ever see copies.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session
	order    []string
	now      func() time.Time
}

// NewStore returns an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*chat.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FindOpenForVisitor returns the first non-closed session of the visitor
// in creation order.
func (s *Store) FindOpenForVisitor(visitorID string) (chat.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		session := s.sessions[id]
		if session.VisitorID == visitorID && session.Status.Open() {
			return session.Clone(), true
		}
	}
	return chat.Session{}, false
}

// Create provisions a waiting session with an empty buffer.
func (s *Store) Create(visitorID, visitorName string) chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session := &chat.Session{
		ID:          newSessionID(now),
		VisitorID:   visitorID,
		VisitorName: visitorName,
		Status:      chat.StatusWaiting,
		CreatedAt:   now,
		Messages:    make([]chat.Message, 0, 16),
	}
	s.insert(session)
	return session.Clone()
}

// Get returns a detached copy of the session.
func (s *Store) Get(sessionID string) (chat.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, false
	}
	return session.Clone(), true
}

// Append pushes a message to the session buffer and advances LastMessageAt.
func (s *Store) Append(sessionID string, message chat.Message) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}

	message.SessionID = sessionID
	session.Messages = append(session.Messages, message)
	s.touch(session, message.Timestamp)
	return session.Clone(), nil
}

// SetStatus moves the session to status.
func (s *Store) SetStatus(sessionID string, status chat.Status) (chat.Session, error) {
	if !status.Valid() {
		return chat.Session{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	session.Status = status
	return session.Clone(), nil
}

// IncrementUnread bumps the unread counter by one.
func (s *Store) IncrementUnread(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.UnreadCount++
	return nil
}

// ResetUnread clears the unread counter.
func (s *Store) ResetUnread(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.UnreadCount = 0
	return nil
}

// Remove deletes the session and its buffer. Only history deletion uses it.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return
	}
	delete(s.sessions, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ListOpen returns summaries of every non-closed session in creation order.
func (s *Store) ListOpen() []chat.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.SessionSummary, 0, len(s.order))
	for _, id := range s.order {
		session := s.sessions[id]
		if session.Status.Open() {
			out = append(out, session.Summary())
		}
	}
	return out
}

// Hydrate merges durable history into the buffer. Durable messages come
// first in durable order, followed by in-memory messages the durable store
// does not know yet (pending writes).
func (s *Store) Hydrate(sessionID string, durable []chat.Message) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}

	seen := make(map[string]struct{}, len(durable))
	merged := make([]chat.Message, 0, len(durable)+len(session.Messages))
	for _, message := range durable {
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}
		message.SessionID = sessionID
		merged = append(merged, message)
	}
	for _, message := range session.Messages {
		if _, ok := seen[message.ID]; ok {
			continue
		}
		merged = append(merged, message)
	}

	session.Messages = merged
	for _, message := range merged {
		s.touch(session, message.Timestamp)
	}
	return session.Clone(), nil
}

// Reassign swaps a buffered message's provisional id and timestamp for the
// ones the durable store assigned, keeping its position. If a hydration
// already brought in the stored copy, the provisional copy is dropped.
// It reports whether the buffer changed.
func (s *Store) Reassign(sessionID, provisionalID string, stored chat.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}

	at, dup := -1, false
	for i, message := range session.Messages {
		switch message.ID {
		case provisionalID:
			at = i
		case stored.ID:
			dup = true
		}
	}
	if at < 0 || stored.ID == "" {
		return false, nil
	}
	if dup && stored.ID != provisionalID {
		session.Messages = append(session.Messages[:at], session.Messages[at+1:]...)
		return true, nil
	}

	message := &session.Messages[at]
	message.ID = stored.ID
	if !stored.Timestamp.IsZero() {
		message.Timestamp = stored.Timestamp
		s.touch(session, stored.Timestamp)
	}
	return true, nil
}

// Adopt inserts a durable open session that memory does not know about.
// Sessions already in memory win, and a session whose visitor already has
// another open session is refused.
func (s *Store) Adopt(summary chat.SessionSummary) bool {
	if summary.ID == "" || !summary.Status.Open() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[summary.ID]; ok {
		return false
	}
	for _, id := range s.order {
		other := s.sessions[id]
		if other.VisitorID == summary.VisitorID && other.Status.Open() {
			return false
		}
	}

	session := &chat.Session{
		ID:          summary.ID,
		VisitorID:   summary.VisitorID,
		VisitorName: summary.VisitorName,
		Status:      summary.Status,
		UnreadCount: summary.UnreadCount,
		CreatedAt:   s.now(),
		Messages:    make([]chat.Message, 0, 16),
	}
	if summary.LastMessageAt != nil {
		at := *summary.LastMessageAt
		session.LastMessageAt = &at
	}
	s.insert(session)
	return true
}

// Idle lists waiting sessions whose last activity is before cutoff.
func (s *Store) Idle(cutoff time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, id := range s.order {
		session := s.sessions[id]
		if session.Status == chat.StatusWaiting && session.LastActivity().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of sessions held, closed ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) insert(session *chat.Session) {
	s.sessions[session.ID] = session
	s.order = append(s.order, session.ID)
}

func (s *Store) touch(session *chat.Session, at time.Time) {
	if at.IsZero() {
		return
	}
	if session.LastMessageAt == nil || at.After(*session.LastMessageAt) {
		t := at
		session.LastMessageAt = &t
	}
}

func newSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), suffix)
}
