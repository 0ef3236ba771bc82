package chat

import "time"

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// Open reports whether the session still accepts messages.
func (s Status) Open() bool {
	return s != StatusClosed
}

// Session is one visitor's conversation thread with the site staff.
type Session struct {
	ID            string     `json:"id"`
	VisitorID     string     `json:"customerId"`
	VisitorName   string     `json:"customerName"`
	Status        Status     `json:"status"`
	LastMessageAt *time.Time `json:"lastMessage"`
	UnreadCount   int        `json:"unreadCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	Messages      []Message  `json:"messages"`
}

// SessionSummary is the listing projection pushed to admins. It never
// carries the message buffer.
type SessionSummary struct {
	ID            string     `json:"id"`
	VisitorID     string     `json:"customerId"`
	VisitorName   string     `json:"customerName"`
	Status        Status     `json:"status"`
	LastMessageAt *time.Time `json:"lastMessage"`
	UnreadCount   int        `json:"unreadCount"`
}

// SessionDescriptor is sent to the visitor on join and on status changes.
type SessionDescriptor struct {
	ID          string `json:"id"`
	VisitorID   string `json:"customerId"`
	VisitorName string `json:"customerName"`
	Status      Status `json:"status"`
}

// Summary projects the session for listings.
func (s Session) Summary() SessionSummary {
	return SessionSummary{
		ID:            s.ID,
		VisitorID:     s.VisitorID,
		VisitorName:   s.VisitorName,
		Status:        s.Status,
		LastMessageAt: copyTime(s.LastMessageAt),
		UnreadCount:   s.UnreadCount,
	}
}

// Descriptor projects the session for visitor-facing replies.
func (s Session) Descriptor() SessionDescriptor {
	return SessionDescriptor{
		ID:          s.ID,
		VisitorID:   s.VisitorID,
		VisitorName: s.VisitorName,
		Status:      s.Status,
	}
}

// LastActivity is the time of the latest message, or creation when empty.
func (s Session) LastActivity() time.Time {
	if s.LastMessageAt != nil {
		return *s.LastMessageAt
	}
	return s.CreatedAt
}

// Clone returns a copy that shares no mutable state with s.
func (s Session) Clone() Session {
	out := s
	out.LastMessageAt = copyTime(s.LastMessageAt)
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
