package chat

import "time"

// Role tags a participant. Only visitors and admins exist.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleVisitor || r == RoleAdmin
}

// wireVisitor is what browser clients and the web application call visitors.
const wireVisitor = "customer"

// MarshalText writes visitors as "customer" on the wire.
func (r Role) MarshalText() ([]byte, error) {
	if r == RoleVisitor {
		return []byte(wireVisitor), nil
	}
	return []byte(r), nil
}

// UnmarshalText accepts both "customer" and "visitor".
func (r *Role) UnmarshalText(text []byte) error {
	if string(text) == wireVisitor {
		*r = RoleVisitor
		return nil
	}
	*r = Role(text)
	return nil
}

// Message is one chat utterance. Content never changes once appended; the
// id may be swapped for the one the durable store assigned.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId,omitempty"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SenderRole Role      `json:"senderRole"`
	Timestamp  time.Time `json:"timestamp"`
}
