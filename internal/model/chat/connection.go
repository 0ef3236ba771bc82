package chat

// Connection is the identity of one live transport channel. It is never
// persisted and lives only between connect and disconnect.
type Connection struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName"`
	// VisitorID is the stable client-supplied identifier; visitors only.
	VisitorID string `json:"customerId,omitempty"`
	AdminID   string `json:"adminId,omitempty"`
	// SessionID references the session a visitor is subscribed to.
	SessionID string `json:"sessionId,omitempty"`
}
