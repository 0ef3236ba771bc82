package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

// Inbound wire event names, kept from the browser client.
const (
	EventJoinVisitor    = "join-customer-chat"
	EventJoinAdmin      = "join-admin-chat"
	EventVisitorMessage = "send-customer-message"
	EventAdminMessage   = "send-admin-message"
	EventOpenSession    = "join-session"
	EventLeaveSession   = "leave-session"
	EventCloseSession   = "close-chat-session"
	EventRequestHistory = "request-chat-history"
	EventDeleteHistory  = "delete-session-history"
	EventVisitorTyping  = "customer-typing"
	EventAdminTyping    = "admin-typing"
)

// Outbound wire event names.
const (
	OutSessionCreated    = "chat-session-created"
	OutSessionUpdated    = "chat-session-updated"
	OutHistory           = "chat-history"
	OutNewMessage        = "new-message"
	OutAdminJoined       = "admin-joined"
	OutAdminLeft         = "admin-left"
	OutSessionsUpdated   = "chat-sessions-updated"
	OutNewVisitorSession = "new-customer-session"
	OutMessages          = "chat-messages"
	OutVisitorTyping     = "customer-typing"
	OutAdminTyping       = "admin-typing"
	OutStatusUpdated     = "session-status-updated"
	OutSessionRemoved    = "session-removed"
	OutSessionDeleted    = "session-deleted"
)

// MaxContentLength bounds a single message, in runes.
const MaxContentLength = 4000

// Frame is the envelope used on the wire in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is an event addressed to one connection.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Inbound is a validated event from a connection.
type Inbound interface {
	Name() string
}

type JoinVisitor struct {
	VisitorID   string
	VisitorName string
}

type JoinAdmin struct {
	AdminID   string
	AdminName string
}

type SendMessage struct {
	SessionID string
	Content   string
	Role      chat.Role
}

type OpenSession struct{ SessionID string }

type LeaveSession struct{ SessionID string }

type CloseSession struct{ SessionID string }

type RequestHistory struct{ SessionID string }

type DeleteHistory struct{ SessionID string }

type Typing struct {
	SessionID string
	IsTyping  bool
	Role      chat.Role
}

func (JoinVisitor) Name() string    { return EventJoinVisitor }
func (JoinAdmin) Name() string      { return EventJoinAdmin }
func (OpenSession) Name() string    { return EventOpenSession }
func (LeaveSession) Name() string   { return EventLeaveSession }
func (CloseSession) Name() string   { return EventCloseSession }
func (RequestHistory) Name() string { return EventRequestHistory }
func (DeleteHistory) Name() string  { return EventDeleteHistory }

func (m SendMessage) Name() string {
	if m.Role == chat.RoleAdmin {
		return EventAdminMessage
	}
	return EventVisitorMessage
}

func (t Typing) Name() string {
	if t.Role == chat.RoleAdmin {
		return EventAdminTyping
	}
	return EventVisitorTyping
}

// Outbound payloads.

type SessionRef struct {
	SessionID string `json:"sessionId"`
}

type HistoryPayload struct {
	SessionID string         `json:"sessionId"`
	Messages  []chat.Message `json:"messages"`
}

type TypingPayload struct {
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

type StatusPayload struct {
	SessionID string      `json:"sessionId"`
	Status    chat.Status `json:"status"`
}

type PresencePayload struct {
	SessionID string `json:"sessionId"`
	AdminName string `json:"adminName,omitempty"`
}

// DecodeInbound validates a wire frame and turns it into a typed event.
func DecodeInbound(frame Frame) (Inbound, error) {
	switch frame.Event {
	case EventJoinVisitor:
		// The widget sends customerId/customerName; visitorId/visitorName are
		// accepted as aliases.
		var p struct {
			CustomerID   string `json:"customerId"`
			CustomerName string `json:"customerName"`
			VisitorID    string `json:"visitorId"`
			VisitorName  string `json:"visitorName"`
		}
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(p.CustomerID)
		if id == "" {
			id = strings.TrimSpace(p.VisitorID)
		}
		if id == "" {
			return nil, invalid(frame.Event, "customerId is required")
		}
		name := nameOr(p.CustomerName, nameOr(p.VisitorName, "Visitor"))
		return JoinVisitor{VisitorID: id, VisitorName: name}, nil

	case EventJoinAdmin:
		var p struct {
			AdminID   string `json:"adminId"`
			AdminName string `json:"adminName"`
		}
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		return JoinAdmin{AdminID: strings.TrimSpace(p.AdminID), AdminName: nameOr(p.AdminName, "Admin")}, nil

	case EventVisitorMessage, EventAdminMessage:
		var p struct {
			SessionID string `json:"sessionId"`
			Content   string `json:"content"`
		}
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		sessionID := strings.TrimSpace(p.SessionID)
		if sessionID == "" {
			return nil, invalid(frame.Event, "sessionId is required")
		}
		content := strings.TrimSpace(p.Content)
		if content == "" {
			return nil, invalid(frame.Event, "content is required")
		}
		if utf8.RuneCountInString(content) > MaxContentLength {
			return nil, invalid(frame.Event, "content too long")
		}
		role := chat.RoleVisitor
		if frame.Event == EventAdminMessage {
			role = chat.RoleAdmin
		}
		return SendMessage{SessionID: sessionID, Content: content, Role: role}, nil

	case EventOpenSession, EventLeaveSession, EventCloseSession, EventRequestHistory, EventDeleteHistory:
		sessionID, err := decodeSessionRef(frame)
		if err != nil {
			return nil, err
		}
		switch frame.Event {
		case EventOpenSession:
			return OpenSession{SessionID: sessionID}, nil
		case EventLeaveSession:
			return LeaveSession{SessionID: sessionID}, nil
		case EventCloseSession:
			return CloseSession{SessionID: sessionID}, nil
		case EventRequestHistory:
			return RequestHistory{SessionID: sessionID}, nil
		default:
			return DeleteHistory{SessionID: sessionID}, nil
		}

	case EventVisitorTyping, EventAdminTyping:
		var p struct {
			SessionID string `json:"sessionId"`
			IsTyping  bool   `json:"isTyping"`
		}
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		sessionID := strings.TrimSpace(p.SessionID)
		if sessionID == "" {
			return nil, invalid(frame.Event, "sessionId is required")
		}
		role := chat.RoleVisitor
		if frame.Event == EventAdminTyping {
			role = chat.RoleAdmin
		}
		return Typing{SessionID: sessionID, IsTyping: p.IsTyping, Role: role}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
}

func decode(frame Frame, v any) error {
	if len(frame.Data) == 0 {
		return invalid(frame.Event, "missing data")
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, frame.Event, err)
	}
	return nil
}

// decodeSessionRef accepts either a bare JSON string or {"sessionId": "..."}.
func decodeSessionRef(frame Frame) (string, error) {
	if len(frame.Data) == 0 {
		return "", invalid(frame.Event, "missing data")
	}
	var id string
	if err := json.Unmarshal(frame.Data, &id); err != nil {
		var ref SessionRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidPayload, frame.Event, err)
		}
		id = ref.SessionID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", invalid(frame.Event, "sessionId is required")
	}
	return id, nil
}

func invalid(event, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, event, reason)
}

func nameOr(name, fallback string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return fallback
}
