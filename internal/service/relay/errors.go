package relay

import "errors"

// Failure taxonomy. None of these reach the client; the engine logs and
// drops the event that produced them.
var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrUnknownSession    = errors.New("unknown session")
	ErrRoleMismatch      = errors.New("role mismatch")
	ErrSessionClosed     = errors.New("session closed")
	ErrForeignSession    = errors.New("session belongs to another visitor")

	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrStopped        = errors.New("relay engine stopped")
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownConnection):
		return "unknown_connection"
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrRoleMismatch):
		return "role_mismatch"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrForeignSession):
		return "foreign_session"
	default:
		return "error"
	}
}
