// Package persistence is the relay's request/response view of the durable
// chat store. The relay writes through it and hydrates from it, but keeps
// its own in-memory state as the source of truth.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

// ErrPersistence wraps every failure reported by a Gateway.
var ErrPersistence = errors.New("persistence failure")

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown persistence backend")

// MessageWrite is one durable message write. Session describes the owning
// conversation so a backend can create its record lazily.
type MessageWrite struct {
	Session chat.SessionDescriptor
	Message chat.Message
}

// SessionRecord is a durable open session with its latest message nested.
type SessionRecord struct {
	chat.SessionSummary
	Messages []chat.Message `json:"messages"`
}

// Gateway is the durable store collaborator.
type Gateway interface {
	GetMessages(ctx context.Context, sessionID string) ([]chat.Message, error)
	CreateMessage(ctx context.Context, w MessageWrite) (chat.Message, error)
	ListOpenSessions(ctx context.Context) ([]SessionRecord, error)
	DeleteSessionAndMessages(ctx context.Context, sessionID string) error
	UpsertSessionLastMessage(ctx context.Context, sessionID string, at time.Time) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status chat.Status) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend    string
	BaseURL    string
	PebblePath string
	Timeout    time.Duration
}

// Open builds the configured backend.
func Open(opts Options) (Gateway, error) {
	switch opts.Backend {
	case "", "http":
		return NewHTTPGateway(opts.BaseURL, opts.Timeout)
	case "pebble":
		return OpenPebble(opts.PebblePath)
	case "memory":
		return NewMemoryGateway(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
