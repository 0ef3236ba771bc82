package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

// MemoryGateway keeps durable data in process. Useful for local runs and
// tests; nothing survives a restart.
type MemoryGateway struct {
	mu       sync.RWMutex
	sessions map[string]chat.SessionSummary
	messages map[string][]chat.Message
}

// NewMemoryGateway returns an empty in-process gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		sessions: make(map[string]chat.SessionSummary),
		messages: make(map[string][]chat.Message),
	}
}

func (g *MemoryGateway) GetMessages(_ context.Context, sessionID string) ([]chat.Message, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]chat.Message, len(g.messages[sessionID]))
	copy(out, g.messages[sessionID])
	return out, nil
}

func (g *MemoryGateway) CreateMessage(_ context.Context, w MessageWrite) (chat.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sessionID := w.Session.ID
	summary, ok := g.sessions[sessionID]
	if !ok {
		summary = chat.SessionSummary{
			ID:          sessionID,
			VisitorID:   w.Session.VisitorID,
			VisitorName: w.Session.VisitorName,
			Status:      w.Session.Status,
		}
	}
	message := w.Message
	message.SessionID = sessionID
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	at := message.Timestamp
	summary.LastMessageAt = &at
	g.sessions[sessionID] = summary
	g.messages[sessionID] = append(g.messages[sessionID], message)
	return message, nil
}

func (g *MemoryGateway) ListOpenSessions(_ context.Context) ([]SessionRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]SessionRecord, 0, len(g.sessions))
	for id, summary := range g.sessions {
		if !summary.Status.Open() {
			continue
		}
		record := SessionRecord{SessionSummary: summary}
		if msgs := g.messages[id]; len(msgs) > 0 {
			record.Messages = []chat.Message{msgs[len(msgs)-1]}
		}
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

func (g *MemoryGateway) DeleteSessionAndMessages(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.sessions, sessionID)
	delete(g.messages, sessionID)
	return nil
}

func (g *MemoryGateway) UpsertSessionLastMessage(_ context.Context, sessionID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	summary, ok := g.sessions[sessionID]
	if !ok {
		summary = chat.SessionSummary{ID: sessionID, Status: chat.StatusWaiting}
	}
	t := at
	summary.LastMessageAt = &t
	g.sessions[sessionID] = summary
	return nil
}

func (g *MemoryGateway) UpdateSessionStatus(_ context.Context, sessionID string, status chat.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	summary, ok := g.sessions[sessionID]
	if !ok {
		return nil
	}
	summary.Status = status
	g.sessions[sessionID] = summary
	return nil
}

func (g *MemoryGateway) Close() error { return nil }

// sortRecords orders records by most recent activity first, the order the
// web application's session listing uses.
func sortRecords(records []SessionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].LastMessageAt, records[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return records[i].ID < records[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
