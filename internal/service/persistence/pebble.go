package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

// PebbleGateway stores sessions and messages in an embedded pebble database.
//
// Layout:
//
//	session:<id>:meta                  JSON chat.SessionSummary
//	session:<id>:msg:<nanos>:<msgid>   JSON chat.Message
type PebbleGateway struct {
	db *pebble.DB
	// mu serialises read-modify-write cycles on session metadata.
	mu sync.Mutex
}

// OpenPebble opens (creating if needed) the database at path.
func OpenPebble(path string) (*PebbleGateway, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("pebble path is required")
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleGateway{db: db}, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte("session:" + sessionID + ":")
}

func metaKey(sessionID string) []byte {
	return []byte("session:" + sessionID + ":meta")
}

func messagePrefix(sessionID string) []byte {
	return []byte("session:" + sessionID + ":msg:")
}

func messageKey(sessionID string, m chat.Message) []byte {
	return []byte(fmt.Sprintf("session:%s:msg:%020d:%s", sessionID, m.Timestamp.UnixNano(), m.ID))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (g *PebbleGateway) GetMessages(_ context.Context, sessionID string) ([]chat.Message, error) {
	prefix := messagePrefix(sessionID)
	iter, err := g.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, wrap("get messages", err)
	}
	defer iter.Close()

	var out []chat.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m chat.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, wrap("get messages", fmt.Errorf("decode %s: %w", iter.Key(), err))
		}
		out = append(out, m)
	}
	return out, nil
}

func (g *PebbleGateway) CreateMessage(_ context.Context, w MessageWrite) (chat.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sessionID := w.Session.ID
	message := w.Message
	message.SessionID = sessionID
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	summary, found, err := g.loadMeta(sessionID)
	if err != nil {
		return chat.Message{}, wrap("create message", err)
	}
	if !found {
		summary = chat.SessionSummary{
			ID:          sessionID,
			VisitorID:   w.Session.VisitorID,
			VisitorName: w.Session.VisitorName,
			Status:      w.Session.Status,
		}
	}
	at := message.Timestamp
	summary.LastMessageAt = &at

	metaData, err := json.Marshal(summary)
	if err != nil {
		return chat.Message{}, wrap("create message", err)
	}
	msgData, err := json.Marshal(message)
	if err != nil {
		return chat.Message{}, wrap("create message", err)
	}

	batch := g.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(messageKey(sessionID, message), msgData, nil); err != nil {
		return chat.Message{}, wrap("create message", err)
	}
	if err := batch.Set(metaKey(sessionID), metaData, nil); err != nil {
		return chat.Message{}, wrap("create message", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return chat.Message{}, wrap("create message", err)
	}
	return message, nil
}

func (g *PebbleGateway) ListOpenSessions(ctx context.Context) ([]SessionRecord, error) {
	prefix := []byte("session:")
	iter, err := g.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, wrap("list sessions", err)
	}

	var summaries []chat.SessionSummary
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var summary chat.SessionSummary
		if err := json.Unmarshal(iter.Value(), &summary); err != nil {
			iter.Close()
			return nil, wrap("list sessions", fmt.Errorf("decode %s: %w", iter.Key(), err))
		}
		if summary.Status.Open() {
			summaries = append(summaries, summary)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, wrap("list sessions", err)
	}

	out := make([]SessionRecord, 0, len(summaries))
	for _, summary := range summaries {
		record := SessionRecord{SessionSummary: summary}
		latest, ok, err := g.latestMessage(summary.ID)
		if err != nil {
			return nil, wrap("list sessions", err)
		}
		if ok {
			record.Messages = []chat.Message{latest}
		}
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

func (g *PebbleGateway) DeleteSessionAndMessages(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	prefix := sessionPrefix(sessionID)
	return wrap("delete history", g.db.DeleteRange(prefix, prefixEnd(prefix), pebble.Sync))
}

func (g *PebbleGateway) UpsertSessionLastMessage(_ context.Context, sessionID string, at time.Time) error {
	return wrap("update last message", g.updateMeta(sessionID, func(s *chat.SessionSummary) {
		if s.LastMessageAt == nil || at.After(*s.LastMessageAt) {
			t := at
			s.LastMessageAt = &t
		}
	}))
}

func (g *PebbleGateway) UpdateSessionStatus(_ context.Context, sessionID string, status chat.Status) error {
	return wrap("update status", g.updateMeta(sessionID, func(s *chat.SessionSummary) {
		s.Status = status
	}))
}

func (g *PebbleGateway) Close() error {
	return g.db.Close()
}

func (g *PebbleGateway) updateMeta(sessionID string, mutate func(*chat.SessionSummary)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	summary, found, err := g.loadMeta(sessionID)
	if err != nil {
		return err
	}
	if !found {
		summary = chat.SessionSummary{ID: sessionID, Status: chat.StatusWaiting}
	}
	mutate(&summary)

	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return g.db.Set(metaKey(sessionID), data, pebble.Sync)
}

func (g *PebbleGateway) loadMeta(sessionID string) (chat.SessionSummary, bool, error) {
	value, closer, err := g.db.Get(metaKey(sessionID))
	if errors.Is(err, pebble.ErrNotFound) {
		return chat.SessionSummary{}, false, nil
	}
	if err != nil {
		return chat.SessionSummary{}, false, err
	}
	defer closer.Close()

	var summary chat.SessionSummary
	if err := json.Unmarshal(value, &summary); err != nil {
		return chat.SessionSummary{}, false, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return summary, true, nil
}

func (g *PebbleGateway) latestMessage(sessionID string) (chat.Message, bool, error) {
	prefix := messagePrefix(sessionID)
	iter, err := g.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return chat.Message{}, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return chat.Message{}, false, nil
	}
	var m chat.Message
	if err := json.Unmarshal(iter.Value(), &m); err != nil {
		return chat.Message{}, false, fmt.Errorf("decode %s: %w", iter.Key(), err)
	}
	return m, true, nil
}
