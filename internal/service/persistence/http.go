package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

const (
	messagesPath      = "/api/admin/chat/messages"
	sessionsPath      = "/api/admin/chat/sessions"
	deleteHistoryPath = "/api/admin/chat/deleteHistory"
)

// HTTPGateway talks to the web application's chat API.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway validates baseURL and returns a gateway bound to it.
func NewHTTPGateway(baseURL string, timeout time.Duration) (*HTTPGateway, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid application base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// wireMessage is the application's message shape.
type wireMessage struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SenderRole string    `json:"senderRole"`
	Timestamp  time.Time `json:"timestamp"`
}

// wireSession is the application's session shape. The application still
// calls visitors customers.
type wireSession struct {
	ID           string        `json:"id"`
	CustomerID   string        `json:"customerId"`
	CustomerName string        `json:"customerName"`
	Status       string        `json:"status"`
	LastMessage  *time.Time    `json:"lastMessage"`
	UnreadCount  int           `json:"unreadCount"`
	Messages     []wireMessage `json:"messages"`
}

type createMessageRequest struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	SenderID     string    `json:"senderId"`
	SessionID    string    `json:"sessionId"`
	SenderName   string    `json:"senderName"`
	SenderRole   string    `json:"senderRole"`
	CustomerID   string    `json:"customerId"`
	CustomerName string    `json:"customerName"`
	Timestamp    time.Time `json:"timestamp"`
}

func (g *HTTPGateway) GetMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	endpoint := g.baseURL + messagesPath + "?sessionId=" + url.QueryEscape(sessionID)
	var payload []wireMessage
	if err := g.do(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		return nil, wrap("get messages", err)
	}

	out := make([]chat.Message, 0, len(payload))
	for _, m := range payload {
		out = append(out, m.toMessage(sessionID))
	}
	return out, nil
}

func (g *HTTPGateway) CreateMessage(ctx context.Context, w MessageWrite) (chat.Message, error) {
	body := createMessageRequest{
		ID:           w.Message.ID,
		Content:      w.Message.Content,
		SenderID:     w.Message.SenderID,
		SessionID:    w.Session.ID,
		SenderName:   w.Message.SenderName,
		SenderRole:   roleToWire(w.Message.SenderRole),
		CustomerID:   w.Session.VisitorID,
		CustomerName: w.Session.VisitorName,
		Timestamp:    w.Message.Timestamp,
	}
	var saved wireMessage
	if err := g.do(ctx, http.MethodPost, g.baseURL+messagesPath, body, &saved); err != nil {
		return chat.Message{}, wrap("create message", err)
	}
	return saved.toMessage(w.Session.ID), nil
}

func (g *HTTPGateway) ListOpenSessions(ctx context.Context) ([]SessionRecord, error) {
	var payload []wireSession
	if err := g.do(ctx, http.MethodGet, g.baseURL+sessionsPath, nil, &payload); err != nil {
		return nil, wrap("list sessions", err)
	}

	out := make([]SessionRecord, 0, len(payload))
	for _, s := range payload {
		status := chat.Status(s.Status)
		if !status.Valid() {
			status = chat.StatusWaiting
		}
		if !status.Open() {
			continue
		}
		record := SessionRecord{
			SessionSummary: chat.SessionSummary{
				ID:            s.ID,
				VisitorID:     s.CustomerID,
				VisitorName:   s.CustomerName,
				Status:        status,
				LastMessageAt: s.LastMessage,
				UnreadCount:   s.UnreadCount,
			},
		}
		for _, m := range s.Messages {
			record.Messages = append(record.Messages, m.toMessage(s.ID))
		}
		out = append(out, record)
	}
	return out, nil
}

func (g *HTTPGateway) DeleteSessionAndMessages(ctx context.Context, sessionID string) error {
	body := map[string]string{"sessionId": sessionID}
	return wrap("delete history", g.do(ctx, http.MethodDelete, g.baseURL+deleteHistoryPath, body, nil))
}

// UpsertSessionLastMessage is a no-op: the application's message POST
// already moves the session's lastMessage forward.
func (g *HTTPGateway) UpsertSessionLastMessage(context.Context, string, time.Time) error {
	return nil
}

// UpdateSessionStatus is a no-op: the application exposes no route for
// session status, so status lives only in the relay.
func (g *HTTPGateway) UpdateSessionStatus(context.Context, string, chat.Status) error {
	return nil
}

func (g *HTTPGateway) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

func (g *HTTPGateway) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (m wireMessage) toMessage(sessionID string) chat.Message {
	return chat.Message{
		ID:         m.ID,
		SessionID:  sessionID,
		Content:    m.Content,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SenderRole: roleFromWire(m.SenderRole),
		Timestamp:  m.Timestamp,
	}
}

func roleFromWire(role string) chat.Role {
	if strings.EqualFold(role, string(chat.RoleAdmin)) {
		return chat.RoleAdmin
	}
	return chat.RoleVisitor
}

func roleToWire(role chat.Role) string {
	if role == chat.RoleAdmin {
		return "admin"
	}
	return "customer"
}
