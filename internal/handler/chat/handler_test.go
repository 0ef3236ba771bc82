package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

type staticLister struct {
	list     []chat.SessionSummary
	revision uint64
}

func (s staticLister) Sessions() ([]chat.SessionSummary, uint64) {
	return s.list, s.revision
}

func setupRouter(lister SessionLister) *chi.Mux {
	r := chi.NewRouter()
	New(lister).RegisterRoutes(r)
	return r
}

func TestListSessions(t *testing.T) {
	r := setupRouter(staticLister{
		list: []chat.SessionSummary{
			{ID: "s1", VisitorID: "v1", VisitorName: "Ada", Status: chat.StatusWaiting, UnreadCount: 2},
		},
		revision: 7,
	})

	req := httptest.NewRequest(http.MethodGet, "/chat/sessions", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Revision != 7 || len(body.Sessions) != 1 || body.Sessions[0].UnreadCount != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestListSessionsEmptyIsArray(t *testing.T) {
	r := setupRouter(staticLister{})

	req := httptest.NewRequest(http.MethodGet, "/chat/sessions", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["sessions"]) != "[]" {
		t.Fatalf("expected empty array, got %s", raw["sessions"])
	}
}

func TestListSessionsWithoutEngine(t *testing.T) {
	r := setupRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/chat/sessions", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}
