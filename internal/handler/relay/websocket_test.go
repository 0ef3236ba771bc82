package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
	relayService "github.com/zhouzirui/portfolio-chat/relay/internal/service/relay"
)

const testOrigin = "http://localhost:3000"

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *relayService.Engine) {
	t.Helper()

	engine := relayService.New(relayService.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()

	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = []string{testOrigin}
	}
	r := chi.NewRouter()
	NewWebSocketHandler(engine, opts).RegisterRoutes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv, engine
}

func dial(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(relayService.Frame{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// await reads frames until one named event arrives.
func await(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame relayService.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if frame.Event == event {
			return frame.Data
		}
	}
}

func TestWebSocketVisitorAdminRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	admin, _, err := dial(t, srv, testOrigin)
	if err != nil {
		t.Fatalf("dial admin: %v", err)
	}
	defer admin.Close()
	emit(t, admin, relayService.EventJoinAdmin, map[string]string{"adminName": "Owner"})
	await(t, admin, relayService.OutSessionsUpdated)

	visitor, _, err := dial(t, srv, testOrigin)
	if err != nil {
		t.Fatalf("dial visitor: %v", err)
	}
	defer visitor.Close()
	emit(t, visitor, relayService.EventJoinVisitor, map[string]string{"customerId": "v1", "customerName": "Ada"})

	created := await(t, visitor, relayService.OutSessionCreated)
	var descriptor chat.SessionDescriptor
	if err := json.Unmarshal(created, &descriptor); err != nil {
		t.Fatalf("decode descriptor: %v", err)
	}
	if descriptor.Status != chat.StatusWaiting {
		t.Fatalf("unexpected status %s", descriptor.Status)
	}
	var fields map[string]any
	if err := json.Unmarshal(created, &fields); err != nil {
		t.Fatalf("decode descriptor fields: %v", err)
	}
	if fields["customerId"] != "v1" || fields["customerName"] != "Ada" {
		t.Fatalf("descriptor must use the widget's field names, got %s", created)
	}
	await(t, admin, relayService.OutNewVisitorSession)

	emit(t, visitor, relayService.EventVisitorMessage, map[string]string{"sessionId": descriptor.ID, "content": "hello"})
	raw := await(t, admin, relayService.OutNewMessage)
	if !strings.Contains(string(raw), `"senderRole":"customer"`) {
		t.Fatalf("visitor messages must carry senderRole customer, got %s", raw)
	}
	var message chat.Message
	if err := json.Unmarshal(raw, &message); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if message.Content != "hello" || message.SessionID != descriptor.ID || message.SenderRole != chat.RoleVisitor {
		t.Fatalf("unexpected message: %+v", message)
	}

	emit(t, admin, relayService.EventOpenSession, descriptor.ID)
	await(t, visitor, relayService.OutAdminJoined)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	_, resp, err := dial(t, srv, "https://evil.example")
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestWebSocketDisconnectDetaches(t *testing.T) {
	srv, engine := newTestServer(t, Options{})

	visitor, _, err := dial(t, srv, testOrigin)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	emit(t, visitor, relayService.EventJoinVisitor, map[string]string{"visitorId": "v1"})
	await(t, visitor, relayService.OutSessionCreated)
	visitor.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if engine.Connections(chat.RoleVisitor) == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := engine.Connections(chat.RoleVisitor); got != 0 {
		t.Fatalf("connection was never detached, %d visitors registered", got)
	}

	sessions, _ := engine.Sessions()
	if len(sessions) != 1 || sessions[0].Status != chat.StatusWaiting {
		t.Fatalf("session should outlive the connection: %+v", sessions)
	}
}
