package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

func frame(event, data string) Frame {
	return Frame{Event: event, Data: json.RawMessage(data)}
}

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  Inbound
	}{
		{
			name:  "widget join payload",
			frame: frame(EventJoinVisitor, `{"customerId":"c-1","customerName":"Ada"}`),
			want:  JoinVisitor{VisitorID: "c-1", VisitorName: "Ada"},
		},
		{
			name:  "customer id wins over alias",
			frame: frame(EventJoinVisitor, `{"customerId":"c-1","visitorId":"v-1"}`),
			want:  JoinVisitor{VisitorID: "c-1", VisitorName: "Visitor"},
		},
		{
			name:  "visitor join alias",
			frame: frame(EventJoinVisitor, `{"visitorId":" v1 ","visitorName":"Ada"}`),
			want:  JoinVisitor{VisitorID: "v1", VisitorName: "Ada"},
		},
		{
			name:  "visitor join default name",
			frame: frame(EventJoinVisitor, `{"visitorId":"v1"}`),
			want:  JoinVisitor{VisitorID: "v1", VisitorName: "Visitor"},
		},
		{
			name:  "admin join",
			frame: frame(EventJoinAdmin, `{"adminName":"Owner"}`),
			want:  JoinAdmin{AdminName: "Owner"},
		},
		{
			name:  "visitor message trimmed",
			frame: frame(EventVisitorMessage, `{"sessionId":"s1","content":"  hi  "}`),
			want:  SendMessage{SessionID: "s1", Content: "hi", Role: chat.RoleVisitor},
		},
		{
			name:  "admin message",
			frame: frame(EventAdminMessage, `{"sessionId":"s1","content":"hello"}`),
			want:  SendMessage{SessionID: "s1", Content: "hello", Role: chat.RoleAdmin},
		},
		{
			name:  "open session bare id",
			frame: frame(EventOpenSession, `"s1"`),
			want:  OpenSession{SessionID: "s1"},
		},
		{
			name:  "close session object",
			frame: frame(EventCloseSession, `{"sessionId":"s1"}`),
			want:  CloseSession{SessionID: "s1"},
		},
		{
			name:  "history",
			frame: frame(EventRequestHistory, `{"sessionId":"s1"}`),
			want:  RequestHistory{SessionID: "s1"},
		},
		{
			name:  "delete",
			frame: frame(EventDeleteHistory, `{"sessionId":"s1"}`),
			want:  DeleteHistory{SessionID: "s1"},
		},
		{
			name:  "admin typing",
			frame: frame(EventAdminTyping, `{"sessionId":"s1","isTyping":true}`),
			want:  Typing{SessionID: "s1", IsTyping: true, Role: chat.RoleAdmin},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound(tt.frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
			if got.Name() != tt.frame.Event {
				t.Fatalf("name %q does not round trip %q", got.Name(), tt.frame.Event)
			}
		})
	}
}

func TestDecodeInboundRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  error
	}{
		{"unknown event", frame("disconnect", `{}`), ErrUnknownEvent},
		{"missing data", Frame{Event: EventJoinVisitor}, ErrInvalidPayload},
		{"empty visitor id", frame(EventJoinVisitor, `{"visitorId":"  "}`), ErrInvalidPayload},
		{"empty customer id", frame(EventJoinVisitor, `{"customerId":"","customerName":"Ada"}`), ErrInvalidPayload},
		{"blank content", frame(EventVisitorMessage, `{"sessionId":"s1","content":"   "}`), ErrInvalidPayload},
		{"missing session", frame(EventAdminMessage, `{"content":"hi"}`), ErrInvalidPayload},
		{"malformed json", frame(EventVisitorTyping, `{"sessionId":`), ErrInvalidPayload},
		{"empty session ref", frame(EventLeaveSession, `""`), ErrInvalidPayload},
		{"wrong ref type", frame(EventOpenSession, `42`), ErrInvalidPayload},
		{
			"content too long",
			frame(EventVisitorMessage, `{"sessionId":"s1","content":"`+strings.Repeat("a", MaxContentLength+1)+`"}`),
			ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
