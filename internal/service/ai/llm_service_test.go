package ai

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

type fakeChatModel struct {
	mu     sync.Mutex
	inputs [][]*schema.Message
	reply  string
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeChatModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func TestReplyBuildsPromptFromSession(t *testing.T) {
	fake := &fakeChatModel{reply: "  Thanks! The owner will get back to you soon.  "}
	svc, err := NewServiceWithModel(context.Background(), fake, "Away bot", nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	session := chat.Session{
		ID:          "s1",
		VisitorName: "Ada",
		Messages: []chat.Message{
			{ID: "m1", Content: "hello", SenderRole: chat.RoleVisitor},
			{ID: "m2", Content: "hi Ada", SenderRole: chat.RoleAdmin},
			{ID: "m3", Content: "are you available for a project?", SenderRole: chat.RoleVisitor},
		},
	}

	text, err := svc.Reply(context.Background(), session)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if text != "Thanks! The owner will get back to you soon." {
		t.Fatalf("unexpected reply %q", text)
	}

	if len(fake.inputs) != 1 {
		t.Fatalf("expected one model call, got %d", len(fake.inputs))
	}
	input := fake.inputs[0]
	if len(input) != 4 {
		t.Fatalf("expected system + 2 history + query, got %d messages", len(input))
	}
	if input[0].Role != schema.System || !strings.Contains(input[0].Content, "Away bot") {
		t.Fatalf("unexpected system message: %+v", input[0])
	}
	if input[2].Role != schema.Assistant || input[2].Content != "hi Ada" {
		t.Fatalf("admin history not mapped to assistant: %+v", input[2])
	}
	if last := input[3]; last.Role != schema.User || last.Content != "are you available for a project?" {
		t.Fatalf("unexpected query message: %+v", last)
	}
}

func TestReplyWithoutVisitorMessage(t *testing.T) {
	svc, err := NewServiceWithModel(context.Background(), &fakeChatModel{reply: "x"}, "bot", nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Reply(context.Background(), chat.Session{ID: "s1"}); err != ErrNoVisitorMessage {
		t.Fatalf("expected ErrNoVisitorMessage, got %v", err)
	}
}

func TestBuildHistoryMessagesKeepsRecentWindow(t *testing.T) {
	messages := make([]chat.Message, 0, 15)
	for i := 0; i < 15; i++ {
		messages = append(messages, chat.Message{Content: string(rune('a' + i)), SenderRole: chat.RoleVisitor})
	}

	history := buildHistoryMessages(messages)
	if len(history) != historyLimit {
		t.Fatalf("expected %d messages, got %d", historyLimit, len(history))
	}
	if history[0].Content != "f" {
		t.Fatalf("expected window to start at the 6th message, got %q", history[0].Content)
	}
}
