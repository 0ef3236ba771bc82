// Package ai drafts the owner-away acknowledgement sent to visitors while
// nobody is online in the admin console.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/portfolio-chat/relay/internal/config"
	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

const historyLimit = 10

// ErrNoVisitorMessage is returned when the session has nothing to answer.
var ErrNoVisitorMessage = errors.New("no visitor message to answer")

// Service runs a prompt → chat model chain to produce one short reply.
type Service struct {
	chain     compose.Runnable[map[string]any, *schema.Message]
	replyName string
	log       *zap.Logger
}

// NewService builds the chain on top of the configured Ark model.
func NewService(ctx context.Context, cfg config.AIConfig, log *zap.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.AutoReplyName, log)
}

// NewServiceWithModel builds the chain on top of any eino chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, replyName string, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{chain: runnable, replyName: replyName, log: log.Named("ai")}, nil
}

// Reply answers the latest visitor message of the session.
func (s *Service) Reply(ctx context.Context, session chat.Session) (string, error) {
	input, err := s.buildChainInput(session)
	if err != nil {
		return "", err
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	text := strings.TrimSpace(response.Content)
	s.log.Info("generated auto-reply",
		zap.String("session", session.ID),
		zap.Int("length", len(text)),
	)
	return text, nil
}

func (s *Service) buildChainInput(session chat.Session) (map[string]any, error) {
	last := -1
	for i := len(session.Messages) - 1; i >= 0; i-- {
		if session.Messages[i].SenderRole == chat.RoleVisitor {
			last = i
			break
		}
	}
	if last < 0 {
		return nil, ErrNoVisitorMessage
	}

	return map[string]any{
		"system":  buildSystemPrompt(s.replyName, session.VisitorName),
		"history": buildHistoryMessages(session.Messages[:last]),
		"query":   session.Messages[last].Content,
	}, nil
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.SenderRole {
		case chat.RoleVisitor:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAdmin:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
