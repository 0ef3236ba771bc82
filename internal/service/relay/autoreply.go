package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

// AutoReplySenderID marks messages written by the Responder.
const AutoReplySenderID = "auto-reply"

// maybeAutoReply asks the Responder for one acknowledgement per session,
// and only while no admin is connected at all.
func (e *Engine) maybeAutoReply(session chat.Session) {
	if e.responder == nil {
		return
	}
	if _, done := e.replied[session.ID]; done {
		return
	}
	if len(e.registry.AdminConnections()) > 0 {
		return
	}
	e.replied[session.ID] = struct{}{}

	snapshot := session.Clone()
	e.spawn("auto_reply", func(ctx context.Context) func() {
		text, err := e.responder.Reply(ctx, snapshot)
		return func() { e.finishAutoReply(snapshot.ID, text, err) }
	})
}

func (e *Engine) finishAutoReply(sessionID, text string, replyErr error) {
	if replyErr != nil {
		e.log.Warn("auto-reply failed", zap.String("session", sessionID), zap.Error(replyErr))
		return
	}
	if text == "" {
		return
	}
	session, ok := e.store.Get(sessionID)
	if !ok || !session.Status.Open() {
		return
	}
	if len(e.registry.AdminConnections()) > 0 {
		e.log.Debug("admin came online, auto-reply discarded", zap.String("session", sessionID))
		return
	}

	message := chat.Message{
		ID:         newMessageID(),
		SessionID:  sessionID,
		Content:    text,
		SenderID:   AutoReplySenderID,
		SenderName: e.replyName,
		SenderRole: chat.RoleAdmin,
		Timestamp:  e.now(),
	}
	updated, err := e.store.Append(sessionID, message)
	if err != nil {
		return
	}
	e.deliver(updated, message)
	e.notifier.refreshAdmins()
}
