package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
	chatsvc "github.com/zhouzirui/portfolio-chat/relay/internal/service/chat"
	"github.com/zhouzirui/portfolio-chat/relay/internal/service/persistence"
)

func (e *Engine) joinVisitor(connID string, ev JoinVisitor) error {
	if _, live := e.outlets[connID]; !live {
		return ErrUnknownConnection
	}
	// Re-announcing the same identity keeps the subscription and simply
	// replays the join reply.
	if prev, ok := e.registry.Lookup(connID); ok && (prev.Role != chat.RoleVisitor || prev.VisitorID != ev.VisitorID) {
		e.release(connID, prev)
	}

	e.registry.Register(chat.Connection{
		ID:          connID,
		Role:        chat.RoleVisitor,
		DisplayName: ev.VisitorName,
		VisitorID:   ev.VisitorID,
	})
	e.updateConnectionGauges()

	session, found := e.store.FindOpenForVisitor(ev.VisitorID)
	if !found {
		session = e.store.Create(ev.VisitorID, ev.VisitorName)
		e.registry.SetSession(connID, session.ID)
		e.rooms.join(session.ID, connID)
		e.emitTo(connID, OutSessionCreated, session.Descriptor())
		e.emitRoom(AdminRoom, OutNewVisitorSession, session.Summary())
		e.notifier.refreshAdmins()
		e.log.Info("session created",
			zap.String("session", session.ID),
			zap.String("visitor", ev.VisitorID),
		)
		return nil
	}

	e.registry.SetSession(connID, session.ID)
	e.rooms.join(session.ID, connID)
	sessionID := session.ID
	e.spawn("get_messages", func(ctx context.Context) func() {
		durable, err := e.gateway.GetMessages(ctx, sessionID)
		return func() { e.finishVisitorJoin(connID, sessionID, durable, err) }
	})
	return nil
}

func (e *Engine) finishVisitorJoin(connID, sessionID string, durable []chat.Message, loadErr error) {
	session, ok := e.hydrate(sessionID, durable, loadErr)
	if !ok {
		return
	}
	if !e.rooms.has(sessionID, connID) {
		return
	}
	e.emitTo(connID, OutSessionCreated, session.Descriptor())
	if len(session.Messages) > 0 {
		e.emitTo(connID, OutHistory, session.Messages)
	}
	e.notifier.refreshAdmins()
}

// hydrate merges a gateway read into the store. A failed read degrades to
// the in-memory buffer.
func (e *Engine) hydrate(sessionID string, durable []chat.Message, loadErr error) (chat.Session, bool) {
	if loadErr != nil {
		e.metrics.persistFailures.WithLabelValues("get_messages").Inc()
		e.log.Warn("history load failed, serving in-memory buffer",
			zap.String("session", sessionID),
			zap.Error(loadErr),
		)
		return e.store.Get(sessionID)
	}
	session, err := e.store.Hydrate(sessionID, durable)
	if err != nil {
		return chat.Session{}, false
	}
	return session, true
}

func (e *Engine) joinAdmin(connID string, ev JoinAdmin) error {
	if _, live := e.outlets[connID]; !live {
		return ErrUnknownConnection
	}
	if prev, ok := e.registry.Lookup(connID); ok && prev.Role != chat.RoleAdmin {
		e.release(connID, prev)
	}

	adminID := ev.AdminID
	if adminID == "" {
		adminID = connID
	}
	e.registry.Register(chat.Connection{
		ID:          connID,
		Role:        chat.RoleAdmin,
		DisplayName: ev.AdminName,
		AdminID:     adminID,
	})
	e.rooms.join(AdminRoom, connID)
	e.updateConnectionGauges()

	e.spawn("list_open_sessions", func(ctx context.Context) func() {
		records, err := e.gateway.ListOpenSessions(ctx)
		return func() { e.finishAdminJoin(connID, records, err) }
	})
	return nil
}

func (e *Engine) finishAdminJoin(connID string, records []persistence.SessionRecord, loadErr error) {
	adopted := 0
	if loadErr != nil {
		e.metrics.persistFailures.WithLabelValues("list_open_sessions").Inc()
		e.log.Warn("open session load failed, serving in-memory list", zap.Error(loadErr))
	}
	for _, record := range records {
		if !e.store.Adopt(record.SessionSummary) {
			continue
		}
		if len(record.Messages) > 0 {
			if _, err := e.store.Hydrate(record.ID, record.Messages); err != nil {
				e.log.Warn("seeding adopted session failed", zap.String("session", record.ID), zap.Error(err))
			}
		}
		adopted++
	}

	if adopted > 0 {
		e.log.Info("adopted durable sessions", zap.Int("count", adopted))
		e.notifier.refreshAdmins()
		return
	}
	if conn, ok := e.registry.Lookup(connID); ok && conn.Role == chat.RoleAdmin {
		e.emitTo(connID, OutSessionsUpdated, e.notifier.snapshot())
	}
}

func (e *Engine) sendMessage(connID string, ev SendMessage) error {
	conn, err := e.authorize(connID, ev.Role)
	if err != nil {
		return err
	}
	session, err := e.sessionFor(conn, ev.SessionID)
	if err != nil {
		return err
	}
	if !session.Status.Open() {
		return ErrSessionClosed
	}

	senderID := conn.VisitorID
	if ev.Role == chat.RoleAdmin {
		senderID = conn.AdminID
	}
	message := chat.Message{
		ID:         newMessageID(),
		SessionID:  session.ID,
		Content:    ev.Content,
		SenderID:   senderID,
		SenderName: conn.DisplayName,
		SenderRole: ev.Role,
		Timestamp:  e.now(),
	}
	updated, err := e.store.Append(session.ID, message)
	if err != nil {
		return unknownSession(err)
	}

	switch ev.Role {
	case chat.RoleVisitor:
		if !e.adminAttached(session.ID) {
			if err := e.store.IncrementUnread(session.ID); err != nil {
				return unknownSession(err)
			}
		}
	case chat.RoleAdmin:
		if updated.Status != chat.StatusActive {
			e.transition(session.ID, chat.StatusActive)
		}
	}

	e.deliver(updated, message)
	e.notifier.refreshAdmins()

	if ev.Role == chat.RoleVisitor {
		e.maybeAutoReply(updated)
	}
	return nil
}

// deliver fans a message out to the session room and the admin room and
// queues its durable write.
func (e *Engine) deliver(session chat.Session, message chat.Message) {
	e.emitRooms([]string{session.ID, AdminRoom}, OutNewMessage, message)
	e.writer.message(session, message)
	e.metrics.messages.WithLabelValues(string(message.SenderRole)).Inc()
}

// storedMessage is called by the writer once the durable store has
// assigned its own id. The swap runs on the loop like any other event.
func (e *Engine) storedMessage(sessionID, provisionalID string, saved chat.Message) {
	err := e.post(context.Background(), func() {
		changed, err := e.store.Reassign(sessionID, provisionalID, saved)
		if err != nil {
			e.log.Debug("stored message for vanished session",
				zap.String("session", sessionID),
				zap.String("message", provisionalID),
			)
			return
		}
		if changed {
			e.log.Debug("message id reassigned",
				zap.String("session", sessionID),
				zap.String("from", provisionalID),
				zap.String("to", saved.ID),
			)
		}
	})
	if err != nil && !errors.Is(err, ErrStopped) {
		e.log.Warn("dropping stored message id", zap.String("message", provisionalID), zap.Error(err))
	}
}

func (e *Engine) openSession(connID string, ev OpenSession) error {
	conn, err := e.authorize(connID, chat.RoleAdmin)
	if err != nil {
		return err
	}
	session, ok := e.store.Get(ev.SessionID)
	if !ok {
		return ErrUnknownSession
	}

	e.rooms.join(session.ID, connID)
	if session.Status.Open() {
		e.transition(session.ID, chat.StatusActive)
		e.emitVisitors(session.ID, OutAdminJoined, PresencePayload{SessionID: session.ID, AdminName: conn.DisplayName})
	}
	if err := e.store.ResetUnread(session.ID); err != nil {
		return unknownSession(err)
	}
	e.notifier.refreshAdmins()

	sessionID := session.ID
	e.spawn("get_messages", func(ctx context.Context) func() {
		durable, err := e.gateway.GetMessages(ctx, sessionID)
		return func() {
			hydrated, ok := e.hydrate(sessionID, durable, err)
			if !ok || !e.rooms.has(sessionID, connID) {
				return
			}
			e.emitTo(connID, OutMessages, HistoryPayload{SessionID: sessionID, Messages: hydrated.Messages})
		}
	})
	return nil
}

func (e *Engine) leaveSession(connID string, ev LeaveSession) error {
	conn, err := e.authorize(connID, chat.RoleAdmin)
	if err != nil {
		return err
	}
	session, ok := e.store.Get(ev.SessionID)
	if !ok {
		return ErrUnknownSession
	}

	e.rooms.leave(session.ID, connID)
	if session.Status.Open() {
		if !e.adminAttached(session.ID) {
			e.transition(session.ID, chat.StatusWaiting)
		}
		e.emitVisitors(session.ID, OutAdminLeft, PresencePayload{SessionID: session.ID, AdminName: conn.DisplayName})
	}
	e.notifier.refreshAdmins()
	return nil
}

func (e *Engine) closeByAdmin(connID string, ev CloseSession) error {
	if _, err := e.authorize(connID, chat.RoleAdmin); err != nil {
		return err
	}
	if _, ok := e.store.Get(ev.SessionID); !ok {
		return ErrUnknownSession
	}
	if e.closeSession(ev.SessionID) {
		e.notifier.refreshAdmins()
	}
	return nil
}

// closeSession moves an open session to closed and tells its room. It
// reports false when the session was missing or already closed.
func (e *Engine) closeSession(sessionID string) bool {
	session, ok := e.store.Get(sessionID)
	if !ok || !session.Status.Open() {
		return false
	}
	closed, changed := e.transition(sessionID, chat.StatusClosed)
	if !changed {
		return false
	}
	e.emitRoom(sessionID, OutSessionUpdated, closed.Descriptor())
	delete(e.replied, sessionID)
	e.log.Info("session closed", zap.String("session", sessionID))
	return true
}

func (e *Engine) requestHistory(connID string, ev RequestHistory) error {
	conn, ok := e.registry.Lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	session, err := e.sessionFor(conn, ev.SessionID)
	if err != nil {
		return err
	}
	e.emitTo(connID, OutMessages, HistoryPayload{SessionID: session.ID, Messages: session.Messages})
	return nil
}

func (e *Engine) deleteHistory(connID string, ev DeleteHistory) error {
	if _, err := e.authorize(connID, chat.RoleAdmin); err != nil {
		return err
	}
	if _, ok := e.store.Get(ev.SessionID); !ok {
		return ErrUnknownSession
	}

	sessionID := ev.SessionID
	e.spawn("delete_session", func(ctx context.Context) func() {
		err := e.gateway.DeleteSessionAndMessages(ctx, sessionID)
		return func() {
			if err != nil {
				e.metrics.persistFailures.WithLabelValues("delete_session").Inc()
				e.log.Error("history deletion failed, session kept",
					zap.String("session", sessionID),
					zap.String("admin_conn", connID),
					zap.Error(err),
				)
				return
			}
			e.removeSession(sessionID)
		}
	})
	return nil
}

// removeSession drops a session everywhere after the durable store
// confirmed deletion.
func (e *Engine) removeSession(sessionID string) {
	members := e.rooms.list(sessionID)
	e.store.Remove(sessionID)
	delete(e.replied, sessionID)

	e.emitRoom(AdminRoom, OutSessionRemoved, SessionRef{SessionID: sessionID})
	for _, id := range members {
		conn, ok := e.registry.Lookup(id)
		if !ok || conn.Role != chat.RoleVisitor {
			continue
		}
		e.emitTo(id, OutSessionDeleted, SessionRef{SessionID: sessionID})
		e.registry.SetSession(id, "")
	}
	e.rooms.drop(sessionID)
	e.notifier.refreshAdmins()
	e.log.Info("session history deleted", zap.String("session", sessionID))
}

func (e *Engine) typing(connID string, ev Typing) error {
	conn, err := e.authorize(connID, ev.Role)
	if err != nil {
		return err
	}
	session, err := e.sessionFor(conn, ev.SessionID)
	if err != nil {
		return err
	}

	payload := TypingPayload{SessionID: session.ID, IsTyping: ev.IsTyping}
	if ev.Role == chat.RoleVisitor {
		e.emitRoom(AdminRoom, OutVisitorTyping, payload)
		return nil
	}
	e.emitVisitors(session.ID, OutAdminTyping, payload)
	return nil
}

func (e *Engine) disconnect(connID string) {
	if sink, ok := e.outlets[connID]; ok {
		sink.Close()
		delete(e.outlets, connID)
	}
	conn, ok := e.registry.Lookup(connID)
	if !ok {
		return
	}
	e.release(connID, conn)
	e.registry.Remove(connID)
	e.updateConnectionGauges()
	e.log.Debug("connection detached", zap.String("conn", connID), zap.String("role", string(conn.Role)))
}

// release undoes every room membership of conn and the status effects
// that come with it. The registry entry is left to the caller.
func (e *Engine) release(connID string, conn chat.Connection) {
	changed := false
	for _, room := range e.rooms.of(connID) {
		e.rooms.leave(room, connID)
		if room == AdminRoom {
			continue
		}
		session, ok := e.store.Get(room)
		if !ok || session.Status != chat.StatusActive {
			continue
		}
		switch conn.Role {
		case chat.RoleVisitor:
			e.transition(room, chat.StatusWaiting)
			changed = true
		case chat.RoleAdmin:
			if !e.adminAttached(room) {
				e.transition(room, chat.StatusWaiting)
				changed = true
			}
			e.emitVisitors(room, OutAdminLeft, PresencePayload{SessionID: room, AdminName: conn.DisplayName})
		}
	}
	if conn.Role == chat.RoleVisitor {
		e.registry.SetSession(connID, "")
	}
	if changed {
		e.notifier.refreshAdmins()
	}
}

// transition sets the session status and announces it. It is a no-op when
// the status is unchanged.
func (e *Engine) transition(sessionID string, status chat.Status) (chat.Session, bool) {
	current, ok := e.store.Get(sessionID)
	if !ok {
		return chat.Session{}, false
	}
	if current.Status == status {
		return current, false
	}
	updated, err := e.store.SetStatus(sessionID, status)
	if err != nil {
		e.log.Error("status change rejected", zap.String("session", sessionID), zap.Error(err))
		return current, false
	}
	e.emitRooms([]string{sessionID, AdminRoom}, OutStatusUpdated, StatusPayload{SessionID: sessionID, Status: status})
	e.writer.status(sessionID, status)
	return updated, true
}

func (e *Engine) authorize(connID string, role chat.Role) (chat.Connection, error) {
	conn, ok := e.registry.Lookup(connID)
	if !ok {
		return chat.Connection{}, ErrUnknownConnection
	}
	if conn.Role != role {
		return chat.Connection{}, fmt.Errorf("%w: %s acting as %s", ErrRoleMismatch, conn.Role, role)
	}
	return conn, nil
}

// sessionFor resolves a session the connection may act on. Visitors are
// limited to the session they are subscribed to.
func (e *Engine) sessionFor(conn chat.Connection, sessionID string) (chat.Session, error) {
	session, ok := e.store.Get(sessionID)
	if !ok {
		return chat.Session{}, ErrUnknownSession
	}
	if conn.Role == chat.RoleVisitor && conn.SessionID != session.ID {
		return chat.Session{}, ErrForeignSession
	}
	return session, nil
}

func unknownSession(err error) error {
	if errors.Is(err, chatsvc.ErrSessionNotFound) {
		return ErrUnknownSession
	}
	return err
}

func newMessageID() string {
	return "msg_" + uuid.NewString()
}
