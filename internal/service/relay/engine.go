// Package relay is the realtime chat relay. A single event loop owns the
// session store, connection registry and broadcast rooms; transports feed
// it inbound events and receive outbound frames through a Sink.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
	chatsvc "github.com/zhouzirui/portfolio-chat/relay/internal/service/chat"
	"github.com/zhouzirui/portfolio-chat/relay/internal/service/persistence"
)

const (
	defaultOpTimeout      = 5 * time.Second
	defaultInboxSize      = 256
	defaultWriteQueueSize = 1024
	defaultAutoReplyName  = "Assistant"
)

// Sink delivers outbound frames to one connection. Send must not block;
// an error means the connection cannot keep up and will be closed.
type Sink interface {
	Send(Outbound) error
	Close()
}

// Responder drafts an automatic reply while no admin is online.
type Responder interface {
	Reply(ctx context.Context, session chat.Session) (string, error)
}

// Options configures an Engine.
type Options struct {
	Gateway persistence.Gateway
	Logger  *zap.Logger
	Metrics *Metrics

	// Responder is optional; nil disables automatic replies.
	Responder     Responder
	AutoReplyName string

	OpTimeout      time.Duration
	InboxSize      int
	WriteQueueSize int
	Clock          func() time.Time
}

// Engine is the relay state machine.
type Engine struct {
	store    *chatsvc.Store
	registry *chatsvc.Registry
	rooms    *rooms
	outlets  map[string]Sink

	gateway   persistence.Gateway
	writer    *writer
	notifier  *notifier
	responder Responder
	replyName string
	replied   map[string]struct{}

	log       *zap.Logger
	metrics   *Metrics
	opTimeout time.Duration
	now       func() time.Time

	inbox    chan func()
	done     chan struct{}
	stopOnce sync.Once
	track    *tracker
}

// New builds an engine. Run must be called before events are accepted.
func New(opts Options) *Engine {
	if opts.Gateway == nil {
		opts.Gateway = persistence.NewMemoryGateway()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.WriteQueueSize <= 0 {
		opts.WriteQueueSize = defaultWriteQueueSize
	}
	if opts.AutoReplyName == "" {
		opts.AutoReplyName = defaultAutoReplyName
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	log := opts.Logger.Named("relay")
	store := chatsvc.NewStore()
	track := &tracker{}
	e := &Engine{
		store:     store,
		registry:  chatsvc.NewRegistry(),
		rooms:     newRooms(),
		outlets:   make(map[string]Sink),
		gateway:   opts.Gateway,
		responder: opts.Responder,
		replyName: opts.AutoReplyName,
		replied:   make(map[string]struct{}),
		log:       log,
		metrics:   opts.Metrics,
		opTimeout: opts.OpTimeout,
		now:       opts.Clock,
		inbox:     make(chan func(), opts.InboxSize),
		done:      make(chan struct{}),
		track:     track,
	}
	e.writer = newWriter(opts.Gateway, opts.WriteQueueSize, opts.OpTimeout, log.Named("writer"), opts.Metrics, track)
	e.writer.stored = e.storedMessage
	e.notifier = &notifier{store: store, emit: e.emitRoom, metrics: opts.Metrics}
	return e
}

// Run processes events until ctx is cancelled. Every live sink is closed
// on the way out.
func (e *Engine) Run(ctx context.Context) error {
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		e.writer.run(writerCtx)
	}()

	e.log.Info("relay engine started")
	defer func() {
		e.stopOnce.Do(func() { close(e.done) })
		for id, sink := range e.outlets {
			sink.Close()
			delete(e.outlets, id)
		}
		stopWriter()
		<-writerDone
		e.log.Info("relay engine stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.inbox:
			fn()
		}
	}
}

// Attach makes a freshly connected transport reachable. The connection
// has no role until it sends a join event.
func (e *Engine) Attach(ctx context.Context, connID string, sink Sink) error {
	return e.post(ctx, func() {
		if old, ok := e.outlets[connID]; ok && old != sink {
			old.Close()
		}
		e.outlets[connID] = sink
		e.log.Debug("connection attached", zap.String("conn", connID))
	})
}

// Detach runs disconnect cleanup for the connection.
func (e *Engine) Detach(ctx context.Context, connID string) error {
	return e.post(ctx, func() { e.disconnect(connID) })
}

// Submit queues an inbound event from connID.
func (e *Engine) Submit(ctx context.Context, connID string, ev Inbound) error {
	return e.post(ctx, func() { e.handle(connID, ev) })
}

// CloseIdle closes waiting sessions with no activity for longer than ttl
// and reports how many it closed.
func (e *Engine) CloseIdle(ctx context.Context, ttl time.Duration) (int, error) {
	var closed int
	err := e.call(ctx, func() {
		cutoff := e.now().Add(-ttl)
		for _, id := range e.store.Idle(cutoff) {
			if e.closeSession(id) {
				closed++
			}
		}
		if closed > 0 {
			e.notifier.refreshAdmins()
		}
	})
	return closed, err
}

// Sessions returns the open-session listing and the number of list pushes
// admins have received so far. Safe from any goroutine.
func (e *Engine) Sessions() ([]chat.SessionSummary, uint64) {
	return e.store.ListOpen(), e.notifier.revision.Load()
}

// Session returns a copy of the session. Safe from any goroutine.
func (e *Engine) Session(id string) (chat.Session, bool) {
	return e.store.Get(id)
}

// Connection returns the registered identity of connID. Safe from any
// goroutine.
func (e *Engine) Connection(connID string) (chat.Connection, bool) {
	return e.registry.Lookup(connID)
}

// Connections counts registered connections of role. Safe from any
// goroutine.
func (e *Engine) Connections(role chat.Role) int {
	return e.registry.Count(role)
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func (e *Engine) post(ctx context.Context, fn func()) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.inbox <- fn:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for it to finish.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := e.post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs work off the loop with a bounded context and feeds the
// continuation it returns back through the inbox.
func (e *Engine) spawn(op string, work func(ctx context.Context) func()) {
	e.track.add()
	go func() {
		defer e.track.done()

		ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout)
		apply := work(ctx)
		cancel()
		if apply == nil {
			return
		}
		if err := e.post(context.Background(), apply); err != nil && !errors.Is(err, ErrStopped) {
			e.log.Warn("dropping continuation", zap.String("op", op), zap.Error(err))
		}
	}()
}

func (e *Engine) handle(connID string, ev Inbound) {
	err := e.dispatch(connID, ev)
	e.metrics.events.WithLabelValues(ev.Name(), outcomeOf(err)).Inc()
	if err != nil {
		e.log.Info("event dropped",
			zap.String("event", ev.Name()),
			zap.String("conn", connID),
			zap.Error(err),
		)
	}
}

func (e *Engine) dispatch(connID string, ev Inbound) error {
	switch ev := ev.(type) {
	case JoinVisitor:
		return e.joinVisitor(connID, ev)
	case JoinAdmin:
		return e.joinAdmin(connID, ev)
	case SendMessage:
		return e.sendMessage(connID, ev)
	case OpenSession:
		return e.openSession(connID, ev)
	case LeaveSession:
		return e.leaveSession(connID, ev)
	case CloseSession:
		return e.closeByAdmin(connID, ev)
	case RequestHistory:
		return e.requestHistory(connID, ev)
	case DeleteHistory:
		return e.deleteHistory(connID, ev)
	case Typing:
		return e.typing(connID, ev)
	default:
		return ErrUnknownEvent
	}
}

// Emission helpers. Each connection receives at most one copy per call.

func (e *Engine) emitTo(connID, event string, data any) {
	sink, ok := e.outlets[connID]
	if !ok {
		return
	}
	if err := sink.Send(Outbound{Event: event, Data: data}); err != nil {
		e.metrics.droppedFrames.Inc()
		e.log.Warn("outbound frame dropped, closing connection",
			zap.String("conn", connID),
			zap.String("event", event),
			zap.Error(err),
		)
		sink.Close()
		delete(e.outlets, connID)
	}
}

func (e *Engine) emitRoom(room, event string, data any) {
	e.emitRooms([]string{room}, event, data)
}

func (e *Engine) emitRooms(names []string, event string, data any) {
	for _, id := range e.rooms.union(names...) {
		e.emitTo(id, event, data)
	}
}

// emitVisitors targets visitor members of a session room.
func (e *Engine) emitVisitors(sessionID, event string, data any) {
	for _, id := range e.rooms.list(sessionID) {
		if conn, ok := e.registry.Lookup(id); ok && conn.Role == chat.RoleVisitor {
			e.emitTo(id, event, data)
		}
	}
}

func (e *Engine) adminAttached(sessionID string) bool {
	for _, id := range e.rooms.list(sessionID) {
		if conn, ok := e.registry.Lookup(id); ok && conn.Role == chat.RoleAdmin {
			return true
		}
	}
	return false
}

func (e *Engine) updateConnectionGauges() {
	e.metrics.setConnections(chat.RoleVisitor, e.registry.Count(chat.RoleVisitor))
	e.metrics.setConnections(chat.RoleAdmin, e.registry.Count(chat.RoleAdmin))
}
