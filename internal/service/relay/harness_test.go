package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
	"github.com/zhouzirui/portfolio-chat/relay/internal/service/persistence"
)

var errSinkClosed = errors.New("sink closed")

type recorder struct {
	mu     sync.Mutex
	frames []Outbound
	closed bool
	fail   bool
}

func (r *recorder) Send(o Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.fail {
		return errSinkClosed
	}
	r.frames = append(r.frames, o)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) events(name string) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outbound
	for _, f := range r.frames {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) count(name string) int {
	return len(r.events(name))
}

func (r *recorder) last(name string) (Outbound, bool) {
	events := r.events(name)
	if len(events) == 0 {
		return Outbound{}, false
	}
	return events[len(events)-1], true
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

// flakyGateway wraps the in-memory gateway with injectable failures.
type flakyGateway struct {
	*persistence.MemoryGateway
	deleteErr error
	getErr    error

	// assignIDs makes CreateMessage store its own ids, like the web
	// application does.
	assignIDs bool
	mu        sync.Mutex
	nextID    int
}

func (f *flakyGateway) CreateMessage(ctx context.Context, w persistence.MessageWrite) (chat.Message, error) {
	if f.assignIDs {
		f.mu.Lock()
		f.nextID++
		w.Message.ID = fmt.Sprintf("db-%d", f.nextID)
		f.mu.Unlock()
	}
	return f.MemoryGateway.CreateMessage(ctx, w)
}

func (f *flakyGateway) DeleteSessionAndMessages(ctx context.Context, sessionID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemoryGateway.DeleteSessionAndMessages(ctx, sessionID)
}

func (f *flakyGateway) GetMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryGateway.GetMessages(ctx, sessionID)
}

type harness struct {
	t      *testing.T
	engine *Engine
	gw     *flakyGateway
}

func newHarness(t *testing.T, configure ...func(*Options, *flakyGateway)) *harness {
	t.Helper()

	gw := &flakyGateway{MemoryGateway: persistence.NewMemoryGateway()}
	opts := Options{Gateway: gw, OpTimeout: time.Second}
	for _, fn := range configure {
		fn(&opts, gw)
	}
	engine := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, engine: engine, gw: gw}
}

func (h *harness) connect(connID string) *recorder {
	h.t.Helper()
	rec := &recorder{}
	if err := h.engine.Attach(context.Background(), connID, rec); err != nil {
		h.t.Fatalf("attach %s: %v", connID, err)
	}
	return rec
}

func (h *harness) send(connID string, ev Inbound) {
	h.t.Helper()
	if err := h.engine.Submit(context.Background(), connID, ev); err != nil {
		h.t.Fatalf("submit %s from %s: %v", ev.Name(), connID, err)
	}
	h.settle()
}

func (h *harness) detach(connID string) {
	h.t.Helper()
	if err := h.engine.Detach(context.Background(), connID); err != nil {
		h.t.Fatalf("detach %s: %v", connID, err)
	}
	h.settle()
}

func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Quiesce(ctx); err != nil {
		h.t.Fatalf("quiesce: %v", err)
	}
}

// visitor connects and joins, returning the sink and the session id.
func (h *harness) visitor(connID, visitorID string) (*recorder, string) {
	h.t.Helper()
	rec := h.connect(connID)
	h.send(connID, JoinVisitor{VisitorID: visitorID, VisitorName: "Guest " + visitorID})
	frame, ok := rec.last(OutSessionCreated)
	if !ok {
		h.t.Fatalf("visitor %s got no %s", visitorID, OutSessionCreated)
	}
	return rec, frame.Data.(chat.SessionDescriptor).ID
}

func (h *harness) admin(connID string) *recorder {
	h.t.Helper()
	rec := h.connect(connID)
	h.send(connID, JoinAdmin{AdminID: "owner", AdminName: "Owner"})
	return rec
}

func (h *harness) session(id string) chat.Session {
	h.t.Helper()
	session, ok := h.engine.Session(id)
	if !ok {
		h.t.Fatalf("session %s not found", id)
	}
	return session
}

func persistenceWrite(session chat.SessionDescriptor, id, content string) persistence.MessageWrite {
	return persistence.MessageWrite{
		Session: session,
		Message: chat.Message{
			ID:         id,
			Content:    content,
			SenderID:   session.VisitorID,
			SenderName: session.VisitorName,
			SenderRole: chat.RoleVisitor,
			Timestamp:  time.Now().UTC().Add(-time.Hour),
		},
	}
}
