package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
	"github.com/zhouzirui/portfolio-chat/relay/internal/service/persistence"
)

type writeJob struct {
	op  string
	run func(ctx context.Context, gw persistence.Gateway) error
}

// writer applies durable writes in submission order on a single goroutine,
// after the realtime side has already broadcast them.
type writer struct {
	gateway persistence.Gateway
	jobs    chan writeJob
	timeout time.Duration
	log     *zap.Logger
	metrics *Metrics
	track   *tracker

	// stored receives the durable copy of a message whose id or timestamp
	// differs from the provisional one. It runs on the writer goroutine.
	stored func(sessionID, provisionalID string, saved chat.Message)
}

func newWriter(gw persistence.Gateway, size int, timeout time.Duration, log *zap.Logger, m *Metrics, t *tracker) *writer {
	return &writer{
		gateway: gw,
		jobs:    make(chan writeJob, size),
		timeout: timeout,
		log:     log,
		metrics: m,
		track:   t,
	}
}

// enqueue never blocks the caller. A full queue drops the write.
func (w *writer) enqueue(job writeJob) {
	w.track.add()
	select {
	case w.jobs <- job:
		w.metrics.pendingWrites.Inc()
	default:
		w.track.done()
		w.metrics.persistFailures.WithLabelValues(job.op).Inc()
		w.log.Error("write-behind queue full, dropping write", zap.String("op", job.op))
	}
}

func (w *writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case job := <-w.jobs:
			w.apply(job)
		}
	}
}

func (w *writer) drain() {
	for {
		select {
		case job := <-w.jobs:
			w.apply(job)
		default:
			return
		}
	}
}

func (w *writer) apply(job writeJob) {
	defer w.track.done()
	defer w.metrics.pendingWrites.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := job.run(ctx, w.gateway); err != nil {
		w.metrics.persistFailures.WithLabelValues(job.op).Inc()
		level := w.log.Warn
		if !errors.Is(err, persistence.ErrPersistence) {
			level = w.log.Error
		}
		level("write-behind failed", zap.String("op", job.op), zap.Error(err))
	}
}

func (w *writer) message(session chat.Session, message chat.Message) {
	write := persistence.MessageWrite{Session: session.Descriptor(), Message: message}
	w.enqueue(writeJob{op: "create_message", run: func(ctx context.Context, gw persistence.Gateway) error {
		saved, err := gw.CreateMessage(ctx, write)
		if err != nil {
			return err
		}
		if w.stored != nil && reassigned(message, saved) {
			w.stored(session.ID, message.ID, saved)
		}
		return nil
	}})
	w.enqueue(writeJob{op: "upsert_last_message", run: func(ctx context.Context, gw persistence.Gateway) error {
		return gw.UpsertSessionLastMessage(ctx, session.ID, message.Timestamp)
	}})
}

func (w *writer) status(sessionID string, status chat.Status) {
	w.enqueue(writeJob{op: "update_status", run: func(ctx context.Context, gw persistence.Gateway) error {
		return gw.UpdateSessionStatus(ctx, sessionID, status)
	}})
}

func reassigned(sent, saved chat.Message) bool {
	if saved.ID == "" {
		return false
	}
	return saved.ID != sent.ID || (!saved.Timestamp.IsZero() && !saved.Timestamp.Equal(sent.Timestamp))
}
