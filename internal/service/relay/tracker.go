package relay

import (
	"context"
	"sync/atomic"
	"time"
)

// tracker counts background work the engine started and has not yet
// folded back into its state.
type tracker struct {
	pending atomic.Int64
}

func (t *tracker) add()  { t.pending.Add(1) }
func (t *tracker) done() { t.pending.Add(-1) }

func (t *tracker) idle() bool { return t.pending.Load() == 0 }

// Quiesce blocks until the inbox has been drained and no gateway task or
// write-behind job is outstanding.
func (e *Engine) Quiesce(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := e.barrier(ctx); err != nil {
			return err
		}
		if e.track.idle() {
			// Continuations posted by finished tasks may still be queued.
			if err := e.barrier(ctx); err != nil {
				return err
			}
			if e.track.idle() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) barrier(ctx context.Context) error {
	return e.call(ctx, func() {})
}
