// Package sweep closes waiting sessions that have gone quiet, on a cron
// schedule.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Closer is the part of the relay engine the sweeper drives.
type Closer interface {
	CloseIdle(ctx context.Context, ttl time.Duration) (int, error)
}

// Scheduler runs one sweep per cron tick.
type Scheduler struct {
	expr   string
	ttl    time.Duration
	target Closer
	log    *zap.Logger
	now    func() time.Time
}

// New validates the cron expression and builds a scheduler.
func New(expr string, ttl time.Duration, target Closer, log *zap.Logger) (*Scheduler, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep cron expression %q", expr)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("sweep ttl must be positive, got %v", ttl)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		expr:   expr,
		ttl:    ttl,
		target: target,
		log:    log.Named("sweep"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run sleeps until each tick and sweeps, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("sweep scheduler started", zap.String("cron", s.expr), zap.Duration("ttl", s.ttl))
	for {
		next, err := s.Next(s.now())
		if err != nil {
			s.log.Error("next tick failed", zap.String("cron", s.expr), zap.Error(err))
			if !sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}

		if !sleep(ctx, time.Until(next)) {
			s.log.Info("sweep scheduler stopping")
			return
		}
		s.Tick(ctx)
	}
}

// Tick runs a single sweep.
func (s *Scheduler) Tick(ctx context.Context) {
	closed, err := s.target.CloseIdle(ctx, s.ttl)
	if err != nil {
		s.log.Warn("sweep failed", zap.Error(err))
		return
	}
	if closed > 0 {
		s.log.Info("closed idle sessions", zap.Int("count", closed))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
