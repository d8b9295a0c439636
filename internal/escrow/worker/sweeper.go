// Package worker runs the escrow core's only background mutation: expiring
// approval requests whose deadline has passed.
package worker

import (
	"context"
	"log/slog"
	"time"

	"nest/internal/escrow/models"
	"nest/internal/escrow/service"
	"nest/pkg/requestcontext"
)

// Expirer is the slice of the escrow service the sweeper drives.
type Expirer interface {
	ExpireOverdue(ctx context.Context) (*service.SweepResult, error)
}

// Sweeper calls ExpireOverdue on a fixed interval as the system actor.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time
}

type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.nowFn = now
	}
}

func NewSweeper(expirer Expirer, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Sweeper{
		expirer:  expirer,
		interval: interval,
		logger:   slog.Default(),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done. A
// failed sweep is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many requests it expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx = requestcontext.WithActor(ctx, requestcontext.Actor{
		ID:   models.SystemActor.ID,
		Role: string(models.SystemActor.Role),
	})
	ctx = requestcontext.WithTime(ctx, s.nowFn().UTC())
	res, err := s.expirer.ExpireOverdue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "approval sweep failed", "error", err)
		return 0
	}
	return len(res.Expired)
}
