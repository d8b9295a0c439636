package events

import (
	"context"
	"log/slog"

	"nest/pkg/platform/circuit"
)

// FallbackPublisher sends events to primary and, once primary keeps failing,
// to fallback until a trial call after the cooldown shows primary healthy
// again. Events are never dropped silently: a batch that primary rejects goes
// to fallback.
type FallbackPublisher struct {
	primary  Publisher
	fallback Publisher
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

func NewFallbackPublisher(primary, fallback Publisher, breaker *circuit.Breaker, logger *slog.Logger) *FallbackPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackPublisher{primary: primary, fallback: fallback, breaker: breaker, logger: logger}
}

func (p *FallbackPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	if p.breaker.AllowPrimary() {
		err := p.primary.Publish(ctx, events...)
		if err == nil {
			if _, change := p.breaker.RecordSuccess(); change.Closed {
				p.logger.InfoContext(ctx, "event publisher recovered", "breaker", p.breaker.Name())
			}
			return nil
		}
		if _, change := p.breaker.RecordFailure(); change.Opened {
			p.logger.WarnContext(ctx, "event publisher circuit opened", "breaker", p.breaker.Name(), "error", err)
		}
		if ferr := p.fallback.Publish(ctx, events...); ferr != nil {
			return ferr
		}
		return err
	}
	return p.fallback.Publish(ctx, events...)
}
