package events

import (
	"context"
	"log/slog"
)

// LogPublisher writes every event as a structured log line. It is the
// default publisher when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		p.logger.InfoContext(ctx, "escrow event",
			"log_type", "event",
			"event_id", e.ID,
			"event_type", string(e.Type),
			"escrow_id", e.EscrowID,
			"request_id", e.RequestID,
			"subject_type", e.SubjectType,
			"subject_id", e.SubjectID,
			"to_status", e.ToStatus,
		)
	}
	return nil
}
