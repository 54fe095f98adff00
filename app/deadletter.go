package app

import (
	"context"

	"go.uber.org/zap"

	"newsagg/domain"
	"newsagg/internal/metrics"
)

// DeadLetterSink records terminally failed messages so they show up in
// logs and metrics. The full payload is logged since the queue entry is
// consumed.
type DeadLetterSink struct {
	log *zap.Logger
}

func NewDeadLetterSink(log *zap.Logger) *DeadLetterSink {
	return &DeadLetterSink{log: log}
}

func (s *DeadLetterSink) Handle(ctx context.Context, e domain.DeadLetterEntry) {
	metrics.DeadLetters.WithLabelValues(e.OriginalQueue).Inc()
	s.log.Error("message dead-lettered",
		zap.String("original_queue", e.OriginalQueue),
		zap.String("reason", e.Reason),
		zap.Time("failed_at", e.FailedAt),
		zap.ByteString("body", e.Body))
}
