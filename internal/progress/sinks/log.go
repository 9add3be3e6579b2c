package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/inbox-router/internal/progress"
)

// LogSink emits one structured log line per session record. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each record in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Record) error {
	for _, rec := range batch {
		fields := []zap.Field{
			zap.String("session_id", rec.SessionID.String()),
			zap.String("stage", string(rec.Stage)),
			zap.String("kind", string(rec.Kind)),
			zap.String("phase", string(rec.Phase)),
			zap.Float64("percent", rec.Percent),
			zap.Int("processed", rec.Processed),
			zap.Int("total", rec.Total),
		}
		if rec.Ignored {
			fields = append(fields, zap.Bool("ignored", true))
		}
		if rec.Source != "" {
			fields = append(fields, zap.String("source", string(rec.Source)))
		}
		if rec.Dur > 0 {
			fields = append(fields, zap.Duration("dur", rec.Dur))
		}
		if rec.Note != "" {
			fields = append(fields, zap.String("note", rec.Note))
		}
		s.logger.Info("session record", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
