package emit

import (
	"context"
	"log/slog"

	"github.com/roach88/rideon/internal/ir"
)

// LogSink writes each completed visit as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that logs to logger, or slog.Default() when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, visit ir.VisitCompleted) error {
	s.logger.InfoContext(ctx, "patron visited",
		"entity_id", string(visit.EntityID),
		"entered", visit.Entered,
		"left", visit.Left,
		"duration", visit.Duration(),
		"visit_id", visit.VisitID,
	)
	return nil
}
