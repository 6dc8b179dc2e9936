package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/progress"
)

// LogSink writes one structured log line per lifecycle event.
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

// Consume logs each event in the batch. Failures and aborts log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Int64("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
			zap.String("key", evt.Key),
			zap.String("scraper", evt.ScraperName),
		}
		if evt.ParentTaskID != 0 {
			fields = append(fields, zap.Int64("parent_task_id", evt.ParentTaskID))
		}
		if evt.IsAllTask {
			fields = append(fields, zap.Bool("is_all_task", true))
		}
		if evt.Stage.Terminal() {
			fields = append(fields,
				zap.Int64("result_count", evt.ResultCount),
				zap.Bool("is_large", evt.IsLarge),
				zap.Duration("dur", evt.Dur))
		}
		if evt.Worker != "" {
			fields = append(fields, zap.String("worker", evt.Worker))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageFailed, progress.StageAborted, progress.StageRecovered:
			s.logger.Warn("task lifecycle", fields...)
		default:
			s.logger.Info("task lifecycle", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
