package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/progress"
)

// LogSink mirrors job events into the process log.
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

// Consume logs job log lines at their severity and lifecycle events at info.
// Item events are too chatty for the process log and are skipped.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
		}
		switch evt.Kind {
		case progress.KindLog:
			fields = append(fields, zap.String("stage", evt.Stage), zap.String("url", evt.URL))
			if evt.Detail != "" {
				fields = append(fields, zap.String("detail", evt.Detail))
			}
			if ce := s.logger.Check(levelFor(evt.Severity), evt.Message); ce != nil {
				ce.Write(fields...)
			}
		case progress.KindJobStart:
			s.logger.Info("job started", fields...)
		case progress.KindJobDone:
			fields = append(fields, zap.String("status", string(evt.Status)), zap.Duration("dur", evt.Dur))
			s.logger.Info("job finished", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(sev crawler.Severity) zapcore.Level {
	switch sev {
	case crawler.SeverityDebug:
		return zapcore.DebugLevel
	case crawler.SeverityWarning:
		return zapcore.WarnLevel
	case crawler.SeverityError, crawler.SeverityCritical:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
