package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/progress"
)

// LogAppender is the slice of the job store the sink writes through.
type LogAppender interface {
	AppendLogs(ctx context.Context, entries []crawler.LogEntry) error
}

// StoreSink persists job log lines in one append per batch.
type StoreSink struct {
	repo   LogAppender
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink. ids may be nil, in which case the
// store assigns entry identifiers.
func NewStoreSink(repo LogAppender, ids crawler.IDGenerator, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, ids: ids, logger: logger}
}

// Consume appends every log event in the batch, preserving order.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	entries := make([]crawler.LogEntry, 0, len(batch))
	for _, evt := range batch {
		if evt.Kind != progress.KindLog {
			continue
		}
		entry := evt.LogEntry()
		if s.ids != nil {
			id, err := s.ids.NewID()
			if err != nil {
				return fmt.Errorf("generate log id: %w", err)
			}
			entry.ID = id
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil
	}
	if err := s.repo.AppendLogs(ctx, entries); err != nil {
		return fmt.Errorf("append job logs: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
