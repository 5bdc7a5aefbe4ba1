// Package memory is an in-process broker with delayed redelivery. It backs
// distributed mode in development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/broker"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
)

const defaultBuffer = 8192

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broker closed")

// Broker keeps one buffered channel per stage.
type Broker struct {
	opts   broker.Options
	logger *zap.Logger
	queues map[pipeline.Stage]chan broker.Delivery

	done      chan struct{}
	closeOnce sync.Once
	timers    sync.WaitGroup

	mu   sync.Mutex
	dead []broker.Delivery
}

var _ broker.Broker = (*Broker)(nil)

// New builds a Broker.
func New(opts broker.Options, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	queues := make(map[pipeline.Stage]chan broker.Delivery, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		queues[stage] = make(chan broker.Delivery, defaultBuffer)
	}
	return &Broker{
		opts:   opts.WithDefaults(),
		logger: logger.Named("memory_broker"),
		queues: queues,
		done:   make(chan struct{}),
	}
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, task pipeline.Task) error {
	q, ok := b.queues[task.Stage]
	if !ok {
		return fmt.Errorf("publish task: unknown stage %q", task.Stage)
	}
	d := broker.Delivery{Task: task, Attempt: 1, MaxAttempts: b.opts.MaxAttempts}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case q <- d:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("publish %s task: %w", task.Stage, ctx.Err())
	}
}

// Consume implements broker.Broker.
func (b *Broker) Consume(ctx context.Context, stage pipeline.Stage, concurrency int, h broker.Handler) error {
	q, ok := b.queues[stage]
	if !ok {
		return fmt.Errorf("consume: unknown stage %q", stage)
	}
	concurrency = max(concurrency, 1)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case d := <-q:
					b.deliver(ctx, q, d, h)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (b *Broker) deliver(ctx context.Context, q chan broker.Delivery, d broker.Delivery, h broker.Handler) {
	d.Task.Attempt = d.Attempt
	err := h(ctx, d)
	if err == nil {
		return
	}
	if d.Last() {
		b.logger.Warn("task exhausted its attempts",
			zap.String("job_id", d.Task.JobID),
			zap.String("stage", string(d.Task.Stage)),
			zap.Int("attempt", d.Attempt),
			zap.Error(err),
		)
		b.mu.Lock()
		b.dead = append(b.dead, d)
		b.mu.Unlock()
		return
	}
	next := d
	next.Attempt++
	b.timers.Add(1)
	go func() {
		defer b.timers.Done()
		timer := time.NewTimer(b.opts.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-b.done:
			return
		}
		select {
		case q <- next:
		case <-b.done:
		}
	}()
}

// DeadLetters returns tasks that exhausted their attempts.
func (b *Broker) DeadLetters() []broker.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Delivery(nil), b.dead...)
}

// Close stops pending redeliveries and consumers.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.timers.Wait()
	return nil
}
