// Package asynqbroker carries pipeline tasks over Redis with hibiken/asynq.
// Every stage is its own asynq queue served by its own server, and asynq's
// retry machinery provides the fixed-delay redelivery.
package asynqbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/broker"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
)

// RedisOptions locates the Redis instance asynq stores queues in.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func (o RedisOptions) connOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: o.Addr, Password: o.Password, DB: o.DB}
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Broker implements broker.Broker on asynq.
type Broker struct {
	redis  RedisOptions
	opts   broker.Options
	client enqueuer
	logger *zap.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New connects a client for publishing. Servers are created per Consume call.
func New(redis RedisOptions, opts broker.Options, logger *zap.Logger) *Broker {
	return newWithClient(asynq.NewClient(redis.connOpt()), redis, opts, logger)
}

func newWithClient(client enqueuer, redis RedisOptions, opts broker.Options, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		redis:  redis,
		opts:   opts.WithDefaults(),
		client: client,
		logger: logger.Named("asynq_broker"),
	}
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, task pipeline.Task) error {
	payload, err := task.Encode()
	if err != nil {
		return err
	}
	queue := b.opts.Queue(task.Stage)
	_, err = b.client.EnqueueContext(ctx,
		asynq.NewTask(queue, payload),
		asynq.Queue(queue),
		asynq.MaxRetry(b.opts.MaxAttempts-1),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s task: %w", task.Stage, err)
	}
	return nil
}

// Consume implements broker.Broker. It starts an asynq server bound to the
// stage's queue and shuts it down when ctx ends.
func (b *Broker) Consume(ctx context.Context, stage pipeline.Stage, concurrency int, h broker.Handler) error {
	queue := b.opts.Queue(stage)
	delay := b.opts.RetryDelay
	srv := asynq.NewServer(b.redis.connOpt(), asynq.Config{
		Concurrency: max(concurrency, 1),
		Queues:      map[string]int{queue: 1},
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration {
			return delay
		},
		LogLevel: asynq.WarnLevel,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue, b.handler(h))
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server for %s: %w", queue, err)
	}
	b.logger.Info("consuming stage", zap.String("queue", queue), zap.Int("concurrency", concurrency))
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// handler adapts h to an asynq handler. Malformed payloads skip retry since
// no redelivery can fix them.
func (b *Broker) handler(h broker.Handler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		task, err := pipeline.Decode(t.Payload())
		if err != nil {
			b.logger.Error("dropping malformed task", zap.String("type", t.Type()), zap.Error(err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		d := delivery(ctx, task, b.opts.MaxAttempts)
		d.Task.Attempt = d.Attempt
		return h(ctx, d)
	}
}

func delivery(ctx context.Context, task pipeline.Task, fallbackMax int) broker.Delivery {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = fallbackMax - 1
	}
	return broker.Delivery{Task: task, Attempt: retried + 1, MaxAttempts: maxRetry + 1}
}

// Close releases the publishing client.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close asynq client: %w", err)
	}
	return nil
}
