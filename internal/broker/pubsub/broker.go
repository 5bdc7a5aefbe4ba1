// Package pubsub carries pipeline tasks over Google Cloud Pub/Sub. Each stage
// publishes to "<prefix>.<stage>" and consumes from a subscription of the
// same name. The delivery attempt travels in a message attribute so retries
// are counted even on subscriptions without a dead-letter policy.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/broker"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
)

const (
	attrAttempt = "attempt"
	attrStage   = "stage"
	attrJobID   = "job_id"
)

// Broker implements broker.Broker on Pub/Sub.
type Broker struct {
	client *pubsub.Client
	opts   broker.Options
	logger *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

var _ broker.Broker = (*Broker)(nil)

// New creates a Pub/Sub client for projectID.
func New(ctx context.Context, projectID string, opts broker.Options, logger *zap.Logger) (*Broker, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		client:     client,
		opts:       opts.WithDefaults(),
		logger:     logger.Named("pubsub_broker"),
		publishers: make(map[string]*pubsub.Publisher),
	}, nil
}

func (b *Broker) publisher(topic string) *pubsub.Publisher {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.publishers[topic]
	if !ok {
		p = b.client.Publisher(topic)
		b.publishers[topic] = p
	}
	return p
}

// Publish implements broker.Broker and waits for the server ack.
func (b *Broker) Publish(ctx context.Context, task pipeline.Task) error {
	msg, err := encode(ctx, task, 1)
	if err != nil {
		return err
	}
	if _, err := b.publisher(b.opts.Queue(task.Stage)).Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish %s task: %w", task.Stage, err)
	}
	return nil
}

// Consume implements broker.Broker.
func (b *Broker) Consume(ctx context.Context, stage pipeline.Stage, concurrency int, h broker.Handler) error {
	sub := b.client.Subscriber(b.opts.Queue(stage))
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = max(concurrency, 1)
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		switch b.receive(ctx, msg, h) {
		case ack:
			msg.Ack()
		case nack:
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive %s: %w", stage, err)
	}
	return nil
}

type verdict int

const (
	ack verdict = iota
	nack
)

// receive runs h and decides the message's fate. A failed attempt that may
// be retried is republished with the next attempt number after RetryDelay.
func (b *Broker) receive(ctx context.Context, msg *pubsub.Message, h broker.Handler) verdict {
	ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier{attrs: msg.Attributes})
	task, err := pipeline.Decode(msg.Data)
	if err != nil {
		b.logger.Error("dropping malformed task", zap.String("message_id", msg.ID), zap.Error(err))
		return ack
	}
	d := broker.Delivery{Task: task, Attempt: attempt(msg), MaxAttempts: b.opts.MaxAttempts}
	d.Task.Attempt = d.Attempt
	herr := h(ctx, d)
	if herr == nil {
		return ack
	}
	if d.Last() {
		b.logger.Warn("task exhausted its attempts",
			zap.String("job_id", task.JobID),
			zap.String("stage", string(task.Stage)),
			zap.Int("attempt", d.Attempt),
			zap.Error(herr),
		)
		return ack
	}
	if err := b.redeliver(ctx, task, d.Attempt+1); err != nil {
		b.logger.Warn("republish failed, falling back to nack", zap.String("job_id", task.JobID), zap.Error(err))
		return nack
	}
	return ack
}

func (b *Broker) redeliver(ctx context.Context, task pipeline.Task, next int) error {
	timer := time.NewTimer(b.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	msg, err := encode(ctx, task, next)
	if err != nil {
		return err
	}
	if _, err := b.publisher(b.opts.Queue(task.Stage)).Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("republish %s task: %w", task.Stage, err)
	}
	return nil
}

// Close flushes publishers and closes the client.
func (b *Broker) Close() error {
	b.mu.Lock()
	for _, p := range b.publishers {
		p.Stop()
	}
	b.mu.Unlock()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func encode(ctx context.Context, task pipeline.Task, attempt int) (*pubsub.Message, error) {
	task.Attempt = 0
	data, err := task.Encode()
	if err != nil {
		return nil, err
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			attrAttempt: strconv.Itoa(attempt),
			attrStage:   string(task.Stage),
			attrJobID:   task.JobID,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})
	return msg, nil
}

// attempt prefers the attempt attribute and falls back to the server's
// delivery counter, which is only set when a dead-letter policy exists.
func attempt(msg *pubsub.Message) int {
	n, _ := strconv.Atoi(msg.Attributes[attrAttempt])
	if msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > n {
		n = *msg.DeliveryAttempt
	}
	return max(n, 1)
}

// carrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
