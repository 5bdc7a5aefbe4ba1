// Package kafka carries pipeline tasks over Kafka with segmentio/kafka-go.
// Retries happen in-process before the offset is committed; a task that
// exhausts its attempts is parked on the dead-letter topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/broker"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
)

// MessageReader abstracts kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter abstracts kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a group reader on topic.
type ReaderFactory func(topic string) MessageReader

// Config locates the cluster.
type Config struct {
	Brokers []string
	GroupID string
}

// Broker implements broker.Broker on Kafka. Consume opens one group member
// per unit of concurrency, so stage parallelism is capped by the topic's
// partition count.
type Broker struct {
	opts      broker.Options
	writer    MessageWriter
	newReader ReaderFactory
	logger    *zap.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New builds a Broker writing with a shared writer. Messages carry their
// topic, so the writer has none.
func New(cfg Config, opts broker.Options, logger *zap.Logger) *Broker {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}
	readers := func(topic string) MessageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return NewWithIO(writer, readers, opts, logger)
}

// NewWithIO builds a Broker over custom readers and writer (tests).
func NewWithIO(writer MessageWriter, readers ReaderFactory, opts broker.Options, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		opts:      opts.WithDefaults(),
		writer:    writer,
		newReader: readers,
		logger:    logger.Named("kafka_broker"),
	}
}

// Publish implements broker.Broker. The task key keeps duplicates of one
// task on one partition.
func (b *Broker) Publish(ctx context.Context, task pipeline.Task) error {
	payload, err := task.Encode()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: b.opts.Queue(task.Stage),
		Key:   []byte(task.Key()),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s task: %w", task.Stage, err)
	}
	return nil
}

// Consume implements broker.Broker.
func (b *Broker) Consume(ctx context.Context, stage pipeline.Stage, concurrency int, h broker.Handler) error {
	topic := b.opts.Queue(stage)
	var wg sync.WaitGroup
	errs := make([]error, max(concurrency, 1))
	for i := range errs {
		reader := b.newReader(topic)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if err := reader.Close(); err != nil {
					b.logger.Warn("close reader", zap.String("topic", topic), zap.Error(err))
				}
			}()
			errs[i] = b.consume(ctx, reader, h)
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (b *Broker) consume(ctx context.Context, reader MessageReader, h broker.Handler) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// The reader was closed.
				return nil
			}
			b.logger.Error("fetch message", zap.String("topic", msg.Topic), zap.Error(err))
			continue
		}
		b.process(ctx, msg, h)
		if ctx.Err() != nil {
			// Uncommitted: the group redelivers it after restart.
			return nil
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			b.logger.Warn("commit message", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (b *Broker) process(ctx context.Context, msg kafka.Message, h broker.Handler) {
	task, err := pipeline.Decode(msg.Value)
	if err != nil {
		b.logger.Error("dropping malformed task", zap.String("topic", msg.Topic), zap.Int64("offset", msg.Offset), zap.Error(err))
		b.deadLetter(ctx, msg, 0, err)
		return
	}
	for attempt := 1; ; attempt++ {
		d := broker.Delivery{Task: task, Attempt: attempt, MaxAttempts: b.opts.MaxAttempts}
		d.Task.Attempt = attempt
		herr := h(ctx, d)
		if herr == nil {
			return
		}
		if d.Last() {
			b.deadLetter(ctx, msg, attempt, herr)
			return
		}
		timer := time.NewTimer(b.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Failure is the dead-letter record of a task that could not be handled.
type Failure struct {
	Topic    string          `json:"topic"`
	Offset   int64           `json:"offset"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	Task     json.RawMessage `json:"task"`
	FailedAt time.Time       `json:"failed_at"`
}

func (b *Broker) deadLetter(ctx context.Context, msg kafka.Message, attempts int, cause error) {
	payload, err := json.Marshal(Failure{
		Topic:    msg.Topic,
		Offset:   msg.Offset,
		Attempts: attempts,
		Error:    cause.Error(),
		Task:     json.RawMessage(validJSON(msg.Value)),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Error("encode dead letter", zap.Error(err))
		return
	}
	dlq := kafka.Message{Topic: b.opts.DeadLetter(), Key: msg.Key, Value: payload, Time: time.Now().UTC()}
	if err := b.writer.WriteMessages(context.WithoutCancel(ctx), dlq); err != nil {
		b.logger.Error("publish dead letter", zap.String("topic", msg.Topic), zap.Error(err))
	}
}

func validJSON(data []byte) []byte {
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// Close flushes the writer.
func (b *Broker) Close() error {
	if err := b.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
