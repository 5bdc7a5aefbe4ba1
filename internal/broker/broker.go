// Package broker defines the durable task transport used by distributed
// execution. Each stage has its own queue so stage pools scale and fail
// independently.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
)

const (
	// DefaultMaxAttempts bounds deliveries of a task whose handler keeps failing.
	DefaultMaxAttempts = 5
	// DefaultRetryDelay is the fixed wait before a failed task is redelivered.
	DefaultRetryDelay = 5 * time.Second
	// DefaultPrefix namespaces the per-stage queue names.
	DefaultPrefix = "mangacrawler"
)

// Delivery is one delivery attempt of a task.
type Delivery struct {
	Task pipeline.Task
	// Attempt is 1-based.
	Attempt     int
	MaxAttempts int
}

// Last reports whether a failed handler call will not be redelivered.
func (d Delivery) Last() bool {
	return d.MaxAttempts <= 0 || d.Attempt >= d.MaxAttempts
}

// Handler processes one delivery. A non-nil error asks for redelivery until
// attempts are exhausted; nil acknowledges the task.
type Handler func(ctx context.Context, d Delivery) error

// Broker publishes tasks and runs consumer pools.
type Broker interface {
	Publish(ctx context.Context, task pipeline.Task) error
	// Consume runs concurrency handlers for stage and blocks until ctx ends.
	Consume(ctx context.Context, stage pipeline.Stage, concurrency int, h Handler) error
	Close() error
}

// Options are shared by every broker implementation.
type Options struct {
	Prefix      string
	MaxAttempts int
	RetryDelay  time.Duration
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}

// Queue names the queue, topic or subscription carrying stage.
func (o Options) Queue(stage pipeline.Stage) string {
	return fmt.Sprintf("%s.%s", o.Prefix, stage)
}

// DeadLetter names the queue exhausted tasks are parked on.
func (o Options) DeadLetter() string {
	return o.Prefix + ".dlq"
}
