package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the event channel (default 4096).
//   - OverflowSize: lifecycle events kept aside when the channel is full (default 256).
//   - MaxBatchEvents: flush once this many events queue (default 1000).
//   - MaxBatchWait: flush this long after the first event of a batch (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	OverflowSize   int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultOverflowSize   = 256
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub batches job events on a background goroutine and hands each batch to
// every sink. Emit never blocks. Under backpressure item and log events are
// dropped; job start/done events go to a bounded overflow list so lifecycle
// counters stay paired.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	overflowMu sync.Mutex
	overflow   []Event

	dropWarn rate.Sometimes
	dropped  atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.OverflowSize <= 0 {
		cfg.OverflowSize = defaultOverflowSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		events:   make(chan Event, cfg.BufferSize),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
		dropWarn: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues evt for the sinks. Invalid events are discarded and events
// emitted after Close are ignored.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid job event", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.lifecycle() && h.spill(evt) {
		return
	}
	h.dropped.Add(1)
	h.dropWarn.Do(func() {
		h.logger.Warn("job events dropped due to backpressure",
			zap.Int64("dropped_total", h.dropped.Load()),
			zap.String("kind", string(evt.Kind)),
		)
	})
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *Hub) spill(evt Event) bool {
	h.overflowMu.Lock()
	defer h.overflowMu.Unlock()
	limit := h.cfg.OverflowSize
	if limit <= 0 {
		limit = defaultOverflowSize
	}
	if len(h.overflow) >= limit {
		return false
	}
	h.overflow = append(h.overflow, evt)
	if h.wake != nil {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
	return true
}

func (h *Hub) takeOverflow() []Event {
	h.overflowMu.Lock()
	defer h.overflowMu.Unlock()
	out := h.overflow
	h.overflow = nil
	return out
}

// Close stops accepting events, flushes what is buffered, closes every sink
// and waits for the batching goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := &batcher{hub: h, buf: make([]Event, 0, h.cfg.MaxBatchEvents)}
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-h.wake:
			b.add(h.takeOverflow()...)
		case <-b.deadline():
			b.flush()
		case <-h.stopCh:
			b.drain(h.events)
			b.add(h.takeOverflow()...)
			b.flush()
			h.closeSinks()
			return
		}
	}
}

// batcher accumulates events for the run loop. A batch is flushed when it
// reaches MaxBatchEvents or MaxBatchWait after its first event arrived.
type batcher struct {
	hub   *Hub
	buf   []Event
	timer *time.Timer
}

func (b *batcher) add(evts ...Event) {
	for _, evt := range evts {
		if len(b.buf) == 0 {
			b.arm()
		}
		b.buf = append(b.buf, evt)
		if len(b.buf) >= b.hub.cfg.MaxBatchEvents {
			b.flush()
		}
	}
}

func (b *batcher) drain(events <-chan Event) {
	for {
		select {
		case evt := <-events:
			b.add(evt)
		default:
			return
		}
	}
}

// deadline returns nil while the batch is empty; a nil channel never fires.
func (b *batcher) deadline() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C
}

func (b *batcher) arm() {
	if b.timer == nil {
		b.timer = time.NewTimer(b.hub.cfg.MaxBatchWait)
		return
	}
	b.timer.Reset(b.hub.cfg.MaxBatchWait)
}

func (b *batcher) flush() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 {
		return
	}
	batch := append([]Event(nil), b.buf...)
	b.buf = b.buf[:0]
	b.hub.deliver(batch)
}

func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("job event sink failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("job event sink close failed", zap.Error(err))
		}
	}
}
