// Package dispatcher launches local jobs: it queues runs and fans them out to
// a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
	"github.com/JakeFAU/manga-crawl-engine/internal/worker"
)

// Queue is the run queue shared by the dispatcher and its workers.
type Queue interface {
	Enqueue(ctx context.Context, run worker.Run) error
	Dequeue(ctx context.Context) (worker.Run, error)
}

// Dispatcher fans out queued runs to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
	cancels *worker.Cancels
}

// New creates a Dispatcher. cancels must be the registry the workers were
// built with.
func New(queue Queue, workers []*worker.Worker, cancels *worker.Cancels) *Dispatcher {
	if cancels == nil {
		cancels = worker.NewCancels()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		cancels: cancels,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Launch queues job for a worker.
func (d *Dispatcher) Launch(ctx context.Context, job crawler.Job, seeds []pipeline.Task) error {
	if err := d.queue.Enqueue(ctx, worker.Run{Job: job, Seeds: seeds}); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Cancel stops job if a worker is running it. Queued jobs are skipped by the
// worker once their status is terminal.
func (d *Dispatcher) Cancel(jobID string) {
	d.cancels.Cancel(jobID)
}
