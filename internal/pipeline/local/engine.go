// Package local runs a job's pipeline in-process: one buffered channel and one
// worker pool per stage, closed in stage order once upstream work drains.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/pipeline"
)

const defaultBuffer = 8192

// DefaultConcurrency is the per-stage worker count used when Config leaves a
// stage unset.
var DefaultConcurrency = map[pipeline.Stage]int{
	pipeline.StageList:    1,
	pipeline.StageManga:   4,
	pipeline.StageChapter: 8,
	pipeline.StagePage:    16,
}

// Progress receives counter updates for the running job.
type Progress interface {
	AddTotal(ctx context.Context, jobID string, n int64) error
	ItemDone(ctx context.Context, jobID, stage string, ok bool) error
	Flush(ctx context.Context, jobID string) error
}

// Config tunes the engine.
type Config struct {
	Concurrency map[pipeline.Stage]int
	// Buffer is the capacity of each stage's handoff channel.
	Buffer int
	// StoreSlots bounds concurrent persistence calls across all stages.
	StoreSlots int
}

func (c Config) workers(stage pipeline.Stage) int {
	if n := c.Concurrency[stage]; n > 0 {
		return n
	}
	return DefaultConcurrency[stage]
}

// Summary reports what one run processed.
type Summary struct {
	Total     int64
	Processed int64
	Succeeded int64
	Failed    int64
}

// Engine executes jobs in-process.
type Engine struct {
	runner   *pipeline.Runner
	progress Progress
	cfg      Config
	logger   *zap.Logger
}

// New builds an Engine.
func New(runner *pipeline.Runner, progress Progress, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &Engine{runner: runner, progress: progress, cfg: cfg, logger: logger.Named("local_engine")}
}

type run struct {
	*Engine
	env    pipeline.Env
	ctx    context.Context
	cancel context.CancelCauseFunc
	chans  []chan pipeline.Task
	wgs    []sync.WaitGroup

	fatalOnce sync.Once
	fatal     error

	total, processed, succeeded, failed atomic.Int64
}

// Run pushes seeds through the pipeline and blocks until every stage drains,
// a job-fatal outcome occurs or ctx ends. Seeds must share one stage.
func (e *Engine) Run(ctx context.Context, env pipeline.Env, seeds []pipeline.Task) (Summary, error) {
	if len(seeds) == 0 {
		return Summary{}, nil
	}
	seedStage := seeds[0].Stage
	for _, seed := range seeds {
		if seed.Stage != seedStage {
			return Summary{}, fmt.Errorf("seeds span stages %s and %s", seedStage, seed.Stage)
		}
	}
	if !seedStage.Valid() {
		return Summary{}, fmt.Errorf("unknown seed stage %q", seedStage)
	}

	env.Store = pipeline.Gate(env.Store, e.cfg.StoreSlots)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{
		Engine: e,
		env:    env,
		ctx:    runCtx,
		cancel: cancel,
		chans:  make([]chan pipeline.Task, len(pipeline.Stages)),
		wgs:    make([]sync.WaitGroup, len(pipeline.Stages)),
	}
	for i := range r.chans {
		r.chans[i] = make(chan pipeline.Task, e.cfg.Buffer)
	}

	first := seedStage.Index()
	for i := first; i < len(pipeline.Stages); i++ {
		stage := pipeline.Stages[i]
		for w := 0; w < e.cfg.workers(stage); w++ {
			r.wgs[i].Add(1)
			go r.work(stage)
		}
	}

	r.seed(seeds)
	close(r.chans[first])
	for i := first; i < len(pipeline.Stages); i++ {
		r.wgs[i].Wait()
		if i+1 < len(r.chans) {
			close(r.chans[i+1])
		}
	}

	if err := e.progress.Flush(context.WithoutCancel(ctx), env.Job.ID); err != nil {
		e.logger.Warn("flush job counters", zap.String("job_id", env.Job.ID), zap.Error(err))
	}
	summary := Summary{
		Total:     r.total.Load(),
		Processed: r.processed.Load(),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
	}
	if r.fatal != nil {
		return summary, r.fatal
	}
	if ctx.Err() != nil {
		return summary, context.Cause(ctx)
	}
	return summary, nil
}

func (r *run) seed(seeds []pipeline.Task) {
	if !r.addTotal(len(seeds)) {
		return
	}
	in := r.chans[seeds[0].Stage.Index()]
	for _, task := range seeds {
		select {
		case in <- task:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *run) work(stage pipeline.Stage) {
	idx := stage.Index()
	defer r.wgs[idx].Done()
	for task := range r.chans[idx] {
		if r.ctx.Err() != nil {
			continue
		}
		r.handle(task)
	}
}

func (r *run) handle(task pipeline.Task) {
	jobID := r.env.Job.ID
	out := r.runner.Handle(r.ctx, r.env, task, true)
	if out.Canceled {
		return
	}

	children := make([]pipeline.Task, 0, len(out.Children))
	for _, child := range out.Children {
		if child.Stage.Index() <= task.Stage.Index() {
			r.logger.Error("dropping child that does not move forward",
				zap.String("job_id", jobID),
				zap.String("stage", string(task.Stage)),
				zap.String("child_stage", string(child.Stage)),
			)
			continue
		}
		children = append(children, child)
	}
	if len(children) > 0 && r.addTotal(len(children)) {
		r.handoff(children)
	}

	if err := r.progress.ItemDone(context.WithoutCancel(r.ctx), jobID, string(task.Stage), out.OK()); err != nil {
		r.logger.Warn("record item progress", zap.String("job_id", jobID), zap.Error(err))
	}
	r.processed.Add(1)
	if out.OK() {
		r.succeeded.Add(1)
	} else {
		r.failed.Add(1)
	}

	if out.Fatal {
		r.fatalOnce.Do(func() {
			r.fatal = out.Err
			if r.fatal == nil {
				r.fatal = errors.New("job-fatal outcome")
			}
			r.cancel(r.fatal)
		})
	}
}

func (r *run) handoff(children []pipeline.Task) {
	for _, child := range children {
		select {
		case r.chans[child.Stage.Index()] <- child:
		case <-r.ctx.Done():
			return
		}
	}
}

// addTotal raises the total before the counted tasks become visible to
// downstream workers. A failed write is logged; the tasks still run.
func (r *run) addTotal(n int) bool {
	if err := r.progress.AddTotal(r.ctx, r.env.Job.ID, int64(n)); err != nil {
		if r.ctx.Err() != nil {
			return false
		}
		r.logger.Warn("raise job total", zap.String("job_id", r.env.Job.ID), zap.Error(err))
	}
	r.total.Add(int64(n))
	return true
}
