package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

// Outcome is the classified result of handling one task.
type Outcome struct {
	Children []Task
	Err      error
	// Fatal means the whole job must fail: a root task failed, a unit
	// panicked, or configuration is broken.
	Fatal bool
	// Retry means the task should be redelivered rather than counted.
	Retry bool
	// Canceled means the job context ended while the task ran.
	Canceled bool
}

// OK reports whether the task succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Runner is the stage boundary shared by both engines: it dispatches a task
// to its unit, recovers panics and classifies failures.
type Runner struct {
	units  map[Stage]Unit
	logger *zap.Logger
}

// NewRunner builds a Runner over units. A nil map uses DefaultUnits.
func NewRunner(units map[Stage]Unit, logger *zap.Logger) *Runner {
	if units == nil {
		units = DefaultUnits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{units: units, logger: logger.Named("runner")}
}

// Handle runs task. lastAttempt tells the runner whether a retryable failure
// will be redelivered; when it will, the failure is neither logged nor final.
func (r *Runner) Handle(ctx context.Context, env Env, task Task, lastAttempt bool) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("%s unit panicked: %v", task.Stage, rec)
			r.logger.Error("unit panicked",
				zap.String("job_id", task.JobID),
				zap.String("stage", string(task.Stage)),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			env.log(crawler.SeverityCritical, task.Stage, "unit panicked", task.URL(), err)
			out = Outcome{Err: err, Fatal: true}
		}
	}()

	if err := task.Validate(); err != nil {
		env.log(crawler.SeverityError, task.Stage, "malformed task dropped", "", err)
		return Outcome{Err: err, Fatal: task.Root}
	}
	unit, ok := r.units[task.Stage]
	if !ok {
		err := crawler.NewFatalConfig("no unit registered for stage %s", task.Stage)
		env.log(crawler.SeverityCritical, task.Stage, "no unit for stage", "", err)
		return Outcome{Err: err, Fatal: true}
	}

	children, err := unit.Process(ctx, env, task)
	if err == nil {
		for i := range children {
			children[i].JobID = task.JobID
			children[i].TargetID = task.TargetID
		}
		return Outcome{Children: children}
	}
	return r.classify(ctx, env, task, err, lastAttempt)
}

func (r *Runner) classify(ctx context.Context, env Env, task Task, err error, lastAttempt bool) Outcome {
	url := task.URL()
	switch {
	case crawler.IsCanceled(err) && ctx.Err() != nil:
		return Outcome{Err: err, Canceled: true}
	case crawler.IsFatal(err):
		env.log(crawler.SeverityCritical, task.Stage, "fatal configuration error", url, err)
		return Outcome{Err: err, Fatal: true}
	case crawler.IsRetryable(err) && !lastAttempt:
		r.logger.Debug("task will be redelivered",
			zap.String("job_id", task.JobID),
			zap.String("stage", string(task.Stage)),
			zap.Error(err),
		)
		return Outcome{Err: err, Retry: true}
	case crawler.IsParse(err):
		env.log(crawler.SeverityWarning, task.Stage, "unexpected page structure", url, err)
	default:
		env.log(crawler.SeverityError, task.Stage, fmt.Sprintf("%s task failed", task.Stage), url, err)
	}
	return Outcome{Err: err, Fatal: task.Root}
}
