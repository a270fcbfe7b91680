package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/storyreel/internal/engine"
	"github.com/yangwenmai/storyreel/internal/model"
)

// Processor executes the pipeline for a single run.
type Processor interface {
	Process(ctx context.Context, run *model.Run) (*engine.Result, error)
}

// RunClaimer provides atomic claim and completion operations.
type RunClaimer interface {
	ClaimNextQueued(ctx context.Context) (*model.Run, error)
	FinishRun(ctx context.Context, id, status string, summary, errorInfo *string) error
}

// Worker polls for QUEUED runs and executes them.
type Worker struct {
	claimer     RunClaimer
	processor   Processor
	interval    time.Duration
	concurrency int
}

// New creates a new Worker running concurrency claim loops.
func New(claimer RunClaimer, processor Processor, interval time.Duration, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{claimer: claimer, processor: processor, interval: interval, concurrency: concurrency}
}

// Start begins the polling loops. It blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("worker started", "interval", w.interval.String(), "concurrency", w.concurrency)
	var g errgroup.Group
	for i := 0; i < w.concurrency; i++ {
		id := i
		g.Go(func() error {
			w.loop(ctx, id)
			return nil
		})
	}
	g.Wait()
	slog.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := slog.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		run, err := w.claimer.ClaimNextQueued(ctx)
		if err != nil {
			logger.Error("worker claim error", "error", err)
			w.sleep(ctx)
			continue
		}
		if run == nil {
			w.sleep(ctx)
			continue
		}
		w.handle(ctx, logger, run)
	}
}

// handle runs one claimed run and records its outcome. The outcome is
// written with a fresh context so a shutdown still marks the run.
func (w *Worker) handle(ctx context.Context, logger *slog.Logger, run *model.Run) {
	logger = logger.With("run_id", run.ID)
	logger.Info("processing run", "source_type", run.SourceType, "attempt", run.Attempts)

	res, err := w.processor.Process(ctx, run)
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		logger.Error("run failed", "error", err)
		info := buildErrorInfo(res, err)
		var summary *string
		if res != nil {
			summary = &res.Summary
		}
		if sErr := w.claimer.FinishRun(finishCtx, run.ID, model.RunFailed, summary, &info); sErr != nil {
			logger.Error("failed to set FAILED status", "error", sErr)
		}
		return
	}

	summary := res.Summary
	if err := w.claimer.FinishRun(finishCtx, run.ID, model.RunDone, &summary, nil); err != nil {
		logger.Error("failed to set DONE status", "error", err)
	} else {
		logger.Info("run is now DONE", "summary", summary, "quality", res.Quality)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.interval):
	}
}

func buildErrorInfo(res *engine.Result, err error) string {
	if res != nil && res.ErrorInfo != nil {
		return res.ErrorInfo.ToJSON()
	}
	var st *model.PipelineState
	if res != nil {
		st = res.State
	}
	info := engine.BuildErrorInfo(err, st)
	return info.ToJSON()
}
