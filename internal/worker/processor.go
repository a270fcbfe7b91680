package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/yangwenmai/storyreel/internal/engine"
	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/source"
	"github.com/yangwenmai/storyreel/internal/store"
)

// Runner executes one orchestrated run.
type Runner interface {
	Run(ctx context.Context, in engine.Input) (*engine.Result, error)
}

// SourceResolver turns a persisted source reference into a story source.
type SourceResolver interface {
	Resolve(kind, ref string) (source.Source, error)
}

// StateLoader returns the last snapshot of a run.
type StateLoader interface {
	LoadState(ctx context.Context, runID string) (*model.PipelineState, error)
}

// ErrFileSource rejects queued runs that name a path on the server's disk.
var ErrFileSource = errors.New("file sources are only accepted from the command line")

// RunProcessor adapts an orchestrator to the Processor interface. A run
// with a stored snapshot is resumed so REAL artifacts are kept.
type RunProcessor struct {
	Runner  Runner
	Sources SourceResolver
	States  StateLoader
}

// Process resolves the run's source and executes the pipeline.
func (p *RunProcessor) Process(ctx context.Context, run *model.Run) (*engine.Result, error) {
	if run.SourceType == model.SourceFile {
		return nil, ErrFileSource
	}
	src, err := p.Sources.Resolve(run.SourceType, run.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}

	in := engine.Input{SessionID: run.ID, Source: src}
	if p.States != nil {
		st, err := p.States.LoadState(ctx, run.ID)
		switch {
		case err == nil:
			in.Resume = st
			logging.FromContext(ctx).Info("resuming run", "run_id", run.ID, "attempt", st.Attempt+1)
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("load state: %w", err)
		}
	}
	return p.Runner.Run(ctx, in)
}

// StateRecorder persists snapshots and stage records.
type StateRecorder interface {
	SaveSnapshot(ctx context.Context, runID string, st *model.PipelineState) error
	AppendStage(ctx context.Context, runID string, attempt int, rec model.StageRecord) error
}

// StoreObserver mirrors pipeline progress into the run store. Store
// failures are logged and never fail the run.
type StoreObserver struct {
	Store StateRecorder
}

var _ engine.Observer = (*StoreObserver)(nil)

func (o *StoreObserver) StageFinished(ctx context.Context, st *model.PipelineState, rec model.StageRecord) {
	logger := logging.FromContext(ctx)
	if err := o.Store.AppendStage(ctx, st.SessionID, st.Attempt, rec); err != nil {
		logger.Warn("store stage record failed", "stage", rec.Stage, "error", err)
	}
	if err := o.Store.SaveSnapshot(ctx, st.SessionID, st); err != nil {
		logger.Warn("store snapshot failed", "stage", rec.Stage, "error", err)
	}
}

func (o *StoreObserver) RunFinished(ctx context.Context, res *engine.Result) {
	if err := o.Store.SaveSnapshot(ctx, res.State.SessionID, res.State); err != nil {
		logging.FromContext(ctx).Warn("store snapshot failed", "error", err)
	}
}
