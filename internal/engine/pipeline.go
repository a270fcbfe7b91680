package engine

import (
	"context"
	"errors"
	"time"

	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/model"
)

// ErrRunTimeout is returned when the run deadline passes between stages.
var ErrRunTimeout = errors.New("run timeout exceeded")

// Pipeline runs a fixed sequence of steps over one PipelineState.
type Pipeline struct {
	steps []Step
	now   func() time.Time
}

// NewPipeline creates a pipeline that runs steps in the given order.
func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{steps: steps, now: time.Now}
}

// Steps returns the configured steps in execution order.
func (p *Pipeline) Steps() []Step {
	return p.steps
}

// RunOption configures a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	deadline time.Time
	onStage  func(ctx context.Context, st *model.PipelineState, rec model.StageRecord)
}

// WithDeadline stops the run before the next stage once t has passed.
// The stage in flight is never interrupted.
func WithDeadline(t time.Time) RunOption {
	return func(o *runOptions) { o.deadline = t }
}

// WithStageHook calls fn after every stage record is appended.
func WithStageHook(fn func(ctx context.Context, st *model.PipelineState, rec model.StageRecord)) RunOption {
	return func(o *runOptions) { o.onStage = fn }
}

// Run executes all steps in order. Every executed step appends exactly one
// StageRecord. On success the state reaches DONE; on failure it is FAILED
// and a *StepError names the step that stopped the run.
func (p *Pipeline) Run(ctx context.Context, st *model.PipelineState, opts ...RunOption) error {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.FromContext(ctx)

	for i, step := range p.steps {
		if i > 0 && !o.deadline.IsZero() && p.now().After(o.deadline) {
			st.CurrentStep = model.StateFailed
			logger.Error("run timeout", "next_step", step.Name())
			return &StepError{Step: step.Name(), Err: ErrRunTimeout}
		}
		if err := ctx.Err(); err != nil {
			st.CurrentStep = model.StateFailed
			return &StepError{Step: step.Name(), Err: err}
		}

		logger.Info("stage started", "stage", step.Name(), "attempt", st.Attempt)
		started := p.now()
		err := step.Run(ctx, st)
		rec := model.StageRecord{
			Stage:     step.Name(),
			StartedAt: started.UTC(),
			Duration:  p.now().Sub(started),
			Outcome:   model.OutcomeOK,
		}
		if c, ok := step.(Counter); ok {
			rec.Counts = c.Counts(st)
		}

		if err != nil {
			st.CurrentStep = model.StateFailed
			rec.State = model.StateFailed
			rec.Outcome = model.OutcomeFailed
			rec.Error = err.Error()
			st.AppendStage(rec)
			p.notify(ctx, &o, st, rec)
			logger.Error("stage failed", "stage", step.Name(), "duration", rec.Duration.String(), "error", err)
			return &StepError{Step: step.Name(), Record: st.LastStage(), Err: err}
		}

		st.CurrentStep = step.Target()
		rec.State = step.Target()
		st.AppendStage(rec)
		p.notify(ctx, &o, st, rec)
		logger.Info("stage finished", "stage", step.Name(), "state", rec.State, "duration", rec.Duration.String())
	}

	// A final stage that overran the deadline still fails the run.
	if n := len(p.steps); n > 0 && !o.deadline.IsZero() && p.now().After(o.deadline) {
		last := p.steps[n-1]
		st.CurrentStep = model.StateFailed
		logger.Error("run timeout", "step", last.Name())
		return &StepError{Step: last.Name(), Record: st.LastStage(), Err: ErrRunTimeout}
	}

	st.CurrentStep = model.StateDone
	return nil
}

func (p *Pipeline) notify(ctx context.Context, o *runOptions, st *model.PipelineState, rec model.StageRecord) {
	if o.onStage != nil {
		o.onStage(ctx, st, rec)
	}
}

// StepError wraps an error with the step name that failed.
type StepError struct {
	Step   string
	Record *model.StageRecord
	Err    error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepName returns the failed step's name.
func (e *StepError) StepName() string {
	return e.Step
}
