package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/storyreel/internal/compositor"
	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/readiness"
	"github.com/yangwenmai/storyreel/internal/relay"
	"github.com/yangwenmai/storyreel/internal/retry"
	"github.com/yangwenmai/storyreel/internal/service"
	"github.com/yangwenmai/storyreel/internal/source"
)

// DefaultRunTimeout bounds a whole run.
const DefaultRunTimeout = 30 * time.Minute

// ReadinessStep names the pre-pipeline endpoint check in error reports.
const ReadinessStep = "readiness"

// Config holds the knobs of one orchestrator.
type Config struct {
	OutputRoot  string
	MaxScenes   int
	VisualStyle string
	RunTimeout  time.Duration

	ReadinessKey      string
	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration

	PlaceholderWidth  int
	PlaceholderHeight int

	LogLevel slog.Level
}

// Deps are the collaborators an orchestrator drives. Nil generators are
// treated as unconfigured services and always degrade.
type Deps struct {
	Planner    ScenePlanner
	Images     service.Generator
	Speech     service.Generator
	Compositor compositor.Compositor

	// Relay, when set, is polled for the image endpoint before the first stage.
	Relay  relay.Channel
	Poller *readiness.Poller

	ImagePolicy retry.Policy
	AudioPolicy retry.Policy
}

// Observer is told about stage records and finished runs. Observer
// failures never change a run's outcome.
type Observer interface {
	StageFinished(ctx context.Context, st *model.PipelineState, rec model.StageRecord)
	RunFinished(ctx context.Context, res *Result)
}

// Input selects the story for one run.
type Input struct {
	// SessionID names the run; empty assigns a new uuid.
	SessionID string
	Source    source.Source
	// Resume continues a previous state; REAL artifacts are kept.
	Resume *model.PipelineState
}

// Result is the outcome of Orchestrator.Run.
type Result struct {
	State     *model.PipelineState
	Status    string
	Summary   string
	Quality   string
	ErrorInfo *model.ErrorInfo
	Err       error
}

// Orchestrator runs the full story-to-video flow for one input at a time.
// It is safe for concurrent use; every run owns its own state.
type Orchestrator struct {
	cfg       Config
	deps      Deps
	observers []Observer
}

// NewOrchestrator fills defaults and returns an Orchestrator.
func NewOrchestrator(cfg Config, deps Deps, observers ...Observer) *Orchestrator {
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = "output"
	}
	if cfg.MaxScenes <= 0 {
		cfg.MaxScenes = DefaultMaxScenes
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.ReadinessKey == "" {
		cfg.ReadinessKey = "comfyui"
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = readiness.DefaultTimeout
	}
	if cfg.ReadinessInterval <= 0 {
		cfg.ReadinessInterval = readiness.DefaultInterval
	}
	if deps.Planner == nil {
		deps.Planner = SentencePlanner{}
	}
	if deps.Images == nil {
		deps.Images = service.Unavailable{Name: "image"}
	}
	if deps.Speech == nil {
		deps.Speech = service.Unavailable{Name: "speech"}
	}
	if deps.Compositor == nil {
		deps.Compositor = compositor.NewFFmpeg()
	}
	if deps.Poller == nil {
		deps.Poller = readiness.NewPoller()
	}
	if deps.ImagePolicy.MaxAttempts == 0 {
		deps.ImagePolicy = retry.External()
	}
	if deps.AudioPolicy.MaxAttempts == 0 {
		deps.AudioPolicy = retry.External()
	}
	return &Orchestrator{cfg: cfg, deps: deps, observers: observers}
}

// AddObserver registers o for subsequent runs.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Pipeline returns the stage graph for a run reading from src.
func (o *Orchestrator) Pipeline(src source.Source) *Pipeline {
	return NewPipeline(
		&ExtractStep{Source: src},
		&ScenesStep{Planner: o.deps.Planner, MaxScenes: o.cfg.MaxScenes, Style: o.cfg.VisualStyle},
		&ImagesStep{Generator: o.deps.Images, Policy: o.deps.ImagePolicy, Width: o.cfg.PlaceholderWidth, Height: o.cfg.PlaceholderHeight},
		&AudioStep{Generator: o.deps.Speech, Policy: o.deps.AudioPolicy},
		&CompileStep{Compositor: o.deps.Compositor, Width: o.cfg.PlaceholderWidth, Height: o.cfg.PlaceholderHeight},
	)
}

// SessionDir returns the output directory of a session.
func (o *Orchestrator) SessionDir(sessionID string) string {
	return filepath.Join(o.cfg.OutputRoot, sessionID)
}

// Run executes one run to DONE or FAILED. The returned error equals
// Result.Err; a run that degraded scenes still completes.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*Result, error) {
	st := o.prepare(in)
	if err := os.MkdirAll(st.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	logger, closer, err := logging.SessionLogger(st.OutputDir, st.SessionID, o.cfg.LogLevel)
	if err != nil {
		logger = logging.FromContext(ctx).With("session_id", st.SessionID)
		logger.Warn("session log unavailable", "error", err)
	} else {
		defer closer.Close()
	}
	ctx = logging.WithLogger(ctx, logger)
	logger.Info("run started", "attempt", st.Attempt, "output_dir", st.OutputDir)

	if err := o.resolveEndpoint(ctx, st); err != nil {
		st.CurrentStep = model.StateFailed
		return o.finish(ctx, st, err)
	}

	deadline := time.Now().Add(o.cfg.RunTimeout)
	err = o.Pipeline(in.Source).Run(ctx, st,
		WithDeadline(deadline),
		WithStageHook(o.stageFinished),
	)
	return o.finish(ctx, st, err)
}

func (o *Orchestrator) prepare(in Input) *model.PipelineState {
	if st := in.Resume; st != nil {
		st.Attempt++
		st.CurrentStep = model.StateInit
		if st.OutputDir == "" {
			st.OutputDir = o.SessionDir(st.SessionID)
		}
		return st
	}
	id := in.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	return model.NewPipelineState(id, o.SessionDir(id))
}

// resolveEndpoint waits for the image endpoint when a relay is configured.
func (o *Orchestrator) resolveEndpoint(ctx context.Context, st *model.PipelineState) error {
	if o.deps.Relay == nil {
		return nil
	}
	ep, err := o.deps.Poller.WaitUntilReady(ctx, o.deps.Relay, o.cfg.ReadinessKey, o.cfg.ReadinessTimeout, o.cfg.ReadinessInterval)
	if err != nil {
		return &StepError{Step: ReadinessStep, Err: err}
	}
	st.ImageEndpoint = ep.URL
	return nil
}

func (o *Orchestrator) stageFinished(ctx context.Context, st *model.PipelineState, rec model.StageRecord) {
	if err := writeJSON(filepath.Join(st.OutputDir, StateFile), st); err != nil {
		logging.FromContext(ctx).Warn("state snapshot failed", "error", err)
	}
	for _, obs := range o.observers {
		obs.StageFinished(ctx, st, rec)
	}
}

func (o *Orchestrator) finish(ctx context.Context, st *model.PipelineState, runErr error) (*Result, error) {
	logger := logging.FromContext(ctx)
	res := &Result{
		State:   st,
		Status:  StatusCompleted,
		Summary: st.QualitySummary(),
		Quality: st.QualityStatus(),
		Err:     runErr,
	}
	if runErr != nil {
		res.Status = StatusFailed
		res.ErrorInfo = BuildErrorInfo(runErr, st)
	}

	if err := writeJSON(filepath.Join(st.OutputDir, StateFile), st); err != nil {
		logger.Warn("state snapshot failed", "error", err)
	}
	if err := writeJSON(filepath.Join(st.OutputDir, ReportFile), BuildReport(st, res.Status, res.ErrorInfo)); err != nil {
		logger.Warn("report write failed", "error", err)
	}

	if runErr != nil {
		logger.Error("run failed", "step", res.ErrorInfo.FailedStep, "error", runErr)
	} else {
		logger.Info("run completed", "summary", res.Summary, "quality", res.Quality)
	}
	for _, obs := range o.observers {
		obs.RunFinished(ctx, res)
	}
	return res, runErr
}

// stepNamer is implemented by errors that carry a pipeline step name.
type stepNamer interface {
	StepName() string
}

// BuildErrorInfo converts a run error into its persisted form.
func BuildErrorInfo(err error, st *model.PipelineState) *model.ErrorInfo {
	step := "unknown"
	var sn stepNamer
	if errors.As(err, &sn) {
		step = sn.StepName()
	}
	info := &model.ErrorInfo{
		FailedStep: step,
		Message:    err.Error(),
		Retryable:  isRetryableRun(err),
		FailedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if st != nil {
		info.LastStage = st.LastStage()
	}
	return info
}

// LogObserver logs stage records through the run's logger.
type LogObserver struct{}

func (LogObserver) StageFinished(ctx context.Context, st *model.PipelineState, rec model.StageRecord) {
	logging.FromContext(ctx).Debug("stage record", "stage", rec.Stage, "outcome", rec.Outcome, "counts", rec.Counts)
}

func (LogObserver) RunFinished(ctx context.Context, res *Result) {
	logging.FromContext(ctx).Info("run finished", "status", res.Status, "summary", res.Summary)
}
