package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/readiness"
	"github.com/yangwenmai/storyreel/internal/relay"
	"github.com/yangwenmai/storyreel/internal/retry"
	"github.com/yangwenmai/storyreel/internal/service"
	"github.com/yangwenmai/storyreel/internal/source"
)

// fastPolicy retries without sleeping.
func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Strategy:    retry.Exponential,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

// failingGenerator always fails with a transient service error.
type failingGenerator struct {
	calls atomic.Int32
}

func (g *failingGenerator) Generate(context.Context, service.JobSpec, string) (service.Result, error) {
	g.calls.Add(1)
	return service.Result{}, &service.ServiceError{Reason: service.SubmitFailed, StatusCode: 503, Err: errors.New("unavailable")}
}

// countingGenerator wraps StubGenerator and counts calls.
type countingGenerator struct {
	StubGenerator
	calls atomic.Int32
}

func (g *countingGenerator) Generate(ctx context.Context, job service.JobSpec, endpoint string) (service.Result, error) {
	g.calls.Add(1)
	return g.StubGenerator.Generate(ctx, job, endpoint)
}

func newTestOrchestrator(t *testing.T, images, speech service.Generator) *Orchestrator {
	t.Helper()
	return NewOrchestrator(
		Config{OutputRoot: t.TempDir()},
		Deps{
			Planner:     SentencePlanner{},
			Images:      images,
			Speech:      speech,
			Compositor:  StubCompositor{},
			ImagePolicy: fastPolicy(),
			AudioPolicy: fastPolicy(),
		},
	)
}

func storyOf(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "Sentence number %d happens here. ", i)
	}
	return b.String()
}

func TestOrchestrator_FailingServicesStillComplete(t *testing.T) {
	images := &failingGenerator{}
	o := newTestOrchestrator(t, images, service.Unavailable{Name: "speech"})

	res, err := o.Run(context.Background(), Input{SessionID: "sess-fail", Source: source.Text{Body: storyOf(3)}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", res.Status, StatusCompleted)
	}
	st := res.State
	if st.CurrentStep != model.StateDone {
		t.Errorf("CurrentStep = %q, want %q", st.CurrentStep, model.StateDone)
	}
	if st.VideoArtifact == nil {
		t.Fatal("VideoArtifact is nil")
	}
	if st.VideoArtifact.GenerationMethod != model.MethodDegraded {
		t.Errorf("video method = %q, want DEGRADED", st.VideoArtifact.GenerationMethod)
	}
	if res.Summary != "0/3 scenes real, 3 degraded" {
		t.Errorf("Summary = %q", res.Summary)
	}
	// Three scenes, three attempts each.
	if got := images.calls.Load(); got != 9 {
		t.Errorf("image calls = %d, want 9", got)
	}
	if len(st.StageLog) != 5 {
		t.Errorf("stage records = %d, want 5", len(st.StageLog))
	}
	for _, a := range st.AudioClips {
		if filepath.Ext(a.FilePath) != ".wav" {
			t.Errorf("degraded audio path = %q, want .wav", a.FilePath)
		}
	}

	b, err := os.ReadFile(filepath.Join(st.OutputDir, ReportFile))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report Report
	if err := json.Unmarshal(b, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.QualityStatus != model.QualityLow {
		t.Errorf("QualityStatus = %q, want %q", report.QualityStatus, model.QualityLow)
	}
	if len(report.Files) != 7 {
		t.Errorf("report files = %d, want 7", len(report.Files))
	}
	if _, err := os.Stat(filepath.Join(st.OutputDir, StateFile)); err != nil {
		t.Errorf("state snapshot missing: %v", err)
	}
}

func TestOrchestrator_RobotStory(t *testing.T) {
	o := newTestOrchestrator(t, &StubGenerator{}, &StubGenerator{})

	res, err := o.Run(context.Background(), Input{Source: source.Text{Body: "A robot explores a ruined city alone."}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := res.State
	if st.SessionID == "" {
		t.Error("SessionID should be assigned")
	}
	if len(st.Scenes) != 1 {
		t.Fatalf("scenes = %d, want 1", len(st.Scenes))
	}
	if st.Scenes[0].VisualPrompt == "" {
		t.Error("VisualPrompt should be filled in")
	}
	if res.Summary != "1/1 scenes real, 0 degraded" {
		t.Errorf("Summary = %q", res.Summary)
	}
	if st.VideoArtifact == nil || st.VideoArtifact.GenerationMethod != model.MethodReal {
		t.Errorf("video = %+v, want REAL", st.VideoArtifact)
	}
	want := model.ImagePath(st.OutputDir, 1, model.ImageExt)
	if st.SceneImages[0].FilePath != want {
		t.Errorf("image path = %q, want %q", st.SceneImages[0].FilePath, want)
	}
	if st.StorySource != model.SourceText {
		t.Errorf("StorySource = %q, want %q", st.StorySource, model.SourceText)
	}
}

func TestOrchestrator_SceneCounts(t *testing.T) {
	for n := 1; n <= DefaultMaxScenes; n++ {
		t.Run(fmt.Sprintf("scenes=%d", n), func(t *testing.T) {
			o := newTestOrchestrator(t, &StubGenerator{}, &failingGenerator{})
			res, err := o.Run(context.Background(), Input{Source: source.Text{Body: storyOf(n)}})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			st := res.State
			if len(st.Scenes) != n || len(st.SceneImages) != n || len(st.AudioClips) != n {
				t.Errorf("scenes/images/audio = %d/%d/%d, want %d each", len(st.Scenes), len(st.SceneImages), len(st.AudioClips), n)
			}
			for i, a := range st.SceneImages {
				if a.SceneID != st.Scenes[i].ID {
					t.Errorf("image %d scene = %d, want %d", i, a.SceneID, st.Scenes[i].ID)
				}
			}
		})
	}
}

func TestOrchestrator_EmptyStoryFails(t *testing.T) {
	o := newTestOrchestrator(t, &StubGenerator{}, &StubGenerator{})
	res, err := o.Run(context.Background(), Input{SessionID: "empty", Source: source.Text{Body: "   "}})
	if err == nil {
		t.Fatal("expected error for empty story")
	}
	if !errors.Is(err, source.ErrEmptyStory) {
		t.Errorf("err = %v, want ErrEmptyStory", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", res.Status, StatusFailed)
	}
	if res.ErrorInfo == nil || res.ErrorInfo.FailedStep != "extract" {
		t.Errorf("ErrorInfo = %+v, want failed_step extract", res.ErrorInfo)
	}
	if res.ErrorInfo.Retryable {
		t.Error("empty story should not be retryable")
	}
	if len(res.State.StageLog) != 1 || res.State.StageLog[0].Outcome != model.OutcomeFailed {
		t.Errorf("stage log = %+v, want one failed record", res.State.StageLog)
	}
}

func TestOrchestrator_ReadinessTimeoutFailsBeforeStages(t *testing.T) {
	o := NewOrchestrator(
		Config{
			OutputRoot:        t.TempDir(),
			ReadinessTimeout:  50 * time.Millisecond,
			ReadinessInterval: 10 * time.Millisecond,
		},
		Deps{
			Compositor: StubCompositor{},
			Relay:      relay.NewMemory(),
		},
	)
	res, err := o.Run(context.Background(), Input{Source: source.Text{Body: "A story."}})
	var rt *readiness.ReadinessTimeout
	if !errors.As(err, &rt) {
		t.Fatalf("err = %v, want *ReadinessTimeout", err)
	}
	if res.ErrorInfo.FailedStep != ReadinessStep {
		t.Errorf("FailedStep = %q, want %q", res.ErrorInfo.FailedStep, ReadinessStep)
	}
	if len(res.State.StageLog) != 0 {
		t.Errorf("stage records = %d, want 0", len(res.State.StageLog))
	}
	if res.State.CurrentStep != model.StateFailed {
		t.Errorf("CurrentStep = %q, want FAILED", res.State.CurrentStep)
	}
}

func TestOrchestrator_ResumeSkipsRealArtifacts(t *testing.T) {
	images := &countingGenerator{}
	speech := &failingGenerator{}
	o := newTestOrchestrator(t, images, speech)

	first, err := o.Run(context.Background(), Input{SessionID: "resume", Source: source.Text{Body: storyOf(2)}})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if got := images.calls.Load(); got != 2 {
		t.Fatalf("first image calls = %d, want 2", got)
	}

	// Second attempt: images stay REAL, degraded audio is retried.
	speechCalls := speech.calls.Load()
	second, err := o.Run(context.Background(), Input{Resume: first.State})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := images.calls.Load(); got != 2 {
		t.Errorf("image calls after resume = %d, want 2", got)
	}
	if got := speech.calls.Load(); got <= speechCalls {
		t.Errorf("speech calls = %d, want more than %d", got, speechCalls)
	}
	if second.State.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", second.State.Attempt)
	}
	if len(second.State.StageLog) != 10 {
		t.Errorf("stage records = %d, want 10", len(second.State.StageLog))
	}
}

func TestCompileStep_Idempotent(t *testing.T) {
	dir := t.TempDir()
	st := model.NewPipelineState("idem", dir)
	st.Scenes = []model.Scene{
		{ID: 1, Description: "one", VisualPrompt: "one", DurationSeconds: 3},
		{ID: 2, Description: "two", VisualPrompt: "two", DurationSeconds: 4},
	}
	step := &CompileStep{Compositor: StubCompositor{}}

	if err := step.Run(context.Background(), st); err != nil {
		t.Fatalf("first compile: %v", err)
	}
	first := *st.VideoArtifact
	if err := step.Run(context.Background(), st); err != nil {
		t.Fatalf("second compile: %v", err)
	}
	if st.VideoArtifact.SizeBytes != first.SizeBytes {
		t.Errorf("size = %d, want %d", st.VideoArtifact.SizeBytes, first.SizeBytes)
	}
	// No image artifacts at all: placeholder frames, DEGRADED video.
	if first.GenerationMethod != model.MethodDegraded {
		t.Errorf("method = %q, want DEGRADED", first.GenerationMethod)
	}
	if _, err := os.Stat(model.ImagePath(dir, 2, model.ImageExt)); err != nil {
		t.Errorf("placeholder frame missing: %v", err)
	}
}

// recordingStep is a Step whose outcome is fixed.
type recordingStep struct {
	name   string
	target model.State
	err    error
	ran    *[]string
}

func (s *recordingStep) Name() string        { return s.name }
func (s *recordingStep) Target() model.State { return s.target }
func (s *recordingStep) Run(context.Context, *model.PipelineState) error {
	*s.ran = append(*s.ran, s.name)
	return s.err
}

func TestPipeline_StopsOnFirstError(t *testing.T) {
	var ran []string
	boom := errors.New("boom")
	p := NewPipeline(
		&recordingStep{name: "a", target: model.StateStoryExtracted, ran: &ran},
		&recordingStep{name: "b", target: model.StateScenesGenerated, err: boom, ran: &ran},
		&recordingStep{name: "c", target: model.StateImagesGenerated, ran: &ran},
	)
	st := model.NewPipelineState("s", t.TempDir())

	err := p.Run(context.Background(), st)
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StepError", err)
	}
	if se.StepName() != "b" {
		t.Errorf("StepName = %q, want %q", se.StepName(), "b")
	}
	if !errors.Is(err, boom) {
		t.Error("StepError should unwrap to the step error")
	}
	if se.Record == nil || se.Record.Outcome != model.OutcomeFailed {
		t.Errorf("Record = %+v, want failed record", se.Record)
	}
	if strings.Join(ran, ",") != "a,b" {
		t.Errorf("ran = %v, want [a b]", ran)
	}
	if st.CurrentStep != model.StateFailed {
		t.Errorf("CurrentStep = %q, want FAILED", st.CurrentStep)
	}
	if len(st.StageLog) != 2 {
		t.Errorf("stage records = %d, want 2", len(st.StageLog))
	}
}

func TestPipeline_DeadlineStopsBetweenStages(t *testing.T) {
	var ran []string
	p := NewPipeline(
		&recordingStep{name: "a", target: model.StateStoryExtracted, ran: &ran},
		&recordingStep{name: "b", target: model.StateScenesGenerated, ran: &ran},
	)
	st := model.NewPipelineState("s", t.TempDir())

	err := p.Run(context.Background(), st, WithDeadline(time.Now().Add(-time.Second)))
	if !errors.Is(err, ErrRunTimeout) {
		t.Fatalf("err = %v, want ErrRunTimeout", err)
	}
	if len(ran) != 1 {
		t.Errorf("ran = %v, want only the first step", ran)
	}
	if len(st.StageLog) != 1 {
		t.Errorf("stage records = %d, want 1", len(st.StageLog))
	}
	if st.CurrentStep != model.StateFailed {
		t.Errorf("CurrentStep = %q, want FAILED", st.CurrentStep)
	}
}

func TestPipeline_DeadlinePassedDuringLastStage(t *testing.T) {
	var ran []string
	p := NewPipeline(
		&recordingStep{name: "a", target: model.StateStoryExtracted, ran: &ran},
		&recordingStep{name: "compile", target: model.StateVideoCompiled, ran: &ran},
	)
	start := time.Now()
	// The clock jumps past the deadline once the last stage has started.
	p.now = func() time.Time {
		if len(ran) == 2 {
			return start.Add(time.Hour)
		}
		return start
	}
	st := model.NewPipelineState("s", t.TempDir())

	err := p.Run(context.Background(), st, WithDeadline(start.Add(time.Minute)))
	if !errors.Is(err, ErrRunTimeout) {
		t.Fatalf("err = %v, want ErrRunTimeout", err)
	}
	var se *StepError
	if !errors.As(err, &se) || se.StepName() != "compile" {
		t.Errorf("err = %v, want StepError for compile", err)
	}
	if strings.Join(ran, ",") != "a,compile" {
		t.Errorf("ran = %v, want [a compile]", ran)
	}
	if len(st.StageLog) != 2 {
		t.Errorf("stage records = %d, want 2", len(st.StageLog))
	}
	if st.CurrentStep != model.StateFailed {
		t.Errorf("CurrentStep = %q, want FAILED", st.CurrentStep)
	}
}

func TestPipeline_StageHook(t *testing.T) {
	var ran, hooked []string
	p := NewPipeline(
		&recordingStep{name: "a", target: model.StateStoryExtracted, ran: &ran},
		&recordingStep{name: "b", target: model.StateScenesGenerated, ran: &ran},
	)
	st := model.NewPipelineState("s", t.TempDir())
	err := p.Run(context.Background(), st, WithStageHook(func(_ context.Context, _ *model.PipelineState, rec model.StageRecord) {
		hooked = append(hooked, rec.Stage+":"+string(rec.State))
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(hooked, ","); got != "a:STORY_EXTRACTED,b:SCENES_GENERATED" {
		t.Errorf("hooked = %q", got)
	}
	if st.CurrentStep != model.StateDone {
		t.Errorf("CurrentStep = %q, want DONE", st.CurrentStep)
	}
}

func TestStubGenerator_MissingOutputPath(t *testing.T) {
	_, err := (&StubGenerator{}).Generate(context.Background(), service.JobSpec{SceneID: 1, Prompt: "a lighthouse"}, "")
	if !errors.Is(err, errNoOutput) {
		t.Errorf("err = %v, want errNoOutput", err)
	}
}
