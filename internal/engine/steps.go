package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yangwenmai/storyreel/internal/compositor"
	"github.com/yangwenmai/storyreel/internal/degrade"
	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/retry"
	"github.com/yangwenmai/storyreel/internal/service"
	"github.com/yangwenmai/storyreel/internal/source"
)

// Step is one stage of the pipeline. Steps hold no per-run state and may
// be shared between concurrent runs.
type Step interface {
	Name() string
	// Target is the state the run reaches when the step succeeds.
	Target() model.State
	Run(ctx context.Context, st *model.PipelineState) error
}

// Counter is implemented by steps that report counts for their stage record.
type Counter interface {
	Counts(st *model.PipelineState) map[string]int
}

// NarrationFile is the mixed narration track written under the session dir.
const NarrationFile = "narration.m4a"

// ---------------------------------------------------------------------------
// Stage 1: Extract story
// ---------------------------------------------------------------------------

// ExtractStep loads the raw story. Existing story text is kept.
type ExtractStep struct {
	Source source.Source
}

func (s *ExtractStep) Name() string        { return "extract" }
func (s *ExtractStep) Target() model.State { return model.StateStoryExtracted }

func (s *ExtractStep) Run(ctx context.Context, st *model.PipelineState) error {
	if strings.TrimSpace(st.StoryText) != "" {
		return nil
	}
	if s.Source == nil {
		return source.ErrEmptyStory
	}
	story, err := s.Source.Load(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(story.Text) == "" {
		return source.ErrEmptyStory
	}
	st.StoryText = story.Text
	st.StorySource = s.Source.Kind()
	logging.FromContext(ctx).Info("story loaded", "source", st.StorySource, "origin", story.Origin, "chars", len(story.Text))
	return nil
}

func (s *ExtractStep) Counts(st *model.PipelineState) map[string]int {
	return map[string]int{"words": len(strings.Fields(st.StoryText))}
}

// ---------------------------------------------------------------------------
// Stage 2: Generate scenes
// ---------------------------------------------------------------------------

// ScenesStep splits the story into scenes. Existing scenes are kept so
// artifact scene ids stay valid across re-runs.
type ScenesStep struct {
	Planner   ScenePlanner
	MaxScenes int
	Style     string
}

func (s *ScenesStep) Name() string        { return "scenes" }
func (s *ScenesStep) Target() model.State { return model.StateScenesGenerated }

func (s *ScenesStep) Run(ctx context.Context, st *model.PipelineState) error {
	if len(st.Scenes) > 0 {
		return nil
	}
	limit := s.MaxScenes
	if limit <= 0 {
		limit = DefaultMaxScenes
	}
	drafts, err := s.Planner.Plan(ctx, st.StoryText, limit)
	if err != nil {
		return err
	}
	scenes := finalizeScenes(drafts, limit, s.Style)
	if len(scenes) == 0 {
		return ErrNoScenes
	}
	st.Scenes = scenes
	return nil
}

func (s *ScenesStep) Counts(st *model.PipelineState) map[string]int {
	return map[string]int{"scenes": len(st.Scenes)}
}

// ---------------------------------------------------------------------------
// Stages 3 and 4: Generate images and audio
// ---------------------------------------------------------------------------

// ImagesStep renders one still per scene, degrading to a placeholder PNG.
type ImagesStep struct {
	Generator service.Generator
	Policy    retry.Policy
	// Placeholder size; zero uses the degrade defaults.
	Width, Height int
}

func (s *ImagesStep) Name() string        { return "images" }
func (s *ImagesStep) Target() model.State { return model.StateImagesGenerated }

func (s *ImagesStep) Run(ctx context.Context, st *model.PipelineState) error {
	if len(st.Scenes) == 0 {
		return ErrNoScenes
	}
	w, h := placeholderSize(s.Width, s.Height)
	for _, sc := range st.Scenes {
		if existing, ok := st.ImageFor(sc.ID); ok && settled(existing, st.Attempt) {
			continue
		}
		job := service.JobSpec{
			SceneID:    sc.ID,
			Prompt:     sc.VisualPrompt,
			OutputPath: model.ImagePath(st.OutputDir, sc.ID, model.ImageExt),
		}
		a, err := produce(ctx, st, s.Generator, s.Policy, job, st.ImageEndpoint,
			degrade.ImagePlaceholder(job.OutputPath, w, h))
		if err != nil {
			return fmt.Errorf("scene %d image: %w", sc.ID, err)
		}
		if err := st.SetImage(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *ImagesStep) Counts(st *model.PipelineState) map[string]int {
	return methodCounts(st.SceneImages)
}

// AudioStep synthesizes narration per scene, degrading to silence of the
// scene's duration.
type AudioStep struct {
	Generator service.Generator
	Policy    retry.Policy
}

func (s *AudioStep) Name() string        { return "audio" }
func (s *AudioStep) Target() model.State { return model.StateAudioGenerated }

func (s *AudioStep) Run(ctx context.Context, st *model.PipelineState) error {
	if len(st.Scenes) == 0 {
		return ErrNoScenes
	}
	for _, sc := range st.Scenes {
		if existing, ok := st.AudioFor(sc.ID); ok && settled(existing, st.Attempt) {
			continue
		}
		job := service.JobSpec{
			SceneID:    sc.ID,
			Text:       sc.Description,
			OutputPath: model.AudioPath(st.OutputDir, sc.ID, model.AudioExt),
		}
		silence := model.AudioPath(st.OutputDir, sc.ID, "wav")
		a, err := produce(ctx, st, s.Generator, s.Policy, job, "",
			degrade.AudioPlaceholder(silence, sc.DurationSeconds))
		if err != nil {
			return fmt.Errorf("scene %d audio: %w", sc.ID, err)
		}
		if err := st.SetAudio(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *AudioStep) Counts(st *model.PipelineState) map[string]int {
	return methodCounts(st.AudioClips)
}

// produce runs one generation inside the retry envelope and degrades on failure.
func produce(ctx context.Context, st *model.PipelineState, gen service.Generator, policy retry.Policy, job service.JobSpec, endpoint string, placeholder degrade.Placeholder) (model.Artifact, error) {
	logger := logging.FromContext(ctx)
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn("generation attempt failed", "scene_id", job.SceneID, "attempt", attempt, "retry_in", delay.String(), "error", err)
		}
	}
	return degrade.With(ctx, job.SceneID, st.Attempt, func(ctx context.Context) (model.Artifact, error) {
		res, err := retry.DoValue(ctx, policy, func(ctx context.Context) (service.Result, error) {
			return gen.Generate(ctx, job, endpoint)
		})
		if err != nil {
			return model.Artifact{}, err
		}
		return model.Artifact{FilePath: res.FilePath, SourceJobID: res.JobID, SizeBytes: res.SizeBytes}, nil
	}, placeholder)
}

// settled reports whether an artifact needs no further work: it is REAL
// and still on disk, or it was already decided in this attempt.
func settled(a model.Artifact, attempt int) bool {
	if a.GenerationMethod == model.MethodReal {
		return fileExists(a.FilePath)
	}
	return a.Attempt == attempt
}

func methodCounts(list []model.Artifact) map[string]int {
	counts := map[string]int{"real": 0, "degraded": 0}
	for _, a := range list {
		if a.GenerationMethod == model.MethodReal {
			counts["real"]++
		} else {
			counts["degraded"]++
		}
	}
	return counts
}

// ---------------------------------------------------------------------------
// Stage 5: Compile video
// ---------------------------------------------------------------------------

// CompileStep mixes the narration and renders the slideshow. Inputs are
// taken from the state, never from a directory listing.
type CompileStep struct {
	Compositor    compositor.Compositor
	Width, Height int
}

func (s *CompileStep) Name() string        { return "compile" }
func (s *CompileStep) Target() model.State { return model.StateVideoCompiled }

func (s *CompileStep) Run(ctx context.Context, st *model.PipelineState) error {
	if len(st.Scenes) == 0 {
		return ErrNoScenes
	}
	w, h := placeholderSize(s.Width, s.Height)
	method := model.MethodReal

	frames := make([]compositor.Frame, 0, len(st.Scenes))
	clips := make([]compositor.Clip, 0, len(st.Scenes))
	for _, sc := range st.Scenes {
		dur := time.Duration(sc.DurationSeconds * float64(time.Second))

		img, ok := st.ImageFor(sc.ID)
		if !ok || !fileExists(img.FilePath) {
			path := model.ImagePath(st.OutputDir, sc.ID, model.ImageExt)
			if err := degrade.WriteImage(path, w, h); err != nil {
				return fmt.Errorf("scene %d frame: %w", sc.ID, err)
			}
			img = model.Artifact{FilePath: path, GenerationMethod: model.MethodDegraded}
		}
		if img.GenerationMethod != model.MethodReal {
			method = model.MethodDegraded
		}
		frames = append(frames, compositor.Frame{ImagePath: img.FilePath, Duration: dur})

		aud, ok := st.AudioFor(sc.ID)
		if !ok || !fileExists(aud.FilePath) {
			path := model.AudioPath(st.OutputDir, sc.ID, "wav")
			if err := degrade.WriteSilence(path, sc.DurationSeconds, degrade.DefaultSampleRate); err != nil {
				return fmt.Errorf("scene %d silence: %w", sc.ID, err)
			}
			aud = model.Artifact{FilePath: path, GenerationMethod: model.MethodDegraded}
		}
		if aud.GenerationMethod != model.MethodReal {
			method = model.MethodDegraded
		}
		clips = append(clips, compositor.Clip{AudioPath: aud.FilePath, Duration: dur})
	}

	narration := filepath.Join(st.OutputDir, NarrationFile)
	if err := s.Compositor.MixNarration(ctx, clips, narration); err != nil {
		return fmt.Errorf("mix narration: %w", err)
	}

	out := model.VideoPath(st.OutputDir, model.VideoExt)
	err := s.Compositor.Compose(ctx, compositor.Spec{Frames: frames, AudioPath: narration, OutputPath: out})
	if err != nil {
		return fmt.Errorf("compose video: %w", err)
	}
	fi, err := os.Stat(out)
	if err != nil {
		return fmt.Errorf("stat video: %w", err)
	}

	st.VideoArtifact = &model.VideoArtifact{
		FilePath:         out,
		SizeBytes:        fi.Size(),
		GenerationMethod: method,
	}
	logging.FromContext(ctx).Info("video compiled", "path", out, "bytes", fi.Size(), "method", method)
	return nil
}

func (s *CompileStep) Counts(st *model.PipelineState) map[string]int {
	counts := map[string]int{"frames": len(st.Scenes)}
	if st.VideoArtifact != nil {
		counts["bytes"] = int(st.VideoArtifact.SizeBytes)
	}
	return counts
}

func placeholderSize(w, h int) (int, int) {
	if w <= 0 || h <= 0 {
		return degrade.DefaultImageWidth, degrade.DefaultImageHeight
	}
	return w, h
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir() && fi.Size() > 0
}

// isRetryableRun reports whether re-running a failed run might succeed.
func isRetryableRun(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, model.ErrInvalidJob),
		errors.Is(err, source.ErrEmptyStory),
		errors.Is(err, ErrNoScenes),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
