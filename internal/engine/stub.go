package engine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yangwenmai/storyreel/internal/compositor"
	"github.com/yangwenmai/storyreel/internal/service"
)

// StubModelClient returns a scene plan built from the story in the
// prompt, one scene per sentence (for development/testing).
type StubModelClient struct{}

func (m *StubModelClient) Complete(ctx context.Context, prompt string) (string, error) {
	story := prompt
	if i := strings.LastIndex(prompt, "Story:\n"); i >= 0 {
		story = prompt[i+len("Story:\n"):]
	}
	drafts, err := SentencePlanner{}.Plan(ctx, story, DefaultMaxScenes)
	if err != nil {
		return `{"scenes": []}`, nil
	}
	var p scenesPayload
	for _, d := range drafts {
		p.Scenes = append(p.Scenes, sceneDraft{
			Description:     d.Description,
			VisualPrompt:    "[stub] " + d.Description,
			DurationSeconds: d.DurationSeconds,
		})
	}
	b, _ := json.Marshal(p)
	return string(b), nil
}

// StubGenerator writes Size deterministic bytes per job (for
// development/testing).
type StubGenerator struct {
	Size int
}

func (g *StubGenerator) Generate(_ context.Context, job service.JobSpec, _ string) (service.Result, error) {
	if job.OutputPath == "" {
		return service.Result{}, fmt.Errorf("stub: %w", errNoOutput)
	}
	size := g.Size
	if size <= 0 {
		size = 2048
	}
	seed := sha256.Sum256([]byte(job.Prompt + job.Text))
	body := make([]byte, size)
	for i := range body {
		body[i] = seed[i%len(seed)]
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return service.Result{}, err
	}
	if err := os.WriteFile(job.OutputPath, body, 0o644); err != nil {
		return service.Result{}, err
	}
	return service.Result{
		FilePath:  job.OutputPath,
		SizeBytes: int64(size),
		JobID:     fmt.Sprintf("stub-%d", job.SceneID),
	}, nil
}

var errNoOutput = errors.New("missing output path")

// StubCompositor writes a manifest of its inputs instead of invoking
// ffmpeg. Output is deterministic for identical inputs.
type StubCompositor struct{}

func (StubCompositor) Compose(_ context.Context, spec compositor.Spec) error {
	if len(spec.Frames) == 0 {
		return compositor.ErrNoFrames
	}
	var b strings.Builder
	fmt.Fprintf(&b, "audio %s\n", filepath.Base(spec.AudioPath))
	for _, f := range spec.Frames {
		fmt.Fprintf(&b, "frame %s %.2f\n", filepath.Base(f.ImagePath), f.Duration.Seconds())
	}
	return os.WriteFile(spec.OutputPath, []byte(b.String()), 0o644)
}

func (StubCompositor) MixNarration(_ context.Context, clips []compositor.Clip, out string) error {
	var b strings.Builder
	for _, c := range clips {
		fmt.Fprintf(&b, "clip %s %.2f\n", filepath.Base(c.AudioPath), c.Duration.Seconds())
	}
	return os.WriteFile(out, []byte(b.String()), 0o644)
}
