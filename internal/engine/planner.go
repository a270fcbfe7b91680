package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/retry"
)

// Scene bounds.
const (
	DefaultMaxScenes    = 8
	DefaultSceneSeconds = 5.0
	MinSceneSeconds     = 2.0
	MaxSceneSeconds     = 20.0
	DefaultVisualStyle  = "cinematic lighting, highly detailed, digital painting"
)

const narrationWordsPerSecond = 2.5

// ErrNoScenes is returned when a story yields zero scenes.
var ErrNoScenes = errors.New("story produced no scenes")

// ScenePlanner splits a story into draft scenes. Drafts need not be
// numbered, capped or complete; the scene stage finalizes them.
type ScenePlanner interface {
	Name() string
	Plan(ctx context.Context, story string, maxScenes int) ([]model.Scene, error)
}

// ModelPlanner asks an LLM for scenes, retrying under the Model policy.
type ModelPlanner struct {
	Label  string
	Model  ModelClient
	Policy retry.Policy
}

func (p *ModelPlanner) Name() string { return p.Label }

func (p *ModelPlanner) Plan(ctx context.Context, story string, maxScenes int) ([]model.Scene, error) {
	prompt := buildScenePrompt(story, maxScenes)
	raw, err := retry.DoValue(ctx, p.Policy, func(ctx context.Context) (string, error) {
		return p.Model.Complete(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}
	drafts, err := parseScenes(raw)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, ErrNoScenes
	}
	scenes := make([]model.Scene, len(drafts))
	for i, d := range drafts {
		scenes[i] = model.Scene{
			Description:     d.Description,
			VisualPrompt:    d.VisualPrompt,
			DurationSeconds: d.DurationSeconds,
		}
	}
	return scenes, nil
}

// SentencePlanner splits the story on sentence boundaries. It needs no
// network and always succeeds for non-empty text.
type SentencePlanner struct{}

func (SentencePlanner) Name() string { return "sentences" }

var sentenceEnd = regexp.MustCompile(`[^.!?\n]+[.!?]*`)

func (SentencePlanner) Plan(_ context.Context, story string, maxScenes int) ([]model.Scene, error) {
	var sentences []string
	for _, m := range sentenceEnd.FindAllString(story, -1) {
		if s := strings.TrimSpace(m); s != "" && strings.Trim(s, ".!? ") != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return nil, ErrNoScenes
	}

	groups := len(sentences)
	if maxScenes > 0 && groups > maxScenes {
		groups = maxScenes
	}
	drafts := make([]model.Scene, 0, groups)
	// Spread sentences evenly; earlier groups take the remainder.
	per, extra := len(sentences)/groups, len(sentences)%groups
	i := 0
	for g := 0; g < groups; g++ {
		n := per
		if g < extra {
			n++
		}
		text := strings.Join(sentences[i:i+n], " ")
		i += n
		words := len(strings.Fields(text))
		drafts = append(drafts, model.Scene{
			Description:     text,
			DurationSeconds: math.Ceil(float64(words) / narrationWordsPerSecond),
		})
	}
	return drafts, nil
}

// FallbackPlanner tries each planner in order and returns the first
// non-empty plan.
type FallbackPlanner []ScenePlanner

func (f FallbackPlanner) Name() string {
	names := make([]string, len(f))
	for i, p := range f {
		names[i] = p.Name()
	}
	return strings.Join(names, ">")
}

func (f FallbackPlanner) Plan(ctx context.Context, story string, maxScenes int) ([]model.Scene, error) {
	logger := logging.FromContext(ctx)
	var errs []error
	for _, p := range f {
		drafts, err := p.Plan(ctx, story, maxScenes)
		if err == nil && len(drafts) > 0 {
			logger.Info("scenes planned", "planner", p.Name(), "scenes", len(drafts))
			return drafts, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			err = ErrNoScenes
		}
		logger.Warn("planner failed, falling back", "planner", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, errors.Join(errs...)
}

// finalizeScenes caps, numbers and fills in drafts. Scenes with no
// description are dropped.
func finalizeScenes(drafts []model.Scene, maxScenes int, style string) []model.Scene {
	if style == "" {
		style = DefaultVisualStyle
	}
	scenes := make([]model.Scene, 0, len(drafts))
	for _, d := range drafts {
		if maxScenes > 0 && len(scenes) >= maxScenes {
			break
		}
		desc := strings.TrimSpace(d.Description)
		if desc == "" {
			continue
		}
		visual := strings.TrimSpace(d.VisualPrompt)
		if visual == "" {
			visual = strings.TrimRight(desc, ".!? ") + ", " + style
		}
		scenes = append(scenes, model.Scene{
			ID:              len(scenes) + 1,
			Description:     desc,
			VisualPrompt:    visual,
			DurationSeconds: clampDuration(d.DurationSeconds),
		})
	}
	return scenes
}

func clampDuration(s float64) float64 {
	switch {
	case s <= 0 || math.IsNaN(s):
		return DefaultSceneSeconds
	case s < MinSceneSeconds:
		return MinSceneSeconds
	case s > MaxSceneSeconds:
		return MaxSceneSeconds
	default:
		return s
	}
}
