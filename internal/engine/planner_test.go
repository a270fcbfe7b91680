package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/yangwenmai/storyreel/internal/model"
)

func TestParseScenes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"plain", `{"scenes":[{"description":"a"},{"description":"b"}]}`, 2},
		{"fenced", "```json\n{\"scenes\":[{\"description\":\"a\"}]}\n```", 1},
		{"prose", "Here you go:\n{\"scenes\":[{\"description\":\"a\"}]}\nEnjoy.", 1},
		{"bare array", `[{"description":"a"},{"description":"b"},{"description":"c"}]`, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScenes(tt.raw)
			if err != nil {
				t.Fatalf("parseScenes: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("scenes = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseScenes_NoJSON(t *testing.T) {
	if _, err := parseScenes("I cannot help with that."); !errors.Is(err, errNoJSON) {
		t.Errorf("err = %v, want errNoJSON", err)
	}
}

func TestFinalizeScenes(t *testing.T) {
	drafts := []model.Scene{
		{Description: "A robot wakes.", DurationSeconds: 0},
		{Description: "  "},
		{Description: "It walks.", VisualPrompt: "robot walking", DurationSeconds: 1},
		{Description: "It rests.", DurationSeconds: 99},
		{Description: "Dropped by the cap."},
	}
	got := finalizeScenes(drafts, 3, "oil painting")
	if len(got) != 3 {
		t.Fatalf("scenes = %d, want 3", len(got))
	}
	for i, sc := range got {
		if sc.ID != i+1 {
			t.Errorf("scene %d ID = %d, want %d", i, sc.ID, i+1)
		}
	}
	if got[0].VisualPrompt != "A robot wakes, oil painting" {
		t.Errorf("VisualPrompt = %q", got[0].VisualPrompt)
	}
	if got[1].VisualPrompt != "robot walking" {
		t.Errorf("VisualPrompt = %q, want model prompt kept", got[1].VisualPrompt)
	}
	if got[0].DurationSeconds != DefaultSceneSeconds {
		t.Errorf("duration = %v, want default %v", got[0].DurationSeconds, DefaultSceneSeconds)
	}
	if got[1].DurationSeconds != MinSceneSeconds {
		t.Errorf("duration = %v, want min %v", got[1].DurationSeconds, MinSceneSeconds)
	}
	if got[2].DurationSeconds != MaxSceneSeconds {
		t.Errorf("duration = %v, want max %v", got[2].DurationSeconds, MaxSceneSeconds)
	}
}

func TestSentencePlanner_GroupsEvenly(t *testing.T) {
	story := "One. Two. Three. Four. Five."
	got, err := SentencePlanner{}.Plan(context.Background(), story, 2)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("scenes = %d, want 2", len(got))
	}
	if got[0].Description != "One. Two. Three." {
		t.Errorf("scene 1 = %q", got[0].Description)
	}
	if got[1].Description != "Four. Five." {
		t.Errorf("scene 2 = %q", got[1].Description)
	}
}

func TestSentencePlanner_Empty(t *testing.T) {
	if _, err := (SentencePlanner{}).Plan(context.Background(), " ... ", 4); !errors.Is(err, ErrNoScenes) {
		t.Errorf("err = %v, want ErrNoScenes", err)
	}
}

type errModel struct{ err error }

func (m errModel) Complete(context.Context, string) (string, error) { return "", m.err }

func TestFallbackPlanner(t *testing.T) {
	fp := FallbackPlanner{
		&ModelPlanner{Label: "broken", Model: errModel{err: errors.New("quota")}},
		&ModelPlanner{Label: "stub", Model: &StubModelClient{}},
		SentencePlanner{},
	}
	if got := fp.Name(); got != "broken>stub>sentences" {
		t.Errorf("Name = %q", got)
	}
	got, err := fp.Plan(context.Background(), "A robot explores a ruined city alone. It finds a flower.", 8)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("scenes = %d, want 2", len(got))
	}
	if !strings.HasPrefix(got[0].VisualPrompt, "[stub]") {
		t.Errorf("VisualPrompt = %q, want stub planner output", got[0].VisualPrompt)
	}
}

func TestFallbackPlanner_AllFail(t *testing.T) {
	fp := FallbackPlanner{
		&ModelPlanner{Label: "a", Model: errModel{err: errors.New("down")}},
		SentencePlanner{},
	}
	_, err := fp.Plan(context.Background(), "", 8)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrNoScenes) {
		t.Errorf("err = %v, want to include ErrNoScenes", err)
	}
}

func TestScenesStep_KeepsExistingScenes(t *testing.T) {
	st := model.NewPipelineState("s", t.TempDir())
	st.Scenes = []model.Scene{{ID: 1, Description: "kept", VisualPrompt: "kept", DurationSeconds: 3}}
	step := &ScenesStep{Planner: SentencePlanner{}}
	st.StoryText = "New one. New two."
	if err := step.Run(context.Background(), st); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.Scenes) != 1 || st.Scenes[0].Description != "kept" {
		t.Errorf("scenes = %+v, want existing scene kept", st.Scenes)
	}
}
