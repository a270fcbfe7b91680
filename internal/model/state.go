package model

import (
	"fmt"
	"time"
)

// State is the pipeline state-machine marker.
type State string

// Pipeline states, in execution order. FAILED is reachable from any state.
const (
	StateInit            State = "INIT"
	StateStoryExtracted  State = "STORY_EXTRACTED"
	StateScenesGenerated State = "SCENES_GENERATED"
	StateImagesGenerated State = "IMAGES_GENERATED"
	StateAudioGenerated  State = "AUDIO_GENERATED"
	StateVideoCompiled   State = "VIDEO_COMPILED"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// Terminal reports whether no further stage may run from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Stage outcome constants.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Scene is one unit of the story, created by the scene stage and immutable afterward.
type Scene struct {
	ID              int     `json:"id"`
	Description     string  `json:"description"`
	VisualPrompt    string  `json:"visual_prompt"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// StageRecord is one entry of the append-only stage log.
type StageRecord struct {
	Stage     string         `json:"stage"`
	State     State          `json:"state"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Outcome   string         `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
}

// PipelineState is the record threaded through every stage of a single run.
type PipelineState struct {
	SessionID     string          `json:"session_id"`
	OutputDir     string          `json:"output_dir"`
	Attempt       int             `json:"attempt"`
	StoryText     string          `json:"story_text"`
	StorySource   string          `json:"story_source,omitempty"`
	ImageEndpoint string          `json:"image_endpoint,omitempty"`
	Scenes        []Scene         `json:"scenes"`
	SceneImages   []ImageArtifact `json:"scene_images"`
	AudioClips    []AudioArtifact `json:"audio_clips"`
	VideoArtifact *VideoArtifact  `json:"video_artifact,omitempty"`
	StageLog      []StageRecord   `json:"stage_log"`
	CurrentStep   State           `json:"current_step"`
}

// NewPipelineState creates the state for a fresh run writing under outputDir.
func NewPipelineState(sessionID, outputDir string) *PipelineState {
	return &PipelineState{
		SessionID:   sessionID,
		OutputDir:   outputDir,
		Attempt:     1,
		CurrentStep: StateInit,
	}
}

// HasScene reports whether a scene with the given id exists.
func (s *PipelineState) HasScene(id int) bool {
	for _, sc := range s.Scenes {
		if sc.ID == id {
			return true
		}
	}
	return false
}

// ImageFor returns the image artifact recorded for a scene.
func (s *PipelineState) ImageFor(sceneID int) (ImageArtifact, bool) {
	return findArtifact(s.SceneImages, sceneID)
}

// AudioFor returns the audio artifact recorded for a scene.
func (s *PipelineState) AudioFor(sceneID int) (AudioArtifact, bool) {
	return findArtifact(s.AudioClips, sceneID)
}

// SetImage records an image artifact, replacing any earlier entry for the same scene.
func (s *PipelineState) SetImage(a ImageArtifact) error {
	out, err := s.setArtifact(s.SceneImages, a)
	if err != nil {
		return err
	}
	s.SceneImages = out
	return nil
}

// SetAudio records an audio artifact, replacing any earlier entry for the same scene.
func (s *PipelineState) SetAudio(a AudioArtifact) error {
	out, err := s.setArtifact(s.AudioClips, a)
	if err != nil {
		return err
	}
	s.AudioClips = out
	return nil
}

// setArtifact keeps the slice in scene order and rejects orphans and
// DEGRADED -> REAL flips within one attempt.
func (s *PipelineState) setArtifact(list []Artifact, a Artifact) ([]Artifact, error) {
	if !s.HasScene(a.SceneID) {
		return list, fmt.Errorf("artifact for unknown scene %d", a.SceneID)
	}
	for i, existing := range list {
		if existing.SceneID != a.SceneID {
			continue
		}
		if existing.GenerationMethod == MethodDegraded && a.GenerationMethod == MethodReal && existing.Attempt == a.Attempt {
			return list, fmt.Errorf("scene %d already degraded in attempt %d", a.SceneID, a.Attempt)
		}
		list[i] = a
		return list, nil
	}

	list = append(list, a)
	// Insertion sort by scene position; lists hold at most a handful of entries.
	for i := len(list) - 1; i > 0 && s.sceneIndex(list[i].SceneID) < s.sceneIndex(list[i-1].SceneID); i-- {
		list[i], list[i-1] = list[i-1], list[i]
	}
	return list, nil
}

func (s *PipelineState) sceneIndex(id int) int {
	for i, sc := range s.Scenes {
		if sc.ID == id {
			return i
		}
	}
	return len(s.Scenes)
}

// AppendStage appends a record to the stage log.
func (s *PipelineState) AppendStage(rec StageRecord) {
	s.StageLog = append(s.StageLog, rec)
}

// LastStage returns the most recent stage record, or nil.
func (s *PipelineState) LastStage() *StageRecord {
	if len(s.StageLog) == 0 {
		return nil
	}
	rec := s.StageLog[len(s.StageLog)-1]
	return &rec
}

// SceneQuality counts scenes whose image and audio are both REAL.
func (s *PipelineState) SceneQuality() (realScenes, degraded int) {
	for _, sc := range s.Scenes {
		img, okImg := s.ImageFor(sc.ID)
		aud, okAud := s.AudioFor(sc.ID)
		if okImg && okAud && img.GenerationMethod == MethodReal && aud.GenerationMethod == MethodReal {
			realScenes++
		} else {
			degraded++
		}
	}
	return realScenes, degraded
}

// QualitySummary renders "X/Y scenes real, Z degraded".
func (s *PipelineState) QualitySummary() string {
	realScenes, degraded := s.SceneQuality()
	return fmt.Sprintf("%d/%d scenes real, %d degraded", realScenes, len(s.Scenes), degraded)
}

// QualityStatus grades the run by the share of real scenes.
func (s *PipelineState) QualityStatus() string {
	if len(s.Scenes) == 0 {
		return QualityLow
	}
	realScenes, _ := s.SceneQuality()
	ratio := float64(realScenes) / float64(len(s.Scenes))
	switch {
	case ratio >= 0.85:
		return QualityHigh
	case ratio >= 0.70:
		return QualityMedium
	default:
		return QualityLow
	}
}

// Quality grades.
const (
	QualityHigh   = "HIGH"
	QualityMedium = "MEDIUM"
	QualityLow    = "LOW"
)

func findArtifact(list []Artifact, sceneID int) (Artifact, bool) {
	for _, a := range list {
		if a.SceneID == sceneID {
			return a, true
		}
	}
	return Artifact{}, false
}
