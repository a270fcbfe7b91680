package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yangwenmai/storyreel/internal/model"
)

// File names written under each session directory.
const (
	ReportFile = "report.json"
	StateFile  = "state.json"
)

// Run outcome reported to callers.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Report is the quality report written at the end of every run.
type Report struct {
	SessionID      string              `json:"session_id"`
	Status         string              `json:"status"`
	Attempt        int                 `json:"attempt"`
	FinalState     model.State         `json:"final_state"`
	QualityStatus  string              `json:"quality_status"`
	QualitySummary string              `json:"quality_summary"`
	TotalScenes    int                 `json:"total_scenes"`
	RealScenes     int                 `json:"real_scenes"`
	DegradedScenes int                 `json:"degraded_scenes"`
	Files          []ReportEntry       `json:"files"`
	Stages         []model.StageRecord `json:"stages"`
	Error          *model.ErrorInfo    `json:"error,omitempty"`
	GeneratedAt    string              `json:"generated_at"`
}

// ReportEntry describes one output file.
type ReportEntry struct {
	Kind      string                 `json:"kind"`
	SceneID   int                    `json:"scene_id,omitempty"`
	Path      string                 `json:"path"`
	Method    model.GenerationMethod `json:"generation_method"`
	SizeBytes int64                  `json:"size_bytes"`
}

// BuildReport summarizes st.
func BuildReport(st *model.PipelineState, status string, errInfo *model.ErrorInfo) Report {
	realScenes, degraded := st.SceneQuality()
	r := Report{
		SessionID:      st.SessionID,
		Status:         status,
		Attempt:        st.Attempt,
		FinalState:     st.CurrentStep,
		QualityStatus:  st.QualityStatus(),
		QualitySummary: st.QualitySummary(),
		TotalScenes:    len(st.Scenes),
		RealScenes:     realScenes,
		DegradedScenes: degraded,
		Files:          []ReportEntry{},
		Stages:         st.StageLog,
		Error:          errInfo,
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	for _, a := range st.SceneImages {
		r.Files = append(r.Files, ReportEntry{Kind: "image", SceneID: a.SceneID, Path: a.FilePath, Method: a.GenerationMethod, SizeBytes: a.SizeBytes})
	}
	for _, a := range st.AudioClips {
		r.Files = append(r.Files, ReportEntry{Kind: "audio", SceneID: a.SceneID, Path: a.FilePath, Method: a.GenerationMethod, SizeBytes: a.SizeBytes})
	}
	if v := st.VideoArtifact; v != nil {
		r.Files = append(r.Files, ReportEntry{Kind: "video", Path: v.FilePath, Method: v.GenerationMethod, SizeBytes: v.SizeBytes})
	}
	return r
}

// LoadState reads a state snapshot written by a previous run.
func LoadState(path string) (*model.PipelineState, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st model.PipelineState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	return &st, nil
}

// writeJSON writes v as indented JSON, replacing path atomically.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
