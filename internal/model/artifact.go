package model

import (
	"fmt"
	"path/filepath"
)

// GenerationMethod records whether an artifact came from the real service or a placeholder.
type GenerationMethod string

const (
	MethodReal     GenerationMethod = "REAL"
	MethodDegraded GenerationMethod = "DEGRADED"
)

// Artifact is a per-scene generated file.
type Artifact struct {
	SceneID          int              `json:"scene_id"`
	FilePath         string           `json:"file_path"`
	GenerationMethod GenerationMethod `json:"generation_method"`
	SourceJobID      string           `json:"source_job_id,omitempty"`
	SizeBytes        int64            `json:"size_bytes"`
	Attempt          int              `json:"attempt"`
}

// ImageArtifact is the image generated for one scene.
type ImageArtifact = Artifact

// AudioArtifact is the narration generated for one scene.
type AudioArtifact = Artifact

// VideoArtifact is the compiled film.
type VideoArtifact struct {
	FilePath         string           `json:"file_path"`
	SizeBytes        int64            `json:"size_bytes"`
	GenerationMethod GenerationMethod `json:"generation_method"`
}

// Output file extensions.
const (
	ImageExt = "png"
	AudioExt = "mp3"
	VideoExt = "mp4"
)

// ImagePath returns the load-bearing path of a scene image under dir.
func ImagePath(dir string, sceneID int, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("scene_%d_image.%s", sceneID, ext))
}

// AudioPath returns the load-bearing path of a scene narration clip under dir.
func AudioPath(dir string, sceneID int, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("scene_%d_audio.%s", sceneID, ext))
}

// VideoPath returns the path of the final video under dir.
func VideoPath(dir, ext string) string {
	return filepath.Join(dir, "final_video."+ext)
}
