package store

import (
	"context"

	"github.com/yangwenmai/storyreel/internal/model"
)

// RunReader provides read access to runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*model.RunWithState, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error)
	FindRunBySource(ctx context.Context, sourceType, sourceRef string) (*model.Run, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// RunWriter provides write access to runs.
type RunWriter interface {
	CreateRun(ctx context.Context, r model.Run) error
	RequeueRun(ctx context.Context, id string) error
}

// RunClaimer provides atomic claim and completion operations for workers.
type RunClaimer interface {
	ClaimNextQueued(ctx context.Context) (*model.Run, error)
	FinishRun(ctx context.Context, id, status string, summary, errorInfo *string) error
	ResetStaleRunning(ctx context.Context) (int64, error)
}

// StateStore persists pipeline progress for a run.
type StateStore interface {
	SaveSnapshot(ctx context.Context, runID string, st *model.PipelineState) error
	LoadState(ctx context.Context, runID string) (*model.PipelineState, error)
	AppendStage(ctx context.Context, runID string, attempt int, rec model.StageRecord) error
}

// PublicationStore records delivered videos.
type PublicationStore interface {
	RecordPublication(ctx context.Context, p model.Publication) error
}

// RunRepository combines the run operations used by the API layer.
type RunRepository interface {
	RunReader
	RunWriter
}
