package model

import "time"

// Run status constants
const (
	RunQueued  = "QUEUED"
	RunRunning = "RUNNING"
	RunDone    = "DONE"
	RunFailed  = "FAILED"
)

// Story source types
const (
	SourceText   = "text"
	SourceFile   = "file"
	SourceURL    = "url"
	SourceFeed   = "feed"
	SourceReddit = "reddit"
)

// Run is the persisted record of one pipeline execution request.
type Run struct {
	ID          string  `json:"id"`
	SourceType  string  `json:"source_type"`
	SourceRef   string  `json:"source_ref"`
	Status      string  `json:"status"`
	CurrentStep string  `json:"current_step"`
	Attempts    int     `json:"attempts"`
	Summary     *string `json:"summary,omitempty"`
	ErrorInfo   *string `json:"error_info,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// RunWithState is a Run together with its latest state snapshot and stage log.
type RunWithState struct {
	Run
	State        *PipelineState `json:"state,omitempty"`
	Stages       []StageRecord  `json:"stages"`
	Publications []Publication  `json:"publications"`
}

// Publication records where a finished run's video was delivered.
type Publication struct {
	RunID     string `json:"run_id"`
	Target    string `json:"target"`
	Location  string `json:"location"`
	CreatedAt string `json:"created_at"`
}

// RunFilter holds query parameters for listing runs.
type RunFilter struct {
	Status []string
}

// NewRun creates a new Run with QUEUED status.
func NewRun(id, sourceType, sourceRef string) Run {
	now := time.Now().UTC().Format(time.RFC3339)
	return Run{
		ID:          id,
		SourceType:  sourceType,
		SourceRef:   sourceRef,
		Status:      RunQueued,
		CurrentStep: string(StateInit),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanRetry reports whether the run may be re-queued.
func (r Run) CanRetry() bool {
	return r.Status == RunFailed || r.Status == RunDone
}
