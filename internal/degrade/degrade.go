// Package degrade substitutes placeholder artifacts when a generation
// service cannot deliver, so a run always reaches its final stage.
package degrade

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/model"
)

// Placeholder writes a stand-in file and returns its path.
type Placeholder func() (string, error)

// With runs op and, on any failure other than model.ErrInvalidJob, writes a
// placeholder and returns it tagged DEGRADED. The returned error is non-nil
// only for invalid jobs, cancellation, or when the placeholder itself
// cannot be written.
func With(ctx context.Context, sceneID, attempt int, op func(ctx context.Context) (model.Artifact, error), placeholder Placeholder) (model.Artifact, error) {
	a, err := op(ctx)
	if err == nil {
		a.SceneID = sceneID
		a.Attempt = attempt
		a.GenerationMethod = model.MethodReal
		return a, nil
	}
	if errors.Is(err, model.ErrInvalidJob) {
		return model.Artifact{}, err
	}
	if ctx.Err() != nil {
		return model.Artifact{}, ctx.Err()
	}

	logging.FromContext(ctx).Warn("degrading artifact", "scene_id", sceneID, "error", err)
	path, perr := placeholder()
	if perr != nil {
		return model.Artifact{}, fmt.Errorf("write placeholder for scene %d: %w", sceneID, perr)
	}
	var size int64
	if fi, serr := os.Stat(path); serr == nil {
		size = fi.Size()
	}
	return model.Artifact{
		SceneID:          sceneID,
		FilePath:         path,
		GenerationMethod: model.MethodDegraded,
		SizeBytes:        size,
		Attempt:          attempt,
	}, nil
}
