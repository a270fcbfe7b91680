// Package publish delivers finished films to external destinations: an
// S3 bucket, a YouTube channel, and a Kafka completion topic.
package publish

import (
	"context"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yangwenmai/storyreel/internal/engine"
	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/retry"
)

// maxTitleLen is YouTube's title limit.
const maxTitleLen = 100

// Video describes one finished film.
type Video struct {
	RunID       string
	Path        string
	ReportPath  string
	Title       string
	Description string
	SizeBytes   int64
	Degraded    bool
	Quality     string
	Summary     string
}

// Publisher delivers a video and returns where it landed.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, v Video) (location string, err error)
}

// Recorder persists publication records.
type Recorder interface {
	RecordPublication(ctx context.Context, p model.Publication) error
}

// Dispatcher fans a completed run out to every publisher. It never fails
// the run: publisher errors are logged.
type Dispatcher struct {
	publishers []Publisher
	recorder   Recorder
	policy     retry.Policy
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder stores a Publication for each successful delivery.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithPolicy overrides the retry policy (default retry.External()).
func WithPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// NewDispatcher creates a dispatcher over publishers.
func NewDispatcher(publishers []Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publishers: publishers,
		policy:     retry.External(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ engine.Observer = (*Dispatcher)(nil)

func (d *Dispatcher) StageFinished(context.Context, *model.PipelineState, model.StageRecord) {}

// RunFinished publishes the video of a completed run.
func (d *Dispatcher) RunFinished(ctx context.Context, res *engine.Result) {
	if res == nil || res.Status != engine.StatusCompleted || res.State == nil || res.State.VideoArtifact == nil {
		return
	}
	d.Publish(ctx, VideoFromResult(res))
}

// Publish delivers v to every publisher and returns the successful
// publications.
func (d *Dispatcher) Publish(ctx context.Context, v Video) []model.Publication {
	logger := logging.FromContext(ctx)
	var out []model.Publication
	for _, p := range d.publishers {
		policy := d.policy
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn("publish retry", "target", p.Name(), "attempt", attempt, "delay", delay, "error", err)
		}
		loc, err := retry.DoValue(ctx, policy, func(ctx context.Context) (string, error) {
			return p.Publish(ctx, v)
		})
		if err != nil {
			logger.Error("publish failed", "target", p.Name(), "error", err)
			continue
		}

		pub := model.Publication{
			RunID:     v.RunID,
			Target:    p.Name(),
			Location:  loc,
			CreatedAt: d.now().UTC().Format(time.RFC3339),
		}
		logger.Info("published", "target", pub.Target, "location", pub.Location)
		if d.recorder != nil {
			if err := d.recorder.RecordPublication(ctx, pub); err != nil {
				logger.Warn("record publication failed", "target", pub.Target, "error", err)
			}
		}
		out = append(out, pub)
	}
	return out
}

// VideoFromResult builds the publishable description of a finished run.
func VideoFromResult(res *engine.Result) Video {
	st := res.State
	v := Video{
		RunID:    st.SessionID,
		Quality:  res.Quality,
		Summary:  res.Summary,
		Title:    titleOf(st.StoryText),
		Degraded: st.VideoArtifact.GenerationMethod == model.MethodDegraded,
	}
	v.Path = st.VideoArtifact.FilePath
	v.SizeBytes = st.VideoArtifact.SizeBytes
	v.ReportPath = filepath.Join(st.OutputDir, engine.ReportFile)

	var b strings.Builder
	for _, sc := range st.Scenes {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sc.Description)
	}
	v.Description = b.String()
	return v
}

// titleOf uses the first line of the story, cut at a word boundary.
func titleOf(story string) string {
	title := strings.TrimSpace(story)
	if i := strings.IndexAny(title, "\n.!?"); i > 0 {
		title = title[:i]
	}
	if title == "" {
		return "Untitled story"
	}
	if utf8.RuneCountInString(title) <= maxTitleLen {
		return title
	}
	runes := []rune(title)[:maxTitleLen]
	cut := string(runes)
	if i := strings.LastIndex(cut, " "); i > maxTitleLen/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
