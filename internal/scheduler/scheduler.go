// Package scheduler periodically turns new feed items and subreddit posts
// into queued runs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/source"
)

// DefaultSchedule polls every 30 minutes.
const DefaultSchedule = "@every 30m"

// RunStore is the slice of the run store the scheduler needs.
type RunStore interface {
	FindRunBySource(ctx context.Context, sourceType, sourceRef string) (*model.Run, error)
	CreateRun(ctx context.Context, r model.Run) error
}

// FeedLister lists feed items.
type FeedLister interface {
	Items(ctx context.Context, feedURL string, max int) ([]source.FeedItem, error)
}

// PostLister lists subreddit posts.
type PostLister interface {
	Posts(ctx context.Context, subreddit string) ([]source.RedditPost, error)
}

// Config selects what to watch.
type Config struct {
	Schedule   string
	Feeds      []string
	Subreddits []string
	// MaxPerSource caps new runs per feed or subreddit per tick.
	MaxPerSource int
}

// Scheduler enqueues one run per unseen item.
type Scheduler struct {
	cfg    Config
	store  RunStore
	feeds  FeedLister
	reddit PostLister
	logger *slog.Logger
	cron   *cron.Cron
}

// New validates the schedule and builds a scheduler. reddit may be nil
// when no subreddits are watched.
func New(cfg Config, store RunStore, feeds FeedLister, reddit PostLister, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxPerSource <= 0 {
		cfg.MaxPerSource = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	if len(cfg.Subreddits) > 0 && reddit == nil {
		return nil, fmt.Errorf("subreddits configured without a reddit client")
	}

	cl := cronLogger{logger: logger}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		feeds:  feeds,
		reddit: reddit,
		logger: logger,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}, nil
}

// Start runs the schedule until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		n, err := s.Tick(ctx)
		if err != nil {
			s.logger.Error("scheduler tick failed", "error", err, "enqueued", n)
			return
		}
		s.logger.Info("scheduler tick", "enqueued", n)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.cfg.Schedule, "feeds", len(s.cfg.Feeds), "subreddits", len(s.cfg.Subreddits))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Tick checks every watched source once and returns how many runs were
// enqueued. A failing source is logged and skipped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	var total int
	for _, feedURL := range s.cfg.Feeds {
		items, err := s.feeds.Items(ctx, feedURL, 0)
		if err != nil {
			s.logger.Warn("feed fetch failed", "feed", feedURL, "error", err)
			continue
		}
		refs := make([]string, 0, len(items))
		for _, it := range items {
			refs = append(refs, source.JoinRef(feedURL, it.GUID))
		}
		n, err := s.enqueue(ctx, model.SourceFeed, refs)
		total += n
		if err != nil {
			return total, err
		}
	}

	for _, sub := range s.cfg.Subreddits {
		posts, err := s.reddit.Posts(ctx, sub)
		if err != nil {
			s.logger.Warn("subreddit fetch failed", "subreddit", sub, "error", err)
			continue
		}
		refs := make([]string, 0, len(posts))
		for _, p := range posts {
			refs = append(refs, source.JoinRef(sub, p.ID))
		}
		n, err := s.enqueue(ctx, model.SourceReddit, refs)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// enqueue creates runs for refs never seen before, up to MaxPerSource.
func (s *Scheduler) enqueue(ctx context.Context, kind string, refs []string) (int, error) {
	var n int
	for _, ref := range refs {
		if n >= s.cfg.MaxPerSource {
			break
		}
		existing, err := s.store.FindRunBySource(ctx, kind, ref)
		if err != nil {
			return n, fmt.Errorf("find run: %w", err)
		}
		if existing != nil {
			continue
		}
		run := model.NewRun(uuid.New().String(), kind, ref)
		if err := s.store.CreateRun(ctx, run); err != nil {
			return n, fmt.Errorf("create run: %w", err)
		}
		s.logger.Info("run enqueued", "run_id", run.ID, "source_type", kind, "source_ref", ref)
		n++
	}
	return n, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
