package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yangwenmai/storyreel/internal/api"
	"github.com/yangwenmai/storyreel/internal/config"
	"github.com/yangwenmai/storyreel/internal/engine"
	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/publish"
	"github.com/yangwenmai/storyreel/internal/relay"
	"github.com/yangwenmai/storyreel/internal/scheduler"
	"github.com/yangwenmai/storyreel/internal/source"
	"github.com/yangwenmai/storyreel/internal/store"
	"github.com/yangwenmai/storyreel/internal/worker"
)

const usage = `usage: storyreel <command> [flags]

commands:
  run     generate one film from a story and exit
  serve   run the HTTP API, worker and scheduler
  relay   run the status relay server
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, os.Args[2:])
	case "serve":
		err = serveCmd(ctx, os.Args[2:])
	case "relay":
		err = relayCmd(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig parses the config file and installs the default logger.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	logging.Setup(cfg.LogLevel)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	story := fs.String("story", "", "story text")
	file := fs.String("file", "", "path to a UTF-8 story file")
	url := fs.String("url", "", "web article URL")
	feed := fs.String("feed", "", "RSS/Atom feed URL")
	subreddit := fs.String("subreddit", "", "subreddit to take a self-post from")
	item := fs.String("item", "", "feed GUID or post id (default: newest)")
	session := fs.String("session", "", "session id (default: random)")
	resume := fs.String("resume", "", "session id to resume from its state.json")
	maxScenes := fs.Int("max-scenes", 0, "override the scene cap")
	stub := fs.Bool("stub", false, "generate images, audio and video locally without services")
	noPublish := fs.Bool("no-publish", false, "skip configured publishers")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *maxScenes > 0 {
		cfg.Pipeline.MaxScenes = *maxScenes
	}

	resolver := buildResolver(cfg)
	src, err := pickSource(resolver, *story, *file, *url, *feed, *subreddit, *item)
	if err != nil && *resume == "" {
		return err
	}

	o, cl, err := buildOrchestrator(ctx, cfg, *stub)
	if err != nil {
		return err
	}
	defer cl.Close()

	if !*noPublish {
		pubs, pcl, err := buildPublishers(ctx, cfg)
		defer pcl.Close()
		if err != nil {
			return err
		}
		if len(pubs) > 0 {
			o.AddObserver(publish.NewDispatcher(pubs))
		}
	}

	in := engine.Input{SessionID: *session, Source: src}
	if *resume != "" {
		st, err := engine.LoadState(filepath.Join(o.SessionDir(*resume), engine.StateFile))
		if err != nil {
			return fmt.Errorf("resume %s: %w", *resume, err)
		}
		in.Resume = st
	}

	res, runErr := o.Run(ctx, in)
	if res == nil {
		return runErr
	}
	printResult(res)
	if runErr != nil {
		return errors.New("run failed")
	}
	return nil
}

// pickSource returns the one story source named by the flags.
func pickSource(r *source.Resolver, story, file, url, feed, subreddit, item string) (source.Source, error) {
	var kind, ref string
	var n int
	for _, c := range []struct{ kind, ref string }{
		{model.SourceText, story},
		{model.SourceFile, file},
		{model.SourceURL, url},
		{model.SourceFeed, feed},
		{model.SourceReddit, subreddit},
	} {
		if c.ref != "" {
			kind, ref = c.kind, c.ref
			n++
		}
	}
	switch {
	case n == 0:
		return nil, errors.New("one of -story, -file, -url, -feed or -subreddit is required")
	case n > 1:
		return nil, errors.New("only one story source may be given")
	}
	if kind == model.SourceFeed || kind == model.SourceReddit {
		ref = source.JoinRef(ref, item)
	}
	return r.Resolve(kind, ref)
}

func printResult(res *engine.Result) {
	st := res.State
	fmt.Printf("session:  %s\n", st.SessionID)
	fmt.Printf("status:   %s\n", res.Status)
	fmt.Printf("quality:  %s (%s)\n", res.Quality, res.Summary)
	if st.VideoArtifact != nil {
		fmt.Printf("video:    %s (%s, %d bytes)\n", st.VideoArtifact.FilePath, st.VideoArtifact.GenerationMethod, st.VideoArtifact.SizeBytes)
	}
	fmt.Printf("report:   %s\n", filepath.Join(st.OutputDir, engine.ReportFile))
	if info := res.ErrorInfo; info != nil {
		fmt.Printf("failed:   %s: %s (retryable=%t)\n", info.FailedStep, info.Message, info.Retryable)
		if last := info.LastStage; last != nil {
			fmt.Printf("stage:    %s %s after %s\n", last.Stage, last.Outcome, last.Duration.Round(time.Millisecond))
		}
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	stub := fs.Bool("stub", false, "generate images, audio and video locally without services")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	db, err := store.OpenSQLite(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	s, err := store.New(db)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	// Runs left RUNNING by a previous process resume from their snapshot.
	if n, err := s.ResetStaleRunning(ctx); err != nil {
		slog.Warn("reset stale runs", "error", err)
	} else if n > 0 {
		slog.Info("requeued stale runs", "count", n)
	}

	o, cl, err := buildOrchestrator(ctx, cfg, *stub)
	if err != nil {
		return err
	}
	defer cl.Close()
	o.AddObserver(&worker.StoreObserver{Store: s})

	pubs, pcl, err := buildPublishers(ctx, cfg)
	defer pcl.Close()
	if err != nil {
		return err
	}
	if len(pubs) > 0 {
		o.AddObserver(publish.NewDispatcher(pubs, publish.WithRecorder(s)))
		slog.Info("publishers enabled", "count", len(pubs))
	}

	resolver := buildResolver(cfg)
	proc := &worker.RunProcessor{Runner: o, Sources: resolver, States: s}
	w := worker.New(s, proc, cfg.Worker.Interval, cfg.Worker.Concurrency)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Start(ctx)
	}()

	if cfg.Scheduler.Enabled {
		var posts scheduler.PostLister
		if resolver.Reddit != nil {
			posts = resolver.Reddit
		}
		sch, err := scheduler.New(scheduler.Config{
			Schedule:     cfg.Scheduler.Schedule,
			Feeds:        cfg.Scheduler.Feeds,
			Subreddits:   cfg.Scheduler.Subreddits,
			MaxPerSource: cfg.Scheduler.MaxPerSource,
		}, s, resolver.Feeds, posts, slog.Default())
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sch.Start(ctx)
		}()
	}

	srv := api.New(s, api.WithCORSOrigin(cfg.Server.CORSOrigin))
	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.Handler(),
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("storyreel server listening", "addr", "http://localhost:"+cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	wg.Wait()
	return nil
}

// ---------------------------------------------------------------------------
// relay
// ---------------------------------------------------------------------------

func relayCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	useRedis := fs.Bool("redis", false, "store records in Redis instead of memory")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	var ch relay.Channel = relay.NewMemory()
	if *useRedis || cfg.Relay.Backend == config.RelayRedis {
		r, err := newRedisRelay(ctx, cfg)
		if err != nil {
			return err
		}
		defer r.Close()
		ch = r
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Relay.ListenPort,
		Handler: relay.NewServer(ch, cfg.Relay.Token).Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("relay listening", "addr", httpServer.Addr, "redis", *useRedis || cfg.Relay.Backend == config.RelayRedis)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("relay server error: %w", err)
	}
	return nil
}
