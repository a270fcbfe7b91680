package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/yangwenmai/storyreel/internal/compositor"
	"github.com/yangwenmai/storyreel/internal/config"
	"github.com/yangwenmai/storyreel/internal/engine"
	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/publish"
	"github.com/yangwenmai/storyreel/internal/readiness"
	"github.com/yangwenmai/storyreel/internal/relay"
	"github.com/yangwenmai/storyreel/internal/retry"
	"github.com/yangwenmai/storyreel/internal/service"
	"github.com/yangwenmai/storyreel/internal/source"
)

// closers collects resources to release on shutdown.
type closers []io.Closer

func (c closers) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].Close()
	}
}

// buildPlanner chains the configured provider first, every other keyed
// provider next, and sentence splitting last.
func buildPlanner(cfg config.Config) engine.ScenePlanner {
	if cfg.UseStubs() {
		slog.Info("no LLM key for provider, using stub planner", "provider", cfg.LLM.Provider)
		return engine.FallbackPlanner{
			&engine.ModelPlanner{Label: "stub", Model: &engine.StubModelClient{}, Policy: retry.Model()},
			engine.SentencePlanner{},
		}
	}

	clients := map[string]engine.ModelClient{}
	if cfg.LLM.OpenAIKey != "" {
		clients["openai"] = engine.NewOpenAIClient(cfg.LLM.OpenAIKey,
			engine.WithModel(cfg.LLM.OpenAIModel), engine.WithBaseURL(cfg.LLM.OpenAIBaseURL))
	}
	if cfg.LLM.AnthropicKey != "" {
		clients["claude"] = engine.NewClaudeClient(cfg.LLM.AnthropicKey, engine.WithClaudeModel(cfg.LLM.AnthropicModel))
	}
	if cfg.LLM.GeminiKey != "" {
		clients["gemini"] = engine.NewGeminiClient(cfg.LLM.GeminiKey, engine.WithGeminiModel(cfg.LLM.GeminiModel))
	}
	if cfg.LLM.CohereKey != "" {
		clients["cohere"] = engine.NewCohereClient(cfg.LLM.CohereKey, cfg.LLM.CohereModel)
	}
	if cfg.LLM.Provider == "ollama" {
		clients["ollama"] = engine.NewOllamaClient(cfg.LLM.OllamaURL, engine.WithOllamaModel(cfg.LLM.OllamaModel))
	}

	var chain engine.FallbackPlanner
	add := func(name string) {
		if c, ok := clients[name]; ok {
			chain = append(chain, &engine.ModelPlanner{Label: name, Model: c, Policy: retry.Model()})
			delete(clients, name)
		}
	}
	add(cfg.LLM.Provider)
	for _, name := range []string{"gemini", "openai", "claude", "cohere"} {
		add(name)
	}
	return append(chain, engine.SentencePlanner{})
}

// buildRelay returns the channel the readiness poller reads, or nil when
// no image endpoint is configured.
func buildRelay(ctx context.Context, cfg config.Config) (relay.Channel, io.Closer, error) {
	switch cfg.Relay.Backend {
	case config.RelayStatic:
		return relay.Static{URL: cfg.ComfyUI.URL}, nil, nil
	case config.RelayHTTP:
		return relay.NewHTTPChannel(cfg.Relay.URL, relay.WithToken(cfg.Relay.Token)), nil, nil
	case config.RelayRedis:
		r, err := newRedisRelay(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	default:
		return nil, nil, nil
	}
}

func newRedisRelay(ctx context.Context, cfg config.Config) (*relay.Redis, error) {
	return relay.NewRedis(ctx, relay.RedisConfig{
		Addr:     cfg.Relay.RedisAddr,
		Password: cfg.Relay.RedisPassword,
		DB:       cfg.Relay.RedisDB,
		TTL:      cfg.Relay.TTL,
	})
}

// buildOrchestrator wires every pipeline collaborator from cfg. With stub
// set, images, speech and composition are produced locally.
func buildOrchestrator(ctx context.Context, cfg config.Config, stub bool) (*engine.Orchestrator, closers, error) {
	var cl closers
	deps := engine.Deps{
		Planner:     buildPlanner(cfg),
		ImagePolicy: retry.External(),
		AudioPolicy: retry.External(),
		Poller:      readiness.NewPoller(readiness.WithHTTPClient(&http.Client{Timeout: cfg.Pipeline.HTTPTimeout})),
	}

	if stub {
		deps.Images = &engine.StubGenerator{}
		deps.Speech = &engine.StubGenerator{}
		deps.Compositor = &engine.StubCompositor{}
	} else {
		ch, closer, err := buildRelay(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if closer != nil {
			cl = append(cl, closer)
		}
		if ch != nil {
			deps.Relay = ch
			deps.Images = service.NewComfyUI(cfg.ComfyUI.ClientID,
				service.WithPolling(cfg.ComfyUI.PollInterval, cfg.ComfyUI.PollTimeout),
				service.WithMinImageBytes(cfg.ComfyUI.MinImageBytes),
			)
		}
		if cfg.Speech.APIKey != "" {
			deps.Speech = service.NewSpeech(cfg.Speech.APIKey,
				service.WithSpeechBaseURL(cfg.Speech.BaseURL),
				service.WithVoice(cfg.Speech.VoiceID),
				service.WithSpeechModel(cfg.Speech.ModelID),
			)
		}
		deps.Compositor = compositor.NewFFmpeg(
			compositor.WithBinary(cfg.Pipeline.FFmpegBinary),
			compositor.WithSize(cfg.Pipeline.PlaceholderWidth, cfg.Pipeline.PlaceholderHeight),
			compositor.WithFPS(cfg.Pipeline.FPS),
		)
	}

	o := engine.NewOrchestrator(engine.Config{
		OutputRoot:        cfg.Pipeline.OutputRoot,
		MaxScenes:         cfg.Pipeline.MaxScenes,
		VisualStyle:       cfg.Pipeline.VisualStyle,
		RunTimeout:        cfg.Pipeline.RunTimeout,
		ReadinessKey:      cfg.Relay.Key,
		ReadinessTimeout:  cfg.Pipeline.ReadinessTimeout,
		ReadinessInterval: cfg.Pipeline.ReadinessInterval,
		PlaceholderWidth:  cfg.Pipeline.PlaceholderWidth,
		PlaceholderHeight: cfg.Pipeline.PlaceholderHeight,
		LogLevel:          logging.ParseLevel(cfg.LogLevel),
	}, deps, engine.LogObserver{})
	return o, cl, nil
}

// buildPublishers creates every enabled publisher.
func buildPublishers(ctx context.Context, cfg config.Config) ([]publish.Publisher, closers, error) {
	var (
		pubs []publish.Publisher
		cl   closers
	)
	if c := cfg.Publish.S3; c.Enabled() {
		p, err := publish.NewS3(ctx, publish.S3Config{
			Bucket:       c.Bucket,
			Prefix:       c.Prefix,
			Region:       c.Region,
			Profile:      c.Profile,
			Endpoint:     c.Endpoint,
			UsePathStyle: c.UsePathStyle,
		})
		if err != nil {
			return nil, cl, fmt.Errorf("s3 publisher: %w", err)
		}
		pubs = append(pubs, p)
	}
	if c := cfg.Publish.YouTube; c.Enabled() {
		p, err := publish.NewYouTube(publish.YouTubeConfig{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RefreshToken: c.RefreshToken,
			Privacy:      c.Privacy,
			Tags:         c.Tags,
			SkipDegraded: c.SkipDegraded,
		})
		if err != nil {
			return nil, cl, fmt.Errorf("youtube publisher: %w", err)
		}
		pubs = append(pubs, p)
	}
	if c := cfg.Publish.Kafka; c.Enabled() {
		p, err := publish.NewKafka(publish.KafkaConfig{Brokers: c.Brokers, Topic: c.Topic})
		if err != nil {
			return nil, cl, fmt.Errorf("kafka publisher: %w", err)
		}
		pubs = append(pubs, p)
		cl = append(cl, p)
	}
	return pubs, cl, nil
}

// buildResolver wires the story sources. Reddit is optional.
func buildResolver(cfg config.Config) *source.Resolver {
	reddit, err := source.NewReddit(source.RedditConfig{
		ClientID:  cfg.Reddit.ClientID,
		Secret:    cfg.Reddit.Secret,
		Username:  cfg.Reddit.Username,
		Password:  cfg.Reddit.Password,
		UserAgent: cfg.Reddit.UserAgent,
	})
	if err != nil {
		slog.Warn("reddit source disabled", "error", err)
		reddit = nil
	}
	return source.NewResolver(reddit)
}
