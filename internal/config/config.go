// Package config provides centralized configuration for storyreel.
// Values come from defaults, an optional YAML file, and environment
// variables, in increasing precedence. Only this package reads the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yangwenmai/storyreel/internal/service"
)

// Relay backends.
const (
	RelayNone   = "none"
	RelayStatic = "static"
	RelayHTTP   = "http"
	RelayRedis  = "redis"
)

// Config holds all configuration values.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	LLM       LLMConfig       `yaml:"llm"`
	ComfyUI   ComfyUIConfig   `yaml:"comfyui"`
	Speech    SpeechConfig    `yaml:"speech"`
	Relay     RelayConfig     `yaml:"relay"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Reddit    RedditConfig    `yaml:"reddit"`
	Publish   PublishConfig   `yaml:"publish"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port string `yaml:"port"`
	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string `yaml:"cors_origin"`
}

// DBConfig locates the SQLite database.
type DBConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig selects and authenticates the scene planner backends.
type LLMConfig struct {
	// Provider selects the primary backend: "openai", "claude", "gemini",
	// "cohere", "ollama" or "stub".
	Provider string `yaml:"provider"`

	OpenAIKey      string `yaml:"openai_api_key"`
	OpenAIBaseURL  string `yaml:"openai_base_url"`
	OpenAIModel    string `yaml:"openai_model"`
	AnthropicKey   string `yaml:"anthropic_api_key"`
	AnthropicModel string `yaml:"anthropic_model"`
	GeminiKey      string `yaml:"gemini_api_key"`
	GeminiModel    string `yaml:"gemini_model"`
	CohereKey      string `yaml:"cohere_api_key"`
	CohereModel    string `yaml:"cohere_model"`
	OllamaURL      string `yaml:"ollama_url"`
	OllamaModel    string `yaml:"ollama_model"`
}

// ComfyUIConfig configures the image service.
type ComfyUIConfig struct {
	// URL is used directly when the relay backend is "static".
	URL           string        `yaml:"url"`
	ClientID      string        `yaml:"client_id"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	MinImageBytes int           `yaml:"min_image_bytes"`
}

// SpeechConfig configures the text-to-speech service.
type SpeechConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	VoiceID string `yaml:"voice_id"`
	ModelID string `yaml:"model_id"`
}

// RelayConfig configures the status relay channel, client and server side.
type RelayConfig struct {
	Backend string `yaml:"backend"`
	Key     string `yaml:"key"`
	// URL is the relay server base URL for the "http" backend.
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`

	// ListenPort is used by the relay subcommand.
	ListenPort string `yaml:"listen_port"`
}

// PipelineConfig holds the per-run knobs.
type PipelineConfig struct {
	OutputRoot        string        `yaml:"output_root"`
	MaxScenes         int           `yaml:"max_scenes"`
	VisualStyle       string        `yaml:"visual_style"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
	ReadinessTimeout  time.Duration `yaml:"readiness_timeout"`
	ReadinessInterval time.Duration `yaml:"readiness_interval"`
	PlaceholderWidth  int           `yaml:"placeholder_width"`
	PlaceholderHeight int           `yaml:"placeholder_height"`
	FFmpegBinary      string        `yaml:"ffmpeg_binary"`
	FPS               int           `yaml:"fps"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
}

// WorkerConfig configures the background run queue.
type WorkerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// SchedulerConfig configures periodic ingestion from feeds and subreddits.
type SchedulerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Schedule     string   `yaml:"schedule"`
	Feeds        []string `yaml:"feeds"`
	Subreddits   []string `yaml:"subreddits"`
	MaxPerSource int      `yaml:"max_per_source"`
}

// RedditConfig holds optional app credentials.
type RedditConfig struct {
	ClientID  string `yaml:"client_id"`
	Secret    string `yaml:"secret"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	UserAgent string `yaml:"user_agent"`
}

// PublishConfig enables delivery targets. A target with no bucket, token
// or broker is disabled.
type PublishConfig struct {
	S3      S3Config      `yaml:"s3"`
	YouTube YouTubeConfig `yaml:"youtube"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Profile      string `yaml:"profile"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type YouTubeConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RefreshToken string   `yaml:"refresh_token"`
	Privacy      string   `yaml:"privacy"`
	Tags         []string `yaml:"tags"`
	SkipDegraded bool     `yaml:"skip_degraded"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether the target has its required settings.
func (c S3Config) Enabled() bool      { return c.Bucket != "" }
func (c YouTubeConfig) Enabled() bool { return c.RefreshToken != "" }
func (c KafkaConfig) Enabled() bool   { return len(c.Brokers) > 0 && c.Topic != "" }

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server:   ServerConfig{Port: "8080", CORSOrigin: "*"},
		DB:       DBConfig{Path: "storyreel.db"},
		LLM: LLMConfig{
			Provider:       "gemini",
			OpenAIBaseURL:  "https://api.openai.com/v1",
			OpenAIModel:    "gpt-4o-mini",
			AnthropicModel: "claude-sonnet-4-20250514",
			GeminiModel:    "gemini-2.0-flash",
			CohereModel:    "command-r",
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "llama3",
		},
		ComfyUI: ComfyUIConfig{
			ClientID:      "storyreel",
			PollInterval:  service.DefaultPollInterval,
			PollTimeout:   service.DefaultPollTimeout,
			MinImageBytes: service.DefaultMinImageBytes,
		},
		Speech: SpeechConfig{
			BaseURL: "https://api.elevenlabs.io",
			VoiceID: "21m00Tcm4TlvDq8ikWAM",
			ModelID: "eleven_multilingual_v2",
		},
		Relay: RelayConfig{
			Backend:    RelayNone,
			Key:        "comfyui",
			RedisAddr:  "localhost:6379",
			ListenPort: "8090",
		},
		Pipeline: PipelineConfig{
			OutputRoot:        "output",
			MaxScenes:         8,
			VisualStyle:       "cinematic",
			RunTimeout:        30 * time.Minute,
			ReadinessTimeout:  5 * time.Minute,
			ReadinessInterval: 10 * time.Second,
			PlaceholderWidth:  1024,
			PlaceholderHeight: 576,
			FFmpegBinary:      "ffmpeg",
			FPS:               24,
			HTTPTimeout:       60 * time.Second,
		},
		Worker: WorkerConfig{Interval: 3 * time.Second, Concurrency: 1},
		Scheduler: SchedulerConfig{
			Schedule:     "@every 30m",
			MaxPerSource: 3,
		},
		Reddit: RedditConfig{UserAgent: "storyreel/1.0"},
		Publish: PublishConfig{
			S3:      S3Config{Prefix: "storyreel"},
			YouTube: YouTubeConfig{Privacy: "private"},
			Kafka:   KafkaConfig{Topic: "storyreel.videos"},
		},
	}
}

// Load builds the configuration. .env.local and .env are loaded first
// without overriding the real environment. path, or STORYREEL_CONFIG when
// path is empty, names an optional YAML file layered over the defaults.
func Load(path string) (Config, error) {
	loadEnvFile(".env.local")
	loadEnvFile(".env")

	cfg := Defaults()
	if path == "" {
		path = os.Getenv("STORYREEL_CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadEnvFile loads key=value pairs from path. Missing files are ignored
// and variables already set in the environment win.
func loadEnvFile(path string) {
	_ = godotenv.Load(path)
}

func applyEnv(c *Config) {
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)

	c.Server.Port = envOr("PORT", c.Server.Port)
	c.Server.CORSOrigin = envOr("CORS_ORIGIN", c.Server.CORSOrigin)
	c.DB.Path = envOr("DB_PATH", c.DB.Path)

	c.LLM.Provider = envOr("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.OpenAIKey = envOr("OPENAI_API_KEY", c.LLM.OpenAIKey)
	c.LLM.OpenAIBaseURL = envOr("OPENAI_BASE_URL", c.LLM.OpenAIBaseURL)
	c.LLM.OpenAIModel = envOr("OPENAI_MODEL", c.LLM.OpenAIModel)
	c.LLM.AnthropicKey = envOr("ANTHROPIC_API_KEY", c.LLM.AnthropicKey)
	c.LLM.AnthropicModel = envOr("ANTHROPIC_MODEL", c.LLM.AnthropicModel)
	c.LLM.GeminiKey = envOr("GEMINI_API_KEY", c.LLM.GeminiKey)
	c.LLM.GeminiModel = envOr("GEMINI_MODEL", c.LLM.GeminiModel)
	c.LLM.CohereKey = envOr("COHERE_API_KEY", c.LLM.CohereKey)
	c.LLM.CohereModel = envOr("COHERE_MODEL", c.LLM.CohereModel)
	c.LLM.OllamaURL = envOr("OLLAMA_URL", c.LLM.OllamaURL)
	c.LLM.OllamaModel = envOr("OLLAMA_MODEL", c.LLM.OllamaModel)

	c.ComfyUI.URL = envOr("COMFYUI_URL", c.ComfyUI.URL)
	c.ComfyUI.ClientID = envOr("COMFYUI_CLIENT_ID", c.ComfyUI.ClientID)
	c.ComfyUI.PollInterval = envDuration("COMFYUI_POLL_INTERVAL", c.ComfyUI.PollInterval)
	c.ComfyUI.PollTimeout = envDuration("COMFYUI_POLL_TIMEOUT", c.ComfyUI.PollTimeout)
	c.ComfyUI.MinImageBytes = envInt("COMFYUI_MIN_IMAGE_BYTES", c.ComfyUI.MinImageBytes)

	c.Speech.APIKey = envOr("ELEVENLABS_API_KEY", c.Speech.APIKey)
	c.Speech.BaseURL = envOr("ELEVENLABS_BASE_URL", c.Speech.BaseURL)
	c.Speech.VoiceID = envOr("ELEVENLABS_VOICE_ID", c.Speech.VoiceID)
	c.Speech.ModelID = envOr("ELEVENLABS_MODEL_ID", c.Speech.ModelID)

	c.Relay.Backend = envOr("RELAY_BACKEND", c.Relay.Backend)
	c.Relay.Key = envOr("RELAY_KEY", c.Relay.Key)
	c.Relay.URL = envOr("RELAY_URL", c.Relay.URL)
	c.Relay.Token = envOr("RELAY_TOKEN", c.Relay.Token)
	c.Relay.RedisAddr = envOr("REDIS_ADDR", c.Relay.RedisAddr)
	c.Relay.RedisPassword = envOr("REDIS_PASSWORD", c.Relay.RedisPassword)
	c.Relay.RedisDB = envInt("REDIS_DB", c.Relay.RedisDB)
	c.Relay.TTL = envDuration("RELAY_TTL", c.Relay.TTL)
	c.Relay.ListenPort = envOr("RELAY_PORT", c.Relay.ListenPort)

	c.Pipeline.OutputRoot = envOr("OUTPUT_ROOT", c.Pipeline.OutputRoot)
	c.Pipeline.MaxScenes = envInt("MAX_SCENES", c.Pipeline.MaxScenes)
	c.Pipeline.VisualStyle = envOr("VISUAL_STYLE", c.Pipeline.VisualStyle)
	c.Pipeline.RunTimeout = envDuration("RUN_TIMEOUT", c.Pipeline.RunTimeout)
	c.Pipeline.ReadinessTimeout = envDuration("READINESS_TIMEOUT", c.Pipeline.ReadinessTimeout)
	c.Pipeline.ReadinessInterval = envDuration("READINESS_INTERVAL", c.Pipeline.ReadinessInterval)
	c.Pipeline.FFmpegBinary = envOr("FFMPEG_BINARY", c.Pipeline.FFmpegBinary)
	c.Pipeline.HTTPTimeout = envDuration("HTTP_TIMEOUT", c.Pipeline.HTTPTimeout)

	c.Worker.Interval = envDuration("WORKER_INTERVAL", c.Worker.Interval)
	c.Worker.Concurrency = envInt("WORKER_CONCURRENCY", c.Worker.Concurrency)

	c.Scheduler.Enabled = envBool("SCHEDULER_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.Schedule = envOr("SCHEDULER_SCHEDULE", c.Scheduler.Schedule)
	c.Scheduler.Feeds = envList("SCHEDULER_FEEDS", c.Scheduler.Feeds)
	c.Scheduler.Subreddits = envList("SCHEDULER_SUBREDDITS", c.Scheduler.Subreddits)

	c.Reddit.ClientID = envOr("REDDIT_CLIENT_ID", c.Reddit.ClientID)
	c.Reddit.Secret = envOr("REDDIT_SECRET", c.Reddit.Secret)
	c.Reddit.Username = envOr("REDDIT_USERNAME", c.Reddit.Username)
	c.Reddit.Password = envOr("REDDIT_PASSWORD", c.Reddit.Password)

	c.Publish.S3.Bucket = envOr("S3_BUCKET", c.Publish.S3.Bucket)
	c.Publish.S3.Prefix = envOr("S3_PREFIX", c.Publish.S3.Prefix)
	c.Publish.S3.Region = envOr("AWS_REGION", c.Publish.S3.Region)
	c.Publish.S3.Endpoint = envOr("S3_ENDPOINT", c.Publish.S3.Endpoint)
	c.Publish.YouTube.ClientID = envOr("YOUTUBE_CLIENT_ID", c.Publish.YouTube.ClientID)
	c.Publish.YouTube.ClientSecret = envOr("YOUTUBE_CLIENT_SECRET", c.Publish.YouTube.ClientSecret)
	c.Publish.YouTube.RefreshToken = envOr("YOUTUBE_REFRESH_TOKEN", c.Publish.YouTube.RefreshToken)
	c.Publish.YouTube.Privacy = envOr("YOUTUBE_PRIVACY", c.Publish.YouTube.Privacy)
	c.Publish.Kafka.Brokers = envList("KAFKA_BROKERS", c.Publish.Kafka.Brokers)
	c.Publish.Kafka.Topic = envOr("KAFKA_TOPIC", c.Publish.Kafka.Topic)
}

// Validate rejects configurations no component can run with.
func (c Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai", "claude", "gemini", "cohere", "ollama", "stub":
	default:
		errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLM.Provider))
	}
	switch c.Relay.Backend {
	case RelayNone:
	case RelayStatic:
		if c.ComfyUI.URL == "" {
			errs = append(errs, errors.New("relay backend static requires comfyui url"))
		}
	case RelayHTTP:
		if c.Relay.URL == "" {
			errs = append(errs, errors.New("relay backend http requires relay url"))
		}
	case RelayRedis:
		if c.Relay.RedisAddr == "" {
			errs = append(errs, errors.New("relay backend redis requires redis addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay backend %q", c.Relay.Backend))
	}
	if c.Pipeline.MaxScenes < 1 {
		errs = append(errs, fmt.Errorf("max scenes must be positive, got %d", c.Pipeline.MaxScenes))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency))
	}
	return errors.Join(errs...)
}

// UseStubs returns true when no LLM API key is configured for the selected provider.
func (c Config) UseStubs() bool {
	switch c.LLM.Provider {
	case "stub":
		return true
	case "claude":
		return c.LLM.AnthropicKey == ""
	case "gemini":
		return c.LLM.GeminiKey == ""
	case "cohere":
		return c.LLM.CohereKey == ""
	case "ollama":
		return false // Ollama runs locally, no key needed
	default:
		return c.LLM.OpenAIKey == ""
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envList splits a comma-separated variable.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
