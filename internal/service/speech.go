package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultSpeechBaseURL = "https://api.elevenlabs.io"
	DefaultVoiceID       = "21m00Tcm4TlvDq8ikWAM"
	DefaultSpeechModel   = "eleven_multilingual_v2"
	DefaultMinAudioBytes = 512
)

// Speech calls an ElevenLabs-compatible text-to-speech API. The call is
// synchronous: the response body is the audio.
type Speech struct {
	apiKey     string
	baseURL    string
	voiceID    string
	modelID    string
	minBytes   int
	httpClient *http.Client
}

// SpeechOption configures the speech client.
type SpeechOption func(*Speech)

// WithSpeechBaseURL overrides the API base URL.
func WithSpeechBaseURL(u string) SpeechOption {
	return func(s *Speech) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithVoice sets the voice id.
func WithVoice(id string) SpeechOption {
	return func(s *Speech) { s.voiceID = id }
}

// WithSpeechModel sets the synthesis model id.
func WithSpeechModel(id string) SpeechOption {
	return func(s *Speech) { s.modelID = id }
}

// WithMinAudioBytes sets the smallest clip accepted as real output.
func WithMinAudioBytes(n int) SpeechOption {
	return func(s *Speech) { s.minBytes = n }
}

// NewSpeech creates a speech client authenticated with apiKey.
func NewSpeech(apiKey string, opts ...SpeechOption) *Speech {
	s := &Speech{
		apiKey:     apiKey,
		baseURL:    DefaultSpeechBaseURL,
		voiceID:    DefaultVoiceID,
		modelID:    DefaultSpeechModel,
		minBytes:   DefaultMinAudioBytes,
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Generate synthesizes job.Text. The endpoint argument is ignored; the
// speech API has a fixed base URL.
func (s *Speech) Generate(ctx context.Context, job JobSpec, _ string) (Result, error) {
	if job.OutputPath == "" {
		return Result{}, invalidJob("scene %d: empty output path", job.SceneID)
	}
	if strings.TrimSpace(job.Text) == "" {
		return Result{}, invalidJob("scene %d: empty narration text", job.SceneID)
	}

	body, err := json.Marshal(speechRequest{
		Text:          job.Text,
		ModelID:       s.modelID,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := s.baseURL + "/v1/text-to-speech/" + url.PathEscape(s.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Result{}, &ServiceError{Reason: SubmitFailed, Err: err}
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Result{}, &ServiceError{Reason: FetchFailed, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, &ServiceError{
			Reason:     SubmitFailed,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", truncate(strings.TrimSpace(string(audio)), 200)),
		}
	}

	size, err := writeArtifact(job.OutputPath, audio, s.minBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{FilePath: job.OutputPath, SizeBytes: size, JobID: resp.Header.Get("request-id")}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
