// Package service holds the clients for the external generation services:
// an asynchronous image server and a synchronous speech API.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/yangwenmai/storyreel/internal/model"
)

// JobSpec is one unit of work: a prompt or text and where to write the result.
type JobSpec struct {
	SceneID        int
	Prompt         string
	NegativePrompt string
	Text           string
	OutputPath     string
}

// Result describes a persisted artifact.
type Result struct {
	FilePath  string
	SizeBytes int64
	JobID     string
}

// Generator produces one artifact per job. endpoint is the base URL
// resolved at run start; clients with a fixed base URL ignore it.
type Generator interface {
	Generate(ctx context.Context, job JobSpec, endpoint string) (Result, error)
}

// Reason distinguishes the ways a generation job can fail.
type Reason string

const (
	SubmitFailed Reason = "SUBMIT_FAILED"
	PollTimeout  Reason = "POLL_TIMEOUT"
	FetchFailed  Reason = "FETCH_FAILED"
	Undersized   Reason = "UNDERSIZED"
)

// ServiceError is the single error kind returned for service failures.
type ServiceError struct {
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	msg := string(e.Reason)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Retryable treats client errors on submit or fetch as permanent, except
// 408 and 429. Everything else is worth another attempt.
func (e *ServiceError) Retryable() bool {
	switch e.Reason {
	case SubmitFailed, FetchFailed:
		c := e.StatusCode
		if c >= 400 && c < 500 && c != http.StatusRequestTimeout && c != http.StatusTooManyRequests {
			return false
		}
	}
	return true
}

// ErrNotConfigured is returned by Unavailable.
var ErrNotConfigured = errors.New("service not configured")

// Unavailable stands in for a service with no endpoint or credentials.
// Every call fails, which the degradation policy turns into placeholders.
type Unavailable struct {
	Name string
}

func (u Unavailable) Generate(context.Context, JobSpec, string) (Result, error) {
	return Result{}, fmt.Errorf("%s: %w", u.Name, ErrNotConfigured)
}

func invalidJob(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidJob, fmt.Sprintf(format, args...))
}

// writeArtifact persists body to path after the minimum-size check.
func writeArtifact(path string, body []byte, minBytes int) (int64, error) {
	if len(body) < minBytes {
		return 0, &ServiceError{
			Reason: Undersized,
			Err:    fmt.Errorf("got %d bytes, want at least %d", len(body), minBytes),
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return 0, fmt.Errorf("write artifact: %w", err)
	}
	return int64(len(body)), nil
}
