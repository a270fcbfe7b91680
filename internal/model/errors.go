package model

import (
	"encoding/json"
	"errors"
)

// ErrInvalidJob marks a malformed generation request (missing prompt,
// text or output path). It is never degraded or retried.
var ErrInvalidJob = errors.New("invalid job")

// ErrorInfo holds structured failure information for a run.
type ErrorInfo struct {
	FailedStep string       `json:"failed_step"`
	Message    string       `json:"message"`
	Retryable  bool         `json:"retryable"`
	FailedAt   string       `json:"failed_at"`
	LastStage  *StageRecord `json:"last_stage,omitempty"`
}

// ToJSON serializes ErrorInfo to a JSON string.
func (e ErrorInfo) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}
