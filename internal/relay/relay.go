// Package relay implements the status relay channel: a small key-value
// record through which a separate process publishes the live endpoint of
// the image-generation service.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Read when no record exists for the key.
var ErrNotFound = errors.New("relay: record not found")

// Status values written by publishers.
const (
	StatusActive   = "active"
	StatusReady    = "ready"
	StatusStopped  = "stopped"
	StatusStarting = "starting"
)

// Record is the published endpoint reference.
type Record struct {
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    string    `json:"status"`

	// LegacyURL accepts documents written with the older "comfyui_url" field.
	LegacyURL string `json:"comfyui_url,omitempty"`
}

// Endpoint returns the published URL, falling back to the legacy field.
func (r Record) Endpoint() string {
	if u := strings.TrimSpace(r.URL); u != "" {
		return u
	}
	return strings.TrimSpace(r.LegacyURL)
}

// Live reports whether the status advertises a usable endpoint.
// An empty status is treated as live for publishers that omit it.
func (r Record) Live() bool {
	switch strings.ToLower(r.Status) {
	case "", StatusActive, StatusReady:
		return true
	default:
		return false
	}
}

// Channel reads and writes relay records.
type Channel interface {
	Read(ctx context.Context, key string) (Record, error)
	Write(ctx context.Context, key string, rec Record) error
}

// normalize fills in defaults before a record is stored.
func normalize(rec Record, now time.Time) Record {
	if rec.URL == "" {
		rec.URL = rec.LegacyURL
	}
	rec.LegacyURL = ""
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now.UTC()
	}
	return rec
}
