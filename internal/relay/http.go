package relay

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

// HTTPChannel talks to a relay server exposing GET/PUT {base}/relay/{key}.
type HTTPChannel struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HTTPOption configures an HTTPChannel.
type HTTPOption func(*HTTPChannel)

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPChannel) { c.token = token }
}

// WithHTTPClient overrides the HTTP client (default timeout 10s).
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPChannel) { c.httpClient = hc }
}

// NewHTTPChannel creates a channel for the relay at baseURL.
func NewHTTPChannel(baseURL string, opts ...HTTPOption) *HTTPChannel {
	c := &HTTPChannel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPChannel) recordURL(key string) string {
	return c.baseURL + "/relay/" + url.PathEscape(key)
}

func (c *HTTPChannel) Read(ctx context.Context, key string) (Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(key), nil)
	if err != nil {
		return Record{}, err
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("relay read: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Record{}, ErrNotFound
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Record{}, fmt.Errorf("relay read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Record{}, fmt.Errorf("relay read: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return Record{}, fmt.Errorf("relay decode: %w", err)
	}
	return rec, nil
}

func (c *HTTPChannel) Write(ctx context.Context, key string, rec Record) error {
	body, err := json.Marshal(normalize(rec, time.Now()))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.recordURL(key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("relay write: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *HTTPChannel) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
