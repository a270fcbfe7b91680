// Package readiness waits for a remote compute endpoint to come up. The
// endpoint is discovered through a relay channel and confirmed with an
// HTTP liveness probe.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yangwenmai/storyreel/internal/logging"
	"github.com/yangwenmai/storyreel/internal/relay"
)

const (
	DefaultInterval     = 10 * time.Second
	DefaultTimeout      = 300 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// Endpoint is a relayed URL that answered the liveness probe.
type Endpoint struct {
	URL       string
	UpdatedAt time.Time
}

// ReadinessTimeout is returned when no live endpoint was found in time.
type ReadinessTimeout struct {
	Key      string
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

func (e *ReadinessTimeout) Error() string {
	msg := fmt.Sprintf("endpoint %q not ready after %s (%d polls)", e.Key, e.Elapsed.Round(time.Millisecond), e.Attempts)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *ReadinessTimeout) Unwrap() error { return e.LastErr }

// Poller reads a relay channel until it yields a live endpoint.
type Poller struct {
	httpClient   *http.Client
	probeTimeout time.Duration
	probePath    string
}

// Option configures a Poller.
type Option func(*Poller)

// WithHTTPClient sets the client used for liveness probes.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Poller) { p.httpClient = hc }
}

// WithProbeTimeout bounds each liveness probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Poller) { p.probeTimeout = d }
}

// WithProbePath probes a path under the endpoint instead of its root.
func WithProbePath(path string) Option {
	return func(p *Poller) { p.probePath = path }
}

// NewPoller creates a Poller with default probe settings.
func NewPoller(opts ...Option) *Poller {
	p := &Poller{
		httpClient:   http.DefaultClient,
		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitUntilReady polls ch[key] every interval until it holds a well-formed
// endpoint that passes the liveness probe, or timeout elapses.
func (p *Poller) WaitUntilReady(ctx context.Context, ch relay.Channel, key string, timeout, interval time.Duration) (Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := logging.FromContext(ctx)
	start := time.Now()
	deadline := start.Add(timeout)

	var (
		attempts int
		lastErr  error
	)
	for {
		attempts++
		ep, err := p.check(ctx, ch, key)
		if err == nil {
			logger.Info("endpoint ready", "key", key, "url", ep.URL, "polls", attempts)
			return ep, nil
		}
		if ctx.Err() != nil {
			return Endpoint{}, ctx.Err()
		}
		lastErr = err
		logger.Debug("endpoint not ready", "key", key, "poll", attempts, "error", err)

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Endpoint{}, &ReadinessTimeout{
				Key:      key,
				Attempts: attempts,
				Elapsed:  time.Since(start),
				LastErr:  lastErr,
			}
		}
		select {
		case <-ctx.Done():
			return Endpoint{}, ctx.Err()
		case <-time.After(min(interval, remaining)):
		}
	}
}

func (p *Poller) check(ctx context.Context, ch relay.Channel, key string) (Endpoint, error) {
	rec, err := ch.Read(ctx, key)
	if err != nil {
		return Endpoint{}, err
	}
	raw, err := validate(rec)
	if err != nil {
		return Endpoint{}, err
	}
	if err := p.probe(ctx, raw); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{URL: raw, UpdatedAt: rec.UpdatedAt}, nil
}

var errNotLive = errors.New("relay record is not live")

// validate requires an absolute http(s) URL and a live status.
func validate(rec relay.Record) (string, error) {
	if !rec.Live() {
		return "", fmt.Errorf("%w: status %q", errNotLive, rec.Status)
	}
	raw := strings.TrimRight(rec.Endpoint(), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("malformed endpoint %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("malformed endpoint %q", raw)
	}
	return raw, nil
}

func (p *Poller) probe(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+p.probePath, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("liveness probe: HTTP %d", resp.StatusCode)
	}
	return nil
}
