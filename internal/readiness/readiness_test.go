package readiness

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/yangwenmai/storyreel/internal/relay"
)

// delayedChannel reports ErrNotFound until readyAt, then returns rec.
type delayedChannel struct {
	mu      sync.Mutex
	readyAt time.Time
	rec     relay.Record
	reads   int
}

func (c *delayedChannel) Read(context.Context, string) (relay.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if time.Now().Before(c.readyAt) {
		return relay.Record{}, relay.ErrNotFound
	}
	return c.rec, nil
}

func (c *delayedChannel) Write(context.Context, string, relay.Record) error { return nil }

func (c *delayedChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func liveServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWaitUntilReady_ChannelPopulatedLater(t *testing.T) {
	srv := liveServer(t)
	// 15s/30s/5s scaled down by 100x.
	ch := &delayedChannel{
		readyAt: time.Now().Add(150 * time.Millisecond),
		rec:     relay.Record{URL: srv.URL, Status: relay.StatusActive},
	}

	start := time.Now()
	ep, err := NewPoller().WaitUntilReady(context.Background(), ch, "comfyui", 300*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Errorf("elapsed = %v, want < 300ms", elapsed)
	}
	if ep.URL != srv.URL {
		t.Errorf("URL = %q, want %q", ep.URL, srv.URL)
	}
	if n := ch.count(); n < 3 {
		t.Errorf("polls = %d, want >= 3", n)
	}
}

func TestWaitUntilReady_Timeout(t *testing.T) {
	ch := &delayedChannel{readyAt: time.Now().Add(time.Hour)}

	_, err := NewPoller().WaitUntilReady(context.Background(), ch, "comfyui", 100*time.Millisecond, 20*time.Millisecond)
	var rt *ReadinessTimeout
	if !errors.As(err, &rt) {
		t.Fatalf("err = %v, want *ReadinessTimeout", err)
	}
	if rt.Attempts < 2 {
		t.Errorf("Attempts = %d, want >= 2", rt.Attempts)
	}
	if !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("timeout should wrap the last poll error, got %v", rt.LastErr)
	}
}

func TestWaitUntilReady_DeadEndpointTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	mem := relay.NewMemory()
	mem.Write(context.Background(), "comfyui", relay.Record{URL: srv.URL})

	_, err := NewPoller().WaitUntilReady(context.Background(), mem, "comfyui", 60*time.Millisecond, 20*time.Millisecond)
	var rt *ReadinessTimeout
	if !errors.As(err, &rt) {
		t.Fatalf("err = %v, want *ReadinessTimeout", err)
	}
}

func TestWaitUntilReady_ContextCanceled(t *testing.T) {
	ch := &delayedChannel{readyAt: time.Now().Add(time.Hour)}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := NewPoller().WaitUntilReady(ctx, ch, "k", time.Minute, 10*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     relay.Record
		wantErr bool
	}{
		{"https", relay.Record{URL: "https://abc.trycloudflare.com/"}, false},
		{"legacy field", relay.Record{LegacyURL: "http://10.0.0.2:8188"}, false},
		{"stopped", relay.Record{URL: "https://x.example", Status: "stopped"}, true},
		{"no scheme", relay.Record{URL: "abc.example"}, true},
		{"ftp", relay.Record{URL: "ftp://x.example"}, true},
		{"empty", relay.Record{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validate(tt.rec)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
