package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	nurl "net/url"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/retry"
)

const (
	maxTextLength = 15000
	// minTextLength is the minimum content length to accept as a valid extraction.
	// Pages returning less than this are likely login walls, cookie walls, or empty pages.
	minTextLength = 100
	// maxBodySize is the maximum HTTP response body size (5MB).
	maxBodySize = 5 * 1024 * 1024
)

// Web fetches web pages and extracts the article body with go-readability.
type Web struct {
	client *http.Client
	policy retry.Policy
}

// NewWeb creates a web extractor using the external-call retry policy.
func NewWeb() *Web {
	return &Web{
		client: &http.Client{Timeout: 30 * time.Second},
		policy: retry.External(),
	}
}

// Source returns a Source bound to url.
func (w *Web) Source(url string) Source {
	return webSource{w: w, url: url}
}

type webSource struct {
	w   *Web
	url string
}

func (webSource) Kind() string { return model.SourceURL }

func (s webSource) Load(ctx context.Context) (Story, error) {
	return retry.DoValue(ctx, s.w.policy, func(ctx context.Context) (Story, error) {
		return s.w.extract(ctx, s.url)
	})
}

// extract performs a single extraction attempt.
func (w *Web) extract(ctx context.Context, url string) (Story, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Story{}, fmt.Errorf("create request: %w", err)
	}

	// Use a realistic browser User-Agent to avoid being blocked by sites.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := w.client.Do(req)
	if err != nil {
		return Story{}, retry.Transient(fmt.Errorf("fetch: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Story{}, retry.Transient(err)
		}
		return Story{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Story{}, retry.Transient(fmt.Errorf("read body: %w", err))
	}

	parsedURL, _ := nurl.Parse(url)
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return Story{}, fmt.Errorf("readability: %w", err)
	}

	text := normalizeText(article.TextContent)
	if n := utf8.RuneCountInString(text); n < minTextLength {
		return Story{}, fmt.Errorf("%w: extracted %d chars, possibly blocked or empty page", ErrEmptyStory, n)
	}
	if utf8.RuneCountInString(text) > maxTextLength {
		text = string([]rune(text)[:maxTextLength])
	}

	return Story{Text: text, Origin: url}, nil
}
