package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
	"github.com/cohere-ai/cohere-go/v2/core"

	"github.com/yangwenmai/storyreel/internal/retry"
)

// CohereClient implements ModelClient using the Cohere Chat API.
type CohereClient struct {
	model string
	chat  func(ctx context.Context, req *cohere.ChatRequest) (*cohere.NonStreamedChatResponse, error)
}

// NewCohereClient creates a Cohere model client. An empty model selects
// command-r.
func NewCohereClient(apiKey, model string) *CohereClient {
	if model == "" {
		model = "command-r"
	}
	// Force HTTP/1.1; the Cohere edge has dropped HTTP/2 streams under load.
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
			ForceAttemptHTTP2: false,
		},
	}
	client := cohereclient.NewClient(
		cohereclient.WithToken(apiKey),
		cohereclient.WithHTTPClient(httpClient),
	)
	return &CohereClient{
		model: model,
		chat: func(ctx context.Context, req *cohere.ChatRequest) (*cohere.NonStreamedChatResponse, error) {
			return client.Chat(ctx, req)
		},
	}
}

// Complete sends a single-turn chat and returns the reply text.
func (c *CohereClient) Complete(ctx context.Context, prompt string) (string, error) {
	temperature := 0.7
	resp, err := c.chat(ctx, &cohere.ChatRequest{
		Message:     prompt,
		Model:       &c.model,
		Temperature: &temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyCohere(err)
	}
	if resp == nil || resp.Text == "" {
		return "", errors.New("cohere: empty response")
	}
	return resp.Text, nil
}

// classifyCohere marks rate limits, server errors and transport failures
// transient. Other API errors (bad request, bad key) are permanent.
func classifyCohere(err error) error {
	err = fmt.Errorf("cohere: %w", err)
	var apiErr *core.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode == 0 {
		return retry.Transient(err)
	}
	if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
		return retry.Transient(err)
	}
	return retry.Permanent(err)
}
