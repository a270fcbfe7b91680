package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultPollTimeout   = 180 * time.Second
	DefaultMinImageBytes = 1024
)

// Workflow holds the sampling parameters of the text-to-image graph.
type Workflow struct {
	Checkpoint string
	Width      int
	Height     int
	Steps      int
	CFG        float64
	Sampler    string
	Scheduler  string
	Seed       int64
}

// DefaultWorkflow is a 16:9 SD 1.5 graph.
func DefaultWorkflow() Workflow {
	return Workflow{
		Checkpoint: "v1-5-pruned-emaonly.safetensors",
		Width:      1024,
		Height:     576,
		Steps:      20,
		CFG:        7,
		Sampler:    "dpmpp_2m",
		Scheduler:  "karras",
		Seed:       42,
	}
}

// ComfyUI submits text-to-image jobs to a ComfyUI server and waits for the
// output through its history endpoint.
type ComfyUI struct {
	httpClient   *http.Client
	clientID     string
	workflow     Workflow
	pollInterval time.Duration
	pollTimeout  time.Duration
	minBytes     int
}

// ComfyUIOption configures the ComfyUI client.
type ComfyUIOption func(*ComfyUI)

// WithWorkflow replaces the sampling parameters.
func WithWorkflow(w Workflow) ComfyUIOption {
	return func(c *ComfyUI) { c.workflow = w }
}

// WithPolling sets the history poll interval and the total poll timeout.
func WithPolling(interval, timeout time.Duration) ComfyUIOption {
	return func(c *ComfyUI) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if timeout > 0 {
			c.pollTimeout = timeout
		}
	}
}

// WithMinImageBytes sets the smallest image accepted as real output.
func WithMinImageBytes(n int) ComfyUIOption {
	return func(c *ComfyUI) { c.minBytes = n }
}

// WithComfyHTTPClient overrides the HTTP client.
func WithComfyHTTPClient(hc *http.Client) ComfyUIOption {
	return func(c *ComfyUI) { c.httpClient = hc }
}

// NewComfyUI creates an image client. clientID tags submitted prompts.
func NewComfyUI(clientID string, opts ...ComfyUIOption) *ComfyUI {
	c := &ComfyUI{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		clientID:     clientID,
		workflow:     DefaultWorkflow(),
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
		minBytes:     DefaultMinImageBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// Generate runs submit, poll and fetch for one image.
func (c *ComfyUI) Generate(ctx context.Context, job JobSpec, endpoint string) (Result, error) {
	if job.OutputPath == "" {
		return Result{}, invalidJob("scene %d: empty output path", job.SceneID)
	}
	if strings.TrimSpace(job.Prompt) == "" {
		return Result{}, invalidJob("scene %d: empty prompt", job.SceneID)
	}
	if endpoint == "" {
		return Result{}, fmt.Errorf("comfyui: %w", ErrNotConfigured)
	}
	base := strings.TrimRight(endpoint, "/")

	promptID, err := c.submit(ctx, base, job)
	if err != nil {
		return Result{}, err
	}
	ref, err := c.waitForOutput(ctx, base, promptID)
	if err != nil {
		return Result{}, err
	}
	body, err := c.fetch(ctx, base, ref)
	if err != nil {
		return Result{}, err
	}
	size, err := writeArtifact(job.OutputPath, body, c.minBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{FilePath: job.OutputPath, SizeBytes: size, JobID: promptID}, nil
}

func (c *ComfyUI) submit(ctx context.Context, base string, job JobSpec) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"prompt":    c.workflow.graph(job),
		"client_id": c.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ServiceError{Reason: SubmitFailed, Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &ServiceError{Reason: SubmitFailed, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ServiceError{
			Reason:     SubmitFailed,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(respBody))),
		}
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.PromptID == "" {
		return "", &ServiceError{Reason: SubmitFailed, Err: fmt.Errorf("no prompt_id in response")}
	}
	return out.PromptID, nil
}

// waitForOutput polls the history until an image is listed or the poll
// timeout elapses. Failed polls are tolerated until then.
func (c *ComfyUI) waitForOutput(ctx context.Context, base, promptID string) (imageRef, error) {
	deadline := time.Now().Add(c.pollTimeout)
	var lastErr error
	for {
		entry, err := c.history(ctx, base, promptID)
		switch {
		case err != nil:
			lastErr = err
		case entry != nil && entry.Status.StatusStr == "error":
			return imageRef{}, &ServiceError{Reason: FetchFailed, Err: fmt.Errorf("prompt %s failed on server", promptID)}
		case entry != nil:
			if ref, ok := entry.firstImage(); ok {
				return ref, nil
			}
		}

		if !time.Now().Add(c.pollInterval).Before(deadline) {
			return imageRef{}, &ServiceError{
				Reason: PollTimeout,
				Err:    fmt.Errorf("prompt %s not done after %s (last error: %v)", promptID, c.pollTimeout, lastErr),
			}
		}
		select {
		case <-ctx.Done():
			return imageRef{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *ComfyUI) history(ctx context.Context, base, promptID string) (*historyEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: HTTP %d", resp.StatusCode)
	}

	var all map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	entry, ok := all[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// firstImage picks the lowest-numbered output node with an image.
func (h *historyEntry) firstImage() (imageRef, bool) {
	nodes := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	for _, id := range nodes {
		if imgs := h.Outputs[id].Images; len(imgs) > 0 {
			return imgs[0], true
		}
	}
	return imageRef{}, false
}

func (c *ComfyUI) fetch(ctx context.Context, base string, ref imageRef) ([]byte, error) {
	typ := ref.Type
	if typ == "" {
		typ = "output"
	}
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", typ)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ServiceError{Reason: FetchFailed, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{Reason: FetchFailed, StatusCode: resp.StatusCode, Err: fmt.Errorf("view %s", ref.Filename)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &ServiceError{Reason: FetchFailed, Err: err}
	}
	return body, nil
}

// graph builds the API-format workflow. Node ids follow the stock
// text-to-image example so server-side logs stay familiar.
func (w Workflow) graph(job JobSpec) map[string]any {
	negative := job.NegativePrompt
	if negative == "" {
		negative = "blurry, low quality, text, watermark"
	}
	return map[string]any{
		"3": node("KSampler", map[string]any{
			"seed":         w.Seed + int64(job.SceneID),
			"steps":        w.Steps,
			"cfg":          w.CFG,
			"sampler_name": w.Sampler,
			"scheduler":    w.Scheduler,
			"denoise":      1,
			"model":        []any{"4", 0},
			"positive":     []any{"6", 0},
			"negative":     []any{"7", 0},
			"latent_image": []any{"5", 0},
		}),
		"4": node("CheckpointLoaderSimple", map[string]any{"ckpt_name": w.Checkpoint}),
		"5": node("EmptyLatentImage", map[string]any{"width": w.Width, "height": w.Height, "batch_size": 1}),
		"6": node("CLIPTextEncode", map[string]any{"text": job.Prompt, "clip": []any{"4", 1}}),
		"7": node("CLIPTextEncode", map[string]any{"text": negative, "clip": []any{"4", 1}}),
		"8": node("VAEDecode", map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}}),
		"9": node("SaveImage", map[string]any{"filename_prefix": fmt.Sprintf("scene_%d", job.SceneID), "images": []any{"8", 0}}),
	}
}

func node(class string, inputs map[string]any) map[string]any {
	return map[string]any{"class_type": class, "inputs": inputs}
}
