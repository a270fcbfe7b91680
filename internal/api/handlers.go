package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/source"
	"github.com/yangwenmai/storyreel/internal/store"
)

// ---------------------------------------------------------------------------
// POST /api/runs
// ---------------------------------------------------------------------------

type submitRequest struct {
	Story string `json:"story"`
	// StoryFile is decoded only to reject it; server paths are CLI-only.
	StoryFile string `json:"story_file"`
	StoryURL  string `json:"story_url"`
	FeedURL   string `json:"feed_url"`
	Subreddit string `json:"subreddit"`
	// Item pins a feed GUID or Reddit post id.
	Item string `json:"item"`
}

// sourceOf returns the single source named by the request.
func (r submitRequest) sourceOf() (kind, ref string, err error) {
	if r.StoryFile != "" {
		return "", "", errors.New("story_file is not accepted over the API; send the text as story")
	}
	var n int
	set := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			kind, ref = k, strings.TrimSpace(v)
			n++
		}
	}
	set(model.SourceText, r.Story)
	set(model.SourceURL, r.StoryURL)
	set(model.SourceFeed, r.FeedURL)
	set(model.SourceReddit, r.Subreddit)

	switch {
	case n == 0:
		return "", "", errors.New("one of story, story_url, feed_url or subreddit is required")
	case n > 1:
		return "", "", errors.New("only one story source may be given")
	}
	if kind == model.SourceURL || kind == model.SourceFeed {
		u, err := url.Parse(ref)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", "", errors.New("url must be an absolute http(s) URL")
		}
	}
	if kind == model.SourceFeed || kind == model.SourceReddit {
		ref = source.JoinRef(ref, strings.TrimSpace(r.Item))
	}
	return kind, ref, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	kind, ref, err := req.sourceOf()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A pending run for the same remote source is reused.
	if kind != model.SourceText {
		existing, err := s.store.FindRunBySource(r.Context(), kind, ref)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to look up run")
			return
		}
		if existing != nil && (existing.Status == model.RunQueued || existing.Status == model.RunRunning) {
			writeJSON(w, http.StatusOK, map[string]any{
				"id":        existing.ID,
				"status":    existing.Status,
				"duplicate": true,
			})
			return
		}
	}

	run := model.NewRun(uuid.New().String(), kind, ref)
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        run.ID,
		"status":    run.Status,
		"duplicate": false,
	})
}

// ---------------------------------------------------------------------------
// GET /api/runs
// ---------------------------------------------------------------------------

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := model.RunFilter{Status: splitComma(r.URL.Query().Get("status"))}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// ---------------------------------------------------------------------------
// GET /api/runs/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ---------------------------------------------------------------------------
// POST /api/runs/{id}/retry
// ---------------------------------------------------------------------------

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if !run.CanRetry() {
		writeError(w, http.StatusConflict, "only FAILED or DONE runs can be retried")
		return
	}

	if err := s.store.RequeueRun(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to requeue run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": model.RunQueued})
}

// ---------------------------------------------------------------------------
// GET /api/stats
// ---------------------------------------------------------------------------

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count runs")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
