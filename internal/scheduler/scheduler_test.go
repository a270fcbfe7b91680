package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/source"
)

type memStore struct {
	runs []model.Run
}

func (m *memStore) FindRunBySource(_ context.Context, kind, ref string) (*model.Run, error) {
	for i := range m.runs {
		if m.runs[i].SourceType == kind && m.runs[i].SourceRef == ref {
			return &m.runs[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateRun(_ context.Context, r model.Run) error {
	m.runs = append(m.runs, r)
	return nil
}

type fakeFeeds struct {
	items map[string][]source.FeedItem
	err   error
}

func (f fakeFeeds) Items(_ context.Context, url string, _ int) ([]source.FeedItem, error) {
	return f.items[url], f.err
}

type fakePosts struct {
	posts []source.RedditPost
}

func (f fakePosts) Posts(context.Context, string) ([]source.RedditPost, error) {
	return f.posts, nil
}

func TestTick_EnqueuesUnseenItems(t *testing.T) {
	store := &memStore{}
	feeds := fakeFeeds{items: map[string][]source.FeedItem{
		"https://example.com/rss": {{GUID: "a"}, {GUID: "b"}},
	}}
	posts := fakePosts{posts: []source.RedditPost{{ID: "p1"}}}
	s, err := New(Config{Feeds: []string{"https://example.com/rss"}, Subreddits: []string{"shortstories"}}, store, feeds, posts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 3 {
		t.Errorf("enqueued = %d, want 3", n)
	}
	if store.runs[0].SourceRef != "https://example.com/rss::a" {
		t.Errorf("SourceRef = %q", store.runs[0].SourceRef)
	}
	if store.runs[2].SourceType != model.SourceReddit || store.runs[2].SourceRef != "shortstories::p1" {
		t.Errorf("reddit run = %+v", store.runs[2])
	}

	n, err = s.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if n != 0 {
		t.Errorf("second tick enqueued = %d, want 0", n)
	}
}

func TestTick_MaxPerSource(t *testing.T) {
	store := &memStore{}
	feeds := fakeFeeds{items: map[string][]source.FeedItem{
		"https://example.com/rss": {{GUID: "a"}, {GUID: "b"}, {GUID: "c"}},
	}}
	s, _ := New(Config{Feeds: []string{"https://example.com/rss"}, MaxPerSource: 2}, store, feeds, nil, nil)

	n, _ := s.Tick(context.Background())
	if n != 2 {
		t.Errorf("enqueued = %d, want 2", n)
	}
	n, _ = s.Tick(context.Background())
	if n != 1 {
		t.Errorf("second tick enqueued = %d, want 1", n)
	}
}

func TestTick_FeedErrorSkipped(t *testing.T) {
	store := &memStore{}
	s, _ := New(Config{Feeds: []string{"https://example.com/rss"}}, store, fakeFeeds{err: errors.New("timeout")}, nil, nil)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 0 {
		t.Errorf("enqueued = %d, want 0", n)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Schedule: "not a schedule"}, &memStore{}, fakeFeeds{}, nil, nil); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := New(Config{Subreddits: []string{"x"}}, &memStore{}, fakeFeeds{}, nil, nil); err == nil {
		t.Error("expected error for subreddits without reddit client")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	s, _ := New(Config{}, &memStore{}, fakeFeeds{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
}
