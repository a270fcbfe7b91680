package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vartanbeno/go-reddit/v2/reddit"
	"github.com/yangwenmai/storyreel/internal/model"
)

func TestText_Load(t *testing.T) {
	st, err := Text{Body: "  A robot   explores a ruined city alone.\r\n\n\n\nThe end. "}.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := "A robot explores a ruined city alone.\n\nThe end."
	if st.Text != want {
		t.Errorf("Text = %q, want %q", st.Text, want)
	}
}

func TestText_Empty(t *testing.T) {
	_, err := Text{Body: " \n\t "}.Load(context.Background())
	if !errors.Is(err, ErrEmptyStory) {
		t.Errorf("err = %v, want ErrEmptyStory", err)
	}
}

func TestFile_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "story.txt")
	os.WriteFile(path, []byte("Once upon a time.\n"), 0o644)

	st, err := File{Path: path}.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Text != "Once upon a time." {
		t.Errorf("Text = %q", st.Text)
	}
	if st.Origin != path {
		t.Errorf("Origin = %q, want %q", st.Origin, path)
	}
}

func TestFile_Missing(t *testing.T) {
	if _, err := (File{Path: "/nonexistent/story.txt"}).Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRefRoundTrip(t *testing.T) {
	ref := JoinRef("https://example.com/feed.xml", "guid-42")
	c, item := SplitRef(ref)
	if c != "https://example.com/feed.xml" || item != "guid-42" {
		t.Errorf("SplitRef(%q) = %q, %q", ref, c, item)
	}
	c, item = SplitRef("writingprompts")
	if c != "writingprompts" || item != "" {
		t.Errorf("SplitRef without item = %q, %q", c, item)
	}
}

func TestResolver_Kinds(t *testing.T) {
	r := NewResolver(nil)
	for _, kind := range []string{model.SourceText, model.SourceFile, model.SourceURL, model.SourceFeed} {
		src, err := r.Resolve(kind, "x")
		if err != nil {
			t.Fatalf("Resolve(%q): %v", kind, err)
		}
		if src.Kind() != kind {
			t.Errorf("Kind() = %q, want %q", src.Kind(), kind)
		}
	}
	if _, err := r.Resolve(model.SourceReddit, "x"); err == nil {
		t.Error("reddit without client should fail to resolve")
	}
	if _, err := r.Resolve("carrier-pigeon", "x"); err == nil {
		t.Error("unknown kind should fail to resolve")
	}
}

const articleHTML = `<html><head><title>The Last Robot</title></head><body>
<nav>Home | About</nav>
<article><h1>The Last Robot</h1>
<p>The robot woke in the ruins of a city that had been silent for a hundred years. Dust drifted across the broken avenues and the towers leaned against each other like tired giants.</p>
<p>It walked alone through the empty streets, searching for any sign that someone else had survived the long winter of the machines.</p>
</article></body></html>`

func TestWeb_Load(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	st, err := NewWeb().Source(srv.URL).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.Contains(st.Text, "ruins of a city") {
		t.Errorf("Text = %q, want article body", st.Text)
	}
}

func TestWeb_NotFoundIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := NewWeb().Source(srv.URL).Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

const rssXML = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Stories</title>
<item><guid>g-2</guid><title>Second</title><link>https://example.com/2</link>
<description>&lt;p&gt;The lighthouse keeper counted ships.&lt;/p&gt;</description></item>
<item><guid>g-1</guid><title>First</title><link>https://example.com/1</link>
<description>A fox crossed the frozen river.</description></item>
<item><guid>g-0</guid><title>Empty</title><link>https://example.com/0</link><description></description></item>
</channel></rss>`

func TestFeed_ItemsAndSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssXML))
	}))
	defer srv.Close()

	f := NewFeed()
	items, err := f.Items(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2 (empty item skipped)", len(items))
	}
	if items[0].Text != "The lighthouse keeper counted ships." {
		t.Errorf("items[0].Text = %q, want tags stripped", items[0].Text)
	}

	st, err := f.Source(srv.URL, "g-1").Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Text != "First\n\nA fox crossed the frozen river." {
		t.Errorf("Text = %q", st.Text)
	}

	if _, err := f.Source(srv.URL, "missing").Load(context.Background()); err == nil {
		t.Error("expected error for unknown guid")
	}
}

type fakeLister struct {
	posts []*reddit.Post
	err   error
	sub   string
}

func (f *fakeLister) HotPosts(_ context.Context, sub string, _ *reddit.ListOptions) ([]*reddit.Post, *reddit.Response, error) {
	f.sub = sub
	return f.posts, nil, f.err
}

func TestReddit_PostsFiltersAndLoads(t *testing.T) {
	long := strings.Repeat("The stars went out one by one over the quiet harbor town. ", 3)
	fake := &fakeLister{posts: []*reddit.Post{
		{ID: "a", Title: "Rules", Body: long, IsSelfPost: true, Stickied: true},
		{ID: "b", Title: "Link post", URL: "https://img", IsSelfPost: false},
		{ID: "c", Title: "Too short", Body: "tiny", IsSelfPost: true},
		{ID: "d", Title: "The Harbor", Body: long, IsSelfPost: true, Permalink: "/r/x/d"},
	}}
	r := newReddit(fake, 10)

	posts, err := r.Posts(context.Background(), "r/writingprompts")
	if err != nil {
		t.Fatal(err)
	}
	if fake.sub != "writingprompts" {
		t.Errorf("subreddit = %q, want prefix trimmed", fake.sub)
	}
	if len(posts) != 1 || posts[0].ID != "d" {
		t.Fatalf("posts = %+v, want only d", posts)
	}

	st, err := r.Source("writingprompts", "").Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(st.Text, "The Harbor\n\n") {
		t.Errorf("Text = %q, want title prefix", st.Text)
	}
	if st.Origin != "https://reddit.com/r/x/d" {
		t.Errorf("Origin = %q", st.Origin)
	}
}

func TestReddit_NoEligiblePosts(t *testing.T) {
	r := newReddit(&fakeLister{}, 0)
	_, err := r.Source("empty", "").Load(context.Background())
	if !errors.Is(err, ErrEmptyStory) {
		t.Errorf("err = %v, want ErrEmptyStory", err)
	}
}
