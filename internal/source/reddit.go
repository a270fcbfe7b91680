package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/vartanbeno/go-reddit/v2/reddit"
	"github.com/yangwenmai/storyreel/internal/model"
)

// postLister is the slice of the go-reddit client used here.
type postLister interface {
	HotPosts(ctx context.Context, subreddit string, opts *reddit.ListOptions) ([]*reddit.Post, *reddit.Response, error)
}

// RedditPost is a candidate self-post.
type RedditPost struct {
	ID    string
	Title string
	Body  string
	URL   string
}

// Reddit reads self-posts from a subreddit's hot listing.
type Reddit struct {
	posts postLister
	limit int
}

// RedditConfig holds optional app credentials. With no credentials the
// read-only client is used.
type RedditConfig struct {
	ClientID  string
	Secret    string
	Username  string
	Password  string
	UserAgent string
	Limit     int
}

// NewReddit builds a Reddit source on go-reddit.
func NewReddit(cfg RedditConfig) (*Reddit, error) {
	var opts []reddit.Opt
	if cfg.UserAgent != "" {
		opts = append(opts, reddit.WithUserAgent(cfg.UserAgent))
	}

	var (
		client *reddit.Client
		err    error
	)
	if cfg.ClientID != "" && cfg.Secret != "" {
		client, err = reddit.NewClient(reddit.Credentials{
			ID:       cfg.ClientID,
			Secret:   cfg.Secret,
			Username: cfg.Username,
			Password: cfg.Password,
		}, opts...)
	} else {
		client, err = reddit.NewReadonlyClient(opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("reddit client: %w", err)
	}
	return newReddit(client.Subreddit, cfg.Limit), nil
}

func newReddit(posts postLister, limit int) *Reddit {
	if limit <= 0 {
		limit = 25
	}
	return &Reddit{posts: posts, limit: limit}
}

// Posts returns the hot self-posts of a subreddit that carry enough text
// to narrate. Stickied and NSFW posts are skipped.
func (r *Reddit) Posts(ctx context.Context, subreddit string) ([]RedditPost, error) {
	subreddit = strings.TrimPrefix(subreddit, "r/")
	posts, _, err := r.posts.HotPosts(ctx, subreddit, &reddit.ListOptions{Limit: r.limit})
	if err != nil {
		return nil, fmt.Errorf("reddit r/%s: %w", subreddit, err)
	}

	out := make([]RedditPost, 0, len(posts))
	for _, p := range posts {
		if p == nil || p.Stickied || p.NSFW || !p.IsSelfPost {
			continue
		}
		body := normalizeText(p.Body)
		if len(body) < minTextLength {
			continue
		}
		out = append(out, RedditPost{
			ID:    p.ID,
			Title: p.Title,
			Body:  body,
			URL:   "https://reddit.com" + p.Permalink,
		})
	}
	return out, nil
}

// Source returns a Source for one post. An empty id selects the top
// eligible post.
func (r *Reddit) Source(subreddit, id string) Source {
	return redditSource{r: r, sub: subreddit, id: id}
}

type redditSource struct {
	r   *Reddit
	sub string
	id  string
}

func (redditSource) Kind() string { return model.SourceReddit }

func (s redditSource) Load(ctx context.Context) (Story, error) {
	posts, err := s.r.Posts(ctx, s.sub)
	if err != nil {
		return Story{}, err
	}
	for _, p := range posts {
		if s.id == "" || p.ID == s.id {
			return Story{Title: p.Title, Text: withTitle(p.Title, p.Body), Origin: p.URL}, nil
		}
	}
	if s.id != "" {
		return Story{}, fmt.Errorf("post %s not found in r/%s hot listing", s.id, s.sub)
	}
	return Story{}, fmt.Errorf("%w: no eligible self-posts in r/%s", ErrEmptyStory, s.sub)
}
