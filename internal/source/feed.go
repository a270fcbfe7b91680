package source

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/yangwenmai/storyreel/internal/model"
)

// FeedItem is one candidate story from an RSS or Atom feed.
type FeedItem struct {
	GUID  string
	Title string
	Link  string
	Text  string
}

// Feed reads stories from RSS/Atom feeds.
type Feed struct {
	parser *gofeed.Parser
}

// NewFeed creates a feed reader with gofeed's default HTTP client.
func NewFeed() *Feed {
	return &Feed{parser: gofeed.NewParser()}
}

// Items returns up to max items with usable text, newest first as the
// feed orders them.
func (f *Feed) Items(ctx context.Context, feedURL string, max int) ([]FeedItem, error) {
	feed, err := f.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}

	items := make([]FeedItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if max > 0 && len(items) >= max {
			break
		}
		body := it.Content
		if body == "" {
			body = it.Description
		}
		text := normalizeText(stripTags(body))
		if text == "" {
			continue
		}
		id := it.GUID
		if id == "" {
			id = it.Link
		}
		items = append(items, FeedItem{GUID: id, Title: it.Title, Link: it.Link, Text: text})
	}
	return items, nil
}

// Source returns a Source for one feed item. An empty guid selects the
// newest item.
func (f *Feed) Source(feedURL, guid string) Source {
	return feedSource{f: f, url: feedURL, guid: guid}
}

type feedSource struct {
	f    *Feed
	url  string
	guid string
}

func (feedSource) Kind() string { return model.SourceFeed }

func (s feedSource) Load(ctx context.Context) (Story, error) {
	items, err := s.f.Items(ctx, s.url, 0)
	if err != nil {
		return Story{}, err
	}
	for _, it := range items {
		if s.guid == "" || it.GUID == s.guid {
			return Story{Title: it.Title, Text: withTitle(it.Title, it.Text), Origin: it.Link}, nil
		}
	}
	if s.guid != "" {
		return Story{}, fmt.Errorf("feed item %q not found in %s", s.guid, s.url)
	}
	return Story{}, fmt.Errorf("%w: feed %s has no items with text", ErrEmptyStory, s.url)
}

var (
	blockTag = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/h[1-6])\s*/?>`)
	anyTag   = regexp.MustCompile(`<[^>]*>`)
)

func stripTags(s string) string {
	s = blockTag.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}
