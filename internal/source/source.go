// Package source loads raw narrative text for a run from one of several
// origins: literal text, a local file, a web article, a feed item, or a
// Reddit self-post.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yangwenmai/storyreel/internal/model"
)

// ErrEmptyStory is returned when a source yields no usable text.
var ErrEmptyStory = errors.New("story text is empty")

// refSep separates a container reference from an item id in a run's
// source ref, e.g. "https://example.com/feed.xml::guid-42".
const refSep = "::"

// Story is the loaded narrative.
type Story struct {
	Title  string
	Text   string
	Origin string
}

// Source yields a story.
type Source interface {
	Kind() string
	Load(ctx context.Context) (Story, error)
}

// Text is a literal story.
type Text struct {
	Body string
}

func (Text) Kind() string { return model.SourceText }

func (t Text) Load(context.Context) (Story, error) {
	text := normalizeText(t.Body)
	if text == "" {
		return Story{}, ErrEmptyStory
	}
	return Story{Text: text, Origin: "text"}, nil
}

// File reads a story from a local UTF-8 file.
type File struct {
	Path string
}

func (File) Kind() string { return model.SourceFile }

func (f File) Load(context.Context) (Story, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return Story{}, fmt.Errorf("read story file: %w", err)
	}
	if !utf8.Valid(b) {
		return Story{}, fmt.Errorf("story file %s is not valid UTF-8", f.Path)
	}
	text := normalizeText(string(b))
	if text == "" {
		return Story{}, ErrEmptyStory
	}
	return Story{Text: text, Origin: f.Path}, nil
}

// Resolver builds a Source from a run's source type and ref.
type Resolver struct {
	Web    *Web
	Feeds  *Feed
	Reddit *Reddit
}

// NewResolver wires the network-backed sources. reddit may be nil when
// no Reddit client is configured.
func NewResolver(reddit *Reddit) *Resolver {
	return &Resolver{
		Web:    NewWeb(),
		Feeds:  NewFeed(),
		Reddit: reddit,
	}
}

// Resolve maps (kind, ref) to a Source.
func (r *Resolver) Resolve(kind, ref string) (Source, error) {
	switch kind {
	case model.SourceText:
		return Text{Body: ref}, nil
	case model.SourceFile:
		return File{Path: ref}, nil
	case model.SourceURL:
		return r.Web.Source(ref), nil
	case model.SourceFeed:
		feedURL, guid := SplitRef(ref)
		return r.Feeds.Source(feedURL, guid), nil
	case model.SourceReddit:
		if r.Reddit == nil {
			return nil, errors.New("reddit source is not configured")
		}
		sub, id := SplitRef(ref)
		return r.Reddit.Source(sub, id), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", kind)
	}
}

// JoinRef builds a ref that pins one item inside a feed or subreddit.
func JoinRef(container, item string) string {
	if item == "" {
		return container
	}
	return container + refSep + item
}

// SplitRef reverses JoinRef.
func SplitRef(ref string) (container, item string) {
	if i := strings.LastIndex(ref, refSep); i >= 0 {
		return ref[:i], ref[i+len(refSep):]
	}
	return ref, ""
}

var (
	multiSpace   = regexp.MustCompile(`[ \t]+`)
	multiNewline = regexp.MustCompile(`\n{3,}`)
)

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSpace(s)
	s = multiSpace.ReplaceAllString(s, " ")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return s
}

func withTitle(title, body string) string {
	title = strings.TrimSpace(title)
	if title == "" || strings.HasPrefix(body, title) {
		return body
	}
	return title + "\n\n" + body
}
