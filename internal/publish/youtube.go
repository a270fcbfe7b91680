package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/yangwenmai/storyreel/internal/retry"
)

// YouTubeConfig holds OAuth credentials and upload defaults.
type YouTubeConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Privacy      string
	CategoryID   string
	Tags         []string
	// SkipDegraded leaves DEGRADED films unpublished.
	SkipDegraded bool
}

// ErrSkipped is returned when a video is deliberately not uploaded.
var ErrSkipped = errors.New("upload skipped")

// YouTube uploads films through the Data API v3.
type YouTube struct {
	cfg  YouTubeConfig
	opts []option.ClientOption
}

// NewYouTube validates the credentials and prepares an uploader. The
// OAuth client is built per upload so token refreshes use the call's ctx.
func NewYouTube(cfg YouTubeConfig, opts ...option.ClientOption) (*YouTube, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
		return nil, errors.New("youtube client id, client secret and refresh token are required")
	}
	if cfg.Privacy == "" {
		cfg.Privacy = "private"
	}
	if cfg.CategoryID == "" {
		cfg.CategoryID = "22"
	}
	return &YouTube{cfg: cfg, opts: opts}, nil
}

func (y *YouTube) Name() string { return "youtube" }

func (y *YouTube) httpClient(ctx context.Context) *http.Client {
	conf := &oauth2.Config{
		ClientID:     y.cfg.ClientID,
		ClientSecret: y.cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{youtube.YoutubeUploadScope},
	}
	token := &oauth2.Token{
		RefreshToken: y.cfg.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour), // force refresh
	}
	return oauth2.NewClient(ctx, conf.TokenSource(ctx, token))
}

// Publish uploads v and returns its watch URL.
func (y *YouTube) Publish(ctx context.Context, v Video) (string, error) {
	if y.cfg.SkipDegraded && v.Degraded {
		return "", retry.Permanent(fmt.Errorf("%w: video is degraded", ErrSkipped))
	}

	opts := append([]option.ClientOption{option.WithHTTPClient(y.httpClient(ctx))}, y.opts...)
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("youtube service: %w", err)
	}

	f, err := os.Open(v.Path)
	if err != nil {
		return "", fmt.Errorf("open video file: %w", err)
	}
	defer f.Close()

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       v.Title,
			Description: v.Description,
			Tags:        y.cfg.Tags,
			CategoryId:  y.cfg.CategoryID,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           y.cfg.Privacy,
			SelfDeclaredMadeForKids: false,
		},
	}

	uploaded, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", classifyGoogle(err)
	}
	return "https://www.youtube.com/watch?v=" + uploaded.Id, nil
}

// classifyGoogle marks 429 and 5xx API errors as transient.
func classifyGoogle(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500) {
		return retry.Transient(fmt.Errorf("youtube upload: %w", err))
	}
	return fmt.Errorf("youtube upload: %w", err)
}
