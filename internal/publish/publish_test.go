package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yangwenmai/storyreel/internal/engine"
	"github.com/yangwenmai/storyreel/internal/model"
	"github.com/yangwenmai/storyreel/internal/retry"
)

type fakePublisher struct {
	name  string
	errs  []error
	calls int
	got   Video
}

func (f *fakePublisher) Name() string { return f.name }

func (f *fakePublisher) Publish(_ context.Context, v Video) (string, error) {
	f.calls++
	f.got = v
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.name + "://" + v.RunID, nil
}

type fakeRecorder struct {
	pubs []model.Publication
}

func (f *fakeRecorder) RecordPublication(_ context.Context, p model.Publication) error {
	f.pubs = append(f.pubs, p)
	return nil
}

func fastPolicy() retry.Policy {
	p := retry.External()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func completedResult(t *testing.T) *engine.Result {
	t.Helper()
	dir := t.TempDir()
	video := filepath.Join(dir, "final_video.mp4")
	if err := os.WriteFile(video, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	st := model.NewPipelineState("run-1", dir)
	st.StoryText = "A robot explores a ruined city alone. It finds a flower."
	st.Scenes = []model.Scene{{ID: 1, Description: "A robot explores a ruined city alone."}}
	st.VideoArtifact = &model.VideoArtifact{FilePath: video, SizeBytes: 5, GenerationMethod: model.MethodReal}
	return &engine.Result{State: st, Status: engine.StatusCompleted, Summary: "1/1 scenes real, 0 degraded", Quality: "HIGH"}
}

func TestDispatcher_PublishesCompletedRun(t *testing.T) {
	s3p := &fakePublisher{name: "s3"}
	yt := &fakePublisher{name: "youtube", errs: []error{retry.Transient(errors.New("503"))}}
	rec := &fakeRecorder{}
	d := NewDispatcher([]Publisher{s3p, yt}, WithRecorder(rec), WithPolicy(fastPolicy()))

	d.RunFinished(context.Background(), completedResult(t))

	if yt.calls != 2 {
		t.Errorf("youtube calls = %d, want 2", yt.calls)
	}
	if len(rec.pubs) != 2 {
		t.Fatalf("publications = %d, want 2", len(rec.pubs))
	}
	if rec.pubs[0].Target != "s3" || rec.pubs[0].Location != "s3://run-1" {
		t.Errorf("first publication = %+v", rec.pubs[0])
	}
	if s3p.got.Title != "A robot explores a ruined city alone" {
		t.Errorf("Title = %q", s3p.got.Title)
	}
}

func TestDispatcher_SkipsFailedRun(t *testing.T) {
	p := &fakePublisher{name: "s3"}
	d := NewDispatcher([]Publisher{p}, WithPolicy(fastPolicy()))

	res := completedResult(t)
	res.Status = engine.StatusFailed
	d.RunFinished(context.Background(), res)

	if p.calls != 0 {
		t.Errorf("calls = %d, want 0", p.calls)
	}
}

func TestDispatcher_PermanentErrorNotRecorded(t *testing.T) {
	bad := &fakePublisher{name: "youtube", errs: []error{errors.New("401 unauthorized")}}
	good := &fakePublisher{name: "kafka"}
	rec := &fakeRecorder{}
	d := NewDispatcher([]Publisher{bad, good}, WithRecorder(rec), WithPolicy(fastPolicy()))

	pubs := d.Publish(context.Background(), Video{RunID: "run-1"})

	if bad.calls != 1 {
		t.Errorf("calls = %d, want 1", bad.calls)
	}
	if len(pubs) != 1 || pubs[0].Target != "kafka" {
		t.Errorf("pubs = %+v, want only kafka", pubs)
	}
}

func TestTitleOf(t *testing.T) {
	long := strings.Repeat("word ", 40)
	tests := []struct {
		name  string
		story string
		want  string
	}{
		{"first sentence", "The lighthouse keeper waited. Nobody came.", "The lighthouse keeper waited"},
		{"empty", "   ", "Untitled story"},
		{"first line", "Title line\nBody text", "Title line"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := titleOf(tt.story); got != tt.want {
				t.Errorf("titleOf() = %q, want %q", got, tt.want)
			}
		})
	}
	if got := titleOf(long); len(got) > maxTitleLen || strings.HasSuffix(got, " ") {
		t.Errorf("long title = %q (len %d)", got, len(got))
	}
}

type fakePutter struct {
	keys   []string
	bodies map[string]string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, *in.Key)
	if f.bodies == nil {
		f.bodies = map[string]string{}
	}
	f.bodies[*in.Key] = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestS3_Publish(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "final_video.mp4")
	report := filepath.Join(dir, "report.json")
	os.WriteFile(video, []byte("video-bytes"), 0o644)
	os.WriteFile(report, []byte(`{"status":"completed"}`), 0o644)

	putter := &fakePutter{}
	p := newS3(putter, "films", "storyreel")

	loc, err := p.Publish(context.Background(), Video{RunID: "run-1", Path: video, ReportPath: report})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if loc != "s3://films/storyreel/run-1/final_video.mp4" {
		t.Errorf("location = %q", loc)
	}
	if len(putter.keys) != 2 {
		t.Fatalf("keys = %v, want video and report", putter.keys)
	}
	if putter.bodies["storyreel/run-1/final_video.mp4"] != "video-bytes" {
		t.Errorf("video body = %q", putter.bodies["storyreel/run-1/final_video.mp4"])
	}
}

func TestS3_MissingVideo(t *testing.T) {
	p := newS3(&fakePutter{}, "films", "")
	if _, err := p.Publish(context.Background(), Video{RunID: "run-1", Path: "/nope/final_video.mp4"}); err == nil {
		t.Fatal("expected error for missing video")
	}
}

func TestKafka_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev VideoEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.RunID != "run-1" || ev.Quality != "HIGH" {
			return errors.New("unexpected event " + string(val))
		}
		return nil
	})

	k := newKafka(producer, "video-events")
	loc, err := k.Publish(context.Background(), Video{RunID: "run-1", Quality: "HIGH"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !strings.HasPrefix(loc, "kafka://video-events/") {
		t.Errorf("location = %q", loc)
	}
	if err := k.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewYouTube_RequiresCredentials(t *testing.T) {
	if _, err := NewYouTube(YouTubeConfig{ClientID: "id"}); err == nil {
		t.Fatal("expected error without secret and refresh token")
	}
	y, err := NewYouTube(YouTubeConfig{ClientID: "id", ClientSecret: "s", RefreshToken: "r", SkipDegraded: true})
	if err != nil {
		t.Fatalf("NewYouTube: %v", err)
	}
	if y.cfg.Privacy != "private" {
		t.Errorf("Privacy = %q, want private", y.cfg.Privacy)
	}
	_, err = y.Publish(context.Background(), Video{Degraded: true})
	if !errors.Is(err, ErrSkipped) {
		t.Errorf("err = %v, want ErrSkipped", err)
	}
}
