// Package compositor turns an ordered list of still images and an optional
// narration track into one video file by driving ffmpeg.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/yangwenmai/storyreel/internal/logging"
)

// Frame is one still shown for Duration.
type Frame struct {
	ImagePath string
	Duration  time.Duration
}

// Clip is one narration segment, padded or trimmed to Duration.
type Clip struct {
	AudioPath string
	Duration  time.Duration
}

// Spec describes one render.
type Spec struct {
	Frames     []Frame
	AudioPath  string
	OutputPath string
}

// Compositor renders videos and narration tracks.
type Compositor interface {
	Compose(ctx context.Context, spec Spec) error
	MixNarration(ctx context.Context, clips []Clip, outputPath string) error
}

// ErrNoFrames is returned when Compose is given nothing to show.
var ErrNoFrames = errors.New("compositor: no frames")

// Error reports a failed ffmpeg invocation.
type Error struct {
	Op       string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ffmpeg %s failed (exit %d)", e.Op, e.ExitCode)
	if s := lastLine(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// FFmpeg renders with the ffmpeg binary.
type FFmpeg struct {
	binary string
	width  int
	height int
	fps    int
	runner commandRunner
	stat   func(name string) (os.FileInfo, error)
}

// Option configures FFmpeg.
type Option func(*FFmpeg)

// WithBinary sets the ffmpeg executable (default "ffmpeg").
func WithBinary(path string) Option {
	return func(f *FFmpeg) { f.binary = path }
}

// WithSize sets the output resolution.
func WithSize(w, h int) Option {
	return func(f *FFmpeg) { f.width, f.height = w, h }
}

// WithFPS sets the output frame rate.
func WithFPS(fps int) Option {
	return func(f *FFmpeg) { f.fps = fps }
}

// NewFFmpeg creates an ffmpeg compositor.
func NewFFmpeg(opts ...Option) *FFmpeg {
	f := &FFmpeg{
		binary: "ffmpeg",
		width:  1024,
		height: 576,
		fps:    25,
		runner: &execRunner{},
		stat:   os.Stat,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Compose renders spec.Frames in order, each scaled and padded to the
// output size, with spec.AudioPath as the soundtrack when set.
func (f *FFmpeg) Compose(ctx context.Context, spec Spec) error {
	if len(spec.Frames) == 0 {
		return ErrNoFrames
	}
	if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return f.run(ctx, "compose", f.composeArgs(spec), spec.OutputPath)
}

func (f *FFmpeg) composeArgs(spec Spec) []string {
	size := fmt.Sprintf("%d:%d", f.width, f.height)
	var total time.Duration
	frames := make([]*ffmpeg.Stream, 0, len(spec.Frames))
	for _, fr := range spec.Frames {
		total += fr.Duration
		in := ffmpeg.Input(fr.ImagePath, ffmpeg.KwArgs{"loop": 1, "t": seconds(fr.Duration)}).
			Filter("scale", ffmpeg.Args{size + ":force_original_aspect_ratio=decrease"}).
			Filter("pad", ffmpeg.Args{size + ":(ow-iw)/2:(oh-ih)/2"}).
			Filter("setsar", ffmpeg.Args{"1"}).
			Filter("fps", ffmpeg.Args{fmt.Sprint(f.fps)})
		frames = append(frames, in)
	}
	video := ffmpeg.Concat(frames)

	streams := []*ffmpeg.Stream{video}
	outArgs := ffmpeg.KwArgs{
		"c:v":     "libx264",
		"pix_fmt": "yuv420p",
		"t":       seconds(total),
	}
	if spec.AudioPath != "" {
		streams = append(streams, ffmpeg.Input(spec.AudioPath))
		outArgs["c:a"] = "aac"
		outArgs["b:a"] = "192k"
	}
	return ffmpeg.Output(streams, spec.OutputPath, outArgs).OverWriteOutput().GetArgs()
}

// MixNarration joins the clips into one AAC track. Each clip is
// resampled to mono 44.1kHz and padded or trimmed to its duration so the
// track lines up with the frames.
func (f *FFmpeg) MixNarration(ctx context.Context, clips []Clip, outputPath string) error {
	if len(clips) == 0 {
		return errors.New("compositor: no narration clips")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return f.run(ctx, "mix", f.mixArgs(clips, outputPath), outputPath)
}

func (f *FFmpeg) mixArgs(clips []Clip, outputPath string) []string {
	streams := make([]*ffmpeg.Stream, 0, len(clips))
	for _, c := range clips {
		d := seconds(c.Duration)
		s := ffmpeg.Input(c.AudioPath).
			Filter("aformat", nil, ffmpeg.KwArgs{"sample_rates": 44100, "channel_layouts": "mono"}).
			Filter("apad", nil, ffmpeg.KwArgs{"whole_dur": d}).
			Filter("atrim", nil, ffmpeg.KwArgs{"end": d})
		streams = append(streams, s)
	}
	track := ffmpeg.Concat(streams, ffmpeg.KwArgs{"v": 0, "a": 1})
	return track.Output(outputPath, ffmpeg.KwArgs{"c:a": "aac", "b:a": "128k"}).OverWriteOutput().GetArgs()
}

func (f *FFmpeg) run(ctx context.Context, op string, args []string, outputPath string) error {
	logger := logging.FromContext(ctx)
	logger.Debug("running ffmpeg", "op", op, "args", strings.Join(args, " "))

	res, err := f.runner.Run(ctx, f.binary, args...)
	if err != nil || res.ExitCode != 0 {
		return &Error{Op: op, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	fi, err := f.stat(outputPath)
	if err != nil || fi.Size() == 0 {
		return &Error{Op: op, Stderr: "completed but output file is missing or empty", Err: err}
	}
	logger.Info("ffmpeg finished", "op", op, "output", outputPath, "bytes", fi.Size())
	return nil
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.2f", d.Seconds())
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
