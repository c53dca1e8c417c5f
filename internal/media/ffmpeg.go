package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Runner executes the ffmpeg binary and returns the tail of its stderr.
// Tests swap in a fake that writes the files ffmpeg would.
type Runner interface {
	Run(ctx context.Context, bin string, args ...string) (stderr []byte, err error)
}

// stderrTail is how much ffmpeg diagnostics a failure keeps. The useful
// line is the last one.
const stderrTail = 1 << 10

type execRunner struct{}

func (execRunner) Run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail
	err := cmd.Run()
	return tail.buf, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// ToolError is a failed ffmpeg step.
type ToolError struct {
	Step   string // "probe", "audio" or "frames"
	Err    error
	Stderr string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("ffmpeg %s: %v: %s", e.Step, e.Err, e.Stderr)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Frames is the output of frame extraction. Timecodes[i] belongs to Paths[i].
type Frames struct {
	Paths     []string
	Timecodes []string
}

// Transcoder shells out to ffmpeg for audio and still-frame extraction.
type Transcoder struct {
	bin       string
	runner    Runner
	fps       int
	maxFrames int
	logger    *slog.Logger
}

type TranscoderConfig struct {
	Binary    string // default "ffmpeg"
	Runner    Runner
	FPS       int
	MaxFrames int
	Logger    *slog.Logger
}

func NewTranscoder(cfg TranscoderConfig) *Transcoder {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 1
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 6
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transcoder{
		bin:       cfg.Binary,
		runner:    cfg.Runner,
		fps:       cfg.FPS,
		maxFrames: cfg.MaxFrames,
		logger:    cfg.Logger,
	}
}

// run executes one ffmpeg step and logs how long it took.
func (t *Transcoder) run(ctx context.Context, step string, args ...string) error {
	start := time.Now()
	stderr, err := t.runner.Run(ctx, t.bin, args...)
	if err != nil {
		tErr := &ToolError{Step: step, Err: err, Stderr: strings.TrimSpace(string(stderr))}
		t.logger.Warn("ffmpeg step failed", "step", step, "duration", time.Since(start), "err", tErr)
		return tErr
	}
	t.logger.Debug("ffmpeg step done", "step", step, "duration", time.Since(start))
	return nil
}

// Available reports whether the ffmpeg binary runs.
func (t *Transcoder) Available(ctx context.Context) bool {
	return t.run(ctx, "probe", "-version") == nil
}

// ExtractAudio writes the audio track of in to out as mp3.
func (t *Transcoder) ExtractAudio(ctx context.Context, in, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	return t.run(ctx, "audio", "-y", "-i", in, "-vn", "-acodec", "mp3", out)
}

// ExtractFrames writes up to maxFrames PNG stills sampled at fps into
// outDir and returns them sorted with approximate timecodes.
func (t *Transcoder) ExtractFrames(ctx context.Context, in, outDir string) (Frames, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Frames{}, fmt.Errorf("create frames dir: %w", err)
	}
	pattern := filepath.Join(outDir, "frame_%03d.png")
	args := []string{"-y", "-i", in, "-vf", "fps=" + strconv.Itoa(t.fps), "-frames:v", strconv.Itoa(t.maxFrames), pattern}
	if err := t.run(ctx, "frames", args...); err != nil {
		return Frames{}, err
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return Frames{}, fmt.Errorf("read frames dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "frame_") && strings.HasSuffix(name, ".png") {
			paths = append(paths, filepath.Join(outDir, name))
		}
	}
	sort.Strings(paths)
	if len(paths) > t.maxFrames {
		paths = paths[:t.maxFrames]
	}

	frames := Frames{Paths: paths, Timecodes: make([]string, len(paths))}
	for i := range paths {
		frames.Timecodes[i] = Timecode(float64(i) / float64(t.fps))
	}
	return frames, nil
}

// Timecode formats seconds as HH:MM:SS, truncating fractions.
func Timecode(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	s := int(sec)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
