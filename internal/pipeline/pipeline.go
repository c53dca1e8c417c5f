// Package pipeline turns a short-video permalink into a list of resolved
// places. Only identification and media resolution/download are fatal;
// every later stage degrades to an empty output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"omnimap/internal/analysis"
	"omnimap/internal/domain"
	"omnimap/internal/media"
	"omnimap/internal/metrics"
	"omnimap/internal/places"
)

var (
	ErrNoIdentifier    = errors.New("no media identifier in url")
	ErrMediaUnresolved = errors.New("could not resolve media")
)

// FatalError aborts the pipeline. Err is ErrNoIdentifier,
// ErrMediaUnresolved, or a download failure.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

const (
	FromOverlay    = "overlay"
	FromTranscript = "transcript"
)

type MediaResolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}

type Downloader interface {
	Download(ctx context.Context, mediaURL, destPath string) (int64, error)
}

type Transcoder interface {
	Available(ctx context.Context) bool
	ExtractAudio(ctx context.Context, in, out string) error
	ExtractFrames(ctx context.Context, in, outDir string) (media.Frames, error)
}

type Analyzer interface {
	Enabled() bool
	Transcribe(ctx context.Context, audioPath string) (string, error)
	AnalyzeFrames(ctx context.Context, framePaths, timecodes []string) ([]analysis.FrameOverlay, error)
	ExtractPlacesFromTranscript(ctx context.Context, transcript, caption string) ([]analysis.Candidate, error)
}

type PlaceLookup interface {
	Enabled() bool
	Lookup(ctx context.Context, name string) (*domain.PlaceMatch, error)
}

type Config struct {
	Resolver      MediaResolver
	Downloader    Downloader
	Transcoder    Transcoder // optional
	Analyzer      Analyzer   // optional
	Places        PlaceLookup
	ScratchDir    string // default "tmp"
	MaxCandidates int    // default 8
	MaxLines      int    // default 6
	Logger        *slog.Logger
}

type Pipeline struct {
	resolver      MediaResolver
	downloader    Downloader
	transcoder    Transcoder
	analyzer      Analyzer
	places        PlaceLookup
	scratchDir    string
	maxCandidates int
	maxLines      int
	logger        *slog.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = "tmp"
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 8
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = 6
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		resolver:      cfg.Resolver,
		downloader:    cfg.Downloader,
		transcoder:    cfg.Transcoder,
		analyzer:      cfg.Analyzer,
		places:        cfg.Places,
		scratchDir:    cfg.ScratchDir,
		maxCandidates: cfg.MaxCandidates,
		maxLines:      cfg.MaxLines,
		logger:        cfg.Logger,
	}
}

// StageOutcome records how a best-effort stage ended.
type StageOutcome struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ResolvedPlace is a candidate that produced a map match.
type ResolvedPlace struct {
	Query string            `json:"query"`
	From  string            `json:"from"`
	Match domain.PlaceMatch `json:"match"`
	Line  string            `json:"line"`
}

type Result struct {
	Source     string                  `json:"source"`
	Identifier string                  `json:"identifier"`
	Permalink  string                  `json:"permalink"`
	Lines      []string                `json:"lines"`
	Places     []ResolvedPlace         `json:"places"`
	Candidates []string                `json:"candidates"`
	Transcript string                  `json:"transcript,omitempty"`
	Overlays   []analysis.FrameOverlay `json:"overlays,omitempty"`
	Stages     []StageOutcome          `json:"stages"`
}

func (r *Result) record(name string, start time.Time, err error, skipReason string) {
	o := StageOutcome{Name: name, OK: err == nil && skipReason == "", Duration: time.Since(start)}
	switch {
	case err != nil:
		o.Reason = err.Error()
	case skipReason != "":
		o.Reason = skipReason
	}
	r.Stages = append(r.Stages, o)
}

// Run executes every stage for rawURL. caption is optional text passed to
// transcript analysis.
func (p *Pipeline) Run(ctx context.Context, rawURL, caption string) (*Result, error) {
	start := time.Now()
	metrics.PipelineRuns.Inc()
	res, err := p.run(ctx, rawURL, caption)
	metrics.PipelineLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineFatal.Inc()
		p.logger.Warn("pipeline aborted", "url", rawURL, "err", err)
		return nil, err
	}
	p.logger.Info("pipeline finished",
		"source", res.Source,
		"identifier", res.Identifier,
		"candidates", len(res.Candidates),
		"lines", len(res.Lines),
		"duration", time.Since(start),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, rawURL, caption string) (*Result, error) {
	// 1. normalize and identify
	permalink, err := media.NormalizePermalink(rawURL)
	if err != nil {
		return nil, &FatalError{Stage: "identify", Err: fmt.Errorf("%w: %v", ErrNoIdentifier, err)}
	}
	src, id, ok := media.Identify(permalink)
	if !ok {
		return nil, &FatalError{Stage: "identify", Err: ErrNoIdentifier}
	}
	res := &Result{Source: src.Name, Identifier: id, Permalink: permalink, Lines: []string{}, Places: []ResolvedPlace{}}
	log := p.logger.With("source", src.Name, "identifier", id)

	// 2. resolve
	if p.resolver == nil {
		return nil, &FatalError{Stage: "resolve", Err: ErrMediaUnresolved}
	}
	direct, err := p.resolver.Resolve(ctx, permalink)
	if err != nil || direct == "" {
		if err != nil {
			log.Warn("media resolution failed", "err", err)
		}
		return nil, &FatalError{Stage: "resolve", Err: ErrMediaUnresolved}
	}

	// 3. download
	baseDir := filepath.Join(p.scratchDir, src.Name, id)
	videoPath := filepath.Join(baseDir, id+".mp4")
	if _, err := p.downloader.Download(ctx, direct, videoPath); err != nil {
		return nil, &FatalError{Stage: "download", Err: err}
	}

	// 4. transcode
	var audioPath string
	var frames media.Frames
	stageStart := time.Now()
	switch {
	case p.transcoder == nil:
		res.record("transcode", stageStart, nil, "transcoder not configured")
	case !p.transcoder.Available(ctx):
		res.record("transcode", stageStart, nil, "ffmpeg not available")
	default:
		var errs []error
		ap := filepath.Join(baseDir, id+".mp3")
		if err := p.transcoder.ExtractAudio(ctx, videoPath, ap); err != nil {
			errs = append(errs, err)
		} else {
			audioPath = ap
		}
		if fr, err := p.transcoder.ExtractFrames(ctx, videoPath, filepath.Join(baseDir, "frames")); err != nil {
			errs = append(errs, err)
		} else {
			frames = fr
		}
		res.record("transcode", stageStart, errors.Join(errs...), "")
	}

	aiEnabled := p.analyzer != nil && p.analyzer.Enabled()

	// 5. transcribe
	stageStart = time.Now()
	switch {
	case !aiEnabled:
		res.record("transcribe", stageStart, nil, "no inference credential")
	case audioPath == "":
		res.record("transcribe", stageStart, nil, "no audio")
	default:
		text, err := p.analyzer.Transcribe(ctx, audioPath)
		if err == nil {
			res.Transcript = text
		}
		res.record("transcribe", stageStart, err, "")
	}

	// 6. visual analysis
	var overlayNames []string
	stageStart = time.Now()
	switch {
	case !aiEnabled:
		res.record("vision", stageStart, nil, "no inference credential")
	case len(frames.Paths) == 0:
		res.record("vision", stageStart, nil, "no frames")
	default:
		overlays, err := p.analyzer.AnalyzeFrames(ctx, frames.Paths, frames.Timecodes)
		if err == nil {
			res.Overlays = overlays
			overlayNames = analysis.PlaceMentions(overlays)
		}
		res.record("vision", stageStart, err, "")
	}

	// 7. transcript analysis
	var transcriptNames []string
	stageStart = time.Now()
	switch {
	case !aiEnabled:
		res.record("transcript_analysis", stageStart, nil, "no inference credential")
	case res.Transcript == "":
		res.record("transcript_analysis", stageStart, nil, "no transcript")
	default:
		cands, err := p.analyzer.ExtractPlacesFromTranscript(ctx, res.Transcript, caption)
		for _, c := range cands {
			transcriptNames = append(transcriptNames, c.Name)
		}
		res.record("transcript_analysis", stageStart, err, "")
	}

	// 8. merge
	merged := mergeSourced(p.maxCandidates, tag(overlayNames, FromOverlay), tag(transcriptNames, FromTranscript))
	res.Candidates = make([]string, len(merged))
	for i, c := range merged {
		res.Candidates[i] = c.Name
	}

	// 9. resolve places
	stageStart = time.Now()
	if p.places == nil || !p.places.Enabled() {
		res.record("places", stageStart, nil, "places not configured")
	} else {
		var failures int
		for _, c := range merged {
			if len(res.Lines) >= p.maxLines {
				break
			}
			m, err := p.places.Lookup(ctx, c.Name)
			if err != nil {
				failures++
				log.Warn("place lookup failed", "candidate", c.Name, "err", err)
				continue
			}
			if m == nil {
				continue
			}
			line := places.DisplayLine(*m)
			res.Lines = append(res.Lines, line)
			res.Places = append(res.Places, ResolvedPlace{Query: c.Name, From: c.From, Match: *m, Line: line})
		}
		var err error
		if failures > 0 {
			err = fmt.Errorf("%d of %d lookups failed", failures, len(merged))
		}
		res.record("places", stageStart, err, "")
	}

	for _, st := range res.Stages {
		if !st.OK {
			log.Debug("stage degraded", "stage", st.Name, "reason", st.Reason)
		}
	}
	return res, nil
}
