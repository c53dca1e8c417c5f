package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"omnimap/internal/analysis"
	"omnimap/internal/domain"
	"omnimap/internal/pipeline"
	"omnimap/internal/places"
)

var (
	instagramURLPattern = regexp.MustCompile(`(?i)instagram\.com/`)
	tiktokURLPattern    = regexp.MustCompile(`(?i)tiktok\.com/`)
)

// MediaRunner runs the media-to-places pipeline for a link.
type MediaRunner interface {
	Run(ctx context.Context, rawURL string, caption string) (*pipeline.Result, error)
}

// TextAnalyzer proposes place names from free text. A disabled analyzer
// has no credentials and is skipped.
type TextAnalyzer interface {
	Enabled() bool
	ExtractPlacesFromTranscript(ctx context.Context, transcript, caption string) ([]analysis.Candidate, error)
}

// PlaceLookup resolves a name to its best map match, nil if none.
type PlaceLookup interface {
	Lookup(ctx context.Context, name string) (*domain.PlaceMatch, error)
}

// MediaPlugin handles links to a short-video source by running the pipeline.
type MediaPlugin struct {
	name        string
	messageKind domain.InputKind
	kindScore   float64
	urlScore    float64
	urlPattern  *regexp.Regexp
	runner      MediaRunner
}

var _ domain.ExtractorPlugin = (*MediaPlugin)(nil)

func NewInstagramPlugin(runner MediaRunner) *MediaPlugin {
	return &MediaPlugin{
		name:        "instagram",
		messageKind: domain.KindInstagramMessage,
		kindScore:   0.9,
		urlScore:    0.8,
		urlPattern:  instagramURLPattern,
		runner:      runner,
	}
}

func NewTikTokPlugin(runner MediaRunner) *MediaPlugin {
	return &MediaPlugin{
		name:        "tiktok",
		messageKind: domain.KindTikTokMessage,
		kindScore:   0.8,
		urlScore:    0.7,
		urlPattern:  tiktokURLPattern,
		runner:      runner,
	}
}

func (p *MediaPlugin) Name() string { return p.name }

func (p *MediaPlugin) CanHandle(req domain.InputRequest) float64 {
	switch {
	case req.Kind == p.messageKind:
		return p.kindScore
	case req.Kind == domain.KindURL && p.urlPattern.MatchString(req.Content):
		return p.urlScore
	}
	return 0
}

func (p *MediaPlugin) Extract(ctx context.Context, req domain.InputRequest, pctx domain.PluginContext) (*domain.ExtractionResult, error) {
	if p.runner == nil {
		return nil, errors.New("media pipeline not configured")
	}
	link := FirstURL(req.Content)
	if link == "" {
		link = req.Content
	}
	caption, _ := req.Metadata["caption"].(string)

	res, err := p.runner.Run(ctx, link, caption)
	if err != nil {
		return nil, err
	}

	out := &domain.ExtractionResult{
		Places: make([]domain.PlaceCandidate, 0, len(res.Places)),
		Meta: map[string]any{
			"source":     res.Source,
			"identifier": res.Identifier,
			"lines":      res.Lines,
			"candidates": res.Candidates,
		},
	}
	for _, rp := range res.Places {
		out.Places = append(out.Places, domain.PlaceCandidate{
			Name:       rp.Match.DisplayName,
			From:       rp.From,
			Confidence: confidenceFor(rp.From),
			Meta: map[string]any{
				"query":   rp.Query,
				"placeId": rp.Match.PlaceID,
				"address": rp.Match.FormattedAddress,
				"mapsUrl": rp.Match.MapsURL,
			},
		})
	}
	for _, st := range res.Stages {
		if !st.OK && st.Reason != "" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", st.Name, st.Reason))
		}
	}
	if len(res.Lines) == 0 {
		out.Summary = "No places found."
	} else {
		out.Summary = strings.Join(res.Lines, "\n")
	}
	pctx.Logger.Info("media extraction finished",
		"identifier", res.Identifier,
		"places", len(out.Places),
		"warnings", len(out.Warnings),
	)
	return out, nil
}

func confidenceFor(from string) float64 {
	switch from {
	case pipeline.FromOverlay:
		return 0.7
	case pipeline.FromTranscript:
		return 0.6
	default:
		return 0.5
	}
}

// TextPlugin extracts places from plain text by treating it as a caption.
type TextPlugin struct {
	analyzer TextAnalyzer
	places   PlaceLookup
	maxLines int
}

var _ domain.ExtractorPlugin = (*TextPlugin)(nil)

func NewTextPlugin(analyzer TextAnalyzer, places PlaceLookup, maxLines int) *TextPlugin {
	if maxLines <= 0 {
		maxLines = 6
	}
	return &TextPlugin{analyzer: analyzer, places: places, maxLines: maxLines}
}

func (p *TextPlugin) Name() string { return "text" }

func (p *TextPlugin) CanHandle(req domain.InputRequest) float64 {
	if req.Kind == domain.KindText {
		return 0.5
	}
	return 0
}

func (p *TextPlugin) Extract(ctx context.Context, req domain.InputRequest, pctx domain.PluginContext) (*domain.ExtractionResult, error) {
	out := &domain.ExtractionResult{Places: []domain.PlaceCandidate{}}
	if p.analyzer == nil || !p.analyzer.Enabled() {
		out.Warnings = append(out.Warnings, "text analysis not configured")
		return out, nil
	}
	cands, err := p.analyzer.ExtractPlacesFromTranscript(ctx, "", req.Content)
	if err != nil {
		return nil, fmt.Errorf("analyze text: %w", err)
	}

	names := make([]string, 0, len(cands))
	for _, c := range cands {
		names = append(names, c.Name)
	}
	names = pipeline.MergeCandidates(0, names)

	var lines []string
	for _, name := range names {
		pc := domain.PlaceCandidate{Name: name, From: "text", Confidence: 0.5}
		if p.places != nil && len(lines) < p.maxLines {
			m, err := p.places.Lookup(ctx, name)
			if err != nil {
				pctx.Logger.Warn("place lookup failed", "candidate", name, "err", err)
			} else if m != nil {
				pc.Confidence = 0.7
				pc.Meta = map[string]any{
					"placeId": m.PlaceID,
					"address": m.FormattedAddress,
					"mapsUrl": m.MapsURL,
				}
				lines = append(lines, places.DisplayLine(*m))
			}
		}
		out.Places = append(out.Places, pc)
	}
	if len(lines) > 0 {
		out.Summary = strings.Join(lines, "\n")
	} else if len(names) == 0 {
		out.Summary = "No places found."
	} else {
		out.Summary = strings.Join(names, ", ")
	}
	return out, nil
}

// RegisterBuiltins registers the closed set of extractors in priority order.
func RegisterBuiltins(reg *Registry, runner MediaRunner, analyzer TextAnalyzer, places PlaceLookup, maxLines int) {
	reg.Register(NewInstagramPlugin(runner))
	reg.Register(NewTikTokPlugin(runner))
	reg.Register(NewTextPlugin(analyzer, places, maxLines))
}
