package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"omnimap/internal/analysis"
	"omnimap/internal/domain"
	"omnimap/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubPlugin struct {
	name  string
	score float64
	panic bool
	res   *domain.ExtractionResult
	err   error
	calls int
}

func (s *stubPlugin) Name() string { return s.name }

func (s *stubPlugin) CanHandle(domain.InputRequest) float64 {
	if s.panic {
		panic("boom")
	}
	return s.score
}

func (s *stubPlugin) Extract(context.Context, domain.InputRequest, domain.PluginContext) (*domain.ExtractionResult, error) {
	s.calls++
	return s.res, s.err
}

func TestClassifyContent(t *testing.T) {
	tests := []struct {
		in   string
		want domain.InputKind
	}{
		{"", domain.KindUnknown},
		{"   ", domain.KindUnknown},
		{"https://www.instagram.com/reel/abc/", domain.KindURL},
		{"  http://example.com  ", domain.KindURL},
		{"ftp://example.com", domain.KindText},
		{"look https://example.com", domain.KindText},
		{"best laksa in town", domain.KindText},
	}
	for _, tt := range tests {
		if got := ClassifyContent(tt.in); got != tt.want {
			t.Errorf("ClassifyContent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFirstURL(t *testing.T) {
	if got := FirstURL("dinner https://vm.tiktok.com/x/ then https://b.com"); got != "https://vm.tiktok.com/x/" {
		t.Errorf("FirstURL = %q", got)
	}
	if got := FirstURL("no links here"); got != "" {
		t.Errorf("FirstURL = %q, want empty", got)
	}
}

func TestNewRequest(t *testing.T) {
	req := NewRequest(domain.PlatformTelegram, "  https://instagram.com/reel/1 ", &domain.UserRef{ID: "7"}, nil)
	if req.ID == "" {
		t.Error("request id should be set")
	}
	if req.Content != "https://instagram.com/reel/1" || req.Kind != domain.KindURL {
		t.Errorf("req = %+v", req)
	}
	if other := NewRequest(domain.PlatformTelegram, "x", nil, nil); other.ID == req.ID {
		t.Error("ids should be unique")
	}
}

func TestRegistry_FirstWins(t *testing.T) {
	reg := NewRegistry(testLogger())
	first := &stubPlugin{name: "a", score: 0.1}
	reg.Register(first)
	reg.Register(&stubPlugin{name: "a", score: 0.9})
	reg.Register(&stubPlugin{name: "b"})

	if reg.Len() != 2 {
		t.Fatalf("len = %d, want 2", reg.Len())
	}
	if reg.Get("a") != first {
		t.Error("duplicate registration should be ignored")
	}
	if got := strings.Join(reg.Names(), ","); got != "a,b" {
		t.Errorf("names = %s", got)
	}
}

func TestRoute_EmptyRegistry(t *testing.T) {
	rt := NewRouter(NewRegistry(testLogger()), testLogger())
	res := rt.Route(context.Background(), NewRequest(domain.PlatformCLI, "hi", nil, nil))
	if res.Places == nil || len(res.Places) != 0 {
		t.Errorf("places = %v", res.Places)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != warnNoPlugins {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestRoute_NoHandler(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubPlugin{name: "zero"})
	reg.Register(&stubPlugin{name: "panics", panic: true})
	reg.Register(&stubPlugin{name: "negative", score: -3})

	res := NewRouter(reg, testLogger()).Route(context.Background(), NewRequest(domain.PlatformCLI, "hi", nil, nil))
	if len(res.Warnings) != 1 || res.Warnings[0] != warnNoHandler {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestRoute_PicksHighestScoreTiesKeepOrder(t *testing.T) {
	reg := NewRegistry(testLogger())
	low := &stubPlugin{name: "low", score: 0.3}
	first := &stubPlugin{name: "first", score: 0.8, res: &domain.ExtractionResult{Summary: "first"}}
	second := &stubPlugin{name: "second", score: 0.8}
	over := &stubPlugin{name: "clamped", score: 0.8}
	reg.Register(low)
	reg.Register(first)
	reg.Register(second)
	reg.Register(over)

	res := NewRouter(reg, testLogger()).Route(context.Background(), NewRequest(domain.PlatformCLI, "hi", nil, nil))
	if res.Summary != "first" {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.Places == nil {
		t.Error("places should be normalized to an empty slice")
	}
	if low.calls+second.calls+over.calls != 0 {
		t.Error("only the winning plugin should run")
	}
}

func TestRoute_ClampsScores(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubPlugin{name: "one", score: 1, res: &domain.ExtractionResult{Summary: "one"}})
	reg.Register(&stubPlugin{name: "huge", score: 42, res: &domain.ExtractionResult{Summary: "huge"}})

	res := NewRouter(reg, testLogger()).Route(context.Background(), NewRequest(domain.PlatformCLI, "hi", nil, nil))
	if res.Summary != "one" {
		t.Errorf("clamped tie should keep registration order, got %q", res.Summary)
	}
}

func TestRoute_ExtractorFailure(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&stubPlugin{name: "bad", score: 1, err: errors.New("upstream down")})

	res := NewRouter(reg, testLogger()).Route(context.Background(), NewRequest(domain.PlatformCLI, "hi", nil, nil))
	if len(res.Warnings) != 1 || res.Warnings[0] != "Extractor failed: upstream down" {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if len(res.Places) != 0 {
		t.Errorf("places = %v", res.Places)
	}
}

type fakeRunner struct {
	link, caption string
	res           *pipeline.Result
	err           error
}

func (f *fakeRunner) Run(_ context.Context, rawURL, caption string) (*pipeline.Result, error) {
	f.link, f.caption = rawURL, caption
	return f.res, f.err
}

func TestMediaPlugin_Scores(t *testing.T) {
	ig := NewInstagramPlugin(nil)
	tt := NewTikTokPlugin(nil)
	igURL := NewRequest(domain.PlatformCLI, "https://www.instagram.com/reel/abc/", nil, nil)
	ttURL := NewRequest(domain.PlatformCLI, "https://www.tiktok.com/@a/video/1", nil, nil)

	if s := ig.CanHandle(igURL); s != 0.8 {
		t.Errorf("instagram url score = %v", s)
	}
	if s := ig.CanHandle(ttURL); s != 0 {
		t.Errorf("instagram on tiktok url = %v", s)
	}
	if s := tt.CanHandle(ttURL); s != 0.7 {
		t.Errorf("tiktok url score = %v", s)
	}
	if s := ig.CanHandle(domain.InputRequest{Kind: domain.KindInstagramMessage}); s != 0.9 {
		t.Errorf("instagram message score = %v", s)
	}
}

func TestMediaPlugin_Extract(t *testing.T) {
	runner := &fakeRunner{res: &pipeline.Result{
		Source:     "instagram",
		Identifier: "abc",
		Lines:      []string{"- Lau Pa Sat — https://maps.google.com/?q=place_id:p1"},
		Places: []pipeline.ResolvedPlace{{
			Query: "Lau Pa Sat",
			From:  pipeline.FromOverlay,
			Match: domain.PlaceMatch{PlaceID: "p1", DisplayName: "Lau Pa Sat", MapsURL: "https://maps.google.com/?q=place_id:p1"},
		}},
		Stages: []pipeline.StageOutcome{{Name: "transcribe", OK: false, Reason: "no audio"}},
	}}
	p := NewInstagramPlugin(runner)
	req := NewRequest(domain.PlatformCLI, "https://www.instagram.com/reel/abc/", nil, nil)
	req.Metadata = map[string]any{"caption": "hawker night"}

	res, err := p.Extract(context.Background(), req, domain.PluginContext{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if runner.link != "https://www.instagram.com/reel/abc/" || runner.caption != "hawker night" {
		t.Errorf("runner got %q %q", runner.link, runner.caption)
	}
	if len(res.Places) != 1 || res.Places[0].Name != "Lau Pa Sat" || res.Places[0].Confidence != 0.7 {
		t.Errorf("places = %+v", res.Places)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "transcribe: no audio" {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if !strings.Contains(res.Summary, "Lau Pa Sat") {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestMediaPlugin_NoRunner(t *testing.T) {
	_, err := NewTikTokPlugin(nil).Extract(context.Background(), domain.InputRequest{}, domain.PluginContext{Logger: testLogger()})
	if err == nil {
		t.Fatal("expected error without a pipeline")
	}
}

type fakeAnalyzer struct {
	cands    []analysis.Candidate
	err      error
	disabled bool
}

func (f fakeAnalyzer) Enabled() bool { return !f.disabled }
func (f fakeAnalyzer) ExtractPlacesFromTranscript(context.Context, string, string) ([]analysis.Candidate, error) {
	return f.cands, f.err
}

type fakeLookup map[string]*domain.PlaceMatch

func (f fakeLookup) Lookup(_ context.Context, name string) (*domain.PlaceMatch, error) {
	return f[name], nil
}

func TestTextPlugin_Extract(t *testing.T) {
	analyzer := fakeAnalyzer{cands: []analysis.Candidate{{Name: "Tiong Bahru Market"}, {Name: "tiong bahru market"}, {Name: "Nowhere Cafe"}}}
	lookup := fakeLookup{"Tiong Bahru Market": {PlaceID: "tb", DisplayName: "Tiong Bahru Market", MapsURL: "https://maps.google.com/?q=place_id:tb"}}
	p := NewTextPlugin(analyzer, lookup, 0)

	res, err := p.Extract(context.Background(), NewRequest(domain.PlatformCLI, "try tiong bahru market", nil, nil), domain.PluginContext{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Places) != 2 {
		t.Fatalf("places = %+v", res.Places)
	}
	if res.Places[0].Confidence != 0.7 || res.Places[1].Confidence != 0.5 {
		t.Errorf("confidences = %v %v", res.Places[0].Confidence, res.Places[1].Confidence)
	}
	if res.Summary != "- Tiong Bahru Market — https://maps.google.com/?q=place_id:tb" {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestTextPlugin_Unconfigured(t *testing.T) {
	p := NewTextPlugin(nil, nil, 3)
	res, err := p.Extract(context.Background(), domain.InputRequest{Kind: domain.KindText, Content: "x"}, domain.PluginContext{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestTextPlugin_AnalyzerWithoutKey(t *testing.T) {
	analyzer := fakeAnalyzer{disabled: true, err: errors.New("analysis: no API key configured")}
	p := NewTextPlugin(analyzer, fakeLookup{}, 3)
	res, err := p.Extract(context.Background(), domain.InputRequest{Kind: domain.KindText, Content: "lunch at lau pa sat"}, domain.PluginContext{Logger: testLogger()})
	if err != nil {
		t.Fatalf("disabled analyzer should degrade, got %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "text analysis not configured" {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if len(res.Places) != 0 {
		t.Errorf("places = %+v", res.Places)
	}
}

func TestRegisterBuiltins_RoutesByKind(t *testing.T) {
	runner := &fakeRunner{res: &pipeline.Result{Source: "tiktok"}}
	reg := NewRegistry(testLogger())
	RegisterBuiltins(reg, runner, fakeAnalyzer{}, fakeLookup{}, 6)
	rt := NewRouter(reg, testLogger())

	res := rt.Route(context.Background(), NewRequest(domain.PlatformCLI, "https://vm.tiktok.com/ZS123/", nil, nil))
	if runner.link != "https://vm.tiktok.com/ZS123/" {
		t.Errorf("tiktok link should reach the pipeline, got %q", runner.link)
	}
	if res.Summary != "No places found." {
		t.Errorf("summary = %q", res.Summary)
	}

	res = rt.Route(context.Background(), NewRequest(domain.PlatformCLI, "https://example.com/blog", nil, nil))
	if len(res.Warnings) != 1 || res.Warnings[0] != warnNoHandler {
		t.Errorf("plain link warnings = %v", res.Warnings)
	}
}
