package extract

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"omnimap/internal/domain"
	"omnimap/internal/metrics"
)

const (
	warnNoPlugins  = "No plugins registered"
	warnNoHandler  = "No plugin can handle this input"
	warnFailPrefix = "Extractor failed: "
)

// Router scores every registered plugin and runs the best one.
type Router struct {
	registry *Registry
	logger   *slog.Logger
}

func NewRouter(registry *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, logger: logger}
}

type scored struct {
	plugin domain.ExtractorPlugin
	score  float64
}

// Route never returns an error: every failure is folded into the
// result's warnings.
func (rt *Router) Route(ctx context.Context, req domain.InputRequest) *domain.ExtractionResult {
	plugins := rt.registry.List()
	if len(plugins) == 0 {
		rt.logger.Warn("route called with empty registry", "request_id", req.ID)
		return emptyResult(warnNoPlugins)
	}

	ranked := make([]scored, 0, len(plugins))
	for _, p := range plugins {
		ranked = append(ranked, scored{plugin: p, score: rt.safeScore(p, req)})
	}
	// Stable: ties keep registration order.
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	best := ranked[0]
	if best.score <= 0 {
		rt.logger.Info("no extractor can handle input", "request_id", req.ID, "kind", req.Kind)
		return emptyResult(warnNoHandler)
	}

	rt.logger.Info("routing to extractor",
		"request_id", req.ID,
		"plugin", best.plugin.Name(),
		"score", best.score,
	)

	pctx := domain.PluginContext{
		Logger:    rt.logger.With("plugin", best.plugin.Name(), "request_id", req.ID),
		StartedAt: time.Now(),
	}
	res, err := rt.safeExtract(ctx, best.plugin, req, pctx)
	metrics.ExtractionsTotal.Inc()
	if err != nil {
		metrics.ExtractionFailures.Inc()
		rt.logger.Error("extractor failed", "plugin", best.plugin.Name(), "err", err)
		return emptyResult(warnFailPrefix + err.Error())
	}
	if res == nil {
		res = &domain.ExtractionResult{}
	}
	if res.Places == nil {
		res.Places = []domain.PlaceCandidate{}
	}
	return res
}

// safeScore maps panics and non-finite values to 0 and clamps to [0,1].
func (rt *Router) safeScore(p domain.ExtractorPlugin, req domain.InputRequest) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Warn("extractor score panicked", "plugin", p.Name(), "panic", r)
			score = 0
		}
	}()
	s := p.CanHandle(req)
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return math.Max(0, math.Min(1, s))
}

func (rt *Router) safeExtract(ctx context.Context, p domain.ExtractorPlugin, req domain.InputRequest, pctx domain.PluginContext) (res *domain.ExtractionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return p.Extract(ctx, req, pctx)
}

func emptyResult(warning string) *domain.ExtractionResult {
	return &domain.ExtractionResult{
		Places:   []domain.PlaceCandidate{},
		Warnings: []string{warning},
	}
}
