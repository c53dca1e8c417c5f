package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"omnimap/internal/analysis"
	"omnimap/internal/bot"
	"omnimap/internal/bus"
	"omnimap/internal/config"
	"omnimap/internal/domain"
	"omnimap/internal/extract"
	"omnimap/internal/flow"
	"omnimap/internal/httpclient"
	"omnimap/internal/jobs"
	"omnimap/internal/media"
	"omnimap/internal/pipeline"
	"omnimap/internal/places"
	"omnimap/internal/store"
	"omnimap/internal/store/postgres"
	"omnimap/internal/waitlist"

	"github.com/redis/go-redis/v9"
)

// backend is what both storage drivers provide.
type backend interface {
	domain.JobStore
	domain.WaitlistStore
	domain.SessionMemoryStore
	Close() error
}

// app holds the wired components shared by the bot, worker and gateway.
type app struct {
	cfg      *config.Config
	store    backend
	events   *bus.EventBus
	queue    *jobs.Queue
	waitlist *waitlist.Service
	redis    *redis.Client
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv("."); err != nil {
		logger.Warn("dotenv load failed", "err", err)
	}
	cfgPath := resolveConfigPath()
	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(cfgPath); errors.Is(statErr, fs.ErrNotExist) && configPath == "" {
		logger.Info("no config file, using defaults and environment", "path", cfgPath)
		cfg, err = config.FromEnv()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := setupLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one at the configured
// level, teeing to general.logFile when set.
func setupLogger(cfg *config.Config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.General.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: cfg.Store.MaxConns,
			Logger:   logger,
		})
	default:
		return store.Open(cfg.Store.Path, logger)
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	events := bus.NewEventBus(logger)
	events.On("*", func(e bus.Event) {
		logger.Debug("job event", "type", e.Type, "job_id", e.JobID, "job_type", e.JobType, "chat_id", e.ChatID)
	})
	a := &app{
		cfg:      cfg,
		store:    st,
		events:   events,
		queue:    jobs.NewQueue(st, events, logger),
		waitlist: waitlist.New(st, logger),
	}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("flow state in redis", "addr", cfg.Redis.Addr)
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("store close failed", "err", err)
	}
}

func (a *app) flowStore() flow.Store {
	ttl := time.Duration(a.cfg.Redis.FlowTTLMin) * time.Minute
	if a.redis != nil {
		return flow.NewRedisStore(a.redis, "", ttl)
	}
	return flow.NewMemoryStore(ttl)
}

func (a *app) dispatcher(messageBus domain.MessageBus) *bot.Dispatcher {
	machine := flow.NewMachine(flow.Config{
		Store:    a.flowStore(),
		Waitlist: a.waitlist,
		Enqueue:  bot.ReelEnqueuer(a.queue),
		Logger:   logger,
	})
	return bot.New(bot.Config{
		Bus:      messageBus,
		Flow:     machine,
		Waitlist: a.waitlist,
		Queue:    a.queue,
		Verbose:  !a.cfg.General.Production(),
		Logger:   logger,
	})
}

// extraction builds the media pipeline and the plugin router around it.
func extraction(cfg *config.Config) (*pipeline.Pipeline, *extract.Router) {
	client := httpclient.New(time.Duration(cfg.Media.HTTPTimeoutSeconds) * time.Second)
	limiter := media.NewHostThrottle(cfg.Media.RequestsPerSecond, cfg.Media.Burst)

	var resolvers []media.Resolver
	if cfg.Media.Chrome {
		resolvers = append(resolvers, media.NewChromeResolver(media.ChromeResolverConfig{
			ProfileDir: cfg.Media.ChromeProfileDir,
			Headless:   cfg.Media.Headless,
			Logger:     logger,
		}))
	}
	resolvers = append(resolvers, media.NewHTMLResolver(media.HTMLResolverConfig{Client: client, Limiter: limiter}))

	ai := analysis.New(analysis.Config{
		APIKey:          cfg.OpenAI.APIKey,
		APIBase:         cfg.OpenAI.APIBase,
		Model:           cfg.OpenAI.Model,
		TranscribeModel: cfg.OpenAI.TranscribeModel,
		MaxVisionFrames: cfg.OpenAI.MaxVisionFrames,
		Client:          httpclient.New(0),
		Logger:          logger,
	})
	lookup := places.New(places.Config{
		APIKey:   cfg.Places.APIKey,
		Endpoint: cfg.Places.Endpoint,
		Region:   cfg.Places.Region,
		Language: cfg.Places.Language,
		Logger:   logger,
	})
	if !ai.Enabled() {
		logger.Warn("openai.apiKey not set, transcription and vision are disabled")
	}
	if !lookup.Enabled() {
		logger.Warn("places.apiKey not set, place lookups are disabled")
	}

	pipe := pipeline.New(pipeline.Config{
		Resolver: media.NewChainResolver(logger, resolvers...),
		Downloader: media.NewDownloader(media.DownloaderConfig{
			Client:  client,
			Limiter: limiter,
			Logger:  logger,
		}),
		Transcoder: media.NewTranscoder(media.TranscoderConfig{
			Binary:    cfg.Media.FFmpeg,
			FPS:       cfg.Media.FPS,
			MaxFrames: cfg.Media.MaxFrames,
			Logger:    logger,
		}),
		Analyzer:      ai,
		Places:        lookup,
		ScratchDir:    cfg.Media.ScratchDir,
		MaxCandidates: cfg.Pipeline.MaxCandidates,
		MaxLines:      cfg.Pipeline.MaxLines,
		Logger:        logger,
	})

	registry := extract.NewRegistry(logger)
	extract.RegisterBuiltins(registry, pipe, ai, lookup, cfg.Pipeline.MaxLines)
	logger.Info("extractors registered", "plugins", registry.Names())
	return pipe, extract.NewRouter(registry, logger)
}

// worker builds the job worker delivering outcomes through notifier.
func (a *app) worker(notifier domain.Notifier) *jobs.Worker {
	pipe, router := extraction(a.cfg)
	processors := jobs.Processors(jobs.Deps{
		Queue:    a.queue,
		Pipeline: pipe,
		Router:   router,
		Notifier: notifier,
		Sessions: a.store,
		Logger:   logger,
	})
	return jobs.NewWorker(jobs.WorkerConfig{
		Store:      a.store,
		Processors: processors,
		Notifier:   notifier,
		Events:     a.events,
		Interval:   time.Duration(a.cfg.Worker.IntervalSeconds) * time.Second,
		BatchSize:  a.cfg.Worker.BatchSize,
		Logger:     logger,
	})
}

// status reports queue depth and waitlist size for health endpoints.
func (a *app) status(ctx context.Context) map[string]any {
	out := map[string]any{"waitlist": a.waitlist.Count(ctx)}
	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		out["jobs_error"] = err.Error()
		return out
	}
	byStatus := make(map[string]int, len(counts))
	for s, n := range counts {
		byStatus[string(s)] = n
	}
	out["jobs"] = byStatus
	return out
}
