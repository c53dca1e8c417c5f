package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnimap/internal/bus"
	"omnimap/internal/domain"
	"omnimap/internal/metrics"
	"omnimap/internal/pipeline"
)

// Outcome is what a processor hands back on success. Result is stored as
// the job's JSON result; Reply, when set, is sent to the job's chat.
type Outcome struct {
	Result any
	Reply  string
}

type Processor func(ctx context.Context, job domain.Job) (*Outcome, error)

type WorkerConfig struct {
	Store      domain.JobStore
	Processors map[string]Processor
	Notifier   domain.Notifier // optional
	Events     *bus.EventBus   // optional
	Interval   time.Duration   // default 5s
	BatchSize  int             // default 10
	Logger     *slog.Logger
}

// Worker polls queued jobs and processes them one at a time.
type Worker struct {
	store      domain.JobStore
	processors map[string]Processor
	notifier   domain.Notifier
	events     *bus.EventBus
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Processors == nil {
		cfg.Processors = map[string]Processor{}
	}
	return &Worker{
		store:      cfg.Store,
		processors: cfg.Processors,
		notifier:   cfg.Notifier,
		events:     cfg.Events,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		logger:     cfg.Logger,
	}
}

// Run polls immediately and then every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "interval", w.interval, "batch", w.batchSize, "types", len(w.processors))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return nil
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce fetches up to one batch of queued jobs, oldest first, and
// processes them sequentially. It returns how many jobs it ran.
func (w *Worker) PollOnce(ctx context.Context) int {
	queued, err := w.store.ListQueued(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("failed to fetch queued jobs", "err", err)
		return 0
	}
	if len(queued) > 0 {
		w.logger.Info("found queued jobs", "count", len(queued))
	}
	ran := 0
	for _, job := range queued {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, job) {
			ran++
		}
	}
	return ran
}

// finishTimeout bounds the terminal status write and chat notice after a
// processor returns.
const finishTimeout = 30 * time.Second

func (w *Worker) process(ctx context.Context, job domain.Job) bool {
	log := w.logger.With("job", job.ID, "type", job.Type)

	claimed, err := w.store.ClaimJob(ctx, job.ID)
	if err != nil {
		log.Error("failed to claim job", "err", err)
		return false
	}
	if !claimed {
		log.Debug("job claimed elsewhere, skipping")
		w.events.Emit(bus.Event{Type: bus.EventJobSkipped, JobID: job.ID, JobType: job.Type, ChatID: job.ChatID})
		return false
	}
	job.Status = domain.JobProcessing
	w.events.Emit(bus.Event{Type: bus.EventJobClaimed, JobID: job.ID, JobType: job.Type, ChatID: job.ChatID})

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	start := time.Now()

	proc, ok := w.processors[job.Type]
	if !ok {
		msg := "No processor for type: " + job.Type
		log.Error("no processor registered")
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
		w.fail(ctx, job, msg, errors.New(msg))
		return true
	}

	out, err := runProcessor(ctx, proc, job)
	metrics.JobLatency.Observe(time.Since(start).Seconds())

	// The claimed job must reach a terminal status even when shutdown
	// cancelled ctx mid-run.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err != nil {
		log.Warn("job failed", "err", err, "duration", time.Since(start))
		w.fail(ctx, job, err.Error(), err)
		return true
	}
	if out == nil {
		out = &Outcome{}
	}

	raw, err := toJSON(out.Result)
	if err != nil {
		w.fail(ctx, job, "result not serializable: "+err.Error(), err)
		return true
	}
	if err := w.store.UpdateJob(ctx, job.ID, domain.JobUpdate{Status: domain.JobCompleted, Result: raw}); err != nil {
		log.Error("failed to mark job completed", "err", err)
		return true
	}
	metrics.JobsTotal(job.Type, string(domain.JobCompleted)).Inc()
	w.events.Emit(bus.Event{Type: bus.EventJobCompleted, JobID: job.ID, JobType: job.Type, ChatID: job.ChatID,
		Detail: map[string]any{"duration": time.Since(start)}})
	log.Info("job completed", "duration", time.Since(start))

	if out.Reply != "" {
		w.notify(ctx, job, out.Reply)
	}
	return true
}

// runProcessor converts a processor panic into an error.
func runProcessor(ctx context.Context, proc Processor, job domain.Job) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(ctx, job)
}

func (w *Worker) fail(ctx context.Context, job domain.Job, msg string, cause error) {
	if err := w.store.UpdateJob(ctx, job.ID, domain.JobUpdate{Status: domain.JobFailed, Error: &msg}); err != nil {
		w.logger.Error("failed to mark job failed", "job", job.ID, "err", err)
	}
	metrics.JobsTotal(job.Type, string(domain.JobFailed)).Inc()
	w.events.Emit(bus.Event{Type: bus.EventJobFailed, JobID: job.ID, JobType: job.Type, ChatID: job.ChatID,
		Detail: map[string]any{"error": msg}})
	w.notify(ctx, job, FailureNotice(cause))
}

func (w *Worker) notify(ctx context.Context, job domain.Job, text string) {
	if w.notifier == nil || job.ChatID == 0 {
		return
	}
	if err := w.notifier.Notify(ctx, job.ChatID, text); err != nil {
		w.logger.Warn("failed to notify chat", "job", job.ID, "chat", job.ChatID, "err", err)
	}
}

// FailureNotice is the chat text for a failed job.
func FailureNotice(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrNoIdentifier):
		return "❌ That link doesn't look like a reel or video I can read. Send a link like https://www.instagram.com/reel/…"
	case errors.Is(err, pipeline.ErrMediaUnresolved):
		return "❌ I couldn't fetch the video behind that link. It may be private, removed or blocked right now."
	default:
		return "❌ Sorry, that job failed: " + err.Error()
	}
}
