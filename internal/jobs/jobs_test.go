package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"omnimap/internal/bus"
	"omnimap/internal/domain"
	"omnimap/internal/pipeline"
	"omnimap/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type sentMessage struct {
	chatID int64
	text   string
}

type recordingNotifier struct {
	sent []sentMessage
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	if n.err != nil {
		return n.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n.sent = append(n.sent, sentMessage{chatID, text})
	return nil
}

// brokenStore fails every write.
type brokenStore struct{ domain.JobStore }

func (brokenStore) InsertJob(context.Context, domain.NewJob) (*domain.Job, error) {
	return nil, errors.New("db down")
}

func (brokenStore) UpdateJob(context.Context, string, domain.JobUpdate) error {
	return errors.New("db down")
}

// racingStore pretends another worker claims every job first.
type racingStore struct{ domain.JobStore }

func (racingStore) ClaimJob(context.Context, string) (bool, error) { return false, nil }

func fixedNow() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) }

func TestQueue_CreateAndUpdate(t *testing.T) {
	s := testStore(t)
	events := bus.NewEventBus(testLogger())
	var created int
	events.On(bus.EventJobCreated, func(bus.Event) { created++ })
	q := NewQueue(s, events, testLogger())
	ctx := context.Background()

	job := q.CreateJob(ctx, TypeEcho, 99, MessagePayload{Message: "hi"}, WithSession("s1"))
	if job == nil {
		t.Fatal("CreateJob returned nil")
	}
	if created != 1 {
		t.Errorf("created events = %d", created)
	}
	if job.SessionID == nil || *job.SessionID != "s1" {
		t.Errorf("session = %v", job.SessionID)
	}

	if !q.UpdateJobStatus(ctx, job.ID, domain.JobFailed, nil, "boom") {
		t.Fatal("UpdateJobStatus failed")
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Result != nil || got.Error == nil || *got.Error != "boom" {
		t.Errorf("job after partial update: %+v", got)
	}
	if q.UpdateJobStatus(ctx, job.ID, domain.JobProcessing, nil, "") {
		t.Error("terminal job moved back to processing")
	}
}

func TestQueue_PersistenceFailureReturnsNil(t *testing.T) {
	q := NewQueue(brokenStore{}, nil, testLogger())
	if job := q.CreateJob(context.Background(), TypeEcho, 1, nil); job != nil {
		t.Errorf("expected nil job, got %+v", job)
	}
	if q.UpdateJobStatus(context.Background(), "x", domain.JobFailed, nil, "e") {
		t.Error("expected false from failing store")
	}
}

func TestWorker_EchoJob(t *testing.T) {
	s := testStore(t)
	n := &recordingNotifier{}
	q := NewQueue(s, nil, testLogger())
	w := NewWorker(WorkerConfig{
		Store:      s,
		Processors: Processors(Deps{Queue: q, Notifier: n, Logger: testLogger(), Now: fixedNow}),
		Notifier:   n,
		Logger:     testLogger(),
	})
	ctx := context.Background()
	job := q.CreateJob(ctx, TypeEcho, 42, MessagePayload{Message: "hello there"})

	if ran := w.PollOnce(ctx); ran != 1 {
		t.Fatalf("PollOnce ran %d jobs", ran)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != domain.JobCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	var result map[string]string
	if err := json.Unmarshal(got.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result["processed_message"] != "hello there" || result["timestamp"] != "2026-10-17T09:00:00Z" {
		t.Errorf("result = %v", result)
	}
	if len(n.sent) != 1 || n.sent[0].chatID != 42 {
		t.Fatalf("notifications = %+v", n.sent)
	}
	if n.sent[0].text != `🔄 Background job completed! Original message: "hello there"` {
		t.Errorf("reply = %s", n.sent[0].text)
	}
}

func TestWorker_UnknownType(t *testing.T) {
	s := testStore(t)
	q := NewQueue(s, nil, testLogger())
	w := NewWorker(WorkerConfig{Store: s, Logger: testLogger()})
	ctx := context.Background()
	job := q.CreateJob(ctx, "mystery", 0, nil)

	w.PollOnce(ctx)
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != domain.JobFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Error == nil || *got.Error != "No processor for type: mystery" {
		t.Errorf("error = %v", got.Error)
	}
}

func TestWorker_FailuresAreIsolatedAndFIFO(t *testing.T) {
	s := testStore(t)
	q := NewQueue(s, nil, testLogger())
	var order []string
	procs := map[string]Processor{
		"boom": func(_ context.Context, j domain.Job) (*Outcome, error) {
			order = append(order, j.ID)
			return nil, errors.New("exploded")
		},
		"panic": func(_ context.Context, j domain.Job) (*Outcome, error) {
			order = append(order, j.ID)
			panic("kaboom")
		},
		"ok": func(_ context.Context, j domain.Job) (*Outcome, error) {
			order = append(order, j.ID)
			return &Outcome{Result: map[string]int{"n": 1}}, nil
		},
	}
	n := &recordingNotifier{}
	w := NewWorker(WorkerConfig{Store: s, Processors: procs, Notifier: n, Logger: testLogger()})
	ctx := context.Background()

	a := q.CreateJob(ctx, "boom", 7, nil)
	b := q.CreateJob(ctx, "panic", 7, nil)
	c := q.CreateJob(ctx, "ok", 7, nil)

	if ran := w.PollOnce(ctx); ran != 3 {
		t.Fatalf("ran %d jobs", ran)
	}
	if strings.Join(order, ",") != strings.Join([]string{a.ID, b.ID, c.ID}, ",") {
		t.Errorf("processing order = %v", order)
	}

	ja, _ := s.GetJob(ctx, a.ID)
	jb, _ := s.GetJob(ctx, b.ID)
	jc, _ := s.GetJob(ctx, c.ID)
	if ja.Status != domain.JobFailed || *ja.Error != "exploded" {
		t.Errorf("a = %s %v", ja.Status, ja.Error)
	}
	if jb.Status != domain.JobFailed || !strings.Contains(*jb.Error, "kaboom") {
		t.Errorf("b = %s %v", jb.Status, jb.Error)
	}
	if jc.Status != domain.JobCompleted || string(jc.Result) != `{"n":1}` {
		t.Errorf("c = %s %s", jc.Status, jc.Result)
	}
	// two failure notices, the successful job has no reply
	if len(n.sent) != 2 || !strings.HasPrefix(n.sent[0].text, "❌") {
		t.Errorf("notifications = %+v", n.sent)
	}
}

func TestWorker_CancelledMidJobStillFinishes(t *testing.T) {
	s := testStore(t)
	q := NewQueue(s, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	procs := map[string]Processor{
		"slow": func(pctx context.Context, _ domain.Job) (*Outcome, error) {
			cancel()
			return nil, pctx.Err()
		},
	}
	n := &recordingNotifier{}
	w := NewWorker(WorkerConfig{Store: s, Processors: procs, Notifier: n, Logger: testLogger()})

	job := q.CreateJob(ctx, "slow", 7, nil)
	if job == nil {
		t.Fatal("job not created")
	}
	if ran := w.PollOnce(ctx); ran != 1 {
		t.Fatalf("ran %d jobs", ran)
	}

	got, err := s.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "context canceled") {
		t.Errorf("error = %v", got.Error)
	}
	if len(n.sent) != 1 || n.sent[0].chatID != 7 {
		t.Errorf("notifications = %+v", n.sent)
	}
}

func TestWorker_SkipsJobClaimedElsewhere(t *testing.T) {
	s := testStore(t)
	q := NewQueue(s, nil, testLogger())
	called := false
	events := bus.NewEventBus(testLogger())
	var skipped int
	events.On(bus.EventJobSkipped, func(bus.Event) { skipped++ })
	w := NewWorker(WorkerConfig{
		Store: racingStore{s},
		Processors: map[string]Processor{TypeEcho: func(context.Context, domain.Job) (*Outcome, error) {
			called = true
			return nil, nil
		}},
		Events: events,
		Logger: testLogger(),
	})
	ctx := context.Background()
	job := q.CreateJob(ctx, TypeEcho, 1, MessagePayload{Message: "x"})

	if ran := w.PollOnce(ctx); ran != 0 {
		t.Errorf("ran %d jobs", ran)
	}
	if called {
		t.Error("processor ran for a job it did not claim")
	}
	if skipped != 1 {
		t.Errorf("skipped events = %d", skipped)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != domain.JobQueued {
		t.Errorf("status = %s", got.Status)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	s := testStore(t)
	w := NewWorker(WorkerConfig{Store: s, Interval: 10 * time.Millisecond, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestHello_ChainsNotification(t *testing.T) {
	s := testStore(t)
	n := &recordingNotifier{}
	q := NewQueue(s, nil, testLogger())
	w := NewWorker(WorkerConfig{
		Store:      s,
		Processors: Processors(Deps{Queue: q, Notifier: n, Sessions: s, Logger: testLogger(), Now: fixedNow}),
		Notifier:   n,
		Logger:     testLogger(),
	})
	ctx := context.Background()
	parent := q.CreateJob(ctx, TypeHello, 5, nil, WithSession("sess"))

	w.PollOnce(ctx)
	queued, _ := s.ListQueued(ctx, 10)
	if len(queued) != 1 || queued[0].Type != TypeNotifyUser {
		t.Fatalf("queued after hello = %+v", queued)
	}
	child := queued[0]
	if child.ParentJobID == nil || *child.ParentJobID != parent.ID {
		t.Errorf("parent = %v", child.ParentJobID)
	}
	if child.SessionID == nil || *child.SessionID != "sess" {
		t.Errorf("session = %v", child.SessionID)
	}
	mems, _ := s.ListSessionMemories(ctx, "sess", 10)
	if len(mems) != 1 || mems[0].Role != "assistant" {
		t.Errorf("memories = %+v", mems)
	}

	w.PollOnce(ctx)
	if len(n.sent) != 1 || !strings.HasPrefix(n.sent[0].text, "👋 Hello from the worker!") {
		t.Fatalf("notifications = %+v", n.sent)
	}
	got, _ := s.GetJob(ctx, child.ID)
	if got.Status != domain.JobCompleted {
		t.Errorf("child status = %s", got.Status)
	}
}

type stubRunner struct {
	res *pipeline.Result
	err error
	url string
}

func (r *stubRunner) Run(_ context.Context, rawURL, _ string) (*pipeline.Result, error) {
	r.url = rawURL
	return r.res, r.err
}

func TestReelsToMaps(t *testing.T) {
	ctx := context.Background()

	t.Run("lines", func(t *testing.T) {
		s := testStore(t)
		n := &recordingNotifier{}
		runner := &stubRunner{res: &pipeline.Result{Lines: []string{"- A — addr — https://maps.google.com/?q=place_id:a"}}}
		q := NewQueue(s, nil, testLogger())
		w := NewWorker(WorkerConfig{Store: s, Processors: Processors(Deps{Pipeline: runner}), Notifier: n, Logger: testLogger()})
		q.CreateJob(ctx, TypeReelsToMaps, 3, ReelsPayload{URL: "https://www.instagram.com/reel/ABC/"})
		w.PollOnce(ctx)
		if runner.url != "https://www.instagram.com/reel/ABC/" {
			t.Errorf("runner url = %s", runner.url)
		}
		if len(n.sent) != 1 || !strings.Contains(n.sent[0].text, "- A — addr") {
			t.Errorf("reply = %+v", n.sent)
		}
	})

	t.Run("no places", func(t *testing.T) {
		s := testStore(t)
		n := &recordingNotifier{}
		runner := &stubRunner{res: &pipeline.Result{Lines: []string{}}}
		q := NewQueue(s, nil, testLogger())
		w := NewWorker(WorkerConfig{Store: s, Processors: Processors(Deps{Pipeline: runner}), Notifier: n, Logger: testLogger()})
		job := q.CreateJob(ctx, TypeReelsToMaps, 3, ReelsPayload{URL: "https://www.instagram.com/reel/ABC/"})
		w.PollOnce(ctx)
		got, _ := s.GetJob(ctx, job.ID)
		if got.Status != domain.JobCompleted {
			t.Errorf("status = %s", got.Status)
		}
		if len(n.sent) != 1 || !strings.Contains(n.sent[0].text, "couldn't pin down") {
			t.Errorf("reply = %+v", n.sent)
		}
	})

	t.Run("fatal", func(t *testing.T) {
		s := testStore(t)
		n := &recordingNotifier{}
		runner := &stubRunner{err: &pipeline.FatalError{Stage: "resolve", Err: pipeline.ErrMediaUnresolved}}
		q := NewQueue(s, nil, testLogger())
		w := NewWorker(WorkerConfig{Store: s, Processors: Processors(Deps{Pipeline: runner}), Notifier: n, Logger: testLogger()})
		job := q.CreateJob(ctx, TypeReelsToMaps, 3, ReelsPayload{URL: "https://www.instagram.com/reel/ABC/"})
		w.PollOnce(ctx)
		got, _ := s.GetJob(ctx, job.ID)
		if got.Status != domain.JobFailed || got.Result != nil {
			t.Errorf("job = %s result=%s", got.Status, got.Result)
		}
		if len(n.sent) != 1 || !strings.Contains(n.sent[0].text, "couldn't fetch the video") {
			t.Errorf("reply = %+v", n.sent)
		}
	})
}

type stubRouter struct {
	got domain.InputRequest
}

func (r *stubRouter) Route(_ context.Context, req domain.InputRequest) *domain.ExtractionResult {
	r.got = req
	return &domain.ExtractionResult{Places: []domain.PlaceCandidate{}, Warnings: []string{"No plugin can handle this input"}}
}

func TestExtractProcessor(t *testing.T) {
	s := testStore(t)
	n := &recordingNotifier{}
	router := &stubRouter{}
	q := NewQueue(s, nil, testLogger())
	w := NewWorker(WorkerConfig{Store: s, Processors: Processors(Deps{Router: router}), Notifier: n, Logger: testLogger()})
	ctx := context.Background()
	q.CreateJob(ctx, TypeExtract, 8, ExtractPayload{Text: "https://www.tiktok.com/@a/video/1", Caption: "yum", UserID: 2})

	w.PollOnce(ctx)
	if router.got.Platform != domain.PlatformWorker || router.got.Kind != domain.KindURL {
		t.Errorf("request = %+v", router.got)
	}
	if router.got.Chat == nil || router.got.Chat.ID != "8" || router.got.User == nil || router.got.User.ID != "2" {
		t.Errorf("refs = %+v %+v", router.got.Chat, router.got.User)
	}
	if router.got.Metadata["caption"] != "yum" {
		t.Errorf("metadata = %v", router.got.Metadata)
	}
	if len(n.sent) != 1 || !strings.Contains(n.sent[0].text, "🤷 No places found.") || !strings.Contains(n.sent[0].text, "⚠️ No plugin") {
		t.Errorf("reply = %+v", n.sent)
	}
}

func TestNotifyUser_FailsWhenDeliveryFails(t *testing.T) {
	s := testStore(t)
	n := &recordingNotifier{err: errors.New("chat not found")}
	q := NewQueue(s, nil, testLogger())
	w := NewWorker(WorkerConfig{Store: s, Processors: Processors(Deps{Notifier: n}), Logger: testLogger()})
	ctx := context.Background()
	job := q.CreateJob(ctx, TypeNotifyUser, 4, MessagePayload{Message: "hey"})
	w.PollOnce(ctx)
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != domain.JobFailed || !strings.Contains(*got.Error, "chat not found") {
		t.Errorf("job = %s %v", got.Status, got.Error)
	}
}

func TestFailureNotice(t *testing.T) {
	wrapped := &pipeline.FatalError{Stage: "identify", Err: pipeline.ErrNoIdentifier}
	if !strings.Contains(FailureNotice(wrapped), "doesn't look like") {
		t.Errorf("notice = %s", FailureNotice(wrapped))
	}
	if FailureNotice(errors.New("x")) != "❌ Sorry, that job failed: x" {
		t.Errorf("notice = %s", FailureNotice(errors.New("x")))
	}
}
