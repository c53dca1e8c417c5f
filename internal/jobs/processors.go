package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"omnimap/internal/domain"
	"omnimap/internal/extract"
	"omnimap/internal/pipeline"
)

// Job types understood by Processors.
const (
	TypeEcho        = "echo_job"
	TypeReelsToMaps = "reels_to_maps"
	TypeExtract     = "extract"
	TypeNotifyUser  = "notify_user"
	TypeHello       = "python_hello"
)

type MediaRunner interface {
	Run(ctx context.Context, rawURL, caption string) (*pipeline.Result, error)
}

type Router interface {
	Route(ctx context.Context, req domain.InputRequest) *domain.ExtractionResult
}

// Deps are the collaborators processors need. Nil entries disable the
// processors that depend on them.
type Deps struct {
	Queue    *Queue
	Pipeline MediaRunner
	Router   Router
	Notifier domain.Notifier
	Sessions domain.SessionMemoryStore
	Logger   *slog.Logger
	Now      func() time.Time
}

type MessagePayload struct {
	Message string `json:"message"`
}

type ReelsPayload struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
	UserID  int64  `json:"user_id,omitempty"`
}

type ExtractPayload struct {
	Text     string `json:"text"`
	Caption  string `json:"caption,omitempty"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// Processors builds the static type → processor table.
func Processors(d Deps) map[string]Processor {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	table := map[string]Processor{
		TypeEcho:  d.echo,
		TypeHello: d.hello,
	}
	if d.Pipeline != nil {
		table[TypeReelsToMaps] = d.reelsToMaps
	}
	if d.Router != nil {
		table[TypeExtract] = d.extract
	}
	if d.Notifier != nil {
		table[TypeNotifyUser] = d.notifyUser
	}
	return table
}

func decode(job domain.Job, v any) error {
	if len(job.Payload) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (d Deps) echo(_ context.Context, job domain.Job) (*Outcome, error) {
	var p MessagePayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	return &Outcome{
		Result: map[string]any{
			"processed_message": p.Message,
			"timestamp":         d.Now().UTC().Format(time.RFC3339),
		},
		Reply: "🔄 Background job completed! Original message: \"" + p.Message + "\"",
	}, nil
}

func (d Deps) reelsToMaps(ctx context.Context, job domain.Job) (*Outcome, error) {
	var p ReelsPayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.URL) == "" {
		return nil, &pipeline.FatalError{Stage: "identify", Err: pipeline.ErrNoIdentifier}
	}
	res, err := d.Pipeline.Run(ctx, p.URL, p.Caption)
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: res, Reply: PlacesReply(res)}, nil
}

// PlacesReply renders pipeline lines as a chat message.
func PlacesReply(res *pipeline.Result) string {
	if res == nil || len(res.Lines) == 0 {
		return "🤷 I watched the reel but couldn't pin down any places in it."
	}
	return "📍 Places from this reel:\n\n" + strings.Join(res.Lines, "\n")
}

func (d Deps) extract(ctx context.Context, job domain.Job) (*Outcome, error) {
	var p ExtractPayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	var user *domain.UserRef
	if p.UserID != 0 || p.Username != "" {
		user = &domain.UserRef{ID: strconv.FormatInt(p.UserID, 10), Username: p.Username}
	}
	var chat *domain.ChatRef
	if job.ChatID != 0 {
		chat = &domain.ChatRef{ID: strconv.FormatInt(job.ChatID, 10)}
	}
	req := extract.NewRequest(domain.PlatformWorker, p.Text, user, chat)
	if p.Caption != "" {
		req.Metadata = map[string]any{"caption": p.Caption}
	}
	res := d.Router.Route(ctx, req)
	return &Outcome{Result: res, Reply: ExtractionReply(res)}, nil
}

// ExtractionReply renders a router result as a chat message.
func ExtractionReply(res *domain.ExtractionResult) string {
	var sb strings.Builder
	if res.Summary != "" {
		sb.WriteString(res.Summary)
	} else if len(res.Places) == 0 {
		sb.WriteString("🤷 No places found.")
	}
	for _, w := range res.Warnings {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("⚠️ " + w)
	}
	return sb.String()
}

func (d Deps) notifyUser(ctx context.Context, job domain.Job) (*Outcome, error) {
	var p MessagePayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	if job.ChatID == 0 {
		return nil, errors.New("notify_user job has no chat id")
	}
	if err := d.Notifier.Notify(ctx, job.ChatID, p.Message); err != nil {
		return nil, fmt.Errorf("notify chat %d: %w", job.ChatID, err)
	}
	return &Outcome{Result: map[string]any{"delivered": true}}, nil
}

// hello greets the chat through a chained notify_user job and records the
// greeting in the session transcript.
func (d Deps) hello(ctx context.Context, job domain.Job) (*Outcome, error) {
	greeting := "👋 Hello from the worker! Timestamp: " + d.Now().UTC().Format(time.RFC3339)

	var session string
	if job.SessionID != nil {
		session = *job.SessionID
	}
	if session != "" && d.Sessions != nil {
		content, _ := json.Marshal(map[string]string{"text": greeting, "source": TypeHello})
		if err := d.Sessions.AppendSessionMemory(ctx, domain.SessionMemory{
			SessionID: session, Role: "assistant", Kind: "message", Content: content,
		}); err != nil {
			d.Logger.Warn("failed to append session memory", "session", session, "err", err)
		}
	}

	if d.Queue != nil {
		child := d.Queue.CreateJob(ctx, TypeNotifyUser, job.ChatID, MessagePayload{Message: greeting},
			WithSession(session), WithParent(job.ID))
		if child == nil {
			d.Logger.Warn("failed to enqueue greeting notification", "parent", job.ID)
		}
	}
	return &Outcome{Result: map[string]any{"message": greeting}}, nil
}
