// Package jobs persists background work and runs it on a polling worker.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"omnimap/internal/bus"
	"omnimap/internal/domain"
	"omnimap/internal/metrics"
)

// Queue is the producer side of the job table. Persistence failures are
// logged and reported as nil/false so chat handlers can tell the user.
type Queue struct {
	store  domain.JobStore
	events *bus.EventBus
	logger *slog.Logger
}

func NewQueue(store domain.JobStore, events *bus.EventBus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, events: events, logger: logger}
}

type CreateOption func(*domain.NewJob)

func WithSession(sessionID string) CreateOption {
	return func(j *domain.NewJob) {
		if sessionID != "" {
			j.SessionID = &sessionID
		}
	}
}

func WithParent(jobID string) CreateOption {
	return func(j *domain.NewJob) {
		if jobID != "" {
			j.ParentJobID = &jobID
		}
	}
}

// CreateJob inserts a queued job. payload is marshalled to JSON unless it
// already is a json.RawMessage. It returns nil on any failure.
func (q *Queue) CreateJob(ctx context.Context, jobType string, chatID int64, payload any, opts ...CreateOption) *domain.Job {
	raw, err := toJSON(payload)
	if err != nil {
		q.logger.Error("job payload not serializable", "type", jobType, "err", err)
		return nil
	}
	nj := domain.NewJob{Type: jobType, ChatID: chatID, Payload: raw}
	for _, opt := range opts {
		opt(&nj)
	}

	job, err := q.store.InsertJob(ctx, nj)
	if err != nil {
		q.logger.Error("failed to create job", "type", jobType, "chat", chatID, "err", err)
		return nil
	}
	metrics.JobsTotal(jobType, string(domain.JobQueued)).Inc()
	q.events.Emit(bus.Event{Type: bus.EventJobCreated, JobID: job.ID, JobType: jobType, ChatID: chatID})
	q.logger.Info("job created", "id", job.ID, "type", jobType, "chat", chatID)
	return job
}

// UpdateJobStatus applies a partial update. A nil result or empty errMsg
// leaves the stored column untouched.
func (q *Queue) UpdateJobStatus(ctx context.Context, id string, status domain.JobStatus, result any, errMsg string) bool {
	u := domain.JobUpdate{Status: status}
	if result != nil {
		raw, err := toJSON(result)
		if err != nil {
			q.logger.Error("job result not serializable", "id", id, "err", err)
			return false
		}
		u.Result = raw
	}
	if errMsg != "" {
		u.Error = &errMsg
	}
	if err := q.store.UpdateJob(ctx, id, u); err != nil {
		q.logger.Error("failed to update job", "id", id, "status", status, "err", err)
		return false
	}
	return true
}

func toJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}
