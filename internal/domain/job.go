package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status update would move a
	// job backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// CanTransition reports whether moving from s to next respects the
// queued -> processing -> completed|failed lifecycle. A queued job may
// also fail directly (e.g. unknown type).
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobProcessing || next == JobFailed
	case JobProcessing:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// Predecessors lists the statuses a job may be in before moving to s.
func (s JobStatus) Predecessors() []JobStatus {
	switch s {
	case JobProcessing:
		return []JobStatus{JobQueued}
	case JobCompleted:
		return []JobStatus{JobProcessing}
	case JobFailed:
		return []JobStatus{JobQueued, JobProcessing}
	default:
		return nil
	}
}

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	ChatID      int64           `json:"chat_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	SessionID   *string         `json:"session_id,omitempty"`
	ParentJobID *string         `json:"parent_job_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob describes a job to insert. The store assigns ID, status and timestamps.
type NewJob struct {
	Type        string
	ChatID      int64
	Payload     json.RawMessage
	SessionID   *string
	ParentJobID *string
}

// JobUpdate is a partial update: an empty Status and nil fields are left
// untouched.
type JobUpdate struct {
	Status JobStatus
	Result json.RawMessage
	Error  *string
}

// JobStore persists jobs. Implementations: SQLite and Postgres.
type JobStore interface {
	InsertJob(ctx context.Context, j NewJob) (*Job, error)
	UpdateJob(ctx context.Context, id string, u JobUpdate) error
	// ClaimJob atomically moves a queued job to processing. It returns
	// false when the job is no longer queued (another worker claimed it).
	ClaimJob(ctx context.Context, id string) (bool, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListQueued returns up to limit queued jobs, oldest first.
	ListQueued(ctx context.Context, limit int) ([]Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
}

// SessionMemory is a conversational note appended by job processors.
type SessionMemory struct {
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Kind      string          `json:"kind"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

type SessionMemoryStore interface {
	AppendSessionMemory(ctx context.Context, m SessionMemory) error
	ListSessionMemories(ctx context.Context, sessionID string, limit int) ([]SessionMemory, error)
}
