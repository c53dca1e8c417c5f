// Package postgres implements the omnimap stores on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omnimap/internal/domain"
)

var (
	_ domain.JobStore           = (*Store)(nil)
	_ domain.WaitlistStore      = (*Store)(nil)
	_ domain.SessionMemoryStore = (*Store)(nil)
)

type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
	Logger          *slog.Logger
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects, pings and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "omnimap"

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, logger: cfg.Logger}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	cfg.Logger.Info("connected to postgres")
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            UUID PRIMARY KEY,
	type          TEXT NOT NULL,
	chat_id       BIGINT NOT NULL DEFAULT 0,
	payload       JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'queued',
	result        JSONB,
	error         TEXT,
	session_id    TEXT,
	parent_job_id UUID,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS waitlist (
	user_id            BIGINT PRIMARY KEY,
	username           TEXT,
	first_name         TEXT,
	last_name          TEXT,
	source             TEXT,
	email              TEXT,
	pref_solana_wallet TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_memories (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	content    JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_session_memories_session ON session_memories(session_id, id);
`

// EnsureSchema creates missing tables. Every statement is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) InsertJob(ctx context.Context, j domain.NewJob) (*domain.Job, error) {
	payload := j.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	const q = `
INSERT INTO jobs (id, type, chat_id, payload, status, session_id, parent_job_id)
VALUES ($1, $2, $3, $4, 'queued', $5, $6)
RETURNING created_at, updated_at;
`
	job := &domain.Job{
		ID:          uuid.NewString(),
		Type:        j.Type,
		ChatID:      j.ChatID,
		Payload:     payload,
		Status:      domain.JobQueued,
		SessionID:   j.SessionID,
		ParentJobID: j.ParentJobID,
	}
	if err := s.pool.QueryRow(ctx, q, job.ID, job.Type, job.ChatID, []byte(payload), j.SessionID, j.ParentJobID).
		Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func statusStrings(ss []domain.JobStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func (s *Store) UpdateJob(ctx context.Context, id string, u domain.JobUpdate) error {
	var result []byte
	if u.Result != nil {
		result = u.Result
	}
	var preds []string
	if u.Status != "" {
		p := u.Status.Predecessors()
		if len(p) == 0 {
			return domain.ErrInvalidTransition
		}
		preds = statusStrings(p)
	}
	const q = `
UPDATE jobs SET
	status = COALESCE(NULLIF($2, ''), status),
	result = COALESCE($3::jsonb, result),
	error = COALESCE($4, error),
	updated_at = now()
WHERE id = $1 AND ($5::text[] IS NULL OR status = ANY($5));
`
	tag, err := s.pool.Exec(ctx, q, id, string(u.Status), result, u.Error, preds)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'processing', updated_at = now() WHERE id = $1 AND status = 'queued';`, id)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

const jobColumns = `id::text, type, chat_id, payload, status, result, error, session_id, parent_job_id::text, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j               domain.Job
		status          string
		payload, result []byte
	)
	if err := row.Scan(&j.ID, &j.Type, &j.ChatID, &payload, &status, &result, &j.Error,
		&j.SessionID, &j.ParentJobID, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *Store) ListQueued(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *Store) GetWaitlistEntry(ctx context.Context, userID int64) (*domain.WaitlistEntry, error) {
	var (
		e                             domain.WaitlistEntry
		username, first, last, source *string
		email, wallet                 *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, username, first_name, last_name, source, email, pref_solana_wallet, created_at
		 FROM waitlist WHERE user_id = $1`, userID,
	).Scan(&e.UserID, &username, &first, &last, &source, &email, &wallet, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get waitlist entry: %w", err)
	}
	e.Username, e.FirstName, e.LastName = deref(username), deref(first), deref(last)
	e.Source, e.Email, e.Wallet = deref(source), deref(email), deref(wallet)
	return &e, nil
}

func (s *Store) InsertWaitlistEntry(ctx context.Context, e domain.WaitlistEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO waitlist (user_id, username, first_name, last_name, source)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO NOTHING`,
		e.UserID, nullIfEmpty(e.Username), nullIfEmpty(e.FirstName), nullIfEmpty(e.LastName), nullIfEmpty(e.Source),
	)
	if err != nil {
		return false, fmt.Errorf("insert waitlist entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CountWaitlist(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM waitlist`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count waitlist: %w", err)
	}
	return n, nil
}

func (s *Store) UpdateWaitlistEmail(ctx context.Context, userID int64, email string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE waitlist SET email = $2 WHERE user_id = $1`, userID, email)
	if err != nil {
		return fmt.Errorf("update waitlist email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateWaitlistWallet(ctx context.Context, userID int64, wallet string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE waitlist SET pref_solana_wallet = $2 WHERE user_id = $1`, userID, wallet)
	if err != nil {
		return fmt.Errorf("update waitlist wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) AppendSessionMemory(ctx context.Context, m domain.SessionMemory) error {
	content := m.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_memories (session_id, role, kind, content) VALUES ($1, $2, $3, $4)`,
		m.SessionID, m.Role, m.Kind, []byte(content),
	)
	if err != nil {
		return fmt.Errorf("append session memory: %w", err)
	}
	return nil
}

func (s *Store) ListSessionMemories(ctx context.Context, sessionID string, limit int) ([]domain.SessionMemory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT session_id, role, kind, content, created_at FROM (
	SELECT id, session_id, role, kind, content, created_at FROM session_memories
	WHERE session_id = $1 ORDER BY id DESC LIMIT $2
) recent ORDER BY id ASC;
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session memories: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionMemory
	for rows.Next() {
		var m domain.SessionMemory
		var content []byte
		if err := rows.Scan(&m.SessionID, &m.Role, &m.Kind, &content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = json.RawMessage(content)
		out = append(out, m)
	}
	return out, rows.Err()
}
