package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"omnimap/internal/domain"
)

const jobColumns = `id, type, chat_id, payload, status, result, error, session_id, parent_job_id, created_at, updated_at`

func (s *SQLiteStore) InsertJob(ctx context.Context, j domain.NewJob) (*domain.Job, error) {
	payload := j.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := s.now()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Type:        j.Type,
		ChatID:      j.ChatID,
		Payload:     payload,
		Status:      domain.JobQueued,
		SessionID:   j.SessionID,
		ParentJobID: j.ParentJobID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, chat_id, payload, status, session_id, parent_job_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.ChatID, string(payload), string(job.Status),
		nullString(job.SessionID), nullString(job.ParentJobID), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, u domain.JobUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{s.now()}
	if u.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(u.Status))
	}
	if u.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(u.Result))
	}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *u.Error)
	}

	q := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if u.Status != "" {
		preds := u.Status.Predecessors()
		if len(preds) == 0 {
			return domain.ErrInvalidTransition
		}
		q += " AND status IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(preds)), ", ") + ")"
		for _, p := range preds {
			args = append(args, string(p))
		}
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.JobProcessing), s.now(), id, string(domain.JobQueued),
	)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                   domain.Job
		payload, status     string
		result, errText     sql.NullString
		sessionID, parentID sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Type, &j.ChatID, &payload, &status, &result, &errText,
		&sessionID, &parentID, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Status = domain.JobStatus(status)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.Error = stringPtr(errText)
	j.SessionID = stringPtr(sessionID)
	j.ParentJobID = stringPtr(parentID)
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) ListQueued(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		string(domain.JobQueued), limit,
	)
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

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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
