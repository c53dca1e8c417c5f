package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"omnimap/internal/domain"
)

func (s *SQLiteStore) AppendSessionMemory(ctx context.Context, m domain.SessionMemory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	content := m.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_memories (session_id, role, kind, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Kind, string(content), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append session memory: %w", err)
	}
	return nil
}

// ListSessionMemories returns the most recent limit memories, oldest first.
func (s *SQLiteStore) ListSessionMemories(ctx context.Context, sessionID string, limit int) ([]domain.SessionMemory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, role, kind, content, created_at FROM session_memories
		 WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list session memories: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionMemory
	for rows.Next() {
		var m domain.SessionMemory
		var content string
		if err := rows.Scan(&m.SessionID, &m.Role, &m.Kind, &content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = json.RawMessage(content)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
