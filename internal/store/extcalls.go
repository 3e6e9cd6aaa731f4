package store

import (
	"context"
	"fmt"
	"time"
)

// ExtCall logs one external-provider call for audit and context packs.
type ExtCall struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id,omitempty"`
	GroupFolder string    `json:"group_folder"`
	Provider    string    `json:"provider"`
	Action      string    `json:"action"`
	Level       string    `json:"level"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppendExtCall records one provider call outcome.
func (s *Store) AppendExtCall(ctx context.Context, c *ExtCall) error {
	c.CreatedAt = now()
	_, err := s.exec(ctx, `INSERT INTO ext_calls
		(task_id, group_folder, provider, action, level, status, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TaskID, c.GroupFolder, c.Provider, c.Action, c.Level, c.Status,
		c.Summary, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ext call: %w", err)
	}
	return nil
}

// ExtCallsForTask lists calls logged against a task, oldest first.
func (s *Store) ExtCallsForTask(ctx context.Context, taskID string) ([]*ExtCall, error) {
	rows, err := s.query(ctx, `SELECT id, task_id, group_folder, provider, action,
		level, status, summary, created_at
		FROM ext_calls WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list ext calls: %w", err)
	}
	defer rows.Close()
	var out []*ExtCall
	for rows.Next() {
		c := &ExtCall{}
		if err := rows.Scan(&c.ID, &c.TaskID, &c.GroupFolder, &c.Provider,
			&c.Action, &c.Level, &c.Status, &c.Summary, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
