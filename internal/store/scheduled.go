package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ScheduledTask is a recurring or one-shot prompt bound to a group.
type ScheduledTask struct {
	ID            int64      `json:"id"`
	GroupFolder   string     `json:"group_folder"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	Status        string     `json:"status"`
	ContextMode   string     `json:"context_mode"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastResult    string     `json:"last_result,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CreateScheduledTask inserts a schedule and returns its id.
func (s *Store) CreateScheduledTask(ctx context.Context, t *ScheduledTask) error {
	if t.Status == "" {
		t.Status = "active"
	}
	if t.ContextMode == "" {
		t.ContextMode = "group"
	}
	t.CreatedAt = now()
	var nextRun any
	if t.NextRun != nil {
		nextRun = *t.NextRun
	}
	err := s.queryRow(ctx, `INSERT INTO scheduled_tasks
		(group_folder, prompt, schedule_type, schedule_value, next_run,
		 status, context_mode, last_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)
		RETURNING id`,
		t.GroupFolder, t.Prompt, t.ScheduleType, t.ScheduleValue, nextRun,
		t.Status, t.ContextMode, t.CreatedAt).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

// DueScheduledTasks returns active schedules whose next_run has passed.
func (s *Store) DueScheduledTasks(ctx context.Context, at time.Time) ([]*ScheduledTask, error) {
	return s.listScheduled(ctx, `SELECT id, group_folder, prompt, schedule_type,
		schedule_value, next_run, status, context_mode, last_run, last_result, created_at
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`, at)
}

// ScheduledTasksForGroup lists a group's schedules; empty group lists all.
func (s *Store) ScheduledTasksForGroup(ctx context.Context, groupFolder string) ([]*ScheduledTask, error) {
	q := `SELECT id, group_folder, prompt, schedule_type, schedule_value, next_run,
		status, context_mode, last_run, last_result, created_at
		FROM scheduled_tasks`
	var args []any
	if groupFolder != "" {
		q += ` WHERE group_folder = ?`
		args = append(args, groupFolder)
	}
	q += ` ORDER BY id ASC`
	return s.listScheduled(ctx, q, args...)
}

// UpdateScheduledAfterRun records a run outcome and either advances next_run
// or retires the schedule.
func (s *Store) UpdateScheduledAfterRun(ctx context.Context, id int64, ranAt time.Time, result string, nextRun *time.Time, status string) error {
	var next any
	if nextRun != nil {
		next = *nextRun
	}
	_, err := s.exec(ctx, `UPDATE scheduled_tasks
		SET last_run = ?, last_result = ?, next_run = ?, status = ?
		WHERE id = ?`, ranAt, result, next, status, id)
	if err != nil {
		return fmt.Errorf("update scheduled task %d: %w", id, err)
	}
	return nil
}

// SetScheduledStatus pauses, resumes or retires a schedule.
func (s *Store) SetScheduledStatus(ctx context.Context, id int64, status string) error {
	_, err := s.exec(ctx, `UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set scheduled status %d: %w", id, err)
	}
	return nil
}

func (s *Store) listScheduled(ctx context.Context, q string, args ...any) ([]*ScheduledTask, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	var out []*ScheduledTask
	for rows.Next() {
		t := &ScheduledTask{}
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.Prompt, &t.ScheduleType,
			&t.ScheduleValue, &nextRun, &t.Status, &t.ContextMode, &lastRun,
			&t.LastResult, &t.CreatedAt); err != nil {
			return nil, err
		}
		if nextRun.Valid {
			v := nextRun.Time
			t.NextRun = &v
		}
		if lastRun.Valid {
			v := lastRun.Time
			t.LastRun = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
