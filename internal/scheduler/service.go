// Package scheduler runs the persisted schedule table: one-shot, interval,
// and cron prompts bound to worker groups. Due rows are handed to the
// dispatch execution queue; the snapshot feeds the per-group tasks.json.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/microclaw/backend/internal/store"
)

// Schedule kinds.
const (
	TypeOnce     = "once"
	TypeInterval = "interval"
	TypeCron     = "cron"
)

// Row statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// cronParser accepts the standard five-field expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Enqueuer receives due scheduled prompts. The dispatch execution queue
// satisfies this.
type Enqueuer interface {
	EnqueuePrompt(group, prompt string, scheduleID int64)
}

// Service polls the schedule table and fires due rows.
type Service struct {
	store    *store.Store
	enqueue  Enqueuer
	interval time.Duration
	now      func() time.Time
}

// NewService wires the scheduler. interval <= 0 selects 15 s.
func NewService(st *store.Store, enq Enqueuer, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Service{store: st, enqueue: enq, interval: interval, now: time.Now}
}

// SetEnqueuer installs the sink for due prompts. Boot wiring calls this once
// before Run because the dispatch loop is constructed after the scheduler.
func (s *Service) SetEnqueuer(enq Enqueuer) {
	s.enqueue = enq
}

// ComputeNextRun resolves the first run after from for a schedule.
//
//	once:     scheduleValue is an RFC 3339 instant; no re-run afterwards.
//	interval: scheduleValue is a millisecond count added to from.
//	cron:     scheduleValue is a five-field cron expression.
func ComputeNextRun(scheduleType, scheduleValue string, from time.Time) (*time.Time, error) {
	switch scheduleType {
	case TypeOnce:
		at, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse once instant %q: %w", scheduleValue, err)
		}
		return &at, nil
	case TypeInterval:
		ms, err := strconv.Atoi(scheduleValue)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("parse interval %q: not a positive millisecond count", scheduleValue)
		}
		next := from.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case TypeCron:
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", scheduleValue, err)
		}
		next := sched.Next(from)
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// Create validates and persists a new schedule with its first next_run.
func (s *Service) Create(ctx context.Context, t *store.ScheduledTask) error {
	next, err := ComputeNextRun(t.ScheduleType, t.ScheduleValue, s.now())
	if err != nil {
		return err
	}
	// A once schedule fires at its own instant, not relative to now.
	t.NextRun = next
	return s.store.CreateScheduledTask(ctx, t)
}

// Run polls for due schedules until the context ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				slog.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick fires every due schedule once: the prompt is enqueued to its group
// and the row advances (interval/cron) or retires (once).
func (s *Service) Tick(ctx context.Context) error {
	at := s.now()
	due, err := s.store.DueScheduledTasks(ctx, at)
	if err != nil {
		return err
	}
	for _, t := range due {
		if s.enqueue != nil {
			s.enqueue.EnqueuePrompt(t.GroupFolder, t.Prompt, t.ID)
		}
		status := StatusActive
		var next *time.Time
		if t.ScheduleType == TypeOnce {
			status = StatusCompleted
		} else {
			next, err = ComputeNextRun(t.ScheduleType, t.ScheduleValue, at)
			if err != nil {
				// A row that stopped parsing cannot fire again; retire it
				// rather than spinning on it every tick.
				slog.Error("schedule no longer parses, retiring",
					"id", t.ID, "type", t.ScheduleType, "value", t.ScheduleValue, "error", err)
				status = StatusCompleted
			}
		}
		if err := s.store.UpdateScheduledAfterRun(ctx, t.ID, at, "enqueued", next, status); err != nil {
			return err
		}
		slog.Info("schedule fired", "id", t.ID, "group", t.GroupFolder, "type", t.ScheduleType)
	}
	return nil
}

// SnapshotEntry is one row of the tasks.json snapshot workers read.
type SnapshotEntry struct {
	ID            int64      `json:"id"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	Status        string     `json:"status"`
}

// Snapshot lists a group's active schedules for the tasks.json file.
func (s *Service) Snapshot(ctx context.Context, groupFolder string) ([]SnapshotEntry, error) {
	rows, err := s.store.ScheduledTasksForGroup(ctx, groupFolder)
	if err != nil {
		return nil, err
	}
	out := make([]SnapshotEntry, 0, len(rows))
	for _, t := range rows {
		if t.Status != StatusActive {
			continue
		}
		out = append(out, SnapshotEntry{
			ID:            t.ID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			NextRun:       t.NextRun,
			LastRun:       t.LastRun,
			Status:        t.Status,
		})
	}
	return out, nil
}
