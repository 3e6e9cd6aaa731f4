package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
	"github.com/microclaw/backend/internal/workerproto"
)

// EnqueuePrompt hands a scheduled prompt to a group's worker through the
// same execution queue as governed dispatches, so WIP accounting and
// per-group ordering hold for scheduled work too. Satisfies
// scheduler.Enqueuer.
func (l *Loop) EnqueuePrompt(group, prompt string, scheduleID int64) {
	name := fmt.Sprintf("sched-%d", scheduleID)
	job := &Job{
		Group: group,
		Name:  name,
		Run: func(ctx context.Context) error {
			st := l.gov.Store()
			worker, err := st.WorkerForGroup(ctx, group)
			if errors.Is(err, store.ErrNotFound) {
				slog.Warn("scheduled prompt has no worker", "group", group, "schedule", scheduleID)
				return nil
			}
			if err != nil {
				return err
			}
			ok, err := st.TryIncrementWIP(ctx, worker.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("worker %s at capacity", worker.ID)
			}
			if err := l.snaps.WriteAll(ctx, group); err != nil {
				_ = st.DecrementWIP(ctx, worker.ID)
				return err
			}
			secret, err := l.snaps.IPCSecret(group)
			if err != nil {
				_ = st.DecrementWIP(ctx, worker.ID)
				return err
			}
			payload := &workerproto.DispatchPayload{
				GroupFolder: group,
				Prompt:      prompt,
				IsMain:      group == policy.MainGroup,
				IPCSecret:   secret,
			}
			_, derr := l.client.Dispatch(ctx, worker, payload, nil)
			if err := st.DecrementWIP(ctx, worker.ID); err != nil {
				return err
			}
			if derr != nil {
				slog.Error("scheduled prompt dispatch failed",
					"group", group, "schedule", scheduleID, "error", derr)
				return nil
			}
			scheduledPrompts.Inc()
			return nil
		},
	}
	if !l.queue.Enqueue(job) {
		slog.Warn("queue closed, scheduled prompt dropped", "group", group, "schedule", scheduleID)
	}
}
