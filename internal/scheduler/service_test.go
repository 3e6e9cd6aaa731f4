package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microclaw/backend/internal/store"
)

type recordingEnqueuer struct {
	groups  []string
	prompts []string
	ids     []int64
}

func (r *recordingEnqueuer) EnqueuePrompt(group, prompt string, scheduleID int64) {
	r.groups = append(r.groups, group)
	r.prompts = append(r.prompts, prompt)
	r.ids = append(r.ids, scheduleID)
}

func TestComputeNextRun(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := ComputeNextRun(TypeInterval, "60000", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Minute), *next)

	next, err = ComputeNextRun(TypeOnce, "2026-03-02T08:00:00Z", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), *next)

	next, err = ComputeNextRun(TypeCron, "0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), *next)

	_, err = ComputeNextRun(TypeInterval, "not-a-number", from)
	assert.Error(t, err)
	_, err = ComputeNextRun("hourly", "1", from)
	assert.Error(t, err)
}

func TestTickFiresDueSchedules(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenMemory(ctx)
	require.NoError(t, err)
	defer st.Close()

	enq := &recordingEnqueuer{}
	svc := NewService(st, enq, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	past := base.Add(-time.Minute)
	future := base.Add(time.Hour)
	interval := &store.ScheduledTask{
		GroupFolder: "developer", Prompt: "check builds",
		ScheduleType: TypeInterval, ScheduleValue: "60000", NextRun: &past,
	}
	require.NoError(t, st.CreateScheduledTask(ctx, interval))
	once := &store.ScheduledTask{
		GroupFolder: "security", Prompt: "rotate keys",
		ScheduleType: TypeOnce, ScheduleValue: past.Format(time.RFC3339), NextRun: &past,
	}
	require.NoError(t, st.CreateScheduledTask(ctx, once))
	notDue := &store.ScheduledTask{
		GroupFolder: "main", Prompt: "weekly report",
		ScheduleType: TypeInterval, ScheduleValue: "60000", NextRun: &future,
	}
	require.NoError(t, st.CreateScheduledTask(ctx, notDue))

	require.NoError(t, svc.Tick(ctx))

	assert.ElementsMatch(t, []string{"developer", "security"}, enq.groups)

	// The interval row advanced, the once row retired, the future row is
	// untouched.
	rows, err := st.ScheduledTasksForGroup(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		switch r.ID {
		case interval.ID:
			assert.Equal(t, StatusActive, r.Status)
			require.NotNil(t, r.NextRun)
			assert.Equal(t, base.Add(time.Minute), r.NextRun.UTC())
		case once.ID:
			assert.Equal(t, StatusCompleted, r.Status)
		case notDue.ID:
			assert.Equal(t, StatusActive, r.Status)
			assert.Nil(t, r.LastRun)
		}
	}

	// A second tick at the same instant finds nothing due.
	enq.groups = nil
	require.NoError(t, svc.Tick(ctx))
	assert.Empty(t, enq.groups)
}

func TestSnapshotListsActiveOnly(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenMemory(ctx)
	require.NoError(t, err)
	defer st.Close()

	svc := NewService(st, nil, time.Second)
	next := time.Now().Add(time.Hour)
	active := &store.ScheduledTask{
		GroupFolder: "developer", Prompt: "triage inbox",
		ScheduleType: TypeCron, ScheduleValue: "0 9 * * *", NextRun: &next,
	}
	require.NoError(t, st.CreateScheduledTask(ctx, active))
	retired := &store.ScheduledTask{
		GroupFolder: "developer", Prompt: "old",
		ScheduleType: TypeOnce, ScheduleValue: next.Format(time.RFC3339), NextRun: &next,
	}
	require.NoError(t, st.CreateScheduledTask(ctx, retired))
	require.NoError(t, st.SetScheduledStatus(ctx, retired.ID, StatusCompleted))

	snap, err := svc.Snapshot(ctx, "developer")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "triage inbox", snap[0].Prompt)
	assert.Equal(t, TypeCron, snap[0].ScheduleType)
}
