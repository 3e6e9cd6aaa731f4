package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGovTaskOptimisticUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &GovTask{Title: "ship feature", TaskType: "FEATURE", State: "READY",
		AssignedGroup: "developer", CreatedBy: "main"}
	require.NoError(t, s.CreateGovTask(ctx, task))
	require.Equal(t, int64(0), task.Version)

	doing := "DOING"
	ok, err := s.UpdateGovTask(ctx, task.ID, 0, TaskPatch{State: &doing})
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale version loses without an error.
	review := "REVIEW"
	ok, err = s.UpdateGovTask(ctx, task.ID, 0, TaskPatch{State: &review})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GovTaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "DOING", got.State)
	assert.Equal(t, int64(1), got.Version)
}

func TestGovTaskFilterQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct{ state, group, scope, product string }{
		{"READY", "developer", "COMPANY", ""},
		{"READY", "security", "PRODUCT", "claims-app"},
		{"DOING", "developer", "COMPANY", ""},
	} {
		require.NoError(t, s.CreateGovTask(ctx, &GovTask{
			Title: "t", TaskType: "BUG", State: spec.state,
			AssignedGroup: spec.group, Scope: spec.scope, ProductID: spec.product,
		}))
	}

	ready, err := s.GovTasks(ctx, TaskFilter{State: "READY"})
	require.NoError(t, err)
	assert.Len(t, ready, 2)

	dev, err := s.GovTasks(ctx, TaskFilter{AssignedGroup: "developer"})
	require.NoError(t, err)
	assert.Len(t, dev, 2)

	claims, err := s.GovTasks(ctx, TaskFilter{ProductID: "claims-app"})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "security", claims[0].AssignedGroup)
}

func TestDispatchSlotIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &Dispatch{DispatchKey: "T1:READY->DOING:v0", TaskID: "T1", GroupFolder: "developer"}
	created, err := s.TryCreateDispatch(ctx, d)
	require.NoError(t, err)
	assert.True(t, created)

	again, err := s.TryCreateDispatch(ctx, &Dispatch{DispatchKey: "T1:READY->DOING:v0", TaskID: "T1"})
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, s.UpdateDispatchStatus(ctx, d.DispatchKey, DispatchStarted, ""))
	got, err := s.DispatchByKey(ctx, d.DispatchKey)
	require.NoError(t, err)
	assert.Equal(t, DispatchStarted, got.Status)
}

func TestApprovalIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateApproval(ctx, &Approval{TaskID: "T1", GateType: "Security", ApprovedBy: "security"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateApproval(ctx, &Approval{TaskID: "T1", GateType: "Security", ApprovedBy: "security"})
	require.NoError(t, err)
	assert.False(t, created)

	approvals, err := s.ApprovalsForTask(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, approvals, 1)

	ok, err := s.HasApproval(ctx, "T1", "Security")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimitCountsInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 30, 5, 0, time.UTC)

	for want := int64(1); want <= 5; want++ {
		got, err := s.IncrementRateLimit(ctx, "ext_call", "developer:github:L1", at)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// A different minute bucket starts fresh.
	next, err := s.IncrementRateLimit(ctx, "ext_call", "developer:github:L1", at.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
}

func TestQuotaAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for want := int64(1); want <= 3; want++ {
		used, err := s.IncrementQuota(ctx, "embed", "developer:minilm", at)
		require.NoError(t, err)
		assert.Equal(t, want, used)
	}
	used, err := s.QuotaUsed(ctx, "embed", "developer:minilm", at)
	require.NoError(t, err)
	assert.Equal(t, int64(3), used)

	// Next day resets.
	used, err = s.IncrementQuota(ctx, "embed", "developer:minilm", at.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)
}

func TestNonceReplayRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	fresh, err := s.InsertNonce(ctx, "worker-1", "req-abc", exp)
	require.NoError(t, err)
	assert.True(t, fresh)

	replay, err := s.InsertNonce(ctx, "worker-1", "req-abc", exp)
	require.NoError(t, err)
	assert.False(t, replay)

	// Same request id from another worker is a distinct nonce.
	other, err := s.InsertNonce(ctx, "worker-2", "req-abc", exp)
	require.NoError(t, err)
	assert.True(t, other)

	require.NoError(t, s.PurgeNonces(ctx, time.Now().Add(2*time.Minute)))
	again, err := s.InsertNonce(ctx, "worker-1", "req-abc", exp)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestWorkerWIPBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &Worker{ID: "w1", MaxWIP: 2, Status: "online", GroupsServed: []string{"developer"}}
	require.NoError(t, s.UpsertWorker(ctx, w))

	ok, err := s.TryIncrementWIP(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TryIncrementWIP(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Full.
	ok, err = s.TryIncrementWIP(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CompleteWorkerDispatch(ctx, "w1", "", DispatchDone, ""))
	got, err := s.WorkerByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentWIP)

	// Decrement floors at zero.
	require.NoError(t, s.DecrementWIP(ctx, "w1"))
	require.NoError(t, s.DecrementWIP(ctx, "w1"))
	got, err = s.WorkerByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentWIP)
}

func TestCompleteWorkerDispatchReleasesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &Worker{ID: "w1", MaxWIP: 2, Status: "online", GroupsServed: []string{"developer"}}
	require.NoError(t, s.UpsertWorker(ctx, w))

	// Two units in flight, each with its own slot.
	for _, key := range []string{"k1", "k2"} {
		ok, err := s.TryCreateDispatch(ctx, &Dispatch{
			DispatchKey: key, TaskID: "t-" + key, GroupFolder: "developer", WorkerID: "w1",
		})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.TryIncrementWIP(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	// The dispatch loop and the completion callback both report k1; only the
	// first report gives the unit back.
	require.NoError(t, s.CompleteWorkerDispatch(ctx, "w1", "k1", DispatchDone, ""))
	require.NoError(t, s.CompleteWorkerDispatch(ctx, "w1", "k1", DispatchFailed, "late duplicate"))

	got, err := s.WorkerByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentWIP)

	// The duplicate did not overwrite the terminal status either.
	d, err := s.DispatchByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, DispatchDone, d.Status)

	require.NoError(t, s.CompleteWorkerDispatch(ctx, "w1", "k2", DispatchDone, ""))
	got, err = s.WorkerByID(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentWIP)
}

func TestWorkerForGroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWorker(ctx, &Worker{ID: "w1", Status: "offline", GroupsServed: []string{"developer"}}))
	require.NoError(t, s.UpsertWorker(ctx, &Worker{ID: "w2", Status: "online", GroupsServed: []string{"developer", "security"}}))

	w, err := s.WorkerForGroup(ctx, "developer")
	require.NoError(t, err)
	assert.Equal(t, "w2", w.ID)

	_, err = s.WorkerForGroup(ctx, "revops")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Memory{
		Content:     "deploy notes for [EMAIL_REDACTED]",
		ContentHash: "abc123",
		Level:       "L3",
		GroupFolder: "main",
		Tags:        []string{"deploy"},
		PIIDetected: true,
		PIITypes:    []string{"email"},
	}
	require.NoError(t, s.CreateMemory(ctx, m))

	got, err := s.MemoryByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "L3", got.Level)
	assert.True(t, got.PIIDetected)
	assert.Equal(t, []string{"email"}, got.PIITypes)
	assert.Nil(t, got.Embedding)

	byHash, err := s.MemoryByHash(ctx, "main", "abc123")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byHash.ID)

	require.NoError(t, s.SetMemoryEmbedding(ctx, m.ID, []float64{0.1, 0.2}, "minilm"))
	got, err = s.MemoryByID(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, got.Embedding[1], 1e-9)

	// A content update clears the stale vector.
	m.Content = "rewritten"
	m.ContentHash = "def456"
	ok, err := s.UpdateMemoryContent(ctx, m.ID, got.Version, m)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.MemoryByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Embedding)
	assert.Equal(t, int64(1), got.Version)
}

func TestBusEventJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq1, ok, err := s.AppendBusEvent(ctx, "dispatch:lifecycle", "ev-1", "cp", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	seq2, ok, err := s.AppendBusEvent(ctx, "dispatch:lifecycle", "ev-2", "cp", []byte(`{"k":"v"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, seq2, seq1)

	// Duplicate event id is swallowed.
	_, ok, err = s.AppendBusEvent(ctx, "dispatch:lifecycle", "ev-1", "cp", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	events, err := s.BusEventsSince(ctx, seq1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-2", events[0].EventID)

	last, err := s.LastBusSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq2, last)
}

func TestScheduledTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(-time.Minute)
	st := &ScheduledTask{GroupFolder: "developer", Prompt: "daily standup",
		ScheduleType: "interval", ScheduleValue: "3600000", NextRun: &next}
	require.NoError(t, s.CreateScheduledTask(ctx, st))
	require.NotZero(t, st.ID)

	due, err := s.DueScheduledTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)

	later := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.UpdateScheduledAfterRun(ctx, st.ID, time.Now().UTC(), "ok", &later, "active"))

	due, err = s.DueScheduledTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.SetScheduledStatus(ctx, st.ID, "paused"))
	all, err := s.ScheduledTasksForGroup(ctx, "developer")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "paused", all[0].Status)
}

func TestPostgresRebind(t *testing.T) {
	s := &Store{adapter: AdapterPostgres}
	assert.Equal(t, "SELECT $1, $2", s.rebind("SELECT ?, ?"))
	s.adapter = AdapterSQLite
	assert.Equal(t, "SELECT ?, ?", s.rebind("SELECT ?, ?"))
}
