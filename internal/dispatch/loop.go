// Package dispatch runs the governance poll loop: READY tasks go to their
// assigned group's worker, REVIEW tasks go to the gate's approver group.
// Every claim is an idempotent dispatch slot, every state change an
// optimistic update, so concurrent ticks and restarts never double-dispatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/microclaw/backend/internal/events"
	"github.com/microclaw/backend/internal/gov"
	"github.com/microclaw/backend/internal/limits"
	"github.com/microclaw/backend/internal/policy"
	"github.com/microclaw/backend/internal/store"
	"github.com/microclaw/backend/internal/workerproto"
)

// DefaultInterval is the poll period when GOV_POLL_INTERVAL is unset.
const DefaultInterval = 10 * time.Second

// Dispatcher sends one job to a worker and consumes its frame stream. The
// workerproto client satisfies this; tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, w *store.Worker, payload *workerproto.DispatchPayload, onFrame func(*workerproto.Frame)) (*workerproto.DispatchResult, error)
}

// Loop is the long-lived dispatch ticker.
type Loop struct {
	gov      *gov.Service
	limits   *limits.Engine
	bus      events.Publisher
	client   Dispatcher
	queue    *ExecQueue
	snaps    *SnapshotWriter
	interval time.Duration
	now      func() time.Time
}

// NewLoop wires the loop. interval <= 0 selects the 10 s default.
func NewLoop(govSvc *gov.Service, eng *limits.Engine, bus events.Publisher,
	client Dispatcher, queue *ExecQueue, snaps *SnapshotWriter, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		gov:      govSvc,
		limits:   eng,
		bus:      bus,
		client:   client,
		queue:    queue,
		snaps:    snaps,
		interval: interval,
		now:      time.Now,
	}
}

// Key renders the idempotency token for one transition of one task version.
func Key(taskID, from, to string, version int64) string {
	return fmt.Sprintf("%s:%s->%s:v%d", taskID, from, to, version)
}

// Run recovers interrupted dispatches, then ticks until the context ends.
func (l *Loop) Run(ctx context.Context) {
	if err := l.Recover(ctx); err != nil {
		slog.Error("dispatch recovery failed", "error", err)
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	slog.Info("dispatch loop started", "interval", l.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				slog.Error("dispatch tick failed", "error", err)
			}
		}
	}
}

// Tick runs one poll pass: the READY→DOING dispatch, then REVIEW→APPROVAL.
func (l *Loop) Tick(ctx context.Context) error {
	if err := l.readyPass(ctx); err != nil {
		return err
	}
	return l.reviewPass(ctx)
}

// readyPass claims and dispatches every READY task whose assigned group has
// a known worker with spare capacity.
func (l *Loop) readyPass(ctx context.Context) error {
	tasks, err := l.gov.Tasks(ctx, store.TaskFilter{State: policy.StateReady})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.AssignedGroup == "" {
			continue
		}
		l.dispatchTask(ctx, t, t.AssignedGroup, policy.StateDoing, "")
	}
	return nil
}

// reviewPass routes gated REVIEW tasks to their approver group. The approval
// prompt carries the context pack so the reviewer sees prior agents' work.
func (l *Loop) reviewPass(ctx context.Context) error {
	tasks, err := l.gov.Tasks(ctx, store.TaskFilter{State: policy.StateReview})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Gate == "" || t.Gate == policy.GateNone {
			continue
		}
		approver := policy.ApproverFor(t.Gate)
		if approver == "" {
			continue
		}
		pack, err := l.gov.ContextPack(ctx, t.ID, 0)
		if err != nil {
			slog.Error("context pack build failed", "task", t.ID, "error", err)
			continue
		}
		l.dispatchTask(ctx, t, approver, policy.StateApproval, pack)
	}
	return nil
}

// dispatchTask runs the claim protocol for one task: idempotent slot, limits
// gate, policy-checked optimistic transition, then the worker job enqueue.
// Any step after the claim failing flips the slot FAILED; the task keeps its
// pre-dispatch state because the optimistic update never applied (or is
// already visible to admins through the activity log if it did).
func (l *Loop) dispatchTask(ctx context.Context, t *store.GovTask, group, toState, contextPack string) {
	worker, err := l.gov.Store().WorkerForGroup(ctx, group)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("worker lookup failed", "group", group, "error", err)
		return
	}
	// Backpressure: a full worker leaves the task for the next tick.
	if worker.CurrentWIP >= worker.MaxWIP {
		return
	}

	key := Key(t.ID, t.State, toState, t.Version)
	claimed, err := l.gov.Store().TryCreateDispatch(ctx, &store.Dispatch{
		DispatchKey: key,
		TaskID:      t.ID,
		GroupFolder: group,
		WorkerID:    worker.ID,
	})
	if err != nil {
		slog.Error("dispatch claim failed", "key", key, "error", err)
		return
	}
	if !claimed {
		return
	}
	dispatchClaims.WithLabelValues(toState).Inc()
	l.emit("claimed", t.ID, group, worker.ID, key, "")

	dec, err := l.limits.Enforce(ctx, limits.TransitionOp(group))
	if err != nil {
		slog.Error("limits enforcement failed", "key", key, "error", err)
		l.fail(ctx, key, t, group, worker.ID, "limits check errored")
		return
	}
	if !dec.Allowed {
		l.fail(ctx, key, t, group, worker.ID, dec.Code)
		return
	}

	res, err := l.gov.ApplyTransition(ctx, t, toState, "system", "dispatch", nil)
	if err != nil {
		slog.Error("dispatch transition failed", "key", key, "error", err)
		l.fail(ctx, key, t, group, worker.ID, "transition errored")
		return
	}
	if !res.OK {
		detail := res.Code
		if detail == "" {
			detail = strings.Join(res.Errors, ",")
		}
		l.fail(ctx, key, t, group, worker.ID, detail)
		return
	}

	job := l.workerJob(t, res.Task, group, worker.ID, key, contextPack)
	if !l.queue.Enqueue(job) {
		// Queue is draining for shutdown; the slot stays ENQUEUED and the
		// recovery pass re-enqueues it on next boot.
		slog.Warn("queue closed, dispatch deferred to restart", "key", key)
	}
}

// workerJob builds the queued closure: flip STARTED, reserve WIP, refresh
// snapshots, stream the job, then resolve the slot.
func (l *Loop) workerJob(t, updated *store.GovTask, group, workerID, key, contextPack string) *Job {
	return &Job{
		Group: group,
		Name:  key,
		Run: func(ctx context.Context) error {
			st := l.gov.Store()
			worker, err := st.WorkerByID(ctx, workerID)
			if err != nil {
				return fmt.Errorf("load worker %s: %w", workerID, err)
			}
			if err := st.UpdateDispatchStatus(ctx, key, store.DispatchStarted, ""); err != nil {
				return err
			}
			l.emit("started", t.ID, group, workerID, key, "")

			ok, err := st.TryIncrementWIP(ctx, workerID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("worker %s at capacity", workerID)
			}

			if err := l.snaps.WriteAll(ctx, group); err != nil {
				_ = st.CompleteWorkerDispatch(ctx, workerID, key, store.DispatchFailed, "snapshot write failed")
				return err
			}
			secret, err := l.snaps.IPCSecret(group)
			if err != nil {
				_ = st.CompleteWorkerDispatch(ctx, workerID, key, store.DispatchFailed, "ipc secret unavailable")
				return err
			}

			payload := &workerproto.DispatchPayload{
				TaskID:      t.ID,
				GroupFolder: group,
				Prompt:      l.buildPrompt(updated, contextPack),
				IsMain:      group == policy.MainGroup,
				IPCSecret:   secret,
				DispatchKey: key,
			}
			res, err := l.client.Dispatch(ctx, worker, payload, nil)
			if err != nil {
				_ = st.CompleteWorkerDispatch(ctx, workerID, key, store.DispatchFailed, err.Error())
				l.emit("failed", t.ID, group, workerID, key, err.Error())
				dispatchOutcomes.WithLabelValues("failed").Inc()
				return nil
			}

			status, detail := resolveOutcome(res)
			if err := st.CompleteWorkerDispatch(ctx, workerID, key, status, detail); err != nil {
				return err
			}
			if res.Result != "" {
				_ = l.gov.LogExecutionSummary(ctx, t.ID, group, res.Result)
			}
			phase := "done"
			if status == store.DispatchFailed {
				phase = "failed"
			}
			l.emit(phase, t.ID, group, workerID, key, detail)
			dispatchOutcomes.WithLabelValues(phase).Inc()
			return nil
		},
		OnExhausted: func(err error) {
			l.fail(context.Background(), key, t, group, workerID, err.Error())
		},
	}
}

// resolveOutcome maps a finished stream to the dispatch terminal status. A
// timeout with streamed output still counts as output; a silent timeout is
// an error.
func resolveOutcome(res *workerproto.DispatchResult) (status, detail string) {
	switch {
	case res.TimedOut && res.Frames > 0:
		return store.DispatchDone, "idle timeout with partial output"
	case res.TimedOut:
		return store.DispatchFailed, "idle timeout with no output"
	case res.Error != "":
		return store.DispatchFailed, res.Error
	case res.Status == "error":
		return store.DispatchFailed, res.Result
	default:
		return store.DispatchDone, ""
	}
}

func (l *Loop) buildPrompt(t *store.GovTask, contextPack string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (%s, %s): %s\n", t.ID, t.TaskType, t.Priority, t.Title)
	if t.Description != "" {
		b.WriteString(t.Description)
		b.WriteByte('\n')
	}
	if contextPack != "" {
		b.WriteString("\n--- Review context ---\n")
		b.WriteString(contextPack)
	}
	return b.String()
}

// fail flips the slot FAILED and announces it. The task itself is untouched:
// either the optimistic update never ran or a later tick will see the
// current state.
func (l *Loop) fail(ctx context.Context, key string, t *store.GovTask, group, workerID, detail string) {
	if err := l.gov.Store().UpdateDispatchStatus(ctx, key, store.DispatchFailed, detail); err != nil {
		slog.Error("mark dispatch failed", "key", key, "error", err)
	}
	l.emit("failed", t.ID, group, workerID, key, detail)
	dispatchOutcomes.WithLabelValues("failed").Inc()
}

func (l *Loop) emit(phase, taskID, group, workerID, key, detail string) {
	if l.bus == nil {
		return
	}
	data := map[string]interface{}{
		"phase":        phase,
		"task_id":      taskID,
		"group_folder": group,
		"worker_id":    workerID,
		"dispatch_key": key,
	}
	if detail != "" {
		data["detail"] = detail
	}
	l.bus.Emit(events.ChannelDispatchLifecycle, data)
}

// Recover re-examines ENQUEUED slots from a previous run. Slots whose worker
// is still registered are re-enqueued; STARTED slots are left for the
// completion callback or manual resolution.
func (l *Loop) Recover(ctx context.Context) error {
	rows, err := l.gov.Store().DispatchesByStatus(ctx, store.DispatchEnqueued)
	if err != nil {
		return err
	}
	for _, d := range rows {
		task, err := l.gov.Task(ctx, d.TaskID)
		if err != nil {
			slog.Warn("recovery: task missing for dispatch", "key", d.DispatchKey)
			continue
		}
		if d.WorkerID == "" {
			continue
		}
		if _, err := l.gov.Store().WorkerByID(ctx, d.WorkerID); err != nil {
			slog.Warn("recovery: worker unknown, leaving slot", "key", d.DispatchKey)
			continue
		}
		var pack string
		if strings.Contains(d.DispatchKey, policy.StateReview+"->"+policy.StateApproval) {
			if pack, err = l.gov.ContextPack(ctx, task.ID, 0); err != nil {
				pack = ""
			}
		}
		job := l.workerJob(task, task, d.GroupFolder, d.WorkerID, d.DispatchKey, pack)
		if l.queue.Enqueue(job) {
			slog.Info("recovered dispatch re-enqueued", "key", d.DispatchKey)
		}
	}
	return nil
}
