package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RetryPolicy bounds job re-execution. MaxAttempts counts total tries; a
// policy of {1, _} never retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Job is one unit of group work. Run is retried per policy; when attempts
// exhaust, OnExhausted fires once with the final error.
type Job struct {
	Group       string
	Name        string
	Run         func(ctx context.Context) error
	OnExhausted func(err error)

	attempts int
	readyAt  time.Time
}

// ExecQueue drains per-group FIFO queues with a global inflight ceiling and
// at most one inflight job per group, so a group's jobs never interleave.
type ExecQueue struct {
	mu       sync.Mutex
	pending  map[string][]*Job
	inflight map[string]bool
	running  int
	closed   bool

	maxInflight int
	retry       RetryPolicy
	wake        chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
	now         func() time.Time
}

// NewExecQueue sizes the queue. maxInflight <= 0 selects 4 workers.
func NewExecQueue(maxInflight int, retry RetryPolicy) *ExecQueue {
	if maxInflight <= 0 {
		maxInflight = 4
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &ExecQueue{
		pending:     make(map[string][]*Job),
		inflight:    make(map[string]bool),
		maxInflight: maxInflight,
		retry:       retry,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		now:         time.Now,
	}
}

// Start launches the worker goroutines. ctx cancellation stops intake and
// lets inflight jobs finish.
func (q *ExecQueue) Start(ctx context.Context) {
	for i := 0; i < q.maxInflight; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue appends a job to its group queue. Returns false after Close.
func (q *ExecQueue) Enqueue(j *Job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if j.readyAt.IsZero() {
		j.readyAt = q.now()
	}
	q.pending[j.Group] = append(q.pending[j.Group], j)
	q.mu.Unlock()
	q.signal()
	return true
}

// Close stops intake and waits for inflight jobs to finish. Pending jobs
// that never started are dropped; their dispatch rows stay ENQUEUED for the
// recovery pass on next boot.
func (q *ExecQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
}

// Pending reports queued (not yet running) jobs across all groups.
func (q *ExecQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, jobs := range q.pending {
		n += len(jobs)
	}
	return n
}

func (q *ExecQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *ExecQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		job, wait := q.next()
		if job == nil {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.done:
				timer.Stop()
				return
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		q.run(ctx, job)
	}
}

// next pops the earliest-ready job whose group has nothing inflight, or
// returns the wait until one could become ready.
func (q *ExecQueue) next() (*Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	wait := time.Second
	var bestGroup string
	var best *Job
	for group, jobs := range q.pending {
		if len(jobs) == 0 || q.inflight[group] {
			continue
		}
		head := jobs[0]
		if head.readyAt.After(now) {
			if d := head.readyAt.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		if best == nil || head.readyAt.Before(best.readyAt) {
			best, bestGroup = head, group
		}
	}
	if best == nil {
		return nil, wait
	}
	q.pending[bestGroup] = q.pending[bestGroup][1:]
	q.inflight[bestGroup] = true
	q.running++
	return best, 0
}

func (q *ExecQueue) run(ctx context.Context, j *Job) {
	err := runJob(ctx, j)

	q.mu.Lock()
	delete(q.inflight, j.Group)
	q.running--
	requeue := false
	if err != nil {
		j.attempts++
		if j.attempts < q.retry.MaxAttempts && !q.closed {
			j.readyAt = q.now().Add(q.retry.Backoff)
			q.pending[j.Group] = append(q.pending[j.Group], j)
			requeue = true
		}
	}
	q.mu.Unlock()
	q.signal()

	if err == nil {
		return
	}
	if requeue {
		slog.Warn("job failed, retrying",
			"job", j.Name, "group", j.Group, "attempt", j.attempts, "error", err)
		return
	}
	slog.Error("job exhausted retries", "job", j.Name, "group", j.Group, "error", err)
	if j.OnExhausted != nil {
		j.OnExhausted(err)
	}
}

func runJob(ctx context.Context, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "job", j.Name, "group", j.Group, "panic", r)
			err = &panicError{job: j.Name}
		}
	}()
	return j.Run(ctx)
}

type panicError struct{ job string }

func (e *panicError) Error() string { return "job panicked: " + e.job }
