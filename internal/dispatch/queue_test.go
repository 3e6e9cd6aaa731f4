package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsJobs(t *testing.T) {
	q := NewExecQueue(2, RetryPolicy{MaxAttempts: 1})
	q.Start(context.Background())
	defer q.Close()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		ok := q.Enqueue(&Job{Group: "developer", Name: "j", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
		require.True(t, ok)
	}
	require.Eventually(t, func() bool { return ran.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
}

func TestQueueSerializesPerGroup(t *testing.T) {
	q := NewExecQueue(4, RetryPolicy{MaxAttempts: 1})
	q.Start(context.Background())
	defer q.Close()

	var mu sync.Mutex
	var order []int
	inflight := 0
	maxSeen := 0
	for i := 0; i < 6; i++ {
		i := i
		q.Enqueue(&Job{Group: "developer", Run: func(ctx context.Context) error {
			mu.Lock()
			inflight++
			if inflight > maxSeen {
				maxSeen = inflight
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inflight--
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 6
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// One group means one inflight job at a time, in submit order.
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestQueueGroupsRunConcurrently(t *testing.T) {
	q := NewExecQueue(2, RetryPolicy{MaxAttempts: 1})
	q.Start(context.Background())
	defer q.Close()

	release := make(chan struct{})
	started := make(chan string, 2)
	for _, g := range []string{"developer", "security"} {
		g := g
		q.Enqueue(&Job{Group: g, Run: func(ctx context.Context) error {
			started <- g
			<-release
			return nil
		}})
	}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case g := <-started:
			seen[g] = true
		case <-time.After(2 * time.Second):
			t.Fatal("jobs from distinct groups did not run concurrently")
		}
	}
	close(release)
	assert.True(t, seen["developer"] && seen["security"])
}

func TestQueueRetriesThenExhausts(t *testing.T) {
	q := NewExecQueue(1, RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})
	q.Start(context.Background())
	defer q.Close()

	var attempts atomic.Int32
	exhausted := make(chan error, 1)
	q.Enqueue(&Job{
		Group: "developer",
		Name:  "flaky",
		Run: func(ctx context.Context) error {
			attempts.Add(1)
			return errors.New("transient")
		},
		OnExhausted: func(err error) { exhausted <- err },
	})

	select {
	case err := <-exhausted:
		assert.EqualError(t, err, "transient")
	case <-time.After(3 * time.Second):
		t.Fatal("OnExhausted never fired")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestQueueRetrySucceedsSecondAttempt(t *testing.T) {
	q := NewExecQueue(1, RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond})
	q.Start(context.Background())
	defer q.Close()

	var attempts atomic.Int32
	exhausted := make(chan error, 1)
	q.Enqueue(&Job{
		Group: "developer",
		Run: func(ctx context.Context) error {
			if attempts.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
		OnExhausted: func(err error) { exhausted <- err },
	})

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	select {
	case err := <-exhausted:
		t.Fatalf("OnExhausted fired after success: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueuePanicCountsAsFailure(t *testing.T) {
	q := NewExecQueue(1, RetryPolicy{MaxAttempts: 1})
	q.Start(context.Background())
	defer q.Close()

	exhausted := make(chan error, 1)
	q.Enqueue(&Job{
		Group:       "developer",
		Name:        "boom",
		Run:         func(ctx context.Context) error { panic("boom") },
		OnExhausted: func(err error) { exhausted <- err },
	})

	select {
	case err := <-exhausted:
		assert.Contains(t, err.Error(), "panicked")
	case <-time.After(2 * time.Second):
		t.Fatal("panicking job never resolved")
	}
}

func TestQueueCloseStopsIntake(t *testing.T) {
	q := NewExecQueue(1, RetryPolicy{MaxAttempts: 1})
	q.Start(context.Background())
	q.Close()

	ok := q.Enqueue(&Job{Group: "developer", Run: func(ctx context.Context) error { return nil }})
	assert.False(t, ok)
}
