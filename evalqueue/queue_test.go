package evalqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingJob returns a Job that blocks until release is closed, then
// succeeds.
func blockingJob(id string, release <-chan struct{}) Job {
	return Job{
		BlueprintID: id,
		Run: func(ctx context.Context) (string, error) {
			<-release
			return id + "-artifact", nil
		},
	}
}

// Never more than Concurrency jobs run at once.
func TestQueue_RespectsConcurrencyBound(t *testing.T) {
	q := New(Config{Concurrency: 3, DrainWait: time.Hour})
	defer q.Close()

	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		q.Enqueue(blockingJob(string(rune('a'+i)), release))
	}

	require.Eventually(t, func() bool {
		return q.Stats().Active == 3
	}, time.Second, time.Millisecond)

	assert.Equal(t, 3, q.Stats().Queued)
	close(release)

	require.Eventually(t, func() bool {
		s := q.Stats()
		return s.Active == 0 && s.Queued == 0
	}, time.Second, time.Millisecond)

	assert.EqualValues(t, 6, q.Stats().TotalCompleted)
}

// Every enqueue eventually increments completed or failed exactly once.
func TestQueue_EveryJobSettlesExactlyOnce(t *testing.T) {
	q := New(Config{Concurrency: 3, DrainWait: time.Hour})
	defer q.Close()

	const n = 50
	for i := 0; i < n; i++ {
		i := i
		q.Enqueue(Job{
			BlueprintID: "job",
			Run: func(ctx context.Context) (string, error) {
				if i%2 == 0 {
					return "ok", nil
				}
				return "", assertErr
			},
		})
	}

	require.Eventually(t, func() bool {
		s := q.Stats()
		return s.TotalCompleted+s.TotalFailed == n
	}, 2*time.Second, time.Millisecond)

	s := q.Stats()
	assert.EqualValues(t, n/2, s.TotalCompleted)
	assert.EqualValues(t, n/2, s.TotalFailed)
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

// A large burst of rapidly-completing jobs does not deadlock or
// overflow the stack (the dispatcher uses a channel signal rather than
// recursive calls).
func TestQueue_LargeBurstDoesNotOverflow(t *testing.T) {
	q := New(Config{Concurrency: 3, DrainWait: time.Hour})
	defer q.Close()

	const n = 801
	for i := 0; i < n; i++ {
		q.Enqueue(Job{
			BlueprintID: "burst",
			Run: func(ctx context.Context) (string, error) {
				return "ok", nil
			},
		})
	}

	require.Eventually(t, func() bool {
		return q.Stats().TotalCompleted == n
	}, 5*time.Second, time.Millisecond)
}

// backfillRunning gates new dispatch, and a new enqueue during
// the drain wait cancels the pending backfill.
func TestQueue_DrainAndBackfillGating(t *testing.T) {
	var backfillCalls atomic.Int32
	var continuationCalls atomic.Int32

	q := New(Config{
		Concurrency: 3,
		DrainWait:   30 * time.Millisecond,
		BackfillHandler: func(ctx context.Context) error {
			backfillCalls.Add(1)
			return nil
		},
		ContinuationHandler: func(ctx context.Context) {
			continuationCalls.Add(1)
		},
	})
	defer q.Close()

	q.Enqueue(Job{BlueprintID: "a", Run: func(ctx context.Context) (string, error) { return "ok", nil }})

	require.Eventually(t, func() bool {
		return q.Stats().TotalCompleted == 1
	}, time.Second, time.Millisecond)

	// Re-enqueue before the drain timer fires; this should cancel it.
	// "b" stays active until release is closed, so no new drain timer
	// is armed while the first one would have fired.
	release := make(chan struct{})
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(Job{BlueprintID: "b", Run: func(ctx context.Context) (string, error) { <-release; return "ok", nil }})

	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 0, backfillCalls.Load(), "backfill should not have fired yet, timer was cancelled")
	close(release)

	require.Eventually(t, func() bool {
		return backfillCalls.Load() == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return continuationCalls.Load() == 1
	}, time.Second, time.Millisecond)
}

func TestQueue_BackfillBlocksNewDispatchNotCompletion(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var dispatchedDuringBackfill bool

	var q *Queue
	q = New(Config{
		Concurrency: 1,
		DrainWait:   10 * time.Millisecond,
		BackfillHandler: func(ctx context.Context) error {
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			dispatchedDuringBackfill = q.Stats().Active > 0
			mu.Unlock()
			return nil
		},
	})
	defer q.Close()

	q.Enqueue(Job{BlueprintID: "a", Run: func(ctx context.Context) (string, error) { return "ok", nil }})
	require.Eventually(t, func() bool { return q.Stats().TotalCompleted == 1 }, time.Second, time.Millisecond)

	// queue is now draining; enqueue a job that should stay queued, not active
	time.Sleep(15 * time.Millisecond) // backfill should be running now
	q.Enqueue(Job{BlueprintID: "b", Run: func(ctx context.Context) (string, error) {
		<-release
		return "ok", nil
	}})

	require.Eventually(t, func() bool { return q.Stats().TotalBackfills >= 1 }, time.Second, time.Millisecond)
	close(release)

	mu.Lock()
	assert.False(t, dispatchedDuringBackfill)
	mu.Unlock()
}

func TestQueue_EnqueueReportsPositionAndLength(t *testing.T) {
	q := New(Config{Concurrency: 1, DrainWait: time.Hour})
	defer q.Close()

	release := make(chan struct{})
	defer close(release)

	q.Enqueue(blockingJob("a", release))
	require.Eventually(t, func() bool { return q.Stats().Active == 1 }, time.Second, time.Millisecond)

	pos, queued := q.Enqueue(blockingJob("b", release))
	assert.Equal(t, 0, pos)
	assert.Equal(t, 1, queued)

	pos, queued = q.Enqueue(blockingJob("c", release))
	assert.Equal(t, 1, pos)
	assert.Equal(t, 2, queued)
}
