// Package evalqueue implements the bounded-concurrency evaluation
// queue: a single-process, in-memory FIFO that runs at most N pipeline
// invocations at a time, detects when it has fully drained, and hands
// off to a backfill step followed by a continuation callback.
//
// Everything here runs inside one process; there is no persistent
// queue and no cross-process coordination. Horizontal scaling is
// achieved by running one process per blueprint-id-prefix shard, not
// by sharing this queue's state.
package evalqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"evalorchestrator.dev/common"
)

// Job is one unit of work: a resolved blueprint's pipeline invocation.
// Run is the sole suspension point; everything else in the queue is
// synchronous bookkeeping.
type Job struct {
	BlueprintID string
	Run         func(ctx context.Context) (artifact string, err error)

	// EnqueuedAt is stamped by Enqueue.
	EnqueuedAt time.Time
}

// Config configures a Queue. BackfillHandler and ContinuationHandler
// are supplied once at construction time; callback registration is not
// a mutable, re-registerable property of a running queue.
type Config struct {
	// Concurrency is the maximum number of jobs run at once.
	// Defaults to 3, tuned down from an earlier 5 after OOM
	// incidents.
	Concurrency int

	// DrainWait is how long the queue sits fully idle before it
	// considers itself drained and fires BackfillHandler. Defaults to
	// 15s.
	DrainWait time.Duration

	// BackfillHandler runs once the queue has drained. Its error is
	// logged, never retried, and never prevents ContinuationHandler
	// from running.
	BackfillHandler func(ctx context.Context) error

	// ContinuationHandler runs after BackfillHandler returns,
	// regardless of whether it errored. It's expected to re-invoke the
	// scheduler for another tick.
	ContinuationHandler func(ctx context.Context)

	Logger *common.ContextLogger
}

// Stats is a read-only snapshot of queue state, safe to expose over a
// status endpoint.
type Stats struct {
	Active          int
	Queued          int
	BackfillRunning bool

	TotalEnqueued  int64
	TotalCompleted int64
	TotalFailed    int64
	TotalBackfills int64

	LastCompletedID string
	LastCompletedAt time.Time
	LastFailedID    string
	LastFailedAt    time.Time

	StartedAt time.Time
}

// Queue is the bounded-concurrency evaluation queue described above.
// The zero value is not usable; construct with New.
type Queue struct {
	cfg Config
	log *common.ContextLogger

	mu     sync.Mutex
	items  []Job
	active int

	backfillRunning atomic.Bool

	totalEnqueued  atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	totalBackfills atomic.Int64

	lastCompletedID string
	lastCompletedAt time.Time
	lastFailedID    string
	lastFailedAt    time.Time

	drainMu    sync.Mutex
	drainTimer *time.Timer

	// dispatch signals the dispatcher goroutine that it may attempt
	// to pop more work. Buffered to 1 so repeated signals while a
	// dispatch pass is already in flight don't block their callers; a
	// channel handoff rather than a direct recursive call is what
	// keeps hundreds of rapid-fire completions from growing the call
	// stack.
	dispatch chan struct{}
	done     chan struct{}

	startedAt time.Time
}

// New constructs a Queue and starts its background dispatcher. Callers
// must eventually call Close to stop it.
func New(cfg Config) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.DrainWait <= 0 {
		cfg.DrainWait = 15 * time.Second
	}

	q := &Queue{
		cfg:       cfg,
		log:       cfg.Logger,
		dispatch:  make(chan struct{}, 1),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	go q.dispatchLoop()
	return q
}

// Close stops the dispatcher goroutine. In-flight jobs are not
// cancelled.
func (q *Queue) Close() {
	close(q.done)
}

// Enqueue adds a job to the tail of the queue and cancels any armed
// drain timer: a new enqueue during the drain wait cancels the pending
// backfill. Returns the item's position in the waiting queue and the
// queue's current length.
func (q *Queue) Enqueue(job Job) (position, queued int) {
	job.EnqueuedAt = time.Now()

	q.mu.Lock()
	q.items = append(q.items, job)
	position = len(q.items) - 1
	queued = len(q.items)
	q.mu.Unlock()

	q.totalEnqueued.Add(1)
	q.cancelDrainTimer()
	q.signalDispatch()
	return position, queued
}

func (q *Queue) signalDispatch() {
	select {
	case q.dispatch <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchLoop() {
	for {
		select {
		case <-q.done:
			return
		case <-q.dispatch:
			q.tryDispatch()
		}
	}
}

// tryDispatch pops and starts as many jobs as the concurrency bound
// and backfill gate allow. It never blocks on a job's completion: each
// started job runs in its own goroutine, which signals dispatch again
// when it finishes.
func (q *Queue) tryDispatch() {
	for {
		q.mu.Lock()
		if q.backfillRunning.Load() || len(q.items) == 0 || q.active >= q.concurrency() {
			q.mu.Unlock()
			return
		}
		job := q.items[0]
		q.items = q.items[1:]
		q.active++
		q.mu.Unlock()

		go q.run(job)
	}
}

func (q *Queue) concurrency() int {
	if q.cfg.Concurrency <= 0 {
		return 3
	}
	return q.cfg.Concurrency
}

func (q *Queue) run(job Job) {
	ctx := context.Background()
	artifact, err := job.Run(ctx)

	if err != nil {
		q.totalFailed.Add(1)
		q.mu.Lock()
		q.lastFailedID = job.BlueprintID
		q.lastFailedAt = time.Now()
		q.mu.Unlock()
		if q.log != nil {
			q.log.Errorf("evaluation failed for %s: %v", job.BlueprintID, err)
		}
	} else {
		q.totalCompleted.Add(1)
		q.mu.Lock()
		q.lastCompletedID = job.BlueprintID
		q.lastCompletedAt = time.Now()
		q.mu.Unlock()
		if q.log != nil {
			q.log.Infof("evaluation completed for %s, artifact=%s", job.BlueprintID, artifact)
		}
	}

	q.mu.Lock()
	q.active--
	idle := q.active == 0 && len(q.items) == 0
	q.mu.Unlock()

	if idle && q.totalCompleted.Load() > 0 {
		q.armDrainTimer()
	}

	// Signal rather than call tryDispatch directly: a goroutine per
	// completion bottoms out immediately instead of chaining call
	// frames, so hundreds of rapid completions never grow a stack.
	q.signalDispatch()
}

func (q *Queue) armDrainTimer() {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	if q.drainTimer != nil {
		q.drainTimer.Stop()
	}
	q.drainTimer = time.AfterFunc(q.cfg.DrainWait, q.onDrain)
}

func (q *Queue) cancelDrainTimer() {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	if q.drainTimer != nil {
		q.drainTimer.Stop()
		q.drainTimer = nil
	}
}

// onDrain runs the drain handler sequence: gate new dispatch, run the
// backfill, clear the gate, resume any work that queued up during the
// backfill, then invoke the continuation.
func (q *Queue) onDrain() {
	q.backfillRunning.Store(true)
	start := time.Now()

	if q.cfg.BackfillHandler != nil {
		if err := q.cfg.BackfillHandler(context.Background()); err != nil {
			if q.log != nil {
				q.log.Errorf("backfill failed: %v", err)
			}
		}
	}
	q.totalBackfills.Add(1)
	if q.log != nil {
		q.log.Infof("backfill completed in %s", time.Since(start))
	}

	q.backfillRunning.Store(false)
	q.signalDispatch()

	if q.cfg.ContinuationHandler != nil {
		q.cfg.ContinuationHandler(context.Background())
	}
}

// Stats returns a read-only snapshot of the queue's current state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Active:          q.active,
		Queued:          len(q.items),
		BackfillRunning: q.backfillRunning.Load(),

		TotalEnqueued:  q.totalEnqueued.Load(),
		TotalCompleted: q.totalCompleted.Load(),
		TotalFailed:    q.totalFailed.Load(),
		TotalBackfills: q.totalBackfills.Load(),

		LastCompletedID: q.lastCompletedID,
		LastCompletedAt: q.lastCompletedAt,
		LastFailedID:    q.lastFailedID,
		LastFailedAt:    q.lastFailedAt,

		StartedAt: q.startedAt,
	}
}
