package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/clipforge/server/pkg/types"
)

type item struct {
	job     types.StageJob
	opts    Options
	readyAt time.Time
	seq     uint64
}

// jobHeap orders by availability time, then priority, then insertion order.
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	if h[i].opts.Priority != h[j].opts.Priority {
		return h[i].opts.Priority < h[j].opts.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type stageQueue struct {
	stage    types.Stage
	handler  Handler
	sem      *semaphore.Weighted
	pending  jobHeap
	inflight int
	wake     chan struct{}
}

// MemoryQueue runs stage jobs in-process. Each registered stage gets its own
// pool bounded by a weighted semaphore; delayed jobs become available at
// their ready time and failed deliveries are retried with backoff.
type MemoryQueue struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	stages map[types.Stage]*stageQueue
	seq    uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryQueue(logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		logger: logger.With("component", "queue"),
		now:    time.Now,
		stages: make(map[types.Stage]*stageQueue),
	}
}

// Register installs the handler for stage with the given worker concurrency.
// It must be called before Start.
func (q *MemoryQueue) Register(stage types.Stage, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stages[stage] = &stageQueue{
		stage:   stage,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches one dispatcher goroutine per registered stage.
func (q *MemoryQueue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	stages := make([]*stageQueue, 0, len(q.stages))
	for _, s := range q.stages {
		stages = append(stages, s)
	}
	q.mu.Unlock()

	for _, s := range stages {
		q.wg.Add(1)
		go q.dispatch(ctx, s)
	}
}

// Stop cancels the dispatchers and waits for running jobs to return.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *MemoryQueue) Enqueue(ctx context.Context, stage types.Stage, job types.StageJob, opts Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.stages[stage]
	if !ok {
		return "", fmt.Errorf("queue: no handler registered for stage %s", stage)
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	job.Stage = stage
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	job.MaxAttempts = opts.Attempts
	job.EnqueuedAt = q.now()

	q.push(s, &item{job: job, opts: opts, readyAt: job.EnqueuedAt.Add(opts.Delay)})
	return job.JobID, nil
}

// push must be called with q.mu held.
func (q *MemoryQueue) push(s *stageQueue, it *item) {
	q.seq++
	it.seq = q.seq
	heap.Push(&s.pending, it)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued and running jobs across all stages.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.stages {
		n += len(s.pending) + s.inflight
	}
	return n
}

// WaitIdle blocks until no job is queued or running, or ctx ends.
func (q *MemoryQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) dispatch(ctx context.Context, s *stageQueue) {
	defer q.wg.Done()
	for {
		it, wait := q.next(s)
		if it == nil {
			var (
				timer *time.Timer
				fire  <-chan time.Time
			)
			if wait > 0 {
				timer = time.NewTimer(wait)
				fire = timer.C
			}
			select {
			case <-ctx.Done():
			case <-s.wake:
			case <-fire:
			}
			if timer != nil {
				timer.Stop()
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			q.requeue(s, it)
			return
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer s.sem.Release(1)
			q.execute(ctx, s, it)
		}()
	}
}

// next pops the first ready job. Otherwise it returns how long until the
// earliest job becomes ready, or 0 when the stage queue is empty.
func (q *MemoryQueue) next(s *stageQueue) (*item, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, 0
	}
	head := s.pending[0]
	if wait := head.readyAt.Sub(q.now()); wait > 0 {
		return nil, wait
	}
	heap.Pop(&s.pending)
	s.inflight++
	return head, 0
}

func (q *MemoryQueue) requeue(s *stageQueue, it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s.inflight--
	q.push(s, it)
}

func (q *MemoryQueue) execute(ctx context.Context, s *stageQueue, it *item) {
	logger := q.logger.With("stage", s.stage, "job_id", it.job.JobID, "attempt", it.job.Attempt)

	err := s.handler(ctx, it.job)

	q.mu.Lock()
	defer q.mu.Unlock()
	s.inflight--

	if err == nil {
		return
	}
	if ctx.Err() != nil {
		logger.Warn("Job interrupted by shutdown", "error", err)
		return
	}
	if it.job.Attempt >= it.opts.Attempts {
		logger.Error("Job exhausted attempts", "stream_id", it.job.StreamID, "error", err)
		return
	}

	delay := it.opts.Backoff.Duration(it.job.Attempt)
	if !errors.Is(err, ErrRetry) {
		logger.Warn("Job failed, retrying", "delay", delay, "error", err)
	} else {
		logger.Info("Job retry requested", "delay", delay)
	}
	it.job.Attempt++
	it.readyAt = q.now().Add(delay)
	q.push(s, it)
}
