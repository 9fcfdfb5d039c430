package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("queue closed")

// Handler processes one delivery. Returning an error redelivers the job
// after its backoff until MaxAttempts is reached.
type Handler func(ctx context.Context, job Job) error

// Enqueuer is the producer side used by the orchestrator.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Queue is an at-least-once job queue with named sub-queues.
type Queue interface {
	Enqueuer
	// Consume blocks, running up to concurrency handlers at a time, until
	// ctx is cancelled.
	Consume(ctx context.Context, name Name, concurrency int, h Handler) error
	// Failed lists up to limit retained failed jobs, oldest first.
	Failed(ctx context.Context, name Name, limit int) ([]FailedJob, error)
	Close() error
}

const DefaultFailedRetention = 1000

type memoryLane struct {
	ready  []Job
	notify chan struct{}
	failed []FailedJob
}

// MemoryQueue keeps jobs in process memory. Delayed redeliveries are held by
// timers and stopped on Close.
type MemoryQueue struct {
	mu     sync.Mutex
	lanes  map[Name]*memoryLane
	timers map[*time.Timer]struct{}
	retain int
	closed bool
	logger *zap.Logger
}

func NewMemoryQueue(retain int, logger *zap.Logger) *MemoryQueue {
	if retain <= 0 {
		retain = DefaultFailedRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &MemoryQueue{
		lanes:  make(map[Name]*memoryLane),
		timers: make(map[*time.Timer]struct{}),
		retain: retain,
		logger: logger,
	}
	for _, n := range Names() {
		q.lanes[n] = &memoryLane{notify: make(chan struct{}, 1)}
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	if !job.Queue.Valid() {
		return fmt.Errorf("unknown queue %q", job.Queue)
	}
	if job.Payload == nil || job.Payload.Queue() != job.Queue {
		return fmt.Errorf("payload %T does not belong on queue %q", job.Payload, job.Queue)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pushLocked(job)
	return nil
}

func (q *MemoryQueue) pushLocked(job Job) {
	lane := q.lanes[job.Queue]
	lane.ready = append(lane.ready, job)
	signal(lane.notify)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop(name Name) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lane := q.lanes[name]
	if len(lane.ready) == 0 {
		return Job{}, false
	}
	job := lane.ready[0]
	lane.ready[0] = Job{}
	lane.ready = lane.ready[1:]
	if len(lane.ready) > 0 {
		signal(lane.notify)
	}
	return job, true
}

func (q *MemoryQueue) Consume(ctx context.Context, name Name, concurrency int, h Handler) error {
	if !name.Valid() {
		return fmt.Errorf("unknown queue %q", name)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	lane := q.lanes[name]

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				job, ok := q.pop(name)
				if !ok {
					select {
					case <-ctx.Done():
						return nil
					case <-lane.notify:
						continue
					}
				}
				q.deliver(ctx, job, h)
			}
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) deliver(ctx context.Context, job Job, h Handler) {
	job.Attempt++
	err := h(ctx, job)
	if err != nil && ctx.Err() != nil {
		// Shutting down mid-job: put it back without charging the attempt.
		job.Attempt--
		q.mu.Lock()
		if !q.closed {
			q.pushLocked(job)
		}
		q.mu.Unlock()
		return
	}

	log := q.logger.With(
		zap.String("queue", string(job.Queue)),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
	)
	switch out, delay := settle(&job, err); out {
	case outcomeDone:
		log.Debug("job completed")
	case outcomeRetry:
		log.Warn("job failed, scheduling redelivery", zap.Duration("backoff", delay), zap.Error(err))
		q.schedule(job, delay)
	case outcomeFail:
		log.Error("job failed permanently", zap.Error(err))
		q.fail(job, err)
	}
}

func (q *MemoryQueue) schedule(job Job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, t)
		if !q.closed {
			q.pushLocked(job)
		}
	})
	q.timers[t] = struct{}{}
}

func (q *MemoryQueue) fail(job Job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lane := q.lanes[job.Queue]
	lane.failed = append(lane.failed, FailedJob{Job: job, Error: err.Error(), FailedAt: time.Now().UTC()})
	if over := len(lane.failed) - q.retain; over > 0 {
		lane.failed = append([]FailedJob(nil), lane.failed[over:]...)
	}
}

func (q *MemoryQueue) Failed(_ context.Context, name Name, limit int) ([]FailedJob, error) {
	if !name.Valid() {
		return nil, fmt.Errorf("unknown queue %q", name)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	failed := q.lanes[name].failed
	if limit > 0 && limit < len(failed) {
		failed = failed[:limit]
	}
	return append([]FailedJob{}, failed...), nil
}

// Pending reports jobs waiting for delivery, excluding delayed redeliveries.
func (q *MemoryQueue) Pending(name Name) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	lane, ok := q.lanes[name]
	if !ok {
		return nil
	}
	return append([]Job(nil), lane.ready...)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
