package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"escrow-engine/internal/model"
)

type lease struct {
	job   *model.Job
	seq   uint64
	until time.Time
}

// MemoryQueue is an in-process Queue for development and tests.
// Jobs are lost on restart; the reconciliation scanner re-derives them.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   readyQueue
	delayed delayQueue
	keys    map[string]*entry
	active  map[string]*lease
	dead    []*model.Job
	seq     uint64
	closed  bool
	now     func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		keys:   make(map[string]*entry),
		active: make(map[string]*lease),
		now:    time.Now,
	}
}

// Enqueue adds a one-shot job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *model.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}

	key := job.Key()
	if _, ok := q.keys[key]; ok {
		return false, nil
	}
	if _, ok := q.active[key]; ok {
		return false, nil
	}

	prepare(job, q.now())
	q.seq++
	q.push(&entry{job: cloneJob(job), seq: q.seq})
	return true, nil
}

// EnqueueRecurring adds a job rescheduled every interval after ack.
func (q *MemoryQueue) EnqueueRecurring(ctx context.Context, job *model.Job, interval time.Duration) (bool, error) {
	job.Interval = interval
	return q.Enqueue(ctx, job)
}

// Dequeue leases the next due job.
func (q *MemoryQueue) Dequeue(ctx context.Context, leaseUntil time.Time) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	promote(&q.delayed, &q.ready, q.now())
	if q.ready.Len() == 0 {
		return nil, nil
	}
	e := heap.Pop(&q.ready).(*entry)
	key := e.job.Key()
	delete(q.keys, key)
	q.active[key] = &lease{job: e.job, seq: e.seq, until: leaseUntil}
	return cloneJob(e.job), nil
}

// Extend pushes an active lease out.
func (q *MemoryQueue) Extend(ctx context.Context, job *model.Job, leaseUntil time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.active[job.Key()]; ok {
		l.until = leaseUntil
	}
	return nil
}

// Ack finishes a job; recurring jobs come back one interval later.
func (q *MemoryQueue) Ack(ctx context.Context, job *model.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Key()
	l, ok := q.active[key]
	if !ok {
		return nil
	}
	delete(q.active, key)

	if job.Interval > 0 && !q.closed {
		next := cloneJob(job)
		next.Attempt = 0
		next.LastError = ""
		next.RunAt = q.now().Add(job.Interval)
		q.push(&entry{job: next, seq: l.seq})
	}
	return nil
}

// Retry returns a leased job to pending.
func (q *MemoryQueue) Retry(ctx context.Context, job *model.Job, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := job.Key()
	l, ok := q.active[key]
	if !ok {
		return nil
	}
	delete(q.active, key)

	next := cloneJob(job)
	next.RunAt = runAt
	q.push(&entry{job: next, seq: l.seq})
	return nil
}

// DeadLetter drops a leased job onto the dead list.
func (q *MemoryQueue) DeadLetter(ctx context.Context, job *model.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, job.Key())
	q.dead = append([]*model.Job{cloneJob(job)}, q.dead...)
	if len(q.dead) > deadListMax {
		q.dead = q.dead[:deadListMax]
	}
	return nil
}

// RecoverExpired requeues jobs whose lease ran out.
func (q *MemoryQueue) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for key, l := range q.active {
		if l.until.After(now) {
			continue
		}
		delete(q.active, key)
		l.job.RunAt = now
		q.push(&entry{job: l.job, seq: l.seq})
		n++
	}
	return n, nil
}

// Stats counts jobs per state.
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending: int64(q.ready.Len() + q.delayed.Len()),
		Active:  int64(len(q.active)),
		Dead:    int64(len(q.dead)),
	}, nil
}

// DeadJobs returns the most recent dead-lettered jobs.
func (q *MemoryQueue) DeadJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]*model.Job, 0, limit)
	for _, j := range q.dead[:limit] {
		out = append(out, cloneJob(j))
	}
	return out, nil
}

// Close rejects further enqueues and dequeues.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// push requires q.mu.
func (q *MemoryQueue) push(e *entry) {
	q.keys[e.job.Key()] = e
	heap.Push(&q.delayed, e)
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	return &c
}
