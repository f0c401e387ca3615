package queue

import (
	"container/heap"
	"time"

	"escrow-engine/internal/model"
)

// entry wraps a job for heap operations.
type entry struct {
	job   *model.Job
	seq   uint64
	index int
}

// readyQueue orders due jobs: higher priority first, then older sequence.
type readyQueue []*entry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	e.index = -1
	*q = old[0 : n-1]
	return e
}

// delayQueue orders jobs that are not due yet by run time.
type delayQueue []*entry

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	e.index = -1
	*q = old[0 : n-1]
	return e
}

func (q delayQueue) peek() *entry {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// promote moves every delayed entry due at now into ready.
func promote(delayed *delayQueue, ready *readyQueue, now time.Time) {
	for {
		e := delayed.peek()
		if e == nil || e.job.RunAt.After(now) {
			return
		}
		heap.Pop(delayed)
		heap.Push(ready, e)
	}
}
