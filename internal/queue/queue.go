// Package queue is the durable trade job queue and its processor.
package queue

import (
	"context"
	"errors"
	"time"

	"escrow-engine/internal/model"
)

// Handler results that are not plain failures.
var (
	// ErrDeferred asks for the job to run again later without counting an attempt.
	ErrDeferred = errors.New("job deferred")
	// ErrPermanent sends the job straight to the dead-letter list.
	ErrPermanent = errors.New("job failed permanently")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending int64 `json:"pending"`
	Active  int64 `json:"active"`
	Dead    int64 `json:"dead"`
}

// Queue stores jobs keyed by model.Job.Key. At most one job per key is pending
// or active; enqueueing a duplicate is a no-op that reports false.
type Queue interface {
	Enqueue(ctx context.Context, job *model.Job) (bool, error)
	EnqueueRecurring(ctx context.Context, job *model.Job, interval time.Duration) (bool, error)
	// Dequeue leases the highest-priority due job until leaseUntil.
	// It returns nil, nil when nothing is due.
	Dequeue(ctx context.Context, leaseUntil time.Time) (*model.Job, error)
	// Extend pushes an active lease out.
	Extend(ctx context.Context, job *model.Job, leaseUntil time.Time) error
	// Ack finishes a job; recurring jobs are rescheduled one interval out.
	Ack(ctx context.Context, job *model.Job) error
	// Retry returns a leased job to pending, due at runAt.
	Retry(ctx context.Context, job *model.Job, runAt time.Time) error
	DeadLetter(ctx context.Context, job *model.Job) error
	// RecoverExpired moves jobs whose lease ran out back to pending.
	RecoverExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
	DeadJobs(ctx context.Context, limit int) ([]*model.Job, error)
	Close() error
}

func prepare(job *model.Job, now time.Time) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
}
