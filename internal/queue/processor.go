package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"escrow-engine/internal/metrics"
	"escrow-engine/internal/model"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Handler runs one job. A nil error acks it. Wrap ErrDeferred to run it later
// without spending an attempt, ErrPermanent to dead-letter it at once; any
// other error is retried under the RetryPolicy.
type Handler func(ctx context.Context, job *model.Job) error

// RetryPolicy makes retry behaviour explicit rather than a library default.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	DeferDelay  time.Duration
}

// Delay returns the backoff before the given retry attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ProcessorConfig tunes the processing loop.
type ProcessorConfig struct {
	PollInterval time.Duration
	LeaseTTL     time.Duration
	Policy       RetryPolicy
	// OnExhausted runs before a job that used up its attempts is dead-lettered.
	OnExhausted func(ctx context.Context, job *model.Job, err error)
}

// Processor pulls jobs off a Queue and runs them with bounded concurrency.
type Processor struct {
	q   Queue
	cfg ProcessorConfig
	log *zap.Logger
	now func() time.Time
}

// NewProcessor creates a processor for q.
func NewProcessor(q Queue, cfg ProcessorConfig, log *zap.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = 5
	}
	if cfg.Policy.Initial <= 0 {
		cfg.Policy.Initial = 2 * time.Second
	}
	if cfg.Policy.Max <= 0 {
		cfg.Policy.Max = 2 * time.Minute
	}
	if cfg.Policy.DeferDelay <= 0 {
		cfg.Policy.DeferDelay = 5 * time.Second
	}
	return &Processor{q: q, cfg: cfg, log: log.Named("queue"), now: time.Now}
}

// Process runs concurrency workers until ctx is done, then waits for
// in-flight jobs. A started job is never interrupted.
func (p *Processor) Process(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	p.log.Info("processor started", zap.Int("concurrency", concurrency))

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker, handler)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reportDepth(ctx)
	}()

	wg.Wait()
	p.log.Info("processor stopped")
	return nil
}

func (p *Processor) work(ctx context.Context, worker int, handler Handler) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything due before sleeping.
		for ctx.Err() == nil {
			ran, err := p.RunOnce(ctx, handler)
			if err != nil {
				p.log.Error("dequeue failed", zap.Int("worker", worker), zap.Error(err))
				break
			}
			if !ran {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce leases and runs at most one job. It reports whether a job ran.
func (p *Processor) RunOnce(ctx context.Context, handler Handler) (bool, error) {
	job, err := p.q.Dequeue(ctx, p.now().Add(p.cfg.LeaseTTL))
	if err != nil || job == nil {
		return false, err
	}

	// The job outlives shutdown of the loop that picked it up.
	jobCtx := context.WithoutCancel(ctx)
	stopLease := p.keepLease(jobCtx, job)

	start := p.now()
	herr := handler(jobCtx, job)
	metrics.JobDuration.WithLabelValues(string(job.Kind())).Observe(p.now().Sub(start).Seconds())
	stopLease()

	p.settle(jobCtx, job, herr)
	return true, nil
}

func (p *Processor) settle(ctx context.Context, job *model.Job, herr error) {
	kind := string(job.Kind())
	log := p.log.With(zap.String("job", job.Key()), zap.Int("attempt", job.Attempt))

	var outcome string
	var err error
	switch {
	case herr == nil:
		outcome = "ok"
		err = p.q.Ack(ctx, job)

	case errors.Is(herr, ErrDeferred):
		outcome = "deferred"
		job.LastError = herr.Error()
		err = p.q.Retry(ctx, job, p.now().Add(p.cfg.Policy.DeferDelay))
		log.Debug("job deferred", zap.Error(herr))

	case errors.Is(herr, ErrPermanent):
		outcome = "dead"
		job.LastError = herr.Error()
		err = p.q.DeadLetter(ctx, job)
		log.Error("job failed permanently", zap.Error(herr))

	default:
		job.Attempt++
		job.LastError = herr.Error()
		if job.Attempt >= p.cfg.Policy.MaxAttempts {
			outcome = "dead"
			log.Error("job exhausted retries", zap.Error(herr))
			if p.cfg.OnExhausted != nil {
				p.cfg.OnExhausted(ctx, job, herr)
			}
			if job.Interval > 0 {
				// Recurring jobs keep their schedule.
				err = p.q.Ack(ctx, job)
			} else {
				err = p.q.DeadLetter(ctx, job)
			}
			break
		}
		outcome = "retry"
		delay := p.cfg.Policy.Delay(job.Attempt)
		err = p.q.Retry(ctx, job, p.now().Add(delay))
		log.Warn("job failed, retrying", zap.Duration("delay", delay), zap.Error(herr))
	}

	metrics.JobsProcessed.WithLabelValues(kind, outcome).Inc()
	if err != nil {
		log.Error("settle job", zap.String("outcome", outcome), zap.Error(err))
	}
}

// keepLease extends the job's lease until the returned func is called.
func (p *Processor) keepLease(ctx context.Context, job *model.Job) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.q.Extend(ctx, job, p.now().Add(p.cfg.LeaseTTL)); err != nil {
					p.log.Warn("extend lease", zap.String("job", job.Key()), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Processor) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := p.q.Stats(ctx)
			if err != nil {
				continue
			}
			metrics.QueueDepth.WithLabelValues("pending").Set(float64(st.Pending))
			metrics.QueueDepth.WithLabelValues("active").Set(float64(st.Active))
			metrics.QueueDepth.WithLabelValues("dead").Set(float64(st.Dead))
		}
	}
}
