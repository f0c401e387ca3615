package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"escrow-engine/internal/model"

	"go.uber.org/zap/zaptest"
)

func newTestProcessor(t *testing.T, q Queue, policy RetryPolicy, onExhausted func(context.Context, *model.Job, error)) *Processor {
	return NewProcessor(q, ProcessorConfig{
		PollInterval: 5 * time.Millisecond,
		LeaseTTL:     time.Minute,
		Policy:       policy,
		OnExhausted:  onExhausted,
	}, zaptest.NewLogger(t))
}

func TestProcessSerializesJobsForSameBot(t *testing.T) {
	q := NewMemoryQueue()
	p := newTestProcessor(t, q, RetryPolicy{}, nil)

	type span struct{ start, end time.Time }
	var mu sync.Mutex
	spans := map[string]span{}
	handler := func(ctx context.Context, job *model.Job) error {
		start := time.Now()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		spans[job.ID] = span{start, time.Now()}
		mu.Unlock()
		return nil
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(ctx, model.NewJob(fmt.Sprintf("j%d", i), model.GenericSend{BotID: "bot-1", ListingID: fmt.Sprintf("l%d", i)}))
		}(i)
	}
	wg.Wait()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		p.Process(runCtx, 1, handler)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(spans)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	a, b := spans["j0"], spans["j1"]
	if a.start.Before(b.end) && b.start.Before(a.end) {
		t.Fatalf("handlers overlapped: %+v %+v", a, b)
	}
}

func TestProcessorRetriesThenDeadLetters(t *testing.T) {
	q := NewMemoryQueue()
	var exhausted []string
	p := newTestProcessor(t, q, RetryPolicy{MaxAttempts: 2, Initial: time.Millisecond, Max: time.Millisecond},
		func(_ context.Context, job *model.Job, err error) { exhausted = append(exhausted, job.ID) })

	ctx := context.Background()
	q.Enqueue(ctx, model.NewJob("j1", model.SendItem{TradeID: "t1"}))
	fail := func(context.Context, *model.Job) error { return errors.New("transient") }

	if ran, err := p.RunOnce(ctx, fail); !ran || err != nil {
		t.Fatalf("first run: %v %v", ran, err)
	}
	time.Sleep(5 * time.Millisecond)
	if ran, _ := p.RunOnce(ctx, fail); !ran {
		t.Fatalf("retry was not due")
	}

	st, _ := q.Stats(ctx)
	if st.Dead != 1 || st.Pending != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if len(exhausted) != 1 || exhausted[0] != "j1" {
		t.Fatalf("OnExhausted calls: %v", exhausted)
	}
}

func TestProcessorDeferralDoesNotSpendAttempts(t *testing.T) {
	q := NewMemoryQueue()
	p := newTestProcessor(t, q, RetryPolicy{MaxAttempts: 1, DeferDelay: time.Millisecond}, nil)

	ctx := context.Background()
	q.Enqueue(ctx, model.NewJob("j1", model.SendItem{TradeID: "t1"}))
	deferred := func(context.Context, *model.Job) error {
		return fmt.Errorf("no bot: %w", ErrDeferred)
	}

	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		if ran, _ := p.RunOnce(ctx, deferred); !ran {
			t.Fatalf("run %d: job not due", i)
		}
	}

	st, _ := q.Stats(ctx)
	if st.Dead != 0 || st.Pending != 1 {
		t.Fatalf("deferred job should stay pending: %+v", st)
	}
}

func TestProcessorPermanentErrorDeadLetters(t *testing.T) {
	q := NewMemoryQueue()
	p := newTestProcessor(t, q, RetryPolicy{MaxAttempts: 5}, nil)

	ctx := context.Background()
	q.Enqueue(ctx, model.NewJob("j1", model.SendItem{TradeID: "t1"}))
	p.RunOnce(ctx, func(context.Context, *model.Job) error {
		return fmt.Errorf("trade missing: %w", ErrPermanent)
	})

	st, _ := q.Stats(ctx)
	if st.Dead != 1 {
		t.Fatalf("expected dead-lettered job, got %+v", st)
	}
}

func TestRetryPolicyDelayGrows(t *testing.T) {
	p := RetryPolicy{Initial: time.Second, Max: 4 * time.Second}
	if d := p.Delay(1); d != time.Second {
		t.Fatalf("delay(1) = %s", d)
	}
	if d2, d3 := p.Delay(2), p.Delay(3); d2 <= time.Second || d3 < d2 {
		t.Fatalf("delays should grow: %s %s", d2, d3)
	}
	if d := p.Delay(20); d > 4*time.Second {
		t.Fatalf("delay capped at max, got %s", d)
	}
}
