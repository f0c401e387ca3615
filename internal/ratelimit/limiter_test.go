package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestExecutePropagatesError(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 100, Burst: 1})
	want := errors.New("boom")

	err := l.Execute(context.Background(), func(context.Context) error { return want })
	if err != want {
		t.Fatalf("got %v, want the wrapped call's error unchanged", err)
	}
}

func TestDoReturnsValue(t *testing.T) {
	l := NewLimiter(Config{})
	got, err := Do(context.Background(), l, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("got %d, %v", got, err)
	}
}

func TestExcessCallsQueueInsteadOfFailing(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 20, Burst: 1})

	const calls = 5
	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Execute(context.Background(), func(context.Context) error { return nil })
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("throttled call failed: %v", err)
		}
	}
	// burst 1 then four more at 50ms spacing
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("calls were not throttled: %s", elapsed)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 0.1, Burst: 1})
	_ = l.Execute(context.Background(), func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := l.Execute(ctx, func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, context.DeadlineExceeded) || ran {
		t.Fatalf("expected deadline without running fn, got err=%v ran=%v", err, ran)
	}
}
