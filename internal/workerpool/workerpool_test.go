package workerpool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsTasksConcurrentlyUpToLimit(t *testing.T) {
	p := New(Config{MaxConcurrency: 2}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var inFlight, maxInFlight int32
	release := make(chan struct{})
	// Submit blocks while both slots are taken, so the submitting loop
	// runs in its own goroutine until release frees the first tasks.
	submitted := make(chan error, 1)
	go func() {
		for i := 0; i < 4; i++ {
			if err := p.Submit(func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxInFlight)
					if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&inFlight, -1)
				return nil
			}); err != nil {
				submitted <- err
				return
			}
		}
		submitted <- nil
	}()

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&maxInFlight); got > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", got)
	}

	close(release)
	if err := <-submitted; err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSubmitBeforeStartReturnsError(t *testing.T) {
	p := New(Config{MaxConcurrency: 1}, nil)
	if err := p.Submit(func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error submitting before Start")
	}
}

func TestStopCancelsAndReturnsTaskError(t *testing.T) {
	p := New(Config{MaxConcurrency: 2}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	boom := errors.New("boom")
	if err := p.Submit(func(ctx context.Context) error { return boom }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := p.Stop(); !errors.Is(err, boom) {
		t.Fatalf("expected Stop to surface task error, got %v", err)
	}
}

func TestSubmitPanicIsRecoveredAndSurfacedAsError(t *testing.T) {
	p := New(Config{MaxConcurrency: 1}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Submit(func(ctx context.Context) error { panic("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := p.Wait()
	if err == nil {
		t.Fatalf("expected Wait to surface the recovered panic as a task error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to mention the panic value, got %v", err)
	}
}
