// Package workerpool implements the fixed pool of worker tasks from §5:
// per-connection handlers that may block on reads/writes through the
// Poller but never on raw I/O, with cooperative cancellation at
// suspension points. It generalizes the teacher's channel-plus-WaitGroup
// worker pool into a semaphore-bounded fan-out under an errgroup, so the
// first fatal task error can cancel every sibling task.
package workerpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config mirrors the teacher's WorkerPoolConfig shape: a bounded
// concurrency limit is the only tunable a semaphore-based pool needs
// (there is no queue to size — Submit itself
// blocks until a slot is free or the context is cancelled).
type Config struct {
	MaxConcurrency int64
}

// Pool bounds concurrent task execution with a weighted semaphore and
// tracks in-flight tasks under an errgroup so Wait() returns the first
// non-nil task error and cancels the group's context.
type Pool struct {
	sem *semaphore.Weighted
	log *logrus.Entry

	mu      sync.Mutex
	started bool
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a pool with the given configuration. The pool is
// constructed but not started; call Start to begin accepting tasks.
func New(cfg Config, log *logrus.Entry) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		sem: semaphore.NewWeighted(cfg.MaxConcurrency),
		log: log.WithField("component", "workerpool"),
	}
}

// Start wires the pool's errgroup against parent, so a fatal task error
// cancels every other task sharing parent's derived context.
func (p *Pool) Start(parent context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("workerpool: already started")
	}
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	p.group = group
	p.ctx = gctx
	p.cancel = cancel
	p.started = true
	p.log.Info("worker pool started")
	return nil
}

// Submit blocks until a concurrency slot is available (or the pool's
// context is cancelled), then runs fn as a tracked task. A non-nil
// return from fn surfaces through Wait and cancels sibling tasks.
func (p *Pool) Submit(fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("workerpool: not started")
	}
	ctx, group := p.ctx, p.group
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("workerpool: acquire: %w", err)
	}

	group.Go(func() (err error) {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.log.WithField("panic", r).Error("worker task panicked")
				err = fmt.Errorf("workerpool: task panicked: %v", r)
			}
		}()
		return fn(ctx)
	})
	return nil
}

// Stop cancels outstanding tasks and waits for the errgroup to drain,
// returning the first task error (if any).
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	group, cancel := p.group, p.cancel
	p.mu.Unlock()

	cancel()
	err := group.Wait()
	p.log.Info("worker pool stopped")
	return err
}

// Wait blocks until every submitted task has returned, without
// cancelling the pool's context first (use this for a graceful drain
// rather than Stop's cancel-then-wait).
func (p *Pool) Wait() error {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}
