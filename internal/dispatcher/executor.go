package dispatcher

import (
	"context"
	"sync"
)

// task is a unit of work submitted to the Executor, paired with a done
// channel the submitter blocks on for the result.
type task struct {
	fn   func()
	done chan struct{}
}

// Executor serializes every call into the database adapter onto a
// single goroutine, modeling the adapter's single dedicated execution
// context: nothing in this package calls an adapter method directly
// from whatever goroutine a request arrived on. Unlike a multi-worker
// pool that drops tasks under backpressure, this pool has exactly one
// worker and never drops — an adapter call is not discardable work,
// it is the result the caller is waiting for.
type Executor struct {
	queue chan task
	wg    sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewExecutor() *Executor {
	return &Executor{
		queue:  make(chan task, 256),
		stopCh: make(chan struct{}),
	}
}

// Start launches the single worker goroutine. Must be called once
// before Run.
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.loop()
}

func (e *Executor) loop() {
	defer e.wg.Done()
	for {
		select {
		case t := <-e.queue:
			t.fn()
			close(t.done)
		case <-e.stopCh:
			return
		}
	}
}

// Run executes fn on the executor's dedicated goroutine and blocks
// until it completes or ctx is cancelled first. If ctx is cancelled
// after fn was queued, fn still runs unless the executor is stopped
// first; the caller simply stops waiting for it. A ctx cancelled
// before fn is queued may return without queuing it.
func (e *Executor) Run(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}

	select {
	case e.queue <- t:
	case <-e.stopCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the worker to exit and waits for it. Safe to call more
// than once.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
