package lock

import (
	"context"
	"sync"
	"sync/atomic"
)

// Executor runs blocking lock calls on goroutines it tracks. A call whose
// waiter gave up keeps running until the kernel returns; Pending and Wait
// expose those calls so a long-running caller can drain them on shutdown.
type Executor struct {
	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewExecutor creates an Executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Go runs fn on a new tracked goroutine.
func (e *Executor) Go(fn func()) {
	e.wg.Add(1)
	e.pending.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.pending.Add(-1)
		fn()
	}()
}

// Pending returns the number of calls still running.
func (e *Executor) Pending() int {
	return int(e.pending.Load())
}

// Wait blocks until every call has returned or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
