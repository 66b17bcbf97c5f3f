package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = fmt.Errorf("timeout acquiring lock")
	// ErrInterrupted is returned when a lock wait is interrupted by a signal
	// or by cancellation of the caller's context.
	ErrInterrupted = fmt.Errorf("interrupted while waiting for lock")
)

const (
	// shortPollInterval is the interval to sleep when polling for a lock.
	shortPollInterval = 10 * time.Millisecond
)

// interruptSignals end a lock wait early.
var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// Replaced in tests to observe signal registration.
var (
	notifySignals = signal.Notify
	stopSignals   = signal.Stop
)

const (
	waitPending int32 = iota
	waitSettled
	waitAbandoned
)

// waitState decides the outcome of one blocking wait. Whichever side moves it
// out of waitPending first owns the outcome.
type waitState struct {
	state atomic.Int32
	done  chan error
}

func (w *waitState) settle() bool {
	return w.state.CompareAndSwap(waitPending, waitSettled)
}

func (w *waitState) abandon() bool {
	return w.state.CompareAndSwap(waitPending, waitAbandoned)
}

// waiter performs the bounded, interruptible blocking acquisition of a lock.
type waiter struct {
	executor     *Executor
	pollInterval time.Duration
	// signals overrides interruptSignals; nil means interruptSignals.
	signals []os.Signal
}

// wait acquires l, giving up after timeout (0 waits forever), when ctx is done,
// or when the process receives an interrupt signal.
func (w *waiter) wait(ctx context.Context, l Locker, timeout time.Duration) error {
	if bl, ok := l.(blockingLocker); ok {
		call, err := bl.blockingCall()
		if err != nil {
			return err
		}
		return w.waitBlocking(ctx, call, timeout)
	}
	return w.poll(ctx, l, timeout)
}

func (w *waiter) interrupts() []os.Signal {
	if w.signals != nil {
		return w.signals
	}
	return interruptSignals
}

// waitBlocking runs call on an executor goroutine and waits for the first of
// completion, deadline, interruption.
func (w *waiter) waitBlocking(ctx context.Context, call *blockingCall, timeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh, w.interrupts()...)
	defer stopSignals(sigCh)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ws := &waitState{done: make(chan error, 1)}
	w.executor.Go(func() {
		err := call.lock()
		if ws.settle() {
			call.close()
			ws.done <- err
			return
		}
		if err == nil {
			call.unlock()
		}
		call.close()
	})

	var reason error
	select {
	case err := <-ws.done:
		return err
	case <-deadline:
		reason = ErrLockTimeout
	case <-ctx.Done():
		reason = fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case sig := <-sigCh:
		reason = fmt.Errorf("%w: received %s", ErrInterrupted, sig)
	}
	if ws.abandon() {
		return reason
	}
	// The call finished while we were woken; its outcome stands.
	return <-ws.done
}

// poll retries non-blocking attempts every pollInterval.
func (w *waiter) poll(parent context.Context, l Locker, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, w.interrupts()...)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	interval := w.pollInterval
	if interval <= 0 {
		interval = shortPollInterval
	}

	var locked bool
	var err error
	if cl, ok := l.(contextLocker); ok {
		locked, err = cl.LockContext(ctx, interval)
	} else {
		locked, err = pollTryLock(ctx, l, interval)
	}
	if locked {
		return nil
	}
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		if parent.Err() != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, parent.Err())
		}
		return fmt.Errorf("%w: received signal", ErrInterrupted)
	}
	return err
}

func pollTryLock(ctx context.Context, l Locker, interval time.Duration) (bool, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		locked, err := l.TryLock()
		if err != nil || locked {
			return locked, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
