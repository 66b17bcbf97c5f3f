package lock

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testLockTimeout  = 200 * time.Millisecond
	testPollInterval = 10 * time.Millisecond
	veryShortTimeout = 30 * time.Millisecond
	timingSlack      = time.Second
)

// fakeLocker succeeds on the n-th TryLock.
type fakeLocker struct {
	succeedOn int32
	attempts  atomic.Int32
	err       error
}

func (f *fakeLocker) File() *os.File { return nil }
func (f *fakeLocker) TryLock() (bool, error) {
	n := f.attempts.Add(1)
	if f.err != nil {
		return false, f.err
	}
	return f.succeedOn > 0 && n >= f.succeedOn, nil
}
func (f *fakeLocker) Unlock() error { return nil }
func (f *fakeLocker) Close() error  { return nil }

// fakeBlockingLocker blocks in its blocking call until release is closed.
type fakeBlockingLocker struct {
	fakeLocker
	release  chan struct{}
	lockErr  error
	unlocked atomic.Int32
	closed   atomic.Int32
	returned chan struct{}
}

func newFakeBlockingLocker() *fakeBlockingLocker {
	return &fakeBlockingLocker{release: make(chan struct{}), returned: make(chan struct{})}
}

func (f *fakeBlockingLocker) blockingCall() (*blockingCall, error) {
	return &blockingCall{
		lock: func() error {
			<-f.release
			return f.lockErr
		},
		unlock: func() { f.unlocked.Add(1) },
		close: func() {
			f.closed.Add(1)
			close(f.returned)
		},
	}, nil
}

func newTestWaiter() *waiter {
	return &waiter{executor: NewExecutor(), pollInterval: testPollInterval}
}

func TestWaiter_PollSucceeds(t *testing.T) {
	w := newTestWaiter()
	l := &fakeLocker{succeedOn: 3}
	if err := w.wait(context.Background(), l, testLockTimeout); err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if got := l.attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestWaiter_PollTimeout(t *testing.T) {
	w := newTestWaiter()
	start := time.Now()
	err := w.wait(context.Background(), &fakeLocker{}, veryShortTimeout)
	duration := time.Since(start)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if duration < veryShortTimeout {
		t.Errorf("wait returned too quickly: %v", duration)
	}
	if duration > veryShortTimeout+timingSlack {
		t.Errorf("wait took too long: %v", duration)
	}
}

func TestWaiter_PollContextCanceled(t *testing.T) {
	w := newTestWaiter()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(veryShortTimeout, cancel)
	err := w.wait(ctx, &fakeLocker{}, 0)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
}

func TestWaiter_PollResourceError(t *testing.T) {
	w := newTestWaiter()
	boom := errors.New("bad descriptor")
	err := w.wait(context.Background(), &fakeLocker{err: boom}, testLockTimeout)
	if !errors.Is(err, boom) {
		t.Fatalf("expected resource error, got %v", err)
	}
}

func TestWaiter_BlockingCompletes(t *testing.T) {
	w := newTestWaiter()
	l := newFakeBlockingLocker()
	time.AfterFunc(veryShortTimeout, func() { close(l.release) })

	if err := w.wait(context.Background(), l, testLockTimeout); err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	<-l.returned
	if l.unlocked.Load() != 0 {
		t.Error("a handed over lock must not be unlocked by the waiter goroutine")
	}
	if l.closed.Load() != 1 {
		t.Errorf("expected call resources closed once, got %d", l.closed.Load())
	}
}

func TestWaiter_BlockingTimeoutAbandonsCall(t *testing.T) {
	w := newTestWaiter()
	l := newFakeBlockingLocker()

	start := time.Now()
	err := w.wait(context.Background(), l, veryShortTimeout)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if time.Since(start) > veryShortTimeout+timingSlack {
		t.Errorf("wait took too long: %v", time.Since(start))
	}
	if w.executor.Pending() != 1 {
		t.Fatalf("expected the abandoned call to be pending, got %d", w.executor.Pending())
	}

	// The blocked call obtains the lock after the waiter gave up.
	close(l.release)
	ctx, cancel := context.WithTimeout(context.Background(), timingSlack)
	defer cancel()
	if err := w.executor.Wait(ctx); err != nil {
		t.Fatalf("executor did not drain: %v", err)
	}
	if l.unlocked.Load() != 1 {
		t.Errorf("expected the late lock to be released once, got %d", l.unlocked.Load())
	}
	if l.closed.Load() != 1 {
		t.Errorf("expected call resources closed once, got %d", l.closed.Load())
	}
}

func TestWaiter_BlockingAbandonedFailureNotUnlocked(t *testing.T) {
	w := newTestWaiter()
	l := newFakeBlockingLocker()
	l.lockErr = errors.New("deadlock detected")

	if err := w.wait(context.Background(), l, veryShortTimeout); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	close(l.release)
	<-l.returned
	if l.unlocked.Load() != 0 {
		t.Error("a failed late call must not be unlocked")
	}
}

func TestWaiter_BlockingContextCanceled(t *testing.T) {
	w := newTestWaiter()
	l := newFakeBlockingLocker()
	defer close(l.release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(veryShortTimeout, cancel)
	err := w.wait(ctx, l, 0)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the context error to be wrapped, got %v", err)
	}
}

func TestWaiter_BlockingResourceError(t *testing.T) {
	w := newTestWaiter()
	l := newFakeBlockingLocker()
	l.lockErr = errors.New("no locks available")
	close(l.release)

	err := w.wait(context.Background(), l, testLockTimeout)
	if !errors.Is(err, l.lockErr) {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestWaitState_FirstWriterWins(t *testing.T) {
	ws := &waitState{}
	if !ws.settle() {
		t.Fatal("settle on a pending wait should win")
	}
	if ws.abandon() {
		t.Error("abandon after settle should lose")
	}

	ws = &waitState{}
	if !ws.abandon() {
		t.Fatal("abandon on a pending wait should win")
	}
	if ws.settle() {
		t.Error("settle after abandon should lose")
	}
}

func TestExecutor_WaitTimesOut(t *testing.T) {
	e := NewExecutor()
	block := make(chan struct{})
	e.Go(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), veryShortTimeout)
	defer cancel()
	if err := e.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if e.Pending() != 1 {
		t.Errorf("expected 1 pending call, got %d", e.Pending())
	}

	close(block)
	if err := e.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if e.Pending() != 0 {
		t.Errorf("expected 0 pending calls, got %d", e.Pending())
	}
}
