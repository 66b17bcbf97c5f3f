package lock

import (
	"runtime"
	"sync"
	"time"

	apperrors "prefixlock/internal/errors"
)

// LockFile is one reference to the lock on a path. Every LockFile must be
// closed; the lock is released when the last LockFile for the path is
// closed. A LockFile obtained while locking is disabled holds nothing and its
// accessors return ErrNotLocked.
type LockFile struct {
	registry *Registry
	h        *handle

	closeOnce sync.Once
	closeErr  error
	closed    bool
	mu        sync.Mutex
	cleanup   runtime.Cleanup
}

func newLockFile(r *Registry, h *handle) *LockFile {
	lf := &LockFile{registry: r, h: h}
	// A LockFile dropped without Close still gives its reference back.
	lf.cleanup = runtime.AddCleanup(lf, func(h *handle) {
		_ = r.release(h)
	}, h)
	return lf
}

// Locked reports whether this LockFile holds a reference to a lock.
func (l *LockFile) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h != nil && !l.closed
}

func (l *LockFile) live() (*handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == nil || l.closed {
		return nil, apperrors.ErrNotLocked
	}
	return l.h, nil
}

// Fd returns the descriptor of the open lock file.
func (l *LockFile) Fd() (uintptr, error) {
	h, err := l.live()
	if err != nil {
		return 0, err
	}
	return h.fd, nil
}

// Path returns the absolute path that is locked.
func (l *LockFile) Path() (string, error) {
	h, err := l.live()
	if err != nil {
		return "", err
	}
	return h.path, nil
}

// LockfilePath returns the path of the sidecar lock file.
func (l *LockFile) LockfilePath() (string, error) {
	h, err := l.live()
	if err != nil {
		return "", err
	}
	return h.lockfilePath, nil
}

// Timeout returns the timeout the lock was acquired with.
func (l *LockFile) Timeout() (time.Duration, error) {
	h, err := l.live()
	if err != nil {
		return 0, err
	}
	return h.timeout, nil
}

// Close releases this reference. Calling Close more than once is a no-op.
func (l *LockFile) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		h := l.h
		l.closed = true
		l.mu.Unlock()
		if h == nil {
			return
		}
		l.cleanup.Stop()
		l.closeErr = l.registry.release(h)
	})
	return l.closeErr
}
