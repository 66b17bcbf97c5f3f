package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "prefixlock/internal/errors"
	"prefixlock/internal/logging"
)

// handle owns one OS lock on the sidecar of a path. It is shared by every
// LockFile of this process that locks the same path.
type handle struct {
	path         string
	lockfilePath string
	timeout      time.Duration
	preexisted   bool
	locker       Locker
	fd           uintptr
	log          *logging.Logger

	// Guarded by the owning Registry's mutex.
	refs     int
	closed   bool
	released chan struct{}

	unlockOnce sync.Once
	unlockErr  error
}

// LockfilePathFor returns the sidecar lock file used for path:
// <dir>/<dirname>.lock for a directory, <path>.lock otherwise.
func LockfilePathFor(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, filepath.Base(path)+".lock")
	}
	return path + ".lock"
}

// newHandle locks path, waiting at most timeout (0 waits forever) for another
// holder to release it.
func newHandle(ctx context.Context, backend Backend, w *waiter, path string, timeout time.Duration, log *logging.Logger) (*handle, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewLockAcquisitionError(path, "path does not exist", err)
		}
		return nil, apperrors.NewLockAcquisitionError(path, "could not stat path", err)
	}

	h := &handle{
		path:         path,
		lockfilePath: LockfilePathFor(path),
		timeout:      timeout,
		log:          log.With("path", path),
		released:     make(chan struct{}),
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil, h.fail("timed out waiting for lock", ErrLockTimeout)
			}
		}

		replaced, err := h.attempt(ctx, backend, w, remaining)
		if err != nil {
			return nil, err
		}
		if !replaced {
			break
		}
		h.log.Debug("lock file was replaced while waiting, retrying", "lockfile", h.lockfilePath)
	}

	h.fd = h.locker.File().Fd()
	h.log.Info("locked", "lockfile", h.lockfilePath, "backend", backend.Name())
	return h, nil
}

// attempt opens the sidecar and locks it. It reports replaced when the lock
// was obtained on a file that has since been unlinked from the sidecar path,
// in which case the lock is already dropped.
func (h *handle) attempt(ctx context.Context, backend Backend, w *waiter, remaining time.Duration) (replaced bool, err error) {
	_, statErr := os.Lstat(h.lockfilePath)
	h.preexisted = statErr == nil

	locker, err := backend.Open(h.lockfilePath)
	if err != nil {
		return false, h.fail("could not open lock file", err)
	}
	h.locker = locker

	locked, err := locker.TryLock()
	if err != nil {
		return false, h.fail("could not set lock", err)
	}
	if !locked {
		h.log.Info("cannot lock, waiting for other process to release it", "lockfile", h.lockfilePath, "timeout", remaining)
		if err := w.wait(ctx, locker, remaining); err != nil {
			switch {
			case errors.Is(err, ErrLockTimeout):
				return false, h.fail("timed out waiting for lock", err)
			case errors.Is(err, ErrInterrupted):
				return false, h.fail("wait interrupted", err)
			default:
				return false, h.fail("could not set lock", err)
			}
		}
	}

	if sameFile(locker.File(), h.lockfilePath) {
		return false, nil
	}
	_ = locker.Unlock()
	_ = locker.Close()
	h.locker = nil
	return true, nil
}

func sameFile(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

// fail releases what attempt acquired and builds the acquisition error. A
// lock file this handle created is removed only if it can still be locked,
// so it is never unlinked under another holder.
func (h *handle) fail(details string, cause error) error {
	if h.locker != nil {
		if !h.preexisted {
			if locked, _ := h.locker.TryLock(); locked {
				h.removeSidecar()
				_ = h.locker.Unlock()
			}
		}
		if err := h.locker.Close(); err != nil {
			h.log.Debug("failed to close lock file", "lockfile", h.lockfilePath, "error", err)
		}
		h.locker = nil
	}
	h.log.Warn("could not lock", "details", details, "error", cause)
	return apperrors.NewLockAcquisitionError(h.path, details, cause)
}

// removeSidecar deletes the lock file when this handle created it. Failures
// are only logged.
func (h *handle) removeSidecar() bool {
	if h.preexisted {
		return true
	}
	if err := os.Remove(h.lockfilePath); err != nil && !os.IsNotExist(err) {
		h.log.Debug("failed to remove lock file", "lockfile", h.lockfilePath, "error", err)
		return false
	}
	return true
}

// unlock removes the lock file if this handle created it, then releases the
// OS lock and closes the descriptor. The lock file is unlinked while still
// locked so a waiter that wakes up on it sees it replaced. Only the first
// call has an effect.
func (h *handle) unlock() error {
	h.unlockOnce.Do(func() {
		if h.locker == nil {
			return
		}
		removed := h.removeSidecar()
		if err := h.locker.Unlock(); err != nil {
			h.log.Warn("failed to release lock", "lockfile", h.lockfilePath, "error", err)
			h.unlockErr = err
		}
		if err := h.locker.Close(); err != nil {
			h.log.Warn("failed to close lock file", "lockfile", h.lockfilePath, "error", err)
			if h.unlockErr == nil {
				h.unlockErr = err
			}
		}
		// Some platforms refuse to delete an open file.
		if !removed && !h.removeSidecar() {
			h.log.Warn("failed to remove lock file", "lockfile", h.lockfilePath)
		}
		h.log.Info("unlocked", "lockfile", h.lockfilePath)
	})
	return h.unlockErr
}
