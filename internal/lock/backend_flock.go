package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// flockBackend locks whole files with flock(2), or LockFileEx on Windows.
// Waiting is done by polling.
type flockBackend struct{}

func (flockBackend) Name() string { return "flock" }

func (flockBackend) ExcludesWithinProcess() bool { return true }

func (flockBackend) Open(path string) (Locker, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	return &flockLocker{file: f, fl: flock.New(path)}, nil
}

// Query probes with a fresh handle on f's path: flock(2) has no query call.
func (flockBackend) Query(f *os.File) (bool, int, error) {
	probe := flock.New(f.Name())
	defer probe.Close()
	locked, err := probe.TryLock()
	if err != nil {
		return false, 0, fmt.Errorf("failed to query lock on %s: %w", f.Name(), err)
	}
	if locked {
		_ = probe.Unlock()
		return false, 0, nil
	}
	return true, 0, nil
}

// flockLocker holds the lock through its own handle on the lock file; file is
// a separate descriptor on the same file.
type flockLocker struct {
	file *os.File
	fl   *flock.Flock
}

func (l *flockLocker) File() *os.File { return l.file }

func (l *flockLocker) TryLock() (bool, error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("error acquiring file lock for %s: %w", l.fl.Path(), err)
	}
	return locked, nil
}

func (l *flockLocker) LockContext(ctx context.Context, pollInterval time.Duration) (bool, error) {
	return l.fl.TryLockContext(ctx, pollInterval)
}

func (l *flockLocker) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("error releasing file lock for %s: %w", l.fl.Path(), err)
	}
	return nil
}

func (l *flockLocker) Close() error {
	err := l.fl.Close()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}
