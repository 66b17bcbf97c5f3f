package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"prefixlock/internal/config"
)

// Backend is an OS advisory locking primitive operating on lock files.
type Backend interface {
	Name() string
	// Open opens the lock file at path read-write, creating it if needed.
	Open(path string) (Locker, error)
	// Query reports whether another open file description holds a lock that
	// conflicts with an exclusive lock on f. pid is the holder's process id
	// when the platform reports one, 0 otherwise.
	Query(f *os.File) (held bool, pid int, err error)
	// ExcludesWithinProcess reports whether two descriptors of one process
	// on the same lock file exclude each other.
	ExcludesWithinProcess() bool
}

// Locker is an open lock file.
type Locker interface {
	// File is the descriptor exposed to callers.
	File() *os.File
	// TryLock attempts the exclusive lock without blocking. Contention is
	// reported as false, not as an error.
	TryLock() (bool, error)
	Unlock() error
	Close() error
}

// blockingLocker is implemented by lockers whose blocking primitive can run
// on a separate goroutine and be abandoned safely.
type blockingLocker interface {
	blockingCall() (*blockingCall, error)
}

// contextLocker is implemented by lockers with their own polling loop.
type contextLocker interface {
	LockContext(ctx context.Context, pollInterval time.Duration) (bool, error)
}

// blockingCall is one blocking lock attempt run by the waiter goroutine.
type blockingCall struct {
	// lock blocks until the lock is held or fails.
	lock func() error
	// unlock releases a lock obtained after the wait was abandoned.
	unlock func()
	// close frees the resources of the call once its outcome is known.
	close func()
}

// NewBackend returns the backend registered under name.
func NewBackend(name string) (Backend, error) {
	switch name {
	case config.BackendFlock:
		return flockBackend{}, nil
	case config.BackendFcntl:
		return newFcntlBackend()
	case "":
		return NewBackend(config.DefaultBackend())
	default:
		return nil, fmt.Errorf("unknown lock backend %q", name)
	}
}
