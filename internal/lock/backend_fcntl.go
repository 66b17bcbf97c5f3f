//go:build unix

package lock

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// lockPosition is the byte of the lock file covered by the record lock. The
// lock file's content is never read or written.
const lockPosition = 21

// fcntlBackend uses POSIX record locks on a single byte of the lock file.
type fcntlBackend struct {
	cmds fcntlCommands
}

// fcntlCommands selects between open file description locks and classic
// process-associated locks.
type fcntlCommands struct {
	setlk, setlkw, getlk int
}

func newFcntlBackend() (Backend, error) {
	return fcntlBackend{cmds: platformFcntlCommands}, nil
}

func (b fcntlBackend) Name() string { return "fcntl" }

func (b fcntlBackend) Open(path string) (Locker, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	return &fcntlLocker{file: f, cmds: b.cmds}, nil
}

// Query asks the kernel for the first lock conflicting with an exclusive lock
// on f. With classic locks, locks held by this process never conflict.
func (b fcntlBackend) Query(f *os.File) (bool, int, error) {
	lk := recordLock(unix.F_WRLCK)
	if err := unix.FcntlFlock(f.Fd(), b.cmds.getlk, &lk); err != nil {
		return false, 0, fmt.Errorf("failed to query lock on %s: %w", f.Name(), err)
	}
	if lk.Type == unix.F_UNLCK {
		return false, 0, nil
	}
	pid := int(lk.Pid)
	if pid < 0 {
		pid = 0
	}
	return true, pid, nil
}

type fcntlLocker struct {
	file *os.File
	cmds fcntlCommands
}

func (l *fcntlLocker) File() *os.File { return l.file }

func (l *fcntlLocker) TryLock() (bool, error) {
	lk := recordLock(unix.F_WRLCK)
	err := unix.FcntlFlock(l.file.Fd(), l.cmds.setlk, &lk)
	if err == nil {
		return true, nil
	}
	if isContention(err) {
		return false, nil
	}
	return false, fmt.Errorf("error acquiring file lock for %s: %w", l.file.Name(), err)
}

func (l *fcntlLocker) Unlock() error {
	lk := recordLock(unix.F_UNLCK)
	if err := unix.FcntlFlock(l.file.Fd(), l.cmds.setlk, &lk); err != nil {
		return fmt.Errorf("error releasing file lock for %s: %w", l.file.Name(), err)
	}
	return nil
}

func (l *fcntlLocker) Close() error {
	return l.file.Close()
}

func recordLock(typ int16) unix.Flock_t {
	return unix.Flock_t{
		Type:   typ,
		Whence: int16(io.SeekStart),
		Start:  lockPosition,
		Len:    1,
	}
}

// isContention reports whether err from a non-blocking F_SETLK means the
// lock is held elsewhere. POSIX allows either EACCES or EAGAIN.
func isContention(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}
