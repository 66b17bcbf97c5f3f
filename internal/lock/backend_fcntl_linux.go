package lock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Open file description locks conflict between descriptors of the same
// process and survive the closing of duplicated descriptors, so the blocking
// wait can run on a dup that the waiter goroutine owns.
var platformFcntlCommands = fcntlCommands{
	setlk:  unix.F_OFD_SETLK,
	setlkw: unix.F_OFD_SETLKW,
	getlk:  unix.F_OFD_GETLK,
}

func (b fcntlBackend) ExcludesWithinProcess() bool { return true }

func (l *fcntlLocker) blockingCall() (*blockingCall, error) {
	fd, err := unix.Dup(int(l.file.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate lock descriptor for %s: %w", l.file.Name(), err)
	}
	setlkw := l.cmds.setlkw
	setlk := l.cmds.setlk
	return &blockingCall{
		lock: func() error {
			lk := recordLock(unix.F_WRLCK)
			for {
				err := unix.FcntlFlock(uintptr(fd), setlkw, &lk)
				if !errors.Is(err, unix.EINTR) {
					return err
				}
			}
		},
		unlock: func() {
			lk := recordLock(unix.F_UNLCK)
			_ = unix.FcntlFlock(uintptr(fd), setlk, &lk)
		},
		close: func() { _ = unix.Close(fd) },
	}, nil
}
