//go:build unix && !linux

package lock

import "golang.org/x/sys/unix"

// Classic record locks belong to the process, so they never conflict between
// descriptors of one process and closing any descriptor of the file drops
// them. Waiting is done by polling.
var platformFcntlCommands = fcntlCommands{
	setlk:  unix.F_SETLK,
	setlkw: unix.F_SETLKW,
	getlk:  unix.F_GETLK,
}

func (b fcntlBackend) ExcludesWithinProcess() bool { return false }
