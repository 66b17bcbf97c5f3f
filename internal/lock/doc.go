// Package lock serializes access to filesystem paths across processes and
// within one process.
//
// A lock on a path is an exclusive advisory lock on a sidecar lock file:
// <dir>/<dirname>.lock for a directory and <path>.lock for a file. Within a
// process a Registry hands out one shared handle per path, so a path that is
// already locked by this process is locked again without a system call.
// Callers receive a reference-counted LockFile; the OS lock is released and
// the sidecar removed (when this process created it) once the last reference
// is closed.
//
// The lock is advisory: processes that never take it are not excluded.
package lock
