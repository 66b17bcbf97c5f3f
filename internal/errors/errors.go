// Package errors defines the error codes and error types shared by the lock,
// trash and service layers, and the helpers that turn them into exit codes
// and JSON error details for the command line.
package errors

import (
	"errors"
	"fmt"
	"os"

	"prefixlock/internal/models"
)

// Re-exported so callers only need this package for error handling.
var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Application error codes. The numbering follows the JSON-RPC server error
// range so the codes stay stable in machine readable output.
const (
	CodeInvalidParams = -32602
	CodeInternalError = -32603

	// CodeFileSystemError is a generic code for file system related issues.
	CodeFileSystemError = -32001

	// CodeLockAcquisition indicates a lock on a path could not be acquired.
	CodeLockAcquisition = -32002

	// CodeDeletion indicates a path could neither be deleted nor moved to the trash.
	CodeDeletion = -32003

	// CodeNotLocked is returned by accessors of a lock file obtained while
	// locking was disabled.
	CodeNotLocked = -32004
)

// Process exit codes used by the command line.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitUsage           = 2
	ExitLockFailed      = 3
	ExitDeletionFailed  = 4
	ExitFileSystemError = 5
)

// ErrNotLocked is returned when a lock file accessor is used on a handle that
// holds no lock because locking is disabled.
var ErrNotLocked = New("path is not locked")

// LockAcquisitionError is fatal to the requested operation: the target path
// does not exist, the lock file cannot be opened, or the lock could not be
// obtained within the timeout.
type LockAcquisitionError struct {
	Path    string
	Details string
	Err     error
}

// NewLockAcquisitionError creates a LockAcquisitionError for path.
func NewLockAcquisitionError(path, details string, err error) *LockAcquisitionError {
	return &LockAcquisitionError{Path: path, Details: details, Err: err}
}

func (e *LockAcquisitionError) Error() string {
	msg := fmt.Sprintf("lock acquisition failed for '%s': %s", e.Path, e.Details)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LockAcquisitionError) Unwrap() error { return e.Err }

// Remedy returns a suggestion for the user.
func (e *LockAcquisitionError) Remedy() string {
	return "increase locking.timeout, or remove the stale lock file if no other process is using the path"
}

// DeletionError is raised only once the tombstone fallback has exhausted its
// naming or retry budget.
type DeletionError struct {
	Path    string
	Details string
	Err     error
}

// NewDeletionError creates a DeletionError for path.
func NewDeletionError(path, details string, err error) *DeletionError {
	return &DeletionError{Path: path, Details: details, Err: err}
}

func (e *DeletionError) Error() string {
	msg := fmt.Sprintf("%s '%s'", e.Details, e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeletionError) Unwrap() error { return e.Err }

// Remedy returns a suggestion for the user.
func (e *DeletionError) Remedy() string {
	return "close programs using the file, then run 'prefixlock clean-trash --deep'"
}

// InvalidParamsError reports a request the caller must fix, such as a path
// outside the prefix.
type InvalidParamsError struct {
	Path    string
	Message string
}

// NewInvalidParamsError creates an InvalidParamsError.
func NewInvalidParamsError(path, message string) *InvalidParamsError {
	return &InvalidParamsError{Path: path, Message: message}
}

func (e *InvalidParamsError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: '%s'", e.Message, e.Path)
}

// FileSystemError wraps an unexpected file system failure with the operation
// that triggered it.
type FileSystemError struct {
	Path      string
	Operation string
	Err       error
}

// NewFileSystemError creates a FileSystemError.
func NewFileSystemError(path, operation string, err error) *FileSystemError {
	return &FileSystemError{Path: path, Operation: operation, Err: err}
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s '%s': %v", e.Operation, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error { return e.Err }

// Code returns the application error code for err.
func Code(err error) int {
	var lockErr *LockAcquisitionError
	var delErr *DeletionError
	var fsErr *FileSystemError
	var paramsErr *InvalidParamsError
	switch {
	case err == nil:
		return 0
	case As(err, &paramsErr):
		return CodeInvalidParams
	case As(err, &lockErr):
		return CodeLockAcquisition
	case As(err, &delErr):
		return CodeDeletion
	case Is(err, ErrNotLocked):
		return CodeNotLocked
	case As(err, &fsErr):
		return CodeFileSystemError
	default:
		return CodeInternalError
	}
}

// ExitCode maps an error to the process exit code used by the command line.
func ExitCode(err error) int {
	switch Code(err) {
	case 0:
		return ExitOK
	case CodeLockAcquisition, CodeNotLocked:
		return ExitLockFailed
	case CodeDeletion:
		return ExitDeletionFailed
	case CodeFileSystemError:
		return ExitFileSystemError
	case CodeInvalidParams:
		return ExitUsage
	default:
		return ExitFailure
	}
}

// RemedyFor returns the remedy attached to err, or "".
func RemedyFor(err error) string {
	var r interface{ Remedy() string }
	if As(err, &r) {
		return r.Remedy()
	}
	return ""
}

// ToErrorDetail converts err into the JSON error detail printed by the
// command line in --json mode.
func ToErrorDetail(err error) *models.ErrorDetail {
	if err == nil {
		return nil
	}
	data := map[string]interface{}{}
	var lockErr *LockAcquisitionError
	var delErr *DeletionError
	var fsErr *FileSystemError
	var paramsErr *InvalidParamsError
	switch {
	case As(err, &paramsErr):
		data["path"] = paramsErr.Path
	case As(err, &lockErr):
		data["path"] = lockErr.Path
	case As(err, &delErr):
		data["path"] = delErr.Path
	case As(err, &fsErr):
		data["path"] = fsErr.Path
		data["operation"] = fsErr.Operation
		data["type"] = fileSystemErrorType(fsErr.Err)
	}
	if remedy := RemedyFor(err); remedy != "" {
		data["remedy"] = remedy
	}
	detail := &models.ErrorDetail{
		Code:    Code(err),
		Message: err.Error(),
	}
	// A nil map in Data would still encode as "data": null.
	if len(data) > 0 {
		detail.Data = data
	}
	return detail
}

func fileSystemErrorType(err error) string {
	switch {
	case Is(err, os.ErrNotExist):
		return "file_not_found"
	case Is(err, os.ErrPermission):
		return "permission_denied"
	default:
		return "io_error"
	}
}
