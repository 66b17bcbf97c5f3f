// Package trash deletes files that may be in use. A path that cannot be
// removed right away is renamed to a tombstone and recorded in the prefix's
// trash journal, so a later CleanTrashFiles can reclaim it.
package trash

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "prefixlock/internal/errors"
	"prefixlock/internal/filesystem"
	"prefixlock/internal/logging"
)

const (
	// JournalDir is the prefix directory holding the trash journal. Callers
	// serialize access across processes by locking it.
	JournalDir = "conda-meta"
	// JournalName is the file name of the trash journal.
	JournalName = "mamba_trash.txt"
	// TombstoneSuffix marks a path renamed for deferred deletion.
	TombstoneSuffix = ".mamba_trash"

	maxTombstoneIndex = 100
	maxRenameRetries  = 3
	retryBackoff      = 2 * time.Second
)

// Outcome is how RemoveOrRename disposed of a path.
type Outcome int

const (
	// OutcomeAbsent means the path did not exist.
	OutcomeAbsent Outcome = iota
	// OutcomeRemoved means the path was deleted.
	OutcomeRemoved
	// OutcomeTombstoned means the path was renamed and journaled.
	OutcomeTombstoned
	// OutcomeExhausted means neither deletion nor renaming succeeded.
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAbsent:
		return "absent"
	case OutcomeRemoved:
		return "removed"
	case OutcomeTombstoned:
		return "tombstoned"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result describes one RemoveOrRename call.
type Result struct {
	Outcome Outcome
	// Removed is the number of entries deleted, or 1 for a tombstoned path.
	Removed int
	// Tombstone is the new name of a tombstoned path.
	Tombstone string
}

// journalLocks serializes tombstone naming and journal writes per journal
// within this process.
var journalLocks sync.Map

func journalLock(journal string) *sync.Mutex {
	mu, _ := journalLocks.LoadOrStore(journal, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Reclaimer removes paths inside one prefix.
type Reclaimer struct {
	prefix string
	fs     filesystem.FileSystemAdapter
	log    *logging.Logger
	sleep  func(time.Duration)
}

// Option configures a Reclaimer.
type Option func(*Reclaimer)

// WithFileSystem sets the file system adapter.
func WithFileSystem(fs filesystem.FileSystemAdapter) Option {
	return func(r *Reclaimer) { r.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(r *Reclaimer) { r.log = log }
}

// WithSleep replaces the function used to back off between rename attempts.
func WithSleep(sleep func(time.Duration)) Option {
	return func(r *Reclaimer) { r.sleep = sleep }
}

// New creates a Reclaimer for prefix.
func New(prefix string, opts ...Option) *Reclaimer {
	if abs, err := filepath.Abs(prefix); err == nil {
		prefix = abs
	}
	r := &Reclaimer{
		prefix: prefix,
		fs:     filesystem.NewDefaultFileSystemAdapter(),
		log:    logging.NopLogger(),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prefix returns the prefix the journal belongs to.
func (r *Reclaimer) Prefix() string { return r.prefix }

// JournalPath returns the path of the trash journal.
func (r *Reclaimer) JournalPath() string {
	return filepath.Join(r.prefix, JournalDir, JournalName)
}

// RemoveOrRename deletes path, recursively for a directory. If deletion
// fails, path is renamed to a free tombstone name and the tombstone is
// appended to the journal. Renaming is retried with a growing back-off; a
// DeletionError is returned once the retries or the tombstone names run out.
// The caller is expected to hold the lock on the journal directory.
func (r *Reclaimer) RemoveOrRename(path string) (Result, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	exists, err := r.fs.Lexists(path)
	if err != nil {
		return Result{}, apperrors.NewFileSystemError(path, "check existence", err)
	}
	if !exists {
		return Result{Outcome: OutcomeAbsent}, nil
	}

	removed, removeErr := r.remove(path)
	if removeErr == nil {
		return Result{Outcome: OutcomeRemoved, Removed: removed}, nil
	}

	journal := r.JournalPath()
	mu := journalLock(journal)
	mu.Lock()
	defer mu.Unlock()

	cause := removeErr
	for attempt := 0; ; attempt++ {
		r.log.Info("could not remove path, file in use?", "path", path, "error", cause)

		tombstone, err := r.freeTombstone(path)
		if err != nil {
			return Result{Outcome: OutcomeExhausted}, err
		}

		cause = r.fs.Rename(path, tombstone)
		if cause == nil {
			r.record(journal, tombstone)
			return Result{Outcome: OutcomeTombstoned, Removed: 1, Tombstone: tombstone}, nil
		}

		if attempt >= maxRenameRetries {
			return Result{Outcome: OutcomeExhausted}, apperrors.NewDeletionError(path, "could not delete file", cause)
		}
		backoff := time.Duration(attempt+1) * retryBackoff
		r.log.Error("could not rename path, file in use?", "path", path, "error", cause, "sleep", backoff)
		r.sleep(backoff)
	}
}

func (r *Reclaimer) remove(path string) (int, error) {
	stats, err := r.fs.GetFileStats(path)
	if err != nil {
		return 0, err
	}
	if stats.IsDir {
		return r.fs.RemoveAll(path)
	}
	return r.fs.Remove(path)
}

// freeTombstone returns the first unused name among <path>.mamba_trash and
// <path>.<n>.mamba_trash for n below maxTombstoneIndex.
func (r *Reclaimer) freeTombstone(path string) (string, error) {
	candidate := path + TombstoneSuffix
	for n := 0; ; n++ {
		taken, err := r.fs.Lexists(candidate)
		if err != nil {
			return "", apperrors.NewFileSystemError(candidate, "check existence", err)
		}
		if !taken {
			return candidate, nil
		}
		if n >= maxTombstoneIndex {
			return "", apperrors.NewDeletionError(path, "too many existing trash files, please force clean", nil)
		}
		candidate = path + "." + strconv.Itoa(n) + TombstoneSuffix
	}
}

// record appends tombstone to the journal, relative to the prefix. A failure
// is logged: the tombstone is still found by a deep clean.
func (r *Reclaimer) record(journal, tombstone string) {
	if err := r.fs.AppendLine(journal, r.journalEntry(tombstone)); err != nil {
		r.log.Warn("failed to record tombstone in trash journal", "tombstone", tombstone, "journal", journal, "error", err)
	}
}

func (r *Reclaimer) journalEntry(path string) string {
	rel, err := filepath.Rel(r.prefix, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (r *Reclaimer) resolveEntry(entry string) string {
	p := filepath.FromSlash(entry)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.prefix, p)
}

// IsTombstone reports whether name is a tombstone file name.
func IsTombstone(name string) bool {
	return name != TombstoneSuffix && strings.HasSuffix(name, TombstoneSuffix)
}
