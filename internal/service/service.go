package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"prefixlock/internal/config"
	"prefixlock/internal/errors"
	"prefixlock/internal/filesystem"
	"prefixlock/internal/lock"
	"prefixlock/internal/logging"
	"prefixlock/internal/models"
	"prefixlock/internal/trash"
)

// LockRegistry is the part of lock.Registry the service depends on.
type LockRegistry interface {
	Acquire(ctx context.Context, path string) (*lock.LockFile, error)
	AcquireWithTimeout(ctx context.Context, path string, timeout time.Duration) (*lock.LockFile, error)
	Probe(path string) (lock.ProbeResult, error)
	Enabled() bool
	Backend() lock.Backend
}

// PrefixService defines the operations exposed by the command line.
type PrefixService interface {
	LockPath(ctx context.Context, path string, timeout time.Duration) (*lock.LockFile, error)
	Status(req models.LockStatusRequest) (*models.LockStatusResponse, error)
	RemovePaths(ctx context.Context, req models.RemoveRequest) (*models.RemoveResponse, error)
	CleanTrash(ctx context.Context, req models.CleanTrashRequest) (*models.CleanTrashResponse, error)
}

// DefaultPrefixService implements PrefixService on top of a lock registry and
// the trash reclaimer.
type DefaultPrefixService struct {
	fsAdapter filesystem.FileSystemAdapter
	registry  LockRegistry
	log       *logging.Logger
	prefix    string
	sleep     func(time.Duration)
}

// Option configures a DefaultPrefixService.
type Option func(*DefaultPrefixService)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *DefaultPrefixService) { s.log = log }
}

// WithSleep replaces the back-off sleep of the trash reclaimer.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *DefaultPrefixService) { s.sleep = sleep }
}

// NewDefaultPrefixService creates a new DefaultPrefixService. cfg.Prefix is
// used when a request names no prefix.
func NewDefaultPrefixService(
	fs filesystem.FileSystemAdapter,
	registry LockRegistry,
	cfg *config.Config,
	opts ...Option,
) (*DefaultPrefixService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if fs == nil {
		return nil, fmt.Errorf("filesystem adapter is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("lock registry is required")
	}
	s := &DefaultPrefixService{
		fsAdapter: fs,
		registry:  registry,
		log:       logging.NopLogger(),
		prefix:    cfg.Prefix,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LockPath locks path. A negative timeout selects the registry's default.
func (s *DefaultPrefixService) LockPath(ctx context.Context, path string, timeout time.Duration) (*lock.LockFile, error) {
	if path == "" {
		return nil, errors.NewInvalidParamsError("", "path is required")
	}
	if timeout < 0 {
		return s.registry.Acquire(ctx, path)
	}
	return s.registry.AcquireWithTimeout(ctx, path, timeout)
}

// Status reports the lock state of each requested path.
func (s *DefaultPrefixService) Status(req models.LockStatusRequest) (*models.LockStatusResponse, error) {
	if len(req.Paths) == 0 {
		return nil, errors.NewInvalidParamsError("", "at least one path is required")
	}
	resp := &models.LockStatusResponse{
		LockingEnabled: s.registry.Enabled(),
		Backend:        s.registry.Backend().Name(),
	}
	for _, path := range req.Paths {
		res, err := s.registry.Probe(path)
		status := models.LockStatus{
			Path:              res.Path,
			LockfilePath:      res.LockfilePath,
			Locked:            res.Locked,
			HeldByThisProcess: res.HeldByThisProcess,
			HolderPID:         res.HolderPID,
		}
		if err != nil {
			status.Error = err.Error()
		}
		resp.Statuses = append(resp.Statuses, status)
	}
	return resp, nil
}

// RemovePaths deletes each requested path under the prefix while holding the
// lock on the prefix's conda-meta directory. Paths that are in use are moved
// to the trash. Every path is attempted; the returned error joins the
// per-path failures.
func (s *DefaultPrefixService) RemovePaths(ctx context.Context, req models.RemoveRequest) (*models.RemoveResponse, error) {
	prefix, err := s.resolvePrefix(req.Prefix)
	if err != nil {
		return nil, err
	}
	if len(req.Paths) == 0 {
		return nil, errors.NewInvalidParamsError("", "at least one path is required")
	}

	lf, err := s.lockJournalDir(ctx, prefix)
	if err != nil {
		return nil, err
	}
	defer lf.Close()

	reclaimer := s.reclaimer(prefix)
	resp := &models.RemoveResponse{Prefix: prefix}
	var failures []error
	for _, p := range req.Paths {
		entry := models.RemovedPath{Path: p}
		target, err := s.resolveInPrefix(prefix, p)
		if err != nil {
			entry.Outcome = trash.OutcomeExhausted.String()
			entry.Error = err.Error()
			resp.Failed++
			failures = append(failures, err)
			resp.Results = append(resp.Results, entry)
			continue
		}
		entry.Path = target

		res, err := reclaimer.RemoveOrRename(target)
		entry.Outcome = res.Outcome.String()
		entry.Removed = res.Removed
		entry.Tombstone = res.Tombstone
		switch {
		case err != nil:
			entry.Outcome = trash.OutcomeExhausted.String()
			entry.Error = err.Error()
			resp.Failed++
			failures = append(failures, err)
		case res.Outcome == trash.OutcomeTombstoned:
			resp.Tombstoned++
		case res.Outcome == trash.OutcomeRemoved:
			resp.Removed += res.Removed
		}
		resp.Results = append(resp.Results, entry)
	}
	s.log.Info("remove finished", "prefix", prefix, "removed", resp.Removed, "tombstoned", resp.Tombstoned, "failed", resp.Failed)
	return resp, errors.Join(failures...)
}

// CleanTrash deletes tombstones under the prefix while holding the lock on
// the prefix's conda-meta directory.
func (s *DefaultPrefixService) CleanTrash(ctx context.Context, req models.CleanTrashRequest) (*models.CleanTrashResponse, error) {
	prefix, err := s.resolvePrefix(req.Prefix)
	if err != nil {
		return nil, err
	}

	lf, err := s.lockJournalDir(ctx, prefix)
	if err != nil {
		return nil, err
	}
	defer lf.Close()

	reclaimer := s.reclaimer(prefix)
	deleted, err := reclaimer.CleanTrashFiles(req.Deep)
	if err != nil {
		return nil, err
	}

	resp := &models.CleanTrashResponse{Prefix: prefix, Deep: req.Deep, Deleted: deleted, Remaining: []string{}}
	journal := reclaimer.JournalPath()
	if exists, _ := s.fsAdapter.FileExists(journal); exists {
		remaining, err := s.fsAdapter.ReadLines(journal)
		if err != nil {
			return nil, errors.NewFileSystemError(journal, "read trash journal", err)
		}
		resp.Remaining = remaining
	}
	return resp, nil
}

func (s *DefaultPrefixService) reclaimer(prefix string) *trash.Reclaimer {
	return trash.New(prefix,
		trash.WithFileSystem(s.fsAdapter),
		trash.WithLogger(s.log),
		trash.WithSleep(s.sleep),
	)
}

// lockJournalDir locks <prefix>/conda-meta, creating it if needed.
func (s *DefaultPrefixService) lockJournalDir(ctx context.Context, prefix string) (*lock.LockFile, error) {
	dir := filepath.Join(prefix, trash.JournalDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewFileSystemError(dir, "create directory", err)
	}
	return s.registry.Acquire(ctx, dir)
}

func (s *DefaultPrefixService) resolvePrefix(prefix string) (string, error) {
	if prefix == "" {
		prefix = s.prefix
	}
	if prefix == "" {
		return "", errors.NewInvalidParamsError("", "prefix is required")
	}
	abs, err := filepath.Abs(prefix)
	if err != nil {
		return "", errors.NewFileSystemError(prefix, "resolve prefix", err)
	}
	stats, err := s.fsAdapter.GetFileStats(abs)
	if err != nil {
		return "", errors.NewFileSystemError(abs, "stat prefix", err)
	}
	if !stats.IsDir {
		return "", errors.NewInvalidParamsError(abs, "prefix is not a directory")
	}
	return abs, nil
}

// resolveInPrefix returns the absolute path of p, which may be relative to
// the prefix. Paths that leave the prefix, directly or through a symlinked
// parent directory, are rejected. The final component is not resolved so a
// symlink is removed itself rather than its target.
func (s *DefaultPrefixService) resolveInPrefix(prefix, p string) (string, error) {
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(prefix, target)
	}
	target = filepath.Clean(target)
	if target == prefix || !isWithin(prefix, target) {
		return "", errors.NewInvalidParamsError(p, "path is outside the prefix")
	}

	realPrefix, err := s.fsAdapter.EvalSymlinks(prefix)
	if err != nil {
		return "", errors.NewFileSystemError(prefix, "resolve prefix", err)
	}
	parent := filepath.Dir(target)
	realParent, err := s.fsAdapter.EvalSymlinks(parent)
	if err != nil {
		// A missing parent means the path is absent; nothing can escape.
		if exists, _ := s.fsAdapter.Lexists(parent); !exists {
			return target, nil
		}
		return "", errors.NewFileSystemError(parent, "resolve path", err)
	}
	if realParent != realPrefix && !isWithin(realPrefix, realParent) {
		return "", errors.NewInvalidParamsError(p, "path is outside the prefix")
	}
	return target, nil
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
