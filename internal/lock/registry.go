package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sync/singleflight"

	"prefixlock/internal/config"
	apperrors "prefixlock/internal/errors"
	"prefixlock/internal/logging"
)

// Registry hands out at most one live lock handle per path in this process.
// Its maps are guarded by a single mutex which is never held across system
// calls; concurrent first acquisitions of a path are collapsed into a single
// construction.
type Registry struct {
	mu           sync.Mutex
	byPath       map[string]weak.Pointer[handle]
	byDescriptor map[uintptr]string
	group        singleflight.Group

	enabled        atomic.Bool
	backend        Backend
	executor       *Executor
	waiter         *waiter
	defaultTimeout time.Duration
	log            *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithBackend sets the OS lock backend.
func WithBackend(b Backend) Option {
	return func(r *Registry) { r.backend = b }
}

// WithTimeout sets the default acquisition timeout. 0 waits forever.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaultTimeout = d }
}

// WithPollInterval sets the retry interval of polling backends.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) { r.waiter.pollInterval = d }
}

// WithEnabled turns locking on or off.
func WithEnabled(enabled bool) Option {
	return func(r *Registry) { r.enabled.Store(enabled) }
}

// WithExecutor sets the executor that runs blocking lock calls.
func WithExecutor(e *Executor) Option {
	return func(r *Registry) {
		r.executor = e
		r.waiter.executor = e
	}
}

// withSignals replaces the signals that interrupt a wait.
func withSignals(sigs ...os.Signal) Option {
	return func(r *Registry) { r.waiter.signals = sigs }
}

// NewRegistry creates an enabled Registry using the platform's default
// backend unless options say otherwise.
func NewRegistry(opts ...Option) (*Registry, error) {
	executor := NewExecutor()
	r := &Registry{
		byPath:       make(map[string]weak.Pointer[handle]),
		byDescriptor: make(map[uintptr]string),
		executor:     executor,
		waiter:       &waiter{executor: executor, pollInterval: shortPollInterval},
		log:          logging.NopLogger(),
	}
	r.enabled.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	if r.backend == nil {
		b, err := NewBackend(config.DefaultBackend())
		if err != nil {
			return nil, err
		}
		r.backend = b
	}
	return r, nil
}

// NewRegistryFromConfig creates a Registry from the locking configuration.
func NewRegistryFromConfig(cfg config.LockingConfig, log *logging.Logger) (*Registry, error) {
	backend, err := NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	return NewRegistry(
		WithLogger(log),
		WithBackend(backend),
		WithTimeout(cfg.Timeout()),
		WithPollInterval(cfg.PollInterval()),
		WithEnabled(cfg.Enabled),
	)
}

// Enabled reports whether locking is on.
func (r *Registry) Enabled() bool { return r.enabled.Load() }

// SetEnabled turns locking on or off for subsequent acquisitions.
func (r *Registry) SetEnabled(enabled bool) { r.enabled.Store(enabled) }

// Backend returns the OS lock backend.
func (r *Registry) Backend() Backend { return r.backend }

// Executor returns the executor running blocking lock calls.
func (r *Registry) Executor() *Executor { return r.executor }

// DefaultTimeout returns the timeout used by Acquire.
func (r *Registry) DefaultTimeout() time.Duration { return r.defaultTimeout }

// Acquire locks path using the default timeout.
func (r *Registry) Acquire(ctx context.Context, path string) (*LockFile, error) {
	return r.AcquireWithTimeout(ctx, path, r.defaultTimeout)
}

// AcquireWithTimeout locks path, waiting at most timeout for other holders.
// A timeout of 0 waits until the lock is obtained or the wait is
// interrupted. When locking is disabled it returns a LockFile holding no lock
// and performs no system call.
//
// Concurrent callers for the same path share one construction, but each one
// waits only within its own ctx and timeout. A caller whose shared
// construction failed because of another caller's budget tries again with
// what remains of its own.
func (r *Registry) AcquireWithTimeout(ctx context.Context, path string, timeout time.Duration) (*LockFile, error) {
	if !r.Enabled() {
		return &LockFile{}, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, apperrors.NewLockAcquisitionError(path, "could not resolve path", err)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		remaining, expired := remainingUntil(deadline)
		if expired {
			return nil, apperrors.NewLockAcquisitionError(abs, "timed out waiting for lock", ErrLockTimeout)
		}

		h, closing := r.retain(abs)
		if h != nil {
			r.log.Debug("path already locked by this process", "path", abs)
			return newLockFile(r, h), nil
		}
		if closing != nil {
			if err := waitWithin(ctx, deadline, closing); err != nil {
				return nil, apperrors.NewLockAcquisitionError(abs, waitDetails(err), err)
			}
			continue
		}

		ran := false
		ch := r.group.DoChan(abs, func() (any, error) {
			ran = true
			if h, closing := r.lookup(abs); h != nil || closing != nil {
				return nil, nil
			}
			h, err := newHandle(ctx, r.backend, r.waiter, abs, remaining, r.log)
			if err != nil {
				return nil, err
			}
			r.register(h)
			return h, nil
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			go r.releaseUnclaimed(ch)
			err := fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
			return nil, apperrors.NewLockAcquisitionError(abs, waitDetails(err), err)
		case <-expiry(deadline):
			go r.releaseUnclaimed(ch)
			return nil, apperrors.NewLockAcquisitionError(abs, "timed out waiting for lock", ErrLockTimeout)
		}

		if res.Err != nil {
			if !ran && causedByOtherCaller(res.Err) {
				r.log.Debug("shared lock attempt gave up, retrying", "path", abs, "error", res.Err)
				continue
			}
			return nil, res.Err
		}
		if h, _ := res.Val.(*handle); h != nil {
			if r.retainHandle(h) {
				return newLockFile(r, h), nil
			}
		}
	}
}

// releaseUnclaimed waits for a construction its caller stopped waiting for
// and drops the handle if no other caller took a reference.
func (r *Registry) releaseUnclaimed(ch <-chan singleflight.Result) {
	res := <-ch
	h, _ := res.Val.(*handle)
	if h == nil {
		return
	}
	if r.retainHandle(h) {
		_ = r.release(h)
	}
}

// causedByOtherCaller reports whether err ended a construction run on behalf
// of another caller because that caller's timeout or context expired. Signal
// interruptions apply to every caller.
func causedByOtherCaller(err error) bool {
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	return errors.Is(err, ErrInterrupted) &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func waitDetails(err error) string {
	if errors.Is(err, ErrLockTimeout) {
		return "timed out waiting for lock"
	}
	return "wait interrupted"
}

// remainingUntil returns the time left before deadline; a zero deadline never
// expires and yields 0.
func remainingUntil(deadline time.Time) (time.Duration, bool) {
	if deadline.IsZero() {
		return 0, false
	}
	remaining := time.Until(deadline)
	return remaining, remaining <= 0
}

// expiry returns a channel that fires at deadline, or nil for a zero deadline.
func expiry(deadline time.Time) <-chan time.Time {
	if deadline.IsZero() {
		return nil
	}
	return time.After(time.Until(deadline))
}

func waitWithin(ctx context.Context, deadline time.Time, released <-chan struct{}) error {
	select {
	case <-released:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-expiry(deadline):
		return ErrLockTimeout
	}
}

// lookup returns the live handle for path, or the release channel of a
// handle that is still being unlocked. Expired entries are evicted.
func (r *Registry) lookup(path string) (*handle, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(path)
}

func (r *Registry) lookupLocked(path string) (*handle, <-chan struct{}) {
	wp, ok := r.byPath[path]
	if !ok {
		return nil, nil
	}
	h := wp.Value()
	if h == nil {
		delete(r.byPath, path)
		r.evictDescriptorsLocked(path)
		return nil, nil
	}
	if h.closed {
		return nil, h.released
	}
	return h, nil
}

// retain takes a reference on the live handle for path.
func (r *Registry) retain(path string) (*handle, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, closing := r.lookupLocked(path)
	if h != nil {
		h.refs++
	}
	return h, closing
}

// retainHandle takes a reference on h unless its last reference is already
// gone.
func (r *Registry) retainHandle(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.closed {
		return false
	}
	h.refs++
	return true
}

func (r *Registry) register(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPath[h.path] = weak.Make(h)
	r.byDescriptor[h.fd] = h.path
}

func (r *Registry) evictDescriptorsLocked(path string) {
	for fd, p := range r.byDescriptor {
		if p == path {
			delete(r.byDescriptor, fd)
		}
	}
}

// release drops one reference to h and unlocks it when none remain.
func (r *Registry) release(h *handle) error {
	r.mu.Lock()
	h.refs--
	if h.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	h.closed = true
	r.mu.Unlock()

	err := h.unlock()

	r.mu.Lock()
	if wp, ok := r.byPath[h.path]; ok && wp.Value() == h {
		delete(r.byPath, h.path)
	}
	if p, ok := r.byDescriptor[h.fd]; ok && p == h.path {
		delete(r.byDescriptor, h.fd)
	}
	close(h.released)
	r.mu.Unlock()
	return err
}

// IsLocked reports whether this process currently holds the lock on path.
// The answer is a snapshot.
func (r *Registry) IsLocked(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	h, _ := r.lookup(abs)
	return h != nil
}

// IsDescriptorLocked reports whether fd is the lock descriptor of a handle
// this process holds.
func (r *Registry) IsDescriptorLocked(fd uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.byDescriptor[fd]
	if !ok {
		return false
	}
	h, _ := r.lookupLocked(path)
	return h != nil && h.fd == fd
}

// IsFileLocked reports whether the lock file f is locked, by this process or
// by another one. This process's registry is consulted first; otherwise the
// OS is asked about f. Classic record locks held by this process through a
// handle the registry does not know are invisible to that query.
func (r *Registry) IsFileLocked(f *os.File) (bool, error) {
	if r.IsDescriptorLocked(f.Fd()) {
		return true, nil
	}
	held, pid, err := r.backend.Query(f)
	if err != nil {
		return false, err
	}
	if held && pid == os.Getpid() {
		r.log.Warn("lock file is locked by this process but not registered", "lockfile", f.Name())
	}
	return held, nil
}

// ProbeResult is the lock state of a path.
type ProbeResult struct {
	Path         string
	LockfilePath string
	Locked       bool
	// HeldByThisProcess is true when this registry holds the lock.
	HeldByThisProcess bool
	// HolderPID is the holding process when the OS reports it.
	HolderPID int
}

// Probe reports whether path is locked by this process or another one. A
// path whose lock file does not exist is unlocked.
func (r *Registry) Probe(path string) (ProbeResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ProbeResult{Path: path}, err
	}
	res := ProbeResult{Path: abs, LockfilePath: LockfilePathFor(abs)}
	if h, _ := r.lookup(abs); h != nil {
		res.Locked = true
		res.HeldByThisProcess = true
		res.HolderPID = os.Getpid()
		return res, nil
	}

	f, err := os.Open(res.LockfilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, apperrors.NewFileSystemError(res.LockfilePath, "open lock file", err)
	}
	defer f.Close()

	held, pid, err := r.backend.Query(f)
	if err != nil {
		return res, apperrors.NewFileSystemError(res.LockfilePath, "query lock", err)
	}
	res.Locked = held
	res.HolderPID = pid
	if held && pid == os.Getpid() {
		r.log.Warn("lock file is locked by this process but not registered", "lockfile", res.LockfilePath)
	}
	return res, nil
}
