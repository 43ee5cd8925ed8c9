// Package lock provides advisory cross-process file locking with a bounded
// wait. On Unix it uses flock(2) whole-file locks; on other platforms it
// falls back to an in-process mutex registry keyed by canonical path, which
// is sufficient for single-process correctness but NOT for true
// multi-process safety.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"qualcore/pkg/logx"
	"qualcore/pkg/metrics"
)

var (
	// ErrTimeout indicates the lock could not be acquired before the
	// deadline. Callers must treat this as retryable, not fatal.
	ErrTimeout = errors.New("lock acquisition timed out")

	// errWouldBlock is returned by platform tryLock when the lock is held
	// by another process.
	errWouldBlock = errors.New("lock held by another process")
)

// DefaultTimeout bounds lock waits when the caller supplies no deadline.
const DefaultTimeout = 10 * time.Second

// Backoff bounds for the acquisition retry loop.
const (
	minBackoff = 10 * time.Millisecond
	maxBackoff = 500 * time.Millisecond
)

var logger = logx.NewLogger("lock")

// Handle represents a held lock. Release is idempotent and must be called
// on every exit path, normally via defer.
type Handle struct {
	path      string
	file      *os.File
	exclusive bool
	released  bool
	mu        sync.Mutex
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	return h.path
}

// Release unlocks and closes the underlying lock file. Safe to call more
// than once.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return
	}
	h.released = true

	if err := platformUnlock(h.file, h.path); err != nil {
		logger.Warn("failed to release lock on %s: %v", h.path, err)
	}
	if h.file != nil {
		_ = h.file.Close()
	}
}

// Acquire obtains an advisory lock on the sibling ".lock" file for path.
// Exclusive locks block other writers and readers; shared locks allow
// concurrent readers. The wait is bounded by the context deadline, or by
// DefaultTimeout if the context carries none.
func Acquire(ctx context.Context, path string, exclusive bool) (*Handle, error) {
	start := time.Now()
	handle, err := acquire(ctx, path, exclusive)
	metrics.ObserveLockAcquisition(exclusive, err == nil, time.Since(start))
	return handle, err
}

// AcquireTimeout is a convenience wrapper over Acquire with an explicit
// timeout.
func AcquireTimeout(path string, exclusive bool, timeout time.Duration) (*Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Acquire(ctx, path, exclusive)
}

func acquire(ctx context.Context, path string, exclusive bool) (*Handle, error) {
	lockPath := LockPath(path)

	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	// Fast path: non-blocking attempt before entering the backoff loop.
	if err := platformTryLock(file, lockPath, exclusive); err == nil {
		return &Handle{path: lockPath, file: file, exclusive: exclusive}, nil
	} else if !errors.Is(err, errWouldBlock) {
		_ = file.Close()
		return nil, fmt.Errorf("lock attempt on %s failed: %w", lockPath, err)
	}

	// Bound the wait if the caller supplied no deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s (mode=%s): %v", ErrTimeout, lockPath, modeString(exclusive), ctx.Err())
		case <-time.After(backoff):
			if err := platformTryLock(file, lockPath, exclusive); err == nil {
				return &Handle{path: lockPath, file: file, exclusive: exclusive}, nil
			} else if !errors.Is(err, errWouldBlock) {
				_ = file.Close()
				return nil, fmt.Errorf("lock attempt on %s failed: %w", lockPath, err)
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// LockPath returns the sibling lock file path used to guard the given file.
// Locking a sibling rather than the file itself keeps the lock valid across
// the atomic rename that replaces the guarded file.
func LockPath(path string) string {
	return path + ".lock"
}

func modeString(exclusive bool) string {
	if exclusive {
		return "exclusive"
	}
	return "shared"
}
