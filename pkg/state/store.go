package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"qualcore/pkg/lock"
	"qualcore/pkg/logx"
	"qualcore/pkg/metrics"
)

// BackupSuffix is appended to the state path for the rolling backup copy.
const BackupSuffix = ".bak"

// Store loads and saves ProjectState documents atomically. Saves write to a
// sibling temp file and rename into place, so a concurrent reader sees the
// fully-old or fully-new document, never a partial write. All access goes
// through the cross-process file lock.
type Store struct {
	lockTimeout time.Duration
	phases      []string
	logger      *logx.Logger

	// Same-process cache keyed by absolute path, invalidated when the file's
	// mtime or size changes.
	cacheMu sync.Mutex
	cache   map[string]*cacheEntry
}

type cacheEntry struct {
	state *ProjectState
	mtime time.Time
	size  int64
}

// NewStore creates a state store with the given lock acquisition timeout.
func NewStore(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = lock.DefaultTimeout
	}
	return &Store{
		lockTimeout: lockTimeout,
		phases:      DefaultPhaseOrder(),
		logger:      logx.NewLogger("store"),
		cache:       make(map[string]*cacheEntry),
	}
}

// SetPhaseLabels replaces the phase vocabulary validation accepts, for
// projects configured with custom phase labels. Call before any Load or
// Save.
func (st *Store) SetPhaseLabels(labels []string) {
	if len(labels) > 0 {
		st.phases = labels
	}
}

// Load reads and validates the state document under a shared lock.
// Returns ErrNotFound if no document exists and ErrCorruptState if the
// document fails structural validation.
func (st *Store) Load(ctx context.Context, path string) (*ProjectState, error) {
	ctx, cancel := context.WithTimeout(ctx, st.lockTimeout)
	defer cancel()

	handle, err := lock.Acquire(ctx, path, false)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	return st.loadLocked(path)
}

// Save validates and persists the state document under an exclusive lock.
// A rolling backup of the previous document is written first.
func (st *Store) Save(ctx context.Context, path string, s *ProjectState) error {
	ctx, cancel := context.WithTimeout(ctx, st.lockTimeout)
	defer cancel()

	handle, err := lock.Acquire(ctx, path, true)
	if err != nil {
		return err
	}
	defer handle.Release()

	return st.saveLocked(path, s)
}

// Create persists a fresh state document, failing if one already exists.
func (st *Store) Create(ctx context.Context, path string, s *ProjectState) error {
	ctx, cancel := context.WithTimeout(ctx, st.lockTimeout)
	defer cancel()

	handle, err := lock.Acquire(ctx, path, true)
	if err != nil {
		return err
	}
	defer handle.Release()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("state file already exists at %s", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return st.saveLocked(path, s)
}

// Mutate runs one lost-update-safe transaction: it acquires the exclusive
// lock, loads fresh state (never a pre-lock snapshot), applies fn, and saves
// the result. If fn returns an error nothing is persisted.
func (st *Store) Mutate(ctx context.Context, path string, fn func(*ProjectState) error) (*ProjectState, error) {
	ctx, cancel := context.WithTimeout(ctx, st.lockTimeout)
	defer cancel()

	handle, err := lock.Acquire(ctx, path, true)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	s, err := st.loadLocked(path)
	if err != nil {
		return nil, err
	}

	if err := fn(s); err != nil {
		return nil, err
	}

	if err := st.saveLocked(path, s); err != nil {
		return nil, err
	}

	return s, nil
}

// RecoverFromBackup replaces a corrupt state file with its rolling backup.
// The corrupt document is preserved alongside for manual review.
func (st *Store) RecoverFromBackup(ctx context.Context, path string) (*ProjectState, error) {
	ctx, cancel := context.WithTimeout(ctx, st.lockTimeout)
	defer cancel()

	handle, err := lock.Acquire(ctx, path, true)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	backupPath := path + BackupSuffix
	data, err := os.ReadFile(backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no backup available at %s: %w", backupPath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read backup %s: %w", backupPath, err)
	}

	var recovered ProjectState
	if err := json.Unmarshal(data, &recovered); err != nil {
		return nil, fmt.Errorf("%w: backup %s is also unreadable: %v", ErrCorruptState, backupPath, err)
	}
	if err := ValidateWithPhases(&recovered, st.phases); err != nil {
		return nil, fmt.Errorf("%w: backup %s fails validation: %v", ErrCorruptState, backupPath, err)
	}

	// Keep the corrupt document for review before overwriting it.
	if _, err := os.Stat(path); err == nil {
		corruptPath := path + ".corrupt"
		if err := os.Rename(path, corruptPath); err != nil {
			return nil, fmt.Errorf("failed to set aside corrupt state file: %w", err)
		}
		st.logger.Warn("corrupt state file moved to %s", corruptPath)
	}

	if err := st.saveLocked(path, &recovered); err != nil {
		return nil, err
	}

	st.logger.Info("state recovered from backup %s", backupPath)
	return &recovered, nil
}

// InvalidateCache drops any cached copy for the path. Used by tests and by
// callers that modify the file outside the store.
func (st *Store) InvalidateCache(path string) {
	abs := absPath(path)
	st.cacheMu.Lock()
	defer st.cacheMu.Unlock()
	delete(st.cache, abs)
}

// loadLocked reads the document assuming the caller holds the file lock.
func (st *Store) loadLocked(path string) (*ProjectState, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	abs := absPath(path)

	// Serve from cache when the file has not changed since the cached read.
	// Size is compared alongside mtime to catch rewrites that land within
	// the filesystem's timestamp granularity.
	st.cacheMu.Lock()
	if entry, ok := st.cache[abs]; ok && entry.mtime.Equal(info.ModTime()) && entry.size == info.Size() {
		st.cacheMu.Unlock()
		return entry.state.Clone()
	}
	st.cacheMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var s ProjectState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	if err := ValidateWithPhases(&s, st.phases); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}

	cached, err := s.Clone()
	if err != nil {
		return nil, err
	}
	st.cacheMu.Lock()
	st.cache[abs] = &cacheEntry{state: cached, mtime: info.ModTime(), size: info.Size()}
	st.cacheMu.Unlock()

	return &s, nil
}

// saveLocked persists the document assuming the caller holds the exclusive
// lock: rolling backup, temp-file write, fsync, atomic rename.
func (st *Store) saveLocked(path string, s *ProjectState) error {
	start := time.Now()

	if err := ValidateWithPhases(s, st.phases); err != nil {
		metrics.ObserveStateSave(false, 0)
		return fmt.Errorf("refusing to persist invalid state: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		metrics.ObserveStateSave(false, 0)
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		metrics.ObserveStateSave(false, 0)
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Rolling backup of the previous document before it is replaced.
	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+BackupSuffix, prev, 0o644); err != nil {
			st.logger.Warn("failed to write backup for %s: %v", path, err)
		}
	} else if !os.IsNotExist(err) {
		metrics.ObserveStateSave(false, 0)
		return fmt.Errorf("failed to read existing state for backup: %w", err)
	}

	tempPath := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.tmp-%d", filepath.Base(path), os.Getpid()))
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		metrics.ObserveStateSave(false, 0)
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		metrics.ObserveStateSave(false, 0)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		metrics.ObserveStateSave(false, 0)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		metrics.ObserveStateSave(false, 0)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		metrics.ObserveStateSave(false, 0)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}

	// Refresh the cache with the just-written document.
	if info, err := os.Stat(path); err == nil {
		if cached, cerr := s.Clone(); cerr == nil {
			st.cacheMu.Lock()
			st.cache[absPath(path)] = &cacheEntry{state: cached, mtime: info.ModTime(), size: info.Size()}
			st.cacheMu.Unlock()
		}
	}

	metrics.ObserveStateSave(true, time.Since(start))
	st.logger.Debug("state saved to %s (%d bytes)", path, len(data))
	return nil
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// IsNotFound reports whether err indicates a missing state document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorrupt reports whether err indicates a corrupt state document.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptState)
}
