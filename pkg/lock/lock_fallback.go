//go:build !unix

package lock

import (
	"os"
	"path/filepath"
	"sync"
)

// Fallback locking for platforms without flock(2). Locks live in an
// in-process registry keyed by canonical lock file path. This is correct
// for concurrent goroutines within one process but provides NO protection
// against other processes; the limitation is documented on the package.
//
// Shared requests are degraded to exclusive: the registry tracks a single
// holder per path, which over-serializes readers but cannot deadlock or
// mis-release.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*sync.Mutex)
)

func registryMutex(path string) *sync.Mutex {
	canonical := path
	if abs, err := filepath.Abs(path); err == nil {
		canonical = abs
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	mu, ok := registry[canonical]
	if !ok {
		mu = &sync.Mutex{}
		registry[canonical] = mu
	}
	return mu
}

func platformTryLock(_ *os.File, path string, _ bool) error {
	if registryMutex(path).TryLock() {
		return nil
	}
	return errWouldBlock
}

func platformUnlock(_ *os.File, path string) error {
	registryMutex(path).Unlock()
	return nil
}
