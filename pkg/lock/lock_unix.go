//go:build unix

package lock

import (
	"errors"
	"os"
	"syscall"
)

// platformTryLock attempts a non-blocking flock(2) on the file.
func platformTryLock(file *os.File, _ string, exclusive bool) error {
	lockType := syscall.LOCK_SH
	if exclusive {
		lockType = syscall.LOCK_EX
	}

	err := syscall.Flock(int(file.Fd()), lockType|syscall.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return errWouldBlock
	}
	return err
}

// platformUnlock releases the flock. The lock is also released implicitly
// when the file descriptor closes, but we unlock explicitly so release
// failures are observable.
func platformUnlock(file *os.File, _ string) error {
	if file == nil {
		return nil
	}
	return syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
}
