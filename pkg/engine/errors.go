package engine

import (
	"errors"
	"fmt"

	"qualcore/pkg/lock"
	"qualcore/pkg/phase"
	"qualcore/pkg/state"
)

// ErrValidation marks bad caller input. Validation failures are never
// retried automatically.
var ErrValidation = errors.New("validation error")

// validationf wraps a formatted message with ErrValidation for errors.Is.
func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Exit codes for CLI wrappers.
const (
	ExitOK              = 0
	ExitValidationError = 1
	ExitLockTimeout     = 2
	ExitCorruptState    = 3
)

// ExitCode maps an operation error to the CLI exit code contract. Lock
// timeouts are retryable; corrupt state requires manual recovery; everything
// else is treated as a user or environment error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, lock.ErrTimeout):
		return ExitLockTimeout
	case errors.Is(err, state.ErrCorruptState):
		return ExitCorruptState
	default:
		return ExitValidationError
	}
}

// Explain renders an operation error the way an interactive caller should
// see it.
func Explain(err error, backupPath string) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, lock.ErrTimeout):
		return "another process holds the project lock; try again"
	case errors.Is(err, state.ErrCorruptState):
		return fmt.Sprintf("state file needs manual review; backup at %s", backupPath)
	case phase.IsInvalidTransition(err):
		return err.Error()
	default:
		return err.Error()
	}
}
