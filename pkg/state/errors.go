package state

import "errors"

var (
	// ErrNotFound indicates no state document exists at the path.
	ErrNotFound = errors.New("state file not found")

	// ErrCorruptState indicates the persisted document failed structural
	// validation. Surfaced loudly, never auto-repaired; callers may offer
	// recovery from the rolling backup.
	ErrCorruptState = errors.New("state file is corrupt")
)
