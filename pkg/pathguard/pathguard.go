// Package pathguard validates that file paths used by the engine resolve
// inside a declared project root. It rejects directory traversal and
// null-byte injection before any file handle is opened.
package pathguard

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrOutsideRoot indicates a path that resolves outside the project root.
	ErrOutsideRoot = errors.New("path resolves outside project root")

	// ErrInvalidPath indicates a syntactically unacceptable path.
	ErrInvalidPath = errors.New("invalid path")
)

// Guard validates paths against a single project root.
type Guard struct {
	root string
}

// NewGuard creates a guard rooted at the given project directory.
// The root is converted to an absolute, cleaned path once at construction.
func NewGuard(projectRoot string) (*Guard, error) {
	if projectRoot == "" {
		return nil, fmt.Errorf("%w: project root cannot be empty", ErrInvalidPath)
	}
	if strings.ContainsRune(projectRoot, 0) {
		return nil, fmt.Errorf("%w: project root contains null byte", ErrInvalidPath)
	}

	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root %s: %w", projectRoot, err)
	}

	return &Guard{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute project root this guard validates against.
func (g *Guard) Root() string {
	return g.root
}

// Resolve validates a path relative to the project root and returns its
// absolute form. Absolute inputs are accepted only if they are already
// inside the root.
func (g *Guard) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path cannot be empty", ErrInvalidPath)
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: path contains null byte", ErrInvalidPath)
	}

	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Join(g.root, path)
	}

	// Rel is the authoritative containment check: Clean+Join alone can be
	// fooled by ".." segments that survive joining.
	rel, err := filepath.Rel(g.root, candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	return candidate, nil
}

// Check validates a path without returning the resolved form.
func (g *Guard) Check(path string) error {
	_, err := g.Resolve(path)
	return err
}
