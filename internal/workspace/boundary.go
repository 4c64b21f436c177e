// Package workspace decides whether filesystem paths fall inside the
// roots a subprocess is permitted to operate within.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned when a path resolves outside every
// permitted root.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// Boundary is a set of permitted workspace roots. It is nil-safe: a
// nil *Boundary has no roots and rejects every path.
type Boundary struct {
	roots   []string
	trusted bool
}

// New creates a Boundary from root directories. Home directory tildes
// are expanded and relative roots are made absolute. Empty entries are
// skipped. trusted records whether the workspace may launch external
// tool servers.
func New(roots []string, trusted bool) (*Boundary, error) {
	b := &Boundary{trusted: trusted}
	for _, r := range roots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		abs, err := filepath.Abs(expandHome(r))
		if err != nil {
			return nil, fmt.Errorf("resolve workspace root %q: %w", r, err)
		}
		b.roots = append(b.roots, filepath.Clean(abs))
	}
	return b, nil
}

// Roots returns the permitted roots in configuration order.
func (b *Boundary) Roots() []string {
	if b == nil {
		return nil
	}
	return append([]string(nil), b.roots...)
}

// Trusted reports whether the workspace is trusted.
func (b *Boundary) Trusted() bool {
	return b != nil && b.trusted
}

// Contains reports whether path lies inside one of the roots. The
// comparison is lexical on cleaned absolute paths; a root contains
// itself.
func (b *Boundary) Contains(path string) bool {
	if b == nil || path == "" {
		return false
	}
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return false
	}
	for _, root := range b.roots {
		if within(abs, root) {
			return true
		}
	}
	return false
}

// WorkingDir picks the working directory for a subprocess: the first
// root, or fallback when no roots are configured. The result is
// checked with Check.
func (b *Boundary) WorkingDir(fallback string) (string, error) {
	dir := fallback
	if roots := b.Roots(); len(roots) > 0 {
		dir = roots[0]
	}
	if dir == "" {
		return "", fmt.Errorf("%w: no working directory configured", ErrOutsideWorkspace)
	}
	dir = expandHome(dir)
	if err := b.Check(dir); err != nil {
		return "", err
	}
	return filepath.Abs(dir)
}

// Check returns an error naming the permitted roots when path lies
// outside all of them.
func (b *Boundary) Check(path string) error {
	if b.Contains(path) {
		return nil
	}
	roots := b.Roots()
	if len(roots) == 0 {
		return fmt.Errorf("%w: %s (no workspace roots configured)", ErrOutsideWorkspace, path)
	}
	return fmt.Errorf("%w: %s (permitted roots: %s)", ErrOutsideWorkspace, path, strings.Join(roots, ", "))
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
