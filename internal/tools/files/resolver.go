// Package files implements the workspace-jailed file tools: create_file,
// str_replace, view, and patch_file (§8 "File jail").
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves a workspace-relative (or absolute) path to its real,
// symlink-resolved location and verifies it remains a descendant of the
// workspace root. An absolute path is taken as-is rather than joined to
// the root, but it is subject to the same containment check: an
// absolute path outside the workspace is rejected like any traversal.
type Resolver struct {
	Root string
}

// Resolve returns the real, absolute path for p, failing if it would
// escape the resolver's root. p need not exist: Resolve walks up to the
// longest existing ancestor, resolves *that* prefix's symlinks, and
// rejoins the remaining (not-yet-existing) components — mirroring
// Python's Path.resolve() semantics for to-be-created files.
func (r Resolver) Resolve(p string) (string, error) {
	clean := strings.TrimSpace(p)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootReal, err := realPath(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootReal, clean)
	}

	targetReal, err := realPath(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	rel, err := filepath.Rel(rootReal, targetReal)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal: %q escapes workspace", p)
	}
	return targetReal, nil
}

// realPath resolves symlinks in the longest existing ancestor of path
// and rejoins the remainder, without requiring path itself to exist.
func realPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	var tail []string
	cursor := abs
	for {
		if resolved, err := filepath.EvalSymlinks(cursor); err == nil {
			joined := append([]string{resolved}, tail...)
			return filepath.Join(joined...), nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cursor)
		if parent == cursor {
			// Reached the filesystem root without finding an existing
			// ancestor; return the cleaned path as-is.
			return abs, nil
		}
		tail = append([]string{filepath.Base(cursor)}, tail...)
		cursor = parent
	}
}
