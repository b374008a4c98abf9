package sandbox

import (
	"path/filepath"
	"strings"
)

// FS resolves relative paths against a fixed workspace root and proves
// the result is a descendant of that root, symlinks included. Every
// workspace write in this module must go through Resolve; the worker
// treats a false ok as fatal for the task that produced the path.
type FS struct {
	root string
}

// NewFS builds an FS rooted at root. root is resolved (symlinks followed)
// once at construction so every later comparison is against a canonical
// absolute path.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := resolveExisting(abs)
	if err != nil {
		return nil, err
	}
	return &FS{root: resolved}, nil
}

// Root returns the sandbox's resolved absolute root.
func (f *FS) Root() string { return f.root }

// Resolve returns the absolute path for rel and whether it is provably
// within the workspace root. A rel containing ".." or an absolute prefix
// is still resolved (so callers get a path to log) but ok is false
// whenever the resolved path escapes the root.
func (f *FS) Resolve(rel string) (string, bool) {
	candidate := filepath.Join(f.root, rel)
	resolved, err := resolveExisting(candidate)
	if err != nil {
		// Path doesn't exist yet (common for a file about to be
		// written); fall back to lexical resolution of the parent.
		resolved = filepath.Clean(candidate)
	}
	return resolved, isDescendant(f.root, resolved)
}

// isDescendant reports whether child is root or a path under root.
func isDescendant(root, child string) bool {
	root = filepath.Clean(root)
	child = filepath.Clean(child)
	if root == child {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(child, root+sep)
}

// resolveExisting resolves symlinks for the longest existing prefix of
// path, then rejoins the remainder, mirroring the effect of Python's
// Path.resolve(strict=False).
func resolveExisting(path string) (string, error) {
	path = filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}

	dir, base := filepath.Split(path)
	dir = strings.TrimSuffix(dir, string(filepath.Separator))
	if dir == "" || dir == path {
		return path, nil
	}
	resolvedDir, err := resolveExisting(dir)
	if err != nil {
		return path, err
	}
	return filepath.Join(resolvedDir, base), nil
}
