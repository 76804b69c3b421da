package shared

import (
	"fmt"
	"path/filepath"
	"strings"
)

// WithinRoot reports whether path, after symlink resolution, lives inside
// root (or is root itself). Both arguments may be relative; symlinks in
// either are resolved before comparison so that links pointing outside the
// root cannot smuggle a path in.
func WithinRoot(root, path string) (bool, error) {
	resolvedRoot, err := resolveExisting(root)
	if err != nil {
		return false, fmt.Errorf("shared: resolve root: %w", err)
	}
	resolved, err := resolveExisting(path)
	if err != nil {
		return false, fmt.Errorf("shared: resolve path: %w", err)
	}
	if resolved == resolvedRoot {
		return true, nil
	}
	return strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)), nil
}

// resolveExisting resolves path to an absolute, symlink-free form. For paths
// that do not exist yet it resolves the deepest existing ancestor and
// re-appends the remaining segments.
func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	return evalSymlinksPartial(abs)
}

// evalSymlinksPartial walks up from path until it finds an existing ancestor,
// resolves symlinks on that ancestor, then re-appends the remaining segments.
func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}
