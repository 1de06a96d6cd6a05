package permissions

import (
	"path/filepath"
	"strings"
)

// Canonicalize resolves path to an absolute, symlink-free form for prefix
// comparison. Relative paths are joined to base first. For paths that do
// not (fully) exist yet, the deepest existing ancestor is resolved and the
// remaining components are re-joined, so a write target inside a symlinked
// directory still canonicalizes to its real location.
func Canonicalize(path, base string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)

	remainder := []string{}
	probe := path
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if len(remainder) == 0 {
				return resolved
			}
			return filepath.Join(append([]string{resolved}, remainder...)...)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			// Hit the root without resolving anything.
			return path
		}
		remainder = append([]string{filepath.Base(probe)}, remainder...)
		probe = parent
	}
}

// ContainsPath reports whether path equals prefix or lies beneath it,
// comparing on whole path components.
func ContainsPath(prefix, path string) bool {
	if prefix == path {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
