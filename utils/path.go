package utils

import "path/filepath"

// Resolve returns the absolute, symlink-free form of path. When the path
// does not exist yet the cleaned absolute path is returned.
func Resolve(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	return filepath.Abs(resolved)
}

// SamePath reports whether a and b resolve to the same location.
func SamePath(a, b string) bool {
	absA, errA := Resolve(a)
	absB, errB := Resolve(b)
	return errA == nil && errB == nil && absA == absB
}
