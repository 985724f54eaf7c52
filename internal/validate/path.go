// Package validate provides path validation for cache entry records.
// Entry paths read back from a persisted index are untrusted input: a
// corrupted or tampered index must never direct the store to files outside
// the cache root.
package validate

import (
	"fmt"
	"path/filepath"
	"strings"
)

// EntryPath validates an entry-relative file path loaded from the index.
// It rejects empty paths, absolute paths, and any form of traversal so
// that joining the path to the cache root cannot escape it.
// Returns nil if the path is safe, or an error describing the violation.
func EntryPath(path string) error {
	if path == "" || isWhitespaceOnly(path) {
		return fmt.Errorf("empty path")
	}

	if isAbsolutePath(path) {
		return fmt.Errorf("absolute path not allowed: %s", path)
	}

	if err := detectPathTraversal(path); err != nil {
		return err
	}

	return detectProblematicCharacters(path)
}

// IsEntryPathSafe is a convenience wrapper that reports whether the path
// passes validation.
func IsEntryPathSafe(path string) bool {
	return EntryPath(path) == nil
}

// detectPathTraversal detects .. components, including after cleaning and
// in backslash-separated paths.
func detectPathTraversal(path string) error {
	cleanPath := filepath.Clean(path)
	if strings.HasPrefix(cleanPath, "..") {
		return fmt.Errorf("path traversal detected: %s", path)
	}

	if strings.Contains(path, "..") {
		for _, sep := range []string{"/", "\\"} {
			for _, part := range strings.Split(path, sep) {
				if part == ".." {
					return fmt.Errorf("path traversal detected: %s", path)
				}
			}
		}
	}

	return nil
}

// detectProblematicCharacters rejects NUL bytes and control characters
// that have no business in a cache file name.
func detectProblematicCharacters(path string) error {
	for _, r := range path {
		if r == 0 {
			return fmt.Errorf("NUL byte detected in path: %q", path)
		}
		if r < 32 || r == 127 {
			return fmt.Errorf("control character detected in path: %q (U+%04X)", path, r)
		}
	}
	return nil
}

// isAbsolutePath checks for absolute paths on all platforms including
// Windows drive letters and UNC paths. Index files can move between
// platforms, so all variants are rejected regardless of the host OS.
func isAbsolutePath(path string) bool {
	if filepath.IsAbs(path) {
		return true
	}

	if len(path) >= 3 && path[1] == ':' && (path[2] == '\\' || path[2] == '/') {
		drive := path[0]
		if (drive >= 'A' && drive <= 'Z') || (drive >= 'a' && drive <= 'z') {
			return true
		}
	}

	return strings.HasPrefix(path, "\\\\") || strings.HasPrefix(path, "/")
}

func isWhitespaceOnly(path string) bool {
	return strings.TrimSpace(path) == ""
}
