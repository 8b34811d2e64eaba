// Package validation guards filesystem path components built from untrusted
// strings. It has no dependencies on other internal packages to avoid import
// cycles, so any package assembling a path from a caller-supplied id can use
// it directly.
package validation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPathSegment indicates a value is malformed or attempts path
// traversal when used as a single filesystem path component.
var ErrInvalidPathSegment = errors.New("invalid path segment")

// PathSegment checks that s is safe to use as exactly one path component —
// it must not be empty, ".", "..", or contain a path separator. Used by the
// model cache to guard the model id and quantization segments of a cache
// directory path built from caller input (spec.md §3 "Model record").
func PathSegment(s string) (string, error) {
	if s == "" {
		return "", ErrInvalidPathSegment
	}
	if s == "." || s == ".." {
		return "", ErrInvalidPathSegment
	}
	if strings.ContainsAny(s, `/\`) {
		return "", ErrInvalidPathSegment
	}

	cleaned := filepath.Clean(s)
	if cleaned != s ||
		strings.HasPrefix(cleaned, "..") ||
		strings.Contains(cleaned, string(os.PathSeparator)+"..") ||
		filepath.IsAbs(cleaned) {
		return "", ErrInvalidPathSegment
	}

	return cleaned, nil
}
